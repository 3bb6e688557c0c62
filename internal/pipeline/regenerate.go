package pipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fpang/ad-video-studio/internal/draft"
)

// Regenerate re-runs one scene's frame or clip without touching its
// siblings. overridePrompt, when non-empty, replaces the scene's prompt
// before the run.
//
// Invalidation cascades forward only: regenerating a frame discards the
// scene's clip, and any regeneration discards the merged result, sending a
// MERGING or COMPLETED draft back to CLIPS. Upstream artifacts and other
// scenes are untouched. An in-flight job for the old attempt keeps running
// upstream; its result arrives carrying the old attempt number and is
// discarded by the apply guard.
func (m *Machine) Regenerate(ctx context.Context, draftID string, index int, kind draft.ArtifactKind, overridePrompt string) (*draft.Draft, error) {
	lock := m.phaseLock(draftID)
	lock.Lock()
	defer lock.Unlock()

	phaseCtx, cancel := context.WithCancel(ctx)
	m.registerCancel(draftID, cancel)
	defer func() {
		m.unregisterCancel(draftID)
		cancel()
	}()

	cur, err := m.Status(phaseCtx, draftID)
	if err != nil {
		return nil, err
	}
	if err := checkRegenerable(cur, index, kind); err != nil {
		return nil, err
	}
	accountID := cur.AccountID

	// Reserve before any invalidation: a declined reservation must leave
	// the existing clip and merged result intact.
	if err := m.ledger.Reserve(phaseCtx, accountID, 1); err != nil {
		return nil, err
	}

	cur, err = m.mutate(phaseCtx, draftID, func(d *draft.Draft) error {
		if err := checkRegenerable(d, index, kind); err != nil {
			return err
		}
		scene := &d.Scenes[index]

		if overridePrompt != "" {
			scene.Prompt = overridePrompt
		}
		scene.Artifact(kind).Reset()
		if kind == draft.KindFrame && scene.Clip.Status != draft.StatusPending {
			scene.Clip.Reset()
		}

		d.MergedResultURL = ""
		d.MergeJobHandle = ""
		if d.Phase == draft.PhaseMerging || d.Phase == draft.PhaseCompleted {
			d.Phase = draft.PhaseClips
		}
		return nil
	})
	if err != nil {
		if rerr := m.ledger.Refund(phaseCtx, accountID, 1); rerr != nil {
			log.Warn().Err(rerr).Str("draftId", draftID).Msg("Credit refund failed")
		}
		return nil, err
	}

	log.Info().
		Str("draftId", draftID).
		Int("scene", index).
		Str("kind", string(kind)).
		Int("attempt", cur.Scenes[index].Artifact(kind).Attempt).
		Str("phase", string(cur.Phase)).
		Msg("Regenerating scene artifact")

	m.runSceneArtifact(phaseCtx, cur, index, kind)
	if phaseCtx.Err() != nil {
		return nil, phaseCtx.Err()
	}

	// The cascaded clip (frame regeneration) and the merge are rebuilt by
	// the next Advance, which picks up exactly the invalidated work.
	return m.Status(phaseCtx, draftID)
}

// checkRegenerable validates that the scene's artifact can be regenerated:
// the draft's phase must have reached the phase owning the artifact kind,
// and a clip needs its frame.
func checkRegenerable(d *draft.Draft, index int, kind draft.ArtifactKind) error {
	if index < 0 || index >= len(d.Scenes) {
		return fmt.Errorf("draft %s: scene index %d out of range", d.ID, index)
	}
	required := draft.PhaseFrames
	if kind == draft.KindClip {
		required = draft.PhaseClips
	}
	if !d.Phase.Reached(required) {
		return fmt.Errorf("draft %s: %w: phase %s has not reached %s", d.ID, ErrNotEligible, d.Phase, required)
	}
	if kind == draft.KindClip && d.Scenes[index].Frame.Status != draft.StatusCompleted {
		return fmt.Errorf("draft %s: %w: scene %d has no completed frame", d.ID, ErrNotEligible, index)
	}
	return nil
}
