package pipeline

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/fpang/ad-video-studio/internal/draft"
	"github.com/fpang/ad-video-studio/internal/provider"
)

// runFanOutPhase drives one fan-out phase (FRAMES or CLIPS): every scene's
// artifact of the given kind runs concurrently, each persisting its own
// transitions as it makes them, and the phase advances only once all scenes
// reach COMPLETED. One failed scene never aborts its siblings and never
// moves the phase backward; re-advancing retries only what failed.
func (m *Machine) runFanOutPhase(ctx context.Context, d *draft.Draft, kind draft.ArtifactKind) (*draft.Draft, error) {
	// Failed artifacts from a previous pass start a fresh attempt.
	cur, err := m.mutate(ctx, d.ID, func(d *draft.Draft) error {
		for i := range d.Scenes {
			if d.Scenes[i].Artifact(kind).Status == draft.StatusFailed {
				d.Scenes[i].Artifact(kind).Reset()
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var fresh, resumed []int
	for i := range cur.Scenes {
		if kind == draft.KindClip && cur.Scenes[i].Frame.Status != draft.StatusCompleted {
			// A clip cannot run without its source keyframe. The scene stays
			// PENDING and blocks phase completion until the frame is fixed.
			continue
		}
		switch cur.Scenes[i].Artifact(kind).Status {
		case draft.StatusPending:
			fresh = append(fresh, i)
		case draft.StatusSubmitted, draft.StatusPolling:
			resumed = append(resumed, i)
		}
	}

	if len(fresh)+len(resumed) == 0 {
		return m.completeFanOut(ctx, cur.ID, kind)
	}

	// Resumed scenes were paid for when they were first submitted.
	if len(fresh) > 0 {
		if err := m.ledger.Reserve(ctx, cur.AccountID, len(fresh)); err != nil {
			return nil, err
		}
	}

	log.Info().
		Str("draftId", cur.ID).
		Str("kind", string(kind)).
		Int("fresh", len(fresh)).
		Int("resumed", len(resumed)).
		Msg("Fanning out scene generation")

	var wg sync.WaitGroup
	for _, idx := range append(fresh, resumed...) {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			m.runSceneArtifact(ctx, cur, index, kind)
		}(idx)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return m.completeFanOut(ctx, cur.ID, kind)
}

// completeFanOut advances the phase if every scene's artifact of the given
// kind is COMPLETED; otherwise the draft stays put for a later re-advance.
func (m *Machine) completeFanOut(ctx context.Context, draftID string, kind draft.ArtifactKind) (*draft.Draft, error) {
	return m.mutate(ctx, draftID, func(d *draft.Draft) error {
		if !d.AllArtifactsCompleted(kind) {
			log.Warn().Str("draftId", draftID).Str("kind", string(kind)).Msg("Fan-out phase incomplete, awaiting retry")
			return nil
		}
		switch {
		case kind == draft.KindFrame && d.Phase == draft.PhaseFrames:
			d.Phase = draft.PhaseClips
		case kind == draft.KindClip && d.Phase == draft.PhaseClips:
			d.Phase = draft.PhaseMerging
		}
		d.Error = ""
		log.Info().Str("draftId", draftID).Str("kind", string(kind)).Str("phase", string(d.Phase)).Msg("Fan-out phase complete")
		return nil
	})
}

// runSceneArtifact drives one scene's artifact to a terminal state,
// persisting each transition immediately so a crash mid-phase loses nothing.
// snapshot is the draft as loaded at fan-out time; the attempt captured from
// it pins every write so a regeneration racing this run wins.
func (m *Machine) runSceneArtifact(ctx context.Context, snapshot *draft.Draft, index int, kind draft.ArtifactKind) {
	scene := &snapshot.Scenes[index]
	artifact := scene.Artifact(kind)
	attempt := artifact.Attempt

	var (
		p    provider.Provider
		pol  Policy
		spec provider.Spec
	)
	if kind == draft.KindClip {
		p, pol, spec = m.providers.Clip, m.policies.Clip, clipSpec(snapshot, scene)
	} else {
		p, pol, spec = m.providers.Frame, m.policies.Frame, frameSpec(snapshot, scene)
	}

	res, err := runStage(ctx, p, spec, provider.Handle(artifact.JobHandle), pol,
		func(h provider.Handle) error {
			return m.applyArtifact(ctx, snapshot.ID, index, kind, attempt, func(a *draft.ArtifactState) {
				a.Status = draft.StatusSubmitted
				a.JobHandle = string(h)
			})
		},
		func() {
			if err := m.applyArtifact(ctx, snapshot.ID, index, kind, attempt, func(a *draft.ArtifactState) {
				a.Status = draft.StatusPolling
			}); err != nil {
				log.Warn().Err(err).Str("draftId", snapshot.ID).Int("scene", index).Msg("Failed to record polling transition")
			}
		})
	if err != nil {
		// Cancelled mid-wait. The persisted SUBMITTED/POLLING state is the
		// resume point; nothing terminal is written.
		log.Info().Err(err).Str("draftId", snapshot.ID).Int("scene", index).Str("kind", string(kind)).Msg("Scene generation interrupted")
		return
	}

	if res.Status == draft.StatusCompleted {
		if err := m.applyArtifact(ctx, snapshot.ID, index, kind, attempt, func(a *draft.ArtifactState) {
			a.Status = draft.StatusCompleted
			a.ResultURL = res.ResultURL
			a.JobHandle = ""
			a.Error = nil
		}); err != nil {
			log.Error().Err(err).Str("draftId", snapshot.ID).Int("scene", index).Msg("Failed to persist completed artifact")
		}
		return
	}

	if err := m.ledger.Refund(ctx, snapshot.AccountID, 1); err != nil {
		log.Warn().Err(err).Str("draftId", snapshot.ID).Int("scene", index).Msg("Credit refund failed")
	}
	log.Warn().
		Str("draftId", snapshot.ID).
		Int("scene", index).
		Str("kind", string(kind)).
		Str("errorKind", string(res.Err.Kind)).
		Str("error", res.Err.Message).
		Msg("Scene generation failed")
	if err := m.applyArtifact(ctx, snapshot.ID, index, kind, attempt, func(a *draft.ArtifactState) {
		a.Status = draft.StatusFailed
		a.Error = res.Err
		a.JobHandle = ""
	}); err != nil {
		log.Error().Err(err).Str("draftId", snapshot.ID).Int("scene", index).Msg("Failed to persist failed artifact")
	}
}
