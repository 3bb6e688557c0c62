package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/ad-video-studio/internal/credits"
	"github.com/fpang/ad-video-studio/internal/draft"
	"github.com/fpang/ad-video-studio/internal/provider"
)

// ErrNotFound is returned for operations on a draft that does not exist.
var ErrNotFound = errors.New("draft not found")

// ErrNotEligible is returned when an operation is invalid for the draft's
// current phase (e.g. regenerating a clip before the clip phase has run).
var ErrNotEligible = errors.New("operation not eligible in current phase")

// saveRetries bounds reload-and-reapply cycles on revision conflicts.
const saveRetries = 5

// AssetPublisher copies a provider's merged output into durable storage and
// returns the URL the draft should persist. Optional; when absent the
// provider URL is stored directly.
type AssetPublisher interface {
	PublishMerged(ctx context.Context, draftID, sourceURL string) (string, error)
}

// Machine is the pipeline state machine. It exclusively owns mutation of
// drafts: stage executors and the coordinator only propose transitions,
// which the machine validates, applies atomically, and persists.
//
// Two serialization layers protect the draft document (DDR-072):
//   - a per-draft phase lock serializes phase drivers (Advance, Regenerate),
//   - the store's revision compare-and-swap serializes the fine-grained
//     per-scene writes racing inside a phase; conflicting writers reload
//     and reapply.
type Machine struct {
	store     draft.Store
	ledger    credits.Ledger
	providers Providers
	policies  Policies
	publisher AssetPublisher

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	cancels map[string]context.CancelFunc
}

// New creates a Machine. publisher may be nil.
func New(store draft.Store, ledger credits.Ledger, providers Providers, policies Policies, publisher AssetPublisher) *Machine {
	return &Machine{
		store:     store,
		ledger:    ledger,
		providers: providers,
		policies:  policies,
		publisher: publisher,
		locks:     make(map[string]*sync.Mutex),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// phaseLock returns the mutex serializing phase drivers for one draft.
func (m *Machine) phaseLock(draftID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[draftID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[draftID] = l
	}
	return l
}

// registerCancel tracks the cancel func for a running phase so Cancel can
// abort outstanding waits.
func (m *Machine) registerCancel(draftID string, cancel context.CancelFunc) {
	m.mu.Lock()
	m.cancels[draftID] = cancel
	m.mu.Unlock()
}

func (m *Machine) unregisterCancel(draftID string) {
	m.mu.Lock()
	delete(m.cancels, draftID)
	m.mu.Unlock()
}

// CreateDraft creates a new draft in phase DRAFT.
func (m *Machine) CreateDraft(ctx context.Context, accountID string, params draft.GenerationParams) (*draft.Draft, error) {
	if params.SceneCount < 1 {
		return nil, fmt.Errorf("scene count must be >= 1, got %d", params.SceneCount)
	}

	d := &draft.Draft{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Phase:     draft.PhaseDraft,
		Params:    params,
		CreatedAt: time.Now().Unix(),
	}
	if err := m.store.Save(ctx, d); err != nil {
		return nil, fmt.Errorf("create draft: %w", err)
	}

	log.Info().Str("draftId", d.ID).Str("accountId", accountID).Int("sceneCount", params.SceneCount).Msg("Draft created")
	return d, nil
}

// Status returns the draft for polling/resume display.
func (m *Machine) Status(ctx context.Context, draftID string) (*draft.Draft, error) {
	d, err := m.store.Load(ctx, draftID)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("draft %s: %w", draftID, ErrNotFound)
	}
	return d, nil
}

// Cancel aborts any running phase for the draft and deletes it. In-flight
// provider jobs are not cancelled upstream; their results are discarded by
// the attempt-mismatch guard when they eventually arrive.
func (m *Machine) Cancel(ctx context.Context, draftID string) error {
	m.mu.Lock()
	cancel := m.cancels[draftID]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if err := m.store.Delete(ctx, draftID); err != nil {
		return fmt.Errorf("delete draft %s: %w", draftID, err)
	}

	log.Info().Str("draftId", draftID).Msg("Draft cancelled and deleted")
	return nil
}

// Advance drives the draft's next eligible phase. Safe to call again after
// a crash or page reload: artifacts already SUBMITTED or POLLING resume
// from their stored job handles and are never re-submitted.
func (m *Machine) Advance(ctx context.Context, draftID string) (*draft.Draft, error) {
	lock := m.phaseLock(draftID)
	lock.Lock()
	defer lock.Unlock()

	phaseCtx, cancel := context.WithCancel(ctx)
	m.registerCancel(draftID, cancel)
	defer func() {
		m.unregisterCancel(draftID)
		cancel()
	}()

	d, err := m.Status(phaseCtx, draftID)
	if err != nil {
		return nil, err
	}

	log.Info().Str("draftId", draftID).Str("phase", string(d.Phase)).Msg("Advancing draft")

	switch d.Phase {
	case draft.PhaseDraft, draft.PhaseScenario:
		return m.runScenarioPhase(phaseCtx, d)
	case draft.PhaseFailed:
		// Whole-pipeline failure is only reachable from scenario generation;
		// retry re-enters it.
		return m.runScenarioPhase(phaseCtx, d)
	case draft.PhaseFrames:
		return m.runFanOutPhase(phaseCtx, d, draft.KindFrame)
	case draft.PhaseClips:
		d, err := m.runFanOutPhase(phaseCtx, d, draft.KindClip)
		if err != nil || d.Phase != draft.PhaseMerging {
			return d, err
		}
		return m.runMergePhase(phaseCtx, d)
	case draft.PhaseMerging:
		return m.runMergePhase(phaseCtx, d)
	case draft.PhaseCompleted:
		return d, nil
	default:
		return nil, fmt.Errorf("draft %s: unknown phase %q", draftID, d.Phase)
	}
}

// --- Scenario phase ---

// runScenarioPhase runs the single (not fanned-out) scenario stage and, on
// success, allocates the scene slots from the parsed plan.
func (m *Machine) runScenarioPhase(ctx context.Context, d *draft.Draft) (*draft.Draft, error) {
	// A stored handle means the previous run already paid for this job.
	// Reserve before touching the draft: on InsufficientCredits the phase
	// is not entered.
	if d.ScenarioJobHandle == "" {
		if err := m.ledger.Reserve(ctx, d.AccountID, 1); err != nil {
			return nil, err
		}
	}

	cur, err := m.mutate(ctx, d.ID, func(d *draft.Draft) error {
		d.Phase = draft.PhaseScenario
		d.Error = ""
		return nil
	})
	if err != nil {
		if d.ScenarioJobHandle == "" {
			if rerr := m.ledger.Refund(ctx, d.AccountID, 1); rerr != nil {
				log.Warn().Err(rerr).Str("draftId", d.ID).Msg("Credit refund failed")
			}
		}
		return nil, err
	}

	res, err := runStage(ctx, m.providers.Scenario, scenarioSpec(cur), provider.Handle(cur.ScenarioJobHandle), m.policies.Scenario,
		func(h provider.Handle) error {
			_, err := m.mutate(ctx, d.ID, func(d *draft.Draft) error {
				d.ScenarioJobHandle = string(h)
				return nil
			})
			return err
		}, nil)
	if err != nil {
		return nil, err
	}

	if res.Status != draft.StatusCompleted {
		return m.failPipeline(ctx, d.ID, d.AccountID, res.Err)
	}

	plan, perr := parseScenePlan(res.Payload)
	if perr != nil {
		log.Error().Err(perr).Str("draftId", d.ID).Msg("Scenario payload rejected")
		return m.failPipeline(ctx, d.ID, d.AccountID,
			&draft.ArtifactError{Kind: draft.ErrKindInvalidResult, Message: perr.Error()})
	}

	return m.mutate(ctx, d.ID, func(d *draft.Draft) error {
		d.AllocateScenes(len(plan.Scenes))
		for i, s := range plan.Scenes {
			d.Scenes[i].Prompt = s.Prompt
			d.Scenes[i].DurationSeconds = s.DurationSeconds
			d.Scenes[i].MotionParams = s.MotionParams
		}
		d.ScenarioJobHandle = ""
		d.Phase = draft.PhaseFrames
		log.Info().Str("draftId", d.ID).Int("scenes", len(plan.Scenes)).Msg("Scenario accepted, scenes allocated")
		return nil
	})
}

// failPipeline records a whole-pipeline failure (scenario) and refunds the
// phase's credit.
func (m *Machine) failPipeline(ctx context.Context, draftID, accountID string, aerr *draft.ArtifactError) (*draft.Draft, error) {
	if err := m.ledger.Refund(ctx, accountID, 1); err != nil {
		log.Warn().Err(err).Str("draftId", draftID).Msg("Credit refund failed")
	}
	return m.mutate(ctx, draftID, func(d *draft.Draft) error {
		d.Phase = draft.PhaseFailed
		d.ScenarioJobHandle = ""
		if aerr != nil {
			d.Error = fmt.Sprintf("%s: %s", aerr.Kind, aerr.Message)
		}
		return nil
	})
}

// --- Merge phase ---

// runMergePhase runs the merge stage over the scene clips in index order.
// On failure the phase returns to CLIPS so the user can retry the merge
// without re-generating clips.
func (m *Machine) runMergePhase(ctx context.Context, d *draft.Draft) (*draft.Draft, error) {
	if d.Phase == draft.PhaseClips {
		return nil, fmt.Errorf("draft %s: %w: clips incomplete", d.ID, ErrNotEligible)
	}

	cur, err := m.Status(ctx, d.ID)
	if err != nil {
		return nil, err
	}

	if cur.MergeJobHandle == "" {
		if err := m.ledger.Reserve(ctx, cur.AccountID, 1); err != nil {
			return nil, err
		}
	}

	res, err := runStage(ctx, m.providers.Merge, mergeSpec(cur), provider.Handle(cur.MergeJobHandle), m.policies.Merge,
		func(h provider.Handle) error {
			_, err := m.mutate(ctx, d.ID, func(d *draft.Draft) error {
				d.MergeJobHandle = string(h)
				return nil
			})
			return err
		}, nil)
	if err != nil {
		return nil, err
	}

	if res.Status != draft.StatusCompleted {
		if rerr := m.ledger.Refund(ctx, d.AccountID, 1); rerr != nil {
			log.Warn().Err(rerr).Str("draftId", d.ID).Msg("Credit refund failed")
		}
		log.Warn().Str("draftId", d.ID).Str("kind", string(res.Err.Kind)).Str("error", res.Err.Message).Msg("Merge failed, phase returns to CLIPS")
		return m.mutate(ctx, d.ID, func(d *draft.Draft) error {
			d.Phase = draft.PhaseClips
			d.MergeJobHandle = ""
			d.Error = fmt.Sprintf("%s: %s", res.Err.Kind, res.Err.Message)
			return nil
		})
	}

	mergedURL := res.ResultURL
	if m.publisher != nil {
		published, perr := m.publisher.PublishMerged(ctx, d.ID, mergedURL)
		if perr != nil {
			// The provider URL still works; durability is degraded, not lost.
			log.Warn().Err(perr).Str("draftId", d.ID).Msg("Failed to publish merged asset, keeping provider URL")
		} else {
			mergedURL = published
		}
	}

	return m.mutate(ctx, d.ID, func(d *draft.Draft) error {
		d.Phase = draft.PhaseCompleted
		d.MergedResultURL = mergedURL
		d.MergeJobHandle = ""
		d.Error = ""
		log.Info().Str("draftId", d.ID).Str("mergedResultUrl", mergedURL).Msg("Draft completed")
		return nil
	})
}

// --- Mutation path ---

// mutate is the machine's single mutation path: load, apply, save with the
// store's revision check, retrying on conflict by reloading and reapplying.
// fn must therefore be safe to apply more than once against fresh state.
func (m *Machine) mutate(ctx context.Context, draftID string, fn func(*draft.Draft) error) (*draft.Draft, error) {
	var lastErr error
	for i := 0; i < saveRetries; i++ {
		d, err := m.store.Load(ctx, draftID)
		if err != nil {
			return nil, err
		}
		if d == nil {
			return nil, fmt.Errorf("draft %s: %w", draftID, ErrNotFound)
		}

		if err := fn(d); err != nil {
			return nil, err
		}

		if err := m.store.Save(ctx, d); err != nil {
			if errors.Is(err, draft.ErrConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return d, nil
	}
	return nil, fmt.Errorf("draft %s: save retries exhausted: %w", draftID, lastErr)
}

// applyArtifact applies a proposed artifact transition for one scene,
// guarded against stale results: a proposal carrying an attempt older than
// the artifact's current attempt is discarded, never written back.
func (m *Machine) applyArtifact(ctx context.Context, draftID string, index int, kind draft.ArtifactKind, attempt int, fn func(*draft.ArtifactState)) error {
	_, err := m.mutate(ctx, draftID, func(d *draft.Draft) error {
		if index < 0 || index >= len(d.Scenes) {
			return fmt.Errorf("draft %s: scene index %d out of range", draftID, index)
		}
		a := d.Scenes[index].Artifact(kind)
		if a.Attempt != attempt {
			log.Info().
				Str("draftId", draftID).
				Int("scene", index).
				Str("kind", string(kind)).
				Int("proposalAttempt", attempt).
				Int("currentAttempt", a.Attempt).
				Msg("Discarding stale artifact result")
			return nil
		}
		fn(a)
		return nil
	})
	return err
}
