package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/ad-video-studio/internal/draft"
	"github.com/fpang/ad-video-studio/internal/jsonutil"
	"github.com/fpang/ad-video-studio/internal/provider"
)

// Providers groups one provider per stage type.
type Providers struct {
	Scenario provider.Provider
	Frame    provider.Provider
	Clip     provider.Provider
	Merge    provider.Provider
}

// Policies groups the poll policy per stage type.
type Policies struct {
	Scenario Policy
	Frame    Policy
	Clip     Policy
	Merge    Policy
}

// DefaultPolicies returns the per-stage poll policies.
func DefaultPolicies() Policies {
	return Policies{
		Scenario: TextPolicy,
		Frame:    ImagePolicy,
		Clip:     VideoPolicy,
		Merge:    VideoPolicy,
	}
}

// Submit retry settings for ProviderUnavailable errors. Bounded: a provider
// that stays down becomes a terminal artifact failure, not an infinite loop.
const (
	submitAttempts = 3
	submitBackoff  = 2 * time.Second
)

// scenePlan is the scenario provider's parsed scene breakdown.
type scenePlan struct {
	Scenes []scenePlanScene `json:"scenes"`
}

type scenePlanScene struct {
	Prompt          string            `json:"prompt"`
	DurationSeconds float64           `json:"durationSeconds"`
	MotionParams    map[string]string `json:"motionParams"`
}

// runStage executes one stage: submit (unless resuming an existing handle),
// await the terminal result, validate it. Stateless; all progress state
// lives in the artifact the caller persists via the state machine callbacks.
//
// onSubmit persists the handle before the first poll so a crashed process
// can resume by re-polling instead of re-submitting. onPolling records the
// SUBMITTED → POLLING transition after the first non-terminal status.
//
// The returned error is non-nil only for context cancellation or a
// persistence failure in onSubmit; every provider-side failure is folded
// into the TerminalResult.
func runStage(
	ctx context.Context,
	p provider.Provider,
	spec provider.Spec,
	existing provider.Handle,
	pol Policy,
	onSubmit func(provider.Handle) error,
	onPolling func(),
) (TerminalResult, error) {
	h := existing
	if h == "" {
		var err error
		h, err = submitWithRetry(ctx, p, spec)
		if err != nil {
			if ctx.Err() != nil {
				return TerminalResult{}, ctx.Err()
			}
			return failed(draft.ErrKindProviderUnavailable, err.Error()), nil
		}
		if onSubmit != nil {
			if err := onSubmit(h); err != nil {
				return TerminalResult{}, fmt.Errorf("persist job handle %s: %w", h, err)
			}
		}
	} else {
		log.Info().Str("jobHandle", string(h)).Str("kind", string(spec.Kind)).Msg("Resuming poll for previously submitted job")
	}

	res, err := Await(ctx, p, h, pol, onPolling)
	if err != nil {
		return TerminalResult{}, err
	}
	return validateResult(spec.Kind, res), nil
}

// submitWithRetry retries transient submit failures a bounded number of
// times before giving up.
func submitWithRetry(ctx context.Context, p provider.Provider, spec provider.Spec) (provider.Handle, error) {
	var lastErr error
	for attempt := 0; attempt < submitAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(submitBackoff):
			}
		}

		h, err := p.Submit(ctx, spec)
		if err == nil {
			return h, nil
		}
		lastErr = err
		log.Warn().Err(err).Str("kind", string(spec.Kind)).Int("attempt", attempt).Msg("Job submit failed")
	}
	return "", fmt.Errorf("submit failed after %d attempts: %w", submitAttempts, lastErr)
}

// validateResult guards against providers that report success without a
// usable artifact: a COMPLETED result with a missing or malformed payload
// becomes an InvalidResult failure, never a silent success.
func validateResult(kind provider.Kind, res TerminalResult) TerminalResult {
	if res.Status != draft.StatusCompleted {
		return res
	}

	if kind == provider.KindScenario {
		if res.Payload == "" {
			return failed(draft.ErrKindInvalidResult, "scenario job completed with empty payload")
		}
		return res
	}

	u, err := url.Parse(res.ResultURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return failed(draft.ErrKindInvalidResult,
			fmt.Sprintf("%s job completed with unusable result URL %q", kind, res.ResultURL))
	}
	return res
}

// parseScenePlan parses and validates the scenario payload.
func parseScenePlan(payload string) (*scenePlan, error) {
	plan, err := jsonutil.ParseJSON[scenePlan](payload)
	if err != nil {
		return nil, fmt.Errorf("parse scene plan: %w", err)
	}
	if len(plan.Scenes) == 0 {
		return nil, fmt.Errorf("scene plan contains no scenes")
	}
	for i, s := range plan.Scenes {
		if s.Prompt == "" {
			return nil, fmt.Errorf("scene %d has an empty prompt", i)
		}
	}
	return &plan, nil
}

// frameSpec builds the keyframe job spec for one scene.
func frameSpec(d *draft.Draft, scene *draft.SceneState) provider.Spec {
	return provider.Spec{
		Kind:            provider.KindFrame,
		Prompt:          scene.Prompt,
		ProductImageURL: d.Params.ProductImageURL,
		AvatarImageURL:  d.Params.AvatarImageURL,
		AspectRatio:     d.Params.AspectRatio,
	}
}

// clipSpec builds the clip render job spec for one scene. Precondition
// (enforced by the coordinator, not re-checked here): the scene's frame is
// COMPLETED and its result URL is the clip's source keyframe.
func clipSpec(d *draft.Draft, scene *draft.SceneState) provider.Spec {
	return provider.Spec{
		Kind:            provider.KindClip,
		Prompt:          scene.Prompt,
		FrameURL:        scene.Frame.ResultURL,
		DurationSeconds: scene.DurationSeconds,
		MotionParams:    scene.MotionParams,
		AspectRatio:     d.Params.AspectRatio,
	}
}

// mergeSpec builds the merge job spec: clip URLs strictly in scene-index
// order regardless of completion order.
func mergeSpec(d *draft.Draft) provider.Spec {
	return provider.Spec{
		Kind:     provider.KindMerge,
		ClipURLs: d.OrderedClipURLs(),
	}
}

// scenarioSpec builds the scenario job spec from the draft's fixed params.
func scenarioSpec(d *draft.Draft) provider.Spec {
	return provider.Spec{
		Kind:            provider.KindScenario,
		Prompt:          d.Params.Prompt,
		ProductImageURL: d.Params.ProductImageURL,
		AvatarImageURL:  d.Params.AvatarImageURL,
		AspectRatio:     d.Params.AspectRatio,
		SceneCount:      d.Params.SceneCount,
	}
}
