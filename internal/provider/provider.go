// Package provider defines the uniform contract for external generation
// services (scenario text, keyframe images, video clips, clip merging).
// Every provider is a submit/poll pair: Submit dispatches a long-running job
// and returns an opaque handle; Poll reports its current status. The pipeline
// poller converts the pair into a single awaited terminal result.
package provider

import (
	"context"
	"errors"
)

// State is a provider-side job state.
type State string

const (
	StateQueued    State = "QUEUED"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether the state is final from the provider's perspective.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// ErrUnavailable indicates Submit failed before a job even started (network
// error, 5xx, rate limit). Retried with backoff at the stage executor level.
var ErrUnavailable = errors.New("provider unavailable")

// Kind identifies the class of generation work a job spec describes.
type Kind string

const (
	KindScenario Kind = "scenario"
	KindFrame    Kind = "frame"
	KindClip     Kind = "clip"
	KindMerge    Kind = "merge"
)

// Spec is a provider-agnostic job description. Each provider reads the
// fields relevant to its kind and ignores the rest.
type Spec struct {
	Kind Kind

	// Prompt is the generation instruction (scenario brief, frame prompt,
	// clip motion prompt).
	Prompt string

	// Scenario inputs.
	ProductImageURL string
	AvatarImageURL  string
	SceneCount      int

	// Frame inputs.
	AspectRatio string

	// Clip inputs.
	FrameURL        string
	DurationSeconds float64
	MotionParams    map[string]string

	// Merge inputs: clip URLs in scene-index order.
	ClipURLs []string
}

// Handle is an opaque provider job reference. Persisted so a reloaded
// process can resume polling without re-submitting.
type Handle string

// Status is a poll response.
type Status struct {
	State State

	// ResultURL is the generated asset location, set when State == COMPLETED
	// for jobs producing a URL-addressable asset.
	ResultURL string

	// Payload carries inline results (the scenario JSON) for jobs whose
	// output is data rather than an asset.
	Payload string

	// Message is the provider's error text when State == FAILED.
	Message string
}

// Provider is the uniform capability the pipeline depends on.
//
// Submit must not be called twice for the same logical unit of work unless
// the prior attempt was marked failed or abandoned; the pipeline enforces
// this via persisted job handles.
type Provider interface {
	Submit(ctx context.Context, spec Spec) (Handle, error)
	Poll(ctx context.Context, h Handle) (Status, error)
}
