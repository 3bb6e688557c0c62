// Package draft defines the persistent data model for the video generation
// pipeline: a Draft moving through phases, its per-scene progress records,
// and the async-job-backed artifact states the pipeline mutates.
//
// All mutation of these types goes through the pipeline state machine; other
// components only read them or propose transitions. See DDR-072: Draft
// Pipeline State Machine.
package draft

// Phase is the Draft's position in the generation pipeline.
type Phase string

const (
	PhaseDraft     Phase = "DRAFT"
	PhaseScenario  Phase = "SCENARIO"
	PhaseFrames    Phase = "FRAMES"
	PhaseClips     Phase = "CLIPS"
	PhaseMerging   Phase = "MERGING"
	PhaseCompleted Phase = "COMPLETED"
	PhaseFailed    Phase = "FAILED"
)

// phaseOrder defines forward progression. FAILED is deliberately absent:
// it is a parallel terminal state, not a pipeline position.
var phaseOrder = map[Phase]int{
	PhaseDraft:     0,
	PhaseScenario:  1,
	PhaseFrames:    2,
	PhaseClips:     3,
	PhaseMerging:   4,
	PhaseCompleted: 5,
}

// Reached reports whether p has reached or passed other in pipeline order.
// A FAILED draft has reached nothing.
func (p Phase) Reached(other Phase) bool {
	po, ok := phaseOrder[p]
	oo, ok2 := phaseOrder[other]
	return ok && ok2 && po >= oo
}

// ArtifactStatus is the lifecycle state of one async-job-backed artifact.
type ArtifactStatus string

const (
	StatusPending   ArtifactStatus = "PENDING"
	StatusSubmitted ArtifactStatus = "SUBMITTED"
	StatusPolling   ArtifactStatus = "POLLING"
	StatusCompleted ArtifactStatus = "COMPLETED"
	StatusFailed    ArtifactStatus = "FAILED"
)

// Terminal reports whether the status is final.
func (s ArtifactStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrorKind classifies artifact and pipeline failures for the caller.
type ErrorKind string

const (
	// ErrKindProviderUnavailable: submit failed before a job even started.
	ErrKindProviderUnavailable ErrorKind = "ProviderUnavailable"
	// ErrKindProviderFailed: the provider reported terminal failure.
	ErrKindProviderFailed ErrorKind = "ProviderFailed"
	// ErrKindInvalidResult: terminal success with an unusable payload.
	ErrKindInvalidResult ErrorKind = "InvalidResult"
	// ErrKindTimeout: the poller exhausted its attempt budget. The upstream
	// job may still be running; surfaced distinctly from ProviderFailed.
	ErrKindTimeout ErrorKind = "Timeout"
	// ErrKindInsufficientCredits: raised before any job submission.
	ErrKindInsufficientCredits ErrorKind = "InsufficientCredits"
	// ErrKindConflict: optimistic-concurrency failure on Draft save.
	ErrKindConflict ErrorKind = "Conflict"
)

// ArtifactError carries a classified failure plus the raw provider message.
type ArtifactError struct {
	Kind    ErrorKind `json:"kind" dynamodbav:"kind"`
	Message string    `json:"message,omitempty" dynamodbav:"message,omitempty"`
}

// ArtifactKind distinguishes the two per-scene artifacts.
type ArtifactKind string

const (
	KindFrame ArtifactKind = "frame"
	KindClip  ArtifactKind = "clip"
)

// ArtifactState tracks one generation job from submission to terminal result.
type ArtifactState struct {
	Status    ArtifactStatus `json:"status" dynamodbav:"status"`
	JobHandle string         `json:"jobHandle,omitempty" dynamodbav:"jobHandle,omitempty"`
	ResultURL string         `json:"resultUrl,omitempty" dynamodbav:"resultUrl,omitempty"`
	Error     *ArtifactError `json:"error,omitempty" dynamodbav:"error,omitempty"`

	// Attempt is incremented on every regeneration. Poll results carrying a
	// lower attempt than the artifact's current value are stale and discarded.
	Attempt int `json:"attempt" dynamodbav:"attempt"`
}

// Reset returns the artifact to PENDING for a new attempt, discarding the
// previous job handle and result.
func (a *ArtifactState) Reset() {
	a.Status = StatusPending
	a.JobHandle = ""
	a.ResultURL = ""
	a.Error = nil
	a.Attempt++
}

// SceneState is the per-scene progress record. Scene identity is its index;
// scenes are never reordered.
type SceneState struct {
	Index           int               `json:"index" dynamodbav:"index"`
	Prompt          string            `json:"prompt,omitempty" dynamodbav:"prompt,omitempty"`
	DurationSeconds float64           `json:"durationSeconds,omitempty" dynamodbav:"durationSeconds,omitempty"`
	MotionParams    map[string]string `json:"motionParams,omitempty" dynamodbav:"motionParams,omitempty"`
	Frame           ArtifactState     `json:"frame" dynamodbav:"frame"`
	Clip            ArtifactState     `json:"clip" dynamodbav:"clip"`
}

// Artifact returns the scene's artifact of the given kind.
func (s *SceneState) Artifact(kind ArtifactKind) *ArtifactState {
	if kind == KindClip {
		return &s.Clip
	}
	return &s.Frame
}

// GenerationParams are the user inputs fixed at draft creation.
type GenerationParams struct {
	ProductImageURL string `json:"productImageUrl,omitempty" dynamodbav:"productImageUrl,omitempty"`
	AvatarImageURL  string `json:"avatarImageUrl,omitempty" dynamodbav:"avatarImageUrl,omitempty"`
	Prompt          string `json:"prompt,omitempty" dynamodbav:"prompt,omitempty"`
	AspectRatio     string `json:"aspectRatio,omitempty" dynamodbav:"aspectRatio,omitempty"`
	SceneCount      int    `json:"sceneCount,omitempty" dynamodbav:"sceneCount,omitempty"`
}

// Draft is the unit of work a user is building: one multi-scene ad video.
type Draft struct {
	ID        string           `json:"id" dynamodbav:"-"`
	AccountID string           `json:"accountId" dynamodbav:"accountId"`
	Phase     Phase            `json:"phase" dynamodbav:"phase"`
	Params    GenerationParams `json:"params" dynamodbav:"params"`

	// SceneCount is fixed once the scenario is accepted; len(Scenes) == SceneCount.
	SceneCount int          `json:"sceneCount" dynamodbav:"sceneCount"`
	Scenes     []SceneState `json:"scenes,omitempty" dynamodbav:"scenes,omitempty"`

	// ScenarioJobHandle tracks the in-flight scenario generation job so a
	// reloaded process can re-poll instead of re-submitting.
	ScenarioJobHandle string `json:"scenarioJobHandle,omitempty" dynamodbav:"scenarioJobHandle,omitempty"`

	// MergeJobHandle tracks the in-flight merge job, same resume semantics.
	MergeJobHandle string `json:"mergeJobHandle,omitempty" dynamodbav:"mergeJobHandle,omitempty"`

	// MergedResultURL is set only when Phase == COMPLETED.
	MergedResultURL string `json:"mergedResultUrl,omitempty" dynamodbav:"mergedResultUrl,omitempty"`

	// Error records a pipeline-level failure (scenario or merge).
	Error string `json:"error,omitempty" dynamodbav:"error,omitempty"`

	// Revision increments on every persisted mutation. Used for optimistic
	// concurrency and stale-poll detection.
	Revision  int64 `json:"revision" dynamodbav:"revision"`
	CreatedAt int64 `json:"createdAt" dynamodbav:"createdAt"`
}

// AllocateScenes creates SceneCount empty scene slots. Called exactly once,
// when the scenario is accepted.
func (d *Draft) AllocateScenes(n int) {
	d.SceneCount = n
	d.Scenes = make([]SceneState, n)
	for i := range d.Scenes {
		d.Scenes[i].Index = i
		d.Scenes[i].Frame.Status = StatusPending
		d.Scenes[i].Clip.Status = StatusPending
	}
}

// AllArtifactsCompleted reports whether every scene's artifact of the given
// kind reached COMPLETED.
func (d *Draft) AllArtifactsCompleted(kind ArtifactKind) bool {
	if len(d.Scenes) == 0 {
		return false
	}
	for i := range d.Scenes {
		if d.Scenes[i].Artifact(kind).Status != StatusCompleted {
			return false
		}
	}
	return true
}

// OrderedClipURLs returns clip result URLs sorted by scene index. Scenes
// complete in arbitrary order; the merge input order never does.
func (d *Draft) OrderedClipURLs() []string {
	urls := make([]string, len(d.Scenes))
	for i := range d.Scenes {
		urls[i] = d.Scenes[i].Clip.ResultURL
	}
	return urls
}
