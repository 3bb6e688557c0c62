// Package pipeline implements the multi-stage asynchronous generation
// pipeline: a generic job poller, per-stage executors, a fan-out/fan-in
// coordinator, and the state machine that owns all draft mutation.
package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/ad-video-studio/internal/draft"
	"github.com/fpang/ad-video-studio/internal/provider"
)

// Policy bounds one awaited job: how often to poll, how the interval grows,
// and how many polls to attempt before synthesizing a timeout.
type Policy struct {
	Interval          time.Duration
	MaxInterval       time.Duration
	BackoffMultiplier float64
	MaxAttempts       int
}

// Poll policies per job class. Video jobs run far longer than image or text
// jobs, so they get a bigger attempt budget and interval cap.
var (
	// TextPolicy: ~2 minute ceiling for scenario generation.
	TextPolicy = Policy{Interval: 3 * time.Second, MaxInterval: 10 * time.Second, BackoffMultiplier: 1.5, MaxAttempts: 20}

	// ImagePolicy: ~3 minute ceiling for keyframe generation.
	ImagePolicy = Policy{Interval: 3 * time.Second, MaxInterval: 15 * time.Second, BackoffMultiplier: 1.5, MaxAttempts: 25}

	// VideoPolicy: ~10 minute ceiling for clip rendering and merging.
	VideoPolicy = Policy{Interval: 5 * time.Second, MaxInterval: 30 * time.Second, BackoffMultiplier: 2, MaxAttempts: 30}
)

// TerminalResult is the poller's classification of a finished job.
type TerminalResult struct {
	Status    draft.ArtifactStatus // COMPLETED or FAILED
	ResultURL string
	Payload   string
	Err       *draft.ArtifactError // set when Status == FAILED
}

// failed builds a FAILED terminal result with a classified error.
func failed(kind draft.ErrorKind, msg string) TerminalResult {
	return TerminalResult{
		Status: draft.StatusFailed,
		Err:    &draft.ArtifactError{Kind: kind, Message: msg},
	}
}

// Await converts a submitted job into a single terminal result by polling
// until the provider reports a terminal state or the policy's attempt budget
// runs out. The inter-attempt sleep is the pipeline's only suspension point.
//
// Transient poll errors count against the attempt budget and are retried;
// an exhausted budget yields a synthesized Timeout, distinct from provider
// FAILED, because the upstream job may still be running.
//
// The returned error is non-nil only on context cancellation: the result is
// then discarded by the caller, never applied to draft state.
func Await(ctx context.Context, p provider.Provider, h provider.Handle, pol Policy, onPolling func()) (TerminalResult, error) {
	interval := pol.Interval
	firstPoll := true

	for attempt := 0; attempt < pol.MaxAttempts; attempt++ {
		status, err := p.Poll(ctx, h)
		if err != nil {
			if ctx.Err() != nil {
				return TerminalResult{}, ctx.Err()
			}
			log.Warn().Err(err).Str("jobHandle", string(h)).Int("attempt", attempt).Msg("Job status poll error, retrying")
		} else {
			switch status.State {
			case provider.StateCompleted:
				return TerminalResult{Status: draft.StatusCompleted, ResultURL: status.ResultURL, Payload: status.Payload}, nil
			case provider.StateFailed:
				return failed(draft.ErrKindProviderFailed, status.Message), nil
			case provider.StateQueued, provider.StateRunning:
				if firstPoll && onPolling != nil {
					onPolling()
				}
				firstPoll = false
				log.Debug().
					Str("jobHandle", string(h)).
					Str("state", string(status.State)).
					Dur("nextPoll", interval).
					Msg("Job still processing")
			default:
				log.Warn().Str("jobHandle", string(h)).Str("state", string(status.State)).Msg("Unknown job state")
			}
		}

		select {
		case <-ctx.Done():
			return TerminalResult{}, ctx.Err()
		case <-time.After(interval):
		}

		interval = time.Duration(float64(interval) * pol.BackoffMultiplier)
		if interval > pol.MaxInterval {
			interval = pol.MaxInterval
		}
	}

	log.Warn().
		Str("jobHandle", string(h)).
		Int("maxAttempts", pol.MaxAttempts).
		Msg("Job poll attempt budget exhausted")
	return failed(draft.ErrKindTimeout, "poll attempt budget exhausted; the job may still be running upstream"), nil
}
