package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/fpang/ad-video-studio/internal/jobs"
)

// localRunner adapts a synchronous generation call to the submit/poll
// contract by running it in a goroutine and tracking its outcome in an
// in-process job map. Used for providers whose APIs return inline (Gemini
// text, Imagen predict) rather than exposing their own job endpoints.
//
// Handles from a localRunner do not survive a process restart; the pipeline
// treats an unknown handle as a failed poll, which sends the artifact back
// through a fresh submit on retry.
type localRunner struct {
	prefix string

	mu   sync.Mutex
	jobs map[Handle]*localJob
}

type localJob struct {
	mu      sync.Mutex
	state   State
	payload string
	result  string
	errMsg  string
}

func newLocalRunner(prefix string) *localRunner {
	return &localRunner{
		prefix: prefix,
		jobs:   make(map[Handle]*localJob),
	}
}

// runFunc performs the actual generation. resultURL and payload map onto
// Status.ResultURL and Status.Payload. The job's own handle is passed in so
// generators can key stored assets by it.
type runFunc func(ctx context.Context, h Handle) (resultURL, payload string, err error)

// start registers a new job and runs fn in the background. The job runs on
// a detached context: cancelling the caller's poll must not kill work the
// provider has already accepted, matching remote provider behavior.
func (r *localRunner) start(fn runFunc) Handle {
	h := Handle(jobs.GenerateID(r.prefix))
	j := &localJob{state: StateRunning}

	r.mu.Lock()
	r.jobs[h] = j
	r.mu.Unlock()

	go func() {
		resultURL, payload, err := fn(context.Background(), h)

		j.mu.Lock()
		defer j.mu.Unlock()
		if err != nil {
			j.state = StateFailed
			j.errMsg = err.Error()
			log.Warn().Err(err).Str("jobId", string(h)).Msg("Local generation job failed")
			return
		}
		j.state = StateCompleted
		j.result = resultURL
		j.payload = payload
	}()

	return h
}

// poll reports the job's current status. A terminal status is delivered
// once: the poller stops at the first terminal poll, so the entry is
// dropped rather than held for the life of the process.
func (r *localRunner) poll(h Handle) (Status, error) {
	r.mu.Lock()
	j, ok := r.jobs[h]
	r.mu.Unlock()
	if !ok {
		return Status{}, fmt.Errorf("unknown job handle %q", h)
	}

	j.mu.Lock()
	st := Status{
		State:     j.state,
		ResultURL: j.result,
		Payload:   j.payload,
		Message:   j.errMsg,
	}
	j.mu.Unlock()

	if st.State.Terminal() {
		r.mu.Lock()
		delete(r.jobs, h)
		r.mu.Unlock()
	}
	return st, nil
}
