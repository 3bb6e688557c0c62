package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/fpang/ad-video-studio/internal/draft"
	"github.com/fpang/ad-video-studio/internal/provider"
)

// pollScript returns one scripted status (or error) per poll, in order,
// repeating the last entry once exhausted.
type pollScript struct {
	mu      sync.Mutex
	n       int
	results []pollResult
}

type pollResult struct {
	status provider.Status
	err    error
}

func (p *pollScript) Submit(ctx context.Context, spec provider.Spec) (provider.Handle, error) {
	return "job-1", nil
}

func (p *pollScript) Poll(ctx context.Context, h provider.Handle) (provider.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.n
	if i >= len(p.results) {
		i = len(p.results) - 1
	}
	p.n++
	return p.results[i].status, p.results[i].err
}

func running() pollResult {
	return pollResult{status: provider.Status{State: provider.StateRunning}}
}

func TestAwaitCompleted(t *testing.T) {
	p := &pollScript{results: []pollResult{
		{status: provider.Status{State: provider.StateQueued}},
		running(),
		{status: provider.Status{State: provider.StateCompleted, ResultURL: "https://out.example.com/a.mp4"}},
	}}

	polling := 0
	res, err := Await(context.Background(), p, "job-1", testPolicy, func() { polling++ })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != draft.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", res.Status)
	}
	if res.ResultURL != "https://out.example.com/a.mp4" {
		t.Errorf("result URL = %s", res.ResultURL)
	}
	if polling != 1 {
		t.Errorf("onPolling called %d times, want 1", polling)
	}
}

func TestAwaitProviderFailure(t *testing.T) {
	p := &pollScript{results: []pollResult{
		running(),
		{status: provider.Status{State: provider.StateFailed, Message: "out of VRAM"}},
	}}

	res, err := Await(context.Background(), p, "job-1", testPolicy, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != draft.StatusFailed {
		t.Fatalf("status = %s, want FAILED", res.Status)
	}
	if res.Err.Kind != draft.ErrKindProviderFailed {
		t.Errorf("error kind = %s, want ProviderFailed", res.Err.Kind)
	}
	if res.Err.Message != "out of VRAM" {
		t.Errorf("error message = %q", res.Err.Message)
	}
}

func TestAwaitTransientPollErrorsAreRetried(t *testing.T) {
	p := &pollScript{results: []pollResult{
		{err: fmt.Errorf("connection reset")},
		{err: fmt.Errorf("connection reset")},
		{status: provider.Status{State: provider.StateCompleted, ResultURL: "https://out.example.com/a.mp4"}},
	}}

	res, err := Await(context.Background(), p, "job-1", testPolicy, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != draft.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED despite transient errors", res.Status)
	}
}

func TestAwaitBudgetExhaustion(t *testing.T) {
	p := &pollScript{results: []pollResult{running()}}

	pol := testPolicy
	pol.MaxAttempts = 4
	res, err := Await(context.Background(), p, "job-1", pol, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != draft.StatusFailed {
		t.Fatalf("status = %s, want FAILED", res.Status)
	}
	if res.Err.Kind != draft.ErrKindTimeout {
		t.Errorf("error kind = %s, want Timeout", res.Err.Kind)
	}
}

func TestAwaitContextCancellation(t *testing.T) {
	p := &pollScript{results: []pollResult{running()}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Await(ctx, p, "job-1", testPolicy, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestValidateResultRejectsBadURLs(t *testing.T) {
	tests := []struct {
		name string
		url  string
		ok   bool
	}{
		{"https", "https://cdn.example.com/clip.mp4", true},
		{"http", "http://cdn.example.com/clip.mp4", true},
		{"empty", "", false},
		{"relative", "/tmp/clip.mp4", false},
		{"scheme only", "https://", false},
		{"file scheme", "file:///etc/passwd", false},
	}

	for _, tt := range tests {
		res := validateResult(provider.KindClip, TerminalResult{Status: draft.StatusCompleted, ResultURL: tt.url})
		if tt.ok && res.Status != draft.StatusCompleted {
			t.Errorf("%s: rejected valid URL", tt.name)
		}
		if !tt.ok {
			if res.Status != draft.StatusFailed {
				t.Errorf("%s: accepted bad URL %q", tt.name, tt.url)
				continue
			}
			if res.Err.Kind != draft.ErrKindInvalidResult {
				t.Errorf("%s: error kind = %s, want InvalidResult", tt.name, res.Err.Kind)
			}
		}
	}
}

func TestValidateResultScenarioNeedsPayload(t *testing.T) {
	res := validateResult(provider.KindScenario, TerminalResult{Status: draft.StatusCompleted})
	if res.Status != draft.StatusFailed || res.Err.Kind != draft.ErrKindInvalidResult {
		t.Errorf("empty scenario payload should be InvalidResult, got %+v", res)
	}

	res = validateResult(provider.KindScenario, TerminalResult{Status: draft.StatusCompleted, Payload: `{"scenes":[]}`})
	if res.Status != draft.StatusCompleted {
		t.Error("payload-carrying scenario result should pass validation")
	}
}

func TestParseScenePlan(t *testing.T) {
	plan, err := parseScenePlan(testScenarioPayload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(plan.Scenes) != 3 {
		t.Fatalf("scenes = %d, want 3", len(plan.Scenes))
	}
	if plan.Scenes[0].MotionParams["camera"] != "pan" {
		t.Errorf("motion params not parsed: %v", plan.Scenes[0].MotionParams)
	}

	if _, err := parseScenePlan(`{"scenes":[{"prompt":""}]}`); err == nil {
		t.Error("expected error for empty scene prompt")
	}
	if _, err := parseScenePlan(`not json`); err == nil {
		t.Error("expected error for malformed payload")
	}
	// Markdown fences from the model are tolerated.
	fenced := "```json\n" + testScenarioPayload + "\n```"
	if _, err := parseScenePlan(fenced); err != nil {
		t.Errorf("fenced payload rejected: %v", err)
	}
}
