package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestRenderClient(server *httptest.Server) *RenderClient {
	return &RenderClient{
		httpClient: server.Client(),
		baseURL:    server.URL,
		apiKey:     "test-key",
	}
}

func TestSubmitClipJob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/v1/jobs" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}

		var req renderJobRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Type != "clip" {
			t.Errorf("type = %s, want clip", req.Type)
		}
		if req.Input.FrameURL != "https://cdn.example.com/frame0.png" {
			t.Errorf("unexpected frameUrl: %s", req.Input.FrameURL)
		}
		if req.Input.DurationSeconds != 4 {
			t.Errorf("durationSeconds = %v, want 4", req.Input.DurationSeconds)
		}

		json.NewEncoder(w).Encode(renderJobResponse{ID: "job-clip-001", Status: "queued"})
	}))
	defer server.Close()

	client := newTestRenderClient(server)
	h, err := client.Submit(context.Background(), Spec{
		Kind:            KindClip,
		Prompt:          "avatar holds the product",
		FrameURL:        "https://cdn.example.com/frame0.png",
		DurationSeconds: 4,
		MotionParams:    map[string]string{"camera": "slow pan"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h != "job-clip-001" {
		t.Errorf("handle = %s, want job-clip-001", h)
	}
}

func TestSubmitMergeJobCarriesClipOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req renderJobRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Type != "merge" {
			t.Errorf("type = %s, want merge", req.Type)
		}
		want := []string{"https://c/0.mp4", "https://c/1.mp4", "https://c/2.mp4"}
		if len(req.Input.ClipURLs) != len(want) {
			t.Fatalf("clipUrls = %v", req.Input.ClipURLs)
		}
		for i := range want {
			if req.Input.ClipURLs[i] != want[i] {
				t.Errorf("clipUrls[%d] = %s, want %s", i, req.Input.ClipURLs[i], want[i])
			}
		}
		json.NewEncoder(w).Encode(renderJobResponse{ID: "job-merge-001", Status: "queued"})
	}))
	defer server.Close()

	client := newTestRenderClient(server)
	_, err := client.Submit(context.Background(), Spec{
		Kind:     KindMerge,
		ClipURLs: []string{"https://c/0.mp4", "https://c/1.mp4", "https://c/2.mp4"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPollStates(t *testing.T) {
	tests := []struct {
		apiStatus string
		want      State
	}{
		{"queued", StateQueued},
		{"running", StateRunning},
		{"completed", StateCompleted},
		{"failed", StateFailed},
	}

	for _, tt := range tests {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/v1/jobs/job-1" {
				t.Errorf("unexpected path: %s", r.URL.Path)
			}
			json.NewEncoder(w).Encode(renderJobResponse{
				ID:        "job-1",
				Status:    tt.apiStatus,
				OutputURL: "https://cdn.example.com/out.mp4",
				Error:     "broke",
			})
		}))

		client := newTestRenderClient(server)
		status, err := client.Poll(context.Background(), "job-1")
		server.Close()
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.apiStatus, err)
		}
		if status.State != tt.want {
			t.Errorf("%s: state = %s, want %s", tt.apiStatus, status.State, tt.want)
		}
		if tt.want == StateCompleted && status.ResultURL == "" {
			t.Error("completed status should carry the output URL")
		}
		if tt.want == StateFailed && status.Message == "" {
			t.Error("failed status should carry the error message")
		}
	}
}

func TestPollUnknownStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(renderJobResponse{ID: "job-1", Status: "melted"})
	}))
	defer server.Close()

	client := newTestRenderClient(server)
	if _, err := client.Poll(context.Background(), "job-1"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}

func TestServerErrorsAreUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestRenderClient(server)
	_, err := client.Submit(context.Background(), Spec{Kind: KindClip})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestClientErrorsAreNotUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad input", http.StatusBadRequest)
	}))
	defer server.Close()

	client := newTestRenderClient(server)
	_, err := client.Submit(context.Background(), Spec{Kind: KindClip})
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrUnavailable) {
		t.Error("a 400 is a broken request, not an unavailable provider")
	}
}
