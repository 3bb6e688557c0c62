package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/fpang/ad-video-studio/internal/credits"
	"github.com/fpang/ad-video-studio/internal/draft"
	"github.com/fpang/ad-video-studio/internal/provider"
)

// completeDraft drives a fresh draft all the way to COMPLETED.
func completeDraft(t *testing.T, r *testRig) *draft.Draft {
	t.Helper()
	d := r.createDraft(t)
	d = r.advance(t, d.ID)
	d = r.advance(t, d.ID)
	d = r.advance(t, d.ID)
	if d.Phase != draft.PhaseCompleted {
		t.Fatalf("setup: phase = %s, want COMPLETED", d.Phase)
	}
	return d
}

func TestRegenerateClipInvalidatesMerge(t *testing.T) {
	r := newTestRig()
	d := completeDraft(t, r)
	oldClipURL := d.Scenes[1].Clip.ResultURL

	r.clip.plan = func(spec provider.Spec) fakeJob {
		return completedJob("https://clips.example.com/retake.mp4")
	}
	d, err := r.machine.Regenerate(context.Background(), d.ID, 1, draft.KindClip, "tighter framing on the bottle")
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}

	if d.Phase != draft.PhaseClips {
		t.Fatalf("phase = %s, want CLIPS", d.Phase)
	}
	if d.MergedResultURL != "" {
		t.Error("merged result must be invalidated")
	}
	if d.Scenes[1].Clip.ResultURL == oldClipURL {
		t.Error("clip was not regenerated")
	}
	if d.Scenes[1].Clip.Attempt != 1 {
		t.Errorf("clip attempt = %d, want 1", d.Scenes[1].Clip.Attempt)
	}
	if d.Scenes[1].Prompt != "tighter framing on the bottle" {
		t.Errorf("prompt override not applied: %q", d.Scenes[1].Prompt)
	}
	// Siblings untouched.
	if d.Scenes[0].Clip.Attempt != 0 || d.Scenes[2].Clip.Attempt != 0 {
		t.Error("sibling clips must not be touched")
	}
	if r.clip.lastSubmit().Prompt != "tighter framing on the bottle" {
		t.Errorf("clip submit used prompt %q", r.clip.lastSubmit().Prompt)
	}

	// Advance re-merges with the new clip in place.
	d = r.advance(t, d.ID)
	if d.Phase != draft.PhaseCompleted {
		t.Fatalf("phase = %s, want COMPLETED", d.Phase)
	}
	urls := r.merge.lastSubmit().ClipURLs
	if urls[1] != "https://clips.example.com/retake.mp4" {
		t.Errorf("merge input[1] = %s, want the regenerated clip", urls[1])
	}
}

func TestRegenerateFrameCascadesToClip(t *testing.T) {
	r := newTestRig()
	d := completeDraft(t, r)

	d, err := r.machine.Regenerate(context.Background(), d.ID, 0, draft.KindFrame, "")
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}

	if d.Phase != draft.PhaseClips {
		t.Fatalf("phase = %s, want CLIPS", d.Phase)
	}
	if d.Scenes[0].Frame.Status != draft.StatusCompleted {
		t.Fatalf("frame status = %s, want COMPLETED", d.Scenes[0].Frame.Status)
	}
	if d.Scenes[0].Frame.Attempt != 1 {
		t.Errorf("frame attempt = %d, want 1", d.Scenes[0].Frame.Attempt)
	}
	// The clip built from the old frame is stale and must be discarded.
	if d.Scenes[0].Clip.Status != draft.StatusPending {
		t.Errorf("clip status = %s, want PENDING", d.Scenes[0].Clip.Status)
	}
	if d.Scenes[0].Clip.Attempt != 1 {
		t.Errorf("clip attempt = %d, want 1", d.Scenes[0].Clip.Attempt)
	}
	if d.MergedResultURL != "" {
		t.Error("merged result must be invalidated")
	}
	// Downstream scenes keep their artifacts.
	if d.Scenes[1].Clip.Status != draft.StatusCompleted {
		t.Error("other scenes' clips must survive")
	}

	// Advance rebuilds exactly the invalidated clip, then merges.
	clipSubmits := r.clip.submitCount()
	d = r.advance(t, d.ID)
	if d.Phase != draft.PhaseCompleted {
		t.Fatalf("phase = %s, want COMPLETED", d.Phase)
	}
	if got := r.clip.submitCount() - clipSubmits; got != 1 {
		t.Errorf("advance submitted %d clips, want 1", got)
	}
}

func TestRegenerateFailureLeavesSceneRetryable(t *testing.T) {
	r := newTestRig()
	d := completeDraft(t, r)

	r.clip.plan = func(spec provider.Spec) fakeJob { return failedJob("render node crashed") }
	d, err := r.machine.Regenerate(context.Background(), d.ID, 2, draft.KindClip, "")
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}

	if d.Scenes[2].Clip.Status != draft.StatusFailed {
		t.Fatalf("clip status = %s, want FAILED", d.Scenes[2].Clip.Status)
	}
	if d.Phase != draft.PhaseClips {
		t.Errorf("phase = %s, want CLIPS", d.Phase)
	}

	// Re-advance resets the failed clip and retries it.
	r.clip.plan = clipPlan
	d = r.advance(t, d.ID)
	if d.Phase != draft.PhaseCompleted {
		t.Fatalf("phase = %s, want COMPLETED", d.Phase)
	}
	if d.Scenes[2].Clip.Attempt != 2 {
		t.Errorf("clip attempt = %d, want 2", d.Scenes[2].Clip.Attempt)
	}
}

func TestRegenerateBeforeScenesExist(t *testing.T) {
	r := newTestRig()
	d := r.createDraft(t)

	_, err := r.machine.Regenerate(context.Background(), d.ID, 0, draft.KindFrame, "")
	if err == nil {
		t.Fatal("expected error regenerating before scenario")
	}
}

func TestRegenerateClipRequiresCompletedFrame(t *testing.T) {
	ctx := context.Background()
	r := newTestRig()

	d := &draft.Draft{ID: "d-clips", AccountID: testAccount, Phase: draft.PhaseClips}
	d.AllocateScenes(2)
	d.Scenes[1].Frame.Status = draft.StatusCompleted
	if err := r.store.Save(ctx, d); err != nil {
		t.Fatalf("seed draft: %v", err)
	}

	_, err := r.machine.Regenerate(ctx, "d-clips", 0, draft.KindClip, "")
	if !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}
}

func TestRegenerateClipBeforeClipPhase(t *testing.T) {
	ctx := context.Background()
	r := newTestRig()

	// Frame done but the draft is still generating frames; the clip phase
	// has never run, so there is no clip attempt 0 to replace yet.
	d := &draft.Draft{ID: "d-frames", AccountID: testAccount, Phase: draft.PhaseFrames}
	d.AllocateScenes(2)
	d.Scenes[0].Frame.Status = draft.StatusCompleted
	d.Scenes[0].Frame.ResultURL = "https://frames.example.com/0.png"
	if err := r.store.Save(ctx, d); err != nil {
		t.Fatalf("seed draft: %v", err)
	}

	before := r.ledger.Balance(testAccount)
	_, err := r.machine.Regenerate(ctx, "d-frames", 0, draft.KindClip, "")
	if !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}
	if r.clip.submitCount() != 0 {
		t.Error("no clip job may be submitted before the clip phase")
	}
	if r.ledger.Balance(testAccount) != before {
		t.Error("rejected regeneration must not be charged")
	}

	got, err := r.machine.Status(ctx, "d-frames")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Scenes[0].Clip.Attempt != 0 || got.Scenes[0].Clip.Status != draft.StatusPending {
		t.Errorf("clip state touched: %+v", got.Scenes[0].Clip)
	}
}

func TestRegenerateWithoutCreditsLeavesDraftIntact(t *testing.T) {
	r := newTestRig()
	d := completeDraft(t, r)

	r.ledger = credits.NewMemoryLedger(map[string]int{testAccount: 0})
	r.machine.ledger = r.ledger

	_, err := r.machine.Regenerate(context.Background(), d.ID, 1, draft.KindClip, "")
	if !errors.Is(err, credits.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	got, err := r.machine.Status(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Phase != draft.PhaseCompleted {
		t.Errorf("phase = %s, want COMPLETED", got.Phase)
	}
	if got.MergedResultURL == "" {
		t.Error("merged result must survive a declined reservation")
	}
	if got.Scenes[1].Clip.Status != draft.StatusCompleted {
		t.Errorf("clip status = %s, want COMPLETED", got.Scenes[1].Clip.Status)
	}
	if got.Scenes[1].Clip.Attempt != 0 {
		t.Errorf("clip attempt = %d, want 0", got.Scenes[1].Clip.Attempt)
	}
}

func TestRegenerateUnknownDraft(t *testing.T) {
	r := newTestRig()
	_, err := r.machine.Regenerate(context.Background(), "ghost", 0, draft.KindFrame, "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRegenerateChargesOneCredit(t *testing.T) {
	r := newTestRig()
	d := completeDraft(t, r)

	before := r.ledger.Balance(testAccount)
	if _, err := r.machine.Regenerate(context.Background(), d.ID, 0, draft.KindClip, ""); err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if got := before - r.ledger.Balance(testAccount); got != 1 {
		t.Errorf("regenerate consumed %d credits, want 1", got)
	}
}

func TestRegenerateOutOfRangeIndex(t *testing.T) {
	r := newTestRig()
	d := completeDraft(t, r)

	if _, err := r.machine.Regenerate(context.Background(), d.ID, 7, draft.KindClip, ""); err == nil {
		t.Fatal("expected error for out-of-range scene index")
	}
}
