package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/fpang/ad-video-studio/internal/credits"
	"github.com/fpang/ad-video-studio/internal/draft"
	"github.com/fpang/ad-video-studio/internal/pipeline"
)

// server holds the handlers' shared state. Advance and regenerate run in the
// background (clip rendering takes minutes); their terminal errors are kept
// per draft so the status endpoint can surface them to a polling client.
type server struct {
	machine *pipeline.Machine

	mu       sync.Mutex
	lastErrs map[string]string
}

func newServer(machine *pipeline.Machine) *server {
	return &server{
		machine:  machine,
		lastErrs: make(map[string]string),
	}
}

func (s *server) setLastErr(draftID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.lastErrs, draftID)
		return
	}
	s.lastErrs[draftID] = err.Error()
}

func (s *server) lastErr(draftID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErrs[draftID]
}

// draftResponse is the wire shape for a draft plus transient server state.
type draftResponse struct {
	*draft.Draft
	LastOperationError string `json:"lastOperationError,omitempty"`
}

func (s *server) respondDraft(w http.ResponseWriter, status int, d *draft.Draft) {
	respondJSON(w, status, draftResponse{Draft: d, LastOperationError: s.lastErr(d.ID)})
}

// --- Draft CRUD ---

type createDraftRequest struct {
	AccountID       string `json:"accountId"`
	ProductImageURL string `json:"productImageUrl"`
	AvatarImageURL  string `json:"avatarImageUrl"`
	Prompt          string `json:"prompt"`
	AspectRatio     string `json:"aspectRatio"`
	SceneCount      int    `json:"sceneCount"`
}

func (s *server) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	var req createDraftRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.AccountID == "" {
		httpError(w, http.StatusBadRequest, "accountId is required")
		return
	}
	if req.Prompt == "" {
		httpError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	if req.SceneCount < 1 {
		httpError(w, http.StatusBadRequest, "sceneCount must be at least 1")
		return
	}

	d, err := s.machine.CreateDraft(r.Context(), req.AccountID, draft.GenerationParams{
		ProductImageURL: req.ProductImageURL,
		AvatarImageURL:  req.AvatarImageURL,
		Prompt:          req.Prompt,
		AspectRatio:     req.AspectRatio,
		SceneCount:      req.SceneCount,
	})
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondDraft(w, http.StatusCreated, d)
}

func (s *server) handleGetDraft(w http.ResponseWriter, r *http.Request) {
	d, err := s.machine.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.draftError(w, err)
		return
	}
	s.respondDraft(w, http.StatusOK, d)
}

func (s *server) handleDeleteDraft(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.machine.Cancel(r.Context(), id); err != nil {
		s.draftError(w, err)
		return
	}
	s.setLastErr(id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// --- Pipeline operations ---

func (s *server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	d, err := s.machine.Status(r.Context(), id)
	if err != nil {
		s.draftError(w, err)
		return
	}

	go func() {
		_, err := s.machine.Advance(context.Background(), id)
		s.setLastErr(id, err)
		if err != nil {
			log.Warn().Err(err).Str("draftId", id).Msg("Advance finished with error")
		}
	}()

	s.respondDraft(w, http.StatusAccepted, d)
}

type regenerateRequest struct {
	Kind   string `json:"kind"` // "frame" or "clip"
	Prompt string `json:"prompt,omitempty"`
}

func (s *server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil || index < 0 {
		httpError(w, http.StatusBadRequest, "invalid scene index")
		return
	}

	var req regenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var kind draft.ArtifactKind
	switch req.Kind {
	case "frame":
		kind = draft.KindFrame
	case "clip":
		kind = draft.KindClip
	default:
		httpError(w, http.StatusBadRequest, `kind must be "frame" or "clip"`)
		return
	}

	d, err := s.machine.Status(r.Context(), id)
	if err != nil {
		s.draftError(w, err)
		return
	}
	if index >= len(d.Scenes) {
		httpError(w, http.StatusBadRequest, "scene index out of range")
		return
	}

	go func() {
		_, err := s.machine.Regenerate(context.Background(), id, index, kind, req.Prompt)
		s.setLastErr(id, err)
		if err != nil {
			log.Warn().Err(err).Str("draftId", id).Int("scene", index).Msg("Regenerate finished with error")
		}
	}()

	s.respondDraft(w, http.StatusAccepted, d)
}

// draftError maps pipeline errors to HTTP status codes.
func (s *server) draftError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		httpError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pipeline.ErrNotEligible):
		httpError(w, http.StatusConflict, err.Error())
	case errors.Is(err, credits.ErrInsufficientCredits):
		httpError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, draft.ErrConflict):
		httpError(w, http.StatusConflict, err.Error())
	default:
		httpError(w, http.StatusInternalServerError, err.Error())
	}
}
