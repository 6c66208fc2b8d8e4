package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sissississi-013/parrot/pkg/capture"
	"github.com/sissississi-013/parrot/pkg/graph"
	"github.com/sissississi-013/parrot/pkg/logging"
	"github.com/sissississi-013/parrot/pkg/session"
	"github.com/sissississi-013/parrot/pkg/workflow"
)

const maxRequestBody = 1 << 20

type startCaptureRequest struct {
	UserID   string `json:"user_id,omitempty"`
	TaskType string `json:"task_type,omitempty"`
	StartURL string `json:"start_url,omitempty"`
}

type startReplayRequest struct {
	WorkflowID string `json:"workflow_id"`
}

type guideStepRequest struct {
	WorkflowID  string                   `json:"workflow_id"`
	StepOrdinal int                      `json:"step_ordinal"`
	Action      *workflow.ObservedAction `json:"action,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.reg.Len(),
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStartCapture(w http.ResponseWriter, r *http.Request) {
	var req startCaptureRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	snap, err := s.reg.Create(session.KindCapture)
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}

	if err := s.capture.Start(r.Context(), snap.ID, capture.StartOptions{
		UserID:   req.UserID,
		TaskType: req.TaskType,
		StartURL: req.StartURL,
	}); err != nil {
		respondError(w, statusForError(err), err)
		return
	}

	snap, _ = s.reg.Get(snap.ID)
	respondJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleStopCapture(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	process := true
	if v := r.URL.Query().Get("process"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("invalid process flag %q", v))
			return
		}
		process = parsed
	}

	if err := s.capture.Stop(r.Context(), id, process); err != nil {
		respondError(w, statusForError(err), err)
		return
	}

	snap, err := s.reg.Get(id)
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStartReplay(w http.ResponseWriter, r *http.Request) {
	var req startReplayRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.WorkflowID == "" {
		respondError(w, http.StatusBadRequest, fmt.Errorf("workflow_id is required"))
		return
	}

	snap, err := s.reg.Create(session.KindReplay)
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}

	if err := s.replay.Start(r.Context(), snap.ID, req.WorkflowID); err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			s.reg.Evict(snap.ID)
		}
		respondError(w, statusForError(err), err)
		return
	}

	snap, _ = s.reg.Get(snap.ID)
	respondJSON(w, http.StatusCreated, snap)
}

func (s *Server) handleStopReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	if err := s.replay.Stop(r.Context(), id); err != nil {
		respondError(w, statusForError(err), err)
		return
	}

	snap, err := s.reg.Get(id)
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleScoreReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	result, err := s.replay.Score(r.Context(), id)
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleGuideStep(w http.ResponseWriter, r *http.Request) {
	var req guideStepRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.WorkflowID == "" {
		respondError(w, http.StatusBadRequest, fmt.Errorf("workflow_id is required"))
		return
	}
	if req.StepOrdinal < 0 {
		respondError(w, http.StatusBadRequest, fmt.Errorf("step_ordinal must not be negative"))
		return
	}

	wf, err := s.store.ReadWorkflow(r.Context(), req.WorkflowID)
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}

	action := req.Action
	if action != nil {
		sanitized := workflow.SanitizeAction(*action)
		action = &sanitized
	}

	guidance, err := s.coach.Guide(r.Context(), wf, req.StepOrdinal, action)
	s.metrics.RecordOracleCall("guide", err)
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	s.metrics.RecordGuidance(guidance.Score)

	s.log.Info(logging.CategoryOracle, "guided", "", map[string]any{
		"workflow_id": req.WorkflowID, "step": req.StepOrdinal, "completed": guidance.Completed,
	})
	respondJSON(w, http.StatusOK, guidance)
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	snap, err := s.reg.Get(id)
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workflowID")

	wf, err := s.store.ReadWorkflow(r.Context(), id)
	if err != nil {
		respondError(w, statusForError(err), err)
		return
	}
	respondJSON(w, http.StatusOK, wf)
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// statusForError maps domain errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, graph.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrInvalidState), errors.Is(err, session.ErrPipelineActive):
		return http.StatusConflict
	case errors.Is(err, session.ErrCapacity):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
