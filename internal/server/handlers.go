package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/matchbench/internal/domain"
	"github.com/tjfontaine/matchbench/internal/runs"
	"github.com/tjfontaine/matchbench/internal/storage"
)

const maxBodyBytes = 1 << 20

// ErrRunActive rejects capacity resets while a run is consuming capacity.
var ErrRunActive = errors.New("capacity cannot be reset while a run is active")

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_runs": s.cfg.Runs.Active(),
	})
}

func (s *Server) listConstellations(w http.ResponseWriter, r *http.Request) {
	names, err := s.cfg.Backend.Constellations()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"constellations": names})
}

func (s *Server) getCapacity(w http.ResponseWriter, r *http.Request) {
	records, err := s.cfg.Backend.CapacitySnapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suppliers": records})
}

func (s *Server) resetCapacity(w http.ResponseWriter, r *http.Request) {
	if n := s.cfg.Runs.Active(); n > 0 {
		s.writeError(w, r, fmt.Errorf("%w: %d running", ErrRunActive, n))
		return
	}
	records, err := s.cfg.Backend.ResetCapacity(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("capacity reset",
		slog.String("request_id", GetRequestID(r.Context())),
		slog.Int("suppliers", len(records)))
	writeJSON(w, http.StatusOK, map[string]any{"suppliers": records})
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req runs.Request
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, r, domain.ErrInvalidRequest("read body: "+err.Error()))
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			s.writeError(w, r, domain.ErrInvalidRequest("invalid run request: "+err.Error()))
			return
		}
	}

	run, err := s.cfg.Runs.Start(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	AddLogField(r.Context(), "run_id", run.ID)
	w.Header().Set("Location", "/runs/"+run.ID)
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"runs": s.cfg.Runs.List()})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.cfg.Runs.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	AddLogField(r.Context(), "run_id", id)
	if err := s.cfg.Runs.Cancel(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	run, err := s.cfg.Runs.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) listRunConversations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.cfg.Runs.Get(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.cfg.Transcripts == nil {
		s.writeError(w, r, storage.ErrNotFound)
		return
	}

	opts := storage.ListOptions{
		RunID:          id,
		RegistrationID: r.URL.Query().Get("registration_id"),
		Limit:          queryInt(r, "limit", 100),
		Offset:         queryInt(r, "offset", 0),
	}
	convs, err := s.cfg.Transcripts.ListConversations(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Transcripts == nil {
		s.writeError(w, r, storage.ErrNotFound)
		return
	}
	conv, err := s.cfg.Transcripts.GetConversation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// status maps an error onto an HTTP status code.
func status(err error) int {
	var derr *domain.Error
	switch {
	case errors.Is(err, runs.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, runs.ErrNotRunning), errors.Is(err, runs.ErrBusy), errors.Is(err, ErrRunActive):
		return http.StatusConflict
	case errors.Is(err, runs.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &derr):
		switch derr.Kind {
		case domain.KindInvalidRequest, domain.KindConfiguration:
			return http.StatusBadRequest
		case domain.KindNotFound:
			return http.StatusNotFound
		}
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)

	detail := errorDetail{Message: err.Error(), Type: "server_error"}
	var derr *domain.Error
	switch {
	case errors.As(err, &derr):
		detail.Type = string(derr.Kind)
		detail.Code = string(derr.Code)
	case errors.Is(err, runs.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		detail.Type = string(domain.KindNotFound)
	case status(err) == http.StatusConflict:
		detail.Type = "conflict"
	}
	writeJSON(w, status(err), errorBody{Error: detail})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
