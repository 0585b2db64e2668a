package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/xkilldash9x/snare/internal/agent"
	"github.com/xkilldash9x/snare/internal/investigation"
)

const maxRequestBody = 64 << 10

// SubmitRequest is the body of POST /api/v1/investigations.
type SubmitRequest struct {
	URL       string  `json:"url"`
	BudgetUSD float64 `json:"budget_usd,omitempty"`
}

// SubmitResponse acknowledges an admitted investigation.
type SubmitResponse struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Status   string `json:"status"`
	Monitor  string `json:"monitor"`
	Guidance string `json:"guidance"`
}

// PlaybookSummary is one entry of GET /api/v1/playbooks.
type PlaybookSummary struct {
	ID          string   `json:"playbook_id"`
	URLPattern  string   `json:"url_pattern"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version"`
	Steps       int      `json:"steps"`
	Phases      []string `json:"phases"`
	Tags        []string `json:"tags,omitempty"`
	Enabled     bool     `json:"enabled"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		s.respondError(w, http.StatusBadRequest, "url is required")
		return
	}
	if req.BudgetUSD < 0 {
		s.respondError(w, http.StatusBadRequest, "budget_usd must not be negative")
		return
	}

	h, err := s.deps.Investigations.Submit(r.Context(), req.URL, investigation.Options{BudgetUSD: req.BudgetUSD})
	if err != nil {
		var limitErr *investigation.ConcurrentLimitError
		switch {
		case errors.As(err, &limitErr):
			s.respondJSON(w, http.StatusTooManyRequests, map[string]interface{}{
				"error": err.Error(),
				"limit": limitErr.Limit,
			})
		case errors.Is(err, investigation.ErrInvalidTarget):
			s.respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, investigation.ErrShuttingDown):
			s.respondError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.logger.Error("Failed to submit investigation", zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, "failed to start investigation")
		}
		return
	}

	s.respondJSON(w, http.StatusAccepted, SubmitResponse{
		ID:       h.ID,
		URL:      h.URL,
		Status:   "pending",
		Monitor:  "/ws/monitor/" + h.ID,
		Guidance: "/ws/guidance/" + h.ID,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.deps.Investigations.Status(r.Context(), id)
	if errors.Is(err, investigation.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, "investigation not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to read investigation status", zap.String("investigation_id", id), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "failed to read status")
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Investigations.Cancel(id); err != nil {
		if errors.Is(err, investigation.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "investigation not running")
			return
		}
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancelling"})
}

func (s *Server) handleListActive(w http.ResponseWriter, _ *http.Request) {
	ids := s.deps.Investigations.Active()
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"active": ids, "count": len(ids)})
}

func (s *Server) handlePlaybooks(w http.ResponseWriter, _ *http.Request) {
	out := []PlaybookSummary{}
	if s.deps.Playbooks != nil {
		if m := s.deps.Playbooks.Snapshot(); m != nil {
			for _, pb := range m.Playbooks() {
				out = append(out, PlaybookSummary{
					ID:          pb.ID,
					URLPattern:  pb.URLPattern,
					Description: pb.Description,
					Version:     pb.Version,
					Steps:       len(pb.Steps),
					Phases:      pb.Phases(string(agent.DefaultPlaybookPhase)),
					Tags:        pb.Tags,
					Enabled:     pb.IsEnabled(),
				})
			}
		}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"playbooks": out, "count": len(out)})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("Failed to write response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, msg string) {
	s.respondJSON(w, status, map[string]string{"error": msg})
}
