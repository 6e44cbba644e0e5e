package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/voxline/voxline/internal/fault"
	"github.com/voxline/voxline/internal/storage"
)

// writeJSON writes v as a JSON response body.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug("response write failed", "error", err)
	}
}

// writeError maps a fault to an HTTP error response.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.KindValidation:
		status = http.StatusBadRequest
	case fault.KindNotFound:
		status = http.StatusNotFound
	}
	s.writeJSON(w, status, map[string]any{
		"error": err.Error(),
		"type":  fault.ErrorType(err),
	})
}

// handleDLQList serves GET /admin/dlq with optional status, service,
// error_type, and limit query filters.
func (s *Server) handleDLQList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.DeadLetterFilter{
		Status:    q.Get("status"),
		Service:   q.Get("service"),
		ErrorType: q.Get("error_type"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, fault.New(fault.KindValidation, "server: invalid limit %q", raw))
			return
		}
		filter.Limit = n
	}

	entries, err := s.deps.DLQ.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"entries": dlqEntries(entries),
		"count":   len(entries),
	})
}

// handleDLQGet serves GET /admin/dlq/{id}.
func (s *Server) handleDLQGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.DLQ.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dlqEntry(*rec))
}

// handleDLQResolve serves POST /admin/dlq/{id}/resolve.
func (s *Server) handleDLQResolve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ResolvedBy string `json:"resolvedBy"`
		Notes      string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, fault.New(fault.KindValidation, "server: malformed body"))
		return
	}
	id := r.PathValue("id")
	if err := s.deps.DLQ.Resolve(r.Context(), id, body.ResolvedBy, body.Notes); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": storage.DeadLetterResolved})
}

// handleDLQReprocess serves POST /admin/dlq/{id}/reprocess.
func (s *Server) handleDLQReprocess(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.DLQ.MarkReprocessed(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": storage.DeadLetterReprocessed})
}

// handleDLQStats serves GET /admin/dlq/stats.
func (s *Server) handleDLQStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.DLQ.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"by_status":     stats.ByStatus,
		"by_error_type": stats.ByErrorType,
		"by_service":    stats.ByService,
	})
}

// dlqEntry shapes one record for the admin API.
func dlqEntry(rec storage.DeadLetterRecord) map[string]any {
	e := map[string]any{
		"id":            rec.ID,
		"pipelineRunId": rec.RunID,
		"service":       rec.Service,
		"errorType":     rec.ErrorType,
		"errorMessage":  rec.ErrorMessage,
		"failedStage":   rec.FailedStage,
		"status":        rec.Status,
		"retryCount":    rec.RetryCount,
		"createdAt":     rec.CreatedAt,
	}
	if rec.ContextSnapshot != nil {
		e["contextSnapshot"] = rec.ContextSnapshot
	}
	if rec.InputData != nil {
		e["inputData"] = rec.InputData
	}
	if rec.ResolvedAt != nil {
		e["resolvedAt"] = rec.ResolvedAt
		e["resolvedBy"] = rec.ResolvedBy
		e["resolutionNotes"] = rec.ResolutionNotes
	}
	return e
}

func dlqEntries(recs []storage.DeadLetterRecord) []map[string]any {
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, dlqEntry(rec))
	}
	return out
}
