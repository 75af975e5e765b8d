package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lbds137/tzurot-sub005/internal/domain"
	"github.com/lbds137/tzurot-sub005/internal/storage"
)

// submitRequest is the POST /v1/requests body. Content validates itself
// during decode; the model block is optional and falls back to the
// relay's default descriptor.
type submitRequest struct {
	UserID            string          `json:"user_id"`
	PersonalityID     string          `json:"personality_id"`
	ConversationID    string          `json:"conversation_id,omitempty"`
	Content           domain.Content  `json:"content"`
	ReferencedContent *domain.Content `json:"referenced_content,omitempty"`
	Model             *domain.Model   `json:"model,omitempty"`
}

type submitResponse struct {
	ID             string         `json:"id"`
	Status         domain.Status  `json:"status"`
	Response       domain.Content `json:"response"`
	Attempts       int            `json:"attempts"`
	ResponseTimeMS int64          `json:"response_time_ms,omitempty"`
}

// handleSubmit runs the outbound pipeline for one request: build the
// aggregate, send through the adapter, record the outcome on the event
// log, persist, and answer.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body submitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, domain.ErrInvalidRequest("request body is not valid JSON").WithCause(err))
		return
	}

	params := domain.NewRequestParams{
		UserID:            body.UserID,
		PersonalityID:     body.PersonalityID,
		ConversationID:    body.ConversationID,
		Content:           body.Content,
		ReferencedContent: body.ReferencedContent,
	}
	if body.Model != nil {
		params.Model = *body.Model
	}

	req, err := domain.NewRequest(params)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	AddLogField(ctx, "relay_request_id", req.ID().String())

	if err := req.MarkSent(); err != nil {
		s.writeError(w, r, err)
		return
	}

	content, err := s.relay().SendRequest(ctx, req)
	if err != nil {
		canRetry := true
		if re, ok := domain.AsRelayError(err); ok {
			canRetry = re.Retryable()
			if re.Code == domain.CodeRateLimitExceeded {
				_ = req.RecordRateLimit(re.RetryAfter)
			}
		}
		_ = req.RecordFailure(err, canRetry)
		s.persist(r, req)
		s.writeError(w, r, err)
		return
	}

	if err := req.RecordResponse(content); err != nil {
		s.persist(r, req)
		s.writeError(w, r, err)
		return
	}
	s.persist(r, req)

	resp := submitResponse{
		ID:       req.ID().String(),
		Status:   req.Status(),
		Response: content,
		Attempts: req.Attempts(),
	}
	if d, ok := req.ResponseTime(); ok {
		resp.ResponseTimeMS = d.Milliseconds()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleGet returns the folded snapshot for one request.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, r, domain.ErrServiceUnavailable("request history is disabled"))
		return
	}

	id := domain.RequestID(chi.URLParam(r, "id"))
	req, err := s.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "request not found"})
			return
		}
		s.writeError(w, r, domain.ErrInternal("request lookup failed").WithCause(err))
		return
	}

	s.writeJSON(w, http.StatusOK, req.State())
}

// handleList returns recent request snapshots, filtered by query
// parameters.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, r, domain.ErrServiceUnavailable("request history is disabled"))
		return
	}

	q := r.URL.Query()
	opts := storage.ListOptions{
		UserID:        q.Get("user_id"),
		PersonalityID: q.Get("personality_id"),
		Status:        domain.Status(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			s.writeError(w, r, domain.ErrInvalidRequest("limit must be a non-negative integer"))
			return
		}
		opts.Limit = limit
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			s.writeError(w, r, domain.ErrInvalidRequest("offset must be a non-negative integer"))
			return
		}
		opts.Offset = offset
	}

	states, err := s.store.List(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, domain.ErrInternal("request listing failed").WithCause(err))
		return
	}
	if states == nil {
		states = []domain.State{}
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"requests": states,
		"count":    len(states),
	})
}

// handleHealth probes the backend and reports readiness. An unhealthy
// backend answers 503 so load balancers can steer away.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := s.relay().CheckHealth(r.Context())
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{
		"healthy": healthy,
		"uptime":  s.Uptime().Round(time.Second).String(),
	})
}

// handleStats exposes adapter and deduplicator counters.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"adapter": s.relay().Stats(),
		"dedup":   s.relay().Deduplicator().Stats(),
		"uptime":  s.Uptime().Round(time.Second).String(),
	})
}

// persist saves the aggregate's event log. Persistence failures are
// logged, never surfaced: the relay outcome already happened and the
// caller deserves it.
func (s *Server) persist(r *http.Request, req *domain.Request) {
	if s.store == nil {
		return
	}
	if err := s.store.Save(r.Context(), req); err != nil {
		s.logger.Error("failed to persist request",
			slog.String("relay_request_id", req.ID().String()),
			slog.String("error", err.Error()))
	}
}

// writeError maps a classified error onto the HTTP surface. Rate-limit
// failures carry a Retry-After header when the provider sent a hint.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)

	re, ok := domain.AsRelayError(err)
	if !ok {
		re = domain.ErrInternal("internal error").WithCause(err)
	}
	if re.RetryAfter > 0 {
		secs := int(math.Ceil(re.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	s.writeJSON(w, re.HTTPStatus(), map[string]any{"error": re})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}
