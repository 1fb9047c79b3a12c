package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/querypilot/querypilot/internal/api"
	"github.com/querypilot/querypilot/internal/config"
	"github.com/querypilot/querypilot/internal/domain"
	"github.com/querypilot/querypilot/internal/identity"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

var errSinkClosed = errors.New("event sink closed")

// StartSessionRequest is the body of POST /api/agent/query.
type StartSessionRequest struct {
	Message       string            `json:"message"`
	SchemaContext string            `json:"schema_context,omitempty"`
	Schemas       []string          `json:"schemas,omitempty"`
	History       []domain.ChatTurn `json:"history,omitempty"`
}

// ApproveRequest is the body of the approve endpoint.
type ApproveRequest struct {
	EditedSQL string `json:"edited_sql,omitempty"`
}

// RejectRequest is the body of the reject endpoint.
type RejectRequest struct {
	Reason string `json:"reason,omitempty"`
}

// RateLimiter implements a per-user rate limiter keyed by userID only, so
// clients cannot bypass throttling by rotating conversation ids.
type RateLimiter struct {
	mu       sync.Mutex
	requests map[string][]time.Time
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a rate limiter and starts its eviction goroutine.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
	rl.startEviction()
	return rl
}

// Allow checks if a request is allowed for the given key.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

func (r *RateLimiter) startEviction() {
	go func() {
		ticker := time.NewTicker(r.window)
		defer ticker.Stop()
		for range ticker.C {
			r.mu.Lock()
			cutoff := time.Now().Add(-r.window)
			for key, times := range r.requests {
				var fresh []time.Time
				for _, t := range times {
					if t.After(cutoff) {
						fresh = append(fresh, t)
					}
				}
				if len(fresh) == 0 {
					delete(r.requests, key)
				} else {
					r.requests[key] = fresh
				}
			}
			r.mu.Unlock()
		}
	}()
}

// Handler exposes the engine's external operations over HTTP.
type Handler struct {
	engine      *Engine
	archive     ArchiveReader
	rateLimiter *RateLimiter
	cfg         *config.Config
}

// ArchiveReader reads terminated sessions out of the archive for late reads.
type ArchiveReader interface {
	GetArchivedSession(ctx context.Context, sessionID string) (*domain.SessionView, error)
}

// NewHandler creates the HTTP handler for the orchestration engine.
func NewHandler(engine *Engine, archive ArchiveReader, cfg *config.Config) *Handler {
	rateLimitRequests := 10
	rateLimitWindow := time.Minute
	if cfg != nil {
		rateLimitRequests = cfg.RateLimit.RequestsPerWindow
		rateLimitWindow = cfg.RateLimit.WindowDuration
	}
	return &Handler{
		engine:      engine,
		archive:     archive,
		rateLimiter: NewRateLimiter(rateLimitRequests, rateLimitWindow),
		cfg:         cfg,
	}
}

// RegisterRoutes registers agent routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/agent", func(r chi.Router) {
		r.Post("/query", h.HandleStart)
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.Get("/", h.HandleSnapshot)
			r.Get("/stream", h.HandleStream)
			r.Post("/approve", h.HandleApprove)
			r.Post("/reject", h.HandleReject)
			r.Post("/result", h.HandleResult)
			r.Post("/stop", h.HandleStop)
		})
	})
}

// HandleStart handles POST /api/agent/query: creates a session and streams
// its events back on the same response via SSE.
func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	conversationID := identity.ConversationIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	if !h.rateLimiter.Allow(userID) {
		api.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	maxBodySize := int64(defaultMaxRequestBodySize)
	if h.cfg != nil {
		maxBodySize = h.cfg.SSE.MaxRequestBodySize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)

	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		api.Error(w, http.StatusBadRequest, "message is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	slog.Info("Agent query request",
		"user_id", userID,
		"conversation_id", conversationID,
		"message_length", len(req.Message),
	)

	sink := newSSESink(w, flusher)
	sess := h.engine.StartSession(StartRequest{
		UserID:         userID,
		ConversationID: conversationID,
		Message:        req.Message,
		SchemaContext:  req.SchemaContext,
		Schemas:        req.Schemas,
		History:        req.History,
	}, sink)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Session-ID", sess.ID())

	if err := h.writePreamble(w, flusher); err != nil {
		slog.Warn("failed to write SSE preamble", "error", err, "session_id", sess.ID())
		h.engine.DetachSink(sess.ID(), sink)
		sink.Close()
		return
	}
	sink.markReady()

	h.serveStream(r, sess.ID(), sink)
}

// HandleStream handles GET /api/agent/sessions/{id}/stream: rebinds the live
// event stream for a still-active session (reconnect).
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sink := newSSESink(w, flusher)
	if err := h.engine.Attach(sessionID, sink); err != nil {
		switch {
		case errors.Is(err, ErrSessionEnded):
			api.Error(w, http.StatusGone, "session already ended")
		default:
			api.Error(w, http.StatusNotFound, "unknown session")
		}
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if err := h.writePreamble(w, flusher); err != nil {
		slog.Warn("failed to write SSE preamble", "error", err, "session_id", sessionID)
		h.engine.DetachSink(sessionID, sink)
		sink.Close()
		return
	}
	if err := sink.writeRaw(fmt.Sprintf("event: connected\ndata: {\"session_id\":%q}\n\n", sessionID)); err != nil {
		h.engine.DetachSink(sessionID, sink)
		sink.Close()
		return
	}
	sink.markReady()

	slog.Info("Event stream reattached", "session_id", sessionID)
	h.serveStream(r, sessionID, sink)
}

// serveStream keeps the SSE response open until the session ends or the
// client goes away, sending periodic keepalives.
func (h *Handler) serveStream(r *http.Request, sessionID string, sink *sseSink) {
	keepaliveInterval := 10 * time.Second
	if h.cfg != nil {
		keepaliveInterval = h.cfg.SSE.KeepaliveInterval
	}
	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("Event stream client disconnected", "session_id", sessionID)
			h.engine.DetachSink(sessionID, sink)
			return
		case <-sink.done:
			slog.Info("Event stream closed", "session_id", sessionID)
			return
		case <-keepalive.C:
			if err := sink.writeRaw("event: ping\ndata: {\"status\":\"alive\"}\n\n"); err != nil {
				slog.Debug("failed to write SSE keepalive", "error", err, "session_id", sessionID)
				h.engine.DetachSink(sessionID, sink)
				return
			}
		}
	}
}

func (h *Handler) writePreamble(w http.ResponseWriter, flusher http.Flusher) error {
	retryDelayMS := int64(5000)
	if h.cfg != nil {
		retryDelayMS = h.cfg.SSE.RetryDelay.Milliseconds()
	}
	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", retryDelayMS)); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// HandleSnapshot handles GET /api/agent/sessions/{id}: the current record of
// a live session, or the archived record after eviction.
func (h *Handler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if view, ok := h.engine.Snapshot(sessionID); ok {
		api.JSON(w, http.StatusOK, view)
		return
	}
	if h.archive != nil {
		view, err := h.archive.GetArchivedSession(r.Context(), sessionID)
		if err != nil {
			slog.Warn("archive lookup failed", "session_id", sessionID, "error", err)
		} else if view != nil {
			api.JSON(w, http.StatusOK, view)
			return
		}
	}
	api.Error(w, http.StatusNotFound, "unknown session")
}

// HandleApprove resolves the outstanding approval gate with approved=true.
func (h *Handler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req ApproveRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ok := h.engine.Approve(sessionID, req.EditedSQL)
	h.writeGateResult(w, sessionID, "approve", ok)
}

// HandleReject resolves the outstanding approval gate with approved=false.
func (h *Handler) HandleReject(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req RejectRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ok := h.engine.Reject(sessionID, req.Reason)
	h.writeGateResult(w, sessionID, "reject", ok)
}

// HandleResult resolves the outstanding execution-result gate.
func (h *Handler) HandleResult(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var result domain.ExecutionResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		api.Error(w, http.StatusBadRequest, "invalid execution result")
		return
	}

	ok := h.engine.ProvideExecutionResult(sessionID, &result)
	h.writeGateResult(w, sessionID, "result", ok)
}

// HandleStop terminates a session from any non-terminal state.
func (h *Handler) HandleStop(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	ok := h.engine.Stop(sessionID)
	if !ok {
		if _, exists := h.engine.Snapshot(sessionID); !exists {
			api.Error(w, http.StatusNotFound, "unknown session")
			return
		}
	}
	api.JSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

func (h *Handler) writeGateResult(w http.ResponseWriter, sessionID, op string, ok bool) {
	if !ok {
		if _, exists := h.engine.Snapshot(sessionID); !exists {
			api.Error(w, http.StatusNotFound, "unknown session")
			return
		}
		slog.Info("Gate resolution missed", "session_id", sessionID, "op", op)
		api.JSON(w, http.StatusConflict, map[string]bool{"ok": false})
		return
	}
	api.JSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func decodeOptionalBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// sseSink streams envelopes to one SSE response. Sends block until the
// handler has written the preamble, so the first event can never outrun the
// response headers.
type sseSink struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	ready   chan struct{}
	done    chan struct{}
	closed  bool
}

func newSSESink(w io.Writer, flusher http.Flusher) *sseSink {
	return &sseSink{
		w:       w,
		flusher: flusher,
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *sseSink) markReady() {
	close(s.ready)
}

// Send implements Sink.
func (s *sseSink) Send(env Envelope) error {
	select {
	case <-s.ready:
	case <-s.done:
		return errSinkClosed
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}
	return s.writeRaw(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", env.Seq, env.Type, data))
}

func (s *sseSink) writeRaw(frame string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSinkClosed
	}
	if _, err := io.WriteString(s.w, frame); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Close implements Sink.
func (s *sseSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}
