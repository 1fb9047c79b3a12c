package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/querypilot/querypilot/internal/api"
)

const wsWriteTimeout = 10 * time.Second

// WSHandler attaches a WebSocket client to a session's live event stream.
// Events arrive as the same JSON envelopes the SSE endpoints use, one text
// message per event.
type WSHandler struct {
	engine      *Engine
	frontendURL string
}

// NewWSHandler creates the WebSocket attach handler. frontendURL is added to
// the accepted origins alongside same-origin requests.
func NewWSHandler(engine *Engine, frontendURL string) *WSHandler {
	return &WSHandler{engine: engine, frontendURL: frontendURL}
}

// ServeHTTP handles GET /ws/agent/sessions/{sessionID}.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		api.Error(w, http.StatusBadRequest, "session id is required")
		return
	}

	opts := &websocket.AcceptOptions{}
	if h.frontendURL != "" {
		opts.OriginPatterns = []string{originPattern(h.frontendURL)}
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		slog.Warn("WebSocket accept failed", "session_id", sessionID, "error", err)
		return
	}

	sink := newWSSink(conn)
	if err := h.engine.Attach(sessionID, sink); err != nil {
		status := websocket.StatusPolicyViolation
		if errors.Is(err, ErrUnknownSession) {
			status = websocket.StatusInternalError
		}
		conn.Close(status, err.Error())
		return
	}
	slog.Info("WebSocket event stream attached", "session_id", sessionID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Inbound traffic is ignored, but reading is what surfaces a client
	// disconnect before the next write.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	select {
	case <-ctx.Done():
		h.engine.DetachSink(sessionID, sink)
		sink.Close()
	case <-sink.done:
	}
	slog.Info("WebSocket event stream closed", "session_id", sessionID)
}

func originPattern(frontendURL string) string {
	// websocket.AcceptOptions matches against host patterns, not full URLs.
	trimmed := frontendURL
	for _, prefix := range []string{"https://", "http://"} {
		if len(trimmed) > len(prefix) && trimmed[:len(prefix)] == prefix {
			trimmed = trimmed[len(prefix):]
			break
		}
	}
	return trimmed
}

// wsSink delivers envelopes over one WebSocket connection.
type wsSink struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{conn: conn, done: make(chan struct{})}
}

// Send implements Sink.
func (s *wsSink) Send(env Envelope) error {
	select {
	case <-s.done:
		return errSinkClosed
	default:
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), wsWriteTimeout)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// Close implements Sink.
func (s *wsSink) Close() {
	s.once.Do(func() {
		s.conn.Close(websocket.StatusNormalClosure, "session ended")
		close(s.done)
	})
}
