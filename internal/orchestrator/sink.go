package orchestrator

import (
	"log/slog"
	"sync"
)

// Sink is the live destination of a session's event stream. Sends are
// fire-and-forget: a sink that has gone away reports an error and the engine
// drops the event rather than buffering it.
type Sink interface {
	Send(env Envelope) error
	Close()
}

// SinkRegistry holds at most one live sink per session. Attaching replaces
// the previous sink; the swap is guarded so it can race with the loop's
// sends safely.
type SinkRegistry struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

// NewSinkRegistry creates an empty registry.
func NewSinkRegistry() *SinkRegistry {
	return &SinkRegistry{sinks: make(map[string]Sink)}
}

// Attach binds sink as the live stream for sessionID, closing any previous one.
func (r *SinkRegistry) Attach(sessionID string, sink Sink) {
	r.mu.Lock()
	prev := r.sinks[sessionID]
	r.sinks[sessionID] = sink
	r.mu.Unlock()

	if prev != nil && prev != sink {
		prev.Close()
		slog.Info("Event sink replaced", "session_id", sessionID)
	}
}

// Detach removes sink only if it is still the current one, so a stale
// disconnect cannot tear down a newer attachment.
func (r *SinkRegistry) Detach(sessionID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sinks[sessionID]; ok && current == sink {
		delete(r.sinks, sessionID)
	}
}

// Send delivers env to the current sink, if any. Best effort: delivery
// failures detach the sink and drop the event.
func (r *SinkRegistry) Send(sessionID string, env Envelope) {
	r.mu.RLock()
	sink := r.sinks[sessionID]
	r.mu.RUnlock()

	if sink == nil {
		return
	}
	if err := sink.Send(env); err != nil {
		slog.Debug("Event sink write failed, detaching", "session_id", sessionID, "error", err)
		r.Detach(sessionID, sink)
	}
}

// Close closes and removes the sink for a session, ending its stream.
func (r *SinkRegistry) Close(sessionID string) {
	r.mu.Lock()
	sink := r.sinks[sessionID]
	delete(r.sinks, sessionID)
	r.mu.Unlock()

	if sink != nil {
		sink.Close()
	}
}
