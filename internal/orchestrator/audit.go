package orchestrator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditConfig controls the NDJSON event audit trail.
type AuditConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// AuditRecord is one line in a session's audit file.
type AuditRecord struct {
	Timestamp string          `json:"timestamp"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id,omitempty"`
	EventType EventType       `json:"event_type"`
	Seq       int64           `json:"seq"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// AuditLogger appends every emitted event to a per-session NDJSON file.
// Writes happen on a single background goroutine behind a bounded queue;
// when the queue is full the record is dropped rather than stalling the
// driver loop.
type AuditLogger struct {
	cfg    AuditConfig
	logger *slog.Logger

	queue chan AuditRecord
	done  chan struct{}
	wg    sync.WaitGroup

	mu    sync.Mutex
	files map[string]*os.File
}

// NewAuditLogger creates the logger and starts its writer goroutine.
// A disabled config returns a logger whose Log is a no-op.
func NewAuditLogger(cfg AuditConfig, logger *slog.Logger) (*AuditLogger, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &AuditLogger{
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
		files:  make(map[string]*os.File),
	}
	if !cfg.Enabled {
		return l, nil
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
		l.cfg.QueueSize = 256
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	l.queue = make(chan AuditRecord, l.cfg.QueueSize)
	l.wg.Add(1)
	go l.writeLoop()
	return l, nil
}

// Log enqueues one record. Never blocks; drops on overflow.
func (l *AuditLogger) Log(rec AuditRecord) {
	if !l.cfg.Enabled {
		return
	}
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	select {
	case l.queue <- rec:
	default:
		l.logger.Warn("audit queue full, dropping record", "session_id", rec.SessionID, "event_type", rec.EventType)
	}
}

// LogEvent records an event envelope for the given user.
func (l *AuditLogger) LogEvent(userID string, env Envelope) {
	if !l.cfg.Enabled {
		return
	}
	payload, err := json.Marshal(env.Data)
	if err != nil {
		l.logger.Warn("failed to marshal audit payload", "error", err, "event_type", env.Type)
		payload = nil
	}
	l.Log(AuditRecord{
		SessionID: env.SessionID,
		UserID:    userID,
		EventType: env.Type,
		Seq:       env.Seq,
		Payload:   payload,
	})
}

// Close stops the writer after draining queued records and closes all files.
func (l *AuditLogger) Close() error {
	if !l.cfg.Enabled {
		return nil
	}
	close(l.done)
	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for id, f := range l.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close audit file for %s: %w", id, err)
		}
		delete(l.files, id)
	}
	return firstErr
}

func (l *AuditLogger) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case rec := <-l.queue:
			l.write(rec)
		case <-l.done:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case rec := <-l.queue:
					l.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (l *AuditLogger) write(rec AuditRecord) {
	f, err := l.fileFor(rec.SessionID)
	if err != nil {
		l.logger.Warn("failed to open audit file", "session_id", rec.SessionID, "error", err)
		return
	}
	line, err := json.Marshal(rec)
	if err != nil {
		l.logger.Warn("failed to marshal audit record", "error", err)
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		l.logger.Warn("failed to write audit record", "session_id", rec.SessionID, "error", err)
	}
}

func (l *AuditLogger) fileFor(sessionID string) (*os.File, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.files[sessionID]; ok {
		return f, nil
	}
	path := filepath.Join(l.cfg.Dir, sessionID+".ndjson")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	l.files[sessionID] = f
	return f, nil
}
