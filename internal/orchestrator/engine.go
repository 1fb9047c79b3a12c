package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/querypilot/querypilot/internal/domain"
	"github.com/querypilot/querypilot/internal/llm"
)

var (
	// ErrUnknownSession is returned when an operation names a session the
	// store does not know (never created, or already evicted).
	ErrUnknownSession = errors.New("unknown session")
	// ErrSessionEnded is returned when attaching to a terminated session.
	ErrSessionEnded = errors.New("session already ended")
)

// Collaborators is the LLM boundary the engine depends on. Implemented by
// llm.Collaborators in production and by scripted doubles in tests.
type Collaborators interface {
	Plan(ctx context.Context, message, schemaContext string, schemas []string, history []domain.ChatTurn) (*llm.Plan, error)
	Recover(ctx context.Context, failingSQL string, detail domain.ErrorDetails, retryCount int) (*llm.Fix, error)
	Analyze(ctx context.Context, stepDescription, sql, resultSummary string) (string, error)
}

// Archiver persists the final state of terminated sessions for late reads.
type Archiver interface {
	ArchiveSession(ctx context.Context, view domain.SessionView) error
}

// Options tunes engine behavior.
type Options struct {
	MaxRetries  int           // per-step recovery bound, default 3
	GracePeriod time.Duration // how long terminated records stay readable
}

// StartRequest carries the inputs of one agent invocation.
type StartRequest struct {
	UserID         string
	ConversationID string
	Message        string
	SchemaContext  string
	Schemas        []string
	History        []domain.ChatTurn
}

// Engine owns the session store, the gate table and the sink registry, and
// drives one goroutine per active session. External calls communicate with
// running loops only through the gate table.
type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	store   *Store
	gates   *Gates
	sinks   *SinkRegistry
	collab  Collaborators
	audit   *AuditLogger
	archive Archiver

	maxRetries int
	logger     *slog.Logger

	seqMu sync.Mutex
	seqs  map[string]int64
}

// NewEngine creates an engine. archive and audit may be nil / disabled.
func NewEngine(ctx context.Context, collab Collaborators, audit *AuditLogger, archive Archiver, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = time.Minute
	}
	engineCtx, cancel := context.WithCancel(ctx)
	e := &Engine{
		ctx:        engineCtx,
		cancel:     cancel,
		store:      NewStore(opts.GracePeriod),
		gates:      NewGates(),
		sinks:      NewSinkRegistry(),
		collab:     collab,
		audit:      audit,
		archive:    archive,
		maxRetries: opts.MaxRetries,
		logger:     logger,
		seqs:       make(map[string]int64),
	}
	e.store.StartReaper(engineCtx)
	return e
}

// StartSession creates a session, binds the initial sink and spawns the
// driver loop. The loop's lifetime is tied to the engine, not to the request
// that started it: the caller disconnecting does not cancel the session.
func (e *Engine) StartSession(req StartRequest, sink Sink) *domain.Session {
	sess := domain.NewSession(req.UserID, req.ConversationID, req.Message, req.SchemaContext, req.Schemas, e.maxRetries)
	e.store.Add(sess)
	if sink != nil {
		e.sinks.Attach(sess.ID(), sink)
	}

	e.logger.Info("Session started",
		"session_id", sess.ID(),
		"user_id", req.UserID,
		"conversation_id", req.ConversationID,
		"message_length", len(req.Message),
	)

	go e.run(e.ctx, sess, req.History)
	return sess
}

// Approve resolves the outstanding approval gate with approved=true,
// optionally replacing the proposed SQL. Returns false when no approval is
// pending (double click, late call, unknown session).
func (e *Engine) Approve(sessionID, editedSQL string) bool {
	return e.gates.Resolve(sessionID, GateApproval, Outcome{
		Decision: ApprovalDecision{Approved: true, EditedSQL: editedSQL},
	})
}

// Reject resolves the outstanding approval gate with approved=false.
func (e *Engine) Reject(sessionID, reason string) bool {
	return e.gates.Resolve(sessionID, GateApproval, Outcome{
		Decision: ApprovalDecision{Approved: false, Reason: reason},
	})
}

// ProvideExecutionResult resolves the outstanding execution-result gate.
func (e *Engine) ProvideExecutionResult(sessionID string, result *domain.ExecutionResult) bool {
	if result == nil {
		return false
	}
	return e.gates.Resolve(sessionID, GateExecutionResult, Outcome{Result: result})
}

// Stop terminates a session from any non-terminal state: marks it stopped,
// pushes the stopped event and rejects every outstanding gate so the loop
// unblocks. Idempotent: stopping an already stopped session returns true.
func (e *Engine) Stop(sessionID string) bool {
	sess, ok := e.store.Get(sessionID)
	if !ok {
		return false
	}
	if sess.Transition(domain.StatusStopped) {
		e.emit(sess, StoppedEvent{Reason: "stopped by user"})
		rejected := e.gates.RejectAll(sessionID, ErrSessionStopped)
		e.logger.Info("Session stopped", "session_id", sessionID, "gates_rejected", rejected)
		return true
	}
	return sess.Status() == domain.StatusStopped
}

// Attach rebinds the live event stream of an active session. Terminated
// sessions keep their record readable but never resume streaming.
func (e *Engine) Attach(sessionID string, sink Sink) error {
	sess, ok := e.store.Get(sessionID)
	if !ok {
		return ErrUnknownSession
	}
	if sess.Status().Terminal() {
		return ErrSessionEnded
	}
	e.sinks.Attach(sessionID, sink)
	e.logger.Info("Event sink attached", "session_id", sessionID)
	return nil
}

// DetachSink removes sink if it is still the session's current one.
func (e *Engine) DetachSink(sessionID string, sink Sink) {
	e.sinks.Detach(sessionID, sink)
}

// Snapshot returns the current state of a live (or lingering) session.
func (e *Engine) Snapshot(sessionID string) (domain.SessionView, bool) {
	sess, ok := e.store.Get(sessionID)
	if !ok {
		return domain.SessionView{}, false
	}
	return sess.Snapshot(), true
}

// ActiveSessions returns the number of sessions with a running loop.
func (e *Engine) ActiveSessions() int {
	return e.store.ActiveCount()
}

// Close cancels every running loop and releases engine resources.
func (e *Engine) Close() {
	e.cancel()
}

// emit delivers an event to the session's sink and the audit trail.
// Single producer per session: the loop, plus Stop's one stopped event.
func (e *Engine) emit(sess *domain.Session, ev Event) {
	env := Envelope{
		Type:      ev.Type(),
		SessionID: sess.ID(),
		Seq:       e.nextSeq(sess.ID()),
		Data:      ev,
	}
	e.sinks.Send(sess.ID(), env)
	if e.audit != nil {
		e.audit.LogEvent(sess.UserID(), env)
	}
}

func (e *Engine) nextSeq(sessionID string) int64 {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	e.seqs[sessionID]++
	return e.seqs[sessionID]
}

func (e *Engine) dropSeq(sessionID string) {
	e.seqMu.Lock()
	defer e.seqMu.Unlock()
	delete(e.seqs, sessionID)
}
