package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/querypilot/querypilot/internal/domain"
	"github.com/querypilot/querypilot/internal/llm"
)

// scriptedCollab is a deterministic Collaborators double.
type scriptedCollab struct {
	mu           sync.Mutex
	plan         *llm.Plan
	planErr      error
	fixes        []*llm.Fix
	recoverErr   error
	recoverCalls int
	analyzeText  string
	analyzeErr   error
}

func (c *scriptedCollab) Plan(context.Context, string, string, []string, []domain.ChatTurn) (*llm.Plan, error) {
	if c.planErr != nil {
		return nil, c.planErr
	}
	return c.plan, nil
}

func (c *scriptedCollab) Recover(_ context.Context, _ string, _ domain.ErrorDetails, _ int) (*llm.Fix, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recoverCalls++
	if c.recoverErr != nil {
		return nil, c.recoverErr
	}
	if len(c.fixes) == 0 {
		return &llm.Fix{SQL: "SELECT 1"}, nil
	}
	fix := c.fixes[0]
	if len(c.fixes) > 1 {
		c.fixes = c.fixes[1:]
	}
	return fix, nil
}

func (c *scriptedCollab) Analyze(context.Context, string, string, string) (string, error) {
	return c.analyzeText, c.analyzeErr
}

func (c *scriptedCollab) recoverCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recoverCalls
}

// chanSink records envelopes on a buffered channel for ordered assertions.
type chanSink struct {
	ch   chan Envelope
	done chan struct{}
	once sync.Once
}

func newChanSink() *chanSink {
	return &chanSink{ch: make(chan Envelope, 128), done: make(chan struct{})}
}

func (s *chanSink) Send(env Envelope) error {
	select {
	case <-s.done:
		return errSinkClosed
	default:
	}
	select {
	case s.ch <- env:
		return nil
	default:
		return errors.New("sink overflow")
	}
}

func (s *chanSink) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *chanSink) next(t *testing.T) Envelope {
	t.Helper()
	select {
	case env := <-s.ch:
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for event")
		return Envelope{}
	}
}

func (s *chanSink) expect(t *testing.T, want EventType) Envelope {
	t.Helper()
	env := s.next(t)
	if env.Type != want {
		t.Fatalf("Expected %s event, got %s (%+v)", want, env.Type, env.Data)
	}
	return env
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, collab Collaborators, opts Options) *Engine {
	t.Helper()
	e := NewEngine(context.Background(), collab, nil, nil, opts, testLogger())
	t.Cleanup(e.Close)
	return e
}

// approveEventually retries until the loop has registered its approval gate.
func approveEventually(t *testing.T, e *Engine, sessionID, editedSQL string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !e.Approve(sessionID, editedSQL) {
		if time.Now().After(deadline) {
			t.Fatal("Approval gate never became outstanding")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func rejectEventually(t *testing.T, e *Engine, sessionID, reason string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !e.Reject(sessionID, reason) {
		if time.Now().After(deadline) {
			t.Fatal("Approval gate never became outstanding")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func provideResultEventually(t *testing.T, e *Engine, sessionID string, result *domain.ExecutionResult) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !e.ProvideExecutionResult(sessionID, result) {
		if time.Now().After(deadline) {
			t.Fatal("Execution-result gate never became outstanding")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func twoStepPlan() *llm.Plan {
	return &llm.Plan{
		Steps: []llm.PlanStep{
			{Description: "count users", SQL: "SELECT COUNT(*) FROM users"},
			{Description: "recent orders", SQL: "SELECT * FROM ordrs LIMIT 10"},
		},
	}
}

func TestSessionWithRetryEmitsOrderedEvents(t *testing.T) {
	collab := &scriptedCollab{
		plan:        twoStepPlan(),
		fixes:       []*llm.Fix{{SQL: "SELECT * FROM orders LIMIT 10", Explanation: "fixed table name"}},
		analyzeText: "Looks good.",
	}
	e := newTestEngine(t, collab, Options{})

	sink := newChanSink()
	sess := e.StartSession(StartRequest{UserID: "u1", Message: "how are sales doing"}, sink)
	id := sess.ID()

	planEnv := sink.expect(t, EventPlan)
	if pe := planEnv.Data.(PlanEvent); pe.TotalSteps != 2 {
		t.Fatalf("Expected 2 planned steps, got %d", pe.TotalSteps)
	}

	// Step A: approve, succeeds.
	prop := sink.expect(t, EventProposal).Data.(ProposalEvent)
	if prop.StepID != 1 || prop.IsRetry {
		t.Fatalf("Unexpected first proposal: %+v", prop)
	}
	approveEventually(t, e, id, "")
	sink.expect(t, EventExecuting)
	provideResultEventually(t, e, id, &domain.ExecutionResult{Success: true, RowCount: 3})
	res := sink.expect(t, EventResult).Data.(ResultEvent)
	if !res.Success || res.RowCount != 3 {
		t.Fatalf("Unexpected step A result event: %+v", res)
	}

	// Step B: fails once, recovers, retry succeeds.
	prop = sink.expect(t, EventProposal).Data.(ProposalEvent)
	if prop.StepID != 2 || prop.IsRetry {
		t.Fatalf("Unexpected second proposal: %+v", prop)
	}
	approveEventually(t, e, id, "")
	sink.expect(t, EventExecuting)
	provideResultEventually(t, e, id, &domain.ExecutionResult{
		Success: false,
		Error:   `relation "ordrs" does not exist`,
	})
	res = sink.expect(t, EventResult).Data.(ResultEvent)
	if res.Success || res.Error == "" {
		t.Fatalf("Expected failed result event, got %+v", res)
	}
	sink.expect(t, EventThinking)

	prop = sink.expect(t, EventProposal).Data.(ProposalEvent)
	if prop.StepID != 2 || !prop.IsRetry || prop.RetryCount != 1 {
		t.Fatalf("Expected retry proposal for step 2, got %+v", prop)
	}
	if prop.SQL != "SELECT * FROM orders LIMIT 10" {
		t.Fatalf("Expected recovered SQL in retry proposal, got %q", prop.SQL)
	}
	approveEventually(t, e, id, "")
	sink.expect(t, EventExecuting)
	provideResultEventually(t, e, id, &domain.ExecutionResult{Success: true, RowCount: 1})
	res = sink.expect(t, EventResult).Data.(ResultEvent)
	if !res.Success || res.RowCount != 1 {
		t.Fatalf("Unexpected retry result event: %+v", res)
	}

	comp := sink.expect(t, EventComplete).Data.(CompleteEvent)
	if comp.StepsCompleted != 2 || comp.TotalSteps != 2 {
		t.Fatalf("Unexpected completion: %+v", comp)
	}
	if n := collab.recoverCount(); n != 1 {
		t.Errorf("Expected 1 recovery call, got %d", n)
	}

	view, ok := e.Snapshot(id)
	if !ok {
		t.Fatal("Expected session snapshot to remain readable")
	}
	if view.Status != domain.StatusCompleted {
		t.Errorf("Expected completed status, got %s", view.Status)
	}
	if view.TotalRetries != 1 {
		t.Errorf("Expected 1 total retry, got %d", view.TotalRetries)
	}
}

func TestRejectedStepIsSkippedAndSessionContinues(t *testing.T) {
	collab := &scriptedCollab{plan: twoStepPlan(), analyzeText: "ok"}
	e := newTestEngine(t, collab, Options{})

	sink := newChanSink()
	sess := e.StartSession(StartRequest{UserID: "u1", Message: "q"}, sink)
	id := sess.ID()

	sink.expect(t, EventPlan)
	sink.expect(t, EventProposal)
	rejectEventually(t, e, id, "too expensive")
	sink.expect(t, EventThinking)

	// The second step still gets proposed.
	prop := sink.expect(t, EventProposal).Data.(ProposalEvent)
	if prop.StepID != 2 {
		t.Fatalf("Expected proposal for step 2, got %+v", prop)
	}
	approveEventually(t, e, id, "")
	sink.expect(t, EventExecuting)
	provideResultEventually(t, e, id, &domain.ExecutionResult{Success: true, RowCount: 1})
	sink.expect(t, EventResult)

	comp := sink.expect(t, EventComplete).Data.(CompleteEvent)
	if comp.StepsCompleted != 1 {
		t.Fatalf("Expected 1 completed step, got %d", comp.StepsCompleted)
	}

	view, _ := e.Snapshot(id)
	if view.Plan[0].Status != domain.StepSkipped {
		t.Errorf("Expected step 1 skipped, got %s", view.Plan[0].Status)
	}
}

func TestEditedSQLReplacesProposal(t *testing.T) {
	collab := &scriptedCollab{
		plan:        &llm.Plan{Steps: []llm.PlanStep{{Description: "count", SQL: "SELECT COUNT(*) FROM users"}}},
		analyzeText: "ok",
	}
	e := newTestEngine(t, collab, Options{})

	sink := newChanSink()
	sess := e.StartSession(StartRequest{UserID: "u1", Message: "q"}, sink)

	sink.expect(t, EventPlan)
	sink.expect(t, EventProposal)
	approveEventually(t, e, sess.ID(), "SELECT COUNT(*) FROM users WHERE active = 1")

	exec := sink.expect(t, EventExecuting).Data.(ExecutingEvent)
	if exec.SQL != "SELECT COUNT(*) FROM users WHERE active = 1" {
		t.Fatalf("Expected edited SQL to be executed, got %q", exec.SQL)
	}
}

func TestRetriesAreBounded(t *testing.T) {
	collab := &scriptedCollab{
		plan:        &llm.Plan{Steps: []llm.PlanStep{{Description: "one", SQL: "SELECT 1"}}},
		analyzeText: "ok",
	}
	e := newTestEngine(t, collab, Options{MaxRetries: 1})

	sink := newChanSink()
	sess := e.StartSession(StartRequest{UserID: "u1", Message: "q"}, sink)
	id := sess.ID()

	sink.expect(t, EventPlan)

	// Initial attempt plus exactly one retry.
	for attempt := 0; attempt < 2; attempt++ {
		sink.expect(t, EventProposal)
		approveEventually(t, e, id, "")
		sink.expect(t, EventExecuting)
		provideResultEventually(t, e, id, &domain.ExecutionResult{Success: false, Error: "syntax error"})
		sink.expect(t, EventResult)
		if attempt == 0 {
			sink.expect(t, EventThinking)
		}
	}

	errEnv := sink.expect(t, EventError).Data.(ErrorEvent)
	if errEnv.Recoverable {
		t.Fatal("Expected exhausted step error to be unrecoverable")
	}

	// One exhausted step does not fail the session.
	comp := sink.expect(t, EventComplete).Data.(CompleteEvent)
	if comp.StepsCompleted != 0 {
		t.Fatalf("Expected 0 completed steps, got %d", comp.StepsCompleted)
	}
	if n := collab.recoverCount(); n != 1 {
		t.Errorf("Expected exactly 1 recovery call, got %d", n)
	}

	view, _ := e.Snapshot(id)
	if view.Plan[0].Status != domain.StepFailed {
		t.Errorf("Expected step marked failed, got %s", view.Plan[0].Status)
	}
	if view.Status != domain.StatusCompleted {
		t.Errorf("Expected session to complete, got %s", view.Status)
	}
}

func TestMalformedPlanFailsSession(t *testing.T) {
	collab := &scriptedCollab{planErr: llm.ErrMalformedPlan}
	e := newTestEngine(t, collab, Options{})

	sink := newChanSink()
	sess := e.StartSession(StartRequest{UserID: "u1", Message: "q"}, sink)

	errEnv := sink.expect(t, EventError).Data.(ErrorEvent)
	if errEnv.Recoverable {
		t.Fatal("Expected planning failure to be unrecoverable")
	}

	view, _ := e.Snapshot(sess.ID())
	if view.Status != domain.StatusFailed {
		t.Errorf("Expected failed status, got %s", view.Status)
	}
}

func TestMalformedRecoveryFailsSession(t *testing.T) {
	collab := &scriptedCollab{
		plan:       &llm.Plan{Steps: []llm.PlanStep{{Description: "one", SQL: "SELECT 1"}}},
		recoverErr: llm.ErrMalformedRecovery,
	}
	e := newTestEngine(t, collab, Options{})

	sink := newChanSink()
	sess := e.StartSession(StartRequest{UserID: "u1", Message: "q"}, sink)
	id := sess.ID()

	sink.expect(t, EventPlan)
	sink.expect(t, EventProposal)
	approveEventually(t, e, id, "")
	sink.expect(t, EventExecuting)
	provideResultEventually(t, e, id, &domain.ExecutionResult{Success: false, Error: "boom"})
	sink.expect(t, EventResult)
	sink.expect(t, EventThinking)

	errEnv := sink.expect(t, EventError).Data.(ErrorEvent)
	if errEnv.Recoverable {
		t.Fatal("Expected recovery failure to be unrecoverable")
	}

	view, _ := e.Snapshot(id)
	if view.Status != domain.StatusFailed {
		t.Errorf("Expected failed status, got %s", view.Status)
	}
}

func TestStopWhileExecuting(t *testing.T) {
	collab := &scriptedCollab{
		plan: &llm.Plan{Steps: []llm.PlanStep{{Description: "one", SQL: "SELECT 1"}}},
	}
	e := newTestEngine(t, collab, Options{})

	sink := newChanSink()
	sess := e.StartSession(StartRequest{UserID: "u1", Message: "q"}, sink)
	id := sess.ID()

	sink.expect(t, EventPlan)
	sink.expect(t, EventProposal)
	approveEventually(t, e, id, "")
	sink.expect(t, EventExecuting)

	if !e.Stop(id) {
		t.Fatal("Expected stop to succeed")
	}
	sink.expect(t, EventStopped)

	// The late execution report finds no gate.
	deadline := time.Now().Add(time.Second)
	for e.gates.Outstanding(id, GateExecutionResult) {
		if time.Now().After(deadline) {
			t.Fatal("Expected execution gate to be rejected")
		}
		time.Sleep(2 * time.Millisecond)
	}
	if e.ProvideExecutionResult(id, &domain.ExecutionResult{Success: true}) {
		t.Error("Expected late execution result to be refused")
	}

	// No further session events after stopped.
	select {
	case env := <-sink.ch:
		t.Errorf("Expected no events after stopped, got %s", env.Type)
	case <-time.After(100 * time.Millisecond):
	}

	view, _ := e.Snapshot(id)
	if view.Status != domain.StatusStopped {
		t.Errorf("Expected stopped status, got %s", view.Status)
	}

	// Stop is idempotent.
	if !e.Stop(id) {
		t.Error("Expected repeated stop to return true")
	}
}

func TestDuplicateApprovalReturnsFalse(t *testing.T) {
	collab := &scriptedCollab{
		plan:        &llm.Plan{Steps: []llm.PlanStep{{Description: "one", SQL: "SELECT 1"}}},
		analyzeText: "ok",
	}
	e := newTestEngine(t, collab, Options{})

	sink := newChanSink()
	sess := e.StartSession(StartRequest{UserID: "u1", Message: "q"}, sink)
	id := sess.ID()

	sink.expect(t, EventPlan)
	sink.expect(t, EventProposal)
	approveEventually(t, e, id, "")
	if e.Approve(id, "") {
		t.Error("Expected duplicate approval to return false")
	}
}

func TestEventSequenceIsMonotonic(t *testing.T) {
	collab := &scriptedCollab{
		plan:        &llm.Plan{Steps: []llm.PlanStep{{Description: "one", SQL: "SELECT 1"}}},
		analyzeText: "ok",
	}
	e := newTestEngine(t, collab, Options{})

	sink := newChanSink()
	sess := e.StartSession(StartRequest{UserID: "u1", Message: "q"}, sink)
	id := sess.ID()

	sink.expect(t, EventPlan)
	sink.expect(t, EventProposal)
	approveEventually(t, e, id, "")
	sink.expect(t, EventExecuting)
	provideResultEventually(t, e, id, &domain.ExecutionResult{Success: true, RowCount: 1})

	var last int64
	for {
		env := sink.next(t)
		if env.Seq <= last {
			t.Fatalf("Expected strictly increasing seq, got %d after %d", env.Seq, last)
		}
		last = env.Seq
		if env.Type == EventComplete {
			return
		}
	}
}

func TestAttachAfterTerminationReturnsErrSessionEnded(t *testing.T) {
	collab := &scriptedCollab{planErr: llm.ErrMalformedPlan}
	e := newTestEngine(t, collab, Options{})

	sink := newChanSink()
	sess := e.StartSession(StartRequest{UserID: "u1", Message: "q"}, sink)
	id := sess.ID()

	sink.expect(t, EventError)

	deadline := time.Now().Add(time.Second)
	for {
		if err := e.Attach(id, newChanSink()); err != nil {
			if !errors.Is(err, ErrSessionEnded) {
				t.Fatalf("Expected ErrSessionEnded, got %v", err)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Expected attach to fail after termination")
		}
		time.Sleep(2 * time.Millisecond)
	}

	if err := e.Attach("missing", newChanSink()); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Expected ErrUnknownSession, got %v", err)
	}
}
