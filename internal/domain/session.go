// Package domain contains core domain types for the QueryPilot engine.
package domain

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an agent session.
type Status string

const (
	StatusPlanning      Status = "planning"
	StatusProposing     Status = "proposing"
	StatusExecuting     Status = "executing"
	StatusAnalyzing     Status = "analyzing"
	StatusErrorRecovery Status = "error_recovery"
	StatusCompleted     Status = "completed"
	StatusStopped       Status = "stopped"
	StatusFailed        Status = "failed"
)

// Terminal reports whether no further transitions are allowed from this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusStopped || s == StatusFailed
}

// StepStatus is the lifecycle state of a single plan step.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepActive   StepStatus = "active"
	StepApproved StepStatus = "approved"
	StepExecuted StepStatus = "executed"
	StepFailed   StepStatus = "failed"
	StepSkipped  StepStatus = "skipped"
)

// Step is one proposed SQL statement in a session plan.
// Steps are mutated only through the owning Session's methods.
type Step struct {
	ID          int              `json:"id"`
	Description string           `json:"description"`
	SQL         string           `json:"sql"`
	Status      StepStatus       `json:"status"`
	Result      *ExecutionResult `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
	RetryCount  int              `json:"retry_count"`
}

// ChatTurn is one prior exchange supplied as planning context.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session is the record for one agent invocation. The driver loop is the
// single writer of plan and step state; reads from other goroutines go
// through Snapshot. The SQL of the active step is the one exception: an
// approval payload may replace it just before the loop reads it, which is
// why all field access is funneled through the mutex here.
type Session struct {
	mu sync.RWMutex

	id             string
	userID         string
	conversationID string
	message        string
	schemaContext  string
	schemas        []string

	status       Status
	plan         []*Step
	currentStep  int
	maxRetries   int
	totalRetries int

	createdAt time.Time
	endedAt   *time.Time
}

// NewSession creates a session in the planning state.
func NewSession(userID, conversationID, message, schemaContext string, schemas []string, maxRetries int) *Session {
	return &Session{
		id:             uuid.NewString(),
		userID:         userID,
		conversationID: conversationID,
		message:        message,
		schemaContext:  schemaContext,
		schemas:        schemas,
		status:         StatusPlanning,
		maxRetries:     maxRetries,
		createdAt:      time.Now(),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// UserID returns the owning user id.
func (s *Session) UserID() string { return s.userID }

// ConversationID returns the owning conversation id.
func (s *Session) ConversationID() string { return s.conversationID }

// Message returns the original natural-language request.
func (s *Session) Message() string { return s.message }

// SchemaContext returns the schema context the plan was built against.
func (s *Session) SchemaContext() string { return s.schemaContext }

// Schemas returns the schemas selected for this session.
func (s *Session) Schemas() []string { return s.schemas }

// MaxRetries returns the per-step recovery bound.
func (s *Session) MaxRetries() int { return s.maxRetries }

// Status returns the current session status.
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Transition moves the session to next and returns true. If the session is
// already in a terminal state the call is a no-op and returns false.
func (s *Session) Transition(next Status) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.status = next
	if next.Terminal() {
		now := time.Now()
		s.endedAt = &now
	}
	return true
}

// SetPlan installs the planner's step list.
func (s *Session) SetPlan(steps []*Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan = steps
}

// StepCount returns the number of steps in the plan.
func (s *Session) StepCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.plan)
}

// SetCurrentStep records which step the loop is working on.
func (s *Session) SetCurrentStep(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentStep = i
}

// UpdateStep applies fn to step i under the session lock.
func (s *Session) UpdateStep(i int, fn func(*Step)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.plan) {
		return
	}
	fn(s.plan[i])
}

// StepInfo returns the current SQL, description and retry count of step i.
func (s *Session) StepInfo(i int) (sql, description string, retryCount int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.plan) {
		return "", "", 0
	}
	st := s.plan[i]
	return st.SQL, st.Description, st.RetryCount
}

// AddRetry increments the session-wide retry counter and returns it.
func (s *Session) AddRetry() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalRetries++
	return s.totalRetries
}

// TotalRetries returns the monotonic session-wide retry counter.
func (s *Session) TotalRetries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.totalRetries
}

// CompletedSteps counts steps that executed successfully.
func (s *Session) CompletedSteps() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, st := range s.plan {
		if st.Status == StepExecuted {
			n++
		}
	}
	return n
}

// SessionView is an immutable copy of a session, safe to serialize.
type SessionView struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	ConversationID string     `json:"conversation_id"`
	Message        string     `json:"message"`
	Status         Status     `json:"status"`
	Plan           []Step     `json:"plan"`
	CurrentStep    int        `json:"current_step"`
	MaxRetries     int        `json:"max_retries"`
	TotalRetries   int        `json:"total_retries"`
	CreatedAt      time.Time  `json:"created_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// Snapshot returns a deep copy of the session state.
func (s *Session) Snapshot() SessionView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps := make([]Step, len(s.plan))
	for i, st := range s.plan {
		steps[i] = *st
		if st.Result != nil {
			res := *st.Result
			steps[i].Result = &res
		}
	}

	var ended *time.Time
	if s.endedAt != nil {
		t := *s.endedAt
		ended = &t
	}

	return SessionView{
		ID:             s.id,
		UserID:         s.userID,
		ConversationID: s.conversationID,
		Message:        s.message,
		Status:         s.status,
		Plan:           steps,
		CurrentStep:    s.currentStep,
		MaxRetries:     s.maxRetries,
		TotalRetries:   s.totalRetries,
		CreatedAt:      s.createdAt,
		EndedAt:        ended,
	}
}
