// Package orchestrator implements the agent orchestration engine: a
// per-session driver loop coordinating the LLM planner, a human approver and
// an out-of-process executor through single-shot waiting gates, streaming
// every transition to a live event sink.
package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/querypilot/querypilot/internal/domain"
)

// EventType discriminates the closed set of stream events.
type EventType string

const (
	EventPlan      EventType = "plan"
	EventThinking  EventType = "thinking"
	EventProposal  EventType = "proposal"
	EventExecuting EventType = "executing"
	EventResult    EventType = "result"
	EventComplete  EventType = "complete"
	EventError     EventType = "error"
	EventStopped   EventType = "stopped"
	EventContent   EventType = "content"
)

// Event is one variant of the session event stream.
type Event interface {
	Type() EventType
}

// PlanEvent announces the approved-for-review plan, first event of a session.
type PlanEvent struct {
	Steps       []domain.Step `json:"steps"`
	Explanation string        `json:"explanation,omitempty"`
	TotalSteps  int           `json:"total_steps"`
}

func (PlanEvent) Type() EventType { return EventPlan }

// ThinkingEvent is a short status line (step skipped, recovery underway).
type ThinkingEvent struct {
	Message string `json:"message"`
}

func (ThinkingEvent) Type() EventType { return EventThinking }

// ProposalEvent asks the approver to confirm a statement.
type ProposalEvent struct {
	StepID      int    `json:"step_id"`
	Description string `json:"description"`
	SQL         string `json:"sql"`
	IsRetry     bool   `json:"is_retry"`
	RetryCount  int    `json:"retry_count"`
}

func (ProposalEvent) Type() EventType { return EventProposal }

// ExecutingEvent signals that an approved statement was handed to the executor.
type ExecutingEvent struct {
	StepID int    `json:"step_id"`
	SQL    string `json:"sql"`
}

func (ExecutingEvent) Type() EventType { return EventExecuting }

// ResultEvent reports one execution attempt, successful or not.
type ResultEvent struct {
	StepID          int    `json:"step_id"`
	Success         bool   `json:"success"`
	RowCount        int    `json:"row_count,omitempty"`
	AffectedRows    int    `json:"affected_rows,omitempty"`
	ExecutionTimeMS int64  `json:"execution_time_ms,omitempty"`
	Summary         string `json:"summary,omitempty"`
	Error           string `json:"error,omitempty"`
}

func (ResultEvent) Type() EventType { return EventResult }

// CompleteEvent closes a successful session.
type CompleteEvent struct {
	Summary        string `json:"summary"`
	StepsCompleted int    `json:"steps_completed"`
	TotalSteps     int    `json:"total_steps"`
}

func (CompleteEvent) Type() EventType { return EventComplete }

// ErrorEvent reports a step or session failure. Recoverable is false both
// for an exhausted step (session continues) and for a fatal session error.
type ErrorEvent struct {
	StepID      int    `json:"step_id,omitempty"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

func (ErrorEvent) Type() EventType { return EventError }

// StoppedEvent acknowledges a user stop.
type StoppedEvent struct {
	Reason string `json:"reason,omitempty"`
}

func (StoppedEvent) Type() EventType { return EventStopped }

// ContentEvent carries free-form assistant text (plan explanation and the like).
type ContentEvent struct {
	Content string `json:"content"`
}

func (ContentEvent) Type() EventType { return EventContent }

// Envelope is the wire form of an event. Serialization happens only at the
// sink boundary; the engine itself passes typed events around.
type Envelope struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Seq       int64     `json:"seq"`
	Data      Event     `json:"data"`
}

// Encode renders the envelope as a single JSON document.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.Type, err)
	}
	return data, nil
}
