package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/querypilot/querypilot/internal/domain"
)

var (
	// ErrMalformedPlan indicates the planner returned unusable output.
	// This is fatal to the session: the loop does not retry planning.
	ErrMalformedPlan = errors.New("planner returned malformed plan")
	// ErrMalformedRecovery indicates the recovery call returned unusable output.
	ErrMalformedRecovery = errors.New("recovery returned malformed output")
)

// PlanStep is one proposed statement in a plan.
type PlanStep struct {
	Description string `json:"description"`
	SQL         string `json:"sql"`
}

// Plan is the planner's ordered step list with a short explanation.
type Plan struct {
	Steps       []PlanStep `json:"steps"`
	Explanation string     `json:"explanation"`
}

// Fix is a revised statement produced by the recovery collaborator.
type Fix struct {
	SQL         string `json:"sql"`
	Explanation string `json:"explanation"`
}

// Collaborators bundles the planner, recovery and analyzer calls on a shared
// client. Each call is synchronous: request in, structured result or error out.
type Collaborators struct {
	client Client
	logger *slog.Logger
}

// NewCollaborators creates the collaborator set.
func NewCollaborators(client Client, logger *slog.Logger) *Collaborators {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collaborators{client: client, logger: logger}
}

func lowTemperature() GenerationParams {
	t := float32(0.1)
	return GenerationParams{Temperature: &t}
}

// Plan asks the planner for an ordered list of SQL steps answering message.
func (c *Collaborators) Plan(ctx context.Context, message, schemaContext string, schemas []string, history []domain.ChatTurn) (*Plan, error) {
	var b strings.Builder
	b.WriteString("Produce an ordered SQL execution plan for the request below.\n")
	b.WriteString("Respond with JSON: {\"steps\":[{\"description\":string,\"sql\":string}],\"explanation\":string}\n\n")
	if schemaContext != "" {
		fmt.Fprintf(&b, "Schema context:\n%s\n\n", schemaContext)
	}
	if len(schemas) > 0 {
		fmt.Fprintf(&b, "Selected schemas: %s\n\n", strings.Join(schemas, ", "))
	}
	for _, turn := range history {
		fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
	}
	fmt.Fprintf(&b, "\nRequest: %s\n", message)

	raw, err := c.client.Generate(ctx, b.String(), lowTemperature())
	if err != nil {
		return nil, fmt.Errorf("planner call: %w", err)
	}

	var plan Plan
	if err := decodeJSON(raw, &plan); err != nil {
		c.logger.Warn("planner returned non-JSON output", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrMalformedPlan, err)
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("%w: no steps", ErrMalformedPlan)
	}
	for i, step := range plan.Steps {
		if strings.TrimSpace(step.SQL) == "" {
			return nil, fmt.Errorf("%w: step %d has empty sql", ErrMalformedPlan, i+1)
		}
	}
	return &plan, nil
}

// Recover asks for a corrected statement after an execution failure.
func (c *Collaborators) Recover(ctx context.Context, failingSQL string, detail domain.ErrorDetails, retryCount int) (*Fix, error) {
	var b strings.Builder
	b.WriteString("The SQL statement below failed. Produce a corrected statement.\n")
	b.WriteString("Respond with JSON: {\"sql\":string,\"explanation\":string}\n\n")
	fmt.Fprintf(&b, "Failing SQL:\n%s\n\nError: %s\n", failingSQL, detail.Message)
	if detail.Detail != "" {
		fmt.Fprintf(&b, "Detail: %s\n", detail.Detail)
	}
	if detail.Hint != "" {
		fmt.Fprintf(&b, "Hint: %s\n", detail.Hint)
	}
	fmt.Fprintf(&b, "Retry attempt: %d\n", retryCount)

	raw, err := c.client.Generate(ctx, b.String(), lowTemperature())
	if err != nil {
		return nil, fmt.Errorf("recovery call: %w", err)
	}

	var fix Fix
	if err := decodeJSON(raw, &fix); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRecovery, err)
	}
	if strings.TrimSpace(fix.SQL) == "" {
		return nil, fmt.Errorf("%w: empty sql", ErrMalformedRecovery)
	}
	return &fix, nil
}

// Analyze produces a short natural-language summary of a successful step.
// Failures here are non-fatal; callers fall back to templated text.
func (c *Collaborators) Analyze(ctx context.Context, stepDescription, sql, resultSummary string) (string, error) {
	prompt := fmt.Sprintf(
		"Summarize this executed SQL step in one sentence for a non-technical reader.\n\nStep: %s\nSQL: %s\nResult: %s\n",
		stepDescription, sql, resultSummary)

	raw, err := c.client.Generate(ctx, prompt, lowTemperature())
	if err != nil {
		return "", fmt.Errorf("analyzer call: %w", err)
	}
	summary := strings.TrimSpace(raw)
	if summary == "" {
		return "", fmt.Errorf("analyzer returned empty summary")
	}
	return summary, nil
}

// decodeJSON parses raw as JSON, tolerating a fenced code block around it.
func decodeJSON(raw string, v any) error {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	return json.Unmarshal([]byte(s), v)
}
