package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/querypilot/querypilot/internal/domain"
)

const archiveTimeout = 5 * time.Second

// run is the step driver loop, one goroutine per session. It is the single
// writer of plan and step state. It suspends only on the two waiting gates;
// every resumption re-checks session status so a terminal transition taken
// by Stop makes the remaining work a no-op.
func (e *Engine) run(ctx context.Context, sess *domain.Session, history []domain.ChatTurn) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Driver loop panicked", "session_id", sess.ID(), "panic", r)
			if sess.Transition(domain.StatusFailed) {
				e.emit(sess, ErrorEvent{Message: fmt.Sprintf("internal error: %v", r), Recoverable: false})
			}
		}
		e.finalize(sess)
	}()

	plan, err := e.collab.Plan(ctx, sess.Message(), sess.SchemaContext(), sess.Schemas(), history)
	if err != nil {
		// Malformed planner output is fatal to the session, no retry.
		e.logger.Warn("Planner failed", "session_id", sess.ID(), "error", err)
		if sess.Transition(domain.StatusFailed) {
			e.emit(sess, ErrorEvent{Message: fmt.Sprintf("planning failed: %v", err), Recoverable: false})
		}
		return
	}

	steps := make([]*domain.Step, len(plan.Steps))
	for i, ps := range plan.Steps {
		steps[i] = &domain.Step{
			ID:          i + 1,
			Description: ps.Description,
			SQL:         ps.SQL,
			Status:      domain.StepPending,
		}
	}
	sess.SetPlan(steps)

	if !sess.Transition(domain.StatusProposing) {
		return
	}
	e.emit(sess, PlanEvent{
		Steps:       sess.Snapshot().Plan,
		Explanation: plan.Explanation,
		TotalSteps:  len(steps),
	})
	if plan.Explanation != "" {
		e.emit(sess, ContentEvent{Content: plan.Explanation})
	}

	for i := 0; i < sess.StepCount(); i++ {
		if sess.Status().Terminal() {
			return
		}
		sess.SetCurrentStep(i)
		if !e.runStep(ctx, sess, i) {
			return
		}
	}

	if sess.Status().Terminal() {
		return
	}
	completed := sess.CompletedSteps()
	total := sess.StepCount()
	if sess.Transition(domain.StatusCompleted) {
		e.emit(sess, CompleteEvent{
			Summary:        fmt.Sprintf("Completed %d of %d steps.", completed, total),
			StepsCompleted: completed,
			TotalSteps:     total,
		})
		e.logger.Info("Session completed", "session_id", sess.ID(), "steps_completed", completed, "total_steps", total)
	}
}

// runStep drives one plan step through its propose/approve/execute/recover
// cycle. Returns false when the whole loop must terminate (stop, shutdown,
// fatal collaborator error); a step that merely fails or is skipped returns
// true so later steps still run.
func (e *Engine) runStep(ctx context.Context, sess *domain.Session, i int) bool {
	stepID := i + 1
	isRetry := false

	for {
		if !sess.Transition(domain.StatusProposing) {
			return false
		}
		sql, description, retryCount := sess.StepInfo(i)
		sess.UpdateStep(i, func(st *domain.Step) { st.Status = domain.StepActive })
		e.emit(sess, ProposalEvent{
			StepID:      stepID,
			Description: description,
			SQL:         sql,
			IsRetry:     isRetry,
			RetryCount:  retryCount,
		})

		out := e.awaitGate(ctx, sess, GateApproval)
		if out.Err != nil {
			return false
		}

		if !out.Decision.Approved {
			sess.UpdateStep(i, func(st *domain.Step) { st.Status = domain.StepSkipped })
			msg := fmt.Sprintf("Step %d skipped.", stepID)
			if out.Decision.Reason != "" {
				msg = fmt.Sprintf("Step %d skipped: %s", stepID, out.Decision.Reason)
			}
			e.emit(sess, ThinkingEvent{Message: msg})
			return true
		}

		if edited := out.Decision.EditedSQL; edited != "" {
			sess.UpdateStep(i, func(st *domain.Step) { st.SQL = edited })
			sql = edited
		}
		sess.UpdateStep(i, func(st *domain.Step) { st.Status = domain.StepApproved })

		if !sess.Transition(domain.StatusExecuting) {
			return false
		}
		e.emit(sess, ExecutingEvent{StepID: stepID, SQL: sql})

		out = e.awaitGate(ctx, sess, GateExecutionResult)
		if out.Err != nil {
			return false
		}
		result := out.Result

		if result.Success {
			sess.UpdateStep(i, func(st *domain.Step) {
				st.Status = domain.StepExecuted
				st.Result = result
				st.Error = ""
			})
			if !sess.Transition(domain.StatusAnalyzing) {
				return false
			}
			e.emit(sess, ResultEvent{
				StepID:          stepID,
				Success:         true,
				RowCount:        result.RowCount,
				AffectedRows:    result.AffectedRows,
				ExecutionTimeMS: result.ExecutionTimeMS,
				Summary:         e.summarize(ctx, sess, stepID, description, sql, result),
			})
			return true
		}

		errMsg := result.ErrorMessage()
		e.emit(sess, ResultEvent{StepID: stepID, Success: false, Error: errMsg})
		sess.UpdateStep(i, func(st *domain.Step) {
			st.Result = result
			st.Error = errMsg
			st.RetryCount++
		})
		sess.AddRetry()

		_, _, retryCount = sess.StepInfo(i)
		if retryCount > sess.MaxRetries() {
			sess.UpdateStep(i, func(st *domain.Step) { st.Status = domain.StepFailed })
			e.emit(sess, ErrorEvent{
				StepID:      stepID,
				Message:     fmt.Sprintf("step %d failed after %d attempts: %s", stepID, retryCount, errMsg),
				Recoverable: false,
			})
			// One exhausted step does not abort the session: later steps are
			// often independent statements and still get their chance.
			return true
		}

		if !sess.Transition(domain.StatusErrorRecovery) {
			return false
		}
		e.emit(sess, ThinkingEvent{Message: fmt.Sprintf("Execution failed, attempting recovery (attempt %d of %d)", retryCount, sess.MaxRetries())})

		detail := domain.ErrorDetails{Message: errMsg}
		if result.ErrorDetails != nil {
			detail = *result.ErrorDetails
		}
		fix, err := e.collab.Recover(ctx, sql, detail, retryCount)
		if err != nil {
			// Malformed recovery output is a session-level failure, unlike
			// the execution failure that triggered it.
			e.logger.Warn("Recovery failed", "session_id", sess.ID(), "step_id", stepID, "error", err)
			if sess.Transition(domain.StatusFailed) {
				e.emit(sess, ErrorEvent{Message: fmt.Sprintf("recovery failed: %v", err), Recoverable: false})
			}
			return false
		}

		sess.UpdateStep(i, func(st *domain.Step) { st.SQL = fix.SQL })
		isRetry = true
	}
}

// summarize asks the analyzer for a one-line summary of a successful step.
// Best effort: any analyzer problem falls back to templated text.
func (e *Engine) summarize(ctx context.Context, sess *domain.Session, stepID int, description, sql string, result *domain.ExecutionResult) string {
	rows := result.RowCount
	if rows == 0 && result.AffectedRows > 0 {
		rows = result.AffectedRows
	}
	resultSummary := fmt.Sprintf("%d row(s)", rows)

	summary, err := e.collab.Analyze(ctx, description, sql, resultSummary)
	if err != nil {
		e.logger.Debug("Analyzer failed, using templated summary", "session_id", sess.ID(), "step_id", stepID, "error", err)
		return fmt.Sprintf("Step %d (%s) returned %s.", stepID, description, resultSummary)
	}
	return summary
}

// awaitGate registers a gate and suspends the loop until it is consumed or
// the engine shuts down. Stop transitions the session before rejecting gates,
// so a terminal status observed right after registration means the rejection
// pass may already have run without finding this gate. The re-check closes
// that window instead of suspending forever.
func (e *Engine) awaitGate(ctx context.Context, sess *domain.Session, kind GateKind) Outcome {
	ch := e.gates.Register(sess.ID(), kind)
	if sess.Status().Terminal() {
		e.gates.Purge(sess.ID())
		select {
		case out := <-ch:
			return out
		default:
			return Outcome{Err: ErrSessionStopped}
		}
	}
	select {
	case <-ctx.Done():
		return Outcome{Err: ctx.Err()}
	case out := <-ch:
		return out
	}
}

// finalize tears a session down after its loop exits: archives the final
// record, purges gate entries, closes the sink and starts the grace-period
// eviction clock.
func (e *Engine) finalize(sess *domain.Session) {
	if e.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		if err := e.archive.ArchiveSession(ctx, sess.Snapshot()); err != nil {
			e.logger.Warn("Failed to archive session", "session_id", sess.ID(), "error", err)
		}
		cancel()
	}
	e.gates.Purge(sess.ID())
	e.sinks.Close(sess.ID())
	e.dropSeq(sess.ID())
	e.store.MarkTerminated(sess.ID())
	e.logger.Info("Session finalized", "session_id", sess.ID(), "status", sess.Status())
}
