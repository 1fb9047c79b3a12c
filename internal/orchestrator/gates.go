package orchestrator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/querypilot/querypilot/internal/domain"
)

// GateKind distinguishes the two suspension points of the driver loop.
type GateKind string

const (
	GateApproval        GateKind = "approval"
	GateExecutionResult GateKind = "execution_result"
)

// ErrSessionStopped is the sentinel a gate rejection carries when the user
// stopped the session while the loop was suspended.
var ErrSessionStopped = errors.New("session stopped")

// ApprovalDecision is the payload an approval gate resolves with.
type ApprovalDecision struct {
	Approved  bool   `json:"approved"`
	EditedSQL string `json:"edited_sql,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Outcome is what a suspended loop receives when its gate is consumed.
// Exactly one of the payload fields is set, matching the gate kind; Err is
// set instead when the gate was rejected.
type Outcome struct {
	Decision ApprovalDecision
	Result   *domain.ExecutionResult
	Err      error
}

type gateKey struct {
	sessionID string
	kind      GateKind
}

// Gates is the process-wide table of outstanding waiting gates. A gate is a
// single-slot channel registered by the loop immediately before it suspends
// and consumed exactly once by an external call (or by Stop).
type Gates struct {
	mu      sync.Mutex
	waiting map[gateKey]chan Outcome
}

// NewGates creates an empty gate table.
func NewGates() *Gates {
	return &Gates{waiting: make(map[gateKey]chan Outcome)}
}

// Register creates the gate for (sessionID, kind) and returns the channel the
// loop suspends on. Registering while a gate of the same kind is outstanding
// is a programming error given the loop structure, so it fails loudly rather
// than silently replacing the waiter.
func (g *Gates) Register(sessionID string, kind GateKind) <-chan Outcome {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := gateKey{sessionID: sessionID, kind: kind}
	if _, exists := g.waiting[key]; exists {
		panic(fmt.Sprintf("gate %s already registered for session %s", kind, sessionID))
	}
	ch := make(chan Outcome, 1)
	g.waiting[key] = ch
	return ch
}

// Resolve consumes the outstanding gate and delivers out to the suspended
// loop. Returns false when no gate of that kind is outstanding: a duplicate
// or late call is an expected race, reported to the caller, never a crash.
func (g *Gates) Resolve(sessionID string, kind GateKind, out Outcome) bool {
	g.mu.Lock()
	key := gateKey{sessionID: sessionID, kind: kind}
	ch, ok := g.waiting[key]
	if ok {
		delete(g.waiting, key)
	}
	g.mu.Unlock()

	if !ok {
		return false
	}
	ch <- out // buffered, never blocks
	return true
}

// RejectAll rejects every outstanding gate for the session with err and
// removes the entries. Used by Stop to unblock the loop wherever it is
// suspended. Returns the number of gates rejected.
func (g *Gates) RejectAll(sessionID string, err error) int {
	g.mu.Lock()
	var chans []chan Outcome
	for _, kind := range []GateKind{GateApproval, GateExecutionResult} {
		key := gateKey{sessionID: sessionID, kind: kind}
		if ch, ok := g.waiting[key]; ok {
			delete(g.waiting, key)
			chans = append(chans, ch)
		}
	}
	g.mu.Unlock()

	for _, ch := range chans {
		ch <- Outcome{Err: err}
	}
	return len(chans)
}

// Purge drops any leftover gate entries for a session without delivering
// anything. Called during session cleanup after the loop has exited.
func (g *Gates) Purge(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, kind := range []GateKind{GateApproval, GateExecutionResult} {
		delete(g.waiting, gateKey{sessionID: sessionID, kind: kind})
	}
}

// Outstanding reports whether a gate of the given kind is currently waiting.
func (g *Gates) Outstanding(sessionID string, kind GateKind) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.waiting[gateKey{sessionID: sessionID, kind: kind}]
	return ok
}
