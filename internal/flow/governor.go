package flow

import (
	"fmt"
	"sync"

	"fitbridge/internal/tokens"
	"fitbridge/pkg/logging"
)

// DefaultRetryLimit is the default ceiling on automatic re-authentication
// attempts per logical operation.
const DefaultRetryLimit = 2

// RetryLimitError reports that the retry ceiling for an operation/target
// pair was reached. It carries the count that was exceeded.
type RetryLimitError struct {
	Target   tokens.Target
	Attempts int
}

func (e *RetryLimitError) Error() string {
	return fmt.Sprintf("retry limit exceeded for %s after %d authentication attempts", e.Target, e.Attempts)
}

// Governor bounds how many automatic re-authentication attempts may run
// per logical caller operation. It exists to stop the pathological loop
// where a credential that fails validation is repeatedly "refreshed" into
// an equally invalid state, e.g. a user cancelling the browser flow every
// time.
//
// Attempts are counted per (operation, target), not per process lifetime:
// a new operation gets a fresh budget.
type Governor struct {
	mu       sync.Mutex
	limit    int
	attempts map[string]int
}

// NewGovernor creates a governor with the given attempt ceiling. A
// non-positive limit selects the default.
func NewGovernor(limit int) *Governor {
	if limit <= 0 {
		limit = DefaultRetryLimit
	}
	return &Governor{
		limit:    limit,
		attempts: make(map[string]int),
	}
}

// Limit returns the configured ceiling.
func (g *Governor) Limit() int {
	return g.limit
}

func (g *Governor) key(operationID string, target tokens.Target) string {
	return operationID + "|" + target.String()
}

// Allow records one re-authentication attempt for the operation/target
// pair. Returns a *RetryLimitError once the ceiling is reached; the
// attempt is then NOT recorded and the caller must not start a flow.
func (g *Governor) Allow(operationID string, target tokens.Target) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := g.key(operationID, target)
	if g.attempts[key] >= g.limit {
		logging.Warn("RetryGovernor", "Retry limit reached for %s in operation %s (%d attempts)",
			target, operationID, g.attempts[key])
		return &RetryLimitError{Target: target, Attempts: g.attempts[key]}
	}

	g.attempts[key]++
	logging.Debug("RetryGovernor", "Re-authentication attempt %d/%d for %s in operation %s",
		g.attempts[key], g.limit, target, operationID)
	return nil
}

// Reset clears the attempt count for an operation/target pair, for callers
// whose operation ultimately succeeded.
func (g *Governor) Reset(operationID string, target tokens.Target) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.attempts, g.key(operationID, target))
}
