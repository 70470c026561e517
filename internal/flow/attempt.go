package flow

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"fitbridge/internal/tokens"
)

// State is the position of one authentication attempt in its lifecycle.
// Transitions are strictly forward; a failed attempt is never resumed,
// retries are a new attempt.
type State int

const (
	StateIdle State = iota
	StateListenerStarting
	StateBrowserOpened
	StateAwaitingCallback
	StateExchangingCode
	StatePersisted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListenerStarting:
		return "listener_starting"
	case StateBrowserOpened:
		return "browser_opened"
	case StateAwaitingCallback:
		return "awaiting_callback"
	case StateExchangingCode:
		return "exchanging_code"
	case StatePersisted:
		return "persisted"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FailureReason classifies a terminal attempt failure.
type FailureReason string

const (
	FailureTimeout          FailureReason = "timeout"
	FailureStateMismatch    FailureReason = "state_mismatch"
	FailureExchangeRejected FailureReason = "exchange_rejected"
	FailureRetryLimit       FailureReason = "retry_limit_exceeded"
	FailureListenerBind     FailureReason = "listener_bind_failed"
)

// FlowError is a terminal attempt failure. The prior credential store
// contents are always left untouched when one of these is returned.
type FlowError struct {
	Target tokens.Target
	Reason FailureReason
	Err    error
}

func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication for %s failed (%s): %v", e.Target, e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication for %s failed (%s)", e.Target, e.Reason)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

// Attempt is the ephemeral, in-memory record of one flow. It is owned
// exclusively by the orchestrator for the duration of the flow and
// discarded on completion or abandonment; nothing about it is persisted.
type Attempt struct {
	ID           string
	Target       tokens.Target
	StateNonce   string
	ListenerPort int

	mu    sync.Mutex
	state State
}

func newAttempt(target tokens.Target) *Attempt {
	return &Attempt{
		ID:     uuid.NewString(),
		Target: target,
		state:  StateIdle,
	}
}

// State returns the attempt's current state.
func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// advance moves the attempt forward. Backward transitions are a
// programming error and are ignored, keeping the machine strictly forward.
func (a *Attempt) advance(next State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if next > a.state {
		a.state = next
	}
}
