package flow

import (
	"fitbridge/internal/tokens"
)

// Optimizer short-circuits connection requests for targets that already
// hold a cached, locally unexpired token. It is a pure read against the
// token adapter with no side effects: no browser launch, no listener, no
// network call. It exists to avoid redundant user-facing OAuth prompts on
// every tool call that happens to need a provider.
type Optimizer struct {
	adapter *tokens.Adapter
}

// NewOptimizer creates an optimizer over the adapter.
func NewOptimizer(adapter *tokens.Adapter) *Optimizer {
	return &Optimizer{adapter: adapter}
}

// AlreadyConnected reports whether the target holds a cached token that is
// not expired by the local clock.
func (o *Optimizer) AlreadyConnected(target tokens.Target) bool {
	rec, stale := o.adapter.Token(target)
	return rec != nil && !stale
}
