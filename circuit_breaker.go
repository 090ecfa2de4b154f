package moray

import (
	"github.com/pior/moray/transport"
	"github.com/sony/gobreaker/v2"
)

// connectionBreaker is an optional per-BackendConnection circuit breaker
// wrapping the Transport call a RequestContext issues. It is purely a
// request-shedding optimization over a connection whose calls keep
// failing — it does not change the connection's pool state, never
// substitutes for, or delays, the pool state machine's own transitions,
// and is disabled unless
// Config.CircuitBreakerSettings is set.
type connectionBreaker struct {
	cb *gobreaker.CircuitBreaker[*transport.Call]
}

func newConnectionBreaker(name string, settings gobreaker.Settings) *connectionBreaker {
	settings.Name = name
	return &connectionBreaker{cb: gobreaker.NewCircuitBreaker[*transport.Call](settings)}
}

func (b *connectionBreaker) execute(op func() (*transport.Call, error)) (*transport.Call, error) {
	return b.cb.Execute(op)
}

// State returns the breaker's current state for diagnostics.
func (b *connectionBreaker) State() gobreaker.State {
	return b.cb.State()
}
