package engine

import (
	"sync"
	"time"

	"github.com/rendis/maestro/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive provider failures before
	// the circuit opens. Zero or less disables breaking.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe is allowed.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe calls allowed while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns a sensible default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry keeps one breaker per agent_ref so an outage of one
// provider fails fast without touching the others.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// Enabled reports whether the registry ever opens a circuit.
func (r *CircuitBreakerRegistry) Enabled() bool {
	return r != nil && r.config.FailureThreshold > 0
}

// AllowRequest returns nil if a call to agentRef may proceed, or a
// CIRCUIT_OPEN error.
func (r *CircuitBreakerRegistry) AllowRequest(agentRef string) error {
	if !r.Enabled() {
		return nil
	}
	cb := r.getOrCreate(agentRef)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request is the first probe
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for agent %q after %d consecutive failures",
			agentRef, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"agent_ref":            agentRef,
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for agent %q: probe in flight", agentRef)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the circuit. It reports whether the circuit was not
// closed before the call.
func (r *CircuitBreakerRegistry) RecordSuccess(agentRef string) bool {
	if !r.Enabled() {
		return false
	}
	cb := r.getOrCreate(agentRef)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	recovered := cb.state != CircuitClosed
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
	return recovered
}

// RecordFailure counts a provider failure and returns the previous and new state.
func (r *CircuitBreakerRegistry) RecordFailure(agentRef string) (prev, next CircuitState) {
	if !r.Enabled() {
		return CircuitClosed, CircuitClosed
	}
	cb := r.getOrCreate(agentRef)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	prev = cb.state
	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()

	switch {
	case cb.state == CircuitHalfOpen:
		// A failed probe reopens the circuit.
		cb.state = CircuitOpen
	case cb.consecutiveFailures >= r.config.FailureThreshold:
		cb.state = CircuitOpen
	}
	return prev, cb.state
}

// GetState returns the current state of the circuit for agentRef.
func (r *CircuitBreakerRegistry) GetState(agentRef string) CircuitState {
	if !r.Enabled() {
		return CircuitClosed
	}
	cb := r.getOrCreate(agentRef)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

// GetStats returns diagnostic information about a breaker.
func (r *CircuitBreakerRegistry) GetStats(agentRef string) map[string]any {
	cb := r.getOrCreate(agentRef)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"agent_ref":            agentRef,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    r.config.FailureThreshold,
		"cooldown":             r.config.Cooldown.String(),
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(agentRef string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[agentRef]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[agentRef] = cb
	}
	return cb
}

// countsAgainstCircuit reports whether a failure kind indicates provider trouble.
func countsAgainstCircuit(kind schema.ErrorKind) bool {
	switch kind {
	case schema.ErrorKindTransient, schema.ErrorKindRateLimited, schema.ErrorKindTimeout:
		return true
	}
	return false
}
