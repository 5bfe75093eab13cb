package refresh

import (
	"sync"
	"time"

	"github.com/rendis/credvault/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting refreshes
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

// BreakerConfig configures the per-provider circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of trial refreshes allowed in half-open state.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         time.Minute,
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

// BreakerRegistry keeps one circuit breaker per provider so a failing token
// endpoint is not hammered on every expired read.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakerRegistry creates a registry. now may be nil.
func NewBreakerRegistry(config BreakerConfig, now func() time.Time) *BreakerRegistry {
	def := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = def.HalfOpenMax
	}
	if now == nil {
		now = time.Now
	}
	return &BreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      now,
	}
}

// Allow returns nil if a refresh for providerID may proceed, or a
// REFRESH_FAILED error while the circuit is open.
func (r *BreakerRegistry) Allow(providerID string) error {
	cb := r.getOrCreate(providerID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1 // this request is the first trial
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeRefreshFailed,
			"refresh circuit open after %d consecutive failures", cb.consecutiveFailures).
			WithProvider(providerID).
			WithDetails(map[string]any{
				"state":              cb.state.String(),
				"cooldown_remaining": (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewError(schema.ErrCodeRefreshFailed,
				"refresh circuit half-open: trial already in flight").
				WithProvider(providerID)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// Success closes the circuit for providerID.
func (r *BreakerRegistry) Success(providerID string) {
	cb := r.getOrCreate(providerID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// Failure records a failed refresh and returns the new state.
func (r *BreakerRegistry) Failure(providerID string) CircuitState {
	cb := r.getOrCreate(providerID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()

	// Any failure in half-open reopens the circuit.
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// State returns the current state of the circuit for providerID.
func (r *BreakerRegistry) State(providerID string) CircuitState {
	cb := r.getOrCreate(providerID)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	return cb.state
}

func (r *BreakerRegistry) getOrCreate(providerID string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[providerID]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[providerID] = cb
	}
	return cb
}
