package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

const (
	// StateClosed allows all calls through.
	StateClosed CircuitState = iota

	// StateOpen rejects all calls immediately.
	StateOpen

	// StateHalfOpen allows a single probe call through.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a binding has failed repeatedly and calls
// are being rejected until the recovery timeout elapses.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	// Default: 5
	FailureThreshold int `json:"failure_threshold,omitempty" yaml:"failure_threshold,omitempty" toml:"failure_threshold" jsonschema:"description=Consecutive failures before a binding is short-circuited,default=5"`

	// RecoveryTimeout is how long to wait before probing again.
	// Default: 30 seconds
	RecoveryTimeout time.Duration `json:"recovery_timeout,omitempty" yaml:"recovery_timeout,omitempty" toml:"recovery_timeout" jsonschema:"description=Wait before probing a tripped binding,default=30s"`

	// Disabled turns breakers into pass-through wrappers.
	Disabled bool `json:"disabled,omitempty" yaml:"disabled,omitempty" toml:"disabled" jsonschema:"description=Disable circuit breaking"`
}

// DefaultBreakerConfig returns the default configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// CircuitBreaker fails fast for a binding whose provider keeps failing.
type CircuitBreaker struct {
	config BreakerConfig
	now    func() time.Time

	state            CircuitState
	failureCount     int
	lastFailureTime  time.Time
	halfOpenInFlight bool

	totalCalls      int64
	totalFailures   int64
	totalRejections int64

	mu sync.Mutex
}

// NewCircuitBreaker creates a circuit breaker with the given configuration.
func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
}

// Call executes fn if the circuit allows it. Cancellation of the caller's
// context is not held against the binding.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if cb.config.Disabled {
		return fn()
	}
	if !cb.allowRequest() {
		atomic.AddInt64(&cb.totalRejections, 1)
		return ErrCircuitOpen
	}
	atomic.AddInt64(&cb.totalCalls, 1)

	err := fn()
	switch {
	case err == nil:
		cb.recordSuccess()
	case errors.Is(err, context.Canceled):
		cb.release()
	default:
		cb.recordFailure()
	}
	return err
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
		cb.state = StateHalfOpen
	}
	return cb.state
}

// Reset closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failureCount = 0
	cb.halfOpenInFlight = false
}

// BreakerMetrics contains circuit breaker statistics.
type BreakerMetrics struct {
	State           string `json:"state"`
	TotalCalls      int64  `json:"total_calls"`
	TotalFailures   int64  `json:"total_failures"`
	TotalRejections int64  `json:"total_rejections"`
	FailureCount    int    `json:"failure_count"`
}

// Metrics returns current circuit breaker metrics.
func (cb *CircuitBreaker) Metrics() BreakerMetrics {
	state := cb.State()
	cb.mu.Lock()
	failures := cb.failureCount
	cb.mu.Unlock()

	return BreakerMetrics{
		State:           state.String(),
		TotalCalls:      atomic.LoadInt64(&cb.totalCalls),
		TotalFailures:   atomic.LoadInt64(&cb.totalFailures),
		TotalRejections: atomic.LoadInt64(&cb.totalRejections),
		FailureCount:    failures,
	}
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			cb.state = StateHalfOpen
			cb.halfOpenInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		if cb.halfOpenInFlight {
			return false
		}
		cb.halfOpenInFlight = true
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	cb.halfOpenInFlight = false
	cb.state = StateClosed
}

func (cb *CircuitBreaker) recordFailure() {
	atomic.AddInt64(&cb.totalFailures, 1)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = cb.now()
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.halfOpenInFlight = false
		cb.state = StateOpen
	}
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.halfOpenInFlight = false
}

// BreakerRegistry holds one breaker per binding fingerprint.
type BreakerRegistry struct {
	breakers map[uint64]*CircuitBreaker
	config   BreakerConfig
	mu       sync.RWMutex
}

// NewBreakerRegistry creates a registry with the given default config.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[uint64]*CircuitBreaker),
		config:   config,
	}
}

// Get returns the breaker for key, creating one if necessary.
func (r *BreakerRegistry) Get(key uint64) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[key]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[key]; ok {
		return cb
	}
	cb := NewCircuitBreaker(r.config)
	r.breakers[key] = cb
	return cb
}

// Open counts breakers that are currently rejecting calls.
func (r *BreakerRegistry) Open() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, cb := range r.breakers {
		if cb.State() == StateOpen {
			n++
		}
	}
	return n
}

// ResetAll closes every breaker.
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}
