package resilience

import (
	"errors"
	"sync"
	"time"

	"conversation-engine/backend/pkg/logger"
)

// ErrCircuitOpen is returned without calling the protected function.
var ErrCircuitOpen = errors.New("circuit open")

// State represents the current state of a circuit breaker
type State string

const (
	// StateClosed lets every request through
	StateClosed State = "closed"
	// StateOpen short-circuits requests until the reset timeout passes
	StateOpen State = "open"
	// StateHalfOpen lets a limited number of trial requests through
	StateHalfOpen State = "half-open"
)

// Config holds configuration for a circuit breaker
type Config struct {
	Name             string
	FailureThreshold uint
	SuccessThreshold uint
	ResetTimeout     time.Duration
	// IsFailure decides which errors count against the breaker. Nil counts
	// every error.
	IsFailure func(error) bool
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
	}
}

// CircuitBreaker guards calls to a flaky collaborator
type CircuitBreaker struct {
	cfg   Config
	log   *logger.Logger
	now   func() time.Time
	mutex sync.Mutex

	state           State
	failureCount    uint
	successCount    uint
	nextAttemptTime time.Time

	totalRequests    uint64
	totalFailures    uint64
	openCircuitCount uint64
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(cfg Config, log *logger.Logger) *CircuitBreaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = 1
	}
	if log == nil {
		log = logger.Nop()
	}
	return &CircuitBreaker{
		cfg:   cfg,
		log:   log,
		now:   time.Now,
		state: StateClosed,
	}
}

// Execute runs fn through the circuit breaker
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allowRequest() {
		cb.log.Debug("circuit breaker rejected request", "name", cb.cfg.Name)
		return ErrCircuitOpen
	}

	err := fn()
	if err != nil && (cb.cfg.IsFailure == nil || cb.cfg.IsFailure(err)) {
		cb.recordFailure(err)
		return err
	}
	cb.recordSuccess()
	return err
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.totalRequests++
	switch cb.state {
	case StateOpen:
		if cb.now().Before(cb.nextAttemptTime) {
			return false
		}
		cb.state = StateHalfOpen
		cb.successCount = 0
		cb.log.Info("circuit breaker half-open", "name", cb.cfg.Name)
		return true
	case StateHalfOpen:
		return cb.successCount < cb.cfg.SuccessThreshold
	default:
		return true
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.cfg.SuccessThreshold {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.log.Info("circuit breaker closed", "name", cb.cfg.Name)
		}
	}
}

func (cb *CircuitBreaker) recordFailure(err error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.totalFailures++
	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.cfg.FailureThreshold {
			cb.open(err)
		}
	case StateHalfOpen:
		cb.open(err)
	}
}

func (cb *CircuitBreaker) open(cause error) {
	cb.state = StateOpen
	cb.openCircuitCount++
	cb.nextAttemptTime = cb.now().Add(cb.cfg.ResetTimeout)
	cb.log.Warn("circuit breaker opened",
		"name", cb.cfg.Name,
		"failures", cb.failureCount,
		"error", cause.Error(),
		"next_attempt", cb.nextAttemptTime.Format(time.RFC3339),
	)
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Metrics returns counters for health reporting
func (cb *CircuitBreaker) Metrics() map[string]any {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return map[string]any{
		"name":               cb.cfg.Name,
		"state":              string(cb.state),
		"total_requests":     cb.totalRequests,
		"total_failures":     cb.totalFailures,
		"open_circuit_count": cb.openCircuitCount,
	}
}
