package tillsync

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// RetryConfig configures retry behavior for remote calls.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Default: 3
	MaxAttempts int `yaml:"max_attempts"`

	// InitialBackoff is the initial delay before the first retry.
	// Default: 100ms
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff is the maximum delay between retries.
	// Default: 30s
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// BackoffMultiplier is multiplied to the backoff after each retry.
	// Default: 2.0
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`

	// Jitter adds randomness to backoff to prevent thundering herd.
	// Value between 0 and 1, where 0.1 means ±10% jitter.
	// Default: 0.1
	Jitter float64 `yaml:"jitter"`

	// RetryIf determines if an error should be retried.
	// If nil, all errors are retried.
	RetryIf func(error) bool `yaml:"-"`
}

// DefaultRetryConfig returns a retry configuration with sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// Retryer performs operations with automatic retry on failure.
type Retryer struct {
	config RetryConfig
}

// NewRetryer creates a new retryer with the given configuration.
func NewRetryer(config RetryConfig) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.Jitter < 0 || config.Jitter > 1 {
		config.Jitter = 0.1
	}
	return &Retryer{config: config}
}

// RetryResult contains the result of a retry operation.
type RetryResult struct {
	Attempts int
	LastErr  error
}

// Do executes the operation with retries.
// Returns the result of the last attempt and retry metadata.
func (r *Retryer) Do(ctx context.Context, op func() error) RetryResult {
	var lastErr error
	backoff := r.config.InitialBackoff

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return RetryResult{Attempts: attempt}
		}

		if r.config.RetryIf != nil && !r.config.RetryIf(lastErr) {
			return RetryResult{Attempts: attempt, LastErr: lastErr}
		}

		if attempt == r.config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return RetryResult{Attempts: attempt, LastErr: ctx.Err()}
		case <-time.After(r.addJitter(backoff)):
		}

		backoff = time.Duration(float64(backoff) * r.config.BackoffMultiplier)
		if backoff > r.config.MaxBackoff {
			backoff = r.config.MaxBackoff
		}
	}

	return RetryResult{Attempts: r.config.MaxAttempts, LastErr: lastErr}
}

func (r *Retryer) addJitter(d time.Duration) time.Duration {
	if r.config.Jitter == 0 {
		return d
	}
	jitterRange := float64(d) * r.config.Jitter
	jitter := (rand.Float64()*2 - 1) * jitterRange
	return time.Duration(float64(d) + jitter)
}

// IsRetryable reports whether an error is a transient remote failure
// worth retrying. Context cancellation, structural downgrades and
// explicit remote rejections are not retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind == SyncErrorTransient
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"service unavailable",
		"too many requests",
		"503",
		"502",
		"504",
		"429",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// CircuitBreaker implements a simple circuit breaker pattern around the
// remote authority. It is safe for concurrent use.
type CircuitBreaker struct {
	mu           sync.Mutex
	maxFailures  int
	resetTimeout time.Duration
	failures     int
	lastFailure  time.Time
	state        circuitState
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        circuitClosed,
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Execute runs the operation through the circuit breaker.
func (cb *CircuitBreaker) Execute(op func() error) error {
	cb.mu.Lock()
	allowed := cb.allowRequestLocked()
	cb.mu.Unlock()

	if !allowed {
		return ErrCircuitOpen
	}

	err := op()

	cb.mu.Lock()
	cb.recordResultLocked(err)
	cb.mu.Unlock()

	return err
}

func (cb *CircuitBreaker) allowRequestLocked() bool {
	switch cb.state {
	case circuitClosed:
		return true
	case circuitOpen:
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = circuitHalfOpen
			return true
		}
		return false
	case circuitHalfOpen:
		return true
	}
	return true
}

func (cb *CircuitBreaker) recordResultLocked(err error) {
	if err == nil {
		cb.failures = 0
		cb.state = circuitClosed
		return
	}

	cb.failures++
	cb.lastFailure = time.Now()

	if cb.failures >= cb.maxFailures {
		cb.state = circuitOpen
	}
}

// State returns the current circuit breaker state as a string.
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Failures returns the current failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
