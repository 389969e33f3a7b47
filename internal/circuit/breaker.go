package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"    // Normal operation
	StateOpen     State = "open"      // Calls rejected
	StateHalfOpen State = "half_open" // Testing recovery
)

// ErrOpen is returned by Execute when the breaker rejects a call.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker configuration
type Config struct {
	Enabled          bool          `json:"enabled"`
	FailureThreshold int           `json:"failure_threshold"` // Consecutive failures before opening
	Cooldown         time.Duration `json:"cooldown"`          // Open duration before half-open probe
	HalfOpenProbes   int           `json:"half_open_probes"`  // Successes needed to close from half-open
}

// DefaultConfig returns safe defaults
func DefaultConfig() *Config {
	return &Config{
		Enabled:          true,
		FailureThreshold: 5,                // 5 consecutive failures
		Cooldown:         60 * time.Second, // 1 minute cooldown
		HalfOpenProbes:   1,                // 1 probe success closes
	}
}

// TransitionFunc is called on every state change. Invoked on its own
// goroutine so handlers can publish, log, or coordinate without holding
// the breaker lock.
type TransitionFunc func(name string, from, to State, reason string)

// Breaker guards a single named resource. Consecutive failures trip it
// open; after the cooldown it admits probe calls in half-open state and
// closes again once enough probes succeed.
type Breaker struct {
	name          string
	config        *Config
	state         State
	failureCount  int
	probeSuccesses int
	lastError     string
	lastFailureAt time.Time
	trippedAt     time.Time
	mu            sync.RWMutex
	onTransition  TransitionFunc
}

// Snapshot is a point-in-time view of a breaker
type Snapshot struct {
	Name          string    `json:"name"`
	State         State     `json:"state"`
	FailureCount  int       `json:"failure_count"`
	LastError     string    `json:"last_error,omitempty"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
	TrippedAt     time.Time `json:"tripped_at,omitempty"`
}

// NewBreaker creates a breaker for the named resource
func NewBreaker(name string, config *Config) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}

	return &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
	}
}

// OnTransition sets the state change callback
func (b *Breaker) OnTransition(handler TransitionFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = handler
}

// Allow checks whether a call may proceed. An open breaker whose
// cooldown has elapsed moves to half-open and admits the call as a probe.
func (b *Breaker) Allow() (bool, string) {
	if !b.config.Enabled {
		return true, ""
	}

	b.mu.Lock()

	if b.state == StateOpen {
		elapsed := time.Since(b.trippedAt)
		if elapsed < b.config.Cooldown {
			remaining := b.config.Cooldown - elapsed
			reason := fmt.Sprintf("circuit breaker open, cooldown remaining: %v (last error: %s)",
				remaining.Round(time.Second), b.lastError)
			b.mu.Unlock()
			return false, reason
		}

		// Cooldown passed, probe recovery
		b.setState(StateHalfOpen, "cooldown_elapsed")
	}

	b.mu.Unlock()
	return true, ""
}

// Execute runs fn under the breaker. Rejected calls return ErrOpen
// without invoking fn; fn errors are recorded and returned as-is.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	allowed, reason := b.Allow()
	if !allowed {
		return fmt.Errorf("%w: %s", ErrOpen, reason)
	}

	if err := fn(ctx); err != nil {
		b.RecordFailure(err)
		return err
	}

	b.RecordSuccess()
	return nil
}

// RecordSuccess records a successful call
func (b *Breaker) RecordSuccess() {
	if !b.config.Enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.probeSuccesses++
		if b.probeSuccesses >= b.config.HalfOpenProbes {
			b.failureCount = 0
			b.lastError = ""
			b.setState(StateClosed, "probe_succeeded")
		}
	}
}

// RecordFailure records a failed call and trips the breaker when the
// consecutive-failure threshold is reached. A half-open failure re-opens
// immediately and restarts the cooldown.
func (b *Breaker) RecordFailure(err error) {
	if !b.config.Enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureAt = time.Now()
	if err != nil {
		b.lastError = err.Error()
	}

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.trippedAt = time.Now()
			b.setState(StateOpen, fmt.Sprintf("failure threshold reached: %d", b.failureCount))
		}
	case StateHalfOpen:
		b.probeSuccesses = 0
		b.trippedAt = time.Now()
		b.setState(StateOpen, "probe_failed")
	}
}

// Apply force-sets the breaker state, typically from a cluster decision.
// Counters are reset to match the applied state.
func (b *Breaker) Apply(state State, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == state {
		return
	}

	switch state {
	case StateClosed:
		b.failureCount = 0
		b.probeSuccesses = 0
		b.lastError = ""
	case StateOpen:
		b.trippedAt = time.Now()
	case StateHalfOpen:
		b.probeSuccesses = 0
	}

	b.setState(state, reason)
}

// ForceReset manually closes the breaker
func (b *Breaker) ForceReset() {
	b.Apply(StateClosed, "manual_reset")
}

// setState transitions and fires the callback. Caller must hold the lock.
func (b *Breaker) setState(to State, reason string) {
	from := b.state
	b.state = to

	if b.onTransition != nil {
		go b.onTransition(b.name, from, to, reason)
	}
}

// Name returns the guarded resource name
func (b *Breaker) Name() string {
	return b.name
}

// GetState returns current breaker state
func (b *Breaker) GetState() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// FailureCount returns the current consecutive failure count
func (b *Breaker) FailureCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.failureCount
}

// GetSnapshot returns a point-in-time view of the breaker
func (b *Breaker) GetSnapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Snapshot{
		Name:          b.name,
		State:         b.state,
		FailureCount:  b.failureCount,
		LastError:     b.lastError,
		LastFailureAt: b.lastFailureAt,
		TrippedAt:     b.trippedAt,
	}
}

// GetStats returns current statistics
func (b *Breaker) GetStats() map[string]interface{} {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return map[string]interface{}{
		"name":            b.name,
		"state":           string(b.state),
		"failure_count":   b.failureCount,
		"probe_successes": b.probeSuccesses,
		"last_error":      b.lastError,
		"tripped_at":      b.trippedAt,
	}
}

// IsEnabled returns if the circuit breaker is enabled
func (b *Breaker) IsEnabled() bool {
	return b.config.Enabled
}
