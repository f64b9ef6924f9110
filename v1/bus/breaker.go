package bus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by publishes while the breaker is open.
var ErrCircuitOpen = errors.New("coordkit: bus circuit breaker is open")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// Breaker decorates a Bus with circuit breaker logic on the publish path.
// Subscriptions pass through: a broken publisher should not tear down
// existing consumers.
type Breaker struct {
	bus Bus

	mu        sync.Mutex
	state     breakerState
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewBreaker wraps bus, opening the circuit after threshold consecutive
// publish failures and probing again after timeout.
func NewBreaker(bus Bus, threshold int, timeout time.Duration) *Breaker {
	return &Breaker{
		bus:       bus,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy reports whether publishes are currently allowed through.
func (cb *Breaker) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

// allow handles the transition from open to half-open based on timeout.
// Only a single probe is let through while half-open.
func (cb *Breaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return false
	}
	return false
}

func (cb *Breaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case stateHalfOpen:
		cb.state = stateClosed
		cb.failures = 0
	case stateClosed:
		cb.failures = 0
	}
}

func (cb *Breaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateClosed && cb.failures >= cb.threshold {
		cb.state = stateOpen
	} else if cb.state == stateHalfOpen {
		cb.state = stateOpen
	}
}

// Publish implements Bus.Publish with circuit breaker logic.
func (cb *Breaker) Publish(ctx context.Context, subject string, data []byte) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	if err := cb.bus.Publish(ctx, subject, data); err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}

// Subscribe implements Bus.Subscribe.
func (cb *Breaker) Subscribe(ctx context.Context, subject string) (<-chan Message, error) {
	return cb.bus.Subscribe(ctx, subject)
}

// Unsubscribe implements Bus.Unsubscribe.
func (cb *Breaker) Unsubscribe(ctx context.Context, subject string, ch <-chan Message) error {
	return cb.bus.Unsubscribe(ctx, subject, ch)
}

// Close implements Bus.Close.
func (cb *Breaker) Close() error {
	return cb.bus.Close()
}
