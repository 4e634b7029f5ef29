package forward

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/jglowsoap/jimini/internal/config"
)

// CircuitMetrics is the operator-facing view of one breaker.
type CircuitMetrics struct {
	State           string     `json:"state"`
	FailureCount    uint32     `json:"failure_count"`
	SuccessCount    uint32     `json:"success_count"`
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
}

// Breaker isolates one sink behind a gobreaker state machine: the configured
// number of consecutive failures (5 by default) opens it, the recovery
// timeout moves it to half-open, and the
// configured number of consecutive probe successes closes it again.
type Breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker

	mu          sync.Mutex
	lastFailure time.Time
}

func newBreaker(name string, cfg config.BreakerConfig) *Breaker {
	failureThreshold := cfg.FailureThreshold
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	recovery := cfg.RecoveryTimeout
	if recovery <= 0 {
		recovery = 60 * time.Second
	}
	probes := cfg.TestRequestsThreshold
	if probes <= 0 {
		probes = 3
	}

	b := &Breaker{name: name}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(probes),
		Timeout:     recovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(failureThreshold)
		},
	})
	return b
}

// Call runs fn under the breaker. ErrCircuitOpen distinguishes fast
// rejections from real delivery failures.
func (b *Breaker) Call(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	b.mu.Lock()
	b.lastFailure = time.Now().UTC()
	b.mu.Unlock()
	return err
}

// ErrCircuitOpen is returned when the breaker rejects without attempting
// delivery.
var ErrCircuitOpen = errors.New("forward: circuit open")

// State reports closed, open, or half_open.
func (b *Breaker) State() string {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Closed reports whether the breaker currently admits traffic normally.
func (b *Breaker) Closed() bool {
	return b.cb.State() == gobreaker.StateClosed
}

// Metrics snapshots the breaker for health output.
func (b *Breaker) Metrics() CircuitMetrics {
	counts := b.cb.Counts()
	m := CircuitMetrics{
		State:        b.State(),
		FailureCount: counts.TotalFailures,
		SuccessCount: counts.TotalSuccesses,
	}
	b.mu.Lock()
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		m.LastFailureTime = &t
	}
	b.mu.Unlock()
	return m
}

// BreakerManager hands out one breaker per sink name; its mutex only guards
// map lookup and creation, never a delivery.
type BreakerManager struct {
	cfg config.BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerManager shares one breaker configuration across all sinks.
func NewBreakerManager(cfg config.BreakerConfig) *BreakerManager {
	return &BreakerManager{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the existing breaker for name or creates one.
func (m *BreakerManager) Get(name string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	b := newBreaker(name, m.cfg)
	m.breakers[name] = b
	return b
}

// States snapshots every known breaker for health output.
func (m *BreakerManager) States() map[string]CircuitMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]CircuitMetrics, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.Metrics()
	}
	return out
}
