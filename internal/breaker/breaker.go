// Package breaker implements the per-source-IP circuit breaker spec.md
// §4.10 requires: sustained validation or auth failures from one IP trip
// the breaker, which blocks that IP for its open timeout. When that timeout
// elapses the IP is let through again on a fresh breaker whose open timeout
// is doubled, escalating 60s -> 120s -> 240s -> 5m (the cap). Grounded on the
// teacher's SFU client breaker (pkg/sfu/client.go), which wraps a single
// upstream dependency in one gobreaker.CircuitBreaker; here each source IP
// gets its own breaker instance instead of there being one shared breaker
// for a single upstream service.
package breaker

import (
	"sync"
	"time"

	"github.com/lair-chat/lair-chat/internal/metrics"
	"github.com/sony/gobreaker"
)

const (
	// tripThreshold is the number of consecutive validation/auth failures
	// from one IP that opens its breaker.
	tripThreshold = 5

	baseTimeout = 60 * time.Second
	maxTimeout  = 5 * time.Minute
)

// Registry holds one circuit breaker per source IP, created lazily.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*ipBreaker
}

type ipBreaker struct {
	mu      sync.Mutex
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

// NewRegistry returns an empty breaker registry.
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*ipBreaker)}
}

func (r *Registry) getOrCreate(ip string) *ipBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[ip]
	if ok {
		return b
	}
	b = &ipBreaker{timeout: baseTimeout}
	b.cb = r.newCircuitBreaker(ip, b)
	r.breakers[ip] = b
	return b
}

func (r *Registry) newCircuitBreaker(ip string, b *ipBreaker) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        ip,
		MaxRequests: 1,
		Timeout:     b.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= tripThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues("session_ip").Set(stateValue(to))
			if to == gobreaker.StateOpen {
				metrics.CircuitBreakerFailures.WithLabelValues("session_ip").Inc()
			}
			if to == gobreaker.StateHalfOpen {
				// The open timeout has elapsed. gobreaker fixes Timeout at
				// construction, so escalation swaps in a fresh breaker whose
				// open timeout is doubled.
				b.mu.Lock()
				b.timeout = min(b.timeout*2, maxTimeout)
				b.cb = r.newCircuitBreaker(ip, b)
				b.mu.Unlock()
			}
		},
	})
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// Guard runs fn through ip's breaker. If the breaker is open it returns
// gobreaker.ErrOpenState without calling fn. A non-nil return from fn
// counts as a failure toward tripping the breaker; a nil return counts as
// a success and resets the consecutive-failure count.
func (r *Registry) Guard(ip string, fn func() error) error {
	b := r.getOrCreate(ip)
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

// IsOpen reports whether ip's breaker currently rejects calls.
func (r *Registry) IsOpen(ip string) bool {
	b := r.getOrCreate(ip)
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()
	return cb.State() == gobreaker.StateOpen
}
