// Package circuitbreaker stops calling a failing dependency for a while.
// Circuits are tracked per key, so one bad webhook endpoint or settlement
// path does not block the others.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrOpen is returned by Do when the circuit for a key is open.
var ErrOpen = errors.New("circuitbreaker: circuit open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen // one trial request in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "smartescrow",
		Subsystem: "circuitbreaker",
		Name:      "state_transitions_total",
		Help:      "Circuit state transitions by breaker, from-state and to-state.",
	}, []string{"breaker", "from_state", "to_state"})

	openCircuits = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "smartescrow",
		Subsystem: "circuitbreaker",
		Name:      "open_circuits",
		Help:      "Keys currently open or half-open, by breaker.",
	}, []string{"breaker"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, openCircuits)
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
}

// Breaker opens a key after threshold consecutive countable failures and
// keeps it open for cooldown. A key with no recent failures holds no state.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

// New creates a breaker; name labels its metrics.
func New(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		circuits:  make(map[string]*circuit),
	}
}

// Do runs fn when key's circuit admits a call and records the outcome.
// Errors for which countable returns false, such as a provider rejecting a
// malformed request, count as a healthy round trip.
func (b *Breaker) Do(key string, countable func(error) bool, fn func() error) error {
	if !b.Allow(key) {
		return fmt.Errorf("%w: %s/%s", ErrOpen, b.name, key)
	}
	err := fn()
	if err != nil && (countable == nil || countable(err)) {
		b.RecordFailure(key)
	} else {
		b.RecordSuccess(key)
	}
	return err
}

// Allow reports whether a call for key may go ahead. Once the cooldown has
// passed an open key admits exactly one trial request.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		return true
	}
	switch c.state {
	case StateOpen:
		if b.now().Sub(c.openedAt) < b.cooldown {
			return false
		}
		b.move(c, StateHalfOpen)
		return true
	case StateHalfOpen:
		return false
	}
	return true
}

// RecordSuccess forgets key's failures and closes it.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c := b.circuits[key]; c != nil {
		b.move(c, StateClosed)
		delete(b.circuits, key)
	}
}

// RecordFailure counts a failure against key. A failed trial reopens the
// circuit at once.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuits[key]
	if c == nil {
		c = &circuit{}
		b.circuits[key] = c
	}
	c.failures++
	if c.state == StateHalfOpen || (c.state == StateClosed && c.failures >= b.threshold) {
		c.openedAt = b.now()
		b.move(c, StateOpen)
	}
}

// State returns key's state; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c := b.circuits[key]; c != nil {
		return c.state
	}
	return StateClosed
}

// Tripped lists the keys that are currently open or half-open.
func (b *Breaker) Tripped() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]string)
	for k, c := range b.circuits {
		if c.state != StateClosed {
			out[k] = c.state.String()
		}
	}
	return out
}

// b.mu must be held.
func (b *Breaker) move(c *circuit, to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	transitionsTotal.WithLabelValues(b.name, from.String(), to.String()).Inc()
	switch {
	case from == StateClosed:
		openCircuits.WithLabelValues(b.name).Inc()
	case to == StateClosed:
		openCircuits.WithLabelValues(b.name).Dec()
	}
}
