// Package settlement moves money outside the engine.
//
// The engine treats a Settler as a black box: a call either returns an
// external reference or fails. Every call carries a deterministic
// idempotency key so a retried transition never moves funds twice.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mbd888/smartescrow/internal/circuitbreaker"
	"github.com/mbd888/smartescrow/internal/ledger"
	"github.com/mbd888/smartescrow/internal/metrics"
)

// ErrRejected marks a settlement the provider refused outright. Rejections
// do not count against the circuit breaker.
var ErrRejected = errors.New("settlement rejected")

// Request describes one value movement.
type Request struct {
	IdempotencyKey   string
	EscrowID         string
	MilestoneID      string
	Type             ledger.TransactionType
	Amount           string
	Currency         string
	Recipient        string
	FundingReference string // external payment the escrow was funded with
}

// Result is a successful settlement.
type Result struct {
	Reference string
}

// Settler executes value movements.
type Settler interface {
	Settle(ctx context.Context, req Request) (Result, error)
	Name() string
}

// Guarded wraps a Settler with a circuit breaker and latency metrics.
type Guarded struct {
	inner   Settler
	breaker *circuitbreaker.Breaker
}

// Guard wraps s. The breaker is keyed by transaction type so a failing
// refund path does not stop releases.
func Guard(s Settler, threshold int, openFor time.Duration) *Guarded {
	return &Guarded{inner: s, breaker: circuitbreaker.New("settlement_"+s.Name(), threshold, openFor)}
}

func (g *Guarded) Name() string { return g.inner.Name() }

// OpenCircuits lists the transaction types currently refused by the breaker.
func (g *Guarded) OpenCircuits() map[string]string { return g.breaker.Tripped() }

func (g *Guarded) Settle(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	var res Result
	err := g.breaker.Do(string(req.Type), countable, func() error {
		var err error
		res, err = g.inner.Settle(ctx, req)
		return err
	})
	outcome := "success"
	switch {
	case errors.Is(err, circuitbreaker.ErrOpen):
		outcome = "circuit_open"
	case err != nil:
		outcome = "failure"
	}
	metrics.SettlementDuration.WithLabelValues(g.inner.Name(), outcome).Observe(time.Since(start).Seconds())
	return res, err
}

func countable(err error) bool {
	return !errors.Is(err, ErrRejected) && !errors.Is(err, context.Canceled)
}

// Simulated settles in memory. It dedupes by idempotency key the way a real
// provider does, and failures can be injected for tests.
type Simulated struct {
	mu    sync.Mutex
	refs  map[string]string
	calls []Request
	fail  func(Request) error
}

// NewSimulated creates an in-memory settler.
func NewSimulated() *Simulated {
	return &Simulated{refs: make(map[string]string)}
}

func (s *Simulated) Name() string { return "simulated" }

// FailWith makes every request for which fn returns an error fail with it.
// Pass nil to clear.
func (s *Simulated) FailWith(fn func(Request) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fn
}

func (s *Simulated) Settle(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if ref, ok := s.refs[req.IdempotencyKey]; ok {
		return Result{Reference: ref}, nil
	}
	if s.fail != nil {
		if err := s.fail(req); err != nil {
			return Result{}, err
		}
	}
	ref := fmt.Sprintf("sim_%s_%d", req.Type, len(s.refs)+1)
	s.refs[req.IdempotencyKey] = ref
	return Result{Reference: ref}, nil
}

// Calls returns every request received, including retries.
func (s *Simulated) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.calls...)
}

// Settled returns the number of distinct successful settlements.
func (s *Simulated) Settled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refs)
}
