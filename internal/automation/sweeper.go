package automation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sweeper periodically runs automation sweeps.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	last     atomic.Pointer[Report]
}

// NewSweeper creates a sweeper that runs every interval.
func NewSweeper(engine *Engine, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		engine:   engine,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// LastReport returns the report of the most recent scheduled sweep.
func (s *Sweeper) LastReport() *Report {
	return s.last.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			select {
			case <-s.stop:
				return
			default:
			}
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop. A sweep already running finishes
// first; Stop may be called more than once.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in automation sweeper", "panic", fmt.Sprint(r))
		}
	}()
	rep, err := s.engine.Sweep(ctx, TriggerSweep)
	if err != nil {
		s.logger.Warn("automation sweep failed", "error", err)
		return
	}
	s.last.Store(rep)
}
