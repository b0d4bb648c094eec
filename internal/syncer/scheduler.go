package syncer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// OnlineChecker reports the current connectivity state.
type OnlineChecker interface {
	IsOnline() bool
}

// Scheduler triggers periodic drains while online. It shares the Coordinator
// with reconnect- and wake-triggered sync, so every trigger path runs the
// same drain code. At most one full drain runs per trigger; the Coordinator's
// single-flight collapse keeps an unstable connection from being hammered.
type Scheduler struct {
	coordinator *Coordinator
	online      OnlineChecker
	interval    time.Duration
	log         *zap.Logger

	mu        sync.Mutex
	isRunning bool
	lastDrain time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler draining at the given interval.
func NewScheduler(coordinator *Coordinator, online OnlineChecker, interval time.Duration, log *zap.Logger) *Scheduler {
	return &Scheduler{
		coordinator: coordinator,
		online:      online,
		interval:    interval,
		log:         log,
		stopCh:      make(chan struct{}),
	}
}

// Start begins the periodic drain loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)

	s.log.Info("sync scheduler started", zap.Duration("interval", s.interval))
}

// Stop stops the loop gracefully.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	s.log.Info("sync scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.online.IsOnline() {
				continue
			}
			s.runDrain(ctx)
		}
	}
}

func (s *Scheduler) runDrain(ctx context.Context) {
	result, err := s.coordinator.Drain(ctx)
	if err != nil {
		s.log.Error("periodic drain failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.lastDrain = time.Now()
	s.mu.Unlock()

	if result.Delivered > 0 || result.Failed > 0 {
		s.log.Info("periodic drain finished",
			zap.Int("delivered", result.Delivered),
			zap.Int("failed", result.Failed))
	}
}

// LastDrain returns the completion time of the most recent periodic drain,
// zero if none has run.
func (s *Scheduler) LastDrain() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDrain
}
