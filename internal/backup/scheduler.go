package backup

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultDebounce is the quiet period between a change signal and the backup
// it triggers.
const DefaultDebounce = 5 * time.Second

// Runner runs one backup attempt.
type Runner interface {
	RunBackup(ctx context.Context, forced bool) error
}

// Scheduler collapses bursts of change signals into a single delayed backup.
type Scheduler struct {
	mu     sync.Mutex
	runner Runner
	delay  time.Duration
	timer  *time.Timer
	gen    uint64
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a scheduler that calls runner after delay.
func NewScheduler(runner Runner, delay time.Duration, logger *slog.Logger) *Scheduler {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner: runner,
		delay:  delay,
		logger: logger,
		ctx:    context.Background(),
	}
}

// Start binds the context timer-driven runs use.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
}

// Stop disarms any pending timer, cancels the bound context and waits for a
// timer-driven run in flight.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.disarmLocked()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// SignalPossibleChange arms the debounce timer unless it is already armed.
func (s *Scheduler) SignalPossibleChange() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		return
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(s.delay, func() { s.fire(gen) })
}

// Pending reports whether a timer is armed.
func (s *Scheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	// A timer that was cancelled or replaced after it started firing.
	if s.gen != gen || s.timer == nil {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	ctx := s.ctx
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	if err := s.runner.RunBackup(ctx, false); err != nil {
		if errors.Is(err, ErrBusy) {
			s.logger.Debug("scheduled backup coalesced with running operation")
			return
		}
		s.logger.Error("scheduled backup failed", "error", err)
	}
}

// RunNow cancels any armed timer and runs a forced backup on the caller's
// goroutine.
func (s *Scheduler) RunNow(ctx context.Context) error {
	s.mu.Lock()
	s.disarmLocked()
	s.mu.Unlock()

	return s.runner.RunBackup(ctx, true)
}

// Cancel disarms any armed timer without running.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	s.disarmLocked()
	s.mu.Unlock()
}

func (s *Scheduler) disarmLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}
