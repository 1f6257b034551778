package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/scriptd/internal/events"
	"github.com/mattjoyce/scriptd/internal/metrics"
)

// State is the auto-update cycle state. At most one cycle is in flight.
type State int

const (
	Idle State = iota
	Checking
)

func (s State) String() string {
	if s == Checking {
		return "checking"
	}
	return "idle"
}

// Skip reasons reported when a trigger does not start a cycle.
const (
	reasonDisabled = "disabled"
	reasonTooSoon  = "too_soon"
	reasonBusy     = "busy"
)

// Config sets the wake cadence.
type Config struct {
	// InitialDelay is the first wake after Start.
	InitialDelay time.Duration
	// Interval is the periodic wake and the reschedule after each cycle.
	Interval time.Duration
	// MinElapsed is the minimum time since lastUpdate before a cycle may run.
	MinElapsed time.Duration
}

// Scheduler triggers bulk update checks. It is a self-rescheduling loop
// rather than a fixed-rate timer, so cycles never overlap.
type Scheduler struct {
	cfg     Config
	opts    Options
	checker UpdateChecker
	events  *events.Hub
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	state   State
	wake    *time.Timer
	ctx     context.Context
	stopped bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	cycles   sync.WaitGroup
}

// New creates a Scheduler. Nothing runs until Start or Trigger.
func New(cfg Config, opts Options, checker UpdateChecker, hub *events.Hub, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg,
		opts:    opts,
		checker: checker,
		events:  hub,
		metrics: m,
		logger:  logger.With("component", "scheduler"),
		now:     time.Now,
		ctx:     context.Background(),
		stopCh:  make(chan struct{}),
	}
}

// State returns the current cycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Trigger runs the check-now path. It starts a cycle and returns true only
// when auto-update is enabled, MinElapsed has passed since lastUpdate and no
// cycle is in flight. Otherwise it is a no-op.
func (s *Scheduler) Trigger() bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	if s.state == Checking {
		s.mu.Unlock()
		s.skip(reasonBusy)
		return false
	}
	if reason := s.gate(); reason != "" {
		s.mu.Unlock()
		s.skip(reason)
		return false
	}
	s.state = Checking
	ctx := s.ctx
	s.cycles.Add(1)
	s.mu.Unlock()

	s.logger.Info("auto-update cycle started")
	s.events.Publish(events.TypeAutoUpdateStarted, nil)
	go s.run(ctx)
	return true
}

// gate returns why a cycle may not start now, or "" if it may. Caller holds mu.
func (s *Scheduler) gate() string {
	if !s.opts.AutoUpdateEnabled() {
		return reasonDisabled
	}
	if s.now().Sub(s.opts.LastUpdate()) < s.cfg.MinElapsed {
		return reasonTooSoon
	}
	return ""
}

func (s *Scheduler) skip(reason string) {
	s.logger.Debug("auto-update trigger skipped", "reason", reason)
	s.metrics.AutoUpdate("skipped_" + reason)
	s.events.Publish(events.TypeAutoUpdateSkipped, map[string]string{"reason": reason})
}

// run performs one cycle, then reschedules itself and returns to Idle.
func (s *Scheduler) run(ctx context.Context) {
	defer s.cycles.Done()

	started := s.now()
	err := s.checker.CheckAll(ctx)
	result := "completed"
	if err != nil {
		result = "failed"
		s.logger.Warn("auto-update cycle finished with failures", "error", err)
	}

	s.mu.Lock()
	s.armLocked(s.cfg.Interval)
	s.state = Idle
	s.mu.Unlock()

	s.metrics.AutoUpdate(result)
	s.logger.Info("auto-update cycle finished", "result", result, "duration_ms", s.now().Sub(started).Milliseconds())
	s.events.Publish(events.TypeAutoUpdateFinished, map[string]string{"result": result})
}

// armLocked replaces the pending wake. Caller holds mu.
func (s *Scheduler) armLocked(d time.Duration) {
	if s.stopped || d <= 0 {
		return
	}
	if s.wake != nil {
		s.wake.Stop()
	}
	s.wake = time.AfterFunc(d, func() { s.Trigger() })
}

// Start arms the first wake after InitialDelay and a periodic wake every
// Interval. Cycles started afterwards use ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.logger.Info("Starting scheduler", "initial_delay", s.cfg.InitialDelay, "interval", s.cfg.Interval)
	s.wg.Add(1)
	go s.wakeLoop(ctx)
}

func (s *Scheduler) wakeLoop(ctx context.Context) {
	defer s.wg.Done()

	first := time.NewTimer(s.cfg.InitialDelay)
	defer first.Stop()
	select {
	case <-first.C:
		s.Trigger()
	case <-s.stopCh:
		return
	case <-ctx.Done():
		return
	}

	if s.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Trigger()
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels pending wakes and waits for an in-flight cycle to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping scheduler")
		s.mu.Lock()
		s.stopped = true
		if s.wake != nil {
			s.wake.Stop()
		}
		s.mu.Unlock()
		close(s.stopCh)
	})
	s.wg.Wait()
	s.cycles.Wait()
}
