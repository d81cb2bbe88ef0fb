// Package delivery runs the background sweep that hands sent letters to
// their recipients once their delivery time has passed.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.io/infrasutra/slowpost/internal/letter"
	"github.io/infrasutra/slowpost/internal/metrics"
	"github.io/infrasutra/slowpost/internal/notify"
)

// DefaultInterval is the time between sweeps when no cron schedule is set.
const DefaultInterval = time.Minute

// Finder returns sent letters whose delivery time is at or before now.
type Finder interface {
	FindSentPastDeadline(ctx context.Context, now time.Time) ([]letter.Letter, error)
}

// Deliverer performs the sent to delivered transition for one letter.
type Deliverer interface {
	Deliver(ctx context.Context, id string) (letter.Letter, bool, error)
}

// Counter reports stored letters per status for the status gauge.
type Counter interface {
	CountByStatus(ctx context.Context) (map[letter.Status]int, error)
}

type Config struct {
	// Interval between sweeps. Ignored when Cron is set.
	Interval time.Duration
	// Cron is an optional five-field cron expression evaluated in UTC.
	Cron string
}

// Report summarizes a single sweep.
type Report struct {
	Due       int
	Delivered int
	// Skipped letters were delivered by a concurrent caller or were not
	// yet due when their turn came.
	Skipped int
	Failed  int
}

type Option func(*Scheduler)

func WithClock(clock letter.Clock) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

func WithCounter(c Counter) Option {
	return func(s *Scheduler) { s.counter = c }
}

// Scheduler sweeps for due letters on a fixed interval or cron schedule.
// Eligibility is recomputed from the store on every sweep, so a stopped or
// restarted scheduler catches up on its next run.
type Scheduler struct {
	finder    Finder
	deliverer Deliverer
	logger    *slog.Logger
	clock     letter.Clock
	interval  time.Duration
	cron      string
	metrics   *metrics.Metrics
	notifier  notify.Notifier
	counter   Counter

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(finder Finder, deliverer Deliverer, logger *slog.Logger, cfg Config, opts ...Option) (*Scheduler, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Cron != "" && !gronx.IsValid(cfg.Cron) {
		return nil, fmt.Errorf("invalid delivery cron expression: %s", cfg.Cron)
	}
	s := &Scheduler{
		finder:    finder,
		deliverer: deliverer,
		logger:    logger,
		clock:     letter.SystemClock,
		interval:  cfg.Interval,
		cron:      cfg.Cron,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the sweep loop. The first sweep runs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("delivery scheduler already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)

	if s.cron != "" {
		s.logger.Info("delivery scheduler started", "cron", s.cron)
	} else {
		s.logger.Info("delivery scheduler started", "interval", s.interval)
	}
	return nil
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("delivery scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		s.sweep(ctx)

		timer := time.NewTimer(s.nextWait(time.Now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Scheduler) nextWait(now time.Time) time.Duration {
	if s.cron == "" {
		return s.interval
	}
	next, err := gronx.NextTickAfter(s.cron, now.UTC(), false)
	if err != nil {
		s.logger.Error("delivery next tick", "cron", s.cron, "error", err)
		return s.interval
	}
	if wait := next.Sub(now); wait > 0 {
		return wait
	}
	return time.Second
}

func (s *Scheduler) sweep(ctx context.Context) {
	// A sweep is never cut short; Stop waits for it instead.
	if _, err := s.RunOnce(context.WithoutCancel(ctx)); err != nil {
		s.logger.Error("delivery sweep", "error", err)
	}
}

// RunOnce delivers every letter that is due now. A failure on one letter
// is logged and the sweep continues; that letter stays sent and is picked
// up again by the next sweep.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	started := time.Now()
	now := s.clock.Now()

	due, err := s.finder.FindSentPastDeadline(ctx, now)
	if err != nil {
		s.metrics.ObserveSweep(started, time.Since(started), 0, 0, err)
		return Report{}, fmt.Errorf("find due letters: %w", err)
	}

	report := Report{Due: len(due)}
	for _, candidate := range due {
		delivered, changed, err := s.deliverer.Deliver(ctx, candidate.ID)
		switch {
		case errors.Is(err, letter.ErrNotDue):
			report.Skipped++
		case err != nil:
			report.Failed++
			s.logger.Error("deliver letter", "id", candidate.ID, "error", err)
		case !changed:
			report.Skipped++
			s.logger.Debug("letter already delivered", "id", candidate.ID, "status", delivered.Status)
		default:
			report.Delivered++
			s.metrics.Transition(letter.StatusDelivered)
			s.announce(ctx, delivered)
		}
	}

	if s.counter != nil {
		counts, err := s.counter.CountByStatus(ctx)
		if err != nil {
			s.logger.Warn("count letters", "error", err)
		} else {
			s.metrics.SetLetterCounts(counts)
		}
	}

	s.metrics.ObserveSweep(started, time.Since(started), report.Delivered, report.Failed, nil)
	if report.Delivered > 0 || report.Failed > 0 {
		s.logger.Info("delivery sweep",
			"due", report.Due,
			"delivered", report.Delivered,
			"skipped", report.Skipped,
			"failed", report.Failed,
		)
	}
	return report, nil
}

func (s *Scheduler) announce(ctx context.Context, l letter.Letter) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, notify.EventDelivered, l); err != nil {
		s.logger.Warn("notify delivery", "id", l.ID, "error", err)
	}
}
