package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/workdesk/internal/config"
	"github.com/zulandar/workdesk/internal/logger"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration parses a 5-field cron expression and returns the duration
// until the next fire time after now. Returns 0 on parse error.
func nextCronDuration(expr string, now time.Time) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	d := sched.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// GarbageCollector reclaims space in the attachment store.
type GarbageCollector interface {
	CollectGarbage() error
}

// Scheduler runs Sweep, then attachment garbage collection, on a cron
// schedule.
type Scheduler struct {
	manager  *Manager
	schedule string
	after    time.Duration
	gc       GarbageCollector
	log      logrus.FieldLogger
}

// NewScheduler validates cfg.Schedule. An empty schedule yields a
// Scheduler whose Run returns immediately. gc may be nil.
func NewScheduler(m *Manager, cfg config.ArchiveConfig, gc GarbageCollector, log logrus.FieldLogger) (*Scheduler, error) {
	if cfg.Schedule != "" {
		if _, err := cronParser.Parse(cfg.Schedule); err != nil {
			return nil, fmt.Errorf("archive: schedule %q: %w", cfg.Schedule, err)
		}
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Scheduler{
		manager:  m,
		schedule: cfg.Schedule,
		after:    time.Duration(cfg.AfterDays) * 24 * time.Hour,
		gc:       gc,
		log:      logger.WithComponent(log, "archive-scheduler"),
	}, nil
}

// Enabled reports whether a schedule is configured.
func (s *Scheduler) Enabled() bool {
	return s.schedule != ""
}

// Run blocks until ctx is done, firing on every schedule tick.
func (s *Scheduler) Run(ctx context.Context) {
	if !s.Enabled() {
		return
	}
	d := nextCronDuration(s.schedule, time.Now())
	if d <= 0 {
		return
	}
	s.log.WithField("schedule", s.schedule).Info("archive sweep scheduled")
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.Fire(ctx)
			if d := nextCronDuration(s.schedule, time.Now()); d > 0 {
				timer.Reset(d)
			}
		}
	}
}

// Fire runs one sweep and one garbage collection pass.
func (s *Scheduler) Fire(ctx context.Context) {
	if _, err := s.manager.Sweep(ctx, s.after); err != nil {
		s.log.WithError(err).Error("archive sweep failed")
	}
	if s.gc == nil {
		return
	}
	if err := s.gc.CollectGarbage(); err != nil {
		s.log.WithError(err).Warn("attachment garbage collection failed")
	}
}
