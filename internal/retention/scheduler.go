// Package retention runs periodic maintenance over the session store:
// trimming old history and flagging handoffs nobody has picked up.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/agentdeck/internal/handoff"
	"github.com/basket/agentdeck/internal/persistence"
)

// scheduleParser accepts 5-field cron expressions and descriptors such as
// "@hourly" or "@every 30m".
var scheduleParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Config holds the dependencies for the retention scheduler.
type Config struct {
	Store    *persistence.Store
	Handoffs *handoff.Queue
	Logger   *slog.Logger

	// Schedule is a cron spec. Empty disables the loop; Sweep still works.
	Schedule string
	// HistoryKeep is the number of newest messages kept per session. 0 keeps all.
	HistoryKeep int
	// StaleAfter marks queued handoffs older than this as stale. 0 disables.
	StaleAfter time.Duration
}

// Report summarizes one sweep.
type Report struct {
	SessionsScanned int
	SessionsTrimmed int
	StaleHandoffs   int
}

type Scheduler struct {
	store       *persistence.Store
	handoffs    *handoff.Queue
	logger      *slog.Logger
	schedule    cronlib.Schedule
	historyKeep int
	staleAfter  time.Duration
	now         func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ValidateSchedule reports whether spec parses.
func ValidateSchedule(spec string) error {
	_, err := scheduleParser.Parse(spec)
	return err
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(spec string, after time.Time) (time.Time, error) {
	sched, err := scheduleParser.Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("retention: store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:       cfg.Store,
		handoffs:    cfg.Handoffs,
		logger:      logger,
		historyKeep: cfg.HistoryKeep,
		staleAfter:  cfg.StaleAfter,
		now:         time.Now,
	}
	if cfg.Schedule != "" {
		sched, err := scheduleParser.Parse(cfg.Schedule)
		if err != nil {
			return nil, fmt.Errorf("retention: parse schedule %q: %w", cfg.Schedule, err)
		}
		s.schedule = sched
	}
	return s, nil
}

// Start begins the scheduler loop in a background goroutine. It is a no-op
// without a schedule.
func (s *Scheduler) Start(ctx context.Context) {
	if s.schedule == nil {
		s.logger.Info("retention scheduler disabled")
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("retention scheduler started", "next_run_at", s.schedule.Next(s.now()))
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		wait := s.schedule.Next(s.now()).Sub(s.now())
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("retention: sweep failed", "error", err)
		}
	}
}

// Sweep trims every session's stored history to the configured size and
// counts stale handoffs. Per-session failures are logged and skipped.
func (s *Scheduler) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return rep, fmt.Errorf("list sessions: %w", err)
	}
	rep.SessionsScanned = len(sessions)
	if s.historyKeep > 0 {
		for _, rec := range sessions {
			n, err := s.store.CountMessages(ctx, rec.ID)
			if err != nil {
				s.logger.Warn("retention: count messages failed", "session_id", rec.ID, "error", err)
				continue
			}
			if n <= s.historyKeep {
				continue
			}
			if err := s.store.TrimHistory(ctx, rec.ID, s.historyKeep); err != nil {
				s.logger.Warn("retention: trim history failed", "session_id", rec.ID, "error", err)
				continue
			}
			rep.SessionsTrimmed++
			s.logger.Info("retention: history trimmed", "session_id", rec.ID, "dropped", n-s.historyKeep)
		}
	}
	if s.handoffs != nil && s.staleAfter > 0 {
		stale, err := s.staleHandoffs(ctx)
		if err != nil {
			return rep, err
		}
		rep.StaleHandoffs = stale
	}
	s.logger.Info("retention: sweep done",
		"sessions", rep.SessionsScanned,
		"trimmed", rep.SessionsTrimmed,
		"stale_handoffs", rep.StaleHandoffs,
	)
	return rep, nil
}

// staleHandoffs logs targets whose oldest queued message has waited longer
// than staleAfter. Messages are left queued for their session's next load.
func (s *Scheduler) staleHandoffs(ctx context.Context) (int, error) {
	targets, err := s.handoffs.Targets(ctx)
	if err != nil {
		return 0, fmt.Errorf("handoff targets: %w", err)
	}
	cutoff := s.now().Add(-s.staleAfter)
	total := 0
	for _, target := range targets {
		msgs, err := s.handoffs.Peek(ctx, target)
		if err != nil {
			s.logger.Warn("retention: peek handoffs failed", "session_id", target, "error", err)
			continue
		}
		stale := 0
		for _, m := range msgs {
			if m.QueuedAt.Before(cutoff) {
				stale++
			}
		}
		if stale > 0 {
			total += stale
			s.logger.Warn("retention: stale handoffs waiting", "session_id", target, "count", stale, "queued", len(msgs))
		}
	}
	return total, nil
}
