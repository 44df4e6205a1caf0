// Package sched runs the background sweeps: bandwidth and expiry warnings
// on a shared interval, and the daily system report. Sweep failures are
// logged and retried after a backoff; they never stop the loop.
package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/miladez1/mrzadmincr/config"
	"github.com/miladez1/mrzadmincr/model"
	"github.com/miladez1/mrzadmincr/report"
	"github.com/miladez1/mrzadmincr/store"
)

// Notifier delivers alert text to a Telegram account. Implemented by the bot.
type Notifier interface {
	Send(telegramID int64, text string) error
}

type Scheduler struct {
	store    *store.Store
	gen      *report.Generator
	notifier Notifier
	cfg      config.SweepConfig
	log      *zap.Logger
	now      func() time.Time

	cron *cron.Cron

	// next run markers; pushed forward by interval on success and by the
	// backoff on failure. mu serializes ticks: cron fires each one on its
	// own goroutine, so a tick outlasting a minute would otherwise race
	// the next.
	mu         sync.Mutex
	nextWarn   time.Time
	nextReport time.Time
}

func New(st *store.Store, gen *report.Generator, notifier Notifier, cfg config.SweepConfig, log *zap.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		gen:      gen,
		notifier: notifier,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// SetClock overrides the scheduler's time source. Test hook.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Start ticks every minute; Tick decides which jobs are due. The per-tick
// dispatch keeps failure backoff independent of the cron schedule.
func (s *Scheduler) Start() {
	s.cron = cron.New()
	s.cron.AddFunc("* * * * *", s.Tick)
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// Tick runs whichever jobs are due. Exported so tests can drive the
// scheduler without waiting on the cron clock.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	if !now.Before(s.nextWarn) {
		if err := s.RunWarningSweeps(context.Background()); err != nil {
			s.log.Error("warning sweep failed, backing off",
				zap.Duration("backoff", s.cfg.Backoff), zap.Error(err))
			s.nextWarn = now.Add(s.cfg.Backoff)
		} else {
			s.nextWarn = now.Add(s.cfg.Interval)
		}
	}

	if !now.Before(s.nextReport) {
		if err := s.RunReportSweep(context.Background()); err != nil {
			s.log.Error("report sweep failed, backing off",
				zap.Duration("backoff", s.cfg.ReportBackoff), zap.Error(err))
			s.nextReport = now.Add(s.cfg.ReportBackoff)
		} else {
			s.nextReport = now.Add(s.cfg.ReportInterval)
		}
	}
}

// RunWarningSweeps executes the bandwidth sweep then the expiry sweep,
// sequentially so alert ordering stays deterministic.
func (s *Scheduler) RunWarningSweeps(ctx context.Context) error {
	if err := s.sweepBandwidth(ctx); err != nil {
		return err
	}
	return s.sweepExpiry(ctx)
}

// sweepBandwidth alerts the owning reseller for every subordinate whose
// remaining bandwidth sits in (0, floor], at most once per cooldown window.
func (s *Scheduler) sweepBandwidth(ctx context.Context) error {
	now := s.now()
	candidates, err := s.store.BandwidthWarningCandidates(s.cfg.BandwidthWarnFloor)
	if err != nil {
		return err
	}

	for _, sub := range candidates {
		last, err := s.store.LastNotification(sub.ID, model.SubjectSubordinate, model.NotifyBandwidthWarning)
		if err != nil {
			return err
		}
		if last != nil && now.Sub(*last) < s.cfg.BandwidthCooldown {
			continue
		}

		owner, err := s.store.PrincipalByID(sub.PrincipalID)
		if err != nil {
			return err
		}

		remaining := sub.Budget().RemainingBytes()
		text := fmt.Sprintf("⚠️ Bandwidth warning\n\nUser: %s\nRemaining: %.2f GB",
			sub.Username, model.ToGB(remaining))
		if err := s.notifier.Send(owner.TelegramID, text); err != nil {
			// Delivery failure for one reseller must not starve the rest;
			// the record is skipped so the alert retries next sweep.
			s.log.Warn("bandwidth alert delivery failed",
				zap.Int64("telegram_id", owner.TelegramID), zap.Error(err))
			continue
		}
		if err := s.store.RecordNotification(sub.ID, model.SubjectSubordinate, model.NotifyBandwidthWarning, now); err != nil {
			return err
		}
	}
	return nil
}

// sweepExpiry alerts for subordinates expiring within the window but not
// yet expired, at most once per cooldown window.
func (s *Scheduler) sweepExpiry(ctx context.Context) error {
	now := s.now()
	candidates, err := s.store.ExpiryWarningCandidates(now, s.cfg.ExpiryWindow)
	if err != nil {
		return err
	}

	for _, sub := range candidates {
		last, err := s.store.LastNotification(sub.ID, model.SubjectSubordinate, model.NotifyExpiryWarning)
		if err != nil {
			return err
		}
		if last != nil && now.Sub(*last) < s.cfg.ExpiryCooldown {
			continue
		}

		owner, err := s.store.PrincipalByID(sub.PrincipalID)
		if err != nil {
			return err
		}

		daysLeft := int(sub.ExpiresAt.Sub(now).Hours() / 24)
		text := fmt.Sprintf("⚠️ Expiry warning\n\nUser: %s\nDays left: %d\nExpires: %s",
			sub.Username, daysLeft, sub.ExpiresAt.Format("2006-01-02"))
		if err := s.notifier.Send(owner.TelegramID, text); err != nil {
			s.log.Warn("expiry alert delivery failed",
				zap.Int64("telegram_id", owner.TelegramID), zap.Error(err))
			continue
		}
		if err := s.store.RecordNotification(sub.ID, model.SubjectSubordinate, model.NotifyExpiryWarning, now); err != nil {
			return err
		}
	}
	return nil
}

// RunReportSweep generates the system report and delivers it to every
// superadmin.
func (s *Scheduler) RunReportSweep(ctx context.Context) error {
	text, err := s.gen.SystemReport(ctx)
	if err != nil {
		return err
	}
	admins, err := s.store.Superadmins()
	if err != nil {
		return err
	}
	for _, admin := range admins {
		if err := s.notifier.Send(admin.TelegramID, "🔔 Scheduled system report\n\n"+text); err != nil {
			s.log.Warn("report delivery failed",
				zap.Int64("telegram_id", admin.TelegramID), zap.Error(err))
		}
	}
	return nil
}
