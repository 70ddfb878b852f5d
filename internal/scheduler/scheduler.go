// Package scheduler runs the periodic maintenance jobs: dedup record
// GC, trial and subscription sweeps, and expired session cleanup.
package scheduler

import (
	"context"
	"errors"
	"time"

	accountdomain "github.com/smallbiznis/summarly/internal/account/domain"
	authdomain "github.com/smallbiznis/summarly/internal/auth/domain"
	"github.com/smallbiznis/summarly/internal/clock"
	"github.com/smallbiznis/summarly/internal/config"
	gatedomain "github.com/smallbiznis/summarly/internal/gatekeeper/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const jobTimeout = 30 * time.Second

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Gate       gatedomain.Service
	AccountSvc accountdomain.Service
	Clock      clock.Clock
	Cfg        config.Config
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	gate       gatedomain.Service
	accountSvc accountdomain.Service
	clock      clock.Clock
	cfg        config.Config
}

func New(p Params) *Scheduler {
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler"),
		gate:       p.Gate,
		accountSvc: p.AccountSvc,
		clock:      p.Clock,
		cfg:        p.Cfg,
	}
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) error
	}{
		{"purge_dedup", s.PurgeDedupJob},
		{"trial_sweep", s.TrialSweepJob},
		{"subscription_sweep", s.SubscriptionSweepJob},
		{"purge_sessions", s.PurgeSessionsJob},
	}

	for _, job := range jobs {
		err = errors.Join(err, s.runJob(parent, job.Name, job.Run))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	interval := s.cfg.JanitorInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("janitor run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, jobTimeout)
	defer cancel()

	start := s.clock.Now()
	err := fn(ctx)
	if err != nil {
		s.log.Warn("job failed",
			zap.String("job", name),
			zap.Duration("elapsed", s.clock.Now().Sub(start)),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// PurgeDedupJob removes dedup records past the retention window. Their
// keys become admittable again, which is safe: the platform stops
// retrying long before retention expires.
func (s *Scheduler) PurgeDedupJob(ctx context.Context) error {
	cutoff := s.clock.Now().Add(-s.cfg.DedupRetention)
	_, err := s.gate.PurgeOlderThan(ctx, cutoff)
	return err
}

// TrialSweepJob downgrades trials whose window has elapsed, so the
// status flips even for accounts nobody has looked at recently.
func (s *Scheduler) TrialSweepJob(ctx context.Context) error {
	if !s.cfg.Features.TrialPeriod {
		return nil
	}
	cutoff := s.clock.Now().Add(-s.cfg.TrialDuration)

	var accounts []accountdomain.Account
	if err := s.db.WithContext(ctx).
		Where("status = ? AND trial_start_at IS NOT NULL AND trial_start_at < ?",
			accountdomain.StatusTrial, cutoff).
		Limit(500).
		Find(&accounts).Error; err != nil {
		return err
	}

	var jobErr error
	for _, account := range accounts {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if _, err := s.accountSvc.Apply(ctx, account.Identity(), accountdomain.TriggerTrialExpired); err != nil {
			jobErr = errors.Join(jobErr, err)
		}
	}
	if len(accounts) > 0 {
		s.log.Info("trial sweep finished", zap.Int("processed", len(accounts)))
	}
	return jobErr
}

// SubscriptionSweepJob downgrades pro accounts whose paid period ended.
func (s *Scheduler) SubscriptionSweepJob(ctx context.Context) error {
	if !s.cfg.Features.SubscriptionSystem {
		return nil
	}
	now := s.clock.Now()

	var accounts []accountdomain.Account
	if err := s.db.WithContext(ctx).
		Where("status = ? AND subscription_end_at IS NOT NULL AND subscription_end_at < ?",
			accountdomain.StatusPro, now).
		Limit(500).
		Find(&accounts).Error; err != nil {
		return err
	}

	var jobErr error
	for _, account := range accounts {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if _, err := s.accountSvc.Apply(ctx, account.Identity(), accountdomain.TriggerDowngrade); err != nil {
			jobErr = errors.Join(jobErr, err)
		}
	}
	if len(accounts) > 0 {
		s.log.Info("subscription sweep finished", zap.Int("processed", len(accounts)))
	}
	return jobErr
}

// PurgeSessionsJob deletes sessions that can never verify again.
func (s *Scheduler) PurgeSessionsJob(ctx context.Context) error {
	tx := s.db.WithContext(ctx).
		Where("expires_at < ?", s.clock.Now()).
		Delete(&authdomain.Session{})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected > 0 {
		s.log.Info("purged expired sessions", zap.Int64("removed", tx.RowsAffected))
	}
	return nil
}
