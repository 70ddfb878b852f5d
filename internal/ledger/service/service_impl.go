package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/summarly/internal/account/domain"
	"github.com/smallbiznis/summarly/internal/clock"
	"github.com/smallbiznis/summarly/internal/config"
	ledgerdomain "github.com/smallbiznis/summarly/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/summarly/internal/observability/metrics"
	"github.com/smallbiznis/summarly/internal/ratelimit"
	"github.com/smallbiznis/summarly/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var monthPattern = regexp.MustCompile(`^\d{4}-\d{2}$`)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	AccountSvc accountdomain.Service
	Tiers      *config.TierConfigHolder
	Clock      clock.Clock
	Cfg        config.Config
	Keyed      *ratelimit.KeyedMutex
	Locker     *ratelimit.Locker   `optional:"true"`
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	accountSvc accountdomain.Service
	tiers      *config.TierConfigHolder
	clock      clock.Clock
	cfg        config.Config
	keyed      *ratelimit.KeyedMutex
	locker     *ratelimit.Locker
	metrics    *obsmetrics.Metrics
}

func New(p ServiceParam) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		accountSvc: p.AccountSvc,
		tiers:      p.Tiers,
		clock:      p.Clock,
		cfg:        p.Cfg,
		keyed:      p.Keyed,
		locker:     p.Locker,
		metrics:    p.Metrics,
	}
}

func (s *Service) TryConsume(ctx context.Context, identity accountdomain.Identity, month string) (*ledgerdomain.Consumption, error) {
	if !identity.Valid() {
		return nil, ledgerdomain.ErrInvalidIdentity
	}
	if !monthPattern.MatchString(month) {
		return nil, ledgerdomain.ErrInvalidMonth
	}

	limit, err := s.effectiveLimit(ctx, identity)
	if err != nil {
		return nil, err
	}

	unlock, err := s.lockIdentity(ctx, identity, month)
	if err != nil {
		return nil, err
	}
	defer unlock()

	period, err := s.findOrCreatePeriod(ctx, identity, month, limit)
	if err != nil {
		return nil, err
	}
	if period.Count < 0 {
		s.log.Error("usage count negative",
			zap.String("user_id", identity.UserID),
			zap.String("team_id", identity.TeamID),
			zap.String("month", month),
			zap.Int64("count", period.Count),
		)
		return nil, ledgerdomain.ErrLedgerCorrupt
	}

	if limit == config.Unlimited {
		if err := s.increment(ctx, period.ID); err != nil {
			return nil, err
		}
		s.metrics.IncConsumeAllowed()
		return &ledgerdomain.Consumption{Remaining: config.Unlimited}, nil
	}

	// Conditional increment closes the race against another instance
	// sharing the store: no lost updates, no admission past the limit.
	granted, err := s.incrementBelow(ctx, period.ID, limit)
	if err != nil {
		return nil, err
	}
	if !granted {
		s.metrics.IncConsumeDenied()
		return nil, ledgerdomain.ErrQuotaExceeded
	}

	current, err := s.findPeriodByID(ctx, period.ID)
	if err != nil {
		return nil, err
	}
	s.metrics.IncConsumeAllowed()
	return &ledgerdomain.Consumption{Remaining: limit - current.Count}, nil
}

func (s *Service) Compensate(ctx context.Context, identity accountdomain.Identity, month string) error {
	if !identity.Valid() {
		return ledgerdomain.ErrInvalidIdentity
	}
	if !monthPattern.MatchString(month) {
		return ledgerdomain.ErrInvalidMonth
	}

	unlock, err := s.lockIdentity(ctx, identity, month)
	if err != nil {
		return err
	}
	defer unlock()

	tx := s.db.WithContext(ctx).Model(&ledgerdomain.UsagePeriod{}).
		Where("user_id = ? AND team_id = ? AND month = ? AND count > 0",
			identity.UserID, identity.TeamID, month).
		Updates(map[string]any{
			"count":      gorm.Expr("count - 1"),
			"updated_at": s.clock.Now(),
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		// Compensating a unit that was never granted means the caller's
		// bookkeeping and ours disagree.
		s.log.Error("compensation without matching increment",
			zap.String("user_id", identity.UserID),
			zap.String("team_id", identity.TeamID),
			zap.String("month", month),
		)
		return ledgerdomain.ErrLedgerCorrupt
	}
	s.metrics.IncCompensation()
	return nil
}

func (s *Service) ResetMonthlyUsage(ctx context.Context, identity accountdomain.Identity) error {
	if !identity.Valid() {
		return ledgerdomain.ErrInvalidIdentity
	}

	month := ledgerdomain.MonthKey(s.clock.Now())
	unlock, err := s.lockIdentity(ctx, identity, month)
	if err != nil {
		return err
	}
	defer unlock()

	tx := s.db.WithContext(ctx).Model(&ledgerdomain.UsagePeriod{}).
		Where("user_id = ? AND team_id = ? AND month = ?",
			identity.UserID, identity.TeamID, month).
		Updates(map[string]any{
			"count":      0,
			"updated_at": s.clock.Now(),
		})
	if tx.Error != nil {
		return tx.Error
	}

	s.log.Info("monthly usage reset",
		zap.String("user_id", identity.UserID),
		zap.String("team_id", identity.TeamID),
		zap.String("month", month),
	)
	return nil
}

func (s *Service) Peek(ctx context.Context, identity accountdomain.Identity, month string) (*ledgerdomain.Usage, error) {
	if !identity.Valid() {
		return nil, ledgerdomain.ErrInvalidIdentity
	}
	if !monthPattern.MatchString(month) {
		return nil, ledgerdomain.ErrInvalidMonth
	}

	limit, err := s.effectiveLimit(ctx, identity)
	if err != nil {
		return nil, err
	}

	var period ledgerdomain.UsagePeriod
	err = s.db.WithContext(ctx).
		Where("user_id = ? AND team_id = ? AND month = ?",
			identity.UserID, identity.TeamID, month).
		First(&period).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &ledgerdomain.Usage{Count: 0, Limit: limit}, nil
	}
	if err != nil {
		return nil, err
	}
	return &ledgerdomain.Usage{Count: period.Count, Limit: limit}, nil
}

// effectiveLimit resolves the identity's current tier ceiling. Limit
// resolution goes through account.Resolve so an elapsed trial or a
// lapsed subscription is reflected before the check.
func (s *Service) effectiveLimit(ctx context.Context, identity accountdomain.Identity) (int64, error) {
	if !s.cfg.Features.SubscriptionLimits {
		return config.Unlimited, nil
	}
	account, err := s.accountSvc.Resolve(ctx, identity)
	if err != nil {
		return 0, err
	}
	return s.tiers.Get().MonthlyLimit(string(account.Status)), nil
}

func (s *Service) findOrCreatePeriod(ctx context.Context, identity accountdomain.Identity, month string, limit int64) (*ledgerdomain.UsagePeriod, error) {
	now := s.clock.Now()
	period := &ledgerdomain.UsagePeriod{
		ID:            s.genID.Generate(),
		UserID:        identity.UserID,
		TeamID:        identity.TeamID,
		Month:         month,
		Count:         0,
		LimitSnapshot: limit,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "team_id"}, {Name: "month"}},
			DoNothing: true,
		}).
		Create(period).Error
	if err != nil && !db.IsDuplicateKeyErr(err) {
		return nil, err
	}

	var existing ledgerdomain.UsagePeriod
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND team_id = ? AND month = ?",
			identity.UserID, identity.TeamID, month).
		First(&existing).Error; err != nil {
		return nil, err
	}
	return &existing, nil
}

func (s *Service) findPeriodByID(ctx context.Context, id snowflake.ID) (*ledgerdomain.UsagePeriod, error) {
	var period ledgerdomain.UsagePeriod
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&period).Error; err != nil {
		return nil, err
	}
	return &period, nil
}

func (s *Service) increment(ctx context.Context, id snowflake.ID) error {
	return s.db.WithContext(ctx).Model(&ledgerdomain.UsagePeriod{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"count":      gorm.Expr("count + 1"),
			"updated_at": s.clock.Now(),
		}).Error
}

func (s *Service) incrementBelow(ctx context.Context, id snowflake.ID, limit int64) (bool, error) {
	tx := s.db.WithContext(ctx).Model(&ledgerdomain.UsagePeriod{}).
		Where("id = ? AND count < ?", id, limit).
		Updates(map[string]any{
			"count":      gorm.Expr("count + 1"),
			"updated_at": s.clock.Now(),
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// lockIdentity serializes ledger mutations for one identity-month. The
// in-process keyed mutex covers a single instance; when redis is
// configured the distributed lock extends the guarantee across
// instances.
func (s *Service) lockIdentity(ctx context.Context, identity accountdomain.Identity, month string) (func(), error) {
	key := fmt.Sprintf("ledger:%s:%s:%s", identity.TeamID, identity.UserID, month)

	release := s.keyed.Lock(key)
	if s.locker == nil {
		return release, nil
	}

	token, ok, err := s.locker.TryLock(ctx, key, s.cfg.RateLimit.LockTTL)
	if err != nil {
		release()
		return nil, err
	}
	if !ok {
		release()
		return nil, errors.New("ledger_lock_contended")
	}
	return func() {
		_ = s.locker.Release(ctx, key, token)
		release()
	}, nil
}
