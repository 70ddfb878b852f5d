package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/summarly/internal/account/domain"
	"github.com/smallbiznis/summarly/internal/clock"
	"github.com/smallbiznis/summarly/internal/config"
	"github.com/smallbiznis/summarly/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type ServiceParam struct {
	fx.In

	Log   *zap.Logger
	Repo  domain.Repository
	GenID *snowflake.Node
	Clock clock.Clock
	Cfg   config.Config
}

type Service struct {
	log   *zap.Logger
	repo  domain.Repository
	genID *snowflake.Node
	clock clock.Clock
	cfg   config.Config
}

func New(p ServiceParam) domain.Service {
	return &Service{
		log:   p.Log.Named("account.service"),
		repo:  p.Repo,
		genID: p.GenID,
		clock: p.Clock,
		cfg:   p.Cfg,
	}
}

func (s *Service) Ensure(ctx context.Context, req domain.EnsureRequest) (*domain.Account, error) {
	if !req.Identity.Valid() {
		return nil, domain.ErrInvalidIdentity
	}

	now := s.clock.Now()
	email := strings.TrimSpace(req.Email)

	account, err := s.repo.FindByIdentity(ctx, req.Identity)
	if err == nil {
		fields := map[string]any{"last_login_at": now}
		if email != "" && account.Email != email {
			fields["email"] = email
			account.Email = email
		}
		if err := s.repo.UpdateFields(ctx, req.Identity, fields); err != nil {
			return nil, err
		}
		account.LastLoginAt = now
		return account, nil
	}
	if !errors.Is(err, domain.ErrAccountNotFound) {
		return nil, err
	}

	status := domain.StatusTrial
	var trialStart *time.Time
	if s.cfg.Features.TrialPeriod {
		t := now
		trialStart = &t
	} else {
		status = domain.StatusFree
	}
	if s.isSeedAdmin(req.Identity) {
		status = domain.StatusAdmin
		trialStart = nil
	}

	account = &domain.Account{
		ID:           s.genID.Generate(),
		UserID:       req.Identity.UserID,
		TeamID:       req.Identity.TeamID,
		Email:        email,
		Status:       status,
		TrialStartAt: trialStart,
		LastLoginAt:  now,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Create(ctx, account); err != nil {
		// A concurrent first-sight event may have won the insert.
		if db.IsDuplicateKeyErr(err) {
			return s.repo.FindByIdentity(ctx, req.Identity)
		}
		return nil, err
	}

	s.log.Info("account created",
		zap.String("user_id", account.UserID),
		zap.String("team_id", account.TeamID),
		zap.String("status", string(account.Status)),
	)
	return account, nil
}

func (s *Service) Get(ctx context.Context, identity domain.Identity) (*domain.Account, error) {
	if !identity.Valid() {
		return nil, domain.ErrInvalidIdentity
	}
	return s.repo.FindByIdentity(ctx, identity)
}

// Resolve applies time-driven transitions before returning the account:
// an elapsed trial falls back to free, and a pro account whose
// subscription has lapsed is downgraded.
func (s *Service) Resolve(ctx context.Context, identity domain.Identity) (*domain.Account, error) {
	account, err := s.Get(ctx, identity)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	switch account.Status {
	case domain.StatusTrial:
		if account.TrialStartAt != nil && now.After(account.TrialStartAt.Add(s.cfg.TrialDuration)) {
			return s.apply(ctx, account, domain.TriggerTrialExpired)
		}
	case domain.StatusPro:
		if account.SubscriptionEndAt != nil && now.After(*account.SubscriptionEndAt) {
			return s.apply(ctx, account, domain.TriggerDowngrade)
		}
	}
	return account, nil
}

func (s *Service) Apply(ctx context.Context, identity domain.Identity, trigger domain.Trigger) (*domain.Account, error) {
	account, err := s.Get(ctx, identity)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, account, trigger)
}

func (s *Service) BumpTokenVersion(ctx context.Context, identity domain.Identity) (int64, error) {
	if !identity.Valid() {
		return 0, domain.ErrInvalidIdentity
	}
	version, err := s.repo.BumpTokenVersion(ctx, identity)
	if err != nil {
		return 0, err
	}
	s.log.Info("token version bumped",
		zap.String("user_id", identity.UserID),
		zap.String("team_id", identity.TeamID),
		zap.Int64("version", version),
	)
	return version, nil
}

func (s *Service) apply(ctx context.Context, account *domain.Account, trigger domain.Trigger) (*domain.Account, error) {
	next := domain.Next(account.Status, trigger)
	if next == account.Status {
		return account, nil
	}

	if err := s.repo.UpdateFields(ctx, account.Identity(), map[string]any{
		"status":     next,
		"updated_at": s.clock.Now(),
	}); err != nil {
		return nil, err
	}

	s.log.Info("account status transition",
		zap.String("user_id", account.UserID),
		zap.String("team_id", account.TeamID),
		zap.String("from", string(account.Status)),
		zap.String("to", string(next)),
		zap.String("trigger", string(trigger)),
	)
	account.Status = next
	return account, nil
}

func (s *Service) isSeedAdmin(identity domain.Identity) bool {
	if s.cfg.AdminSeedUserID == "" {
		return false
	}
	if identity.UserID != s.cfg.AdminSeedUserID {
		return false
	}
	return s.cfg.AdminSeedTeamID == "" || identity.TeamID == s.cfg.AdminSeedTeamID
}
