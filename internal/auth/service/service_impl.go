package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/summarly/internal/account/domain"
	"github.com/smallbiznis/summarly/internal/auth/domain"
	"github.com/smallbiznis/summarly/internal/auth/oauth"
	"github.com/smallbiznis/summarly/internal/clock"
	"github.com/smallbiznis/summarly/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const sessionTokenSize = 32

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	OAuth      oauth.Client
	AccountSvc accountdomain.Service
	Clock      clock.Clock
	Cfg        config.Config
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	oauth      oauth.Client
	accountSvc accountdomain.Service
	clock      clock.Clock
	cfg        config.Config
}

func New(p ServiceParam) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("auth.service"),
		genID:      p.GenID,
		oauth:      p.OAuth,
		accountSvc: p.AccountSvc,
		clock:      p.Clock,
		cfg:        p.Cfg,
	}
}

func (s *Service) ExchangeAuthCode(ctx context.Context, code string) (*domain.Login, error) {
	if code == "" {
		return nil, domain.ErrOAuthExchangeFailed
	}

	identity, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		s.log.Warn("oauth exchange failed", zap.Error(err))
		return nil, domain.ErrOAuthExchangeFailed
	}

	account, err := s.accountSvc.Ensure(ctx, accountdomain.EnsureRequest{
		Identity: accountdomain.Identity{UserID: identity.UserID, TeamID: identity.TeamID},
		Email:    identity.Email,
	})
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	return s.mint(ctx, account, now, now)
}

func (s *Service) Verify(ctx context.Context, token string) (*domain.Principal, error) {
	session, err := s.findSession(ctx, token)
	if err != nil {
		return nil, err
	}

	if !s.clock.Now().Before(session.ExpiresAt) {
		return nil, domain.ErrTokenExpired
	}

	identity := accountdomain.Identity{UserID: session.UserID, TeamID: session.TeamID}
	account, err := s.accountSvc.Resolve(ctx, identity)
	if err != nil {
		if errors.Is(err, accountdomain.ErrAccountNotFound) {
			return nil, domain.ErrTokenInvalid
		}
		return nil, err
	}
	if session.TokenVersion != account.TokenVersion {
		return nil, domain.ErrTokenSuperseded
	}

	return &domain.Principal{Identity: identity, Account: account}, nil
}

func (s *Service) Refresh(ctx context.Context, token string) (*domain.Login, error) {
	session, err := s.findSession(ctx, token)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if !now.Before(session.ExpiresAt) {
		// Expired tokens don't refresh; the user logs in again.
		return nil, domain.ErrTokenExpired
	}

	identity := accountdomain.Identity{UserID: session.UserID, TeamID: session.TeamID}
	account, err := s.accountSvc.Resolve(ctx, identity)
	if err != nil {
		if errors.Is(err, accountdomain.ErrAccountNotFound) {
			return nil, domain.ErrTokenInvalid
		}
		return nil, err
	}
	if session.TokenVersion != account.TokenVersion {
		return nil, domain.ErrTokenSuperseded
	}
	if !now.Before(session.FirstIssuedAt.Add(s.cfg.SessionMaxAge)) {
		return nil, domain.ErrTokenExpired
	}

	// The old session stays until its own expiry; the janitor and the
	// version check handle cleanup.
	return s.mint(ctx, account, now, session.FirstIssuedAt)
}

func (s *Service) InvalidateAll(ctx context.Context, identity accountdomain.Identity) error {
	if _, err := s.accountSvc.BumpTokenVersion(ctx, identity); err != nil {
		return err
	}
	// Best effort: superseded rows are already dead via the version
	// check, deleting them just keeps the table small.
	return s.db.WithContext(ctx).
		Where("user_id = ? AND team_id = ?", identity.UserID, identity.TeamID).
		Delete(&domain.Session{}).Error
}

func (s *Service) mint(ctx context.Context, account *accountdomain.Account, now, firstIssued time.Time) (*domain.Login, error) {
	raw, err := newRandomToken(sessionTokenSize)
	if err != nil {
		return nil, err
	}

	expiresAt := now.Add(s.cfg.SessionTTL)
	if hardStop := firstIssued.Add(s.cfg.SessionMaxAge); expiresAt.After(hardStop) {
		expiresAt = hardStop
	}

	session := &domain.Session{
		ID:            s.genID.Generate(),
		TokenHash:     hashToken(raw),
		UserID:        account.UserID,
		TeamID:        account.TeamID,
		TokenVersion:  account.TokenVersion,
		IssuedAt:      now,
		ExpiresAt:     expiresAt,
		FirstIssuedAt: firstIssued,
		CreatedAt:     now,
	}
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, err
	}

	return &domain.Login{
		Account:   account,
		Token:     raw,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) findSession(ctx context.Context, token string) (*domain.Session, error) {
	if token == "" {
		return nil, domain.ErrTokenInvalid
	}
	var session domain.Session
	err := s.db.WithContext(ctx).
		Where("token_hash = ?", hashToken(token)).
		First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrTokenInvalid
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func newRandomToken(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
