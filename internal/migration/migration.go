// Package migration creates the schema on startup so the service is
// usable out of the box for local and self-hosted environments.
package migration

import (
	"context"

	accountdomain "github.com/smallbiznis/summarly/internal/account/domain"
	authdomain "github.com/smallbiznis/summarly/internal/auth/domain"
	"github.com/smallbiznis/summarly/internal/config"
	gatedomain "github.com/smallbiznis/summarly/internal/gatekeeper/domain"
	ledgerdomain "github.com/smallbiznis/summarly/internal/ledger/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(run),
)

func run(conn *gorm.DB, cfg config.Config, log *zap.Logger, accountSvc accountdomain.Service) error {
	if err := conn.AutoMigrate(
		&accountdomain.Account{},
		&ledgerdomain.UsagePeriod{},
		&gatedomain.ProcessedEvent{},
		&authdomain.Session{},
	); err != nil {
		return err
	}

	return seedAdmin(cfg, log, accountSvc)
}

// seedAdmin promotes the configured bootstrap identity so the admin
// endpoints work on a fresh install without manual database edits.
func seedAdmin(cfg config.Config, log *zap.Logger, accountSvc accountdomain.Service) error {
	if cfg.AdminSeedUserID == "" || cfg.AdminSeedTeamID == "" {
		return nil
	}

	ctx := context.Background()
	identity := accountdomain.Identity{
		UserID: cfg.AdminSeedUserID,
		TeamID: cfg.AdminSeedTeamID,
	}

	if _, err := accountSvc.Ensure(ctx, accountdomain.EnsureRequest{Identity: identity}); err != nil {
		return err
	}
	if _, err := accountSvc.Apply(ctx, identity, accountdomain.TriggerGrantAdmin); err != nil {
		return err
	}

	log.Info("seeded admin account",
		zap.String("user_id", identity.UserID),
		zap.String("team_id", identity.TeamID),
	)
	return nil
}
