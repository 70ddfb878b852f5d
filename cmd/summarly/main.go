package main

import (
	"log"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/summarly/internal/account"
	"github.com/smallbiznis/summarly/internal/auth"
	"github.com/smallbiznis/summarly/internal/clock"
	"github.com/smallbiznis/summarly/internal/config"
	"github.com/smallbiznis/summarly/internal/gatekeeper"
	"github.com/smallbiznis/summarly/internal/ledger"
	"github.com/smallbiznis/summarly/internal/migration"
	"github.com/smallbiznis/summarly/internal/observability"
	"github.com/smallbiznis/summarly/internal/orchestrator"
	"github.com/smallbiznis/summarly/internal/providers"
	"github.com/smallbiznis/summarly/internal/ratelimit"
	"github.com/smallbiznis/summarly/internal/scheduler"
	"github.com/smallbiznis/summarly/internal/server"
	"github.com/smallbiznis/summarly/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
		ratelimit.Module,

		// Functional domains
		account.Module,
		auth.Module,
		gatekeeper.Module,
		ledger.Module,
		providers.Module,
		orchestrator.Module,
		scheduler.Module,

		migration.Module,
		server.Module,
	)
	app.Run()
}

func registerSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		log.Fatalf("snowflake node: %v", err)
	}
	return node
}
