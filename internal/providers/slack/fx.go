package slack

import (
	"github.com/smallbiznis/summarly/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.slack",
	fx.Provide(NewProvider),
)

// NewProvider returns the HTTP provider when a bot token is configured
// and the no-op otherwise, so local runs work without credentials.
func NewProvider(cfg config.Config, log *zap.Logger) Provider {
	if cfg.SlackBotToken == "" {
		log.Warn("slack bot token not configured, using noop provider")
		return &NoOpProvider{}
	}
	return NewHTTP(cfg.SlackBotToken, log)
}
