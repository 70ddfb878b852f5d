package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/summarly/internal/observability/logger"
	"github.com/smallbiznis/summarly/internal/observability/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		LoadConfig,
		provideLoggerConfig,
		logger.New,
		func() *prometheus.Registry { return prometheus.NewRegistry() },
		metrics.New,
		metrics.NewHTTP,
	),
)

func provideLoggerConfig(cfg Config) logger.Config {
	return logger.Config{
		ServiceName:         cfg.ServiceName,
		Environment:         cfg.Environment,
		Version:             cfg.Version,
		Level:               cfg.LogLevel,
		Format:              cfg.LogFormat,
		IncludeCaller:       cfg.Debug(),
		IncludeStackOnError: true,
	}
}
