package summarizer

import (
	"github.com/smallbiznis/summarly/internal/config"
	"github.com/smallbiznis/summarly/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.summarizer",
	fx.Provide(NewProvider),
)

// NewProvider returns the HTTP provider when an API key is configured
// and the no-op otherwise.
func NewProvider(cfg config.Config, log *zap.Logger, m *metrics.Metrics) Provider {
	if cfg.SummarizerAPIKey == "" {
		log.Warn("summarizer api key not configured, using noop provider")
		return &NoOpProvider{}
	}
	return NewHTTP(
		cfg.SummarizerBaseURL,
		cfg.SummarizerAPIKey,
		cfg.SummarizerModel,
		cfg.SummarizerTimeout,
		DefaultRetryConfig(),
		log,
		m,
	)
}
