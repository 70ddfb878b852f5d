package providers

import (
	"github.com/smallbiznis/summarly/internal/providers/extractor"
	"github.com/smallbiznis/summarly/internal/providers/slack"
	"github.com/smallbiznis/summarly/internal/providers/summarizer"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	slack.Module,
	extractor.Module,
	summarizer.Module,
)
