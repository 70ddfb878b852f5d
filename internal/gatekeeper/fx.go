package gatekeeper

import (
	"github.com/smallbiznis/summarly/internal/gatekeeper/service"
	"go.uber.org/fx"
)

var Module = fx.Module("gatekeeper",
	fx.Provide(
		service.New,
	),
)
