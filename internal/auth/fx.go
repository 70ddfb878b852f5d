package auth

import (
	"github.com/smallbiznis/summarly/internal/auth/oauth"
	"github.com/smallbiznis/summarly/internal/auth/service"
	"go.uber.org/fx"
)

var Module = fx.Module("auth",
	fx.Provide(
		oauth.NewClient,
		service.New,
	),
)
