package ratelimit

import (
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/summarly/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewKeyedMutex),
	fx.Provide(NewLockerFromConfig),
)

// NewLockerFromConfig returns a distributed locker when redis is
// configured, nil otherwise. The ledger treats nil as "single instance".
func NewLockerFromConfig(cfg config.Config) *Locker {
	if !cfg.RateLimit.Enabled {
		return nil
	}
	addr := strings.TrimSpace(cfg.RateLimit.RedisAddr)
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RateLimit.RedisPassword),
		DB:       cfg.RateLimit.RedisDB,
	})
	return NewLocker(client)
}
