package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Unlimited marks a tier without a monthly ceiling.
const Unlimited = -1

// TierLimit is a usage ceiling for one account status.
type TierLimit struct {
	Status  string `mapstructure:"status"`
	Monthly int64  `mapstructure:"monthly"`
}

// TierConfig holds the per-status monthly limits. Limits are data, not
// logic: the ledger resolves them through the holder at check time.
type TierConfig struct {
	Limits []TierLimit `mapstructure:"limits"`
}

func DefaultTierConfig() TierConfig {
	return TierConfig{
		Limits: []TierLimit{
			{Status: "trial", Monthly: Unlimited},
			{Status: "free", Monthly: 10},
			{Status: "pro", Monthly: Unlimited},
			{Status: "admin", Monthly: Unlimited},
		},
	}
}

// MonthlyLimit resolves the ceiling for a status, defaulting to the free
// tier for anything unknown.
func (c TierConfig) MonthlyLimit(status string) int64 {
	status = strings.ToLower(strings.TrimSpace(status))
	var free int64 = 10
	for _, limit := range c.Limits {
		if limit.Status == status {
			return limit.Monthly
		}
		if limit.Status == "free" {
			free = limit.Monthly
		}
	}
	return free
}

// TierConfigHolder serves the current tier table and hot-reloads it when
// the on-disk config changes.
type TierConfigHolder struct {
	current atomic.Value // holds TierConfig
}

func NewTierConfigHolder() (*TierConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("tiers")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/summarly")
	v.AddConfigPath(".")

	v.SetEnvPrefix("SUMMARLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultTierConfig()
		v.SetDefault("tiers.limits", defaults.Limits)
	}

	var cfg TierConfig
	if err := v.UnmarshalKey("tiers", &cfg); err != nil {
		return nil, err
	}
	if err := validateTierConfig(cfg); err != nil {
		return nil, err
	}

	holder := &TierConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated TierConfig
		if err := v.UnmarshalKey("tiers", &updated); err != nil {
			log.Printf("[tier-config] reload failed: %v", err)
			return
		}
		if err := validateTierConfig(updated); err != nil {
			log.Printf("[tier-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[tier-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticTierHolder wraps a fixed table, used by tests.
func NewStaticTierHolder(cfg TierConfig) *TierConfigHolder {
	holder := &TierConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *TierConfigHolder) Get() TierConfig {
	return h.current.Load().(TierConfig)
}

func validateTierConfig(cfg TierConfig) error {
	if len(cfg.Limits) == 0 {
		return errors.New("tiers.limits cannot be empty")
	}
	for _, limit := range cfg.Limits {
		if strings.TrimSpace(limit.Status) == "" {
			return errors.New("tiers.limits entries require a status")
		}
		if limit.Monthly < Unlimited {
			return errors.New("tiers.limits monthly must be >= -1")
		}
	}
	return nil
}
