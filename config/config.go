// Package config loads settings from config.yaml and the environment.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds everything main needs to wire the system.
type Config struct {
	BotToken string `mapstructure:"bot_token"`
	DBPath   string `mapstructure:"db_path"`

	Panel PanelConfig `mapstructure:"panel"`
	Sweep SweepConfig `mapstructure:"sweep"`

	PageSize int `mapstructure:"page_size"`
}

// PanelConfig is the remote panel connection.
type PanelConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SweepConfig carries the scheduler tuning. The threshold and cooldowns are
// product tuning inherited from the previous deployment, not derived values.
type SweepConfig struct {
	Interval           time.Duration `mapstructure:"interval"`
	Backoff            time.Duration `mapstructure:"backoff"`
	ReportInterval     time.Duration `mapstructure:"report_interval"`
	ReportBackoff      time.Duration `mapstructure:"report_backoff"`
	BandwidthWarnFloor uint64        `mapstructure:"bandwidth_warn_floor"` // bytes remaining
	BandwidthCooldown  time.Duration `mapstructure:"bandwidth_cooldown"`
	ExpiryWindow       time.Duration `mapstructure:"expiry_window"`
	ExpiryCooldown     time.Duration `mapstructure:"expiry_cooldown"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", "mrzadmin.db")
	v.SetDefault("page_size", 10)

	v.SetDefault("panel.timeout", 15*time.Second)

	v.SetDefault("sweep.interval", time.Hour)
	v.SetDefault("sweep.backoff", 5*time.Minute)
	v.SetDefault("sweep.report_interval", 24*time.Hour)
	v.SetDefault("sweep.report_backoff", time.Hour)
	v.SetDefault("sweep.bandwidth_warn_floor", uint64(322122547200)) // 300 GiB
	v.SetDefault("sweep.bandwidth_cooldown", 72*time.Hour)
	v.SetDefault("sweep.expiry_window", 72*time.Hour)
	v.SetDefault("sweep.expiry_cooldown", 24*time.Hour)
}

// Load reads config.yaml (optional) and environment overrides.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	v.BindEnv("bot_token", "TELEGRAM_BOT_TOKEN")
	v.BindEnv("db_path", "DB_PATH")
	v.BindEnv("panel.base_url", "MARZBAN_API_URL")
	v.BindEnv("panel.username", "MARZBAN_USERNAME")
	v.BindEnv("panel.password", "MARZBAN_PASSWORD")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
