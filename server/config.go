package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config carries every tunable of the server. Values come from VTT_*
// environment variables first and may be overridden by CLI flags.
type Config struct {
	AppName  string `env:"VTT_APPNAME" envDefault:"govtt"`
	PrefDir  string `env:"VTT_PREFDIR"`
	LogLevel string `env:"VTT_LOG_LEVEL" envDefault:"info"`
	Domain   string `env:"VTT_DOMAIN" envDefault:"localhost"`
	Port     string `env:"VTT_PORT" envDefault:"8080"`
	SSL      bool   `env:"VTT_SSL"`

	// Upload limits in MiB.
	LimitToken      int64 `env:"VTT_LIMIT_TOKEN" envDefault:"2"`
	LimitBackground int64 `env:"VTT_LIMIT_BG" envDefault:"10"`
	LimitGame       int64 `env:"VTT_LIMIT_GAME" envDefault:"30"`
	LimitMusic      int64 `env:"VTT_LIMIT_MUSIC" envDefault:"10"`

	NumMusic int `env:"VTT_NUM_MUSIC" envDefault:"5"`
	// Honors the historical misspelling some deployments still set.
	NumMusicCompat int `env:"VTT_NUM_NUSIC"`

	// Days until an untouched GM or game expires. Zero disables expiry.
	CleanupExpireDays int `env:"VTT_CLEANUP_EXPIRE" envDefault:"30"`
	// Wall-clock HH:MM at which the cleanup loop wakes.
	CleanupTime string `env:"VTT_CLEANUP_TIME" envDefault:"03:00"`

	// AdminToken unlocks the admin endpoints for the vttadmin tool. Empty
	// keeps them disabled.
	AdminToken string `env:"VTT_ADMIN_TOKEN"`

	Title       string `env:"VTT_TITLE" envDefault:"govtt"`
	LinkDiscord string `env:"VTT_LINKS_DISCORD"`
	LinkFAQ     string `env:"VTT_LINKS_FAQ"`
}

// LoadConfig reads configuration from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.NumMusicCompat > 0 {
		cfg.NumMusic = cfg.NumMusicCompat
	}
	if cfg.NumMusic < 1 {
		cfg.NumMusic = 1
	}

	if cfg.PrefDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			base = "."
		}
		cfg.PrefDir = filepath.Join(base, cfg.AppName)
	}

	if _, err := parseDaytime(cfg.CleanupTime); err != nil {
		return cfg, fmt.Errorf("VTT_CLEANUP_TIME: %w", err)
	}

	return cfg, nil
}

// ExpireThreshold converts the configured day count to a duration.
func (c Config) ExpireThreshold() time.Duration {
	return time.Duration(c.CleanupExpireDays) * 24 * time.Hour
}

// parseDaytime parses a HH:MM wall-clock time.
func parseDaytime(s string) (time.Time, error) {
	return time.Parse("15:04", s)
}

// nextRunAfter computes the next wall-clock occurrence of the configured
// HH:MM daytime: today if still in the future, else tomorrow.
func nextRunAfter(now time.Time, daytime string) time.Time {
	at, err := parseDaytime(daytime)
	if err != nil {
		// Validated at startup; fall back to 24h from now.
		return now.Add(24 * time.Hour)
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), at.Hour(), at.Minute(), 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
