package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"qotdbot/internal/observability/debughttp"
)

// Validate checks values the strict decoder cannot (durations, enums,
// timezone names). It never mutates cfg.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if _, err := ResolveTimeouts(cfg); err != nil {
		errs = append(errs, err)
	}
	if cfg.Telegram.SendRatePerSec < 0 {
		errs = append(errs, errors.New("telegram.send_rate_per_sec must be >= 0"))
	}
	if _, err := LoadLocation(cfg.Scheduler.Timezone); err != nil {
		errs = append(errs, err)
	}
	switch d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d {
	case "", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unsupported %q (want sqlite|memory)", cfg.Storage.Driver))
	}
	if cfg.Debug.Enabled {
		if err := debughttp.CheckBind(cfg.Debug.Addr, cfg.Debug.Token); err != nil {
			errs = append(errs, fmt.Errorf("debug.addr: %w", err))
		}
	}
	return errors.Join(errs...)
}

// LoadLocation resolves scheduler.timezone. Empty means UTC.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	return loc, nil
}
