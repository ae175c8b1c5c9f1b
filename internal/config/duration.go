package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultPollTimeout = 10 * time.Second
	DefaultFireTimeout = 30 * time.Second
	DefaultBusyTimeout = 5 * time.Second

	// A firing loads, sends and persists; anything shorter can't finish one.
	minFireTimeout = time.Second
)

// Timeouts holds the resolved duration settings with defaults applied.
type Timeouts struct {
	Poll time.Duration // telegram.poll_timeout
	Fire time.Duration // scheduler.fire_timeout
	Busy time.Duration // storage.busy_timeout
}

// ResolveTimeouts parses every duration setting of cfg. Empty or zero
// values take the defaults.
func ResolveTimeouts(cfg *Config) (Timeouts, error) {
	var (
		t    Timeouts
		errs []error
	)
	set := func(dst *time.Duration, path, raw string, def time.Duration) {
		d, err := parseTimeout(path, raw)
		switch {
		case err != nil:
			errs = append(errs, err)
		case d == 0:
			*dst = def
		default:
			*dst = d
		}
	}
	set(&t.Poll, "telegram.poll_timeout", cfg.Telegram.PollTimeout, DefaultPollTimeout)
	set(&t.Fire, "scheduler.fire_timeout", cfg.Scheduler.FireTimeout, DefaultFireTimeout)
	set(&t.Busy, "storage.busy_timeout", cfg.Storage.BusyTimeout, DefaultBusyTimeout)

	if t.Fire != 0 && t.Fire < minFireTimeout {
		errs = append(errs, fmt.Errorf("scheduler.fire_timeout: must be at least %s", minFireTimeout))
	}
	if err := errors.Join(errs...); err != nil {
		return Timeouts{}, err
	}
	return t, nil
}

func parseTimeout(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative", path)
	}
	return d, nil
}
