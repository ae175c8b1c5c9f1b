package app

import (
	"strconv"
	"strings"

	"qotdbot/internal/config"
	"qotdbot/internal/schedule"
	telegram "qotdbot/internal/transport/telegram/adapter"
	logx "qotdbot/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

// logTarget parses telegram.group_log. ok is false when it is unset or not
// a chat id.
func logTarget(cfg *config.Config) (chatID int64, ok bool) {
	raw := strings.TrimSpace(cfg.Telegram.GroupLog)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func mapScheduleConfig(cfg *config.Config) (schedule.Config, error) {
	loc, err := config.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return schedule.Config{}, err
	}
	to, err := config.ResolveTimeouts(cfg)
	if err != nil {
		return schedule.Config{}, err
	}
	return schedule.Config{
		Enabled:     cfg.Scheduler.Enabled,
		Location:    loc,
		FireTimeout: to.Fire,
	}, nil
}

func mapAdapterConfig(cfg *config.Config) (telegram.Config, error) {
	to, err := config.ResolveTimeouts(cfg)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    to.Poll,
		SendRatePerSec: float64(cfg.Telegram.SendRatePerSec),
	}, nil
}
