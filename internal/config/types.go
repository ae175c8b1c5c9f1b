package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	Decks     DecksConfig     `json:"decks"`
	Debug     DebugConfig     `json:"debug"`
}

type TelegramConfig struct {
	// Token may be left empty in the file and supplied via QOTD_TELEGRAM_TOKEN.
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	GroupLog     string  `json:"group_log"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// SendRatePerSec caps outgoing messages per chat. 0 uses the adapter default.
	SendRatePerSec int `json:"send_rate_per_sec,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SchedulerConfig controls the per-channel question timers.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Timezone is an IANA name used for every cron schedule. Empty means UTC.
	Timezone string `json:"timezone,omitempty"`

	// FireTimeout bounds a single firing (load, select, send, persist).
	// Go duration string; empty means 30s.
	FireTimeout string `json:"fire_timeout,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/qotd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type DecksConfig struct {
	// SeedStarterDecks installs the built-in decks into a chat the first
	// time it is used, if the chat has no decks yet.
	SeedStarterDecks bool `json:"seed_starter_decks"`
}

// DebugConfig controls the operator HTTP endpoint (/healthz and pprof).
// A non-loopback addr requires a token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default 127.0.0.1:6060
	Token   string `json:"token,omitempty"`
}
