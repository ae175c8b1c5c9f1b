package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
telegram:
  token: file-token
  owner_user_ids: [42]
  poll_timeout: 15s
logging:
  level: debug
  console: true
scheduler:
  enabled: true
  timezone: Europe/Berlin
  fire_timeout: 20s
storage:
  driver: sqlite
  path: ./data/qotd.db
decks:
  seed_starter_decks: true
`

func TestDecodeYAML(t *testing.T) {
	t.Setenv(EnvTelegramToken, "")

	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Telegram.Token != "file-token" || len(cfg.Telegram.OwnerUserIDs) != 1 || cfg.Telegram.OwnerUserIDs[0] != 42 {
		t.Fatalf("telegram=%+v", cfg.Telegram)
	}
	if cfg.Scheduler.Timezone != "Europe/Berlin" || !cfg.Decks.SeedStarterDecks {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
		want string
	}{
		{"unknown field", "c.json", `{"telegram":{"tokn":"x"}}`, "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing"},
		{"bad timezone", "c.yaml", "scheduler:\n  timezone: Mars/Olympus\n", "scheduler.timezone"},
		{"bad duration", "c.yaml", "scheduler:\n  fire_timeout: soon\n", "scheduler.fire_timeout"},
		{"fire timeout too short", "c.yaml", "scheduler:\n  fire_timeout: 200ms\n", "scheduler.fire_timeout"},
		{"negative busy timeout", "c.yaml", "storage:\n  busy_timeout: -1s\n", "storage.busy_timeout"},
		{"bad driver", "c.yaml", "storage:\n  driver: postgres\n", "storage.driver"},
		{"public debug without token", "c.yaml", "debug:\n  enabled: true\n  addr: 0.0.0.0:6060\n", "debug.addr"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.path, []byte(tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestResolveTimeouts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name               string
		poll, fire, busy   string
		wantPoll, wantFire time.Duration
		wantBusy           time.Duration
	}{
		{"defaults", "", "", "", DefaultPollTimeout, DefaultFireTimeout, DefaultBusyTimeout},
		{"zero means default", "0s", "0", "0s", DefaultPollTimeout, DefaultFireTimeout, DefaultBusyTimeout},
		{"explicit", "15s", "2m", "250ms", 15 * time.Second, 2 * time.Minute, 250 * time.Millisecond},
	}
	for _, tc := range tests {
		cfg := &Config{}
		cfg.Telegram.PollTimeout = tc.poll
		cfg.Scheduler.FireTimeout = tc.fire
		cfg.Storage.BusyTimeout = tc.busy
		got, err := ResolveTimeouts(cfg)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if got.Poll != tc.wantPoll || got.Fire != tc.wantFire || got.Busy != tc.wantBusy {
			t.Fatalf("%s: got %+v", tc.name, got)
		}
	}
}

func TestEnvTokenOverridesFile(t *testing.T) {
	t.Setenv(EnvTelegramToken, "env-token")

	cfg, err := Decode("config.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("token=%q, want env override", cfg.Telegram.Token)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte(EnvTelegramToken+"=from-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvTelegramToken, "")
	os.Unsetenv(EnvTelegramToken)

	if err := LoadEnv(filepath.Join(dir, "missing.env"), envPath); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if got := os.Getenv(EnvTelegramToken); got != "from-dotenv" {
		t.Fatalf("env=%q", got)
	}
}

func TestManagerReloadPublishesOnChange(t *testing.T) {
	t.Setenv(EnvTelegramToken, "")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if m.reload(ctx) {
		t.Fatalf("unchanged file must not publish")
	}

	updated := strings.Replace(sampleYAML, "Europe/Berlin", "UTC", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(context.Context, *Config) error { return nil })
	if !m.reload(ctx) {
		t.Fatalf("changed file must publish")
	}
	got := <-ch
	if got.Scheduler.Timezone != "UTC" || m.Get().Scheduler.Timezone != "UTC" {
		t.Fatalf("timezone not reloaded: %+v", got.Scheduler)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	a := &Config{Telegram: TelegramConfig{Token: "a"}}
	b := &Config{Telegram: TelegramConfig{Token: "b"}, Scheduler: SchedulerConfig{Timezone: "UTC"}}
	changed, _ := SummarizeConfigChange(a, b)
	if strings.Join(changed, ",") != "telegram,scheduler" {
		t.Fatalf("changed=%v", changed)
	}
	if r := RequiresRestart(a, b); len(r) != 1 || r[0] != "telegram" {
		t.Fatalf("restart=%v", r)
	}
}
