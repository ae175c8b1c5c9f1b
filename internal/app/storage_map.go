package app

import (
	"fmt"
	"strings"

	"qotdbot/internal/config"
	"qotdbot/internal/storage"
)

const defaultDBPath = "./data/qotd.db"

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "memory":
		return storage.Config{Driver: driver}, nil
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			path = defaultDBPath
		}
		to, err := config.ResolveTimeouts(cfg)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: to.Busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}
