package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	yaml "go.yaml.in/yaml/v3"
)

//go:embed starter_decks.yaml
var starterDecksYAML []byte

// SeedDeck is a deck definition used to populate a fresh chat.
type SeedDeck struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Questions   []string `yaml:"questions"`
}

// StarterDecks returns the built-in deck catalog.
func StarterDecks() ([]SeedDeck, error) {
	return ParseSeedDecks(starterDecksYAML)
}

// ParseSeedDecks decodes a YAML list of decks.
func ParseSeedDecks(b []byte) ([]SeedDeck, error) {
	var decks []SeedDeck
	if err := yaml.Unmarshal(b, &decks); err != nil {
		return nil, fmt.Errorf("seed decks: %w", err)
	}
	for i, d := range decks {
		if normName(d.Name) == "" {
			return nil, fmt.Errorf("seed decks: entry %d has no name", i)
		}
	}
	return decks, nil
}

// SeedChat installs decks into chatID when the chat has no decks yet.
// It returns the number of decks created.
func SeedChat(ctx context.Context, c Catalog, chatID int64, decks []SeedDeck) (int, error) {
	existing, err := c.ListDecks(ctx, chatID)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		return 0, nil
	}
	created := 0
	for _, sd := range decks {
		d, err := c.CreateDeck(ctx, chatID, sd.Name, sd.Description)
		if errors.Is(err, ErrDuplicate) {
			continue
		}
		if err != nil {
			return created, err
		}
		created++
		for _, q := range sd.Questions {
			if _, err := c.AddQuestion(ctx, d.ID, q); err != nil && !errors.Is(err, ErrDuplicate) {
				return created, err
			}
		}
	}
	return created, nil
}
