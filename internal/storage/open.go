package storage

import (
	"context"
	"errors"
	"strings"

	logx "qotdbot/pkg/logx"
)

// Catalog is the deck and question API.
type Catalog interface {
	CreateDeck(ctx context.Context, chatID int64, name, description string) (Deck, error)
	UpdateDeck(ctx context.Context, deckID int64, name, description *string) (Deck, error)
	DeleteDeck(ctx context.Context, deckID int64) (DeckDeletion, error)
	Deck(ctx context.Context, deckID int64) (Deck, error)
	DeckByName(ctx context.Context, chatID int64, name string) (Deck, error)
	ListDecks(ctx context.Context, chatID int64) ([]DeckSummary, error)

	AddQuestion(ctx context.Context, deckID int64, text string) (Question, error)
	UpdateQuestion(ctx context.Context, questionID int64, text string) (Question, error)
	DeleteQuestion(ctx context.Context, questionID int64) error
	ClearQuestions(ctx context.Context, deckID int64) (int, error)
	Question(ctx context.Context, questionID int64) (Question, error)
	// QuestionsByDeck lists questions by ascending Order.
	QuestionsByDeck(ctx context.Context, deckID int64) ([]Question, error)
}

// Subscriptions holds subscriptions and their rotation cursors.
type Subscriptions interface {
	GetSubscription(ctx context.Context, channelID string) (SubscriptionWithDecks, error)
	ActiveSubscriptions(ctx context.Context) ([]Subscription, error)
	ListSubscriptions(ctx context.Context, chatID int64) ([]Subscription, error)
	ReplaceSubscription(ctx context.Context, in SubscriptionInput) (SubscriptionWithDecks, error)
	UpdateSubscription(ctx context.Context, channelID string, p SubscriptionPatch) (SubscriptionWithDecks, error)
	DeleteSubscription(ctx context.Context, channelID string) (bool, error)

	UpdateQuestionIndex(ctx context.Context, subscriptionID, deckID int64, index int) error
	UpdateCurrentDeckIndex(ctx context.Context, subscriptionID int64, index int) error
	AdvanceCursor(ctx context.Context, a Advance) error
}

// Privileged stores per-chat users allowed to manage decks and subscriptions.
type Privileged interface {
	AddPrivileged(ctx context.Context, chatID, userID int64) (bool, error)
	RemovePrivileged(ctx context.Context, chatID, userID int64) (bool, error)
	ListPrivileged(ctx context.Context, chatID int64) ([]int64, error)
	ClearPrivileged(ctx context.Context, chatID int64) (int, error)
	IsPrivileged(ctx context.Context, chatID, userID int64) (bool, error)
}

type Store interface {
	Catalog
	Subscriptions
	Privileged
	Close() error
}

// Open initializes the configured store. An empty driver means sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		st, err := openSQLite(cfg, log.With(logx.String("driver", "sqlite")))
		if err != nil {
			return nil, err
		}
		return st, nil
	case "memory":
		log.Warn("memory storage selected; decks and subscriptions are lost on restart")
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func dedupeIDs(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func normName(s string) string { return strings.TrimSpace(s) }
