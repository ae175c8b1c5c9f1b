package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
	// ErrCursorConflict is returned by AdvanceCursor when the stored cursor no
	// longer matches the value the caller read.
	ErrCursorConflict = errors.New("rotation cursor changed concurrently")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": process-local maps, lost on restart
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means 5s
}

// Deck is a named, ordered list of questions owned by one chat.
type Deck struct {
	ID          int64
	ChatID      int64
	Name        string
	Description string
	CreatedAt   time.Time
}

// DeckSummary is a Deck plus its question count.
type DeckSummary struct {
	Deck
	QuestionCount int
}

type Question struct {
	ID     int64
	DeckID int64
	Text   string
	// Order is assigned max+1 on insert and never renumbered; gaps are fine.
	Order     int
	CreatedAt time.Time
}

// Subscription binds a channel to a schedule and a deck set.
type Subscription struct {
	ID int64
	// ChannelID is "<chat_id>" or "<chat_id>:<thread_id>" for forum topics.
	ChannelID        string
	ChatID           int64
	Schedule         string
	CurrentDeckIndex int
	IsActive         bool
	CreatedAt        time.Time
}

// SubscriptionDeck is one deck of a subscription with its rotation cursor.
type SubscriptionDeck struct {
	SubscriptionID       int64
	DeckID               int64
	DeckName             string
	Position             int
	CurrentQuestionIndex int
	CreatedAt            time.Time
}

// SubscriptionWithDecks is the joined read view; Decks are in subscription order.
type SubscriptionWithDecks struct {
	Subscription
	Decks []SubscriptionDeck
}

// SubscriptionInput replaces a subscription wholesale.
type SubscriptionInput struct {
	ChannelID string
	ChatID    int64
	Schedule  string
	DeckIDs   []int64
}

// SubscriptionPatch changes selected fields of an existing subscription.
type SubscriptionPatch struct {
	Schedule *string
	// ReplaceDecks swaps the deck set for DeckIDs (possibly empty) and resets
	// every cursor.
	ReplaceDecks bool
	DeckIDs      []int64
}

// Advance is a conditional cursor write: it only applies if the deck's
// stored question index still equals ExpectQuestionIndex.
type Advance struct {
	SubscriptionID      int64
	DeckID              int64
	ExpectQuestionIndex int
	NewQuestionIndex    int
	// NewDeckIndex is set when the deck's rotation wrapped.
	NewDeckIndex *int
}

// DeckDeletion reports subscriptions touched by a deck removal.
type DeckDeletion struct {
	// Emptied lists channels whose subscription lost its last deck and was
	// deactivated.
	Emptied []string
	// Affected lists every channel whose deck set changed.
	Affected []string
}
