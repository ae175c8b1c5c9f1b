// Package commands implements the chat commands for managing decks,
// questions, subscriptions and privileged users.
package commands

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strconv"
	"strings"
	"sync"
	"time"

	"qotdbot/internal/schedule"
	"qotdbot/internal/storage"
	"qotdbot/internal/subscription"
	"qotdbot/internal/transport/telegram/router"
	logx "qotdbot/pkg/logx"
)

// Schedules exposes the timer registry state shown to users.
type Schedules interface {
	Location() *time.Location
	Has(channelID string) bool
}

type Deps struct {
	Store  storage.Store
	Subs   *subscription.Service
	Timers Schedules
	Admins AdminChecker
	// Seed is installed into chats that have no decks on their first
	// command. Nil disables seeding.
	Seed []storage.SeedDeck
	Log  logx.Logger
}

type Handlers struct {
	store  storage.Store
	subs   *subscription.Service
	timers Schedules
	perms  *Permissions
	seed   []storage.SeedDeck
	log    logx.Logger

	seeded sync.Map // chat id -> struct{}
}

func New(d Deps) *Handlers {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Handlers{
		store:  d.Store,
		subs:   d.Subs,
		timers: d.Timers,
		perms:  NewPermissions(d.Admins, d.Store),
		seed:   d.Seed,
		log:    d.Log,
	}
}

// Authorizer decides router.AccessManager commands.
func (h *Handlers) Authorizer() router.Authorizer { return h.perms }

// Commands lists every chat command.
func (h *Handlers) Commands() []router.Command {
	var out []router.Command
	out = append(out, h.deckCommands()...)
	out = append(out, h.questionCommands()...)
	out = append(out, h.subscriptionCommands()...)
	out = append(out, h.privilegedCommands()...)
	for i := range out {
		out[i].Handle = h.withSeed(out[i].Handle)
	}
	return out
}

// withSeed installs the starter decks the first time a chat without decks
// runs any command.
func (h *Handlers) withSeed(next router.HandlerFunc) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		if len(h.seed) > 0 {
			h.ensureSeeded(ctx, req)
		}
		return next(ctx, req)
	}
}

func (h *Handlers) ensureSeeded(ctx context.Context, req *router.Request) {
	chatID := req.Chat.ChatID
	if _, done := h.seeded.Load(chatID); done {
		return
	}
	n, err := storage.SeedChat(ctx, h.store, chatID, h.seed)
	if err != nil {
		req.Logger.Warn("seeding starter decks failed", logx.Err(err))
		return
	}
	h.seeded.Store(chatID, struct{}{})
	if n > 0 {
		req.Logger.Info("starter decks installed", logx.Int("decks", n))
	}
}

// deckByRef finds a chat deck by id or case-insensitive name.
func (h *Handlers) deckByRef(ctx context.Context, chatID int64, ref string) (storage.Deck, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return storage.Deck{}, router.Userf("Which deck? Give a deck name or id.")
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		d, err := h.store.Deck(ctx, id)
		if err == nil && d.ChatID == chatID {
			return d, nil
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return storage.Deck{}, err
		}
	}
	d, err := h.store.DeckByName(ctx, chatID, ref)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Deck{}, router.Userf("Deck %q not found. See /deck list.", ref)
	}
	return d, err
}

// deckIDs resolves refs; "all" selects every deck of the chat.
func (h *Handlers) deckIDs(ctx context.Context, chatID int64, refs []string) ([]int64, error) {
	if len(refs) == 1 && strings.EqualFold(refs[0], "all") {
		decks, err := h.store.ListDecks(ctx, chatID)
		if err != nil {
			return nil, err
		}
		ids := make([]int64, 0, len(decks))
		for _, d := range decks {
			ids = append(ids, d.ID)
		}
		return ids, nil
	}
	ids := make([]int64, 0, len(refs))
	for _, ref := range refs {
		d, err := h.deckByRef(ctx, chatID, ref)
		if err != nil {
			return nil, err
		}
		ids = append(ids, d.ID)
	}
	return ids, nil
}

func (h *Handlers) questionInChat(ctx context.Context, chatID int64, ref string) (storage.Question, storage.Deck, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(strings.TrimSpace(ref), "#"), 10, 64)
	if err != nil {
		return storage.Question{}, storage.Deck{}, router.Userf("Question ids are numbers, see /deck show.")
	}
	q, err := h.store.Question(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.Question{}, storage.Deck{}, router.Userf("Question %d not found.", id)
	}
	if err != nil {
		return storage.Question{}, storage.Deck{}, err
	}
	d, err := h.store.Deck(ctx, q.DeckID)
	if err != nil || d.ChatID != chatID {
		return storage.Question{}, storage.Deck{}, router.Userf("Question %d not found.", id)
	}
	return q, d, nil
}

// userError maps lifecycle and storage errors to chat replies.
func userError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, schedule.ErrInvalidSchedule):
		return router.Userf("Invalid schedule. Use a cron expression such as \"0 9 * * *\" (quoted) or a shortcut like @daily.")
	case errors.Is(err, subscription.ErrNoDecks):
		return router.Userf("Pick at least one deck.")
	case errors.Is(err, subscription.ErrSubscriptionNotFound):
		return router.Userf("This chat has no subscription. Use /subscribe first.")
	case errors.Is(err, subscription.ErrUnknownDeck):
		return router.Userf("One of those decks does not belong to this chat.")
	}
	return err
}

func esc(s string) string { return html.EscapeString(s) }

func plural(n int, one, many string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, one)
	}
	return fmt.Sprintf("%d %s", n, many)
}

// restText joins positionals from i on, the way they were typed minus
// extra spacing.
func restText(args []string, i int) string {
	if i >= len(args) {
		return ""
	}
	return strings.TrimSpace(strings.Join(args[i:], " "))
}
