// Package subscription keeps stored subscriptions and the timer registry in
// step: every mutation validates first, writes the store, then schedules or
// unschedules the channel.
package subscription

import (
	"context"
	"errors"
	"fmt"

	"qotdbot/internal/eventbus"
	"qotdbot/internal/schedule"
	"qotdbot/internal/storage"
	logx "qotdbot/pkg/logx"
)

var (
	ErrNoDecks              = errors.New("at least one deck is required")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrUnknownDeck is returned for a deck id that does not exist or
	// belongs to another chat.
	ErrUnknownDeck = errors.New("unknown deck")
)

// Store is the subset of storage the lifecycle needs.
type Store interface {
	Deck(ctx context.Context, deckID int64) (storage.Deck, error)
	DeleteDeck(ctx context.Context, deckID int64) (storage.DeckDeletion, error)
	GetSubscription(ctx context.Context, channelID string) (storage.SubscriptionWithDecks, error)
	ReplaceSubscription(ctx context.Context, in storage.SubscriptionInput) (storage.SubscriptionWithDecks, error)
	UpdateSubscription(ctx context.Context, channelID string, p storage.SubscriptionPatch) (storage.SubscriptionWithDecks, error)
	DeleteSubscription(ctx context.Context, channelID string) (bool, error)
}

// Timers is the registry surface used here.
type Timers interface {
	Schedule(channelID, expr string) error
	Unschedule(channelID string) bool
}

// UpdateRequest changes a subscription in place. Nil fields are kept.
// A non-nil empty DeckIDs clears the deck set and deactivates.
type UpdateRequest struct {
	Schedule *string
	DeckIDs  *[]int64
}

type Service struct {
	store  Store
	timers Timers
	bus    eventbus.Bus
	log    logx.Logger
}

func New(store Store, timers Timers, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, timers: timers, bus: bus, log: log}
}

// Subscribe creates or replaces the subscription for channelID. Cursors are
// reset and the subscription is reactivated.
func (s *Service) Subscribe(ctx context.Context, channelID string, chatID int64, deckIDs []int64, expr string) (storage.SubscriptionWithDecks, error) {
	if len(deckIDs) == 0 {
		return storage.SubscriptionWithDecks{}, ErrNoDecks
	}
	if err := schedule.ValidateSchedule(expr); err != nil {
		return storage.SubscriptionWithDecks{}, err
	}
	if err := s.checkDecks(ctx, chatID, deckIDs); err != nil {
		return storage.SubscriptionWithDecks{}, err
	}

	sub, err := s.store.ReplaceSubscription(ctx, storage.SubscriptionInput{
		ChannelID: channelID,
		ChatID:    chatID,
		Schedule:  expr,
		DeckIDs:   deckIDs,
	})
	if err != nil {
		return storage.SubscriptionWithDecks{}, fmt.Errorf("save subscription: %w", err)
	}
	if err := s.timers.Schedule(channelID, expr); err != nil {
		return sub, fmt.Errorf("schedule %s: %w", channelID, err)
	}
	s.log.Info("subscribed", logx.String("channel", channelID), logx.String("schedule", expr), logx.Int("decks", len(sub.Decks)))
	s.publish(channelID, "subscribe", true)
	return sub, nil
}

func (s *Service) Update(ctx context.Context, channelID string, req UpdateRequest) (storage.SubscriptionWithDecks, error) {
	if req.Schedule != nil {
		if err := schedule.ValidateSchedule(*req.Schedule); err != nil {
			return storage.SubscriptionWithDecks{}, err
		}
	}
	cur, err := s.store.GetSubscription(ctx, channelID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.SubscriptionWithDecks{}, ErrSubscriptionNotFound
	}
	if err != nil {
		return storage.SubscriptionWithDecks{}, err
	}

	patch := storage.SubscriptionPatch{Schedule: req.Schedule}
	if req.DeckIDs != nil {
		patch.ReplaceDecks = true
		patch.DeckIDs = *req.DeckIDs
		if err := s.checkDecks(ctx, cur.ChatID, patch.DeckIDs); err != nil {
			return storage.SubscriptionWithDecks{}, err
		}
	}

	sub, err := s.store.UpdateSubscription(ctx, channelID, patch)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.SubscriptionWithDecks{}, ErrSubscriptionNotFound
	}
	if err != nil {
		return storage.SubscriptionWithDecks{}, fmt.Errorf("update subscription: %w", err)
	}

	if !sub.IsActive {
		s.timers.Unschedule(channelID)
		s.log.Info("subscription deactivated", logx.String("channel", channelID))
		s.publish(channelID, "update", false)
		return sub, nil
	}
	if err := s.timers.Schedule(channelID, sub.Schedule); err != nil {
		return sub, fmt.Errorf("schedule %s: %w", channelID, err)
	}
	s.log.Info("subscription updated", logx.String("channel", channelID), logx.String("schedule", sub.Schedule), logx.Int("decks", len(sub.Decks)))
	s.publish(channelID, "update", true)
	return sub, nil
}

// Unsubscribe removes the subscription. The timer is always cancelled;
// removed is false when nothing was stored.
func (s *Service) Unsubscribe(ctx context.Context, channelID string) (bool, error) {
	s.timers.Unschedule(channelID)
	removed, err := s.store.DeleteSubscription(ctx, channelID)
	if err != nil {
		return false, fmt.Errorf("delete subscription: %w", err)
	}
	if removed {
		s.log.Info("unsubscribed", logx.String("channel", channelID))
		s.publish(channelID, "unsubscribe", false)
	}
	return removed, nil
}

func (s *Service) Get(ctx context.Context, channelID string) (storage.SubscriptionWithDecks, error) {
	sub, err := s.store.GetSubscription(ctx, channelID)
	if errors.Is(err, storage.ErrNotFound) {
		return storage.SubscriptionWithDecks{}, ErrSubscriptionNotFound
	}
	return sub, err
}

// DeleteDeck removes a deck and stops the timers of subscriptions that were
// left without decks.
func (s *Service) DeleteDeck(ctx context.Context, deckID int64) (storage.DeckDeletion, error) {
	del, err := s.store.DeleteDeck(ctx, deckID)
	if err != nil {
		return del, err
	}
	for _, ch := range del.Emptied {
		s.timers.Unschedule(ch)
		s.publish(ch, "deck_deleted", false)
	}
	if len(del.Affected) > 0 {
		s.log.Info("deck removed from subscriptions",
			logx.Int64("deck_id", deckID),
			logx.Int("affected", len(del.Affected)),
			logx.Int("deactivated", len(del.Emptied)))
	}
	return del, nil
}

func (s *Service) checkDecks(ctx context.Context, chatID int64, ids []int64) error {
	for _, id := range ids {
		d, err := s.store.Deck(ctx, id)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && d.ChatID != chatID) {
			return fmt.Errorf("%w: %d", ErrUnknownDeck, id)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) publish(channelID, action string, active bool) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeSubscriptionChanged,
		Data: eventbus.SubscriptionChanged{ChannelID: channelID, Action: action, Active: active},
	})
}
