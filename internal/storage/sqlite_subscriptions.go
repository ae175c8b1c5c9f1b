package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const subscriptionSelect = `SELECT id, channel_id, chat_id, schedule, current_deck_index, is_active, created_at FROM subscriptions`

func scanSubscription(r rowScanner) (Subscription, error) {
	var (
		sub Subscription
		ms  int64
	)
	err := r.Scan(&sub.ID, &sub.ChannelID, &sub.ChatID, &sub.Schedule, &sub.CurrentDeckIndex, &sub.IsActive, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, fmt.Errorf("subscription: %w", ErrNotFound)
	}
	if err != nil {
		return Subscription{}, err
	}
	sub.CreatedAt = fromMillis(ms)
	return sub, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadSubscription(ctx context.Context, q querier, channelID string) (SubscriptionWithDecks, error) {
	sub, err := scanSubscription(q.QueryRowContext(ctx, subscriptionSelect+` WHERE channel_id = ?`, channelID))
	if err != nil {
		return SubscriptionWithDecks{}, err
	}
	rows, err := q.QueryContext(ctx,
		`SELECT sd.subscription_id, sd.deck_id, d.name, sd.position, sd.current_question_index, sd.created_at
		 FROM subscription_decks sd JOIN decks d ON d.id = sd.deck_id
		 WHERE sd.subscription_id = ? ORDER BY sd.position, sd.deck_id`, sub.ID)
	if err != nil {
		return SubscriptionWithDecks{}, err
	}
	defer rows.Close()
	out := SubscriptionWithDecks{Subscription: sub}
	for rows.Next() {
		var (
			sd SubscriptionDeck
			ms int64
		)
		if err := rows.Scan(&sd.SubscriptionID, &sd.DeckID, &sd.DeckName, &sd.Position, &sd.CurrentQuestionIndex, &ms); err != nil {
			return SubscriptionWithDecks{}, err
		}
		sd.CreatedAt = fromMillis(ms)
		out.Decks = append(out.Decks, sd)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetSubscription(ctx context.Context, channelID string) (SubscriptionWithDecks, error) {
	return loadSubscription(ctx, s.db, channelID)
}

func (s *sqliteStore) listSubscriptions(ctx context.Context, where string, args ...any) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, subscriptionSelect+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ActiveSubscriptions(ctx context.Context) ([]Subscription, error) {
	return s.listSubscriptions(ctx, ` WHERE is_active = 1`)
}

func (s *sqliteStore) ListSubscriptions(ctx context.Context, chatID int64) ([]Subscription, error) {
	return s.listSubscriptions(ctx, ` WHERE chat_id = ?`, chatID)
}

// replaceDecks swaps the deck set of a subscription; every cursor starts at 0.
func (s *sqliteStore) replaceDecks(ctx context.Context, tx *sql.Tx, subID int64, deckIDs []int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM subscription_decks WHERE subscription_id = ?`, subID); err != nil {
		return err
	}
	now := s.stamp()
	for i, id := range dedupeIDs(deckIDs) {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM decks WHERE id = ?`, id).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("deck %d: %w", id, ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subscription_decks(subscription_id, deck_id, position, current_question_index, created_at)
			 VALUES(?,?,?,0,?)`, subID, id, i, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) ReplaceSubscription(ctx context.Context, in SubscriptionInput) (SubscriptionWithDecks, error) {
	var out SubscriptionWithDecks
	active := len(in.DeckIDs) > 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subscriptions(channel_id, chat_id, schedule, current_deck_index, is_active, created_at)
			 VALUES(?,?,?,0,?,?)
			 ON CONFLICT(channel_id) DO UPDATE SET
			   chat_id = excluded.chat_id,
			   schedule = excluded.schedule,
			   current_deck_index = 0,
			   is_active = excluded.is_active`,
			in.ChannelID, in.ChatID, in.Schedule, active, s.stamp()); err != nil {
			return err
		}
		var subID int64
		if err := tx.QueryRowContext(ctx, `SELECT id FROM subscriptions WHERE channel_id = ?`, in.ChannelID).Scan(&subID); err != nil {
			return err
		}
		if err := s.replaceDecks(ctx, tx, subID, in.DeckIDs); err != nil {
			return err
		}
		var err error
		out, err = loadSubscription(ctx, tx, in.ChannelID)
		return err
	})
	return out, err
}

func (s *sqliteStore) UpdateSubscription(ctx context.Context, channelID string, p SubscriptionPatch) (SubscriptionWithDecks, error) {
	var out SubscriptionWithDecks
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var subID int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM subscriptions WHERE channel_id = ?`, channelID).Scan(&subID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("subscription %s: %w", channelID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if p.Schedule != nil {
			if _, err := tx.ExecContext(ctx, `UPDATE subscriptions SET schedule = ? WHERE id = ?`, *p.Schedule, subID); err != nil {
				return err
			}
		}
		if p.ReplaceDecks {
			if err := s.replaceDecks(ctx, tx, subID, p.DeckIDs); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE subscriptions SET current_deck_index = 0 WHERE id = ?`, subID); err != nil {
				return err
			}
		}
		// Activity always follows the deck count after the update.
		if _, err := tx.ExecContext(ctx,
			`UPDATE subscriptions SET is_active =
			   (SELECT COUNT(*) > 0 FROM subscription_decks WHERE subscription_id = ?)
			 WHERE id = ?`, subID, subID); err != nil {
			return err
		}
		out, err = loadSubscription(ctx, tx, channelID)
		return err
	})
	return out, err
}

func (s *sqliteStore) DeleteSubscription(ctx context.Context, channelID string) (bool, error) {
	removed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM subscription_decks WHERE subscription_id IN (SELECT id FROM subscriptions WHERE channel_id = ?)`,
			channelID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM subscriptions WHERE channel_id = ?`, channelID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		removed = n > 0
		return err
	})
	return removed, err
}

func (s *sqliteStore) UpdateQuestionIndex(ctx context.Context, subscriptionID, deckID int64, index int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscription_decks SET current_question_index = ? WHERE subscription_id = ? AND deck_id = ?`,
		index, subscriptionID, deckID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subscription deck %d/%d: %w", subscriptionID, deckID, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) UpdateCurrentDeckIndex(ctx context.Context, subscriptionID int64, index int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE subscriptions SET current_deck_index = ? WHERE id = ?`, index, subscriptionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("subscription %d: %w", subscriptionID, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) AdvanceCursor(ctx context.Context, a Advance) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE subscription_decks SET current_question_index = ?
			 WHERE subscription_id = ? AND deck_id = ? AND current_question_index = ?`,
			a.NewQuestionIndex, a.SubscriptionID, a.DeckID, a.ExpectQuestionIndex)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrCursorConflict
		}
		if a.NewDeckIndex != nil {
			if _, err := tx.ExecContext(ctx,
				`UPDATE subscriptions SET current_deck_index = ? WHERE id = ?`,
				*a.NewDeckIndex, a.SubscriptionID); err != nil {
				return err
			}
		}
		return nil
	})
}
