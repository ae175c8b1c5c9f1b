package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func (s *sqliteStore) CreateDeck(ctx context.Context, chatID int64, name, description string) (Deck, error) {
	name = normName(name)
	if name == "" {
		return Deck{}, errors.New("deck name is empty")
	}
	now := s.stamp()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO decks(chat_id, name, description, created_at) VALUES(?,?,?,?)`,
		chatID, name, description, now)
	if isUniqueViolation(err) {
		return Deck{}, fmt.Errorf("deck %q: %w", name, ErrDuplicate)
	}
	if err != nil {
		return Deck{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Deck{}, err
	}
	return Deck{ID: id, ChatID: chatID, Name: name, Description: description, CreatedAt: fromMillis(now)}, nil
}

func (s *sqliteStore) UpdateDeck(ctx context.Context, deckID int64, name, description *string) (Deck, error) {
	var out Deck
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		d, err := scanDeck(tx.QueryRowContext(ctx, deckSelect+` WHERE id = ?`, deckID))
		if err != nil {
			return err
		}
		if name != nil {
			d.Name = normName(*name)
			if d.Name == "" {
				return errors.New("deck name is empty")
			}
		}
		if description != nil {
			d.Description = *description
		}
		_, err = tx.ExecContext(ctx, `UPDATE decks SET name = ?, description = ? WHERE id = ?`, d.Name, d.Description, deckID)
		if isUniqueViolation(err) {
			return fmt.Errorf("deck %q: %w", d.Name, ErrDuplicate)
		}
		out = d
		return err
	})
	return out, err
}

func (s *sqliteStore) DeleteDeck(ctx context.Context, deckID int64) (DeckDeletion, error) {
	var out DeckDeletion
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT s.id, s.channel_id FROM subscriptions s
			 JOIN subscription_decks sd ON sd.subscription_id = s.id
			 WHERE sd.deck_id = ?`, deckID)
		if err != nil {
			return err
		}
		type ref struct {
			id      int64
			channel string
		}
		var affected []ref
		for rows.Next() {
			var r ref
			if err := rows.Scan(&r.id, &r.channel); err != nil {
				rows.Close()
				return err
			}
			affected = append(affected, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM decks WHERE id = ?`, deckID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("deck %d: %w", deckID, ErrNotFound)
		}

		// The deck set of each affected subscription changed: reset cursors
		// and deactivate the ones left without decks.
		for _, r := range affected {
			out.Affected = append(out.Affected, r.channel)
			if _, err := tx.ExecContext(ctx, `UPDATE subscription_decks SET current_question_index = 0 WHERE subscription_id = ?`, r.id); err != nil {
				return err
			}
			var remaining int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM subscription_decks WHERE subscription_id = ?`, r.id).Scan(&remaining); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE subscriptions SET current_deck_index = 0, is_active = ? WHERE id = ?`,
				remaining > 0, r.id); err != nil {
				return err
			}
			if remaining == 0 {
				out.Emptied = append(out.Emptied, r.channel)
			}
		}
		return nil
	})
	return out, err
}

const deckSelect = `SELECT id, chat_id, name, description, created_at FROM decks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeck(r rowScanner) (Deck, error) {
	var (
		d  Deck
		ms int64
	)
	err := r.Scan(&d.ID, &d.ChatID, &d.Name, &d.Description, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Deck{}, fmt.Errorf("deck: %w", ErrNotFound)
	}
	if err != nil {
		return Deck{}, err
	}
	d.CreatedAt = fromMillis(ms)
	return d, nil
}

func (s *sqliteStore) Deck(ctx context.Context, deckID int64) (Deck, error) {
	return scanDeck(s.db.QueryRowContext(ctx, deckSelect+` WHERE id = ?`, deckID))
}

func (s *sqliteStore) DeckByName(ctx context.Context, chatID int64, name string) (Deck, error) {
	return scanDeck(s.db.QueryRowContext(ctx, deckSelect+` WHERE chat_id = ? AND name = ?`, chatID, normName(name)))
}

func (s *sqliteStore) ListDecks(ctx context.Context, chatID int64) ([]DeckSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.chat_id, d.name, d.description, d.created_at,
		        (SELECT COUNT(*) FROM questions q WHERE q.deck_id = d.id)
		 FROM decks d WHERE d.chat_id = ? ORDER BY d.name`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeckSummary
	for rows.Next() {
		var (
			ds DeckSummary
			ms int64
		)
		if err := rows.Scan(&ds.ID, &ds.ChatID, &ds.Name, &ds.Description, &ms, &ds.QuestionCount); err != nil {
			return nil, err
		}
		ds.CreatedAt = fromMillis(ms)
		out = append(out, ds)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddQuestion(ctx context.Context, deckID int64, text string) (Question, error) {
	if text == "" {
		return Question{}, errors.New("question text is empty")
	}
	var q Question
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM decks WHERE id = ?`, deckID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return fmt.Errorf("deck %d: %w", deckID, ErrNotFound)
		}
		var next int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(sort_order), 0) + 1 FROM questions WHERE deck_id = ?`, deckID).Scan(&next); err != nil {
			return err
		}
		now := s.stamp()
		res, err := tx.ExecContext(ctx,
			`INSERT INTO questions(deck_id, text, sort_order, created_at) VALUES(?,?,?,?)`,
			deckID, text, next, now)
		if isUniqueViolation(err) {
			return fmt.Errorf("question: %w", ErrDuplicate)
		}
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		q = Question{ID: id, DeckID: deckID, Text: text, Order: next, CreatedAt: fromMillis(now)}
		return nil
	})
	return q, err
}

const questionSelect = `SELECT id, deck_id, text, sort_order, created_at FROM questions`

func scanQuestion(r rowScanner) (Question, error) {
	var (
		q  Question
		ms int64
	)
	err := r.Scan(&q.ID, &q.DeckID, &q.Text, &q.Order, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Question{}, fmt.Errorf("question: %w", ErrNotFound)
	}
	if err != nil {
		return Question{}, err
	}
	q.CreatedAt = fromMillis(ms)
	return q, nil
}

func (s *sqliteStore) UpdateQuestion(ctx context.Context, questionID int64, text string) (Question, error) {
	if text == "" {
		return Question{}, errors.New("question text is empty")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE questions SET text = ? WHERE id = ?`, text, questionID)
	if isUniqueViolation(err) {
		return Question{}, fmt.Errorf("question: %w", ErrDuplicate)
	}
	if err != nil {
		return Question{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Question{}, fmt.Errorf("question %d: %w", questionID, ErrNotFound)
	}
	return s.Question(ctx, questionID)
}

func (s *sqliteStore) DeleteQuestion(ctx context.Context, questionID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM questions WHERE id = ?`, questionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("question %d: %w", questionID, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) ClearQuestions(ctx context.Context, deckID int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM questions WHERE deck_id = ?`, deckID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) Question(ctx context.Context, questionID int64) (Question, error) {
	return scanQuestion(s.db.QueryRowContext(ctx, questionSelect+` WHERE id = ?`, questionID))
}

func (s *sqliteStore) QuestionsByDeck(ctx context.Context, deckID int64) ([]Question, error) {
	rows, err := s.db.QueryContext(ctx, questionSelect+` WHERE deck_id = ? ORDER BY sort_order, id`, deckID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Question
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}
