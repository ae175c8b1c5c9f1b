// Package rotation picks the next question to post for a subscription.
//
// Decks are chosen at random, weighted by how many questions each has left
// before its cursor wraps. Inside a deck questions are posted in order and
// the cursor never skips an index.
package rotation

import (
	"errors"
	"math/rand/v2"
)

// ErrNoContent means no deck of the subscription has any question.
var ErrNoContent = errors.New("no deck has questions")

// Rand is the randomness source used for deck selection.
// *rand.Rand satisfies it.
type Rand interface {
	IntN(n int) int
}

// DeckState is one subscription deck as seen by the selector.
type DeckState struct {
	DeckID int64
	// Count is the number of questions currently in the deck.
	Count int
	// Cursor is the stored current_question_index. Values outside
	// [0, Count) are treated as 0.
	Cursor int
}

// Selection is the outcome of one pick.
type Selection struct {
	// Deck is the index of the chosen deck in the input slice.
	Deck int
	// QuestionIndex is the 0-based position of the question to post.
	QuestionIndex int
	// NextQuestionIndex is the cursor to persist after a successful post.
	NextQuestionIndex int
	// Wrapped is set when NextQuestionIndex went back to 0.
	Wrapped bool
	// NextDeckIndex is the deck position that follows Deck, used for the
	// subscription's current_deck_index when Wrapped.
	NextDeckIndex int
	// Remaining is the number of questions left before each eligible deck
	// wraps, summed, measured before this post.
	Remaining int
	// Eligible is the number of decks with at least one question.
	Eligible int
}

// NormalizeCursor maps a stored cursor onto [0, count).
func NormalizeCursor(cursor, count int) int {
	if count <= 0 || cursor < 0 || cursor >= count {
		return 0
	}
	return cursor
}

// Select chooses the next question. decks must be in subscription order.
// A nil rng uses the global math/rand/v2 source.
func Select(decks []DeckState, rng Rand) (Selection, error) {
	if rng == nil {
		rng = globalRand{}
	}

	eligible := make([]int, 0, len(decks))
	weights := make([]int, 0, len(decks))
	total := 0
	for i, d := range decks {
		if d.Count <= 0 {
			continue
		}
		w := d.Count - NormalizeCursor(d.Cursor, d.Count)
		eligible = append(eligible, i)
		weights = append(weights, w)
		total += w
	}
	if len(eligible) == 0 {
		return Selection{}, ErrNoContent
	}

	pick := eligible[0]
	switch {
	case len(eligible) == 1:
	case total == 0:
		// Unreachable with normalized cursors (every weight is >= 1);
		// kept so a zero total never divides the draw.
		pick = eligible[rng.IntN(len(eligible))]
	default:
		r := rng.IntN(total)
		acc := 0
		for k, w := range weights {
			acc += w
			if r < acc {
				pick = eligible[k]
				break
			}
		}
	}

	d := decks[pick]
	idx := NormalizeCursor(d.Cursor, d.Count)
	next := (idx + 1) % d.Count
	return Selection{
		Deck:              pick,
		QuestionIndex:     idx,
		NextQuestionIndex: next,
		Wrapped:           next == 0,
		NextDeckIndex:     (pick + 1) % len(decks),
		Remaining:         total,
		Eligible:          len(eligible),
	}, nil
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }
