// Package dispatch runs one timer firing: load the subscription, pick the
// next question, send it and move the rotation cursor.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qotdbot/internal/eventbus"
	"qotdbot/internal/rotation"
	"qotdbot/internal/storage"
	kit "qotdbot/internal/transport"
	logx "qotdbot/pkg/logx"
)

// Store is the persistence the dispatcher reads and writes.
type Store interface {
	GetSubscription(ctx context.Context, channelID string) (storage.SubscriptionWithDecks, error)
	QuestionsByDeck(ctx context.Context, deckID int64) ([]storage.Question, error)
	AdvanceCursor(ctx context.Context, a storage.Advance) error
}

// Messenger delivers posts.
type Messenger interface {
	ResolveChat(ctx context.Context, channelID string) (kit.ChatTarget, error)
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

type Option func(*Dispatcher)

// WithRand fixes the randomness source used for deck selection.
func WithRand(r rotation.Rand) Option { return func(d *Dispatcher) { d.rng = r } }

func WithBus(b eventbus.Bus) Option { return func(d *Dispatcher) { d.bus = b } }

type Dispatcher struct {
	store Store
	msg   Messenger
	log   logx.Logger
	bus   eventbus.Bus
	rng   rotation.Rand
}

func New(store Store, msg Messenger, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{store: store, msg: msg, log: log}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Result describes a successful post.
type Result struct {
	Message  kit.MessageRef
	Deck     storage.SubscriptionDeck
	Question storage.Question
	Post     Post
}

// Fire posts the next question for channelID. Every failure is logged here
// and swallowed; the next tick is the retry.
func (d *Dispatcher) Fire(ctx context.Context, channelID string) {
	start := time.Now()
	res, err := d.Post(ctx, channelID)
	log := d.log.With(logx.String("channel", channelID))
	if err == nil {
		log.Info("question posted",
			logx.Int64("deck_id", res.Deck.DeckID),
			logx.Int64("question_id", res.Question.ID),
			logx.Int("position", res.Post.Position),
			logx.Int("total", res.Post.Total),
			logx.Duration("took", time.Since(start)))
		d.publish(eventbus.TypeQuestionPosted, eventbus.QuestionPosted{
			ChannelID:  channelID,
			DeckID:     res.Deck.DeckID,
			DeckName:   res.Deck.DeckName,
			QuestionID: res.Question.ID,
			Position:   res.Post.Position,
			Total:      res.Post.Total,
			Remaining:  res.Post.Remaining,
		})
		return
	}

	stage := StageOf(err)
	switch {
	case errors.Is(err, ErrNothingToPost):
		log.Debug("nothing to post", logx.Err(err))
	case errors.Is(err, rotation.ErrNoContent):
		log.Warn("no decks with questions", logx.String("stage", string(stage)))
	case errors.Is(err, storage.ErrCursorConflict):
		log.Warn("cursor changed during firing; question was posted but position not saved", logx.String("stage", string(stage)))
	default:
		log.Error("firing failed", logx.String("stage", string(stage)), logx.Err(err), logx.Duration("took", time.Since(start)))
	}
	d.publish(eventbus.TypeFireSkipped, eventbus.FireSkipped{ChannelID: channelID, Stage: string(stage), Reason: err.Error()})
}

// Post performs one firing and reports what happened. Errors are
// *FireError values tagged with the failing stage.
func (d *Dispatcher) Post(ctx context.Context, channelID string) (Result, error) {
	target, err := d.msg.ResolveChat(ctx, channelID)
	if err != nil {
		return Result{}, stageErr(StageResolve, channelID, err)
	}

	sub, err := d.store.GetSubscription(ctx, channelID)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{}, stageErr(StageLoad, channelID, fmt.Errorf("%w: no subscription", ErrNothingToPost))
	}
	if err != nil {
		return Result{}, stageErr(StageLoad, channelID, err)
	}
	if len(sub.Decks) == 0 {
		return Result{}, stageErr(StageLoad, channelID, fmt.Errorf("%w: subscription has no decks", ErrNothingToPost))
	}

	lists := make([][]storage.Question, len(sub.Decks))
	states := make([]rotation.DeckState, len(sub.Decks))
	for i, sd := range sub.Decks {
		qs, err := d.store.QuestionsByDeck(ctx, sd.DeckID)
		if err != nil {
			return Result{}, stageErr(StageCatalog, channelID, fmt.Errorf("deck %d: %w", sd.DeckID, err))
		}
		lists[i] = qs
		states[i] = rotation.DeckState{DeckID: sd.DeckID, Count: len(qs), Cursor: sd.CurrentQuestionIndex}
	}

	sel, err := rotation.Select(states, d.rng)
	if err != nil {
		return Result{}, stageErr(StageSelect, channelID, err)
	}
	deck := sub.Decks[sel.Deck]
	q := lists[sel.Deck][sel.QuestionIndex]
	post := Post{
		Question:  q.Text,
		DeckName:  deck.DeckName,
		Position:  sel.QuestionIndex + 1,
		Total:     states[sel.Deck].Count,
		Remaining: sel.Remaining,
		Decks:     sel.Eligible,
	}

	ref, err := d.msg.SendText(ctx, target, Render(post), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	if err != nil {
		return Result{}, stageErr(StageSend, channelID, err)
	}

	adv := storage.Advance{
		SubscriptionID:      sub.ID,
		DeckID:              deck.DeckID,
		ExpectQuestionIndex: deck.CurrentQuestionIndex,
		NewQuestionIndex:    sel.NextQuestionIndex,
	}
	if sel.Wrapped {
		next := sel.NextDeckIndex
		adv.NewDeckIndex = &next
	}
	res := Result{Message: ref, Deck: deck, Question: q, Post: post}
	if err := d.store.AdvanceCursor(ctx, adv); err != nil {
		return res, stageErr(StagePersist, channelID, err)
	}
	return res, nil
}

func (d *Dispatcher) publish(typ string, data any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
