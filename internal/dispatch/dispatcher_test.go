package dispatch

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"

	"qotdbot/internal/eventbus"
	"qotdbot/internal/rotation"
	"qotdbot/internal/storage"
	kit "qotdbot/internal/transport"
	logx "qotdbot/pkg/logx"
)

type fakeMessenger struct {
	mu         sync.Mutex
	sent       []string
	resolveErr error
	sendErr    error
}

func (f *fakeMessenger) ResolveChat(_ context.Context, channelID string) (kit.ChatTarget, error) {
	if f.resolveErr != nil {
		return kit.ChatTarget{}, f.resolveErr
	}
	return kit.ChatTarget{ChatID: 1}, nil
}

func (f *fakeMessenger) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return kit.MessageRef{}, f.sendErr
	}
	f.sent = append(f.sent, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

type fixedRand struct{ v int }

func (f fixedRand) IntN(n int) int { return f.v % n }

// conflictStore bumps the cursor between read and write.
type conflictStore struct {
	*storage.Memory
}

func (c conflictStore) AdvanceCursor(ctx context.Context, a storage.Advance) error {
	_ = c.Memory.UpdateQuestionIndex(ctx, a.SubscriptionID, a.DeckID, a.ExpectQuestionIndex+5)
	return c.Memory.AdvanceCursor(ctx, a)
}

func setup(t *testing.T, decks map[string][]string, order ...string) (*storage.Memory, []int64) {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory()
	ids := make([]int64, 0, len(order))
	for _, name := range order {
		d, err := st.CreateDeck(ctx, 1, name, "")
		if err != nil {
			t.Fatal(err)
		}
		for _, q := range decks[name] {
			if _, err := st.AddQuestion(ctx, d.ID, q); err != nil {
				t.Fatal(err)
			}
		}
		ids = append(ids, d.ID)
	}
	if _, err := st.ReplaceSubscription(ctx, storage.SubscriptionInput{ChannelID: "1", ChatID: 1, Schedule: "@daily", DeckIDs: ids}); err != nil {
		t.Fatal(err)
	}
	return st, ids
}

func TestPostAdvancesCursorAndRenders(t *testing.T) {
	t.Parallel()

	st, ids := setup(t, map[string][]string{"A": {"a1", "a2"}}, "A")
	msg := &fakeMessenger{}
	d := New(st, msg, logx.Nop())
	ctx := context.Background()

	res, err := d.Post(ctx, "1")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if res.Question.Text != "a1" || res.Post.Position != 1 || res.Post.Total != 2 || res.Post.Remaining != 2 {
		t.Fatalf("res=%+v", res)
	}
	if !strings.Contains(msg.sent[0], "a1") || !strings.Contains(msg.sent[0], "1 of 2") || !strings.Contains(msg.sent[0], "2 questions remaining across 1 deck") {
		t.Fatalf("message=%q", msg.sent[0])
	}
	sub, _ := st.GetSubscription(ctx, "1")
	if sub.Decks[0].CurrentQuestionIndex != 1 {
		t.Fatalf("cursor=%d want 1", sub.Decks[0].CurrentQuestionIndex)
	}

	// Second post wraps the only deck.
	if res, err = d.Post(ctx, "1"); err != nil || res.Question.Text != "a2" {
		t.Fatalf("second post: %+v %v", res, err)
	}
	sub, _ = st.GetSubscription(ctx, "1")
	if sub.Decks[0].CurrentQuestionIndex != 0 || sub.Decks[0].DeckID != ids[0] {
		t.Fatalf("after wrap: %+v", sub)
	}
}

// Five firings over decks of three and two questions: every firing sends,
// cursors stay inside their decks and each deck posts in order.
func TestPostFiveFiringsKeepCursorsInRange(t *testing.T) {
	t.Parallel()

	for seed := uint64(1); seed <= 20; seed++ {
		st, ids := setup(t, map[string][]string{"D1": {"q1", "q2", "q3"}, "D2": {"r1", "r2"}}, "D1", "D2")
		size := map[int64]int{ids[0]: 3, ids[1]: 2}
		msg := &fakeMessenger{}
		d := New(st, msg, logx.Nop(), WithRand(rand.New(rand.NewPCG(seed, seed))))
		ctx := context.Background()

		next := map[int64]int{}
		for i := 0; i < 5; i++ {
			res, err := d.Post(ctx, "1")
			if err != nil {
				t.Fatalf("seed %d firing %d: %v", seed, i, err)
			}
			deckID := res.Deck.DeckID
			if got := res.Post.Position - 1; got != next[deckID] {
				t.Fatalf("seed %d firing %d: deck %d posted index %d want %d", seed, i, deckID, got, next[deckID])
			}
			next[deckID] = (next[deckID] + 1) % size[deckID]

			sub, err := st.GetSubscription(ctx, "1")
			if err != nil {
				t.Fatal(err)
			}
			for _, sd := range sub.Decks {
				if sd.CurrentQuestionIndex < 0 || sd.CurrentQuestionIndex >= size[sd.DeckID] {
					t.Fatalf("seed %d firing %d: deck %d cursor=%d out of range", seed, i, sd.DeckID, sd.CurrentQuestionIndex)
				}
			}
		}
		if len(msg.sent) != 5 {
			t.Fatalf("seed %d: sent=%d want 5", seed, len(msg.sent))
		}
	}
}

func TestPostWrapMovesDeckIndex(t *testing.T) {
	t.Parallel()

	st, ids := setup(t, map[string][]string{"A": {"a1"}, "B": {"b1", "b2"}}, "A", "B")
	d := New(st, &fakeMessenger{}, logx.Nop(), WithRand(fixedRand{0}))
	ctx := context.Background()

	res, err := d.Post(ctx, "1")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if res.Deck.DeckID != ids[0] {
		t.Fatalf("picked deck %d want %d", res.Deck.DeckID, ids[0])
	}
	sub, _ := st.GetSubscription(ctx, "1")
	if sub.CurrentDeckIndex != 1 {
		t.Fatalf("current_deck_index=%d want 1", sub.CurrentDeckIndex)
	}
}

func TestPostOutOfRangeCursorSelfHeals(t *testing.T) {
	t.Parallel()

	st, ids := setup(t, map[string][]string{"A": {"a1", "a2", "a3"}}, "A")
	ctx := context.Background()
	sub, _ := st.GetSubscription(ctx, "1")
	if err := st.UpdateQuestionIndex(ctx, sub.ID, ids[0], 9); err != nil {
		t.Fatal(err)
	}

	res, err := New(st, &fakeMessenger{}, logx.Nop()).Post(ctx, "1")
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if res.Question.Text != "a1" {
		t.Fatalf("posted %q want a1", res.Question.Text)
	}
	sub, _ = st.GetSubscription(ctx, "1")
	if sub.Decks[0].CurrentQuestionIndex != 1 {
		t.Fatalf("cursor=%d want 1", sub.Decks[0].CurrentQuestionIndex)
	}
}

func TestPostFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	tests := []struct {
		name      string
		build     func(t *testing.T) (Store, *fakeMessenger)
		stage     Stage
		target    error
		wantSends int
	}{
		{
			name: "unresolvable chat",
			build: func(t *testing.T) (Store, *fakeMessenger) {
				st, _ := setup(t, map[string][]string{"A": {"a1"}}, "A")
				return st, &fakeMessenger{resolveErr: kit.ErrChatNotFound}
			},
			stage:  StageResolve,
			target: kit.ErrChatNotFound,
		},
		{
			name: "no subscription",
			build: func(t *testing.T) (Store, *fakeMessenger) {
				return storage.NewMemory(), &fakeMessenger{}
			},
			stage:  StageLoad,
			target: ErrNothingToPost,
		},
		{
			name: "no decks",
			build: func(t *testing.T) (Store, *fakeMessenger) {
				st := storage.NewMemory()
				_, _ = st.ReplaceSubscription(ctx, storage.SubscriptionInput{ChannelID: "1", ChatID: 1, Schedule: "@daily"})
				return st, &fakeMessenger{}
			},
			stage:  StageLoad,
			target: ErrNothingToPost,
		},
		{
			name: "only empty decks",
			build: func(t *testing.T) (Store, *fakeMessenger) {
				st, _ := setup(t, map[string][]string{}, "A", "B")
				return st, &fakeMessenger{}
			},
			stage:  StageSelect,
			target: rotation.ErrNoContent,
		},
		{
			name: "send fails",
			build: func(t *testing.T) (Store, *fakeMessenger) {
				st, _ := setup(t, map[string][]string{"A": {"a1"}}, "A")
				return st, &fakeMessenger{sendErr: errors.New("telegram down")}
			},
			stage: StageSend,
		},
		{
			name: "cursor conflict",
			build: func(t *testing.T) (Store, *fakeMessenger) {
				st, _ := setup(t, map[string][]string{"A": {"a1", "a2"}}, "A")
				return conflictStore{st}, &fakeMessenger{}
			},
			stage:     StagePersist,
			target:    storage.ErrCursorConflict,
			wantSends: 1,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st, msg := tc.build(t)
			_, err := New(st, msg, logx.Nop()).Post(ctx, "1")
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := StageOf(err); got != tc.stage {
				t.Fatalf("stage=%q want %q (err=%v)", got, tc.stage, err)
			}
			if tc.target != nil && !errors.Is(err, tc.target) {
				t.Fatalf("err=%v want %v", err, tc.target)
			}
			if len(msg.sent) != tc.wantSends {
				t.Fatalf("sent %d messages want %d", len(msg.sent), tc.wantSends)
			}
		})
	}
}

func TestSendFailureLeavesCursor(t *testing.T) {
	t.Parallel()

	st, _ := setup(t, map[string][]string{"A": {"a1", "a2"}}, "A")
	ctx := context.Background()
	d := New(st, &fakeMessenger{sendErr: errors.New("boom")}, logx.Nop())
	d.Fire(ctx, "1")
	sub, _ := st.GetSubscription(ctx, "1")
	if sub.Decks[0].CurrentQuestionIndex != 0 {
		t.Fatalf("cursor moved after failed send: %d", sub.Decks[0].CurrentQuestionIndex)
	}
}

func TestFirePublishesEvents(t *testing.T) {
	t.Parallel()

	st, _ := setup(t, map[string][]string{"A": {"a1"}}, "A")
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	ctx := context.Background()
	d := New(st, &fakeMessenger{}, logx.Nop(), WithBus(bus))
	d.Fire(ctx, "1")
	d.Fire(ctx, "missing")

	if e := <-ch; e.Type != eventbus.TypeQuestionPosted {
		t.Fatalf("first event %q", e.Type)
	}
	e := <-ch
	skipped, ok := e.Data.(eventbus.FireSkipped)
	if e.Type != eventbus.TypeFireSkipped || !ok || skipped.Stage != string(StageLoad) {
		t.Fatalf("second event %+v", e)
	}
}

func TestRenderEscapesHTML(t *testing.T) {
	t.Parallel()

	out := Render(Post{Question: "<b>x</b> & y?", DeckName: "R&D", Position: 1, Total: 1, Remaining: 1, Decks: 1})
	if strings.Contains(out, "<b>x</b>") || !strings.Contains(out, "&lt;b&gt;x&lt;/b&gt; &amp; y?") || !strings.Contains(out, "R&amp;D") {
		t.Fatalf("render=%q", out)
	}
	if !strings.Contains(out, "1 question remaining across 1 deck") {
		t.Fatalf("render=%q", out)
	}
}
