package commands

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"

	"qotdbot/internal/schedule"
	"qotdbot/internal/storage"
	"qotdbot/internal/subscription"
	kit "qotdbot/internal/transport"
	"qotdbot/internal/transport/telegram/router"
	logx "qotdbot/pkg/logx"
)

type recSender struct {
	mu   sync.Mutex
	msgs []string
}

func (s *recSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, text)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (s *recSender) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		return ""
	}
	return s.msgs[len(s.msgs)-1]
}

type fakeAdmins map[int64]bool

func (f fakeAdmins) IsChatAdmin(_ context.Context, _, userID int64) (bool, error) {
	return f[userID], nil
}

const chatID = -100

type fixture struct {
	h     *Handlers
	store *storage.Memory
	reg   *schedule.Registry
	out   *recSender
	chat  kit.ChatTarget
}

func newFixture(t *testing.T, seed []storage.SeedDeck) *fixture {
	t.Helper()
	st := storage.NewMemory()
	reg := schedule.New(schedule.Config{}, schedule.FirerFunc(func(context.Context, string) {}), logx.Nop())
	subs := subscription.New(st, reg, nil, logx.Nop())
	h := New(Deps{
		Store:  st,
		Subs:   subs,
		Timers: reg,
		Admins: fakeAdmins{7: true},
		Seed:   seed,
	})
	return &fixture{h: h, store: st, reg: reg, out: &recSender{}, chat: kit.ChatTarget{ChatID: chatID}}
}

func (f *fixture) deck(t *testing.T, name string, questions ...string) storage.Deck {
	t.Helper()
	ctx := context.Background()
	d, err := f.store.CreateDeck(ctx, chatID, name, "")
	if err != nil {
		t.Fatal(err)
	}
	for _, q := range questions {
		if _, err := f.store.AddQuestion(ctx, d.ID, q); err != nil {
			t.Fatal(err)
		}
	}
	return d
}

func itoa(id int64) string { return strconv.FormatInt(id, 10) }

func (f *fixture) run(t *testing.T, fn router.HandlerFunc, from int64, args ...string) error {
	t.Helper()
	return fn(context.Background(), router.NewRequest(f.out, f.chat, from, args...))
}

func TestSplitQuestions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"Tea or coffee? Cats or dogs?", []string{"Tea or coffee?", "Cats or dogs?"}},
		{"  What now  ??  ", []string{"What now?"}},
		{"No mark at the end", []string{"No mark at the end?"}},
	}
	for _, tc := range tests {
		if got := splitQuestions(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("splitQuestions(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestDeckByRef(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil)
	d := f.deck(t, "Icebreakers")
	other, err := f.store.CreateDeck(ctx, 42, "Elsewhere", "")
	if err != nil {
		t.Fatal(err)
	}

	for _, ref := range []string{"icebreakers", " Icebreakers ", itoa(d.ID)} {
		got, err := f.h.deckByRef(ctx, chatID, ref)
		if err != nil || got.ID != d.ID {
			t.Fatalf("deckByRef(%q)=%+v, %v", ref, got, err)
		}
	}
	for _, ref := range []string{"", "Nope", itoa(other.ID)} {
		if _, err := f.h.deckByRef(ctx, chatID, ref); !router.IsUserError(err) {
			t.Fatalf("deckByRef(%q) err=%v, want user error", ref, err)
		}
	}
}

func TestSubscriptionFlow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil)
	f.deck(t, "Icebreakers", "Q1?", "Q2?")
	f.deck(t, "Deep Thoughts", "D1?")

	if err := f.run(t, f.h.subscribe, 7, "0 9 * * *", "Icebreakers", "deep thoughts"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got := f.out.last(); !strings.Contains(got, "Subscribed with 2 decks") || !strings.Contains(got, "Next posts") {
		t.Fatalf("subscribe reply %q", got)
	}
	if !f.reg.Has("-100") {
		t.Fatalf("timer not registered")
	}

	if err := f.run(t, f.h.subscriptionStatus, 1); err != nil {
		t.Fatalf("status: %v", err)
	}
	if got := f.out.last(); !strings.Contains(got, "👉 <b>Icebreakers</b>: next is question 1 of 2") {
		t.Fatalf("status reply %q", got)
	}

	if err := f.run(t, f.h.updateSubscription, 7, "--schedule", "@hourly"); err != nil {
		t.Fatalf("update schedule: %v", err)
	}
	sub, err := f.store.GetSubscription(ctx, "-100")
	if err != nil || sub.Schedule != "@hourly" {
		t.Fatalf("sub=%+v err=%v", sub, err)
	}

	if err := f.run(t, f.h.updateSubscription, 7, "--clear"); err != nil {
		t.Fatalf("update clear: %v", err)
	}
	if !strings.Contains(f.out.last(), "paused") || f.reg.Has("-100") {
		t.Fatalf("clear reply %q has=%v", f.out.last(), f.reg.Has("-100"))
	}

	if err := f.run(t, f.h.unsubscribe, 7); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if err := f.run(t, f.h.unsubscribe, 7); !router.IsUserError(err) {
		t.Fatalf("second unsubscribe err=%v", err)
	}
}

func TestSubscribeUserErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.deck(t, "Icebreakers", "Q1?")

	tests := []struct {
		name string
		args []string
	}{
		{"no args", nil},
		{"bad schedule", []string{"every morning", "Icebreakers"}},
		{"no decks", []string{"@daily"}},
		{"unknown deck", []string{"@daily", "Nope"}},
	}
	for _, tc := range tests {
		if err := f.run(t, f.h.subscribe, 7, tc.args...); !router.IsUserError(err) {
			t.Fatalf("%s: err=%v, want user error", tc.name, err)
		}
	}
	if f.reg.Has("-100") {
		t.Fatalf("timer registered after rejected subscribe")
	}
	if err := f.run(t, f.h.updateSubscription, 7, "--schedule", "@daily"); !router.IsUserError(err) {
		t.Fatalf("update without subscription err=%v", err)
	}
}

func TestDeckReplace(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil)
	d := f.deck(t, "Icebreakers", "Old?")

	if err := f.run(t, f.h.deckReplace, 7, "Icebreakers", "Tea or coffee? Cats or dogs? Tea or coffee?"); err != nil {
		t.Fatalf("replace: %v", err)
	}
	qs, err := f.store.QuestionsByDeck(ctx, d.ID)
	if err != nil {
		t.Fatal(err)
	}
	var texts []string
	for _, q := range qs {
		texts = append(texts, q.Text)
	}
	if !reflect.DeepEqual(texts, []string{"Tea or coffee?", "Cats or dogs?"}) {
		t.Fatalf("questions=%q", texts)
	}
	if !strings.Contains(f.out.last(), "2 questions added") {
		t.Fatalf("reply %q", f.out.last())
	}
}

func TestDeckDeletePausesEmptiedSubscription(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.deck(t, "Icebreakers", "Q1?")
	if err := f.run(t, f.h.subscribe, 7, "@daily", "Icebreakers"); err != nil {
		t.Fatal(err)
	}
	if err := f.run(t, f.h.deckDelete, 7, "Icebreakers"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !strings.Contains(f.out.last(), "paused") || f.reg.Has("-100") {
		t.Fatalf("reply %q has=%v", f.out.last(), f.reg.Has("-100"))
	}
}

func TestQuestionCommandsStayInChat(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil)
	d := f.deck(t, "Icebreakers")
	foreign, _ := f.store.CreateDeck(ctx, 42, "Elsewhere", "")
	fq, err := f.store.AddQuestion(ctx, foreign.ID, "Not yours?")
	if err != nil {
		t.Fatal(err)
	}

	if err := f.run(t, f.h.questionAdd, 7, "Icebreakers", "Tea", "or", "coffee?"); err != nil {
		t.Fatalf("add: %v", err)
	}
	qs, _ := f.store.QuestionsByDeck(ctx, d.ID)
	if len(qs) != 1 || qs[0].Text != "Tea or coffee?" {
		t.Fatalf("questions=%+v", qs)
	}
	if err := f.run(t, f.h.questionAdd, 7, "Icebreakers", "Tea or coffee?"); !router.IsUserError(err) {
		t.Fatalf("duplicate add err=%v", err)
	}
	if err := f.run(t, f.h.questionDelete, 7, itoa(fq.ID)); !router.IsUserError(err) {
		t.Fatalf("foreign delete err=%v", err)
	}
	if err := f.run(t, f.h.questionEdit, 7, "#"+itoa(qs[0].ID), "Cats or dogs?"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	if q, _ := f.store.Question(ctx, qs[0].ID); q.Text != "Cats or dogs?" {
		t.Fatalf("edited=%+v", q)
	}
}

func TestPrivilegedManagement(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil)
	auth := f.h.Authorizer()
	add := f.h.requireAdmin(f.h.privilegedAdd)

	// A privileged user cannot grant privileges.
	if _, err := f.store.AddPrivileged(ctx, chatID, 5); err != nil {
		t.Fatal(err)
	}
	if err := f.run(t, add, 5, "6"); !router.IsUserError(err) {
		t.Fatalf("privileged user granted privileges: %v", err)
	}
	if ok, _ := auth.CanManage(ctx, chatID, 6); ok {
		t.Fatalf("user 6 can manage")
	}

	if err := f.run(t, add, 7, "6"); err != nil {
		t.Fatalf("admin add: %v", err)
	}
	if ok, _ := auth.CanManage(ctx, chatID, 6); !ok {
		t.Fatalf("user 6 cannot manage after grant")
	}
	if err := f.run(t, add, 7, "6"); !router.IsUserError(err) {
		t.Fatalf("duplicate add err=%v", err)
	}
	if err := f.run(t, add, 7, "abc"); !router.IsUserError(err) {
		t.Fatalf("bad id err=%v", err)
	}

	if err := f.run(t, f.h.requireAdmin(f.h.privilegedClear), 7); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(f.out.last(), "2 privileged users") {
		t.Fatalf("clear reply %q", f.out.last())
	}
	if ok, _ := auth.CanManage(ctx, chatID, 5); ok {
		t.Fatalf("user 5 can manage after clear")
	}
}

func TestSeedOncePerChat(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	seed := []storage.SeedDeck{{Name: "Starter", Questions: []string{"Hello?"}}}
	f := newFixture(t, seed)

	var list router.HandlerFunc
	for _, c := range f.h.Commands() {
		if c.Route == "deck list" {
			list = c.Handle
		}
	}
	if list == nil {
		t.Fatalf("deck list not registered")
	}
	for range 2 {
		if err := f.run(t, list, 1); err != nil {
			t.Fatal(err)
		}
	}
	decks, err := f.store.ListDecks(ctx, chatID)
	if err != nil || len(decks) != 1 || decks[0].QuestionCount != 1 {
		t.Fatalf("decks=%+v err=%v", decks, err)
	}
	if !strings.Contains(f.out.last(), "Starter") {
		t.Fatalf("list reply %q", f.out.last())
	}

	// A deleted seed is not reinstalled by the same process.
	if _, err := f.store.DeleteDeck(ctx, decks[0].ID); err != nil {
		t.Fatal(err)
	}
	if err := f.run(t, list, 1); err != nil {
		t.Fatal(err)
	}
	if decks, _ := f.store.ListDecks(ctx, chatID); len(decks) != 0 {
		t.Fatalf("seed reinstalled: %+v", decks)
	}
}

func TestUserErrorMapping(t *testing.T) {
	t.Parallel()

	for _, err := range []error{schedule.ErrInvalidSchedule, subscription.ErrNoDecks, subscription.ErrSubscriptionNotFound, subscription.ErrUnknownDeck} {
		if got := userError(err); !router.IsUserError(got) {
			t.Fatalf("userError(%v)=%v", err, got)
		}
	}
	boom := errors.New("boom")
	if got := userError(boom); got != boom {
		t.Fatalf("userError passed through %v", got)
	}
}
