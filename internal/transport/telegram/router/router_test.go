package router

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	kit "qotdbot/internal/transport"
	logx "qotdbot/pkg/logx"
)

type recSender struct {
	mu   sync.Mutex
	msgs []string
	sent chan string
}

func newRecSender() *recSender { return &recSender{sent: make(chan string, 16)} }

func (s *recSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	s.msgs = append(s.msgs, text)
	s.mu.Unlock()
	s.sent <- text
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func TestTokenizeCommandLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want []string
	}{
		{`/deck add Icebreakers`, []string{"/deck", "add", "Icebreakers"}},
		{`/question add 3 "What's your   favourite book?"`, []string{"/question", "add", "3", "What's your   favourite book?"}},
		{`/q add 1 'single quoted'`, []string{"/q", "add", "1", "single quoted"}},
		{`/q add 1 “smart quotes”`, []string{"/q", "add", "1", "smart quotes"}},
		{`/deck describe 2 ""`, []string{"/deck", "describe", "2", ""}},
		{`/x a\ b`, []string{"/x", "a b"}},
		{"   ", nil},
	}
	for _, tc := range tests {
		if got := tokenizeCommandLine(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("tokenize(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseFlags(t *testing.T) {
	t.Parallel()

	pos, flags, bools := parseFlags([]string{"a", "--schedule", "0 9 * * *", "--decks=1,2", "--clear", "-5", "-v"})
	if !reflect.DeepEqual(pos, []string{"a", "-5"}) {
		t.Fatalf("pos=%q", pos)
	}
	if flags["schedule"] != "0 9 * * *" || flags["decks"] != "1,2" {
		t.Fatalf("flags=%v", flags)
	}
	if !bools["clear"] || !bools["v"] {
		t.Fatalf("bools=%v", bools)
	}
}

func TestNewReqIDIsSortable(t *testing.T) {
	t.Parallel()

	a, b := newReqID(), newReqID()
	if len(a) != 26 || a >= b {
		t.Fatalf("ids not monotonic: %q %q", a, b)
	}
}

func noop(context.Context, *Request) error { return nil }

func testRouter(out Sender, opts ...Option) *Router {
	r := New(logx.Nop(), out, opts...)
	r.SetRegistry([]Command{
		{Route: "deck list", Aliases: []string{"decks"}, Description: "list decks", Handle: noop},
		{Route: "deck add", Description: "create a deck", Access: AccessManager, Handle: noop},
		{Route: "subscribe", Description: "subscribe", Access: AccessManager, Handle: noop},
		{Route: "update-subscription", Description: "update", Access: AccessManager, Handle: noop},
	})
	return r
}

func TestMatch(t *testing.T) {
	t.Parallel()

	r := testRouter(newRecSender())
	tests := []struct {
		text  string
		route string
		args  []string
		group bool
		ok    bool
	}{
		{"/deck list", "deck list", []string{}, false, true},
		{"/deck@qotd_bot add Fun", "deck add", []string{"Fun"}, false, true},
		{"/deck_add Fun", "deck add", []string{"Fun"}, false, true},
		{"/decks", "deck list", []string{}, false, true},
		{"/update_subscription --clear", "update-subscription", []string{"--clear"}, false, true},
		{"/deck", "", []string{}, true, true},
		{"/nope", "", nil, false, false},
		{"hello", "", nil, false, false},
	}
	for _, tc := range tests {
		cmd, _, args, group, ok := r.match(tc.text)
		if ok != tc.ok || group != tc.group {
			t.Fatalf("match(%q) ok=%v group=%v", tc.text, ok, group)
		}
		if cmd != nil && cmd.Route != tc.route {
			t.Fatalf("match(%q) route=%q want %q", tc.text, cmd.Route, tc.route)
		}
		if tc.ok && !tc.group && !reflect.DeepEqual(args, tc.args) {
			t.Fatalf("match(%q) args=%q want %q", tc.text, args, tc.args)
		}
	}
}

func TestHelpText(t *testing.T) {
	t.Parallel()

	r := testRouter(newRecSender())
	top := r.helpText(nil)
	for _, want := range []string{"/deck", "/subscribe", "/help", "🔒"} {
		if !strings.Contains(top, want) {
			t.Fatalf("top help missing %q:\n%s", want, top)
		}
	}
	if strings.Index(top, "/help") > strings.Index(top, "/subscribe") {
		t.Fatalf("restricted commands should come last:\n%s", top)
	}
	node := r.helpText([]string{"deck"})
	if !strings.Contains(node, "/deck add") || !strings.Contains(node, "/deck list") {
		t.Fatalf("group help:\n%s", node)
	}
	if leaf := r.helpText([]string{"decks"}); !strings.Contains(leaf, "list decks") {
		t.Fatalf("alias help:\n%s", leaf)
	}
}

func TestMenuCommands(t *testing.T) {
	t.Parallel()

	r := testRouter(newRecSender())
	seen := map[string]string{}
	for _, c := range r.menu {
		seen[c.Command] = c.Description
	}
	for _, want := range []string{"deck", "deck_add", "deck_list", "help", "subscribe", "update_subscription"} {
		if _, ok := seen[want]; !ok {
			t.Fatalf("menu missing %q: %v", want, r.menu)
		}
	}
	if !strings.HasPrefix(seen["deck_add"], "🔒") {
		t.Fatalf("deck_add not marked restricted: %q", seen["deck_add"])
	}
}

func TestDispatchAccessControl(t *testing.T) {
	t.Parallel()

	out := newRecSender()
	var (
		mu  sync.Mutex
		ran []int64
	)
	handled := make(chan struct{}, 4)
	r := New(logx.Nop(), out,
		WithOwners([]int64{1}),
		WithAuthorizer(AuthorizerFunc(func(_ context.Context, chatID, userID int64) (bool, error) {
			return userID == 2, nil
		})),
	)
	r.SetRegistry([]Command{{
		Route:  "subscribe",
		Access: AccessManager,
		Handle: func(_ context.Context, req *Request) error {
			mu.Lock()
			ran = append(ran, req.FromID)
			mu.Unlock()
			if req.ChannelID != "-100:7" {
				t.Errorf("channel id %q", req.ChannelID)
			}
			handled <- struct{}{}
			return nil
		},
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := make(chan kit.Update, 4)
	done := make(chan struct{})
	go func() {
		_ = r.DispatchLoop(ctx, updates)
		close(done)
	}()

	send := func(from int64) {
		updates <- kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{ChatID: -100, ThreadID: 7, FromID: from, Text: "/subscribe", IsGroup: true}}
	}
	wait := func(what string) {
		select {
		case <-handled:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %s", what)
		}
	}

	send(1) // owner
	wait("owner")
	send(2) // authorized
	wait("admin")
	send(3) // rejected
	select {
	case msg := <-out.sent:
		if !strings.Contains(msg, "chat admin") {
			t.Fatalf("rejection reply %q", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no rejection reply")
	}

	cancel()
	<-done
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(ran, []int64{1, 2}) {
		t.Fatalf("handlers ran for %v", ran)
	}
}

func TestReplyErrorShowsUserErrors(t *testing.T) {
	t.Parallel()

	out := newRecSender()
	req := &Request{ReqID: "RID", out: out, Logger: logx.Nop()}
	h := Chain(func(context.Context, *Request) error { return Userf("deck %q not found", "a<b") }, MWReplyError())
	if err := h(context.Background(), req); !IsUserError(err) {
		t.Fatalf("err=%v", err)
	}
	if got := <-out.sent; got != "deck &#34;a&lt;b&#34; not found" {
		t.Fatalf("reply=%q", got)
	}
}

func TestMenuName(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"deck add", "deck_add"},
		{"Update-Subscription", "update_subscription"},
		{"__privileged__list__", "privileged_list"},
		{"q/edit", "q_edit"},
		{"7days", "cmd_7days"},
		{"émoji ✨", "moji"},
		{"!!!", ""},
		{strings.Repeat("abcdefghij", 4), "abcdefghijabcdefghijabcdefghijab"},
	}
	for _, tc := range tests {
		if got := menuName(tc.in); got != tc.want {
			t.Fatalf("menuName(%q)=%q want %q", tc.in, got, tc.want)
		}
	}
}
