package router

import (
	"context"
	"time"

	kit "qotdbot/internal/transport"
	logx "qotdbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	// AccessManager allows bot owners, chat administrators and users
	// granted privileges in the chat.
	AccessManager
	AccessOwnerOnly
)

type Command struct {
	// Route is a space-separated command path, e.g. "deck" or "deck add".
	Route       string
	Aliases     []string // root-level aliases, e.g. ["decks"]
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Update kit.Update
	Chat   kit.ChatTarget
	// ChannelID is the persisted form of Chat.
	ChannelID    string
	FromID       int64
	FromUsername string
	IsGroup      bool

	Path    []string // matched command path tokens
	Command string
	Args    []string // positionals after flags were removed

	RawArgs   []string
	Flags     map[string]string
	BoolFlags map[string]bool
	ReqID     string

	Owner  bool
	Logger logx.Logger

	out Sender
}

// Reply sends HTML text to the chat (and topic) the request came from.
func (r *Request) Reply(ctx context.Context, html string) error {
	_, err := r.out.SendText(ctx, r.Chat, html, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	return err
}

// Flag returns a --flag value.
func (r *Request) Flag(name string) (string, bool) {
	v, ok := r.Flags[name]
	return v, ok
}

// Bool reports whether a bare --flag was given.
func (r *Request) Bool(name string) bool { return r.BoolFlags[name] }

// Sender delivers replies.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Authorizer decides AccessManager commands for non-owners.
type Authorizer interface {
	CanManage(ctx context.Context, chatID, userID int64) (bool, error)
}

type AuthorizerFunc func(ctx context.Context, chatID, userID int64) (bool, error)

func (f AuthorizerFunc) CanManage(ctx context.Context, chatID, userID int64) (bool, error) {
	return f(ctx, chatID, userID)
}

// NewRequest builds a request for calling a handler directly, outside the
// dispatch loop. args are parsed for flags the same way chat input is.
func NewRequest(out Sender, chat kit.ChatTarget, fromID int64, args ...string) *Request {
	pos, flags, bools := parseFlags(args)
	return &Request{
		Chat:      chat,
		ChannelID: chat.ChannelID(),
		FromID:    fromID,
		Args:      pos,
		RawArgs:   args,
		Flags:     flags,
		BoolFlags: bools,
		ReqID:     newReqID(),
		Logger:    logx.Nop(),
		out:       out,
	}
}
