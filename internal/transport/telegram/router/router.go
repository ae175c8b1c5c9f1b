package router

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "qotdbot/internal/runtime/supervisor"
	kit "qotdbot/internal/transport"
	logx "qotdbot/pkg/logx"
)

const defaultCommandTimeout = 20 * time.Second

type Router struct {
	mu     sync.RWMutex
	root   *cmdNode
	alias  map[string]*cmdNode // alias -> leaf node
	menu   []kit.BotCommand
	owners []int64

	log  logx.Logger
	out  Sender
	auth Authorizer

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor

	jobs chan func()
}

type Option func(*Router)

func WithOwners(ids []int64) Option {
	return func(r *Router) { r.owners = append([]int64(nil), ids...) }
}

func WithAuthorizer(a Authorizer) Option { return func(r *Router) { r.auth = a } }

func New(log logx.Logger, out Sender, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		root:  newRoot(),
		alias: map[string]*cmdNode{},
		log:   log,
		out:   out,
		jobs:  make(chan func(), 256),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetOwners replaces the owner list. Safe during hot reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Contains(r.owners, id)
}

// SetRegistry installs cmds plus the built-in /help.
func (r *Router) SetRegistry(cmds []Command) {
	cmds = append(cmds, Command{
		Route:       "help",
		Aliases:     []string{"h", "start"},
		Description: "show available commands",
		Usage:       "/help [command] [subcommand]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.helpText(req.Args))
		},
	})

	root := newRoot()
	alias := map[string]*cmdNode{}
	menuCandidates := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		route := splitRoute(c.Route)
		if len(route) == 0 || c.Handle == nil {
			continue
		}
		root.add(route, c)
		menuCandidates = append(menuCandidates, c)

		leaf := root.find(route)
		// Multi-token routes get a Telegram-safe shortcut (/deck_add). The
		// bare single-token name is never aliased so subcommand traversal
		// still reaches "deck add".
		if menu, ok := routeShortcut(route); ok && (len(route) > 1 || menu != route[0]) {
			if _, exists := alias[menu]; !exists {
				alias[menu] = leaf
			}
		}
		for _, a := range c.Aliases {
			a = strings.TrimSpace(a)
			if a == "" || strings.Contains(a, " ") {
				continue
			}
			alias[a] = leaf
			if sa := menuName(a); sa != "" {
				if _, exists := alias[sa]; !exists {
					alias[sa] = leaf
				}
			}
		}
	}
	menu := buildMenu(root, menuCandidates)

	r.mu.Lock()
	r.root = root
	r.alias = alias
	r.menu = menu
	r.mu.Unlock()
}

// SyncMenu pushes the command list to Telegram's /menu when the sender
// supports it.
func (r *Router) SyncMenu(ctx context.Context) error {
	up, ok := r.out.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	r.mu.RLock()
	menu := r.menu
	r.mu.RUnlock()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return up.UpdateMenuCommands(ctx, menu)
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// Running reports whether DispatchLoop is active.
func (r *Router) Running() bool {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	return r.running
}

func (r *Router) setRunning(sup *rtsup.Supervisor, running bool) {
	r.runMu.Lock()
	r.sup = sup
	r.running = running
	r.runMu.Unlock()
}

// DispatchLoop routes updates to a bounded worker pool until ctx ends or
// updates is closed.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := max(runtime.NumCPU(), 2)
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	r.setRunning(sup, true)
	r.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("job_queue_cap", cap(r.jobs)))

	var closeOnce sync.Once
	closeJobs := func() {
		closeOnce.Do(func() {
			r.setRunning(sup, false)
			close(r.jobs)
		})
	}

	for i := range workers {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-r.jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		closeJobs()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.setRunning(nil, false)
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			if up.Kind == kit.UpdateMessage && up.Message != nil {
				r.routeMessage(ctx, up)
			}
		}
	}
}

// match resolves command text to a command, its path and the remaining
// args. ok is false for non-commands and unknown names; group is set for a
// command group without a handler.
func (r *Router) match(text string) (cmd *Command, path, args []string, group bool, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil, nil, nil, false, false
	}
	parts := tokenizeCommandLine(text)
	if len(parts) == 0 {
		return nil, nil, nil, false, false
	}
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	args = parts[1:]

	r.mu.RLock()
	rootNode := r.root
	aliasMap := r.alias
	r.mu.RUnlock()

	if leaf, hit := aliasMap[word]; hit && leaf != nil && leaf.cmd != nil {
		return leaf.cmd, splitRoute(leaf.cmd.Route), args, false, true
	}

	cur, hit := rootNode.child(word)
	if !hit {
		return nil, nil, args, false, false
	}
	path = []string{word}
	for len(args) > 0 {
		if strings.HasPrefix(args[0], "-") {
			break
		}
		child, hit := cur.child(args[0])
		if !hit {
			break
		}
		cur = child
		path = append(path, args[0])
		args = args[1:]
	}
	if cur.cmd == nil {
		return nil, path, args, true, true
	}
	return cur.cmd, path, args, false, true
}

func (r *Router) routeMessage(root context.Context, up kit.Update) {
	msg := up.Message
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	cmd, path, args, group, ok := r.match(msg.Text)
	if !ok {
		// Groups see commands meant for other bots; only answer in private.
		if strings.HasPrefix(strings.TrimSpace(msg.Text), "/") && !msg.IsGroup {
			_, _ = r.out.SendText(root, chat, "Unknown command. Try /help", nil)
		}
		return
	}
	if group {
		_, _ = r.out.SendText(root, chat, r.helpText(path), &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
		return
	}

	owner := r.isOwner(msg.FromID)
	if cmd.Access == AccessOwnerOnly && !owner {
		_, _ = r.out.SendText(root, chat, "This command is reserved for the bot owner.", nil)
		return
	}

	pos, flags, bools := parseFlags(args)
	rid := newReqID()
	req := &Request{
		Update:       up,
		Chat:         chat,
		ChannelID:    chat.ChannelID(),
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		IsGroup:      msg.IsGroup,
		Path:         path,
		Command:      cmd.Route,
		Args:         pos,
		RawArgs:      args,
		Flags:        flags,
		BoolFlags:    bools,
		ReqID:        rid,
		Owner:        owner,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int("thread_id", msg.ThreadID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Route),
		),
		out: r.out,
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(timeout),
		MWReplyError(),
		MWAccess(cmd.Access, r.auth),
	)
	if !r.tryEnqueue(func() { _ = final(root, req) }) {
		_, _ = r.out.SendText(root, chat, "Busy, try again in a moment.", nil)
	}
}

// UserError is an error whose message is safe to show in chat.
type UserError struct{ Msg string }

func (e *UserError) Error() string { return e.Msg }

// Userf builds a *UserError.
func Userf(format string, args ...any) error {
	return &UserError{Msg: fmt.Sprintf(format, args...)}
}

// IsUserError reports whether err carries a chat-safe message.
func IsUserError(err error) bool {
	var ue *UserError
	return errors.As(err, &ue)
}
