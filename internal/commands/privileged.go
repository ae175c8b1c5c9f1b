package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"qotdbot/internal/transport/telegram/router"
)

func (h *Handlers) privilegedCommands() []router.Command {
	return []router.Command{
		{
			Route:       "privileged add",
			Description: "let a user manage decks and subscriptions in this chat",
			Usage:       "/privileged add <user id>",
			Access:      router.AccessManager,
			Handle:      h.requireAdmin(h.privilegedAdd),
		},
		{
			Route:       "privileged remove",
			Description: "revoke a user's privileges in this chat",
			Usage:       "/privileged remove <user id>",
			Access:      router.AccessManager,
			Handle:      h.requireAdmin(h.privilegedRemove),
		},
		{
			Route:       "privileged list",
			Description: "list privileged users of this chat",
			Usage:       "/privileged list",
			Access:      router.AccessManager,
			Handle:      h.requireAdmin(h.privilegedList),
		},
		{
			Route:       "privileged clear",
			Description: "revoke every privileged user of this chat",
			Usage:       "/privileged clear",
			Access:      router.AccessManager,
			Handle:      h.requireAdmin(h.privilegedClear),
		},
	}
}

// requireAdmin narrows AccessManager to chat administrators; privileged
// users cannot grant privileges.
func (h *Handlers) requireAdmin(next router.HandlerFunc) router.HandlerFunc {
	return func(ctx context.Context, req *router.Request) error {
		if !req.Owner {
			ok, err := h.perms.IsAdmin(ctx, req.Chat.ChatID, req.FromID)
			if err != nil {
				return err
			}
			if !ok {
				return router.Userf("Only chat administrators can manage privileged users.")
			}
		}
		return next(ctx, req)
	}
}

func parseUserID(args []string) (int64, error) {
	if len(args) == 0 {
		return 0, router.Userf("Give the numeric Telegram user id.")
	}
	id, err := strconv.ParseInt(strings.TrimSpace(args[0]), 10, 64)
	if err != nil || id <= 0 {
		return 0, router.Userf("%q is not a Telegram user id.", args[0])
	}
	return id, nil
}

func (h *Handlers) privilegedAdd(ctx context.Context, req *router.Request) error {
	uid, err := parseUserID(req.Args)
	if err != nil {
		return err
	}
	added, err := h.store.AddPrivileged(ctx, req.Chat.ChatID, uid)
	if err != nil {
		return err
	}
	if !added {
		return router.Userf("User %d is already privileged.", uid)
	}
	return req.Reply(ctx, fmt.Sprintf("User <code>%d</code> can now manage decks and subscriptions here.", uid))
}

func (h *Handlers) privilegedRemove(ctx context.Context, req *router.Request) error {
	uid, err := parseUserID(req.Args)
	if err != nil {
		return err
	}
	removed, err := h.store.RemovePrivileged(ctx, req.Chat.ChatID, uid)
	if err != nil {
		return err
	}
	if !removed {
		return router.Userf("User %d is not privileged.", uid)
	}
	return req.Reply(ctx, fmt.Sprintf("User <code>%d</code> is no longer privileged.", uid))
}

func (h *Handlers) privilegedList(ctx context.Context, req *router.Request) error {
	ids, err := h.store.ListPrivileged(ctx, req.Chat.ChatID)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return req.Reply(ctx, "No privileged users. Chat administrators can always manage decks and subscriptions.")
	}
	var b strings.Builder
	b.WriteString("<b>Privileged users</b>\n")
	for _, id := range ids {
		fmt.Fprintf(&b, "\n• <code>%d</code>", id)
	}
	return req.Reply(ctx, b.String())
}

func (h *Handlers) privilegedClear(ctx context.Context, req *router.Request) error {
	n, err := h.store.ClearPrivileged(ctx, req.Chat.ChatID)
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Removed %s.", plural(n, "privileged user", "privileged users")))
}
