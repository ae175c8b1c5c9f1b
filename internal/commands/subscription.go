package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"qotdbot/internal/rotation"
	"qotdbot/internal/schedule"
	"qotdbot/internal/subscription"
	"qotdbot/internal/transport/telegram/router"
)

func (h *Handlers) subscriptionCommands() []router.Command {
	return []router.Command{
		{
			Route:       "subscribe",
			Description: "post questions in this chat on a schedule",
			Usage: "/subscribe <schedule> <deck> [deck...]\n" +
				"/subscribe \"0 9 * * *\" Icebreakers \"Deep Thoughts\"\n" +
				"/subscribe @daily all",
			Access: router.AccessManager,
			Handle: h.subscribe,
		},
		{
			Route:       "subscription",
			Aliases:     []string{"status"},
			Description: "show this chat's subscription",
			Usage:       "/subscription",
			Handle:      h.subscriptionStatus,
		},
		{
			Route:       "update-subscription",
			Description: "change the schedule or decks of this chat's subscription",
			Usage: "/update_subscription --schedule \"0 18 * * 1-5\"\n" +
				"/update_subscription --decks \"Icebreakers, Would You Rather\"\n" +
				"/update_subscription --clear",
			Access: router.AccessManager,
			Handle: h.updateSubscription,
		},
		{
			Route:       "unsubscribe",
			Description: "stop posting questions in this chat",
			Usage:       "/unsubscribe",
			Access:      router.AccessManager,
			Handle:      h.unsubscribe,
		},
	}
}

func (h *Handlers) subscribe(ctx context.Context, req *router.Request) error {
	args := req.Args
	expr, ok := req.Flag("schedule")
	if !ok {
		if len(args) == 0 {
			return router.Userf("Usage: /subscribe <schedule> <deck> [deck...]")
		}
		expr, args = args[0], args[1:]
	}
	if err := schedule.ValidateSchedule(expr); err != nil {
		return userError(err)
	}
	if len(args) == 0 {
		return router.Userf("Pick at least one deck, or \"all\". See /deck list.")
	}
	ids, err := h.deckIDs(ctx, req.Chat.ChatID, args)
	if err != nil {
		return err
	}
	sub, err := h.subs.Subscribe(ctx, req.ChannelID, req.Chat.ChatID, ids, expr)
	if err != nil {
		return userError(err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Subscribed with %s on <code>%s</code>.\n", plural(len(sub.Decks), "deck", "decks"), esc(sub.Schedule))
	for _, d := range sub.Decks {
		fmt.Fprintf(&b, "\n• %s", esc(d.DeckName))
	}
	h.writeNextRuns(&b, sub.Schedule)
	return req.Reply(ctx, b.String())
}

func (h *Handlers) subscriptionStatus(ctx context.Context, req *router.Request) error {
	sub, err := h.subs.Get(ctx, req.ChannelID)
	if err != nil {
		return userError(err)
	}

	var b strings.Builder
	b.WriteString("<b>Subscription</b>\n")
	fmt.Fprintf(&b, "\nSchedule: <code>%s</code>", esc(sub.Schedule))
	status := "🔴 paused (no decks)"
	if sub.IsActive {
		status = "🟢 active"
	}
	fmt.Fprintf(&b, "\nStatus: %s", status)
	if n := len(sub.Decks); n > 0 {
		idx := sub.CurrentDeckIndex
		if idx < 0 || idx >= n {
			idx = 0
		}
		fmt.Fprintf(&b, "\nCurrent deck: %d of %d, %s", idx+1, n, esc(sub.Decks[idx].DeckName))
		b.WriteString("\n\n<b>Decks</b>")
		for i, d := range sub.Decks {
			qs, err := h.store.QuestionsByDeck(ctx, d.DeckID)
			if err != nil {
				return err
			}
			marker := "•"
			if i == idx {
				marker = "👉"
			}
			if len(qs) == 0 {
				fmt.Fprintf(&b, "\n%s <b>%s</b>: no questions", marker, esc(d.DeckName))
				continue
			}
			next := rotation.NormalizeCursor(d.CurrentQuestionIndex, len(qs)) + 1
			fmt.Fprintf(&b, "\n%s <b>%s</b>: next is question %d of %d", marker, esc(d.DeckName), next, len(qs))
		}
	}
	if sub.IsActive && h.timers != nil && h.timers.Has(req.ChannelID) {
		h.writeNextRuns(&b, sub.Schedule)
	}
	return req.Reply(ctx, b.String())
}

func (h *Handlers) updateSubscription(ctx context.Context, req *router.Request) error {
	var upd subscription.UpdateRequest
	if v, ok := req.Flag("schedule"); ok {
		upd.Schedule = &v
	}
	switch v, ok := req.Flag("decks"); {
	case req.Bool("clear"):
		empty := []int64{}
		upd.DeckIDs = &empty
	case ok:
		var refs []string
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				refs = append(refs, r)
			}
		}
		if len(refs) == 0 {
			return router.Userf("--decks needs at least one deck. Use --clear to remove all decks.")
		}
		ids, err := h.deckIDs(ctx, req.Chat.ChatID, refs)
		if err != nil {
			return err
		}
		upd.DeckIDs = &ids
	}
	if upd.Schedule == nil && upd.DeckIDs == nil {
		return router.Userf("Nothing to change. Use --schedule, --decks or --clear.")
	}

	sub, err := h.subs.Update(ctx, req.ChannelID, upd)
	if err != nil {
		return userError(err)
	}
	if !sub.IsActive {
		return req.Reply(ctx, "Subscription updated. It has no decks now, so it is paused until decks are added with <code>--decks</code>.")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Subscription updated: %s on <code>%s</code>.", plural(len(sub.Decks), "deck", "decks"), esc(sub.Schedule))
	if upd.DeckIDs != nil {
		b.WriteString(" Deck positions were reset.")
	}
	h.writeNextRuns(&b, sub.Schedule)
	return req.Reply(ctx, b.String())
}

func (h *Handlers) unsubscribe(ctx context.Context, req *router.Request) error {
	removed, err := h.subs.Unsubscribe(ctx, req.ChannelID)
	if err != nil {
		return err
	}
	if !removed {
		return router.Userf("This chat has no subscription to remove.")
	}
	return req.Reply(ctx, "Unsubscribed. No more questions will be posted here.")
}

func (h *Handlers) writeNextRuns(b *strings.Builder, expr string) {
	loc := time.UTC
	if h.timers != nil {
		loc = h.timers.Location()
	}
	runs, err := schedule.NextRuns(expr, loc, time.Now(), 3)
	if err != nil || len(runs) == 0 {
		return
	}
	b.WriteString("\n\n<b>Next posts</b>")
	for _, t := range runs {
		fmt.Fprintf(b, "\n• %s", t.Format("Mon 02 Jan 15:04 MST"))
	}
}
