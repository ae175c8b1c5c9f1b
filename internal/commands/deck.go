package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"qotdbot/internal/storage"
	"qotdbot/internal/transport/telegram/router"
	logx "qotdbot/pkg/logx"
)

func (h *Handlers) deckCommands() []router.Command {
	return []router.Command{
		{
			Route:       "deck list",
			Aliases:     []string{"decks"},
			Description: "list the decks of this chat",
			Usage:       "/deck list",
			Handle:      h.deckList,
		},
		{
			Route:       "deck show",
			Description: "show the questions of a deck",
			Usage:       "/deck show <deck>",
			Handle:      h.deckShow,
		},
		{
			Route:       "deck create",
			Description: "create a deck",
			Usage:       "/deck create <name> [description]\n/deck create \"Friday Fun\" Light questions for the weekend",
			Access:      router.AccessManager,
			Handle:      h.deckCreate,
		},
		{
			Route:       "deck rename",
			Description: "rename a deck, optionally changing its description",
			Usage:       "/deck rename <deck> <new name> [--description text]",
			Access:      router.AccessManager,
			Handle:      h.deckRename,
		},
		{
			Route:       "deck describe",
			Description: "change a deck's description",
			Usage:       "/deck describe <deck> <description>",
			Access:      router.AccessManager,
			Handle:      h.deckDescribe,
		},
		{
			Route:       "deck delete",
			Description: "delete a deck and all its questions",
			Usage:       "/deck delete <deck>",
			Access:      router.AccessManager,
			Handle:      h.deckDelete,
		},
		{
			Route:       "deck replace",
			Description: "replace every question of a deck; questions are separated by '?'",
			Usage:       "/deck replace <deck> First question? Second question?",
			Access:      router.AccessManager,
			Handle:      h.deckReplace,
		},
	}
}

func (h *Handlers) deckList(ctx context.Context, req *router.Request) error {
	decks, err := h.store.ListDecks(ctx, req.Chat.ChatID)
	if err != nil {
		return err
	}
	if len(decks) == 0 {
		return req.Reply(ctx, "No decks yet. Create one with <code>/deck create &lt;name&gt;</code>.")
	}
	var b strings.Builder
	b.WriteString("<b>Decks</b>\n")
	for _, d := range decks {
		fmt.Fprintf(&b, "\n• <b>%s</b> <code>#%d</code>: %s", esc(d.Name), d.ID, plural(d.QuestionCount, "question", "questions"))
		if d.Description != "" {
			fmt.Fprintf(&b, "\n  <i>%s</i>", esc(d.Description))
		}
	}
	return req.Reply(ctx, b.String())
}

func (h *Handlers) deckShow(ctx context.Context, req *router.Request) error {
	d, err := h.deckByRef(ctx, req.Chat.ChatID, restText(req.Args, 0))
	if err != nil {
		return err
	}
	qs, err := h.store.QuestionsByDeck(ctx, d.ID)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b> <code>#%d</code>", esc(d.Name), d.ID)
	if d.Description != "" {
		fmt.Fprintf(&b, "\n<i>%s</i>", esc(d.Description))
	}
	if len(qs) == 0 {
		b.WriteString("\n\nThis deck has no questions. Add one with <code>/question add</code>.")
		return req.Reply(ctx, b.String())
	}
	b.WriteString("\n")
	for i, q := range qs {
		fmt.Fprintf(&b, "\n%d. %s <code>#%d</code>", i+1, esc(q.Text), q.ID)
	}
	return req.Reply(ctx, b.String())
}

func (h *Handlers) deckCreate(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return router.Userf("Usage: /deck create <name> [description]")
	}
	d, err := h.store.CreateDeck(ctx, req.Chat.ChatID, req.Args[0], restText(req.Args, 1))
	if errors.Is(err, storage.ErrDuplicate) {
		return router.Userf("A deck named %q already exists in this chat.", req.Args[0])
	}
	if err != nil {
		return err
	}
	req.Logger.Info("deck created", logx.Int64("deck_id", d.ID))
	return req.Reply(ctx, fmt.Sprintf("Created deck <b>%s</b> <code>#%d</code>.", esc(d.Name), d.ID))
}

func (h *Handlers) deckRename(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 2 {
		return router.Userf("Usage: /deck rename <deck> <new name> [--description text]")
	}
	d, err := h.deckByRef(ctx, req.Chat.ChatID, req.Args[0])
	if err != nil {
		return err
	}
	name := restText(req.Args, 1)
	var desc *string
	if v, ok := req.Flag("description"); ok {
		desc = &v
	}
	updated, err := h.store.UpdateDeck(ctx, d.ID, &name, desc)
	if errors.Is(err, storage.ErrDuplicate) {
		return router.Userf("A deck named %q already exists in this chat.", name)
	}
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Renamed <b>%s</b> to <b>%s</b>.", esc(d.Name), esc(updated.Name)))
}

func (h *Handlers) deckDescribe(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 1 {
		return router.Userf("Usage: /deck describe <deck> <description>")
	}
	d, err := h.deckByRef(ctx, req.Chat.ChatID, req.Args[0])
	if err != nil {
		return err
	}
	desc := restText(req.Args, 1)
	if _, err := h.store.UpdateDeck(ctx, d.ID, nil, &desc); err != nil {
		return err
	}
	if desc == "" {
		return req.Reply(ctx, fmt.Sprintf("Cleared the description of <b>%s</b>.", esc(d.Name)))
	}
	return req.Reply(ctx, fmt.Sprintf("Updated the description of <b>%s</b>.", esc(d.Name)))
}

func (h *Handlers) deckDelete(ctx context.Context, req *router.Request) error {
	d, err := h.deckByRef(ctx, req.Chat.ChatID, restText(req.Args, 0))
	if err != nil {
		return err
	}
	del, err := h.subs.DeleteDeck(ctx, d.ID)
	if err != nil {
		return err
	}
	msg := fmt.Sprintf("Deleted deck <b>%s</b> and all its questions.", esc(d.Name))
	if n := len(del.Affected); n > 0 {
		msg += fmt.Sprintf("\nRemoved it from %s; their positions were reset.", plural(n, "subscription", "subscriptions"))
	}
	switch n := len(del.Emptied); {
	case n == 1:
		msg += "\n1 subscription had no decks left and was paused."
	case n > 1:
		msg += fmt.Sprintf("\n%d subscriptions had no decks left and were paused.", n)
	}
	return req.Reply(ctx, msg)
}

// splitQuestions splits on '?' and puts the mark back on every piece.
func splitQuestions(s string) []string {
	var out []string
	for _, part := range strings.Split(s, "?") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part+"?")
		}
	}
	return out
}

func (h *Handlers) deckReplace(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 1 {
		return router.Userf("Usage: /deck replace <deck> First question? Second question?")
	}
	d, err := h.deckByRef(ctx, req.Chat.ChatID, req.Args[0])
	if err != nil {
		return err
	}
	raw := restText(req.Args, 1)
	texts := splitQuestions(raw)
	if len(texts) == 0 && raw != "" {
		return router.Userf("No questions found. Separate them with '?'.")
	}

	if _, err := h.store.ClearQuestions(ctx, d.ID); err != nil {
		return err
	}
	if len(texts) == 0 {
		return req.Reply(ctx, fmt.Sprintf("Removed every question from <b>%s</b>. The deck is now empty.", esc(d.Name)))
	}
	added := 0
	for _, t := range texts {
		_, err := h.store.AddQuestion(ctx, d.ID, t)
		if errors.Is(err, storage.ErrDuplicate) {
			continue
		}
		if err != nil {
			return err
		}
		added++
	}
	return req.Reply(ctx, fmt.Sprintf("Replaced the questions of <b>%s</b>: %s added.", esc(d.Name), plural(added, "question", "questions")))
}
