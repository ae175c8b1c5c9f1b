package commands

import (
	"context"
	"errors"
	"fmt"

	"qotdbot/internal/storage"
	"qotdbot/internal/transport/telegram/router"
)

func (h *Handlers) questionCommands() []router.Command {
	return []router.Command{
		{
			Route:       "question add",
			Description: "add a question to the end of a deck",
			Usage:       "/question add <deck> <question>",
			Access:      router.AccessManager,
			Handle:      h.questionAdd,
		},
		{
			Route:       "question edit",
			Description: "change the text of a question",
			Usage:       "/question edit <id> <new text>",
			Access:      router.AccessManager,
			Handle:      h.questionEdit,
		},
		{
			Route:       "question delete",
			Description: "delete a question",
			Usage:       "/question delete <id>",
			Access:      router.AccessManager,
			Handle:      h.questionDelete,
		},
	}
}

func (h *Handlers) questionAdd(ctx context.Context, req *router.Request) error {
	text := restText(req.Args, 1)
	if text == "" {
		return router.Userf("Usage: /question add <deck> <question>")
	}
	d, err := h.deckByRef(ctx, req.Chat.ChatID, req.Args[0])
	if err != nil {
		return err
	}
	q, err := h.store.AddQuestion(ctx, d.ID, text)
	if errors.Is(err, storage.ErrDuplicate) {
		return router.Userf("That question is already in %s.", d.Name)
	}
	if err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Added question <code>#%d</code> to <b>%s</b>.", q.ID, esc(d.Name)))
}

func (h *Handlers) questionEdit(ctx context.Context, req *router.Request) error {
	text := restText(req.Args, 1)
	if text == "" {
		return router.Userf("Usage: /question edit <id> <new text>")
	}
	q, d, err := h.questionInChat(ctx, req.Chat.ChatID, req.Args[0])
	if err != nil {
		return err
	}
	if _, err := h.store.UpdateQuestion(ctx, q.ID, text); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return router.Userf("That question is already in %s.", d.Name)
		}
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Updated question <code>#%d</code> in <b>%s</b>.", q.ID, esc(d.Name)))
}

func (h *Handlers) questionDelete(ctx context.Context, req *router.Request) error {
	if len(req.Args) == 0 {
		return router.Userf("Usage: /question delete <id>")
	}
	q, d, err := h.questionInChat(ctx, req.Chat.ChatID, req.Args[0])
	if err != nil {
		return err
	}
	if err := h.store.DeleteQuestion(ctx, q.ID); err != nil {
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Deleted question <code>#%d</code> from <b>%s</b>.", q.ID, esc(d.Name)))
}
