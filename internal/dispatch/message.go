package dispatch

import (
	"fmt"
	"html"
	"strings"
)

// Post is everything shown in a question message.
type Post struct {
	Question  string
	DeckName  string
	Position  int // 1-based
	Total     int
	Remaining int
	Decks     int
}

// Render formats p as Telegram HTML.
func Render(p Post) string {
	var b strings.Builder
	b.WriteString("<b>")
	b.WriteString(html.EscapeString(p.Question))
	b.WriteString("</b>\n\n")
	fmt.Fprintf(&b, "<i>Deck:</i> %s\n", html.EscapeString(p.DeckName))
	fmt.Fprintf(&b, "<i>Question:</i> %d of %d\n", p.Position, p.Total)
	fmt.Fprintf(&b, "<i>Progress:</i> %d %s remaining across %d %s",
		p.Remaining, plural(p.Remaining, "question", "questions"),
		p.Decks, plural(p.Decks, "deck", "decks"))
	return b.String()
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
