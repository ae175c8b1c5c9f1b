package router

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	kit "qotdbot/internal/transport"
)

// Bot API limits for setMyCommands.
const (
	menuNameMax = 32
	menuDescMax = 256
	menuMax     = 100
)

// menuName folds s into Telegram's command charset [a-z0-9_]. Runs of
// separators collapse into one underscore and other runes are dropped.
func menuName(s string) string {
	var b strings.Builder
	sep := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if sep && b.Len() > 0 {
				b.WriteByte('_')
			}
			sep = false
			b.WriteRune(r)
		case r == '_', r == '-', r == '/', unicode.IsSpace(r):
			sep = true
		}
	}
	out := b.String()
	if out != "" && out[0] >= '0' && out[0] <= '9' {
		out = "cmd_" + out
	}
	if len(out) > menuNameMax {
		out = strings.TrimRight(out[:menuNameMax], "_")
	}
	return out
}

// routeShortcut maps "deck add" to "deck_add".
func routeShortcut(route []string) (string, bool) {
	name := menuName(strings.Join(route, "_"))
	return name, name != ""
}

func menuDesc(name, desc string, locked bool) string {
	desc = strings.Join(strings.Fields(desc), " ")
	if desc == "" {
		desc = name
	}
	if locked {
		desc = "🔒 " + desc
	}
	if utf8.RuneCountInString(desc) > menuDescMax {
		desc = string([]rune(desc)[:menuDescMax])
	}
	return desc
}

// buildMenu lists top-level commands first, then shortcuts for
// subcommands (/deck_add), each part sorted by name.
func buildMenu(root *cmdNode, cmds []Command) []kit.BotCommand {
	var top, subs []kit.BotCommand
	seen := map[string]bool{}
	add := func(dst *[]kit.BotCommand, name, desc string, locked bool) {
		name = menuName(name)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		*dst = append(*dst, kit.BotCommand{Command: name, Description: menuDesc(name, desc, locked)})
	}

	if root != nil {
		for _, name := range root.childNames() {
			if n, _ := root.child(name); n != nil {
				add(&top, name, summarizeNodeDesc(n), nodeRestricted(n))
			}
		}
	}

	sorted := append([]Command(nil), cmds...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Route < sorted[j].Route })
	for _, c := range sorted {
		route := splitRoute(c.Route)
		if len(route) < 2 {
			continue
		}
		desc := c.Description
		if strings.TrimSpace(desc) == "" {
			desc = strings.Join(route, " ")
		}
		add(&subs, strings.Join(route, "_"), desc, c.Access != AccessEveryone)
	}

	out := append(top, subs...)
	if len(out) > menuMax {
		out = out[:menuMax]
	}
	return out
}
