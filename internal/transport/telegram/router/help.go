package router

import (
	"html"
	"sort"
	"strings"
)

// helpText renders help in Telegram HTML.
func (r *Router) helpText(path []string) string {
	r.mu.RLock()
	root := r.root
	alias := r.alias
	r.mu.RUnlock()

	if len(path) == 0 {
		return helpTopHTML(root)
	}

	cur := root
	full := make([]string, 0, len(path))
	for _, p := range path {
		p = strings.TrimPrefix(p, "/")
		n, ok := cur.child(p)
		if !ok {
			if leaf, ok2 := alias[p]; ok2 && leaf != nil && leaf.cmd != nil {
				cur = leaf
				full = splitRoute(leaf.cmd.Route)
				break
			}
			return "Unknown command. Type <code>/help</code> for the list."
		}
		cur = n
		full = append(full, p)
	}
	return helpNodeHTML(cur, full)
}

type topRow struct {
	name string
	desc string
	lock bool
}

func helpTopHTML(root *cmdNode) string {
	names := root.childNames()
	rows := make([]topRow, 0, len(names))
	for _, name := range names {
		n, _ := root.child(name)
		rows = append(rows, topRow{name: name, desc: summarizeNodeDesc(n), lock: nodeRestricted(n)})
	}
	// Restricted commands last, alphabetical within groups.
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].lock != rows[j].lock {
			return !rows[i].lock
		}
		return rows[i].name < rows[j].name
	})

	lines := []string{
		"<b>Question of the Day</b>",
		"Type <code>/help &lt;command&gt;</code> for details.",
		"",
	}
	for _, row := range rows {
		lines = append(lines, bullet("/"+row.name, row.desc, row.lock))
	}
	lines = append(lines, "", "🔒 needs a chat admin, a privileged user or the bot owner.")
	return strings.Join(lines, "\n")
}

func bullet(cmd, desc string, lock bool) string {
	prefix := "• "
	if lock {
		prefix = "• 🔒 "
	}
	s := prefix + "<code>" + html.EscapeString(cmd) + "</code>"
	if desc != "" {
		s += ": " + html.EscapeString(desc)
	}
	return s
}

func helpNodeHTML(cur *cmdNode, full []string) string {
	lines := []string{"<b>Help</b> <code>/" + html.EscapeString(strings.Join(full, " ")) + "</code>"}

	if c := cur.cmd; c != nil {
		if d := strings.TrimSpace(c.Description); d != "" {
			lines = append(lines, html.EscapeString(d))
		}
		switch c.Access {
		case AccessManager:
			lines = append(lines, "🔒 <i>chat admins and privileged users</i>")
		case AccessOwnerOnly:
			lines = append(lines, "🔒 <i>bot owner only</i>")
		}
		if u := strings.TrimSpace(c.Usage); u != "" {
			lines = append(lines, "", "<b>Usage</b>")
			for _, l := range strings.Split(u, "\n") {
				lines = append(lines, "<code>"+html.EscapeString(l)+"</code>")
			}
		}
		if short := buildShortcuts(*c); len(short) > 0 {
			lines = append(lines, "", "<b>Shortcuts</b>")
			for _, s := range short {
				lines = append(lines, "• <code>/"+html.EscapeString(s)+"</code>")
			}
		}
	}

	if len(cur.children) > 0 {
		lines = append(lines, "", "<b>Subcommands</b>")
		for _, name := range cur.childNames() {
			n, _ := cur.child(name)
			path := append(append([]string(nil), full...), name)
			lines = append(lines, bullet("/"+strings.Join(path, " "), summarizeNodeDesc(n), nodeRestricted(n)))
		}
	}
	return strings.Join(lines, "\n")
}

func summarizeNodeDesc(n *cmdNode) string {
	if n.cmd != nil {
		if d := strings.TrimSpace(n.cmd.Description); d != "" {
			return d
		}
	}
	kids := n.childNames()
	if len(kids) == 0 {
		return ""
	}
	k := min(len(kids), 4)
	s := strings.Join(kids[:k], ", ")
	if len(kids) > k {
		s += ", …"
	}
	return "subcommands: " + s
}

// nodeRestricted reports whether a leaf needs more than AccessEveryone, or
// whether every command under a group does.
func nodeRestricted(n *cmdNode) bool {
	if n.cmd != nil {
		return n.cmd.Access != AccessEveryone
	}
	restricted := true
	var walk func(x *cmdNode)
	walk = func(x *cmdNode) {
		if !restricted {
			return
		}
		if x.cmd != nil && x.cmd.Access == AccessEveryone {
			restricted = false
			return
		}
		for _, ch := range x.children {
			walk(ch)
		}
	}
	walk(n)
	return restricted
}

func buildShortcuts(c Command) []string {
	out := make([]string, 0, 4)
	seen := map[string]bool{}
	add := func(s string) {
		if s != "" && !seen[s] {
			out = append(out, s)
			seen[s] = true
		}
	}
	if route := splitRoute(c.Route); len(route) > 1 {
		if menu, ok := routeShortcut(route); ok {
			add(menu)
		}
	}
	for _, a := range c.Aliases {
		a = strings.TrimSpace(a)
		if a == "" || strings.Contains(a, " ") {
			continue
		}
		add(a)
		add(menuName(a))
	}
	sort.Strings(out)
	return out
}
