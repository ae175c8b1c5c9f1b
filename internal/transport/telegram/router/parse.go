package router

import (
	"crypto/rand"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	ridMu      sync.Mutex
	ridEntropy io.Reader = ulid.Monotonic(rand.Reader, 0)
)

// newReqID returns a time-ordered ULID used to correlate request logs.
func newReqID() string {
	ridMu.Lock()
	defer ridMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), ridEntropy)
	if err != nil {
		return ulid.Make().String()
	}
	return id.String()
}

// tokenizeCommandLine splits command text into tokens while supporting quotes.
//
//	/question add 3 "What is your favourite book?"
func tokenizeCommandLine(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out    []string
		buf    strings.Builder
		inQ    bool
		qChar  rune
		esc    bool
		quoted bool
	)
	flush := func() {
		if buf.Len() > 0 || quoted {
			out = append(out, buf.String())
			buf.Reset()
		}
		quoted = false
	}
	for _, ch := range s {
		if esc {
			buf.WriteRune(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteRune(ch)
			continue
		}
		switch ch {
		case '"', '\'', '“', '”':
			inQ = true
			quoted = true
			qChar = ch
			if ch == '“' {
				qChar = '”'
			}
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteRune(ch)
		}
	}
	flush()
	return out
}

// parseFlags splits raw args into positionals and flags.
//
//	--k=v, --k v, --flag (bool)
//	-k=v, -k v, -abc (bool flags a,b,c)
//
// A lone "-" and negative numbers stay positional.
func parseFlags(args []string) (pos []string, flags map[string]string, bools map[string]bool) {
	flags = map[string]string{}
	bools = map[string]bool{}
	isFlag := func(a string) bool {
		return strings.HasPrefix(a, "-") && len(a) > 1 && !(a[1] >= '0' && a[1] <= '9')
	}
	for i := 0; i < len(args); i++ {
		a := args[i]
		if !isFlag(a) {
			pos = append(pos, a)
			continue
		}
		long := strings.HasPrefix(a, "--")
		key := strings.TrimLeft(a, "-")
		if key == "" {
			pos = append(pos, a)
			continue
		}
		if k, v, ok := strings.Cut(key, "="); ok {
			flags[k] = v
			continue
		}
		if long || len(key) == 1 {
			if i+1 < len(args) && !isFlag(args[i+1]) {
				flags[key] = args[i+1]
				i++
				continue
			}
			bools[key] = true
			continue
		}
		for _, r := range key {
			bools[string(r)] = true
		}
	}
	return pos, flags, bools
}
