// Package debughttp serves an optional operator endpoint: /healthz with the
// timer registry state, and net/http/pprof under /debug/pprof/.
package debughttp

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"time"

	"qotdbot/internal/schedule"
	logx "qotdbot/pkg/logx"
)

const DefaultAddr = "127.0.0.1:6060"

// ErrInsecureBind is returned for a non-loopback address without a token.
var ErrInsecureBind = errors.New("debug http: non-loopback addr requires a token")

type Config struct {
	Addr  string
	Token string
}

// Status is the registry view reported by /healthz.
type Status interface {
	Running() bool
	Snapshot() []schedule.EntryInfo
}

type Server struct {
	cfg    Config
	status Status
	log    logx.Logger
	now    func() time.Time
}

func New(cfg Config, status Status, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{cfg: cfg, status: status, log: log, now: time.Now}
}

// CheckBind rejects exposing the endpoint publicly without auth.
func CheckBind(addr, token string) error {
	if strings.TrimSpace(addr) == "" {
		addr = DefaultAddr
	}
	if strings.TrimSpace(token) == "" && !isLoopbackAddr(addr) {
		return ErrInsecureBind
	}
	return nil
}

type entryJSON struct {
	ChannelID string     `json:"channel_id"`
	Schedule  string     `json:"schedule"`
	Next      *time.Time `json:"next,omitempty"`
	Prev      *time.Time `json:"prev,omitempty"`
}

type healthJSON struct {
	Status           string      `json:"status"`
	Time             time.Time   `json:"time"`
	SchedulerRunning bool        `json:"scheduler_running"`
	Schedules        []entryJSON `json:"schedules"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	out := healthJSON{Status: "ok", Time: s.now().UTC(), Schedules: []entryJSON{}}
	if s.status != nil {
		out.SchedulerRunning = s.status.Running()
		for _, e := range s.status.Snapshot() {
			out.Schedules = append(out.Schedules, entryJSON{
				ChannelID: e.ChannelID,
				Schedule:  e.Schedule,
				Next:      optTime(e.Next),
				Prev:      optTime(e.Prev),
			})
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// Handler returns the routed, authenticated mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(s.cfg.Token, h) }
	mux.HandleFunc("/healthz", wrap(s.healthz))
	mux.HandleFunc("/debug/pprof/", wrap(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", wrap(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", wrap(hpprof.Trace))
	return mux
}

// Run serves until ctx ends. An insecure bind is logged and returns nil so
// a restart loop doesn't retry it.
func (s *Server) Run(ctx context.Context) error {
	if err := CheckBind(s.cfg.Addr, s.cfg.Token); err != nil {
		s.log.Error("debug http refused to start", logx.String("addr", s.cfg.Addr), logx.Err(err))
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(sctx)
		cancel()
	}()

	s.log.Info("debug http started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil || errors.Is(err, http.ErrServerClosed) {
		s.log.Info("debug http stopped")
		return nil
	}
	return err
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if ah := r.Header.Get("Authorization"); got == "" && strings.HasPrefix(ah, "Bearer ") {
			got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
		}
		if got != tok {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h(w, r)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
