// Package schedule owns one cron timer per subscribed channel.
//
// Registering a channel that already has a timer replaces it; timers never
// stack. A firing calls the Firer on cron's own goroutine, bounded by the
// configured fire timeout, and a firing that is still running causes the
// next tick for the same channel to be skipped, also across runner restarts.
package schedule

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"qotdbot/internal/storage"
	logx "qotdbot/pkg/logx"
)

const DefaultFireTimeout = 30 * time.Second

// Firer handles one timer tick for a channel. It must not panic on
// ordinary failures; panics are recovered and logged.
type Firer interface {
	Fire(ctx context.Context, channelID string)
}

type FirerFunc func(ctx context.Context, channelID string)

func (f FirerFunc) Fire(ctx context.Context, channelID string) { f(ctx, channelID) }

type Config struct {
	// Enabled gates Start; entries are still tracked when disabled.
	Enabled     bool
	Location    *time.Location
	FireTimeout time.Duration
}

type entry struct {
	expr string
	id   cron.EntryID // 0 while the cron runner is stopped
}

// EntryInfo is a point-in-time view of one registered channel.
type EntryInfo struct {
	ChannelID string
	Schedule  string
	Next      time.Time
	Prev      time.Time
}

type Registry struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	firer   Firer
	c       *cron.Cron
	entries map[string]*entry

	// inflight holds channels with a firing in progress on any runner.
	inflight map[string]struct{}
	closed   bool

	// Scoped to the current runner; each start gets a fresh pair.
	runCtx    context.Context
	runCancel context.CancelFunc
}

func New(cfg Config, firer Firer, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Registry{
		cfg:      cfg,
		log:      log,
		firer:    firer,
		entries:  map[string]*entry{},
		inflight: map[string]struct{}{},
	}
}

// Schedule registers or replaces the timer for channelID.
func (r *Registry) Schedule(channelID, expr string) error {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" {
		return errors.New("channel id required")
	}
	if err := ValidateSchedule(expr); err != nil {
		return err
	}
	expr = strings.TrimSpace(expr)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(channelID)
	e := &entry{expr: expr}
	r.entries[channelID] = e
	if r.c != nil {
		if err := r.addLocked(channelID, e); err != nil {
			delete(r.entries, channelID)
			return err
		}
	}
	fields := []logx.Field{logx.String("channel", channelID), logx.String("spec", expr)}
	if r.log.Enabled(logx.LevelDebug) {
		if next, err := NextRuns(expr, r.cfg.Location, time.Now(), 3); err == nil {
			fields = append(fields, logx.String("next", formatRuns(next)))
		}
	}
	r.log.Debug("schedule registered", fields...)
	return nil
}

// Unschedule cancels the timer for channelID. It reports whether one existed.
func (r *Registry) Unschedule(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := r.removeLocked(channelID)
	if removed {
		r.log.Debug("schedule removed", logx.String("channel", channelID))
	}
	return removed
}

// Initialize registers every active subscription. Invalid schedules are
// logged and skipped; the returned error joins them.
func (r *Registry) Initialize(subs []storage.Subscription) (int, error) {
	var (
		n    int
		errs []error
	)
	for _, s := range subs {
		if !s.IsActive {
			continue
		}
		if err := r.Schedule(s.ChannelID, s.Schedule); err != nil {
			r.log.Warn("skipping subscription with bad schedule", logx.String("channel", s.ChannelID), logx.String("spec", s.Schedule), logx.Err(err))
			errs = append(errs, err)
			continue
		}
		n++
	}
	r.log.Info("subscriptions scheduled", logx.Int("count", n), logx.Int("failed", len(errs)))
	return n, errors.Join(errs...)
}

func (r *Registry) Has(channelID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[channelID]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Running reports whether the cron runner is active.
func (r *Registry) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.c != nil
}

func (r *Registry) Location() *time.Location {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.Location
}

// Snapshot lists entries sorted by channel id. Next/Prev are zero while the
// runner is stopped.
func (r *Registry) Snapshot() []EntryInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EntryInfo, 0, len(r.entries))
	for ch, e := range r.entries {
		it := EntryInfo{ChannelID: ch, Schedule: e.expr}
		if r.c != nil && e.id != 0 {
			ce := r.c.Entry(e.id)
			it.Next, it.Prev = ce.Next, ce.Prev
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// Start begins triggering. No-op when disabled or already running.
func (r *Registry) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil || r.closed {
		return
	}
	if !r.cfg.Enabled {
		r.log.Info("scheduler disabled; timers are tracked but will not fire", logx.Int("schedules", len(r.entries)))
		return
	}
	r.startLocked()
	r.log.Info("scheduler started", logx.String("tz", r.cfg.Location.String()), logx.Int("schedules", len(r.entries)))
}

// Stop halts triggering and waits for in-flight firings or ctx, whichever
// ends first; firings still running then are canceled. Entries are kept so
// a later Start resumes them.
func (r *Registry) Stop(ctx context.Context) {
	start := time.Now()
	r.mu.Lock()
	c, cancel := r.c, r.runCancel
	r.c, r.runCtx, r.runCancel = nil, nil, nil
	for _, e := range r.entries {
		e.id = 0
	}
	r.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		r.log.Warn("scheduler stop timed out; canceling running firings")
	}
	cancel()
	r.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Close stops the runner for good; Start is a no-op afterwards.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.Stop(ctx)
}

// Apply swaps the runtime config. A timezone change re-registers every
// entry under the new location.
func (r *Registry) Apply(cfg Config) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tzChanged := cfg.Location.String() != r.cfg.Location.String()
	r.cfg = cfg
	if r.c != nil && tzChanged {
		// The old runner drains in the background; its firings hold their
		// channels in inflight so the new runner skips them meanwhile.
		drained, cancel := r.c.Stop(), r.runCancel
		go func() {
			<-drained.Done()
			cancel()
		}()
		r.startLocked()
		r.log.Info("scheduler restarted", logx.String("tz", cfg.Location.String()), logx.Int("schedules", len(r.entries)))
	}
}

func (r *Registry) startLocked() {
	r.runCtx, r.runCancel = context.WithCancel(context.Background())
	cl := logx.CronLogger(r.log)
	r.c = cron.New(
		cron.WithParser(parser),
		cron.WithLocation(r.cfg.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for ch, e := range r.entries {
		if err := r.addLocked(ch, e); err != nil {
			r.log.Error("schedule register failed", logx.String("channel", ch), logx.String("spec", e.expr), logx.Err(err))
		}
	}
	r.c.Start()
}

func (r *Registry) addLocked(channelID string, e *entry) error {
	run := r.runCtx
	id, err := r.c.AddJob(e.expr, cron.FuncJob(func() { r.fire(run, channelID) }))
	if err != nil {
		return err
	}
	e.id = id
	return nil
}

// removeLocked drops the entry and its cron job. Call with r.mu held.
func (r *Registry) removeLocked(channelID string) bool {
	e, ok := r.entries[channelID]
	if !ok {
		return false
	}
	if r.c != nil && e.id != 0 {
		r.c.Remove(e.id)
	}
	delete(r.entries, channelID)
	return true
}

func (r *Registry) fire(run context.Context, channelID string) {
	r.mu.Lock()
	if _, busy := r.inflight[channelID]; busy {
		r.mu.Unlock()
		r.log.Debug("previous firing still running; tick skipped", logx.String("channel", channelID))
		return
	}
	r.inflight[channelID] = struct{}{}
	timeout := r.cfg.FireTimeout
	firer := r.firer
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.inflight, channelID)
		r.mu.Unlock()
	}()

	if firer == nil {
		return
	}
	if timeout <= 0 {
		timeout = DefaultFireTimeout
	}
	ctx, cancel := context.WithTimeout(run, timeout)
	defer cancel()

	start := time.Now()
	firer.Fire(ctx, channelID)
	r.log.Debug("timer fired", logx.String("channel", channelID), logx.Duration("took", time.Since(start)))
}
