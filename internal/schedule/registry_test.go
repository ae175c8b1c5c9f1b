package schedule

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"qotdbot/internal/storage"
	logx "qotdbot/pkg/logx"
)

type recordingFirer struct {
	mu    sync.Mutex
	calls map[string]int
	hit   chan string
}

func newRecordingFirer() *recordingFirer {
	return &recordingFirer{calls: map[string]int{}, hit: make(chan string, 16)}
}

func (f *recordingFirer) Fire(_ context.Context, channelID string) {
	f.mu.Lock()
	f.calls[channelID]++
	f.mu.Unlock()
	select {
	case f.hit <- channelID:
	default:
	}
}

func (f *recordingFirer) count(ch string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[ch]
}

func TestValidateSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		expr string
		ok   bool
	}{
		{"0 9 * * *", true},
		{"*/5 * * * *", true},
		{"30 0 9 * * MON-FRI", true},
		{"@daily", true},
		{"@every 2h", true},
		{"", false},
		{"not a cron", false},
		{"61 * * * *", false},
		{"CRON_TZ=UTC 0 9 * * *", false},
	}
	for _, tc := range tests {
		err := ValidateSchedule(tc.expr)
		if tc.ok && err != nil {
			t.Fatalf("ValidateSchedule(%q) = %v", tc.expr, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidSchedule) {
			t.Fatalf("ValidateSchedule(%q) = %v, want ErrInvalidSchedule", tc.expr, err)
		}
	}
}

func TestNextRuns(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) // 09:00 Tokyo
	runs, err := NextRuns("0 10 * * *", loc, from, 2)
	if err != nil {
		t.Fatalf("NextRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].Hour() != 10 || runs[0].Day() != 1 || runs[1].Day() != 2 {
		t.Fatalf("runs=%v", runs)
	}
}

func TestScheduleReplacesNeverStacks(t *testing.T) {
	t.Parallel()

	r := New(Config{Enabled: true}, newRecordingFirer(), logx.Nop())
	r.Start()
	defer r.Close(context.Background())

	for _, expr := range []string{"0 9 * * *", "0 10 * * *", "0 11 * * *"} {
		if err := r.Schedule("100", expr); err != nil {
			t.Fatalf("Schedule(%q): %v", expr, err)
		}
	}
	if r.Len() != 1 {
		t.Fatalf("Len=%d want 1", r.Len())
	}
	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].Schedule != "0 11 * * *" || snap[0].Next.IsZero() {
		t.Fatalf("snapshot=%+v", snap)
	}
	if len(r.c.Entries()) != 1 {
		t.Fatalf("cron entries=%d want 1", len(r.c.Entries()))
	}
}

func TestScheduleInvalidLeavesExistingEntry(t *testing.T) {
	t.Parallel()

	r := New(Config{Enabled: true}, newRecordingFirer(), logx.Nop())
	if err := r.Schedule("1", "@daily"); err != nil {
		t.Fatal(err)
	}
	if err := r.Schedule("1", "bogus"); !errors.Is(err, ErrInvalidSchedule) {
		t.Fatalf("err=%v", err)
	}
	if snap := r.Snapshot(); len(snap) != 1 || snap[0].Schedule != "@daily" {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestUnscheduleIdempotent(t *testing.T) {
	t.Parallel()

	r := New(Config{Enabled: true}, newRecordingFirer(), logx.Nop())
	r.Start()
	defer r.Close(context.Background())

	if r.Unschedule("missing") {
		t.Fatalf("unschedule of missing channel reported removal")
	}
	_ = r.Schedule("1", "@hourly")
	if !r.Unschedule("1") || r.Has("1") || len(r.c.Entries()) != 0 {
		t.Fatalf("unschedule did not remove entry")
	}
	if r.Unschedule("1") {
		t.Fatalf("second unschedule reported removal")
	}
}

func TestInitializeSkipsInactiveAndInvalid(t *testing.T) {
	t.Parallel()

	r := New(Config{}, newRecordingFirer(), logx.Nop())
	n, err := r.Initialize([]storage.Subscription{
		{ChannelID: "1", Schedule: "@daily", IsActive: true},
		{ChannelID: "2", Schedule: "@daily", IsActive: false},
		{ChannelID: "3", Schedule: "nope", IsActive: true},
	})
	if n != 1 || err == nil {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if !r.Has("1") || r.Has("2") || r.Has("3") {
		t.Fatalf("unexpected entries: %+v", r.Snapshot())
	}
}

func TestTimerFiresAndSurvivesPanics(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		calls int
	)
	hit := make(chan struct{}, 8)
	firer := FirerFunc(func(ctx context.Context, channelID string) {
		if _, ok := ctx.Deadline(); !ok {
			t.Errorf("firing without deadline")
		}
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		hit <- struct{}{}
		if n == 1 {
			panic("first firing blows up")
		}
	})

	r := New(Config{Enabled: true, FireTimeout: time.Second}, firer, logx.Nop())
	if err := r.Schedule("chan", "@every 1s"); err != nil {
		t.Fatal(err)
	}
	r.Start()
	defer r.Close(context.Background())

	for i := 0; i < 2; i++ {
		select {
		case <-hit:
		case <-time.After(5 * time.Second):
			t.Fatalf("timer fired %d times, want 2", i)
		}
	}
	if !r.Has("chan") {
		t.Fatalf("failed firing unregistered the timer")
	}
}

func TestDisabledRegistryTracksButDoesNotRun(t *testing.T) {
	t.Parallel()

	f := newRecordingFirer()
	r := New(Config{Enabled: false}, f, logx.Nop())
	_ = r.Schedule("1", "@every 1s")
	r.Start()
	if r.Running() {
		t.Fatalf("disabled registry started")
	}
	if snap := r.Snapshot(); len(snap) != 1 || !snap[0].Next.IsZero() {
		t.Fatalf("snapshot=%+v", snap)
	}
	r.fire(context.Background(), "1")
	if f.count("1") != 1 {
		t.Fatalf("direct fire not delivered")
	}
}

func TestRestartAfterStopTimeoutFiresWithLiveContext(t *testing.T) {
	t.Parallel()

	var n atomic.Int32
	started := make(chan struct{}, 1)
	later := make(chan error, 1)
	firer := FirerFunc(func(ctx context.Context, _ string) {
		if n.Add(1) == 1 {
			started <- struct{}{}
			<-ctx.Done()
			return
		}
		select {
		case later <- ctx.Err():
		default:
		}
	})

	r := New(Config{Enabled: true, FireTimeout: time.Minute}, firer, logx.Nop())
	if err := r.Schedule("1", "@every 1s"); err != nil {
		t.Fatal(err)
	}
	r.Start()
	defer r.Close(context.Background())

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("timer never fired")
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	r.Stop(stopCtx)
	cancel()
	if r.Running() {
		t.Fatalf("registry still running after Stop")
	}

	r.Start()
	select {
	case err := <-later:
		if err != nil {
			t.Fatalf("firing after restart ctx.Err()=%v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timer did not fire after restart")
	}
}

func TestStartAfterCloseIsNoop(t *testing.T) {
	t.Parallel()

	r := New(Config{Enabled: true}, newRecordingFirer(), logx.Nop())
	_ = r.Schedule("1", "@daily")
	r.Start()
	r.Close(context.Background())
	r.Start()
	if r.Running() {
		t.Fatalf("closed registry restarted")
	}
}

func TestTimezoneSwapSkipsChannelStillFiring(t *testing.T) {
	t.Parallel()

	var n atomic.Int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	firer := FirerFunc(func(ctx context.Context, _ string) {
		if n.Add(1) == 1 {
			started <- struct{}{}
			select {
			case <-release:
			case <-ctx.Done():
			}
		}
	})

	r := New(Config{Enabled: true, FireTimeout: time.Minute}, firer, logx.Nop())
	if err := r.Schedule("1", "@every 1s"); err != nil {
		t.Fatal(err)
	}
	r.Start()
	defer r.Close(context.Background())

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("timer never fired")
	}
	r.Apply(Config{Enabled: true, FireTimeout: time.Minute, Location: time.FixedZone("UTC+3", 3*3600)})

	// The new runner ticks at least twice while the old firing holds the channel.
	time.Sleep(2500 * time.Millisecond)
	if got := n.Load(); got != 1 {
		t.Fatalf("firings during swap=%d want 1", got)
	}
	close(release)

	deadline := time.Now().Add(5 * time.Second)
	for n.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("channel never fired again after the old firing finished")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestFireSkipsChannelAlreadyInFlight(t *testing.T) {
	t.Parallel()

	f := newRecordingFirer()
	r := New(Config{}, f, logx.Nop())
	r.mu.Lock()
	r.inflight["1"] = struct{}{}
	r.mu.Unlock()
	r.fire(context.Background(), "1")
	if f.count("1") != 0 {
		t.Fatalf("fire ran while channel was in flight")
	}
}

func TestApplyTimezoneReregisters(t *testing.T) {
	t.Parallel()

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	r := New(Config{Enabled: true}, newRecordingFirer(), logx.Nop())
	_ = r.Schedule("1", "0 9 * * *")
	_ = r.Schedule("2", "0 21 * * *")
	r.Start()
	defer r.Close(context.Background())

	r.Apply(Config{Enabled: true, Location: loc})
	if r.Location().String() != "America/New_York" {
		t.Fatalf("location=%s", r.Location())
	}
	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot=%+v", snap)
	}
	for _, e := range snap {
		if e.Next.IsZero() {
			t.Fatalf("entry %s not re-registered", e.ChannelID)
		}
		if got := e.Next.In(loc).Hour(); got != 9 && got != 21 {
			t.Fatalf("next run %v not in new timezone", e.Next)
		}
	}
}
