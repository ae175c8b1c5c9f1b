package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule wraps every cron parse failure.
var ErrInvalidSchedule = errors.New("invalid schedule")

// parser accepts 5-field and 6-field (with seconds) specs plus descriptors
// such as "@daily" and "@every 2h".
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse validates expr and returns its schedule.
func Parse(expr string) (cron.Schedule, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidSchedule)
	}
	if strings.HasPrefix(strings.ToUpper(s), "TZ=") || strings.HasPrefix(strings.ToUpper(s), "CRON_TZ=") {
		return nil, fmt.Errorf("%w: per-schedule timezones are not supported", ErrInvalidSchedule)
	}
	sched, err := parser.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidSchedule, expr, err)
	}
	return sched, nil
}

// ValidateSchedule reports whether expr is an acceptable cron expression.
func ValidateSchedule(expr string) error {
	_, err := Parse(expr)
	return err
}

// NextRuns returns up to n upcoming fire times of expr after from, in loc.
func NextRuns(expr string, loc *time.Location, from time.Time, n int) ([]time.Time, error) {
	sched, err := Parse(expr)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.UTC
	}
	out := make([]time.Time, 0, n)
	t := from.In(loc)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// formatRuns renders times for debug logs.
func formatRuns(ts []time.Time) string {
	var b strings.Builder
	for i, t := range ts {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
