// Package schedule adapts robfig/cron/v3 into a one-shot "run this once,
// after this delay" primitive, used by internal/drain to resume a drain
// once an installation's throttle window elapses without busy-waiting.
package schedule

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Cron runs scheduled one-shot callbacks on a background goroutine.
type Cron struct {
	c *cron.Cron
}

// NewCron builds a Cron; callers must Start it before scheduling and Stop
// it during shutdown.
func NewCron() *Cron {
	return &Cron{c: cron.New()}
}

// Start begins running scheduled entries.
func (s *Cron) Start() { s.c.Start() }

// Stop cancels the scheduler and waits for any running entry to finish.
func (s *Cron) Stop() { s.c.Stop() }

// After schedules fn to run once, no sooner than d from now. The entry
// removes itself from the underlying cron once it has fired.
func (s *Cron) After(d time.Duration, fn func()) {
	at := time.Now().Add(d)
	var id cron.EntryID
	id = s.c.Schedule(oneShot{at: at}, cron.FuncJob(func() {
		fn()
		s.c.Remove(id)
	}))
}

// oneShot is a cron.Schedule that fires exactly once at at, then never
// again (Next returns a time far enough in the future that cron won't
// re-trigger it before the entry is removed).
type oneShot struct {
	at time.Time
}

func (o oneShot) Next(t time.Time) time.Time {
	if t.Before(o.at) {
		return o.at
	}
	return t.Add(100 * 365 * 24 * time.Hour)
}
