package runtime

import (
	"time"

	"github.com/opencosim/nicbm/internal/evqueue"
)

// Scheduler pairs the timed-event heap (internal/evqueue) with a notion of
// simulated "now": wall-clock elapsed time in picoseconds since the
// Scheduler was created. This model runs untethered from a driving
// simulator clock, so real time is the simplest faithful substitute (the
// same choice internal/ptp's Clock makes for its own now source).
type Scheduler struct {
	q     *evqueue.Queue
	start time.Time
}

// NewScheduler returns a Scheduler whose clock starts now.
func NewScheduler() *Scheduler {
	return &Scheduler{q: evqueue.New(), start: time.Now()}
}

// Now returns elapsed picoseconds since the Scheduler was created.
func (s *Scheduler) Now() uint64 {
	return uint64(time.Since(s.start).Nanoseconds()) * 1000
}

// Schedule arms cb to run delay picoseconds from now.
func (s *Scheduler) Schedule(delay uint64, cb evqueue.Callback) evqueue.ID {
	return s.q.Schedule(s.Now()+delay, cb)
}

// ScheduleAt arms cb to run at absolute simulated time t.
func (s *Scheduler) ScheduleAt(t uint64, cb evqueue.Callback) evqueue.ID {
	return s.q.Schedule(t, cb)
}

// Cancel removes a previously scheduled event.
func (s *Scheduler) Cancel(id evqueue.ID) { s.q.Cancel(id) }

// Raw exposes the underlying event heap for packages (internal/irq) built
// directly against *evqueue.Queue.
func (s *Scheduler) Raw() *evqueue.Queue { return s.q }

// Armed reports whether id is still pending.
func (s *Scheduler) Armed(id evqueue.ID) bool { return s.q.Armed(id) }

// RunDue fires every event due by now, reporting whether any fired.
func (s *Scheduler) RunDue(now uint64) bool {
	before := s.q.Len()
	if before == 0 {
		return false
	}

	if next, ok := s.q.NextTime(); !ok || next > now {
		return false
	}

	s.q.RunDue(now)

	return true
}
