package irq

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/opencosim/nicbm/internal/evqueue"
)

func TestRaiseWithNoITRSignalsOnNextRunDue(t *testing.T) {
	sched := evqueue.New()

	var signaled []int
	a := New(1, func(v int) { signaled = append(signaled, v) }, sched)
	a.SetMode(ModeMSIX)

	a.Raise(0, 1000)

	require.Empty(t, signaled, "Raise must schedule, never fire synchronously")

	sched.RunDue(1000)
	require.Equal(t, []int{0}, signaled)
}

// TestRaiseCoalescesBurstIntoOneInterrupt covers scenario S7: several
// Raise calls inside one ITR window collapse to a single signal at the
// first deadline, not one per call.
func TestRaiseCoalescesBurstIntoOneInterrupt(t *testing.T) {
	sched := evqueue.New()

	var signaled []int
	a := New(1, func(v int) { signaled = append(signaled, v) }, sched)
	a.SetMode(ModeMSIX)
	a.SetITRIndex(0, 0)
	a.SetITR(0, 0, 50) // mindelay = 50*2us = 100_000_000 ps

	a.Raise(0, 1000)
	a.Raise(0, 1500)
	a.Raise(0, 2000)

	require.Equal(t, 1, sched.Len(), "a burst inside one window must leave exactly one timer armed")

	sched.RunDue(1000 + 100_000_000)

	require.Equal(t, []int{0}, signaled)
}

// TestRaiseReschedulesToEarlierDeadline covers the case the review called
// out: a second Raise with an earlier target must cancel and reschedule,
// not silently mark pending and leave the later timer in place.
func TestRaiseReschedulesToEarlierDeadline(t *testing.T) {
	sched := evqueue.New()

	var signaled []int
	a := New(1, func(v int) { signaled = append(signaled, v) }, sched)
	a.SetMode(ModeMSIX)
	a.SetITRIndex(0, 0)
	a.SetITR(0, 0, 50) // mindelay = 100_000_000

	a.Raise(0, 1000) // target = 100_001_000

	a.vectors[0].itr[0] = 10 // mindelay now 20_000_000
	a.Raise(0, 2000)         // target = 20_002_000, earlier than 100_001_000

	next, ok := sched.NextTime()
	require.True(t, ok)
	require.Equal(t, uint64(20_002_000), next, "the earlier target must be the next due event")

	sched.RunDue(20_002_000)
	require.Equal(t, []int{0}, signaled, "the earlier reschedule must be the one that fires")

	sched.RunDue(100_001_000)
	require.Equal(t, []int{0}, signaled, "the stale later timer must have been canceled, not just left pending")
}

func TestRaiseDoesNotRescheduleToALaterDeadline(t *testing.T) {
	sched := evqueue.New()

	var fireCount int
	a := New(1, func(int) { fireCount++ }, sched)
	a.SetMode(ModeMSIX)
	a.SetITRIndex(0, 0)
	a.SetITR(0, 0, 50) // mindelay = 100_000_000

	a.Raise(0, 1000)  // target = 100_001_000
	a.Raise(0, 90000) // target = 100_090_000, later: must not push the deadline out

	sched.RunDue(100_001_000)
	require.Equal(t, 1, fireCount)
}

func TestLegacyModeFunnelsEveryVectorThroughICR0AndVectorZero(t *testing.T) {
	sched := evqueue.New()

	var signaled []int
	a := New(2, func(v int) { signaled = append(signaled, v) }, sched)

	a.Raise(1, 0)
	sched.RunDue(0)

	require.Equal(t, []int{0}, signaled)
	require.Equal(t, uint32(1<<1), a.ICR0())
}

func TestMSIXVectorZeroUpdatesICR0ButOthersDoNot(t *testing.T) {
	sched := evqueue.New()

	a := New(2, func(int) {}, sched)
	a.SetMode(ModeMSIX)

	a.Raise(1, 0)
	sched.RunDue(0)
	require.Equal(t, uint32(0), a.ICR0())

	a.Raise(0, 0)
	sched.RunDue(0)
	require.Equal(t, uint32(1), a.ICR0())
}

func TestClearICR0ClearsOnlyRequestedBits(t *testing.T) {
	sched := evqueue.New()

	a := New(3, func(int) {}, sched)

	a.Raise(0, 0)
	a.Raise(2, 0)
	sched.RunDue(0)

	require.Equal(t, uint32(1<<0|1<<2), a.ICR0())

	a.ClearICR0(1 << 0)
	require.Equal(t, uint32(1<<2), a.ICR0())
}
