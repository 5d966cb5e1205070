// Package irq implements the interrupt arbiter (spec.md §4.10):
// per-vector ITR-based coalescing, MSI-X dispatch with a legacy
// single-vector MSI fallback, and the ICR0 update restriction that only
// applies to MSI-X vector 0.
package irq

import (
	"github.com/opencosim/nicbm/internal/evqueue"
	"github.com/opencosim/nicbm/internal/nlog"
)

var log = nlog.For("irq")

// Mode selects how vectors are delivered to the host.
type Mode int

const (
	// ModeLegacy delivers every interrupt as vector 0 (legacy MSI), the
	// fallback used when the driver has not enabled MSI-X.
	ModeLegacy Mode = iota
	// ModeMSIX delivers each vector independently.
	ModeMSIX
)

// NoITR disables coalescing for a vector: interrupts fire immediately.
const NoITR = 3

// itrUnit is the tick size of an ITR register value, per spec.md §4.10
// "mindelay = ITR[itr_idx] * 2us".
const itrUnit = 2_000_000 // picoseconds, 2us

// Signal delivers vector to the host (an MSI-X write or legacy INTx
// assert), grounded in gokvm's kvm.IRQLine.
type Signal func(vector int)

// vectorState is the per-vector coalescing bookkeeping.
type vectorState struct {
	itr    [3]uint32 // ITR0..ITR2 register values, in itrUnit ticks
	itrIdx int       // which of itr[] gates this vector, or NoITR

	armed      bool       // a coalescing timer is currently scheduled
	scheduleID evqueue.ID // identifies that timer, for cancellation
	scheduled  uint64     // the time it is currently scheduled to fire at
}

// Arbiter coalesces and dispatches interrupts for one device instance.
type Arbiter struct {
	mode    Mode
	signal  Signal
	sched   *evqueue.Queue
	vectors []vectorState
	icr0    uint32
}

// New returns an arbiter for numVectors MSI-X vectors (vector 0 doubles as
// the legacy INTx/MSI line when mode is ModeLegacy).
func New(numVectors int, signal Signal, sched *evqueue.Queue) *Arbiter {
	vs := make([]vectorState, numVectors)
	for i := range vs {
		vs[i].itrIdx = NoITR
	}

	return &Arbiter{mode: ModeLegacy, signal: signal, sched: sched, vectors: vs}
}

// SetMode switches between legacy and MSI-X delivery.
func (a *Arbiter) SetMode(m Mode) { a.mode = m }

// SetITR programs ITR register idx (0, 1 or 2) of vector with val ticks.
func (a *Arbiter) SetITR(vector int, idx int, val uint32) {
	if vector < 0 || vector >= len(a.vectors) || idx < 0 || idx > 2 {
		return
	}

	a.vectors[vector].itr[idx] = val
}

// SetITRIndex selects which ITR register (or NoITR) gates vector.
func (a *Arbiter) SetITRIndex(vector int, idx int) {
	if vector < 0 || vector >= len(a.vectors) {
		return
	}

	a.vectors[vector].itrIdx = idx
}

func (v *vectorState) mindelay() uint64 {
	if v.itrIdx == NoITR {
		return 0
	}

	return uint64(v.itr[v.itrIdx]) * itrUnit
}

// Raise requests that vector be signaled no later than now+mindelay. A
// burst of Raise calls inside one coalescing window collapses to the
// single earliest deadline any of them asked for: if a timer is already
// armed for a time at or before the new target, this call is a no-op;
// otherwise the existing timer (if any) is canceled and a new one armed
// at the earlier target, matching SignalInterrupt's always-reschedule
// algorithm (spec.md §4.10).
func (a *Arbiter) Raise(vector int, now uint64) {
	if vector < 0 || vector >= len(a.vectors) {
		return
	}

	v := &a.vectors[vector]
	target := now + v.mindelay()

	if v.armed {
		if v.scheduled <= target {
			return
		}

		a.sched.Cancel(v.scheduleID)
	}

	v.armed = true
	v.scheduled = target
	v.scheduleID = a.sched.Schedule(target, func() {
		v.armed = false
		a.fire(vector)
	})
}

func (a *Arbiter) fire(vector int) {
	target := vector
	if a.mode == ModeLegacy {
		target = 0
		a.icr0 |= 1 << uint(vector)
	} else if vector == 0 {
		a.icr0 |= 1
	}

	log.WithField("vector", target).Trace("irq: signal")
	a.signal(target)
}

// ICR0 returns the current value of ICR0. Only vector 0 (in MSI-X mode) or
// any vector (in legacy mode, which funnels through vector 0) updates it;
// other MSI-X vectors never touch it, matching the real device.
func (a *Arbiter) ICR0() uint32 { return a.icr0 }

// ClearICR0 clears the given bits of ICR0, as a driver read-to-clear would.
func (a *Arbiter) ClearICR0(bits uint32) { a.icr0 &^= bits }
