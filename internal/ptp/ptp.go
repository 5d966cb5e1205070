// Package ptp implements the device's virtual PTP hardware clock
// (spec.md §4.11), a lazily-evaluated fixed-point clock ported from the
// i40e PHC model: instead of advancing every simulated cycle, it
// recomputes its value on every access from the cycles elapsed since the
// last recomputation.
package ptp

import "math/bits"

// clockHz is the PHC's nominal frequency; cycles, not simulated
// picoseconds, are the clock's native unit.
const clockHz = 812_500_000

const psPerCycle = 1_000_000_000_000 / clockHz

// Clock is a 32.32 fixed-point virtual hardware clock plus a pending
// frequency adjustment, matching i40e's PRTTSYN_ADJ/INC/TIME registers.
//
// lastVal is held as a 128-bit fixed-point value (hi:lo, binal point at
// bit 32) because inc*cyclesPassed routinely overflows 64 bits; Go has no
// native 128-bit integer so the two halves are carried explicitly with
// math/bits.
type Clock struct {
	now func() uint64 // current simulated time in picoseconds

	lastUpdatedCycle uint64
	valHi, valLo     uint64 // fixed-point clock value, Q32.32, cycles domain
	offset           uint64 // wall-clock offset added on read (phc_write)

	incVal uint64 // per-cycle increment, Q32.32
	adjVal uint64 // pending adjustment magnitude, in whole cycles
	adjNeg bool   // pending adjustment sign
}

// New returns a clock driven by now, which must return the current
// simulated time in picoseconds (spec.md §3 "Simulated time").
func New(now func() uint64) *Clock {
	return &Clock{now: now}
}

// update recomputes the clock's internal fixed-point value for the cycles
// elapsed since the last call, applying any pending increment and
// adjustment. It must run before every read or parameter change.
func (c *Clock) update() uint64 {
	cycleNow := c.now() / psPerCycle
	cyclesPassed := cycleNow - c.lastUpdatedCycle

	// valLo/valHi += incVal * cyclesPassed (128-bit accumulate).
	hi, lo := bits.Mul64(c.incVal, cyclesPassed)
	var carry uint64
	c.valLo, carry = bits.Add64(c.valLo, lo, 0)
	c.valHi, _ = bits.Add64(c.valHi, hi, carry)

	if c.adjVal != 0 {
		var adj uint64
		if c.adjVal <= cyclesPassed {
			adj = c.adjVal
			c.adjVal = 0
		} else {
			adj = cyclesPassed
			c.adjVal -= cyclesPassed
		}

		// adj <<= 32, then add/subtract from the 128-bit accumulator.
		adjHi, adjLo := adj>>32, adj<<32

		if c.adjNeg {
			var borrow uint64
			c.valLo, borrow = bits.Sub64(c.valLo, adjLo, 0)
			c.valHi, _ = bits.Sub64(c.valHi, adjHi, borrow)
		} else {
			var carry2 uint64
			c.valLo, carry2 = bits.Add64(c.valLo, adjLo, 0)
			c.valHi, _ = bits.Add64(c.valHi, adjHi, carry2)
		}
	}

	c.lastUpdatedCycle = cycleNow

	return shiftRight32(c.valHi, c.valLo) + c.offset
}

func shiftRight32(hi, lo uint64) uint64 {
	return (hi << 32) | (lo >> 32)
}

// Read returns the current PHC time (PRTTSYN_TIME_L/H read).
func (c *Clock) Read() uint64 {
	return c.update()
}

// Write sets the PHC time by recording an offset from the underlying
// free-running accumulator (PRTTSYN_TIME_L/H write), leaving the increment
// and adjustment state untouched.
func (c *Clock) Write(val uint64) {
	cur := c.update()
	c.offset += val - cur
}

// AdjGet returns the currently pending adjustment, encoded the way
// PRTTSYN_ADJ reads it back: magnitude in the low bits, sign in the top
// bit.
func (c *Clock) AdjGet() (magnitude uint32, negative bool) {
	c.update()
	return uint32(c.adjVal), c.adjNeg
}

// AdjSet programs a one-shot adjustment of magnitude cycles (whole cycles,
// consumed at one cycle per simulated cycle until exhausted), applied with
// the given sign (PRTTSYN_ADJ write).
func (c *Clock) AdjSet(magnitude uint32, negative bool) {
	c.update()
	c.adjVal = uint64(magnitude)
	c.adjNeg = negative
}

// IncSet programs the clock's steady-state per-cycle increment
// (PRTTSYN_INC write).
func (c *Clock) IncSet(inc uint64) {
	c.update()
	c.incVal = inc
}
