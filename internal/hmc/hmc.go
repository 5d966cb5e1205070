// Package hmc implements the host-memory cache (spec.md §4.5): a
// fixed-size table mapping device-virtual segments to host-physical
// ranges, used to translate addresses handed to the device by the driver
// before they reach the DMA engine.
package hmc

import (
	"errors"
	"fmt"
)

// NumSegments is the size of the segment table.
const NumSegments = 4096

// segShift is the size, in bits, of a segment's address range (2MB),
// matching i40e_hmc.cc's issue_mem_op: seg_idx = addr >> 21.
const segShift = 21

const offsetMask = (uint64(1) << segShift) - 1

// SegLen is the host-address span, in bytes, a single segment table entry
// covers.
const SegLen = uint64(1) << segShift

var (
	// ErrSegmentInvalid is returned when a device-virtual address names a
	// segment table entry that has never been loaded.
	ErrSegmentInvalid = errors.New("hmc: segment not loaded")
	// ErrStraddle is returned when an access would cross a segment
	// boundary; the cache has no notion of contiguous multi-segment
	// ranges and refuses rather than silently truncating.
	ErrStraddle = errors.New("hmc: access straddles segment boundary")
)

// Segment is one entry of the table: the host-physical base address a
// device-virtual segment is currently mapped to, and its length in bytes.
type Segment struct {
	HostAddr uint64
	Len      uint64
	Valid    bool
}

// Cache is the segment table. It is touched only from the single-threaded
// runtime loop, so it carries no locking.
type Cache struct {
	segs [NumSegments]Segment
}

// New returns an empty cache; every segment starts invalid.
func New() *Cache {
	return &Cache{}
}

// Load installs or replaces segment idx, mapping it to [hostAddr,
// hostAddr+length).
func (c *Cache) Load(idx uint16, hostAddr, length uint64) error {
	if int(idx) >= NumSegments {
		return fmt.Errorf("hmc: segment index %d out of range", idx)
	}

	c.segs[idx] = Segment{HostAddr: hostAddr, Len: length, Valid: true}

	return nil
}

// Invalidate marks segment idx unmapped; subsequent Translate calls
// against it fail with ErrSegmentInvalid until it is reloaded.
func (c *Cache) Invalidate(idx uint16) {
	if int(idx) >= NumSegments {
		return
	}

	c.segs[idx] = Segment{}
}

// Split decodes a device-virtual address into its segment index and
// in-segment offset.
func Split(devAddr uint64) (idx uint16, offset uint64) {
	idx = uint16(devAddr >> segShift)
	offset = devAddr & offsetMask

	return idx, offset
}

// Translate resolves a device-virtual [devAddr, devAddr+length) range to a
// host-physical address. The whole range must fit inside a single loaded
// segment; a request that would straddle a segment boundary, or that
// targets an unloaded segment, is refused rather than partially served.
func (c *Cache) Translate(devAddr uint64, length uint64) (uint64, error) {
	idx, offset := Split(devAddr)

	seg := c.segs[idx]
	if !seg.Valid {
		return 0, fmt.Errorf("%w: segment %d", ErrSegmentInvalid, idx)
	}

	if offset+length > seg.Len {
		return 0, fmt.Errorf("%w: segment %d offset %d len %d cap %d",
			ErrStraddle, idx, offset, length, seg.Len)
	}

	return seg.HostAddr + offset, nil
}

// Segment returns a copy of segment idx's current state, for tests and
// introspection (e.g. the device's HMC command-register read-back).
func (c *Cache) Segment(idx uint16) Segment {
	if int(idx) >= NumSegments {
		return Segment{}
	}

	return c.segs[idx]
}
