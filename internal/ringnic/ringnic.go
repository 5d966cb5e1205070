// Package ringnic implements the ring-based NIC model (spec.md §4.8),
// ported from the corundum behavioral model: a register-mapped event ring
// plus TX/TX-completion/RX/RX-completion descriptor rings, each a plain
// head/tail circular buffer rather than the i40e-style fetch/prepare/
// process/writeback pipeline. DMA completions for descriptors in flight
// can arrive out of order; a per-slot completion bitmap is what lets the
// head pointer still advance only over a contiguous completed prefix.
package ringnic

import (
	"encoding/binary"

	"github.com/opencosim/nicbm/internal/dma"
	"github.com/opencosim/nicbm/internal/nlog"
)

var log = nlog.For("ringnic")

// Register offsets, a subset of the real device's register map (spec.md
// §4.8 "Register map").
const (
	RegFWID      = 0x0000
	RegFWVer     = 0x0004
	RegBoardID   = 0x0008
	RegBoardVer  = 0x000c
	RegIfCount   = 0x0020
	RegIfCSROff  = 0x002c
	RegIfID      = 0x80000
	RegIfFeature = 0x80004
)

// Per-ring register block layout, relative to a ring's own base offset.
const (
	regBaseAddrLower = 0x00
	regBaseAddrUpper = 0x04
	regActiveLogSize = 0x08
	regAuxIndex      = 0x0c
	regHeadPtr       = 0x10
	regTailPtr       = 0x18
)

const (
	activeMask = 0x80000000
	armMask    = 0x80000000
	contMask   = 0x40000000
)

// Descriptor/completion/event entry sizes and the DMA chunking bound.
const (
	DescSize    = 16
	CplSize     = 32
	EventSize   = 32
	MaxDMALen   = 2048
	EventTxCpl  = 0
	EventRxCpl  = 1
)

// ring is the shared head/tail circular-buffer state every ring kind
// embeds. Pointers are raw (not masked to size) 16-bit counters, per the
// original: wraparound is handled by masking only when indexing memory,
// so head/tail can be compared for distance without ambiguity up to a
// full 16-bit span.
type ring struct {
	dmaAddr  uint64
	sizeLog  uint
	size     uint16
	mask     uint16
	index    uint32
	headPtr  uint16
	tailPtr  uint16
	currHead uint16
	currTail uint16
	active   bool
	armed    bool

	completed []bool // indexed by raw ptr & mask; true once that slot's DMA has completed
}

func (r *ring) setSizeLog(log uint) {
	r.sizeLog = log
	r.size = uint16(1) << log
	r.mask = r.size - 1
	r.completed = make([]bool, r.size)
}

// Configure installs a ring's base address and size (log2 entry count) and
// marks it active, mirroring a driver's *_BASE_ADDR_REG / *_ACTIVE_LOG_SIZE_REG
// writes (spec.md §4.8 "Register map").
func (r *ring) Configure(dmaAddr uint64, sizeLog uint) {
	r.dmaAddr = dmaAddr
	r.setSizeLog(sizeLog)
	r.active = true
}

// Disable marks the ring inactive; in-flight DMA for it still completes.
func (r *ring) Disable() { r.active = false }

// SetIndex records a driver-assigned AUX_INDEX (the interface/queue this
// ring is associated with).
func (r *ring) SetIndex(idx uint32) { r.index = idx }

// Head, Tail and IsActive report the ring's driver-visible state, for
// register reads.
func (r *ring) Head() uint16   { return r.headPtr }
func (r *ring) Tail() uint16   { return r.tailPtr }
func (r *ring) IsActive() bool { return r.active }

func (r *ring) empty() bool { return r.currHead == r.currTail }
func (r *ring) full() bool  { return r.currTail-r.currHead == r.size }

// occupied reports how many descriptors are posted but not yet consumed
// past currHead.
func (r *ring) occupied() uint16 { return r.currTail - r.currHead }

// markDone records that the slot at raw pointer ptr has completed, then
// advances currHead over the longest contiguous completed prefix
// starting at the current head. Returns how many slots advanced.
func (r *ring) markDone(ptr uint16) uint16 {
	r.completed[ptr&r.mask] = true

	var advanced uint16
	for r.currHead != r.currTail && r.completed[r.currHead&r.mask] {
		r.completed[r.currHead&r.mask] = false
		r.currHead++
		advanced++
	}

	if advanced > 0 {
		r.headPtr = r.currHead
	}

	return advanced
}

// EventRing is the MSI-X-adjacent queue the device posts TX/RX completion
// notifications to.
type EventRing struct {
	ring
	eng    *dma.Engine
	signal func(index int)
}

// NewEventRing returns an event ring driven by eng, signaling the host via
// signal once an event descriptor's DMA write completes.
func NewEventRing(eng *dma.Engine, signal func(index int)) *EventRing {
	return &EventRing{eng: eng, signal: signal}
}

// SetTail is called when the driver writes this ring's tail pointer
// register, acknowledging delivered events.
func (e *EventRing) SetTail(tail uint16) {
	e.ring.tailPtr = tail
}

// IssueEvent posts one event descriptor (EVENT_TYPE_TX_CPL or
// EVENT_TYPE_RX_CPL, with source identifying the completion ring).
func (e *EventRing) IssueEvent(evType uint16, source uint16) {
	if !e.ring.active || e.ring.full() {
		return
	}

	slot := e.ring.currTail
	e.ring.currTail++

	buf := make([]byte, EventSize)
	binary.LittleEndian.PutUint16(buf[0:], evType)
	binary.LittleEndian.PutUint16(buf[2:], source)

	addr := e.ring.dmaAddr + uint64(slot&e.ring.mask)*EventSize

	e.eng.Issue(&dma.Op{
		Write: true,
		Addr:  addr,
		Data:  buf,
		Done: func(*dma.Op) {
			e.ring.markDone(slot)
			e.ring.tailPtr = e.ring.currTail

			if e.signal != nil {
				e.signal(int(source))
			}
		},
	})
}

// CplRing is a TX- or RX-completion ring: the device writes one Cpl entry
// per finished descriptor and notifies the paired event ring.
type CplRing struct {
	ring
	eng   *dma.Engine
	event *EventRing
	evSrc uint16
	evTyp uint16
}

// NewCplRing returns a completion ring that raises evType/evSrc events on
// the given event ring as entries complete.
func NewCplRing(eng *dma.Engine, event *EventRing, evType, evSrc uint16) *CplRing {
	return &CplRing{eng: eng, event: event, evTyp: evType, evSrc: evSrc}
}

// Complete posts a completion entry for descriptor index, length len.
func (c *CplRing) Complete(index uint16, length uint16, rxHash uint32, rxCsum uint16) {
	if !c.ring.active || c.ring.full() {
		return
	}

	slot := c.ring.currTail
	c.ring.currTail++

	buf := make([]byte, CplSize)
	binary.LittleEndian.PutUint16(buf[0:], c.evSrc)
	binary.LittleEndian.PutUint16(buf[2:], index)
	binary.LittleEndian.PutUint16(buf[4:], length)
	binary.LittleEndian.PutUint16(buf[14:], rxCsum)
	binary.LittleEndian.PutUint32(buf[16:], rxHash)

	addr := c.ring.dmaAddr + uint64(slot&c.ring.mask)*CplSize

	c.eng.Issue(&dma.Op{
		Write: true,
		Addr:  addr,
		Data:  buf,
		Done: func(*dma.Op) {
			c.ring.markDone(slot)
			c.ring.tailPtr = c.ring.currTail

			if c.event != nil {
				c.event.IssueEvent(c.evTyp, c.evSrc)
			}
		},
	})
}

// SetTail is called when the driver writes this ring's tail pointer
// register; it only records the value for register read-back.
func (c *CplRing) SetTail(tail uint16) {
	c.ring.tailPtr = tail
}

// Desc is one TX/RX descriptor.
type Desc []byte

func (d Desc) Len() uint32     { return binary.LittleEndian.Uint32(d[4:]) }
func (d Desc) Addr() uint64    { return binary.LittleEndian.Uint64(d[8:]) }
func (d Desc) TxCsumCmd() uint16 { return binary.LittleEndian.Uint16(d[2:]) }

// TxRing fetches posted TX descriptors, pulls the packet payload out of
// host memory, hands it to the wire, and posts a completion. Because each
// descriptor's payload fetch is its own DMA op, completions for
// descriptors 2 and 3 can land before descriptor 1's - markDone's
// contiguous-prefix rule is what keeps the completion ring (and hence the
// head pointer the driver sees) from reordering.
type TxRing struct {
	ring
	eng         *dma.Engine
	cpl         *CplRing
	send        func(data []byte)
	fetchCursor uint16
}

// NewTxRing returns a TX descriptor ring posting completions to cpl and
// handing assembled frames to send.
func NewTxRing(eng *dma.Engine, cpl *CplRing, send func(data []byte)) *TxRing {
	return &TxRing{eng: eng, cpl: cpl, send: send}
}

// SetTail is called when the driver posts new descriptors.
func (t *TxRing) SetTail(tail uint16) {
	t.ring.currTail = tail
	t.ring.tailPtr = tail

	for t.fetchCursor != t.ring.currTail {
		t.fetchOne()
	}
}

// fetchOne issues the descriptor fetch for the next not-yet-fetched slot.
// currHead itself only ever moves via markDone (to preserve the
// completion bitmap invariant); fetchCursor tracks how far fetches have
// been issued independently, so a burst of SetTail calls doesn't refetch
// an index twice.
func (t *TxRing) fetchOne() {
	idx := t.fetchCursor
	t.fetchCursor++

	buf := make([]byte, DescSize)
	addr := t.ring.dmaAddr + uint64(idx&t.ring.mask)*DescSize

	t.eng.Issue(&dma.Op{
		Addr: addr,
		Data: buf,
		Done: func(op *dma.Op) {
			t.onDescFetched(idx, Desc(op.Data))
		},
	})
}

func (t *TxRing) onDescFetched(idx uint16, d Desc) {
	buf := make([]byte, d.Len())

	t.eng.Issue(&dma.Op{
		Addr: d.Addr(),
		Data: buf,
		Done: func(op *dma.Op) {
			t.send(op.Data)
			t.ring.markDone(idx)
			t.ring.headPtr = t.ring.currHead

			if t.cpl != nil {
				t.cpl.Complete(idx&t.ring.mask, uint16(len(op.Data)), 0, 0)
			}
		},
	})
}

// RxRing fetches posted (empty) RX buffers and, as inbound packets
// arrive, DMA-writes them into the next posted buffer and posts a
// completion.
type RxRing struct {
	ring
	eng         *dma.Engine
	cpl         *CplRing
	rssHash     func(pkt []byte) (hash uint32, csumOK bool)
	fetchCursor uint16
}

// NewRxRing returns an RX descriptor ring.
func NewRxRing(eng *dma.Engine, cpl *CplRing, rssHash func([]byte) (uint32, bool)) *RxRing {
	return &RxRing{eng: eng, cpl: cpl, rssHash: rssHash}
}

// SetTail is called when the driver posts new empty buffers.
func (r *RxRing) SetTail(tail uint16) {
	r.ring.currTail = tail
	r.ring.tailPtr = tail
}

// Deliver writes one inbound packet into the next posted buffer, fetching
// its descriptor first to learn the buffer's host address.
func (r *RxRing) Deliver(pkt []byte) bool {
	if r.fetchCursor == r.ring.currTail {
		return false
	}

	idx := r.fetchCursor
	r.fetchCursor++

	buf := make([]byte, DescSize)
	descAddr := r.ring.dmaAddr + uint64(idx&r.ring.mask)*DescSize

	r.eng.Issue(&dma.Op{
		Addr: descAddr,
		Data: buf,
		Done: func(op *dma.Op) {
			d := Desc(op.Data)

			r.eng.Issue(&dma.Op{
				Write: true,
				Addr:  d.Addr(),
				Data:  pkt,
				Done: func(*dma.Op) {
					hash, csumOK := uint32(0), true
					if r.rssHash != nil {
						hash, csumOK = r.rssHash(pkt)
					}

					var rxCsum uint16
					if csumOK {
						rxCsum = 0xffff
					}

					r.ring.markDone(idx)
					r.ring.headPtr = r.ring.currHead

					if r.cpl != nil {
						r.cpl.Complete(idx&r.ring.mask, uint16(len(pkt)), hash, rxCsum)
					}
				},
			})
		},
	})

	return true
}
