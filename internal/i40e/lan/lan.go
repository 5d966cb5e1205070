// Package lan implements the i40e LAN manager (spec.md §4.7): per-queue
// RX/TX state machines built on the generic descriptor-ring pipeline,
// TSO segmentation, RSS-steered receive, and PTP RX/TX timestamping.
package lan

import (
	"encoding/binary"

	"github.com/opencosim/nicbm/internal/dma"
	"github.com/opencosim/nicbm/internal/i40e/rss"
	"github.com/opencosim/nicbm/internal/i40e/xsum"
	"github.com/opencosim/nicbm/internal/ptp"
	"github.com/opencosim/nicbm/internal/ring"
)

// DescLen is the size of both TX and RX descriptors in this model.
const DescLen = 16

// TxDesc bit layout, simplified from the full hardware encoding to the
// fields the LAN manager actually interprets.
type TxDesc []byte

func (d TxDesc) BufAddr() uint64     { return binary.LittleEndian.Uint64(d[0:]) }
func (d TxDesc) ctl() uint64         { return binary.LittleEndian.Uint64(d[8:]) }
func (d TxDesc) BufLen() uint32      { return uint32(d.ctl() & 0xffff) }
func (d TxDesc) EOP() bool           { return d.ctl()&(1<<16) != 0 }
func (d TxDesc) RS() bool            { return d.ctl()&(1<<17) != 0 }
func (d TxDesc) TSO() bool           { return d.ctl()&(1<<18) != 0 }
func (d TxDesc) IPLen() int          { return int((d.ctl() >> 19) & 0xff) }
func (d TxDesc) L4Len() int          { return int((d.ctl() >> 27) & 0xff) }
func (d TxDesc) MSS() uint16         { return uint16((d.ctl() >> 35) & 0xffff) }
func (d TxDesc) setDone()            { binary.LittleEndian.PutUint64(d[8:], d.ctl()|(1<<63)) }

// RxDesc read format: the driver posts a buffer address; after
// processing the descriptor is overwritten with the write-back format
// below.
type RxDesc []byte

func (d RxDesc) BufAddr() uint64 { return binary.LittleEndian.Uint64(d[0:]) }

func (d RxDesc) writeback(length uint16, hash uint32, checksumOK bool) {
	binary.LittleEndian.PutUint64(d[0:], 0)
	binary.LittleEndian.PutUint16(d[0:], length)

	status := uint16(1) // DD
	if checksumOK {
		status |= 1 << 1
	}

	binary.LittleEndian.PutUint16(d[2:], status)
	binary.LittleEndian.PutUint32(d[4:], hash)
}

// Packet is one frame handed between the LAN manager and the rest of the
// device: inbound from the wire for RX, outbound to the wire for TX.
type Packet struct {
	Data []byte
	// Hash is the RSS hash computed for an inbound packet, or the
	// precomputed steering hash a caller wants attached to an outbound
	// one (unused for TX today, carried for symmetry).
	Hash uint32
}

// Hooks ties one LAN queue pair to the rest of the device.
type Hooks struct {
	Clock        *ptp.Clock
	RSSKeyCache  *rss.KeyCache
	TxSend       func(pkt Packet) // hand a fully assembled frame to the wire
	RxDeliver    func() (Packet, bool) // pull the next inbound frame, if any
	OnTxComplete func(descCount int)   // drives interrupt coalescing
	OnRxComplete func(descCount int)
}

// TxQueue reassembles descriptor chains into frames, applies TSO
// segmentation and checksum offload, and hands the result to the wire.
type TxQueue struct {
	ring    *ring.Ring
	hooks   Hooks
	pending []byte // bytes of the in-progress frame, across EOP-less descriptors
}

// NewTxQueue builds a TX queue driven by eng for DMA and hooks for device
// integration.
func NewTxQueue(name string, eng *dma.Engine, hooks Hooks) *TxQueue {
	q := &TxQueue{hooks: hooks}

	q.ring = ring.New(name, eng, ring.Hooks{
		MaxActiveCapacity:    func() int { return ring.WindowSize },
		MaxFetchCapacity:     func() int { return 32 },
		MaxWritebackCapacity: func() int { return 32 },
		Prepare:              q.prepare,
		Process:              q.process,
		EncodeWriteback:      q.encodeWriteback,
		OnHeadAdvance: func(uint32) {
			if hooks.OnTxComplete != nil {
				hooks.OnTxComplete(1)
			}
		},
	})
	q.ring.DescLen = DescLen

	return q
}

// Ring exposes the underlying descriptor ring (for Enable/SetTail/etc).
func (q *TxQueue) Ring() *ring.Ring { return q.ring }

func (q *TxQueue) prepare(ctx *ring.Context, done func()) {
	td := TxDesc(ctx.Desc)

	if td.BufLen() == 0 {
		done()
		return
	}

	buf := make([]byte, td.BufLen())
	ctx.Data = buf

	q.ring.IssuePayloadRead(td.BufAddr(), buf, done)
}

func (q *TxQueue) process(ctx *ring.Context, done func()) {
	td := TxDesc(ctx.Desc)

	q.pending = append(q.pending, ctx.Data...)

	if !td.EOP() {
		done()
		return
	}

	frame := q.pending
	q.pending = nil

	if td.TSO() {
		q.sendTSO(frame, td.IPLen(), td.L4Len(), int(td.MSS()))
	} else {
		if len(frame) >= xsum.IPv4HeaderLen+xsum.TCPHeaderLen {
			xsum.TCP(frame[xsum.IPv4HeaderLen:])
		}

		q.hooks.TxSend(Packet{Data: frame})
	}

	done()
}

func (q *TxQueue) sendTSO(frame []byte, iplen, l4len, mss int) {
	headerLen := iplen + l4len
	if headerLen > len(frame) || mss <= 0 {
		return
	}

	header := frame[:headerLen]
	payload := frame[headerLen:]

	for off := 0; off < len(payload); off += mss {
		end := off + mss
		if end > len(payload) {
			end = len(payload)
		}

		seg := make([]byte, headerLen+(end-off))
		copy(seg, header)
		copy(seg[headerLen:], payload[off:end])

		xsum.TCPIPForTSO(seg, iplen, l4len, uint16(end-off))
		q.hooks.TxSend(Packet{Data: seg})
		xsum.PostUpdateHeader(header, iplen, l4len, uint16(end-off))
	}
}

func (q *TxQueue) encodeWriteback(ctx *ring.Context) []byte {
	td := TxDesc(append([]byte(nil), ctx.Desc...))
	if td.RS() {
		td.setDone()
	}

	return td
}

// RxQueue fetches free buffers posted by the driver and writes inbound
// frames into them as they arrive, steered to this queue by RSS upstream.
type RxQueue struct {
	ring  *ring.Ring
	hooks Hooks
}

// NewRxQueue builds an RX queue.
func NewRxQueue(name string, eng *dma.Engine, hooks Hooks) *RxQueue {
	q := &RxQueue{hooks: hooks}

	q.ring = ring.New(name, eng, ring.Hooks{
		MaxActiveCapacity:    func() int { return ring.WindowSize },
		MaxFetchCapacity:     func() int { return 32 },
		MaxWritebackCapacity: func() int { return 32 },
		Prepare:              q.prepare,
		Process:              q.process,
		OnHeadAdvance: func(uint32) {
			if hooks.OnRxComplete != nil {
				hooks.OnRxComplete(1)
			}
		},
	})
	q.ring.DescLen = DescLen

	return q
}

// Ring exposes the underlying descriptor ring.
func (q *RxQueue) Ring() *ring.Ring { return q.ring }

// prepare for RX simply makes the posted buffer available; the real work
// (pairing it with an inbound packet) happens in process, in order, since
// RX buffers must be consumed in the order the driver posted them.
func (q *RxQueue) prepare(ctx *ring.Context, done func()) {
	done()
}

func (q *RxQueue) process(ctx *ring.Context, done func()) {
	rd := RxDesc(ctx.Desc)

	pkt, ok := q.hooks.RxDeliver()
	if !ok {
		// nothing to receive right now; leave this context pending by not
		// calling done - the ring will retry once new data arrives and
		// RegUpdated is poked again. Simpler: treat as empty-length recv.
		rd.writeback(0, 0, false)
		ctx.Desc = rd
		done()

		return
	}

	rd.writeback(uint16(len(pkt.Data)), pkt.Hash, true)
	ctx.Desc = rd

	q.ring.IssuePayloadWrite(rd.BufAddr(), pkt.Data, done)
}
