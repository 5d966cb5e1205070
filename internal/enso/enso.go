// Package enso implements the flow-director NIC model (spec.md §4.9),
// ported from the Enso behavioral model: an RX pipeline that classifies
// inbound packets into application "pipes" by 4-tuple (falling back to a
// round-robin or hashed queue set), and a TX pipeline that reassembles
// packets split across notification-driven DMA reads before handing them
// to the wire.
package enso

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/opencosim/nicbm/internal/dma"
	"github.com/opencosim/nicbm/internal/nlog"
	"github.com/opencosim/nicbm/internal/stats"
)

var log = nlog.For("enso")

// PCIe identity and BAR layout (enso_bm.h).
const (
	VendorID    = 0x1172
	DeviceID    = 0x0
	StandardBar = 0
	QueuesBar   = 2
	MsixBar     = 3
)

// Sizing constants (enso_bm.h / enso_config.h).
const (
	MaxNbApps   = 1024
	MaxNbQueues = 8192

	MTU = 1500

	// EnsoPipeSize and NotificationBufSize are both in 64B flits.
	EnsoPipeSize        = 32768
	NotificationBufSize = 16384

	// MemorySpacePerQueue is the per-queue register window on QueuesBar.
	MemorySpacePerQueue = 1 << 12
)

// queue_regs field offsets within a queue's MemorySpacePerQueue window.
const (
	regRxTail    = 0x00
	regRxHead    = 0x04
	regRxMemLow  = 0x08
	regRxMemHigh = 0x0c
	regTxTail    = 0x10
	regTxHead    = 0x14
	regTxMemLow  = 0x18
	regTxMemHigh = 0x1c
)

const (
	notifSize = 64 // rx_notification / tx_notification wire size: 3 uint64 fields plus 5 uint64 pad.
	ipProtoTCP = 6
	ipProtoUDP = 17
	ethHdrLen  = 14
)

// FourTuple identifies a flow, destination-first. TCP and UDP packets fill
// all four fields; other IPv4 traffic carries only the destination address.
type FourTuple struct {
	DstPort uint16
	SrcPort uint16
	DstIP   uint32
	SrcIP   uint32
}

// ringBuf is one side (rx pipe, rx notifications, or tx notifications) of
// a queue's DMA-addressed circular buffer: just the base address the
// driver posted plus its own tail/head, since unlike the descriptor rings
// in ringnic this model never reads back ring contents itself - it only
// ever DMAs into or out of host memory at buf+offset.
type ringBuf struct {
	addr uint64
	tail uint32
	head uint32
}

// RxPipeline classifies inbound packets into application pipes.
type RxPipeline struct {
	EnableRR bool // round-robin fallback instead of hashed

	flowTable   map[FourTuple]uint32
	fallbackQ   uint32
	fallbackMsk uint32
	nextQueue   uint32
}

// NewRxPipeline returns an empty flow-director pipeline.
func NewRxPipeline() *RxPipeline {
	return &RxPipeline{flowTable: make(map[FourTuple]uint32)}
}

// AddFlowTableEntry installs (or replaces) the pipe a 4-tuple steers to.
func (p *RxPipeline) AddFlowTableEntry(dstPort, srcPort uint16, dstIP, srcIP, pipeID uint32) {
	p.flowTable[FourTuple{uint16(dstPort), uint16(srcPort), dstIP, srcIP}] = pipeID
}

// SetFallbackQueues configures the queue set unmatched packets spread
// across; fallbackQueues == 0 means unmatched packets are dropped.
func (p *RxPipeline) SetFallbackQueues(fallbackQueues, fallbackQueueMask uint32) {
	p.fallbackQ = fallbackQueues
	p.fallbackMsk = fallbackQueueMask
}

// Reset clears all flow table entries and fallback configuration.
func (p *RxPipeline) Reset() {
	p.flowTable = make(map[FourTuple]uint32)
	p.fallbackQ = 0
	p.fallbackMsk = 0
	p.nextQueue = 0
}

// Classify extracts a packet's 4-tuple and returns the pipe it should be
// delivered to. ok is false if the packet matched no flow table entry and
// no fallback queues are configured, meaning it must be dropped.
func (p *RxPipeline) Classify(pkt []byte) (pipeID uint32, ok bool) {
	tuple, ok := extractTuple(pkt)
	if !ok {
		return 0, false
	}

	if id, matched := p.flowTable[tuple]; matched {
		return id, true
	}

	if p.fallbackQ == 0 {
		return 0, false
	}

	if p.EnableRR {
		id := p.nextQueue
		p.nextQueue = (p.nextQueue + 1) & p.fallbackMsk

		return id, true
	}

	h := fnv.New32a()
	var buf [12]byte
	binary.BigEndian.PutUint16(buf[0:], tuple.DstPort)
	binary.BigEndian.PutUint16(buf[2:], tuple.SrcPort)
	binary.BigEndian.PutUint32(buf[4:], tuple.DstIP)
	binary.BigEndian.PutUint32(buf[8:], tuple.SrcIP)
	h.Write(buf[:])

	return h.Sum32() & p.fallbackMsk, true
}

func extractTuple(pkt []byte) (FourTuple, bool) {
	if len(pkt) < ethHdrLen+20 {
		return FourTuple{}, false
	}

	ip := pkt[ethHdrLen:]
	ihl := int(ip[0]&0x0f) * 4

	if ihl < 20 || len(ip) < ihl+4 {
		return FourTuple{}, false
	}

	proto := ip[9]
	dstIP := binary.BigEndian.Uint32(ip[16:20])
	srcIP := binary.BigEndian.Uint32(ip[12:16])

	l4 := ip[ihl:]

	switch proto {
	case ipProtoTCP:
		if len(l4) < 4 {
			return FourTuple{}, false
		}

		return FourTuple{
			DstPort: binary.BigEndian.Uint16(l4[2:4]),
			SrcPort: binary.BigEndian.Uint16(l4[0:2]),
			DstIP:   dstIP,
			SrcIP:   srcIP,
		}, true
	case ipProtoUDP:
		if len(l4) < 4 {
			return FourTuple{}, false
		}

		return FourTuple{
			DstPort: binary.BigEndian.Uint16(l4[2:4]),
			SrcPort: binary.BigEndian.Uint16(l4[0:2]),
			DstIP:   dstIP,
			SrcIP:   srcIP,
		}, true
	default:
		return FourTuple{DstIP: dstIP}, true
	}
}

// TxPipeline reassembles packets that arrive split across notification-
// driven DMA reads, mirroring tx_pipeline's incomplete_pkt_buf_.
type TxPipeline struct {
	incomplete    []byte
	totalPktLen   uint32
	gotPktLen     uint32
}

// NewTxPipeline returns an empty TX reassembly pipeline.
func NewTxPipeline() *TxPipeline {
	return &TxPipeline{incomplete: make([]byte, MTU+18)}
}

// Reset discards any partially reassembled packet.
func (p *TxPipeline) Reset() {
	p.totalPktLen = 0
	p.gotPktLen = 0
}

// EnqueueData feeds a chunk of DMA-read host data through the pipeline,
// calling send once per fully reassembled Ethernet frame. Each packet
// after the first is 64B-aligned in the source stream; a packet that runs
// off the end of data is buffered until the next call completes it.
func (p *TxPipeline) EnqueueData(data []byte, send func(pkt []byte)) {
	cur := data

	for len(cur) > 0 {
		if p.gotPktLen != 0 {
			missing := p.totalPktLen - p.gotPktLen
			if uint32(len(cur)) < missing {
				missing = uint32(len(cur))
			}

			copy(p.incomplete[p.gotPktLen:], cur[:missing])
			p.gotPktLen += missing
			cur = cur[missing:]

			if p.gotPktLen < p.totalPktLen {
				return
			}

			send(append([]byte(nil), p.incomplete[:p.totalPktLen]...))

			pad := ((p.totalPktLen + 63) &^ 63) - p.totalPktLen
			if uint32(len(cur)) < pad {
				pad = uint32(len(cur))
			}

			cur = cur[pad:]
			p.totalPktLen = 0
			p.gotPktLen = 0

			continue
		}

		if len(cur) < ethHdrLen+20 {
			// Too short to even see the IP header's length field; a real
			// notification's data region never splits a packet this early.
			return
		}

		ipLen := binary.BigEndian.Uint16(cur[ethHdrLen+2:])
		pktLen := uint32(ipLen) + ethHdrLen
		aligned := (pktLen + 63) &^ 63

		if pktLen > uint32(len(cur)) {
			copy(p.incomplete, cur)
			p.totalPktLen = pktLen
			p.gotPktLen = uint32(len(cur))

			return
		}

		send(append([]byte(nil), cur[:pktLen]...))

		if aligned > uint32(len(cur)) {
			return
		}

		cur = cur[aligned:]
	}
}

// notif is the shared decode of rx_notification/tx_notification's first
// three fields (signal, queue_id/phys_addr, tail/length); the remaining
// pad[5] is never read.
type notif struct {
	signal   uint64
	field1   uint64 // queue_id for rx, phys_addr for tx
	field2   uint64 // tail for rx, length for tx
}

func decodeNotif(buf []byte) notif {
	return notif{
		signal: binary.LittleEndian.Uint64(buf[0:8]),
		field1: binary.LittleEndian.Uint64(buf[8:16]),
		field2: binary.LittleEndian.Uint64(buf[16:24]),
	}
}

func encodeRxNotif(queueID, tail uint64) []byte {
	buf := make([]byte, notifSize)
	binary.LittleEndian.PutUint64(buf[0:8], 1)
	binary.LittleEndian.PutUint64(buf[8:16], queueID)
	binary.LittleEndian.PutUint64(buf[16:24], tail)

	return buf
}

// Device is the runtime.Device for the flow-director NIC model: per-pipe
// RX ring buffers fed by the RxPipeline's classification, per-app
// notification rings, and TX reassembly through the TxPipeline.
type Device struct {
	eng    *dma.Engine
	signal func(vector int)
	send   func(pkt []byte)

	rx       map[uint32]*ringBuf
	rxNotif  map[uint32]*ringBuf
	txNotif  map[uint32]*ringBuf

	rxPipe *RxPipeline
	txPipe *TxPipeline

	notifDrops uint64
	counters   *stats.Counters
}

// Counters exposes the Prometheus-backed counters for this device.
func (d *Device) Counters() *stats.Counters { return d.counters }

// NewDevice builds a flow-director NIC model. eng is the runtime's DMA
// engine; signal raises MSI-X vector for a notified app queue; send hands
// a reassembled TX frame to the wire.
func NewDevice(eng *dma.Engine, signal func(vector int), send func(pkt []byte)) *Device {
	return &Device{
		eng:     eng,
		signal:  signal,
		send:    send,
		rx:      make(map[uint32]*ringBuf),
		rxNotif: make(map[uint32]*ringBuf),
		txNotif: make(map[uint32]*ringBuf),
		rxPipe:   NewRxPipeline(),
		txPipe:   NewTxPipeline(),
		counters: stats.NewCounters(),
	}
}

// RxPipeline exposes the flow table for configuration (the driver's
// equivalent of process_flow_table_config/process_fallback_queues_config).
func (d *Device) RxPipeline() *RxPipeline { return d.rxPipe }

func (d *Device) rxBuf(pipeID uint32) *ringBuf {
	b, ok := d.rx[pipeID]
	if !ok {
		b = &ringBuf{}
		d.rx[pipeID] = b
	}

	return b
}

func (d *Device) rxNotifBuf(queueID uint32) *ringBuf {
	b, ok := d.rxNotif[queueID]
	if !ok {
		b = &ringBuf{}
		d.rxNotif[queueID] = b
	}

	return b
}

func (d *Device) txNotifBuf(queueID uint32) *ringBuf {
	b, ok := d.txNotif[queueID]
	if !ok {
		b = &ringBuf{}
		d.txNotif[queueID] = b
	}

	return b
}

// RegRead services a host MMIO read of the per-queue register window.
func (d *Device) RegRead(bar uint8, addr uint64, length uint64) []byte {
	buf := make([]byte, length)

	queueID := uint32(addr / MemorySpacePerQueue)
	off := addr % MemorySpacePerQueue

	var val uint32

	if queueID < MaxNbQueues {
		b := d.rxBuf(queueID)

		switch off {
		case regRxTail:
			val = b.tail
		case regRxHead:
			val = b.head
		case regRxMemLow:
			val = uint32(b.addr)
		case regRxMemHigh:
			val = uint32(b.addr >> 32)
		default:
			log.WithField("addr", addr).Trace("enso: read of unmapped rx pipe register")
		}
	} else if appID := queueID - MaxNbQueues; appID < MaxNbApps {
		switch off {
		case regRxTail:
			val = d.rxNotifBuf(appID).tail
		case regRxHead:
			val = d.rxNotifBuf(appID).head
		case regRxMemLow:
			val = uint32(d.rxNotifBuf(appID).addr)
		case regRxMemHigh:
			val = uint32(d.rxNotifBuf(appID).addr >> 32)
		case regTxTail:
			val = d.txNotifBuf(appID).tail
		case regTxHead:
			val = d.txNotifBuf(appID).head
		case regTxMemLow:
			val = uint32(d.txNotifBuf(appID).addr)
		case regTxMemHigh:
			val = uint32(d.txNotifBuf(appID).addr >> 32)
		default:
			log.WithField("addr", addr).Trace("enso: read of unmapped notification register")
		}
	}

	binary.LittleEndian.PutUint32(buf, val)

	return buf
}

// RegWrite services a host MMIO write of the per-queue register window.
func (d *Device) RegWrite(bar uint8, addr uint64, data []byte) {
	if len(data) < 4 {
		return
	}

	val := binary.LittleEndian.Uint32(data)
	queueID := uint32(addr / MemorySpacePerQueue)
	off := addr % MemorySpacePerQueue

	if queueID < MaxNbQueues {
		b := d.rxBuf(queueID)

		switch off {
		case regRxTail:
			b.tail = val
		case regRxHead:
			old := b.head
			b.head = val

			if old != b.tail && b.head != b.tail {
				d.sendRxNotif(queueID)
			}
		case regRxMemLow:
			b.addr = b.addr&0xffffffff00000000 | uint64(val)
		case regRxMemHigh:
			b.addr = b.addr&0xffffffff | uint64(val)<<32
		default:
			log.WithField("addr", addr).Warn("enso: write to unknown rx pipe register")
		}

		return
	}

	appID := queueID - MaxNbQueues
	if appID >= MaxNbApps {
		log.WithField("addr", addr).Warn("enso: write to unmapped register")
		return
	}

	switch off {
	case regRxTail:
		d.rxNotifBuf(appID).tail = val
	case regRxHead:
		d.rxNotifBuf(appID).head = val
	case regRxMemLow:
		b := d.rxNotifBuf(appID)
		b.addr = b.addr&0xffffffff00000000 | uint64(val)
	case regRxMemHigh:
		b := d.rxNotifBuf(appID)
		b.addr = b.addr&0xffffffff | uint64(val)<<32
	case regTxTail:
		b := d.txNotifBuf(appID)
		oldTail := b.tail
		b.tail = val

		if oldTail != val {
			d.fetchTxNotifs(appID, oldTail, val)
		}
	case regTxHead:
		d.txNotifBuf(appID).head = val
	case regTxMemLow:
		b := d.txNotifBuf(appID)
		b.addr = b.addr&0xffffffff00000000 | uint64(val)
	case regTxMemHigh:
		b := d.txNotifBuf(appID)
		b.addr = b.addr&0xffffffff | uint64(val)<<32
	default:
		log.WithField("addr", addr).Warn("enso: write to unknown notification register")
	}
}

// EthRx classifies an inbound frame and DMA-writes it into the pipe the
// flow director selects, or drops it if none matches and no fallback
// queues are configured.
func (d *Device) EthRx(pkt []byte) {
	d.counters.RxPackets++

	pipeID, ok := d.rxPipe.Classify(pkt)
	if !ok {
		d.counters.RxDrops++
		return
	}

	d.dmaData(pkt, pipeID)
}

// rxBufAddr masks off the notification-queue ID the driver packs into the
// low bits of a pipe's buffer address (rx_mem_low/high), mirroring
// DmaData's clean_addr computation.
func rxBufAddr(b *ringBuf) uint64 {
	return b.addr &^ (MaxNbApps - 1)
}

// rxBufNotifQueue recovers the notification queue ID packed into a pipe's
// buffer address by the driver.
func rxBufNotifQueue(b *ringBuf) uint32 {
	return uint32(b.addr) & (MaxNbApps - 1)
}

func (d *Device) dmaData(pkt []byte, pipeID uint32) {
	aligned := (uint32(len(pkt)) + 63) &^ 63
	flits := aligned / 64

	b := d.rxBuf(pipeID)

	freeSlots := (b.head - b.tail - 1) % EnsoPipeSize
	if freeSlots < flits {
		d.counters.RxDrops++
		return
	}

	dst := rxBufAddr(b) + uint64(b.tail)*64

	buf := make([]byte, aligned)
	copy(buf, pkt)

	d.eng.Issue(&dma.Op{
		Write: true,
		Addr:  dst,
		Data:  buf,
	})

	wasEmpty := b.tail == b.head
	b.tail = (b.tail + flits) % EnsoPipeSize

	if wasEmpty {
		d.sendRxNotif(pipeID)
	}
}

// sendRxNotif posts a notification describing the new data available on
// pipeID's buffer to the application queue the driver associated with it,
// dropping it if that queue's notification buffer is full.
func (d *Device) sendRxNotif(pipeID uint32) {
	b := d.rxBuf(pipeID)
	notifQueue := rxBufNotifQueue(b)
	nb := d.rxNotifBuf(notifQueue)

	freeSlots := (nb.head - nb.tail - 1) % NotificationBufSize
	if freeSlots == 0 {
		d.notifDrops++
		return
	}

	addr := nb.addr + uint64(nb.tail)*notifSize
	buf := encodeRxNotif(uint64(pipeID), uint64(b.tail))

	d.eng.Issue(&dma.Op{
		Write: true,
		Addr:  addr,
		Data:  buf,
		Done: func(*dma.Op) {
			if d.signal != nil {
				d.signal(int(notifQueue))
			}
		},
	})

	nb.tail = (nb.tail + 1) % NotificationBufSize
}

// fetchTxNotifs reads the notification entries posted between oldTail and
// newTail and, for each one, issues the data DMA read that feeds the TX
// reassembly pipeline.
func (d *Device) fetchTxNotifs(appID, oldTail, newTail uint32) {
	b := d.txNotifBuf(appID)
	count := (newTail - oldTail) % NotificationBufSize

	for i := uint32(0); i < count; i++ {
		idx := (oldTail + i) % NotificationBufSize
		addr := b.addr + uint64(idx)*notifSize

		buf := make([]byte, notifSize)

		d.eng.Issue(&dma.Op{
			Addr: addr,
			Data: buf,
			Done: func(op *dma.Op) {
				n := decodeNotif(op.Data)
				if n.signal == 0 {
					return
				}

				d.readTxData(n.field1, n.field2)
			},
		})
	}
}

// readTxData issues one (possibly internally-chunked) DMA read of a
// notification's data region and feeds the reassembled bytes through the
// TX pipeline once the whole transfer lands.
func (d *Device) readTxData(physAddr, length uint64) {
	buf := make([]byte, length)

	d.eng.Issue(&dma.Op{
		Addr: physAddr,
		Data: buf,
		Done: func(op *dma.Op) {
			d.txPipe.EnqueueData(op.Data, func(pkt []byte) {
				d.counters.TxPackets++

				if d.send != nil {
					d.send(pkt)
				}
			})
		},
	})
}
