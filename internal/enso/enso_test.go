package enso

import (
	"encoding/binary"
	"testing"

	"github.com/rs/xid"
	"github.com/stretchr/testify/require"

	"github.com/opencosim/nicbm/internal/dma"
)

type deferredEngine struct {
	eng     *dma.Engine
	mem     []byte
	pending []func()
}

func newDeferredEngine(memSize int) *deferredEngine {
	d := &deferredEngine{mem: make([]byte, memSize)}
	d.eng = dma.New(d.issue)

	return d
}

func (d *deferredEngine) issue(write bool, addr uint64, data []byte, tag xid.ID) error {
	if write {
		copy(d.mem[addr:], data)
	} else {
		copy(data, d.mem[addr:addr+uint64(len(data))])
	}

	d.pending = append(d.pending, func() { d.eng.Complete(tag, data) })

	return nil
}

func (d *deferredEngine) drain() {
	for len(d.pending) > 0 {
		next := d.pending[0]
		d.pending = d.pending[1:]
		next()
	}
}

func le32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)

	return buf
}

func udpPacket(dstIP, srcIP uint32, dstPort, srcPort uint16, payload []byte) []byte {
	pkt := make([]byte, ethHdrLen+20+8+len(payload))
	ip := pkt[ethHdrLen:]
	ip[0] = 0x45 // version 4, IHL 5
	binary.BigEndian.PutUint16(ip[2:], uint16(20+8+len(payload)))
	ip[9] = ipProtoUDP
	binary.BigEndian.PutUint32(ip[12:], srcIP)
	binary.BigEndian.PutUint32(ip[16:], dstIP)

	udp := ip[20:]
	binary.BigEndian.PutUint16(udp[0:], srcPort)
	binary.BigEndian.PutUint16(udp[2:], dstPort)
	copy(udp[8:], payload)

	return pkt
}

func TestRxPipelineClassifiesByFlowTable(t *testing.T) {
	p := NewRxPipeline()
	p.AddFlowTableEntry(80, 1234, 0x0a000001, 0x0a000002, 7)

	pkt := udpPacket(0x0a000001, 0x0a000002, 80, 1234, []byte("hi"))

	id, ok := p.Classify(pkt)
	require.True(t, ok)
	require.Equal(t, uint32(7), id)
}

func TestRxPipelineFallbackRoundRobin(t *testing.T) {
	p := NewRxPipeline()
	p.EnableRR = true
	p.SetFallbackQueues(4, 3)

	pkt := udpPacket(0x0a000001, 0x0a000002, 80, 1234, []byte("hi"))

	first, ok := p.Classify(pkt)
	require.True(t, ok)

	second, ok := p.Classify(pkt)
	require.True(t, ok)

	require.Equal(t, first+1, second)
}

func TestRxPipelineDropsWithoutFallback(t *testing.T) {
	p := NewRxPipeline()

	pkt := udpPacket(0x0a000001, 0x0a000002, 80, 1234, []byte("hi"))

	_, ok := p.Classify(pkt)
	require.False(t, ok)
}

func TestTxPipelineReassemblesSplitPacket(t *testing.T) {
	tp := NewTxPipeline()

	pkt := udpPacket(0x0a000001, 0x0a000002, 80, 1234, []byte("payload"))
	aligned := (uint32(len(pkt)) + 63) &^ 63
	padded := make([]byte, aligned)
	copy(padded, pkt)

	var sent [][]byte
	tp.EnqueueData(padded[:40], func(p []byte) { sent = append(sent, p) })
	require.Empty(t, sent)

	tp.EnqueueData(padded[40:], func(p []byte) { sent = append(sent, p) })
	require.Len(t, sent, 1)
	require.Equal(t, pkt, sent[0])
}

func TestDeviceRegisterRoundTripRxPipeBase(t *testing.T) {
	de := newDeferredEngine(1 << 20)
	dev := NewDevice(de.eng, nil, nil)

	addr := uint64(3) * MemorySpacePerQueue

	dev.RegWrite(QueuesBar, addr+regRxMemLow, le32(0x5000))
	dev.RegWrite(QueuesBar, addr+regRxMemHigh, le32(0x1))

	require.Equal(t, uint64(0x1)<<32|0x5000, dev.rxBuf(3).addr)
	require.Equal(t, uint32(0x5000), binary.LittleEndian.Uint32(dev.RegRead(QueuesBar, addr+regRxMemLow, 4)))
}

func TestDeviceEthRxDeliversAndNotifies(t *testing.T) {
	de := newDeferredEngine(1 << 20)

	var signaled []int
	dev := NewDevice(de.eng, func(v int) { signaled = append(signaled, v) }, nil)

	dev.RxPipeline().AddFlowTableEntry(80, 1234, 0x0a000001, 0x0a000002, 5)

	rxAddr := uint64(5) * MemorySpacePerQueue
	dev.RegWrite(QueuesBar, rxAddr+regRxMemLow, le32(0x1000))

	notifAddr := uint64(MaxNbQueues) * MemorySpacePerQueue
	dev.RegWrite(QueuesBar, notifAddr+regRxMemLow, le32(0x2000))

	pkt := udpPacket(0x0a000001, 0x0a000002, 80, 1234, []byte("hello"))
	dev.EthRx(pkt)
	de.drain()
	de.drain()

	require.Equal(t, pkt, de.mem[0x1000:0x1000+len(pkt)])
	require.Equal(t, []int{0}, signaled)

	notif := de.mem[0x2000 : 0x2000+notifSize]
	require.Equal(t, uint64(1), binary.LittleEndian.Uint64(notif[0:8]))
	require.Equal(t, uint64(5), binary.LittleEndian.Uint64(notif[8:16]))
}

func TestDeviceTxNotificationDrivesReassembly(t *testing.T) {
	de := newDeferredEngine(1 << 20)

	var sent [][]byte
	dev := NewDevice(de.eng, nil, func(pkt []byte) { sent = append(sent, pkt) })

	appID := uint32(2)
	base := (uint64(MaxNbQueues) + uint64(appID)) * MemorySpacePerQueue

	dev.RegWrite(QueuesBar, base+regTxMemLow, le32(0x4000))

	pkt := udpPacket(0x0a000001, 0x0a000002, 80, 1234, []byte("reply"))
	aligned := (uint32(len(pkt)) + 63) &^ 63
	copy(de.mem[0x5000:], pkt)

	notif := make([]byte, notifSize)
	binary.LittleEndian.PutUint64(notif[0:8], 1)
	binary.LittleEndian.PutUint64(notif[8:16], 0x5000)
	binary.LittleEndian.PutUint64(notif[16:24], uint64(aligned))
	copy(de.mem[0x4000:], notif)

	dev.RegWrite(QueuesBar, base+regTxTail, le32(1))
	de.drain()
	de.drain()

	require.Len(t, sent, 1)
	require.Equal(t, pkt, sent[0])
}
