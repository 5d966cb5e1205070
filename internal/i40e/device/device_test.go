package device

import (
	"encoding/binary"
	"testing"

	"github.com/rs/xid"
	"github.com/stretchr/testify/require"

	"github.com/opencosim/nicbm/internal/dma"
	"github.com/opencosim/nicbm/internal/evqueue"
	"github.com/opencosim/nicbm/internal/hmc"
)

// deferredEngine mirrors internal/i40e/lan's test harness: DMA completes
// synchronously against a flat byte slice, but only once drain is called,
// so a test can assert on in-flight state between issue and completion.
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

func newTestDevice() (*Device, *deferredEngine, []int) {
	de := newDeferredEngine(1 << 20)
	sched := evqueue.New()

	var signaled []int
	signal := func(vector int) { signaled = append(signaled, vector) }

	dev := New(de.eng, sched, signal, func([]byte) {}, func() uint64 { return 0 })

	return dev, de, signaled
}

// loadHMCSegment drives the sdcmd/sddatalow/sddatahigh register protocol to
// map HMC segment idx onto hostAddr, the same path a driver populating the
// segment table would use (spec.md §4.5).
func loadHMCSegment(dev *Device, idx uint16, hostAddr uint64) {
	dev.RegWrite(0, hmcSddatalow, le32(uint32(hostAddr)))
	dev.RegWrite(0, hmcSddatahigh, le32(uint32(hostAddr>>32)))
	dev.RegWrite(0, hmcSdcmd, le32(uint32(idx)|hmcCmdWrite|hmcCmdValid))
}

// ctxBlob builds a queue-context blob in this model's self-invented
// layout: base address, length, and descriptor length, front-loaded.
func ctxBlob(totalLen int, base uint64, length uint32, descLen byte) []byte {
	buf := make([]byte, totalLen)
	binary.LittleEndian.PutUint64(buf[0:], base)
	binary.LittleEndian.PutUint32(buf[8:], length)
	buf[12] = descLen

	return buf
}

func TestRegWriteMacAddressRoundTrip(t *testing.T) {
	dev, _, _ := newTestDevice()

	dev.RegWrite(0, regMacLo, []byte{0x01, 0x02, 0x03, 0x04})
	dev.RegWrite(0, regMacHi, []byte{0x05, 0x06, 0x00, 0x00})

	require.Equal(t, [6]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}, dev.macAddr)

	lo := dev.RegRead(0, regMacLo, 4)
	hi := dev.RegRead(0, regMacHi, 4)
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, lo)
	require.Equal(t, []byte{0x05, 0x06, 0x00, 0x00}, hi)
}

func TestAdminQueueEnableViaRegisters(t *testing.T) {
	dev, _, _ := newTestDevice()

	dev.RegWrite(0, regAdminBaseLo, le32(0x1000))
	dev.RegWrite(0, regAdminBaseHi, le32(0x2))
	dev.RegWrite(0, regAdminLen, le32(32|(1<<31)))

	require.True(t, dev.admin.Enabled)
	require.Equal(t, uint64(0x2)<<32|0x1000, dev.admin.BaseAddr)
	require.Equal(t, uint32(32), dev.admin.Len)
}

func TestHMCSegmentRegisterProtocolRoundTrip(t *testing.T) {
	dev, _, _ := newTestDevice()

	loadHMCSegment(dev, 9, 0x70000)

	dev.RegWrite(0, hmcSdcmd, le32(9)) // read command: write bit clear

	lo := dev.RegRead(0, hmcSddatalow, 4)
	hi := dev.RegRead(0, hmcSddatahigh, 4)
	require.Equal(t, uint32(0x70000), binary.LittleEndian.Uint32(lo))
	require.Equal(t, uint32(0), binary.LittleEndian.Uint32(hi))
}

func TestTxQueueEnabledOnlyAfterHMCContextFetchCompletes(t *testing.T) {
	dev, de, _ := newTestDevice()

	const segIdx, hostCtxAddr = 3, 0x10000

	loadHMCSegment(dev, segIdx, hostCtxAddr)
	copy(de.mem[hostCtxAddr:], ctxBlob(txCtxLen, 0x5000, 8, 16))

	ctxDevAddr := uint64(segIdx) * hmc.SegLen
	qAddr := uint64(txQueueBase) + 1*queueStride

	dev.RegWrite(0, qAddr+qRegBaseLo, le32(uint32(ctxDevAddr)))
	dev.RegWrite(0, qAddr+qRegBaseHi, le32(uint32(ctxDevAddr>>32)))
	dev.RegWrite(0, qAddr+qRegLen, le32(0))

	r := dev.tx[1].Ring()
	require.False(t, r.Enabled, "enable must wait for the context fetch to complete")

	de.drain()

	require.True(t, r.Enabled)
	require.Equal(t, uint64(0x5000), r.BaseAddr)
	require.Equal(t, uint32(8), r.Len)
	require.Equal(t, 16, r.DescLen)
}

func TestRxQueueEnabledOnlyAfterHMCContextFetchCompletes(t *testing.T) {
	dev, de, _ := newTestDevice()

	const segIdx, hostCtxAddr = 5, 0x20000

	loadHMCSegment(dev, segIdx, hostCtxAddr)
	copy(de.mem[hostCtxAddr:], ctxBlob(rxCtxLen, 0x9000, 16, 16))

	ctxDevAddr := uint64(segIdx) * hmc.SegLen
	qAddr := uint64(rxQueueBase) + 2*queueStride

	dev.RegWrite(0, qAddr+qRegBaseLo, le32(uint32(ctxDevAddr)))
	dev.RegWrite(0, qAddr+qRegBaseHi, le32(uint32(ctxDevAddr>>32)))
	dev.RegWrite(0, qAddr+qRegLen, le32(0))
	de.drain()

	r := dev.rx[2].Ring()
	require.True(t, r.Enabled)
	require.Equal(t, uint64(0x9000), r.BaseAddr)
	require.Equal(t, uint32(16), r.Len)
}

func TestQueueContextFetchFailsForUnmappedSegment(t *testing.T) {
	dev, de, _ := newTestDevice()

	qAddr := uint64(txQueueBase)

	// no HMC segment loaded: ctxAddr 0 resolves to segment 0, never mapped.
	dev.RegWrite(0, qAddr+qRegLen, le32(0))
	de.drain()

	require.False(t, dev.tx[0].Ring().Enabled)
}

func enableTxQueueForTest(t *testing.T, dev *Device, de *deferredEngine, idx int, base uint64, length uint32, descLen byte) {
	t.Helper()

	segIdx := uint16(0x100 + idx)
	hostCtxAddr := uint64(0x30000 + idx*4096)

	loadHMCSegment(dev, segIdx, hostCtxAddr)
	copy(de.mem[hostCtxAddr:], ctxBlob(txCtxLen, base, length, descLen))

	ctxDevAddr := uint64(segIdx) * hmc.SegLen
	qAddr := uint64(txQueueBase) + uint64(idx)*queueStride

	dev.RegWrite(0, qAddr+qRegBaseLo, le32(uint32(ctxDevAddr)))
	dev.RegWrite(0, qAddr+qRegBaseHi, le32(uint32(ctxDevAddr>>32)))
	dev.RegWrite(0, qAddr+qRegLen, le32(0))
	de.drain()

	require.True(t, dev.tx[idx].Ring().Enabled)
}

func TestQueueTailRegisterSetsRingTail(t *testing.T) {
	dev, de, _ := newTestDevice()

	enableTxQueueForTest(t, dev, de, 0, 0x6000, 8, 16)

	qAddr := uint64(txQueueBase)
	dev.RegWrite(0, qAddr+qRegTail, le32(3))

	require.Equal(t, uint32(3), dev.tx[0].Ring().Tail)
}

func TestPTPSystimeRoundTrip(t *testing.T) {
	dev, _, _ := newTestDevice()

	dev.RegWrite(0, ptpSystimeLo, le32(0x1234))

	lo := dev.RegRead(0, ptpSystimeLo, 4)
	require.Equal(t, uint32(0x1234), binary.LittleEndian.Uint32(lo))
}

func TestRSSKeyAndLUTRegisterWrites(t *testing.T) {
	dev, _, _ := newTestDevice()

	var key [52]byte
	for i := range key {
		key[i] = byte(i)
	}

	dev.RegWrite(0, rssKeyBase, key[:])
	dev.RegWrite(0, rssLUTBase+5, []byte{2})

	require.Equal(t, uint8(2), dev.lut.Queue(5))
}

func TestEthRxQueuesPacketAndUpdatesRing(t *testing.T) {
	dev, _, _ := newTestDevice()

	pkt := make([]byte, 38)
	copy(pkt[26:30], []byte{10, 0, 0, 1})
	copy(pkt[30:34], []byte{10, 0, 0, 2})

	dev.EthRx(pkt)

	total := 0
	for _, q := range dev.rxPending {
		total += len(q)
	}

	require.Equal(t, 1, total)
}
