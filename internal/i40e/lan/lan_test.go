package lan

import (
	"encoding/binary"
	"testing"

	"github.com/rs/xid"
	"github.com/stretchr/testify/require"

	"github.com/opencosim/nicbm/internal/dma"
	"github.com/opencosim/nicbm/internal/i40e/xsum"
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

func TestTxQueueReassemblesAndSendsNonTSOFrame(t *testing.T) {
	de := newDeferredEngine(1 << 16)

	var sent []Packet
	q := NewTxQueue("tx0", de.eng, Hooks{
		TxSend: func(p Packet) { sent = append(sent, p) },
	})
	q.Ring().Enable(0, 8, DescLen)

	// packet buffers are plain host addresses, never routed through the HMC
	// (only a queue's own context address is HMC-resident).
	const bufAddr = 0x2000

	payload := make([]byte, xsum.IPv4HeaderLen+xsum.TCPHeaderLen+10)
	copy(de.mem[bufAddr:], payload)

	d := TxDesc(de.mem[0:DescLen])
	binary.LittleEndian.PutUint64(d[0:], bufAddr)
	ctl := uint64(len(payload)) | (1 << 16) | (1 << 17) // len, EOP, RS
	binary.LittleEndian.PutUint64(d[8:], ctl)

	q.Ring().SetTail(1)
	de.drain()

	require.Len(t, sent, 1)
	require.Equal(t, len(payload), len(sent[0].Data))
}

func TestRxQueueWritesIncomingPacketToPostedBuffer(t *testing.T) {
	de := newDeferredEngine(1 << 16)

	pkt := Packet{Data: []byte("hello"), Hash: 0xabcd}
	delivered := false

	q := NewRxQueue("rx0", de.eng, Hooks{
		RxDeliver: func() (Packet, bool) {
			if delivered {
				return Packet{}, false
			}

			delivered = true

			return pkt, true
		},
	})
	q.Ring().Enable(0, 8, DescLen)

	const bufAddr = 0x4000

	d := RxDesc(de.mem[0:DescLen])
	binary.LittleEndian.PutUint64(d[0:], bufAddr)

	q.Ring().SetTail(1)
	de.drain()

	require.Equal(t, []byte("hello"), de.mem[bufAddr:bufAddr+5])
}

// buildTSOFrame assembles a minimal IPv4+TCP header followed by payload,
// with the fields TCPIPForTSO/PostUpdateHeader read (total length,
// checksum, sequence number, packet ID) zeroed so the assertions below can
// check what sendTSO derives from scratch.
func buildTSOFrame(payloadLen int) []byte {
	headerLen := xsum.IPv4HeaderLen + xsum.TCPHeaderLen
	frame := make([]byte, headerLen+payloadLen)

	frame[9] = 6 // protocol: TCP
	copy(frame[12:16], []byte{10, 0, 0, 1})
	copy(frame[16:20], []byte{10, 0, 0, 2})

	for i := headerLen; i < len(frame); i++ {
		frame[i] = byte(i)
	}

	return frame
}

// TestSendTSOAdvancesSeqAndPacketIDPerSegment covers the MSS=1400-over-3000B
// scenario: three segments must carry strictly increasing TCP sequence
// numbers and IPv4 packet IDs, not just the first.
func TestSendTSOAdvancesSeqAndPacketIDPerSegment(t *testing.T) {
	de := newDeferredEngine(1 << 16)

	var sent [][]byte
	q := NewTxQueue("tx0", de.eng, Hooks{
		TxSend: func(p Packet) { sent = append(sent, append([]byte(nil), p.Data...)) },
	})

	const mss = 1400
	const payloadLen = 3000

	frame := buildTSOFrame(payloadLen)

	q.sendTSO(frame, xsum.IPv4HeaderLen, xsum.TCPHeaderLen, mss)

	require.Len(t, sent, 3)

	const tcpSeqOff = xsum.IPv4HeaderLen + 4
	const ipIDOff = 4

	seqs := make([]uint32, len(sent))
	ids := make([]uint16, len(sent))

	for i, seg := range sent {
		seqs[i] = swap32ForTest(binary.LittleEndian.Uint32(seg[tcpSeqOff:]))
		ids[i] = swap16ForTest(binary.LittleEndian.Uint16(seg[ipIDOff:]))
	}

	require.Equal(t, uint32(0), seqs[0])
	require.Equal(t, uint32(mss), seqs[1])
	require.Equal(t, uint32(2*mss), seqs[2])

	require.Equal(t, ids[0]+1, ids[1])
	require.Equal(t, ids[1]+1, ids[2])

	require.Len(t, sent[0][xsum.IPv4HeaderLen+xsum.TCPHeaderLen:], mss)
	require.Len(t, sent[1][xsum.IPv4HeaderLen+xsum.TCPHeaderLen:], mss)
	require.Len(t, sent[2][xsum.IPv4HeaderLen+xsum.TCPHeaderLen:], payloadLen-2*mss)
}

func swap32ForTest(v uint32) uint32 {
	return v<<24 | (v&0xff00)<<8 | (v>>8)&0xff00 | v>>24
}

func swap16ForTest(v uint16) uint16 { return v<<8 | v>>8 }
