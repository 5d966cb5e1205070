// Package admin implements the i40e-style admin command queue (spec.md
// §4.6): fixed 32-byte descriptors carrying an opcode and, for most
// commands, an indirect data buffer addressed by a 64-bit pointer in the
// descriptor. Descriptors are processed strictly in order; an opcode the
// table has no handler for still completes successfully, a quirk
// preserved verbatim from the behavioral model it's ported from.
package admin

import (
	"encoding/binary"
	"fmt"

	"github.com/opencosim/nicbm/internal/dma"
	"github.com/opencosim/nicbm/internal/nlog"
)

var log = nlog.For("i40e.admin")

// DescLen is the fixed admin descriptor size.
const DescLen = 32

// Flag bits within a descriptor's flags field.
const (
	FlagDD  = 1 << 0  // descriptor done
	FlagCMP = 1 << 1  // command completed
	FlagErr = 1 << 2  // an error occurred
	FlagRD  = 1 << 10 // params.external.addr carries a buffer the driver wrote
)

// RC is an admin command return code.
type RC uint16

const (
	RCOK     RC = 0
	RCENOMEM RC = 9
)

// Opcode identifies an admin command.
type Opcode uint16

const (
	OpGetVersion           Opcode = 0x0001
	OpRequestResource      Opcode = 0x0008
	OpReleaseResource      Opcode = 0x0009
	OpListFuncCapabilities Opcode = 0x000A
	OpListDevCapabilities  Opcode = 0x000B
	OpClearPXEMode         Opcode = 0x0110
	OpMACAddressRead       Opcode = 0x0107
	OpLLDPStop             Opcode = 0x0A05
	OpGetPHYAbilities      Opcode = 0x0600
	OpGetLinkStatus        Opcode = 0x0607
	OpGetSwitchConfig      Opcode = 0x0200
	OpSetSwitchConfig      Opcode = 0x0205
	OpGetVSIParameters     Opcode = 0x0212
	OpUpdateVSIParameters  Opcode = 0x0211
	OpSetDCBParameters     Opcode = 0x0303
	OpConfigureVSIBWLimit  Opcode = 0x0217
	OpQueryVSIBWConfig     Opcode = 0x0222
	OpQueryVSIETSSLAConfig Opcode = 0x0223
	OpRemoveMacVLAN        Opcode = 0x0251
)

// Desc is a 32-byte admin descriptor, accessed in place.
type Desc []byte

func (d Desc) Flags() uint16          { return binary.LittleEndian.Uint16(d[0:]) }
func (d Desc) SetFlags(v uint16)      { binary.LittleEndian.PutUint16(d[0:], v) }
func (d Desc) Opcode() Opcode         { return Opcode(binary.LittleEndian.Uint16(d[2:])) }
func (d Desc) DataLen() uint16        { return binary.LittleEndian.Uint16(d[4:]) }
func (d Desc) SetDataLen(v uint16)    { binary.LittleEndian.PutUint16(d[4:], v) }
func (d Desc) Retval() uint16         { return binary.LittleEndian.Uint16(d[6:]) }
func (d Desc) SetRetval(v uint16)     { binary.LittleEndian.PutUint16(d[6:], v) }
func (d Desc) Param(i int) uint32     { return binary.LittleEndian.Uint32(d[16+4*i:]) }
func (d Desc) SetParam(i int, v uint32) { binary.LittleEndian.PutUint32(d[16+4*i:], v) }

// Addr returns the external-params interpretation of the last 8 bytes: the
// host address of the command's indirect buffer.
func (d Desc) Addr() uint64 {
	return uint64(d.Param(2)) | uint64(d.Param(3))<<32
}

// Hooks supplies device state the opcode table needs but doesn't own.
type Hooks struct {
	MacAddr      func() [6]byte
	NumQueues    func() uint16
	NumPFInts    func() uint16
	NumVSIs      func() uint16
	MaxMTU       func() uint16
	ClearPXEMode func()
}

// Queue is one admin command queue (the driver has a tx/rx pair; this
// models the tx side the driver posts commands on, which is the side with
// interesting semantics - spec.md's admin model treats the rx side as a
// plain mirror).
type Queue struct {
	name     string
	eng      *dma.Engine
	hooks    Hooks
	BaseAddr uint64
	Len      uint32
	Head     uint32
	Tail     uint32
	Enabled  bool
}

// New returns a disabled admin queue.
func New(name string, eng *dma.Engine, hooks Hooks) *Queue {
	return &Queue{name: name, eng: eng, hooks: hooks}
}

// RegUpdated applies a write to the queue's length/enable register,
// matching the ATQLEN/ARQLEN semantics: mask off the length field, flip
// Enabled on the transition of the enable bit.
func (q *Queue) RegUpdated(base uint64, lenReg uint32) {
	q.BaseAddr = base

	const lenMask = 0x3ff
	const enableBit = 1 << 31

	q.Len = lenReg & lenMask

	wantEnabled := lenReg&enableBit != 0
	if wantEnabled != q.Enabled {
		q.Enabled = wantEnabled
	}
}

// SetTail processes every descriptor from head up to the new tail, in
// order, one at a time: each descriptor's indirect buffer (if any) is
// fetched, the opcode dispatched, and the result written back before the
// next descriptor starts.
func (q *Queue) SetTail(tail uint32) {
	q.Tail = tail
	if q.Enabled {
		q.processNext()
	}
}

func (q *Queue) processNext() {
	if q.Head == q.Tail || !q.Enabled {
		return
	}

	descAddr := q.BaseAddr + uint64(q.Head)*DescLen
	buf := make([]byte, DescLen)

	q.eng.Issue(&dma.Op{
		Addr: descAddr,
		Data: buf,
		Done: func(op *dma.Op) {
			q.onDescFetched(descAddr, Desc(op.Data))
		},
	})
}

func (q *Queue) onDescFetched(descAddr uint64, d Desc) {
	if d.Flags()&FlagRD == 0 {
		q.dispatch(descAddr, d, nil)
		return
	}

	in := make([]byte, d.DataLen())

	q.eng.Issue(&dma.Op{
		Addr: d.Addr(),
		Data: in,
		Done: func(op *dma.Op) {
			q.dispatch(descAddr, d, op.Data)
		},
	})
}

func (q *Queue) dispatch(descAddr uint64, d Desc, in []byte) {
	rc, out := q.handle(d, in)

	flags := d.Flags() &^ 0x1ff
	flags |= FlagDD | FlagCMP
	if rc != RCOK {
		flags |= FlagErr
	}

	d.SetFlags(flags)
	d.SetRetval(uint16(rc))

	if out == nil {
		q.writeback(descAddr, d)
		return
	}

	q.eng.Issue(&dma.Op{
		Write: true,
		Addr:  d.Addr(),
		Data:  out,
		Done: func(*dma.Op) {
			q.writeback(descAddr, d)
		},
	})
}

func (q *Queue) writeback(descAddr uint64, d Desc) {
	q.eng.Issue(&dma.Op{
		Write: true,
		Addr:  descAddr,
		Data:  d,
		Done: func(*dma.Op) {
			q.Head = (q.Head + 1) % q.Len
			q.processNext()
		},
	})
}

// handle dispatches one opcode and returns the retval plus an optional
// indirect response buffer (nil if the command has none, or completes
// in-descriptor only). Unknown opcodes succeed with no data, preserving
// the original's "unknown opcode returns success" behavior.
func (q *Queue) handle(d Desc, in []byte) (RC, []byte) {
	switch d.Opcode() {
	case OpGetVersion:
		d.SetParam(0, 0)
		d.SetParam(1, 0)
		d.SetParam(2, 0)
		d.SetParam(3, uint32(1)|uint32(5)<<16) // api_major=1, api_minor=5 (X710 generation)

		return RCOK, nil

	case OpRequestResource:
		d.SetParam(1, 180000) // timeout
		return RCOK, nil

	case OpReleaseResource:
		return RCOK, nil

	case OpClearPXEMode:
		if q.hooks.ClearPXEMode != nil {
			q.hooks.ClearPXEMode()
		}

		return RCOK, nil

	case OpListFuncCapabilities, OpListDevCapabilities:
		return q.listCapabilities(d)

	case OpLLDPStop:
		return RCOK, nil

	case OpMACAddressRead:
		var mac [6]byte
		if q.hooks.MacAddr != nil {
			mac = q.hooks.MacAddr()
		}

		ard := make([]byte, 24)
		copy(ard[0:6], mac[:])
		copy(ard[6:12], mac[:])

		d.SetParam(0, 0x3) // LAN/port addr valid
		return RCOK, ard

	case OpGetPHYAbilities:
		par := make([]byte, 32)
		binary.LittleEndian.PutUint32(par[0:], 1<<20) // 40GBASE-CR4 bit
		par[4] = 0x28                                 // 40GB link speed bit
		par[24] = 0x03                                // link enabled | AN enabled

		return RCOK, par

	case OpGetLinkStatus:
		maxMTU := uint16(9728)
		if q.hooks.MaxMTU != nil {
			maxMTU = q.hooks.MaxMTU()
		}

		d.SetParam(0, uint32(maxMTU))
		return RCOK, nil

	case OpGetSwitchConfig:
		hdr := make([]byte, 4)
		binary.LittleEndian.PutUint16(hdr[0:], 1) // num_reported
		binary.LittleEndian.PutUint16(hdr[2:], 1) // num_total

		elem := make([]byte, 16)
		elem[0] = 0x14 // VSI element type
		binary.LittleEndian.PutUint16(elem[2:], 512)

		return RCOK, append(hdr, elem...)

	case OpSetSwitchConfig:
		return RCOK, nil

	case OpGetVSIParameters:
		pd := make([]byte, 128)
		binary.LittleEndian.PutUint16(pd[0:], 0x0f) // switch|queue_map|queue_opt|sched valid

		return RCOK, pd

	case OpUpdateVSIParameters:
		return RCOK, nil

	case OpSetDCBParameters:
		return RCOK, nil

	case OpConfigureVSIBWLimit:
		return RCOK, nil

	case OpQueryVSIBWConfig:
		resp := make([]byte, 36)
		for i := 0; i < 8; i++ {
			binary.LittleEndian.PutUint16(resp[2*i:], 0xffff)
		}

		return RCOK, resp

	case OpQueryVSIETSSLAConfig:
		resp := make([]byte, 16)
		for i := 0; i < 8; i++ {
			resp[i] = 127
		}

		return RCOK, resp

	case OpRemoveMacVLAN:
		// every removal element reports success; element layout is
		// driver-defined and opaque to the model, so the buffer passes
		// through unchanged apart from the descriptor-level retval.
		return RCOK, append([]byte(nil), in...)

	default:
		log.WithField("opcode", fmt.Sprintf("0x%04x", uint16(d.Opcode()))).
			Debug("i40e.admin: unhandled opcode, returning success")

		return RCOK, nil
	}
}

// capID values, a subset of I40E_AQ_CAP_ID_*.
const (
	capRSS  = 0x0040
	capRXQ  = 0x0041
	capTXQ  = 0x0042
	capMSIX = 0x0043
	capVSI  = 0x0017
	capDCB  = 0x0034
)

const capElemLen = 24

func putCapElem(buf []byte, id uint16, major, minor uint8, number, logical uint32) {
	binary.LittleEndian.PutUint16(buf[0:], id)
	buf[2] = major
	buf[3] = minor
	binary.LittleEndian.PutUint32(buf[4:], number)
	binary.LittleEndian.PutUint32(buf[8:], logical)
}

// listCapabilities answers opc_list_func_capabilities/opc_list_dev_capabilities:
// a fixed table of capability elements, or I40E_AQ_RC_ENOMEM with the
// required length if the driver's buffer is too small, exactly as the
// original model does.
func (q *Queue) listCapabilities(d Desc) (RC, []byte) {
	numQueues, numPFInts, numVSIs := uint32(64), uint32(8), uint32(16)
	if q.hooks.NumQueues != nil {
		numQueues = uint32(q.hooks.NumQueues())
	}

	if q.hooks.NumPFInts != nil {
		numPFInts = uint32(q.hooks.NumPFInts())
	}

	if q.hooks.NumVSIs != nil {
		numVSIs = uint32(q.hooks.NumVSIs())
	}

	elems := []struct {
		id      uint16
		number  uint32
		logical uint32
	}{
		{capRSS, 512, 6},
		{capRXQ, numQueues, 0},
		{capTXQ, numQueues, 0},
		{capMSIX, numPFInts, 0},
		{capVSI, numVSIs, 0},
		{capDCB, 1, 1},
	}

	needed := len(elems) * capElemLen
	if needed > int(d.DataLen()) {
		d.SetDataLen(uint16(needed))
		return RCENOMEM, nil
	}

	buf := make([]byte, needed)
	for i, e := range elems {
		putCapElem(buf[i*capElemLen:], e.id, 1, 0, e.number, e.logical)
	}

	return RCOK, buf
}
