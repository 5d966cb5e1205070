// Package runtime implements the single-threaded co-simulation event loop
// (spec.md §5), tying a device model's register/DMA/interrupt surface to
// the shmif transport. It is the Go counterpart of libnicbm's Runner and
// Runner::Device split (original_source/libnicbm/include/nicbm.h): one
// BaseIf carries the PCIe conversation with the host, an optional second
// carries Ethernet frames with the network peer, and a single goroutine
// drains both plus a timed-event queue. No exact wire-format header for
// the h2d/d2h/n2d messages was available to port, so the PCIe and
// Ethernet payload layouts (internal/shmif/pcie.go, internal/shmif/eth.go)
// are original, built on the base protocol's existing own/type framing.
package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/rs/xid"

	"github.com/opencosim/nicbm/internal/dma"
	"github.com/opencosim/nicbm/internal/nlog"
	"github.com/opencosim/nicbm/internal/shmif"
)

// ErrNoDevice is returned by Run if called before SetDevice.
var ErrNoDevice = errors.New("runtime: SetDevice must be called before Run")

var log = nlog.For("runtime")

// Device is the model-specific half of a Runner: everything a concrete NIC
// model (i40e, corundum-style ring NIC) must supply. Grounded in
// Runner::Device's setup_intro/reg_read/reg_write/dma_complete/eth_rx.
type Device interface {
	// RegRead services a host MMIO read of length bytes at addr within bar.
	RegRead(bar uint8, addr uint64, length uint64) []byte
	// RegWrite services a host MMIO write of data at addr within bar.
	RegWrite(bar uint8, addr uint64, data []byte)
	// EthRx delivers one inbound Ethernet frame from the network peer.
	EthRx(pkt []byte)
}

// Runner drives one device's PCIe (and optional Ethernet) conversation and
// its timed events, matching nicbm.h's runMain/poll_h2d/poll_n2d split.
type Runner struct {
	pci *shmif.BaseIf
	eth *shmif.BaseIf

	eng *dma.Engine
	dev Device

	sched *Scheduler

	nextReqID uint64
	tagByReq  map[uint64]xid.ID
	reqByTag  map[xid.ID]uint64

	msixEnabled bool
}

// NewRunner builds a Runner around an already-connected PCIe BaseIf and an
// optional Ethernet BaseIf (nil if this device has no network port). The
// caller wires a Device via SetDevice once it has a handle on the Runner's
// DMA engine and scheduler (for an irq.Arbiter's Signal/Schedule calls).
func NewRunner(pci *shmif.BaseIf, eth *shmif.BaseIf) *Runner {
	r := &Runner{
		pci:      pci,
		eth:      eth,
		sched:    NewScheduler(),
		tagByReq: make(map[uint64]xid.ID),
		reqByTag: make(map[xid.ID]uint64),
	}

	r.eng = dma.New(r.issueDMA)

	return r
}

// Engine returns the DMA engine devices should issue reads/writes through.
func (r *Runner) Engine() *dma.Engine { return r.eng }

// Scheduler returns the timed-event queue devices use for coalescing
// timers, clock callbacks, and similar deferred work.
func (r *Runner) Scheduler() *Scheduler { return r.sched }

// SetDevice attaches the device model this Runner dispatches to. Must be
// called before Run.
func (r *Runner) SetDevice(dev Device) { r.dev = dev }

// SetMSIXEnabled records whether the driver has enabled MSI-X, so
// RaiseInterrupt tags outgoing interrupt messages accordingly. The
// irq.Arbiter itself has already resolved legacy-vs-MSI-X vector targeting
// by the time it calls RaiseInterrupt; this only affects the wire message.
func (r *Runner) SetMSIXEnabled(enabled bool) { r.msixEnabled = enabled }

// RaiseInterrupt sends a device-to-host interrupt message for vector. It
// is the Signal callback an irq.Arbiter is constructed with.
func (r *Runner) RaiseInterrupt(vector int) {
	_ = r.allocSend(r.pci, func(payload []byte) uint8 {
		shmif.PutPCIeInterrupt(payload, uint16(vector), r.msixEnabled)
		return shmif.PCIeMsgInterrupt
	})
}

// EthSend hands an outbound frame to the network peer.
func (r *Runner) EthSend(data []byte) {
	if r.eth == nil {
		log.Warn("runtime: eth send with no network peer attached")
		return
	}

	_ = r.allocSend(r.eth, func(payload []byte) uint8 {
		shmif.PutEthPacket(payload, data)
		return shmif.EthMsgPacket
	})
}

// issueDMA is the dma.Issuer the Engine uses to put DMA requests on the
// wire, correlating each with a wire-sized req_id distinct from the
// engine's internal xid.ID tag.
func (r *Runner) issueDMA(write bool, addr uint64, data []byte, tag xid.ID) error {
	r.nextReqID++
	reqID := r.nextReqID
	r.tagByReq[reqID] = tag
	r.reqByTag[tag] = reqID

	msgType := shmif.PCIeMsgRead
	if write {
		msgType = shmif.PCIeMsgWrite
	}

	return r.allocSend(r.pci, func(payload []byte) uint8 {
		shmif.PutPCIeReadWrite(payload, reqID, 0, addr, data)
		return msgType
	})
}

// allocSend allocates the next free outbound slot on iface, lets encode
// fill the payload and choose the message type, and sends it. Busy-polls
// if the queue is momentarily full, per spec.md §7's guidance that queue-
// full is transient rather than fatal.
func (r *Runner) allocSend(iface *shmif.BaseIf, encode func(payload []byte) uint8) error {
	now := r.sched.Now()

	for {
		slot, err := iface.Alloc(now)
		if err == nil {
			msgType := encode(shmif.Payload(slot))
			iface.Send(slot, msgType)

			return nil
		}

		if err != shmif.ErrQueueFull {
			return err
		}
	}
}

// Run drives the event loop until ctx is canceled: draining inbound PCIe
// and Ethernet messages, firing due timed events, and periodically
// emitting sync heartbeats on both interfaces. The loop yields briefly
// between empty passes rather than spinning a full core, since this is a
// behavioral model rather than a cycle-accurate simulator.
func (r *Runner) Run(ctx context.Context) error {
	if r.dev == nil {
		return ErrNoDevice
	}

	idle := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := r.sched.Now()
		progressed := false

		if r.pollPCIe(now) {
			progressed = true
		}

		if r.eth != nil && r.pollEth(now) {
			progressed = true
		}

		if r.sched.RunDue(now) {
			progressed = true
		}

		_ = r.pci.OutSync(now)

		if r.eth != nil {
			_ = r.eth.OutSync(now)
		}

		if progressed {
			idle = 0
			continue
		}

		idle++
		if idle > 64 {
			time.Sleep(time.Microsecond)
			idle = 0
		}
	}
}

// pollPCIe drains and dispatches one inbound PCIe message, if any is due.
// Reports whether it made progress.
func (r *Runner) pollPCIe(now uint64) bool {
	slot, ok := r.pci.Poll(now)
	if !ok {
		return false
	}

	defer r.pci.Done(slot)

	switch shmif.MsgType(slot) {
	case shmif.MsgTypeSync, shmif.MsgTypeTerminate:
		return true

	case shmif.PCIeMsgRead:
		reqID, bar, addr, length, _ := shmif.PCIeReadWrite(shmif.Payload(slot))
		data := r.dev.RegRead(bar, addr, length)

		_ = r.allocSend(r.pci, func(payload []byte) uint8 {
			shmif.PutPCIeReadWrite(payload, reqID, bar, addr, data)
			return shmif.PCIeMsgReadcomp
		})

	case shmif.PCIeMsgWrite:
		reqID, bar, addr, _, data := shmif.PCIeReadWrite(shmif.Payload(slot))
		r.dev.RegWrite(bar, addr, data)

		_ = r.allocSend(r.pci, func(payload []byte) uint8 {
			shmif.PutPCIeReadWrite(payload, reqID, bar, addr, nil)
			return shmif.PCIeMsgWritecomp
		})

	case shmif.PCIeMsgReadcomp, shmif.PCIeMsgWritecomp:
		reqID, _, _, _, data := shmif.PCIeReadWrite(shmif.Payload(slot))

		tag, ok := r.tagByReq[reqID]
		if !ok {
			log.WithField("reqID", reqID).Warn("runtime: dma completion for unknown request")
			break
		}

		delete(r.tagByReq, reqID)
		delete(r.reqByTag, tag)
		r.eng.Complete(tag, data)

	case shmif.PCIeMsgDevctrl:
		// device reset/control; no device in this model currently needs it.

	default:
		log.WithField("type", shmif.MsgType(slot)).Warn("runtime: unhandled pcie message type")
	}

	return true
}

// pollEth drains one inbound Ethernet frame, if any is due.
func (r *Runner) pollEth(now uint64) bool {
	slot, ok := r.eth.Poll(now)
	if !ok {
		return false
	}

	defer r.eth.Done(slot)

	if shmif.MsgType(slot) == shmif.EthMsgPacket {
		r.dev.EthRx(shmif.EthPacket(shmif.Payload(slot)))
	}

	return true
}
