// Package dma implements the host<->device DMA engine (spec.md §4.3):
// issuing read/write operations as messages on the outbound PCIe queue,
// splitting oversized payloads into a chain of bounded sub-ops, and
// dispatching completions back to the originating model in issue order per
// originator.
package dma

import (
	"github.com/rs/xid"

	"github.com/opencosim/nicbm/internal/nlog"
)

var log = nlog.For("dma")

// MaxOpLen is the largest payload a single PCIe DMA message frame carries;
// larger requests are split into a chain of sub-ops.
const MaxOpLen = 2048

// Op describes one DMA transfer issued by a device model. Done is called
// exactly once, when the (possibly multi-part) transfer completes.
type Op struct {
	Write bool
	Addr  uint64
	Data  []byte
	Done  func(*Op)

	// Tag uniquely identifies this op across the wire (each sub-op of a
	// split transfer carries its own Tag) so completions can be matched to
	// requests independent of Go's pointer/GC semantics.
	Tag xid.ID

	parent   *Op
	remain   int // sub-ops still outstanding, tracked on the parent only
	subAddr  uint64
	subData  []byte
}

// Issuer sends a DMA request message on the outbound PCIe queue. Engine
// calls it once per sub-op with that sub-op's tag; the matching completion
// must later be handed to Engine.Complete with the same tag (an Issuer that
// uses a different wire id keeps its own mapping back to the tag). It
// returns an error if the request could not be sent.
type Issuer func(write bool, addr uint64, data []byte, tag xid.ID) error

// Engine tracks in-flight DMA ops for one device instance and dispatches
// completions. There is one Engine per BaseIf/device, touched only by that
// device's single-threaded runtime loop (spec.md §5).
type Engine struct {
	issue   Issuer
	pending map[xid.ID]*Op
}

// New returns an Engine that calls issue to actually put bytes on the wire.
func New(issue Issuer) *Engine {
	return &Engine{issue: issue, pending: make(map[xid.ID]*Op)}
}

// Issue splits op if its payload exceeds MaxOpLen and sends each chunk as
// its own wire-level sub-op. op.Done fires once, when the last sub-op's
// completion arrives.
func (e *Engine) Issue(op *Op) error {
	if len(op.Data) <= MaxOpLen {
		op.Tag = xid.New()
		e.pending[op.Tag] = op
		op.remain = 1

		return e.issue(op.Write, op.Addr, op.Data, op.Tag)
	}

	chunks := splitChunks(op.Data, MaxOpLen)
	op.remain = len(chunks)

	for i, chunk := range chunks {
		sub := &Op{
			Write:   op.Write,
			Addr:    op.Addr + uint64(i*MaxOpLen),
			Data:    chunk,
			Tag:     xid.New(),
			parent:  op,
			subAddr: op.Addr + uint64(i*MaxOpLen),
			subData: chunk,
		}
		e.pending[sub.Tag] = sub

		if err := e.issue(sub.Write, sub.Addr, sub.Data, sub.Tag); err != nil {
			return err
		}
	}

	return nil
}

func splitChunks(data []byte, max int) [][]byte {
	var chunks [][]byte

	for len(data) > 0 {
		n := max
		if n > len(data) {
			n = len(data)
		}

		chunks = append(chunks, data[:n])
		data = data[n:]
	}

	return chunks
}

// Complete is called by the runtime loop when a ReadComp/WriteComp message
// matching tag arrives. For a read completion, data is the bytes read back
// from the host and is copied into the corresponding sub-op's buffer.
func (e *Engine) Complete(tag xid.ID, data []byte) {
	sub, ok := e.pending[tag]
	if !ok {
		log.WithField("tag", tag.String()).Warn("dma: completion for unknown tag")
		return
	}

	delete(e.pending, tag)

	if sub.parent == nil {
		// single-chunk op: this *is* the op and it's fully done.
		if !sub.Write && data != nil {
			copy(sub.Data, data)
		}

		if sub.Done != nil {
			sub.Done(sub)
		}

		return
	}

	parent := sub.parent
	if !parent.Write && data != nil {
		copy(sub.subData, data)
	}

	parent.remain--
	if parent.remain == 0 && parent.Done != nil {
		parent.Done(parent)
	}
}

// Pending reports how many sub-ops are currently outstanding, for tests and
// metrics.
func (e *Engine) Pending() int { return len(e.pending) }
