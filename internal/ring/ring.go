// Package ring implements the generic fetch/prepare/process/write-back
// descriptor-ring pipeline shared by every modeled NIC (spec.md §4.4). Ring
// subtypes plug in behavior via a Hooks struct of function values rather
// than inheritance, per spec.md §9 "Polymorphic dispatch": all queue
// subtypes are siblings, and a context only ever references its ring by
// index, never by embedding.
package ring

import (
	"fmt"

	"github.com/opencosim/nicbm/internal/dma"
	"github.com/opencosim/nicbm/internal/nlog"
)

var log = nlog.For("ring")

// WindowSize is the fixed number of in-flight descriptor contexts a ring
// may track at once (spec.md §3 "Descriptor context").
const WindowSize = 128

// State is a descriptor context's position in the pipeline. Contexts
// traverse these in exactly this order (spec.md §8 property 3); there is no
// other transition.
type State int

const (
	StateEmpty State = iota
	StateFetching
	StatePreparing
	StatePrepared
	StateProcessing
	StateProcessed
	StateWritingBack
	StateWrittenBack
)

// Context is one in-flight descriptor. It never outlives its ring and is
// referenced only by index (spec.md §9 "Cyclic references").
type Context struct {
	Index uint32
	State State
	Desc  []byte
	Data  []byte
}

// Hooks is the set of ring-type-specific behaviors. Every field is
// required except MaxActiveCapacity (WindowSize alone bounds the window if
// nil), MaxWritebackCapacity (defaults to MaxFetchCapacity),
// EncodeWriteback and OnHeadAdvance.
type Hooks struct {
	// MaxActiveCapacity bounds how many contexts may be in flight at once,
	// on top of the fixed WindowSize ceiling.
	MaxActiveCapacity func() int
	// MaxFetchCapacity bounds how many descriptors one Fetch DMA may pull.
	MaxFetchCapacity func() int
	// MaxWritebackCapacity bounds how many descriptors one write-back DMA
	// may push. Defaults to MaxFetchCapacity if nil.
	MaxWritebackCapacity func() int

	// Prepare is called once a descriptor has been fetched, with a copy of
	// its raw bytes in ctx.Desc. It must eventually call done() (possibly
	// after issuing further DMA, e.g. to fetch indirect buffers) to
	// transition the context to Prepared.
	Prepare func(ctx *Context, done func())

	// Process is called in strictly increasing index order over contexts
	// that just became Prepared. It must eventually call done() to
	// transition the context to Processed.
	Process func(ctx *Context, done func())

	// EncodeWriteback returns the bytes to DMA-write back for ctx. If nil,
	// ctx.Desc is written back unmodified.
	EncodeWriteback func(ctx *Context) []byte

	// OnHeadAdvance is called after Head changes, to drive interrupt
	// delivery (spec.md §4.7 "Interrupt").
	OnHeadAdvance func(newHead uint32)
}

// Ring is one descriptor ring: base address, geometry, head/tail, and the
// active context window.
type Ring struct {
	Name     string
	BaseAddr uint64
	Len      uint32
	Head     uint32
	Tail     uint32
	Enabled  bool
	DescLen  int

	hooks Hooks
	eng   *dma.Engine

	window     [WindowSize]Context
	firstPos   int    // window slot of the oldest active context
	firstIdx   uint32 // ring index of the oldest active context
	activeCnt  int
	nextProcOff int // offset from firstPos of the next context to call Process on
}

// New constructs a disabled ring. Call Enable once base/len/descLen are
// known (typically after an HMC queue-context fetch).
func New(name string, eng *dma.Engine, hooks Hooks) *Ring {
	if hooks.MaxWritebackCapacity == nil {
		hooks.MaxWritebackCapacity = hooks.MaxFetchCapacity
	}

	return &Ring{Name: name, hooks: hooks, eng: eng}
}

// Enable configures ring geometry and marks it enabled, ready to be driven
// by RegUpdated.
func (r *Ring) Enable(baseAddr uint64, length uint32, descLen int) {
	r.BaseAddr = baseAddr
	r.Len = length
	r.DescLen = descLen
	r.Head = 0
	r.Tail = 0
	r.Enabled = true
	r.firstPos = 0
	r.firstIdx = 0
	r.activeCnt = 0
	r.nextProcOff = 0
}

// Disable marks the ring inactive; in-flight contexts are abandoned.
func (r *Ring) Disable() {
	r.Enabled = false
}

// SetTail updates the driver-visible tail index (an MMIO write in the real
// device) and triggers the pipeline.
func (r *Ring) SetTail(tail uint32) {
	r.Tail = tail
	r.RegUpdated()
}

// RegUpdated is called whenever tail (or another register relevant to this
// ring) changes; it runs Fetch, which cascades into Process and Writeback
// via the completion callbacks below.
func (r *Ring) RegUpdated() {
	if !r.Enabled {
		return
	}

	r.fetch()
}

func min(a, b int) int {
	if a < b {
		return a
	}

	return b
}

// fetch computes how many new descriptors are available and issues one DMA
// read for all of them, per spec.md §4.4.
func (r *Ring) fetch() {
	avail := int((r.Tail - (r.firstIdx + uint32(r.activeCnt))) % r.Len)

	maxActive := WindowSize
	if r.hooks.MaxActiveCapacity != nil {
		maxActive = min(maxActive, r.hooks.MaxActiveCapacity())
	}

	cnt := min(avail, maxActive-r.activeCnt)
	cnt = min(cnt, r.hooks.MaxFetchCapacity())

	nextIdx := (r.firstIdx + uint32(r.activeCnt)) % r.Len
	// a single DMA must not wrap the ring.
	cnt = min(cnt, int(r.Len-nextIdx))

	if cnt <= 0 {
		return
	}

	startOff := r.activeCnt
	startPos := (r.firstPos + startOff) % WindowSize
	for i := 0; i < cnt; i++ {
		ctx := r.ctxAt(startOff + i)
		ctx.Index = (nextIdx + uint32(i)) % r.Len
		ctx.State = StateFetching
		ctx.Desc = nil
		ctx.Data = nil
	}

	r.activeCnt += cnt

	readLen := cnt * r.DescLen
	buf := make([]byte, readLen)

	r.eng.Issue(&dma.Op{
		Write: false,
		Addr:  r.BaseAddr + uint64(nextIdx)*uint64(r.DescLen),
		Data:  buf,
		Done: func(op *dma.Op) {
			r.onFetchDone(startPos, cnt, op.Data)
		},
	})
}

func (r *Ring) onFetchDone(startPos, cnt int, data []byte) {
	for i := 0; i < cnt; i++ {
		ctx := &r.window[(startPos+i)%WindowSize]
		ctx.Desc = append([]byte(nil), data[i*r.DescLen:(i+1)*r.DescLen]...)
		ctx.State = StatePreparing

		r.hooks.Prepare(ctx, func(c *Context) func() {
			return func() { r.onPrepared(c) }
		}(ctx))
	}
}

func (r *Ring) onPrepared(ctx *Context) {
	ctx.State = StatePrepared
	r.tryProcess()
}

// tryProcess calls Process, in strictly increasing index order, on every
// context that has become Prepared since the last call.
func (r *Ring) tryProcess() {
	for r.nextProcOff < r.activeCnt {
		ctx := r.ctxAt(r.nextProcOff)
		if ctx.State != StatePrepared {
			break
		}

		ctx.State = StateProcessing
		r.nextProcOff++

		r.hooks.Process(ctx, func(c *Context) func() {
			return func() { r.onProcessed(c) }
		}(ctx))
	}
}

func (r *Ring) onProcessed(ctx *Context) {
	ctx.State = StateProcessed
	r.tryWriteback()
}

// tryWriteback takes the longest contiguous prefix of Processed contexts
// starting at firstPos, clamps it, and issues one write-back DMA.
func (r *Ring) tryWriteback() {
	maxWB := r.hooks.MaxWritebackCapacity()

	cnt := 0
	for cnt < r.activeCnt && cnt < maxWB {
		ctx := r.ctxAt(cnt)
		if ctx.State != StateProcessed {
			break
		}

		cnt++
	}

	if cnt == 0 {
		return
	}

	// a single DMA must not wrap the ring either.
	cnt = min(cnt, int(r.Len-r.firstIdx))
	if cnt == 0 {
		return
	}

	for i := 0; i < cnt; i++ {
		r.ctxAt(i).State = StateWritingBack
	}

	buf := make([]byte, 0, cnt*r.DescLen)

	for i := 0; i < cnt; i++ {
		ctx := r.ctxAt(i)

		var enc []byte
		if r.hooks.EncodeWriteback != nil {
			enc = r.hooks.EncodeWriteback(ctx)
		} else {
			enc = ctx.Desc
		}

		buf = append(buf, enc...)
	}

	r.eng.Issue(&dma.Op{
		Write: true,
		Addr:  r.BaseAddr + uint64(r.firstIdx)*uint64(r.DescLen),
		Data:  buf,
		Done: func(*dma.Op) {
			r.onWritebackDone(cnt)
		},
	})
}

func (r *Ring) onWritebackDone(cnt int) {
	for i := 0; i < cnt; i++ {
		r.ctxAt(i).State = StateWrittenBack
	}

	advanced := 0

	for r.activeCnt > 0 && r.ctxAt(0).State == StateWrittenBack {
		r.ctxAt(0).State = StateEmpty
		r.firstPos = (r.firstPos + 1) % WindowSize
		r.firstIdx = (r.firstIdx + 1) % r.Len
		r.activeCnt--
		r.nextProcOff--

		if r.nextProcOff < 0 {
			r.nextProcOff = 0
		}

		advanced++
	}

	if advanced > 0 {
		r.Head = r.firstIdx

		if r.hooks.OnHeadAdvance != nil {
			r.hooks.OnHeadAdvance(r.Head)
		}

		// contexts that finished processing while this write-back was in
		// flight are now at the front of the window.
		r.tryWriteback()

		// freeing window slots may let more descriptors be fetched.
		r.fetch()
	}
}

// ctxAt returns the context at logical offset off from firstPos (0 is the
// oldest active context).
func (r *Ring) ctxAt(off int) *Context {
	return &r.window[(r.firstPos+off)%WindowSize]
}

// IssuePayloadRead issues a DMA read of a buffer outside the descriptor
// ring itself (e.g. a TX packet payload addressed by a descriptor field),
// using the same engine the ring's own fetch/writeback traffic goes
// through, so completion ordering relative to descriptor DMA is preserved.
func (r *Ring) IssuePayloadRead(hostAddr uint64, buf []byte, done func()) {
	r.eng.Issue(&dma.Op{
		Addr: hostAddr,
		Data: buf,
		Done: func(*dma.Op) { done() },
	})
}

// IssuePayloadWrite is IssuePayloadRead's write-direction counterpart.
func (r *Ring) IssuePayloadWrite(hostAddr uint64, data []byte, done func()) {
	r.eng.Issue(&dma.Op{
		Write: true,
		Addr:  hostAddr,
		Data:  data,
		Done:  func(*dma.Op) { done() },
	})
}

// ActiveCount reports how many contexts are currently in flight, for tests
// and introspection.
func (r *Ring) ActiveCount() int { return r.activeCnt }

// FirstIndex reports the ring index of the oldest active context.
func (r *Ring) FirstIndex() uint32 { return r.firstIdx }

// String renders a short diagnostic summary, gokvm-debug-print style.
func (r *Ring) String() string {
	return fmt.Sprintf("ring[%s] head=%d tail=%d active=%d", r.Name, r.Head, r.Tail, r.activeCnt)
}
