package shmif

import (
	"errors"
	"fmt"

	"github.com/rs/xid"
)

// SyncMode controls whether a BaseIf requires, allows, or disables
// timestamp-ordered synchronization with its peer.
type SyncMode int

const (
	SyncDisabled SyncMode = iota
	SyncOptional
	SyncRequired
)

// ConnState is the lifecycle of a BaseIf's underlying connection.
type ConnState int

const (
	StateListening ConnState = iota
	StateConnecting
	StateAwaitingHandshakeRx
	StateAwaitingHandshakeTx
	StateAwaitingHandshakeRxTx
	StateOpen
	StateClosed
)

// Params mirrors SimbricksBaseIfParams: everything needed to size and
// negotiate a connection before it exists.
type Params struct {
	LinkLatency  uint64 // picoseconds
	SyncInterval uint64 // picoseconds
	SockPath     string
	SyncMode     SyncMode
	BlockingConn bool

	InNumEntries  int
	InEntrySize   int
	OutNumEntries int
	OutEntrySize  int

	UpperLayerProto UpperLayerProto
}

// DefaultParams returns parameters matching SimbricksBaseIfDefaultParams'
// typical values: optional sync, 2048-byte slots, 8192-entry rings.
func DefaultParams() Params {
	return Params{
		LinkLatency:   500_000, // 500ns in ps
		SyncInterval:  100_000, // 100ns in ps
		SyncMode:      SyncOptional,
		InNumEntries:  8192,
		InEntrySize:   2048,
		OutNumEntries: 8192,
		OutEntrySize:  2048,
	}
}

// ErrQueueFull is returned by Alloc when the outbound ring has no free slot.
// Per spec.md §7 this is a transient condition: callers should busy-poll
// and retry rather than treat it as fatal, except for OutSync's caller who
// may choose to treat a forced sync miss as fatal.
var ErrQueueFull = errors.New("shmif: outbound queue full")

// ErrNotConnected is returned by operations that require an open BaseIf.
var ErrNotConnected = errors.New("shmif: base interface not open")

// BaseIf is a connected endpoint: one inbound ring, one outbound ring, local
// producer/consumer positions, and the negotiated connection parameters.
// Exactly one goroutine (the owning device's runtime loop) may call its
// methods; there is no internal locking (spec.md §5).
type BaseIf struct {
	ID xid.ID

	Params Params
	Pool   *SHMPool

	inQueue []byte
	inPos   int
	inElen  int
	inEnum  int
	inTS    uint64

	outQueue []byte
	outPos   int
	outElen  int
	outEnum  int
	outTS    uint64
	outEverSent bool

	state    ConnState
	sync     bool
	listener bool

	listenFD int
	connFD   int
}

// newBaseIf allocates a BaseIf with a fresh session id, used by both Listen
// and Connect before the handshake completes.
func newBaseIf(params Params) *BaseIf {
	return &BaseIf{ID: xid.New(), Params: params}
}

// Peek looks at the slot at the consumer position without advancing it. It
// returns the slot and true if the producer has handed it over and (when
// sync is enabled) its timestamp is due by ts_now.
func (b *BaseIf) Peek(tsNow uint64) ([]byte, bool) {
	if b.state != StateOpen {
		return nil, false
	}

	slot := b.inQueue[b.inPos*b.inElen : (b.inPos+1)*b.inElen]

	ownType := loadOwnType(slot) // acquire semantics: this is the one field
	// that may be concurrently written by the peer process, so it must be
	// read before anything else in the slot is interpreted.
	if ownType&ownMask != ownConsumer {
		return nil, false
	}

	b.inTS = headerTimestamp(slot)
	if b.sync && b.inTS > tsNow {
		return nil, false
	}

	return slot, true
}

// Poll is Peek followed by advancing the local consumer position.
func (b *BaseIf) Poll(tsNow uint64) ([]byte, bool) {
	slot, ok := b.Peek(tsNow)
	if !ok {
		return nil, false
	}

	b.inPos = (b.inPos + 1) % b.inEnum

	return slot, true
}

// InTimestamp returns the timestamp of the last slot a failed Peek/Poll
// examined — valid only right after a call that returned false because of a
// future timestamp.
func (b *BaseIf) InTimestamp() uint64 { return b.inTS }

// Done releases a previously polled slot back to the producer via a
// release-store that flips the owner bit while preserving the type.
func (b *BaseIf) Done(slot []byte) {
	cur := loadOwnType(slot)
	storeOwnType(slot, (cur&^ownMask)|ownProducer)
}

// Alloc returns the slot at the producer position if it is currently owned
// by the producer (i.e. free), stamps its timestamp as tsNow plus the
// negotiated link latency, and advances the producer position. It does not
// set the type or ownership bit — callers must follow with Send.
func (b *BaseIf) Alloc(tsNow uint64) ([]byte, error) {
	if b.state != StateOpen {
		return nil, ErrNotConnected
	}

	slot := b.outQueue[b.outPos*b.outElen : (b.outPos+1)*b.outElen]

	ownType := loadOwnType(slot)
	if ownType&ownMask != ownProducer {
		return nil, ErrQueueFull
	}

	setHeaderTimestamp(slot, tsNow+b.Params.LinkLatency)
	b.outTS = tsNow

	b.outPos = (b.outPos + 1) % b.outEnum

	return slot, nil
}

// Send performs the release-store that hands slot, tagged with msgType, to
// the consumer. It must be the last write to the slot.
func (b *BaseIf) Send(slot []byte, msgType uint8) {
	storeOwnType(slot, (msgType&typeMask)|ownConsumer)
	b.outEverSent = true
}

// OutSync allocates and sends a bare SYNC message if synchronization is
// enabled and the sync interval has elapsed since the last outbound
// message. It returns nil if a sync was sent or unnecessary, and
// ErrQueueFull if one was needed but the queue was full.
func (b *BaseIf) OutSync(tsNow uint64) error {
	if !b.sync {
		return nil
	}

	if b.outEverSent && tsNow-b.outTS < b.Params.SyncInterval {
		return nil
	}

	slot, err := b.Alloc(tsNow)
	if err != nil {
		return err
	}

	b.Send(slot, MsgTypeSync)

	return nil
}

// OutNextSync returns the deadline by which the next sync (or data) message
// must be sent to honor the sync interval.
func (b *BaseIf) OutNextSync() uint64 {
	return b.outTS + b.Params.SyncInterval
}

// SyncEnabled reports whether this connection negotiated synchronization.
func (b *BaseIf) SyncEnabled() bool { return b.sync }

// State returns the current connection lifecycle state.
func (b *BaseIf) State() ConnState { return b.state }

// OutMsgLen returns the maximum payload length of outbound messages.
func (b *BaseIf) OutMsgLen() int { return b.outElen }

func negotiateSync(localMode, localForce, peerSync, peerForce bool, localWantsSync bool) (bool, error) {
	if localForce && !peerSync {
		return false, fmt.Errorf("shmif: sync_force requested locally but peer has sync disabled")
	}

	if peerForce && !localWantsSync {
		return false, fmt.Errorf("shmif: peer requires sync but local side has it disabled")
	}

	return localWantsSync && peerSync, nil
}
