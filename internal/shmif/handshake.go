package shmif

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// protocolVersion is bumped whenever the intro wire format changes
// incompatibly.
const protocolVersion = 1

// introFlagSync and introFlagSyncForce are the two bits exchanged in the
// intro handshake (spec.md §4.1).
const (
	introFlagSync      uint32 = 1 << 0
	introFlagSyncForce uint32 = 1 << 1
)

// ErrVersionMismatch is a setup-fatal error: the two peers speak different
// base protocol versions.
var ErrVersionMismatch = errors.New("shmif: protocol version mismatch")

// ErrUnexpectedMsgType is a protocol violation: a message of the wrong type
// arrived during a handshake phase.
var ErrUnexpectedMsgType = errors.New("shmif: unexpected message type during handshake")

// listenerIntro is what the listening side sends first: queue geometry for
// both directions (from the listener's point of view: "in" as the listener
// sees incoming messages, "out" as it sees outgoing ones) plus the upper
// layer protocol id. The pool fd is attached out of band via SCM_RIGHTS.
type listenerIntro struct {
	version         uint32
	flags           uint32
	inNumEntries    uint64
	inEntrySize     uint64
	outNumEntries   uint64
	outEntrySize    uint64
	upperLayerProto uint64
}

const listenerIntroSize = 4 + 4 + 8*5

func (li listenerIntro) marshal() []byte {
	buf := make([]byte, listenerIntroSize)
	binary.LittleEndian.PutUint32(buf[0:4], li.version)
	binary.LittleEndian.PutUint32(buf[4:8], li.flags)
	binary.LittleEndian.PutUint64(buf[8:16], li.inNumEntries)
	binary.LittleEndian.PutUint64(buf[16:24], li.inEntrySize)
	binary.LittleEndian.PutUint64(buf[24:32], li.outNumEntries)
	binary.LittleEndian.PutUint64(buf[32:40], li.outEntrySize)
	binary.LittleEndian.PutUint64(buf[40:48], li.upperLayerProto)

	return buf
}

func unmarshalListenerIntro(buf []byte) (listenerIntro, error) {
	if len(buf) < listenerIntroSize {
		return listenerIntro{}, fmt.Errorf("shmif: listener intro too short: %d bytes", len(buf))
	}

	return listenerIntro{
		version:         binary.LittleEndian.Uint32(buf[0:4]),
		flags:           binary.LittleEndian.Uint32(buf[4:8]),
		inNumEntries:    binary.LittleEndian.Uint64(buf[8:16]),
		inEntrySize:     binary.LittleEndian.Uint64(buf[16:24]),
		outNumEntries:   binary.LittleEndian.Uint64(buf[24:32]),
		outEntrySize:    binary.LittleEndian.Uint64(buf[32:40]),
		upperLayerProto: binary.LittleEndian.Uint64(buf[40:48]),
	}, nil
}

// connecterIntro is what the connecting side sends: just its protocol
// version, sync preference, and upper layer protocol id. No fd.
type connecterIntro struct {
	version         uint32
	flags           uint32
	upperLayerProto uint64
}

const connecterIntroSize = 4 + 4 + 8

func (ci connecterIntro) marshal() []byte {
	buf := make([]byte, connecterIntroSize)
	binary.LittleEndian.PutUint32(buf[0:4], ci.version)
	binary.LittleEndian.PutUint32(buf[4:8], ci.flags)
	binary.LittleEndian.PutUint64(buf[8:16], ci.upperLayerProto)

	return buf
}

func unmarshalConnecterIntro(buf []byte) (connecterIntro, error) {
	if len(buf) < connecterIntroSize {
		return connecterIntro{}, fmt.Errorf("shmif: connecter intro too short: %d bytes", len(buf))
	}

	return connecterIntro{
		version:         binary.LittleEndian.Uint32(buf[0:4]),
		flags:           binary.LittleEndian.Uint32(buf[4:8]),
		upperLayerProto: binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

// Listen binds params.SockPath, creates and carves the SHM pool, and
// accepts exactly one connection. It blocks until a peer connects (the
// caller can run this in a goroutine for an async feel, matching
// SimbricksBaseIfListen's documented "does not wait" semantics loosely —
// here we choose to make Listen itself do the accept+handshake so callers
// get back a single ready-or-error BaseIf, which is the simpler and more
// idiomatic Go shape).
func Listen(params Params, upperIntro []byte) (*BaseIf, error) {
	b := newBaseIf(params)
	b.listener = true
	b.state = StateListening

	_ = unix.Unlink(params.SockPath)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("shmif: socket: %w", err)
	}

	b.listenFD = fd

	addr := &unix.SockaddrUnix{Name: params.SockPath}
	if err := unix.Bind(fd, addr); err != nil {
		return nil, fmt.Errorf("shmif: bind %q: %w", params.SockPath, err)
	}

	if err := unix.Listen(fd, 1); err != nil {
		return nil, fmt.Errorf("shmif: listen %q: %w", params.SockPath, err)
	}

	connFD, _, err := unix.Accept(fd)
	if err != nil {
		return nil, fmt.Errorf("shmif: accept: %w", err)
	}

	b.connFD = connFD
	b.state = StateAwaitingHandshakeRxTx

	poolSize := Size(params.InNumEntries, params.InEntrySize, params.OutNumEntries, params.OutEntrySize)

	pool, err := CreatePool(params.SockPath+".shm", poolSize)
	if err != nil {
		return nil, err
	}

	b.Pool = pool

	if err := carveQueues(b, params); err != nil {
		return nil, err
	}

	if err := listenerHandshake(b, params, upperIntro); err != nil {
		return nil, err
	}

	b.state = StateOpen
	log.WithField("id", b.ID.String()).Info("shmif: listener handshake complete")

	return b, nil
}

// Connect dials params.SockPath, receives the SHM pool fd, and completes
// the handshake.
func Connect(params Params, upperIntro []byte) (*BaseIf, error) {
	b := newBaseIf(params)
	b.listener = false
	b.state = StateConnecting

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("shmif: socket: %w", err)
	}

	addr := &unix.SockaddrUnix{Name: params.SockPath}
	if err := unix.Connect(fd, addr); err != nil {
		return nil, fmt.Errorf("shmif: connect %q: %w", params.SockPath, err)
	}

	b.connFD = fd
	b.state = StateAwaitingHandshakeRxTx

	if err := connecterHandshake(b, params, upperIntro); err != nil {
		return nil, err
	}

	b.state = StateOpen
	log.WithField("id", b.ID.String()).Info("shmif: connecter handshake complete")

	return b, nil
}

// carveQueues splits the pool into the listener's in/out slot arrays, in
// the fixed order spec.md §4.1 requires: incoming geometry first, then
// outgoing.
func carveQueues(b *BaseIf, params Params) error {
	in, err := b.Pool.Carve(params.InNumEntries * params.InEntrySize)
	if err != nil {
		return err
	}

	out, err := b.Pool.Carve(params.OutNumEntries * params.OutEntrySize)
	if err != nil {
		return err
	}

	// The listener's incoming queue is the connecter's outgoing queue and
	// vice versa; from the listener's perspective the roles are as named.
	b.inQueue, b.inElen, b.inEnum = in, params.InEntrySize, params.InNumEntries
	b.outQueue, b.outElen, b.outEnum = out, params.OutEntrySize, params.OutNumEntries

	initQueueOwnership(b.inQueue, b.inElen, b.inEnum)
	initQueueOwnership(b.outQueue, b.outElen, b.outEnum)

	return nil
}

// initQueueOwnership marks every slot as owned by the producer (free),
// since SHM pools are zero-filled on creation this is usually a no-op, but
// is made explicit for clarity and to support re-using a pool.
func initQueueOwnership(queue []byte, elen, enum int) {
	for i := 0; i < enum; i++ {
		storeOwnType(queue[i*elen:(i+1)*elen], ownProducer)
	}
}

func localFlags(mode SyncMode) uint32 {
	var flags uint32
	if mode != SyncDisabled {
		flags |= introFlagSync
	}

	if mode == SyncRequired {
		flags |= introFlagSyncForce
	}

	return flags
}

func listenerHandshake(b *BaseIf, params Params, upperIntro []byte) error {
	li := listenerIntro{
		version:         protocolVersion,
		flags:           localFlags(params.SyncMode),
		inNumEntries:    uint64(params.InNumEntries), // the listener's own in/out geometry
		inEntrySize:     uint64(params.InEntrySize),
		outNumEntries:   uint64(params.OutNumEntries),
		outEntrySize:    uint64(params.OutEntrySize),
		upperLayerProto: uint64(params.UpperLayerProto),
	}

	payload := append(li.marshal(), upperIntro...)
	if err := sendWithFD(b.connFD, payload, b.Pool.FD()); err != nil {
		return fmt.Errorf("shmif: send listener intro: %w", err)
	}

	buf, err := recvAll(b.connFD, connecterIntroSize+len(upperIntro))
	if err != nil {
		return fmt.Errorf("shmif: recv connecter intro: %w", err)
	}

	ci, err := unmarshalConnecterIntro(buf)
	if err != nil {
		return err
	}

	if ci.version != protocolVersion {
		return ErrVersionMismatch
	}

	sync, err := negotiateSync(
		params.SyncMode != SyncDisabled, params.SyncMode == SyncRequired,
		ci.flags&introFlagSync != 0, ci.flags&introFlagSyncForce != 0,
		params.SyncMode != SyncDisabled,
	)
	if err != nil {
		return err
	}

	b.sync = sync

	return nil
}

func connecterHandshake(b *BaseIf, params Params, upperIntro []byte) error {
	ci := connecterIntro{
		version:         protocolVersion,
		flags:           localFlags(params.SyncMode),
		upperLayerProto: uint64(params.UpperLayerProto),
	}

	payload := append(ci.marshal(), upperIntro...)
	if err := sendAll(b.connFD, payload); err != nil {
		return fmt.Errorf("shmif: send connecter intro: %w", err)
	}

	buf, oob, err := recvWithFD(b.connFD, listenerIntroSize+len(upperIntro))
	if err != nil {
		return fmt.Errorf("shmif: recv listener intro: %w", err)
	}

	li, err := unmarshalListenerIntro(buf)
	if err != nil {
		return err
	}

	if li.version != protocolVersion {
		return ErrVersionMismatch
	}

	poolFD, err := extractFD(oob)
	if err != nil {
		return err
	}

	poolSize := int(li.inNumEntries*li.inEntrySize + li.outNumEntries*li.outEntrySize)

	pool, err := MapFd(poolFD, poolSize)
	if err != nil {
		return err
	}

	b.Pool = pool

	b.inQueue, b.inElen, b.inEnum = pool.Base[li.inNumEntries*li.inEntrySize:poolSize], int(li.outEntrySize), int(li.outNumEntries)
	b.outQueue, b.outElen, b.outEnum = pool.Base[0:li.inNumEntries*li.inEntrySize], int(li.inEntrySize), int(li.inNumEntries)

	sync, err := negotiateSync(
		params.SyncMode != SyncDisabled, params.SyncMode == SyncRequired,
		li.flags&introFlagSync != 0, li.flags&introFlagSyncForce != 0,
		params.SyncMode != SyncDisabled,
	)
	if err != nil {
		return err
	}

	b.sync = sync

	return nil
}

// Close sends a blocking-alloc TERMINATE message and closes the underlying
// socket. The SHM pool is left mapped; callers that own it (the listener)
// should Unmap/Unlink separately.
func (b *BaseIf) Close(tsNow uint64) {
	if b.state == StateOpen {
		for {
			slot, err := b.Alloc(tsNow)
			if err == nil {
				b.Send(slot, MsgTypeTerminate)
				break
			}
		}
	}

	b.state = StateClosed

	if b.connFD != 0 {
		unix.Close(b.connFD)
	}

	if b.listener && b.listenFD != 0 {
		unix.Close(b.listenFD)
	}
}
