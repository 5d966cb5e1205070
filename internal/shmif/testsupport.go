package shmif

// NewLoopbackPair wires two BaseIf values directly to the same pair of
// slot arrays, bypassing the socket/SHM handshake entirely. It exists so
// packages built on top of shmif (internal/runtime and the device
// packages) can exercise a full producer/consumer round trip in tests
// without a real connection.
func NewLoopbackPair(params Params) (a, b *BaseIf) {
	qA := make([]byte, params.InNumEntries*params.InEntrySize)
	qB := make([]byte, params.OutNumEntries*params.OutEntrySize)
	initQueueOwnership(qA, params.InEntrySize, params.InNumEntries)
	initQueueOwnership(qB, params.OutEntrySize, params.OutNumEntries)

	a = newBaseIf(params)
	a.state = StateOpen
	a.outQueue, a.outElen, a.outEnum = qA, params.InEntrySize, params.InNumEntries
	a.inQueue, a.inElen, a.inEnum = qB, params.OutEntrySize, params.OutNumEntries

	b = newBaseIf(params)
	b.state = StateOpen
	b.inQueue, b.inElen, b.inEnum = qA, params.InEntrySize, params.InNumEntries
	b.outQueue, b.outElen, b.outEnum = qB, params.OutEntrySize, params.OutNumEntries

	return a, b
}
