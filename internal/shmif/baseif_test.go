package shmif

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// pairedForTest is NewLoopbackPair under the name these tests were
// originally written against.
func pairedForTest(t *testing.T, params Params) (a, b *BaseIf) {
	t.Helper()

	return NewLoopbackPair(params)
}

func TestAllocSendPollDoneRoundTrip(t *testing.T) {
	params := DefaultParams()
	params.InNumEntries, params.OutNumEntries = 1, 1
	params.LinkLatency = 1000

	a, b := pairedForTest(t, params)

	slot, err := a.Alloc(0)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), headerTimestamp(slot))

	a.Send(slot, 7)

	// b has not reached timestamp 1000 yet: sync disabled by default so it
	// should still be visible immediately.
	got, ok := b.Poll(0)
	require.True(t, ok)
	require.Equal(t, uint8(7), MsgType(got))

	b.Done(got)

	// The slot must now be available to the producer (a) again.
	slot2, err := a.Alloc(2000)
	require.NoError(t, err)
	require.Same(t, &slot[0], &slot2[0])
}

func TestAllocFailsWhenQueueFull(t *testing.T) {
	params := DefaultParams()
	params.InNumEntries, params.OutNumEntries = 2, 2

	a, _ := pairedForTest(t, params)

	for i := 0; i < 2; i++ {
		slot, err := a.Alloc(0)
		require.NoError(t, err)
		a.Send(slot, 0)
	}

	_, err := a.Alloc(0)
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestSyncModeGatesDeliveryByTimestamp(t *testing.T) {
	params := DefaultParams()
	params.InNumEntries, params.OutNumEntries = 4, 4
	params.LinkLatency = 5000

	a, b := pairedForTest(t, params)
	b.sync = true

	slot, err := a.Alloc(0)
	require.NoError(t, err)
	a.Send(slot, 1)

	_, ok := b.Peek(1000)
	require.False(t, ok, "message timestamped 5000 must not be visible at ts=1000")
	require.Equal(t, uint64(5000), b.InTimestamp())

	_, ok = b.Peek(5000)
	require.True(t, ok)
}

func TestOutSyncRespectsInterval(t *testing.T) {
	params := DefaultParams()
	params.InNumEntries, params.OutNumEntries = 4, 4
	params.SyncInterval = 10_000

	a, _ := pairedForTest(t, params)
	a.sync = true

	require.NoError(t, a.OutSync(0))
	require.True(t, a.outEverSent)

	// Second call within the interval should be a no-op: no slot consumed.
	before := a.outPos
	require.NoError(t, a.OutSync(1000))
	require.Equal(t, before, a.outPos)

	require.NoError(t, a.OutSync(20_000))
	require.Equal(t, before+1, a.outPos)
}
