package hmc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitDecodesSegmentAndOffset(t *testing.T) {
	idx, offset := Split(uint64(3)<<segShift | 0x40)

	require.Equal(t, uint16(3), idx)
	require.Equal(t, uint64(0x40), offset)
}

func TestTranslateWithinSegment(t *testing.T) {
	c := New()
	require.NoError(t, c.Load(3, 0x1000, 0x100))

	devAddr := uint64(3)<<segShift + 0x40

	got, err := c.Translate(devAddr, 0x10)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1040), got)
}

func TestTranslateUnloadedSegmentFails(t *testing.T) {
	c := New()

	devAddr := uint64(5) << segShift

	_, err := c.Translate(devAddr, 4)
	require.ErrorIs(t, err, ErrSegmentInvalid)
}

func TestTranslateStraddleAborts(t *testing.T) {
	c := New()
	require.NoError(t, c.Load(1, 0x2000, 0x20))

	devAddr := uint64(1)<<segShift + 0x18

	_, err := c.Translate(devAddr, 0x10)
	require.ErrorIs(t, err, ErrStraddle)
}

func TestInvalidateRemovesMapping(t *testing.T) {
	c := New()
	require.NoError(t, c.Load(7, 0x500, 0x10))
	c.Invalidate(7)

	devAddr := uint64(7) << segShift

	_, err := c.Translate(devAddr, 1)
	require.ErrorIs(t, err, ErrSegmentInvalid)
}
