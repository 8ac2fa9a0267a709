package bitmap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitmap_SetClearGet(t *testing.T) {
	data := make([]byte, SizeFor(20))
	bm := New(data, 20)

	require.Equal(t, 0, bm.CountSet())

	bm.Set(0)
	bm.Set(7)
	bm.Set(8)
	bm.Set(19)
	require.True(t, bm.Get(0))
	require.True(t, bm.Get(7))
	require.True(t, bm.Get(8))
	require.True(t, bm.Get(19))
	require.False(t, bm.Get(1))
	require.Equal(t, 4, bm.CountSet())

	bm.Clear(7)
	require.False(t, bm.Get(7))
	require.Equal(t, 3, bm.CountSet())
}

func TestBitmap_NextSetAndClear(t *testing.T) {
	data := make([]byte, SizeFor(16))
	bm := New(data, 16)

	require.Equal(t, -1, bm.NextSetBit(0))
	require.Equal(t, 0, bm.NextClearBit(0))

	bm.Set(3)
	bm.Set(9)
	require.Equal(t, 3, bm.NextSetBit(0))
	require.Equal(t, 9, bm.NextSetBit(4))
	require.Equal(t, -1, bm.NextSetBit(10))

	for i := 0; i < 16; i++ {
		bm.Set(i)
	}
	require.Equal(t, -1, bm.NextClearBit(0))
	bm.Clear(12)
	require.Equal(t, 12, bm.NextClearBit(0))
}

func TestBitmap_OutOfRangeGet(t *testing.T) {
	bm := New(make([]byte, SizeFor(8)), 8)
	require.False(t, bm.Get(-1))
	require.False(t, bm.Get(8))
}
