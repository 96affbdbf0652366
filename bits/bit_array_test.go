package bits

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBitArray_SetGet(t *testing.T) {
	b := New(10)
	require.False(t, b.Get(3))
	b.Set(3, true)
	require.True(t, b.Get(3))
	b.Set(3, false)
	require.False(t, b.Get(3))
}

func TestBitArray_OutOfRange(t *testing.T) {
	b := New(4)
	require.False(t, b.Get(100))
	b.Set(100, true) // no-op
	require.True(t, b.IsEmpty())
}

func TestBitArray_OrSelfIsSelf(t *testing.T) {
	b := New(8)
	b.Set(1, true)
	b.Set(5, true)
	or := b.Or(b)
	require.Equal(t, b.ToBytes(), or.ToBytes())
}

func TestBitArray_SubSelfIsEmpty(t *testing.T) {
	b := New(8)
	b.Set(2, true)
	b.Set(4, true)
	sub := b.Sub(b)
	require.True(t, sub.IsEmpty())
}

func TestBitArray_NotNotIsSelf(t *testing.T) {
	b := New(17)
	b.Set(0, true)
	b.Set(16, true)
	nn := b.Not().Not()
	require.Equal(t, b.ToBytes(), nn.ToBytes())
}

func TestBitArray_OrGrows(t *testing.T) {
	a := New(4)
	a.Set(1, true)
	c := New(10)
	c.Set(8, true)
	or := a.Or(c)
	require.Equal(t, 10, or.Size())
	require.True(t, or.Get(1))
	require.True(t, or.Get(8))
}

func TestBitArray_PickRandom(t *testing.T) {
	b := New(5)
	_, ok := b.PickRandom()
	require.False(t, ok)
	b.Set(2, true)
	idx, ok := b.PickRandom()
	require.True(t, ok)
	require.Equal(t, 2, idx)
}

func TestBitArray_MarshalRoundTrip(t *testing.T) {
	b := New(20)
	b.Set(0, true)
	b.Set(19, true)
	b.Set(10, true)

	data, err := b.MarshalBinary()
	require.NoError(t, err)

	out, err := UnmarshalBitArray(data)
	require.NoError(t, err)
	require.Equal(t, b.ToBytes(), out.ToBytes())
	require.Equal(t, b.Size(), out.Size())
}

func TestBitArray_NilSafety(t *testing.T) {
	var b *BitArray
	require.Equal(t, 0, b.Size())
	require.True(t, b.IsEmpty())
	require.Nil(t, b.Copy())
	require.Nil(t, b.ToBytes())
}
