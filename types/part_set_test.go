package types

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPartSet_SplitMergeRoundTrip(t *testing.T) {
	data := make([]byte, 5000)
	_, err := rand.Read(data)
	require.NoError(t, err)

	ps := NewFromData(data, 512)
	require.True(t, ps.IsComplete())
	require.Equal(t, ps.GetHash(), ps.Header().Hash)

	out, err := ps.Bytes()
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, out))
}

func TestPartSet_AddPart_VerifiesProof(t *testing.T) {
	data := make([]byte, 3000)
	_, err := rand.Read(data)
	require.NoError(t, err)
	full := NewFromData(data, 256)

	empty := NewFromHeader(full.Header())
	for i := 0; i < full.Total(); i++ {
		part := full.GetPart(i)
		added, err := empty.AddPart(part)
		require.NoError(t, err)
		require.True(t, added)
	}
	require.True(t, empty.IsComplete())

	out, err := empty.Bytes()
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, out))
}

func TestPartSet_AddPart_RejectsBadProof(t *testing.T) {
	data := make([]byte, 2000)
	_, _ = rand.Read(data)
	full := NewFromData(data, 256)
	other := NewFromData(append([]byte("x"), data...), 256)

	empty := NewFromHeader(full.Header())
	badPart := other.GetPart(0)
	badPart.Index = 0
	_, err := empty.AddPart(badPart)
	require.Error(t, err)
}

func TestPartSet_AddPart_DuplicateIsNoop(t *testing.T) {
	data := make([]byte, 1000)
	_, _ = rand.Read(data)
	full := NewFromData(data, 256)
	empty := NewFromHeader(full.Header())

	part := full.GetPart(0)
	added, err := empty.AddPart(part)
	require.NoError(t, err)
	require.True(t, added)

	added, err = empty.AddPart(part)
	require.NoError(t, err)
	require.False(t, added)
}

func TestBlock_MakePartSetAndReassemble(t *testing.T) {
	b := &Block{
		Header: Header{ChainID: "test-chain", Height: 1},
		Data:   Data{Txs: [][]byte{[]byte("tx1"), []byte("tx2")}},
	}
	b.FillHeaderHashes()

	ps, err := b.MakePartSet(64)
	require.NoError(t, err)
	require.True(t, ps.IsComplete())

	b2, err := NewFromPartSet(ps)
	require.NoError(t, err)
	require.Equal(t, b.Header.Height, b2.Header.Height)
	require.Equal(t, b.Data.Txs, b2.Data.Txs)
}
