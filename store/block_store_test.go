package store

import (
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/require"

	"github.com/noirhq/noir/types"
)

func openTestDB(t *testing.T) *pebble.DB {
	t.Helper()
	db, err := pebble.Open(t.TempDir(), &pebble.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func sampleBlock(t *testing.T, height int64) (*types.Block, *types.PartSet, *types.Commit) {
	t.Helper()
	block := &types.Block{
		Header: types.Header{ChainID: "test-chain", Height: height, Time: time.Now()},
		Data:   types.Data{Txs: [][]byte{[]byte("tx1"), []byte("tx2")}},
	}
	block.FillHeaderHashes()
	ps, err := block.MakePartSet(64)
	require.NoError(t, err)
	commit := &types.Commit{Height: height, Round: 0, BlockID: types.BlockID{Hash: block.Hash(), PartSetHeader: ps.Header()}}
	return block, ps, commit
}

func TestBlockStore_SaveLoadRoundTrip(t *testing.T) {
	db := openTestDB(t)
	bs, err := NewBlockStore(db)
	require.NoError(t, err)
	require.Equal(t, int64(0), bs.Height())

	block, ps, commit := sampleBlock(t, 1)
	require.NoError(t, bs.SaveBlock(block, ps, commit))
	require.Equal(t, int64(1), bs.Height())
	require.Equal(t, int64(1), bs.Base())

	loaded, err := bs.LoadBlock(1)
	require.NoError(t, err)
	require.Equal(t, block.Hash(), loaded.Hash())
	require.Equal(t, block.Data.Txs, loaded.Data.Txs)

	loadedCommit, err := bs.LoadBlockCommit(1)
	require.NoError(t, err)
	require.Equal(t, commit.BlockID, loadedCommit.BlockID)
}

func TestBlockStore_IteratePartKeys(t *testing.T) {
	db := openTestDB(t)
	bs, err := NewBlockStore(db)
	require.NoError(t, err)

	block, ps, commit := sampleBlock(t, 5)
	require.NoError(t, bs.SaveBlock(block, ps, commit))

	indices, err := bs.IteratePartKeys(5)
	require.NoError(t, err)
	require.Len(t, indices, ps.Total())
	for i, idx := range indices {
		require.Equal(t, i, idx)
	}
}

func TestBlockStore_PruneBlocks(t *testing.T) {
	db := openTestDB(t)
	bs, err := NewBlockStore(db)
	require.NoError(t, err)

	for h := int64(1); h <= 3; h++ {
		block, ps, commit := sampleBlock(t, h)
		require.NoError(t, bs.SaveBlock(block, ps, commit))
	}
	require.NoError(t, bs.PruneBlocks(3))
	require.Equal(t, int64(3), bs.Base())

	meta, err := bs.LoadBlockMeta(1)
	require.NoError(t, err)
	require.Nil(t, meta)

	meta, err = bs.LoadBlockMeta(3)
	require.NoError(t, err)
	require.NotNil(t, meta)
}
