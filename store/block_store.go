// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/noirhq/noir/types"
)

// BlockMeta is the small, always-resident summary of a stored block:
// its header plus the part-set header needed to reconstruct BlockID
// (spec.md §3, §6).
type BlockMeta struct {
	BlockID types.BlockID
	Header  types.Header
}

// BlockStore persists blocks, their parts, and seen commits, keyed per
// spec.md §6's `blockstore/` schema: `block:<H>`, `block:<H>:part:<i>`,
// `block:<H>:commit`, plus the `base`/`height` sentinels bounding the
// retained range.
type BlockStore struct {
	mu sync.RWMutex
	db *pebble.DB

	base   int64
	height int64
}

// NewBlockStore opens (or creates) a BlockStore backed by db, restoring
// the base/height sentinels if present.
func NewBlockStore(db *pebble.DB) (*BlockStore, error) {
	bs := &BlockStore{db: db}
	if v, closer, err := db.Get([]byte(keyBase)); err == nil {
		bs.base = bytesToInt64(v)
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return nil, fmt.Errorf("store: reading base sentinel: %w", err)
	}
	if v, closer, err := db.Get([]byte(keyHeight)); err == nil {
		bs.height = bytesToInt64(v)
		closer.Close()
	} else if err != pebble.ErrNotFound {
		return nil, fmt.Errorf("store: reading height sentinel: %w", err)
	}
	return bs, nil
}

// Base returns the lowest height still retained (0 if the store is empty).
func (bs *BlockStore) Base() int64 {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.base
}

// Height returns the highest height stored (0 if the store is empty).
func (bs *BlockStore) Height() int64 {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.height
}

// SaveBlock persists block's parts (from partSet) and seenCommit,
// updating the height sentinel. Per spec.md §4.6, parts are written
// before the meta/sentinel so a crash mid-write never advances Height
// past a block whose parts aren't all durable.
func (bs *BlockStore) SaveBlock(block *types.Block, partSet *types.PartSet, seenCommit *types.Commit) error {
	if block == nil || partSet == nil || seenCommit == nil {
		return fmt.Errorf("store: SaveBlock requires a non-nil block, part set, and commit")
	}
	height := block.Header.Height
	batch := bs.db.NewBatch()
	defer batch.Close()

	for i := 0; i < partSet.Total(); i++ {
		part := partSet.GetPart(i)
		if part == nil {
			return fmt.Errorf("store: SaveBlock: missing part %d/%d", i, partSet.Total())
		}
		raw, err := encodePart(part)
		if err != nil {
			return err
		}
		if err := batch.Set(blockPartKey(height, i), raw, nil); err != nil {
			return err
		}
	}

	blockID := types.BlockID{Hash: block.Hash(), PartSetHeader: partSet.Header()}
	meta := BlockMeta{BlockID: blockID, Header: block.Header}
	metaRaw, err := encodeJSON(meta)
	if err != nil {
		return err
	}
	if err := batch.Set(blockMetaKey(height), metaRaw, nil); err != nil {
		return err
	}

	commitRaw, err := encodeJSON(seenCommit)
	if err != nil {
		return err
	}
	if err := batch.Set(blockCommitKey(height), commitRaw, nil); err != nil {
		return err
	}

	bs.mu.Lock()
	defer bs.mu.Unlock()
	if bs.base == 0 {
		if err := batch.Set([]byte(keyBase), int64ToBytes(height), nil); err != nil {
			return err
		}
	}
	if err := batch.Set([]byte(keyHeight), int64ToBytes(height), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("store: committing block %d: %w", height, err)
	}
	if bs.base == 0 {
		bs.base = height
	}
	bs.height = height
	return nil
}

// LoadBlockMeta returns the stored meta for height, or nil if absent.
func (bs *BlockStore) LoadBlockMeta(height int64) (*BlockMeta, error) {
	raw, closer, err := bs.db.Get(blockMetaKey(height))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading block meta %d: %w", height, err)
	}
	defer closer.Close()
	var meta BlockMeta
	if err := decodeJSON(raw, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// LoadBlockCommit returns the commit seen for height, or nil if absent.
func (bs *BlockStore) LoadBlockCommit(height int64) (*types.Commit, error) {
	raw, closer, err := bs.db.Get(blockCommitKey(height))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading commit %d: %w", height, err)
	}
	defer closer.Close()
	var commit types.Commit
	if err := decodeJSON(raw, &commit); err != nil {
		return nil, err
	}
	return &commit, nil
}

// LoadPart returns part i of the block at height, or nil if absent.
func (bs *BlockStore) LoadPart(height int64, i int) (*types.Part, error) {
	raw, closer, err := bs.db.Get(blockPartKey(height, i))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading part %d/%d: %w", height, i, err)
	}
	defer closer.Close()
	return decodePart(raw)
}

// LoadBlock reassembles the full block at height from its stored parts.
func (bs *BlockStore) LoadBlock(height int64) (*types.Block, error) {
	meta, err := bs.LoadBlockMeta(height)
	if err != nil || meta == nil {
		return nil, err
	}
	ps := types.NewFromHeader(meta.BlockID.PartSetHeader)
	indices, err := bs.IteratePartKeys(height)
	if err != nil {
		return nil, err
	}
	for _, i := range indices {
		part, err := bs.LoadPart(height, i)
		if err != nil {
			return nil, err
		}
		if part == nil {
			return nil, fmt.Errorf("store: part %d/%d vanished mid-read", height, i)
		}
		if _, err := ps.AddPart(part); err != nil {
			return nil, fmt.Errorf("store: reassembling block %d: %w", height, err)
		}
	}
	return types.NewFromPartSet(ps)
}

// IteratePartKeys returns the sorted part indices stored for height,
// built on pebble.Iterator, mirroring the original's for_each traversal
// of a height's parts without needing the part count up front.
func (bs *BlockStore) IteratePartKeys(height int64) ([]int, error) {
	prefix := blockPartPrefix(height)
	upper := append(append([]byte{}, prefix...), 0xff)
	iter, err := bs.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, fmt.Errorf("store: opening part iterator for height %d: %w", height, err)
	}
	defer iter.Close()

	var indices []int
	for iter.First(); iter.Valid(); iter.Next() {
		key := make([]byte, len(iter.Key()))
		copy(key, iter.Key())
		idx, err := partIndexFromKey(key)
		if err != nil {
			return nil, err
		}
		indices = append(indices, idx)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("store: iterating parts for height %d: %w", height, err)
	}
	sort.Ints(indices)
	return indices, nil
}

// PruneBlocks deletes every block below retainHeight, advancing Base.
func (bs *BlockStore) PruneBlocks(retainHeight int64) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if retainHeight <= bs.base {
		return nil
	}
	batch := bs.db.NewBatch()
	defer batch.Close()
	for h := bs.base; h < retainHeight; h++ {
		indices, err := bs.iteratePartKeysLocked(h)
		if err != nil {
			return err
		}
		for _, i := range indices {
			if err := batch.Delete(blockPartKey(h, i), nil); err != nil {
				return err
			}
		}
		if err := batch.Delete(blockMetaKey(h), nil); err != nil {
			return err
		}
		if err := batch.Delete(blockCommitKey(h), nil); err != nil {
			return err
		}
	}
	if err := batch.Set([]byte(keyBase), int64ToBytes(retainHeight), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("store: pruning up to %d: %w", retainHeight, err)
	}
	bs.base = retainHeight
	return nil
}

func (bs *BlockStore) iteratePartKeysLocked(height int64) ([]int, error) {
	return bs.IteratePartKeys(height)
}

func bytesToInt64(b []byte) int64 {
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}
