// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"fmt"
	"sync"

	"github.com/luxfi/ids"

	"github.com/noirhq/noir/bits"
)

// Part is one chunk of a split-encoded block (spec.md §3, §4.4).
type Part struct {
	Index int
	Bytes []byte
	Proof MerkleProof
}

// PartSet splits an encoded block into fixed-size parts and reassembles
// them, verifying each part against a Merkle root (spec.md §3, §4.4).
type PartSet struct {
	mu sync.RWMutex

	total     int
	partSize  int
	root      ids.ID
	parts     []*Part
	partsBits *bits.BitArray
	count     int
}

// NewFromData splits data into ceil(len/partSize) parts, computing the
// Merkle root over their ordered hashes (spec.md §4.4).
func NewFromData(data []byte, partSize int) *PartSet {
	total := (len(data) + partSize - 1) / partSize
	if total == 0 {
		total = 1
	}
	leaves := make([][]byte, total)
	for i := 0; i < total; i++ {
		start := i * partSize
		end := start + partSize
		if end > len(data) {
			end = len(data)
		}
		leaves[i] = data[start:end]
	}
	root, proofs := ProofsFromLeaves(leaves)

	ps := &PartSet{
		total:     total,
		partSize:  partSize,
		root:      root,
		parts:     make([]*Part, total),
		partsBits: bits.New(total),
	}
	for i, leaf := range leaves {
		ps.parts[i] = &Part{Index: i, Bytes: leaf, Proof: proofs[i]}
		ps.partsBits.Set(i, true)
	}
	ps.count = total
	return ps
}

// NewFromHeader returns an empty PartSet awaiting parts via AddPart,
// known in advance to have header.Total parts hashing to header.Hash
// (spec.md §4.4).
func NewFromHeader(header PartSetHeader) *PartSet {
	return &PartSet{
		total:     int(header.Total),
		root:      header.Hash,
		parts:     make([]*Part, header.Total),
		partsBits: bits.New(int(header.Total)),
	}
}

// Header returns the PartSetHeader identifying this set.
func (ps *PartSet) Header() PartSetHeader {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return PartSetHeader{Total: uint32(ps.total), Hash: ps.root}
}

// Total returns the number of parts this set expects.
func (ps *PartSet) Total() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.total
}

// GetHash returns the Merkle root of this part set.
func (ps *PartSet) GetHash() ids.ID {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.root
}

// IsComplete reports whether every part has been added.
func (ps *PartSet) IsComplete() bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.count == ps.total
}

// Count returns how many parts have been added so far.
func (ps *PartSet) Count() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.count
}

// BitArray returns a copy of the present-parts bitmap, for gossip.
func (ps *PartSet) BitArray() *bits.BitArray {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.partsBits.Copy()
}

// GetPart returns the part at i, or nil if not yet present.
func (ps *PartSet) GetPart(i int) *Part {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if i < 0 || i >= len(ps.parts) {
		return nil
	}
	return ps.parts[i]
}

// AddPart verifies part against the set's root and, if valid, stores it
// (spec.md §4.4: "add_part verifies each part against the root's proof").
// Returns (added, err): added is false without error for a duplicate.
func (ps *PartSet) AddPart(part *Part) (bool, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if part.Index < 0 || part.Index >= ps.total {
		return false, fmt.Errorf("part set: index %d out of range [0,%d)", part.Index, ps.total)
	}
	if ps.parts[part.Index] != nil {
		return false, nil
	}
	if !part.Proof.Verify(ps.root, part.Bytes) {
		return false, fmt.Errorf("part set: part %d failed merkle verification", part.Index)
	}
	ps.parts[part.Index] = part
	ps.partsBits.Set(part.Index, true)
	ps.count++
	return true, nil
}

// Bytes concatenates the parts in index order. The caller must ensure
// IsComplete() first.
func (ps *PartSet) Bytes() ([]byte, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	if ps.count != ps.total {
		return nil, fmt.Errorf("part set: incomplete (%d/%d)", ps.count, ps.total)
	}
	var out []byte
	for _, p := range ps.parts {
		out = append(out, p.Bytes...)
	}
	return out, nil
}
