// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/luxfi/ids"
)

// DefaultBlockPartSizeBytes is the teacher-style default part size used by
// Block.MakePartSet (spec.md §4.4, config key block.max_bytes governs the
// cap, not the part size).
const DefaultBlockPartSizeBytes = 64 * 1024

// ConsensusVersion identifies the wire/consensus protocol version carried
// in the header (spec.md §3).
type ConsensusVersion struct {
	Block uint64
	App   uint64
}

// Header is the fixed tuple of fields whose Merkle root is the block hash
// (spec.md §3).
type Header struct {
	Version ConsensusVersion
	ChainID string
	Height  int64
	Time    time.Time

	LastBlockID     BlockID
	LastCommitHash  ids.ID
	DataHash        ids.ID
	ValidatorsHash  ids.ID
	NextValsHash    ids.ID
	ConsensusHash   ids.ID
	AppHash         ids.ID
	LastResultsHash ids.ID
	EvidenceHash    ids.ID
	ProposerAddress ids.NodeID
}

// Hash computes the Merkle root over Header's fixed field tuple
// (spec.md §3).
func (h *Header) Hash() ids.ID {
	leaves := [][]byte{
		appendUint64(appendUint64(nil, h.Version.Block), h.Version.App),
		[]byte(h.ChainID),
		appendInt64(nil, h.Height),
		appendInt64(nil, h.Time.UnixNano()),
		append(append([]byte{}, h.LastBlockID.Hash[:]...), []byte(h.LastBlockID.PartSetHeader.String())...),
		h.LastCommitHash[:],
		h.DataHash[:],
		h.ValidatorsHash[:],
		h.NextValsHash[:],
		h.ConsensusHash[:],
		h.AppHash[:],
		h.LastResultsHash[:],
		h.EvidenceHash[:],
		h.ProposerAddress[:],
	}
	return MerkleRoot(leaves)
}

// Data holds the transactions carried by a block.
type Data struct {
	Txs [][]byte
}

// Hash computes the Merkle root over the ordered tx list.
func (d *Data) Hash() ids.ID {
	return MerkleRoot(d.Txs)
}

// EvidenceList is the evidence carried by a block (spec.md §3).
type EvidenceList []Evidence

// Hash computes the Merkle root over the encoded evidence list.
func (el EvidenceList) Hash() ids.ID {
	leaves := make([][]byte, len(el))
	for i, e := range el {
		leaves[i] = e.Bytes()
	}
	return MerkleRoot(leaves)
}

// Block is a header plus data, last-commit, and evidence (spec.md §3).
type Block struct {
	Header     Header
	Data       Data
	LastCommit *Commit
	Evidence   EvidenceList
}

// FillHeaderHashes recomputes the hash-bearing header fields from Data,
// LastCommit, and Evidence, leaving ValidatorsHash/NextValsHash/
// ConsensusHash/AppHash/LastResultsHash to the caller (they come from
// application/validator-set state, not from the block's own contents).
func (b *Block) FillHeaderHashes() {
	b.Header.DataHash = b.Data.Hash()
	b.Header.EvidenceHash = b.Evidence.Hash()
	if b.LastCommit != nil {
		b.Header.LastCommitHash = b.LastCommit.GetHash()
	}
}

// Hash returns the block's header hash.
func (b *Block) Hash() ids.ID {
	return b.Header.Hash()
}

// blockEnvelope is the deterministic on-wire encoding of a Block used by
// MakePartSet / NewFromPartSet. JSON is used for the envelope itself
// (matching codec.JSONCodec's versioned Marshal/Unmarshal convention);
// the header hash above, which is what's actually signed over and
// gossiped as a BlockID, never depends on this envelope's byte layout.
type blockEnvelope struct {
	Header     Header
	Txs        [][]byte
	LastCommit *Commit
	Evidence   EvidenceList
}

// Encode serializes the block for transport/part-splitting.
func (b *Block) Encode() ([]byte, error) {
	return json.Marshal(blockEnvelope{
		Header:     b.Header,
		Txs:        b.Data.Txs,
		LastCommit: b.LastCommit,
		Evidence:   b.Evidence,
	})
}

// DecodeBlock deserializes bytes produced by Block.Encode.
func DecodeBlock(data []byte) (*Block, error) {
	var env blockEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	return &Block{
		Header:     env.Header,
		Data:       Data{Txs: env.Txs},
		LastCommit: env.LastCommit,
		Evidence:   env.Evidence,
	}, nil
}

// MakePartSet deterministically encodes b and splits it into a PartSet of
// the given part size (spec.md §4.4).
func (b *Block) MakePartSet(partSize int) (*PartSet, error) {
	data, err := b.Encode()
	if err != nil {
		return nil, err
	}
	return NewFromData(data, partSize), nil
}

// NewFromPartSet reassembles a Block from a complete PartSet (spec.md
// §4.4).
func NewFromPartSet(ps *PartSet) (*Block, error) {
	if !ps.IsComplete() {
		return nil, fmt.Errorf("block: part set is incomplete")
	}
	data, err := ps.Bytes()
	if err != nil {
		return nil, err
	}
	return DecodeBlock(data)
}

// ValidateBasic checks the block's internal consistency: that its
// content hashes match Data/Evidence/LastCommit, independent of
// anything requiring chain state (spec.md §4.5's "validate block basic
// shape" check before entering Prevote).
func (b *Block) ValidateBasic() error {
	if b.Header.Height <= 0 {
		return fmt.Errorf("block: non-positive height %d", b.Header.Height)
	}
	if b.Header.DataHash != b.Data.Hash() {
		return fmt.Errorf("block: data hash mismatch")
	}
	if b.Header.EvidenceHash != b.Evidence.Hash() {
		return fmt.Errorf("block: evidence hash mismatch")
	}
	if b.Header.Height > 1 {
		if b.LastCommit == nil {
			return fmt.Errorf("block: missing last commit at height %d", b.Header.Height)
		}
		if b.Header.LastCommitHash != b.LastCommit.GetHash() {
			return fmt.Errorf("block: last commit hash mismatch")
		}
	}
	return nil
}

// LastCommitInfo is passed to BeginBlock, pairing the previous commit's
// round with per-validator participation flags (spec.md §4.13).
type LastCommitInfo struct {
	Round           int32
	Votes           []VoteInfo
}

// VoteInfo records whether a validator signed the previous commit, used
// to compute rewards/slashing in BeginBlock.
type VoteInfo struct {
	ValidatorAddress ids.NodeID
	VotingPower      int64
	SignedLastBlock  bool
}
