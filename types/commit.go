// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"fmt"
	"time"

	"github.com/luxfi/ids"
)

// BlockIDFlag tags what a CommitSig attests to (spec.md §3).
type BlockIDFlag byte

const (
	BlockIDFlagAbsent BlockIDFlag = iota
	BlockIDFlagCommit
	BlockIDFlagNil
)

// CommitSig is one validator's contribution to a Commit, in validator-set
// order (spec.md §3).
type CommitSig struct {
	BlockIDFlag      BlockIDFlag
	ValidatorAddress ids.NodeID
	Timestamp        time.Time
	Signature        []byte
}

// NewCommitSigAbsent returns the sentinel sig for a validator who did not
// precommit.
func NewCommitSigAbsent() CommitSig {
	return CommitSig{BlockIDFlag: BlockIDFlagAbsent}
}

// ForBlock reports whether this sig commits to the block (as opposed to
// nil or absent).
func (cs CommitSig) ForBlock() bool {
	return cs.BlockIDFlag == BlockIDFlagCommit
}

// Commit is the aggregated +2/3 precommit for one block id at one round
// (spec.md §3, §4.4).
type Commit struct {
	Height     int64
	Round      int32
	BlockID    BlockID
	Signatures []CommitSig // length == validator set size at commit time
}

// GetVote reconstructs the precommit vote implied by Signatures[i],
// using the commit's block id when the flag is Commit, or a nil block id
// for Nil/Absent (spec.md §4.4).
func (c *Commit) GetVote(valIdx int32, valAddr ids.NodeID) *Vote {
	if int(valIdx) < 0 || int(valIdx) >= len(c.Signatures) {
		return nil
	}
	cs := c.Signatures[valIdx]
	blockID := c.BlockID
	if cs.BlockIDFlag != BlockIDFlagCommit {
		blockID = BlockID{}
	}
	return &Vote{
		Type:             PrecommitType,
		Height:           c.Height,
		Round:            c.Round,
		BlockID:          blockID,
		Timestamp:        cs.Timestamp,
		ValidatorAddress: valAddr,
		ValidatorIndex:   valIdx,
		Signature:        cs.Signature,
	}
}

// GetHash returns the Merkle root over the encoded CommitSig list,
// ordered by validator index (spec.md §4.4).
func (c *Commit) GetHash() ids.ID {
	leaves := make([][]byte, len(c.Signatures))
	for i, cs := range c.Signatures {
		leaves[i] = encodeCommitSig(cs)
	}
	return MerkleRoot(leaves)
}

func encodeCommitSig(cs CommitSig) []byte {
	buf := make([]byte, 0, 64+len(cs.Signature))
	buf = append(buf, byte(cs.BlockIDFlag))
	buf = append(buf, cs.ValidatorAddress[:]...)
	buf = appendInt64(buf, cs.Timestamp.UnixNano())
	buf = appendUint64(buf, uint64(len(cs.Signature)))
	buf = append(buf, cs.Signature...)
	return buf
}

// VotingPowerSigned sums the voting power of validators whose sig commits
// to the block, used by callers validating a commit against a
// ValidatorSet (e.g. block-sync verifying H+1's last-commit, spec.md
// §4.7).
func (c *Commit) VotingPowerSigned(vs *ValidatorSet) (int64, error) {
	if len(c.Signatures) != vs.Size() {
		return 0, fmt.Errorf("commit: signature count %d does not match validator set size %d", len(c.Signatures), vs.Size())
	}
	var total int64
	for i, cs := range c.Signatures {
		if !cs.ForBlock() {
			continue
		}
		v := vs.GetByIndex(i)
		if v == nil {
			return 0, fmt.Errorf("commit: no validator at index %d", i)
		}
		if v.Address != cs.ValidatorAddress {
			return 0, fmt.Errorf("commit: validator address mismatch at index %d", i)
		}
		total += v.VotingPower
	}
	return total, nil
}

// VerifyCommit validates that commit carries valid signatures from +2/3
// of vs's voting power for blockID at (height, round), the check
// block-sync and the state machine perform before trusting a commit
// (spec.md §4.5 enterCommit, §4.7).
func VerifyCommit(chainID string, vs *ValidatorSet, blockID BlockID, height int64, commit *Commit) error {
	if commit.Height != height {
		return fmt.Errorf("verify commit: height mismatch, commit=%d want=%d", commit.Height, height)
	}
	if !commit.BlockID.Equals(blockID) {
		return fmt.Errorf("verify commit: block id mismatch")
	}
	if len(commit.Signatures) != vs.Size() {
		return fmt.Errorf("verify commit: signature count %d != validator set size %d", len(commit.Signatures), vs.Size())
	}
	var signed int64
	for i, cs := range commit.Signatures {
		if !cs.ForBlock() {
			continue
		}
		v := vs.GetByIndex(i)
		if v == nil || v.Address != cs.ValidatorAddress {
			return fmt.Errorf("verify commit: validator mismatch at index %d", i)
		}
		vote := commit.GetVote(int32(i), v.Address)
		if !vote.Verify(chainID, v.PubKey) {
			return fmt.Errorf("verify commit: invalid signature from %s", v.Address)
		}
		signed += v.VotingPower
	}
	if !vs.HasTwoThirdsMajority(signed) {
		return fmt.Errorf("verify commit: signed power %d does not reach +2/3 of %d", signed, vs.TotalVotingPower())
	}
	return nil
}
