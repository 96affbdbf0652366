// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package votes implements vote tallying with +2/3 majority detection
// (spec.md §4.3): VoteSet tallies one (height, round, type); HeightVoteSet
// owns one VoteSet per round per vote type for a height.
package votes

import (
	"fmt"
	"sync"

	"github.com/luxfi/ids"

	"github.com/noirhq/noir/bits"
	"github.com/noirhq/noir/types"
)

// ErrDuplicateVote names the duplicate-vote case. AddVote does not return
// it: an identical re-submitted vote is reported through
// AddVoteResult.Duplicate with a nil error.
var ErrDuplicateVote = fmt.Errorf("votes: duplicate vote")

// blockVotes is the per-block-id bucket described in spec.md §4.3.
type blockVotes struct {
	bitArray   *bits.BitArray
	votes      []*types.Vote // by validator index, nil if absent
	sum        int64
	peerMaj23  bool
}

func newBlockVotes(numVals int) *blockVotes {
	return &blockVotes{
		bitArray: bits.New(numVals),
		votes:    make([]*types.Vote, numVals),
	}
}

func (bv *blockVotes) addVerifiedVote(vote *types.Vote, power int64) {
	idx := int(vote.ValidatorIndex)
	if bv.votes[idx] == nil {
		bv.bitArray.Set(idx, true)
		bv.votes[idx] = vote
		bv.sum += power
	}
}

// VoteSet tallies votes for one specific (height, round, type) per
// spec.md §4.3.
type VoteSet struct {
	mu sync.RWMutex

	chainID    string
	height     int64
	round      int32
	signedType types.SignedMsgType
	valSet     *types.ValidatorSet

	votesBitArray *bits.BitArray
	votes         []*types.Vote // by validator index
	sum           int64
	maj23         *types.BlockID
	votesByBlock  map[string]*blockVotes
	peerMaj23s    map[ids.NodeID]types.BlockID // conflicting-claim detection
}

// NewVoteSet constructs an empty VoteSet for (chainID, height, round,
// signedType) over valSet.
func NewVoteSet(chainID string, height int64, round int32, signedType types.SignedMsgType, valSet *types.ValidatorSet) *VoteSet {
	return &VoteSet{
		chainID:       chainID,
		height:        height,
		round:         round,
		signedType:    signedType,
		valSet:        valSet,
		votesBitArray: bits.New(valSet.Size()),
		votes:         make([]*types.Vote, valSet.Size()),
		votesByBlock:  make(map[string]*blockVotes),
		peerMaj23s:    make(map[ids.NodeID]types.BlockID),
	}
}

// Height, Round, Type, Size expose the VoteSet's identity.
func (vs *VoteSet) Height() int64                  { return vs.height }
func (vs *VoteSet) Round() int32                   { return vs.round }
func (vs *VoteSet) Type() types.SignedMsgType       { return vs.signedType }
func (vs *VoteSet) Size() int                       { return vs.valSet.Size() }

// GetByIndex returns the vote counted for validator idx: the first one
// received, since a later conflicting vote does not replace it. Once maj23
// is set, the entries are those of the maj23 block's bucket (nil for a
// validator with no vote for that block).
func (vs *VoteSet) GetByIndex(idx int32) *types.Vote {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	if idx < 0 || int(idx) >= len(vs.votes) {
		return nil
	}
	return vs.votes[idx]
}

// BitArray returns a copy of the bitmap of validators we've received any
// vote from.
func (vs *VoteSet) BitArray() *bits.BitArray {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.votesBitArray.Copy()
}

// Maj23 returns the block id that crossed +2/3, if any.
func (vs *VoteSet) Maj23() (types.BlockID, bool) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	if vs.maj23 == nil {
		return types.BlockID{}, false
	}
	return *vs.maj23, true
}

// SumVotingPower returns the total voting power counted so far (of
// distinct validators, never double-counted across conflicting votes).
func (vs *VoteSet) SumVotingPower() int64 {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.sum
}

// HasTwoThirdsAny reports whether +2/3 of voting power has voted in this
// round for any value (including nil), regardless of whether a single
// block crossed the threshold. A future round crossing this triggers the
// round-skip rule (spec.md §4.5, §9's "round-skip on +2/3 any").
func (vs *VoteSet) HasTwoThirdsAny() bool {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	return vs.valSet.HasTwoThirdsMajority(vs.sum)
}

// AddVoteResult reports what AddVote did, for the reactor/state-machine
// to react to (broadcast, ignore, record evidence).
type AddVoteResult struct {
	Added               bool
	Duplicate           bool
	Conflicting         *types.Vote // non-nil if this validator had a prior, different vote
	NewlyCrossedMaj23   bool
}

// AddVote validates and tallies vote, per the contract in spec.md §4.3.
func (vs *VoteSet) AddVote(vote *types.Vote) (AddVoteResult, error) {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if vote.ValidatorIndex < 0 {
		return AddVoteResult{}, fmt.Errorf("votes: negative validator index")
	}
	if vote.ValidatorAddress == (ids.NodeID{}) {
		return AddVoteResult{}, fmt.Errorf("votes: empty validator address")
	}
	if vote.Height != vs.height || vote.Round != vs.round || vote.Type != vs.signedType {
		return AddVoteResult{}, fmt.Errorf("votes: vote (%d/%d/%s) does not match vote set (%d/%d/%s)",
			vote.Height, vote.Round, vote.Type, vs.height, vs.round, vs.signedType)
	}

	val := vs.valSet.GetByIndex(int(vote.ValidatorIndex))
	if val == nil {
		return AddVoteResult{}, fmt.Errorf("votes: unknown validator index %d", vote.ValidatorIndex)
	}
	if val.Address != vote.ValidatorAddress {
		return AddVoteResult{}, fmt.Errorf("votes: validator address mismatch: vote has %s, set has %s at index %d",
			vote.ValidatorAddress, val.Address, vote.ValidatorIndex)
	}

	if existing := vs.votes[vote.ValidatorIndex]; existing != nil {
		if existing.BlockID.Equals(vote.BlockID) && string(existing.Signature) == string(vote.Signature) {
			return AddVoteResult{Duplicate: true}, nil
		}
	}

	if !vote.Verify(vs.chainID, val.PubKey) {
		return AddVoteResult{}, fmt.Errorf("votes: invalid signature from %s", val.Address)
	}

	result := AddVoteResult{Added: true}
	if existing := vs.votes[vote.ValidatorIndex]; existing != nil {
		// Conflicting vote from a validator we've already counted:
		// store it for evidence, but never double-count its power.
		result.Conflicting = existing
		vs.addToBlockBucket(vote, 0, val)
		return result, nil
	}

	vs.votes[vote.ValidatorIndex] = vote
	vs.votesBitArray.Set(int(vote.ValidatorIndex), true)
	vs.sum += val.VotingPower

	crossed := vs.addToBlockBucket(vote, val.VotingPower, val)
	result.NewlyCrossedMaj23 = crossed
	return result, nil
}

// addToBlockBucket adds vote to its block-id bucket, crediting power
// (0 for conflicting votes, so the bucket's bit array reflects "claims
// this block" without double counting the global sum). Returns true if
// this call newly set maj23.
func (vs *VoteSet) addToBlockBucket(vote *types.Vote, power int64, val *types.Validator) bool {
	key := vote.BlockID.Key()
	bv, ok := vs.votesByBlock[key]
	if !ok {
		bv = newBlockVotes(vs.valSet.Size())
		vs.votesByBlock[key] = bv
	}
	bv.addVerifiedVote(vote, power)

	if vs.maj23 == nil && vs.valSet.HasTwoThirdsMajority(bv.sum) {
		blockID := vote.BlockID
		vs.maj23 = &blockID
		// Copy that bucket's votes into votes, per spec.md §4.3.
		copy(vs.votes, bv.votes)
		for i, v := range bv.votes {
			if v != nil {
				vs.votesBitArray.Set(i, true)
			}
		}
		return true
	}
	return false
}

// SetPeerMaj23 records that peer claims +2/3 for blockID (spec.md §4.3).
// A conflicting claim from the same peer is an error.
func (vs *VoteSet) SetPeerMaj23(peer ids.NodeID, blockID types.BlockID) error {
	vs.mu.Lock()
	defer vs.mu.Unlock()

	if existing, ok := vs.peerMaj23s[peer]; ok {
		if !existing.Equals(blockID) {
			return fmt.Errorf("votes: peer %s claimed conflicting maj23 blocks", peer)
		}
		return nil
	}
	vs.peerMaj23s[peer] = blockID
	if bv, ok := vs.votesByBlock[blockID.Key()]; ok {
		bv.peerMaj23 = true
	} else {
		bv := newBlockVotes(vs.valSet.Size())
		bv.peerMaj23 = true
		vs.votesByBlock[blockID.Key()] = bv
	}
	return nil
}

// MakeCommit returns the commit implied by this (precommit-only) vote
// set, per spec.md §4.3: any stored signature not matching maj23 is
// coerced to Absent.
func (vs *VoteSet) MakeCommit() (*types.Commit, error) {
	vs.mu.RLock()
	defer vs.mu.RUnlock()

	if vs.signedType != types.PrecommitType {
		return nil, fmt.Errorf("votes: MakeCommit called on a %s vote set", vs.signedType)
	}
	if vs.maj23 == nil {
		return nil, fmt.Errorf("votes: MakeCommit called before maj23 reached")
	}

	sigs := make([]types.CommitSig, vs.valSet.Size())
	for i := range sigs {
		vote := vs.votes[i]
		if vote == nil || !vote.BlockID.Equals(*vs.maj23) {
			sigs[i] = types.NewCommitSigAbsent()
			continue
		}
		flag := types.BlockIDFlagCommit
		if vote.BlockID.IsNil() {
			flag = types.BlockIDFlagNil
		}
		sigs[i] = types.CommitSig{
			BlockIDFlag:      flag,
			ValidatorAddress: vote.ValidatorAddress,
			Timestamp:        vote.Timestamp,
			Signature:        vote.Signature,
		}
	}
	return &types.Commit{
		Height:     vs.height,
		Round:      vs.round,
		BlockID:    *vs.maj23,
		Signatures: sigs,
	}, nil
}
