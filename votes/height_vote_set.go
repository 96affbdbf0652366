// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package votes

import (
	"fmt"
	"sync"

	"github.com/luxfi/ids"

	"github.com/noirhq/noir/types"
)

// peerCatchUpRounds bounds how many future rounds a single peer may force
// into existence by submitting an out-of-band vote, per spec.md §4.3
// ("catch-up allowance").
const peerCatchUpRounds = 2

// roundVoteSets holds the Prevote and Precommit VoteSets for one round.
type roundVoteSets struct {
	Prevotes   *VoteSet
	Precommits *VoteSet
}

// HeightVoteSet owns VoteSets for every round 0..=current, for both vote
// types, for one height (spec.md §4.3).
type HeightVoteSet struct {
	mu sync.Mutex

	chainID string
	height  int64
	valSet  *types.ValidatorSet

	round      int32
	roundVotes map[int32]roundVoteSets
	peerCatchupRounds map[ids.NodeID][]int32
}

// NewHeightVoteSet constructs an empty HeightVoteSet with round 0
// already created.
func NewHeightVoteSet(chainID string, height int64, valSet *types.ValidatorSet) *HeightVoteSet {
	hvs := &HeightVoteSet{
		chainID:           chainID,
		height:            height,
		valSet:            valSet,
		roundVotes:        make(map[int32]roundVoteSets),
		peerCatchupRounds: make(map[ids.NodeID][]int32),
	}
	hvs.addRound(0)
	return hvs
}

func (hvs *HeightVoteSet) addRound(round int32) {
	if _, ok := hvs.roundVotes[round]; ok {
		return
	}
	hvs.roundVotes[round] = roundVoteSets{
		Prevotes:   NewVoteSet(hvs.chainID, hvs.height, round, types.PrevoteType, hvs.valSet),
		Precommits: NewVoteSet(hvs.chainID, hvs.height, round, types.PrecommitType, hvs.valSet),
	}
}

// SetRound creates any missing rounds up to and including round.
func (hvs *HeightVoteSet) SetRound(round int32) {
	hvs.mu.Lock()
	defer hvs.mu.Unlock()
	hvs.setRoundLocked(round)
}

func (hvs *HeightVoteSet) setRoundLocked(round int32) {
	if round < hvs.round {
		return
	}
	for r := hvs.round; r <= round; r++ {
		hvs.addRound(r)
	}
	hvs.round = round
}

// Prevotes returns the Prevote VoteSet for round, or nil if not created.
func (hvs *HeightVoteSet) Prevotes(round int32) *VoteSet {
	hvs.mu.Lock()
	defer hvs.mu.Unlock()
	return hvs.roundVotes[round].Prevotes
}

// Precommits returns the Precommit VoteSet for round, or nil if not
// created.
func (hvs *HeightVoteSet) Precommits(round int32) *VoteSet {
	hvs.mu.Lock()
	defer hvs.mu.Unlock()
	return hvs.roundVotes[round].Precommits
}

// POLInfo returns the highest round with a prevote +2/3 majority, and
// that block id, used to evaluate a Proposal's claimed POL round.
func (hvs *HeightVoteSet) POLInfo() (round int32, blockID types.BlockID, ok bool) {
	hvs.mu.Lock()
	defer hvs.mu.Unlock()
	for r := hvs.round; r >= 0; r-- {
		if rv, exists := hvs.roundVotes[r]; exists {
			if id, has := rv.Prevotes.Maj23(); has {
				return r, id, true
			}
		}
	}
	return 0, types.BlockID{}, false
}

// AddVote adds vote (originating from peer) to the correct round's
// VoteSet, lazily creating future rounds up to the peer's catch-up
// allowance (spec.md §4.3).
func (hvs *HeightVoteSet) AddVote(vote *types.Vote, peer ids.NodeID) (AddVoteResult, error) {
	hvs.mu.Lock()
	if _, exists := hvs.roundVotes[vote.Round]; !exists {
		if vote.Round > hvs.round {
			used := hvs.peerCatchupRounds[peer]
			if len(used) >= peerCatchUpRounds {
				hvs.mu.Unlock()
				return AddVoteResult{}, fmt.Errorf("votes: GotVoteFromUnwantedRound: peer %s exceeded catch-up allowance requesting round %d", peer, vote.Round)
			}
			hvs.peerCatchupRounds[peer] = append(used, vote.Round)
			hvs.setRoundLocked(vote.Round)
		} else {
			hvs.mu.Unlock()
			return AddVoteResult{}, fmt.Errorf("votes: no vote set for past round %d", vote.Round)
		}
	}
	rv := hvs.roundVotes[vote.Round]
	hvs.mu.Unlock()

	var vs *VoteSet
	switch vote.Type {
	case types.PrevoteType:
		vs = rv.Prevotes
	case types.PrecommitType:
		vs = rv.Precommits
	default:
		return AddVoteResult{}, fmt.Errorf("votes: unknown vote type %s", vote.Type)
	}
	return vs.AddVote(vote)
}
