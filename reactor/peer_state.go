// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package reactor

import (
	"sync"
	"time"

	"github.com/luxfi/ids"

	"github.com/noirhq/noir/bits"
	"github.com/noirhq/noir/consensus"
	"github.com/noirhq/noir/types"
	"github.com/noirhq/noir/votes"
)

// Peer is the transport-level capability the reactor needs from a
// connected node: enough to send tagged messages on a channel and tell
// if the connection is still live. The p2p package's MConn-backed peer
// satisfies this (spec.md §4.11, §4.12); nothing in this
// package depends on how bytes actually get to the wire.
type Peer interface {
	ID() ids.NodeID
	// Send blocks (subject to the channel's send-queue capacity) until
	// the message is queued, returning false only if the peer has gone
	// away. TrySend is the same but never blocks, dropping the message
	// on a full queue.
	Send(chID byte, data []byte) bool
	TrySend(chID byte, data []byte) bool
	IsRunning() bool
}

// stepOrder ranks steps for CompareHRS's total order within a round;
// anything not listed (the zero value) ranks equal to StepNewHeight and
// before every other named step.
var stepOrder = map[consensus.RoundStepType]int{
	consensus.StepNewHeight:     0,
	consensus.StepNewRound:      1,
	consensus.StepPropose:       2,
	consensus.StepPrevote:       3,
	consensus.StepPrevoteWait:   4,
	consensus.StepPrecommit:     5,
	consensus.StepPrecommitWait: 6,
	consensus.StepCommit:        7,
}

// CompareHRS orders two (height, round, step) tuples, used to reject
// stale or duplicate NewRoundStepMessages (spec.md §4.6).
func CompareHRS(h1 int64, r1 int32, s1 consensus.RoundStepType, h2 int64, r2 int32, s2 consensus.RoundStepType) int {
	switch {
	case h1 < h2:
		return -1
	case h1 > h2:
		return 1
	case r1 < r2:
		return -1
	case r1 > r2:
		return 1
	case stepOrder[s1] < stepOrder[s2]:
		return -1
	case stepOrder[s1] > stepOrder[s2]:
		return 1
	default:
		return 0
	}
}

// PeerRoundState is our mirror of one peer's self-reported consensus
// progress (spec.md §4.6's "per-peer state").
type PeerRoundState struct {
	Height    int64
	Round     int32 // -1 if unknown
	Step      consensus.RoundStepType
	StartTime time.Time

	Proposal                 bool
	ProposalBlockPartsHeader types.PartSetHeader
	ProposalBlockParts       *bits.BitArray
	ProposalPOLRound         int32 // -1 if none
	ProposalPOL              *bits.BitArray

	Prevotes   *bits.BitArray // this round's prevotes the peer has
	Precommits *bits.BitArray // this round's precommits the peer has

	LastCommitRound int32 // -1 if none
	LastCommit      *bits.BitArray

	CatchupCommitRound int32 // -1 if none
	CatchupCommit      *bits.BitArray
}

func newPeerRoundState() *PeerRoundState {
	return &PeerRoundState{
		Round:               -1,
		ProposalPOLRound:    -1,
		LastCommitRound:     -1,
		CatchupCommitRound:  -1,
	}
}

// PeerState wraps one peer's PeerRoundState with the lock that guards
// every read and update (spec.md §4.6).
type PeerState struct {
	mu   sync.Mutex
	peer Peer
	prs  *PeerRoundState
}

// NewPeerState constructs the tracking state for a newly connected peer.
func NewPeerState(peer Peer) *PeerState {
	return &PeerState{peer: peer, prs: newPeerRoundState()}
}

// GetRoundState returns a value copy safe for the gossip routines to
// read without holding ps.mu across I/O.
func (ps *PeerState) GetRoundState() PeerRoundState {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return *ps.prs
}

// SetHasProposal records that the peer now has our current round's
// Proposal, initializing its block-parts bitmap to the proposal's
// shape.
func (ps *PeerState) SetHasProposal(proposal *types.Proposal) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.prs.Height != proposal.Height || ps.prs.Round != proposal.Round || ps.prs.Proposal {
		return
	}
	ps.prs.Proposal = true
	ps.prs.ProposalBlockPartsHeader = proposal.BlockID.PartSetHeader
	ps.prs.ProposalBlockParts = bits.New(int(proposal.BlockID.PartSetHeader.Total))
	ps.prs.ProposalPOLRound = proposal.POLRound
	ps.prs.ProposalPOL = nil
}

// SetHasProposalBlockPart records that the peer now holds part index
// of (height, round)'s block.
func (ps *PeerState) SetHasProposalBlockPart(height int64, round int32, index int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.prs.Height != height || ps.prs.Round != round {
		return
	}
	if ps.prs.ProposalBlockParts == nil {
		return
	}
	ps.prs.ProposalBlockParts.Set(index, true)
}

// SetHasVote records that the peer now holds vote, updating whichever
// bitmap (current round, last-commit, or catch-up commit) it belongs
// to.
func (ps *PeerState) SetHasVote(vote *types.Vote) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.setHasVoteLocked(vote.Height, vote.Round, vote.Type, int(vote.ValidatorIndex))
}

func (ps *PeerState) setHasVoteLocked(height int64, round int32, voteType types.SignedMsgType, index int) {
	ba := ps.getVoteBitArrayLocked(height, round, voteType)
	if ba == nil {
		return
	}
	ba.Set(index, true)
}

// getVoteBitArrayLocked returns the bitmap the peer tracks for
// (height, round, type), or nil if the peer isn't known to track
// votes at that coordinate at all (spec.md §4.3's round-indexed vote
// sets, mirrored per-peer).
func (ps *PeerState) getVoteBitArrayLocked(height int64, round int32, voteType types.SignedMsgType) *bits.BitArray {
	if ps.prs.Height == height {
		if ps.prs.Round == round {
			switch voteType {
			case types.PrevoteType:
				return ps.prs.Prevotes
			case types.PrecommitType:
				return ps.prs.Precommits
			}
		}
		if ps.prs.CatchupCommitRound == round && voteType == types.PrecommitType {
			return ps.prs.CatchupCommit
		}
		if ps.prs.ProposalPOLRound == round && voteType == types.PrevoteType {
			return ps.prs.ProposalPOL
		}
		return nil
	}
	if ps.prs.Height == height+1 && ps.prs.LastCommitRound == round && voteType == types.PrecommitType {
		return ps.prs.LastCommit
	}
	return nil
}

// ensureCatchupCommitRoundLocked lazily (re)points CatchupCommit at the
// round that has a +2/3 precommit majority, reusing Precommits when
// that round is the peer's current round.
func (ps *PeerState) ensureCatchupCommitRoundLocked(height int64, round int32, numValidators int) {
	if ps.prs.Height != height || ps.prs.CatchupCommitRound == round {
		return
	}
	ps.prs.CatchupCommitRound = round
	if round == ps.prs.Round {
		ps.prs.CatchupCommit = ps.prs.Precommits
	} else {
		ps.prs.CatchupCommit = bits.New(numValidators)
	}
}

// ensureVoteBitArraysLocked allocates any bitmap the peer doesn't yet
// have for height, sized to numValidators.
func (ps *PeerState) ensureVoteBitArraysLocked(height int64, numValidators int) {
	switch ps.prs.Height {
	case height:
		if ps.prs.Prevotes == nil {
			ps.prs.Prevotes = bits.New(numValidators)
		}
		if ps.prs.Precommits == nil {
			ps.prs.Precommits = bits.New(numValidators)
		}
		if ps.prs.CatchupCommit == nil {
			ps.prs.CatchupCommit = bits.New(numValidators)
		}
		if ps.prs.ProposalPOL == nil {
			ps.prs.ProposalPOL = bits.New(numValidators)
		}
	case height + 1:
		if ps.prs.LastCommit == nil {
			ps.prs.LastCommit = bits.New(numValidators)
		}
	}
}

// PickVoteToSend picks one vote from vs the peer is missing, per
// spec.md §4.6's gossip_votes_routine.
func (ps *PeerState) PickVoteToSend(vs *votes.VoteSet) (*types.Vote, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if vs == nil || vs.Size() == 0 {
		return nil, false
	}
	height, round, voteType, size := vs.Height(), vs.Round(), vs.Type(), vs.Size()

	if voteType == types.PrecommitType {
		if _, ok := vs.Maj23(); ok {
			ps.ensureCatchupCommitRoundLocked(height, round, size)
		}
	}
	ps.ensureVoteBitArraysLocked(height, size)

	theirs := ps.getVoteBitArrayLocked(height, round, voteType)
	if theirs == nil {
		return nil, false
	}
	ours := vs.BitArray()
	index, ok := ours.Sub(theirs).PickRandom()
	if !ok {
		return nil, false
	}
	vote := vs.GetByIndex(int32(index))
	if vote == nil {
		return nil, false
	}
	ps.setHasVoteLocked(height, round, voteType, index)
	return vote, true
}

// PickVoteAndSend picks a vote the peer is missing from vs and, if one
// exists, encodes and sends it on chID.
func (ps *PeerState) PickVoteAndSend(peer Peer, vs *votes.VoteSet, chID byte) bool {
	vote, ok := ps.PickVoteToSend(vs)
	if !ok {
		return false
	}
	data, err := EncodeEnvelope(KindVote, &VoteMessage{Vote: vote})
	if err != nil {
		return false
	}
	return peer.Send(chID, data)
}

// CommitBitArray returns the peer's bitmap of precommits held for
// (height, round), lazily sizing and pointing it per
// ensureCatchupCommitRoundLocked/ensureVoteBitArraysLocked — used to
// pick a last-commit or catch-up-commit signature the peer is missing.
func (ps *PeerState) CommitBitArray(height int64, round int32, numValidators int) *bits.BitArray {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.ensureCatchupCommitRoundLocked(height, round, numValidators)
	ps.ensureVoteBitArraysLocked(height, numValidators)
	return ps.getVoteBitArrayLocked(height, round, types.PrecommitType)
}

// ApplyNewRoundStepMessage advances the peer's mirror to msg's
// (height, round, step), resetting per-round bitmaps when height or
// round actually changed and shifting Precommits into LastCommit
// across a height change (spec.md §4.6).
func (ps *PeerState) ApplyNewRoundStepMessage(msg *NewRoundStepMessage) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if CompareHRS(msg.Height, msg.Round, msg.Step, ps.prs.Height, ps.prs.Round, ps.prs.Step) <= 0 {
		return
	}

	psHeight, psRound := ps.prs.Height, ps.prs.Round
	psCatchupCommitRound, psCatchupCommit := ps.prs.CatchupCommitRound, ps.prs.CatchupCommit
	psPrecommits := ps.prs.Precommits

	ps.prs.Height = msg.Height
	ps.prs.Round = msg.Round
	ps.prs.Step = msg.Step
	ps.prs.StartTime = time.Now().Add(-time.Duration(msg.SecondsSinceStartTime) * time.Second)

	if psHeight != msg.Height || psRound != msg.Round {
		ps.prs.Proposal = false
		ps.prs.ProposalBlockPartsHeader = types.PartSetHeader{}
		ps.prs.ProposalBlockParts = nil
		ps.prs.ProposalPOLRound = -1
		ps.prs.ProposalPOL = nil
		ps.prs.Prevotes = nil
		ps.prs.Precommits = nil
	}
	if psHeight == msg.Height && psRound != msg.Round && msg.Round == psCatchupCommitRound {
		ps.prs.Precommits = psCatchupCommit
	}
	if psHeight != msg.Height {
		if psHeight+1 == msg.Height && psRound == msg.LastCommitRound {
			ps.prs.LastCommitRound = msg.LastCommitRound
			ps.prs.LastCommit = psPrecommits
		} else {
			ps.prs.LastCommitRound = msg.LastCommitRound
			ps.prs.LastCommit = nil
		}
		ps.prs.CatchupCommitRound = -1
		ps.prs.CatchupCommit = nil
	}
}

// ApplyNewValidBlockMessage records the peer's newly valid block-parts
// header without requiring a step change (spec.md §4.6).
func (ps *PeerState) ApplyNewValidBlockMessage(msg *NewValidBlockMessage) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.prs.Height != msg.Height {
		return
	}
	ps.prs.ProposalBlockPartsHeader = msg.BlockPartsHeader
	ps.prs.ProposalBlockParts = msg.BlockParts
}

// ApplyProposalPOLMessage records which prevotes the peer has for the
// POL round it already heard about via ApplyNewRoundStepMessage's
// companion Proposal.
func (ps *PeerState) ApplyProposalPOLMessage(msg *ProposalPOLMessage) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.prs.Height != msg.Height || ps.prs.ProposalPOLRound != msg.ProposalPOLRound {
		return
	}
	ps.prs.ProposalPOL = msg.ProposalPOL
}

// ApplyHasVoteMessage records that the peer now holds one more vote,
// without us having to ship the vote back to them.
func (ps *PeerState) ApplyHasVoteMessage(msg *HasVoteMessage) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.prs.Height != msg.Height {
		return
	}
	ps.setHasVoteLocked(msg.Height, msg.Round, msg.Type, int(msg.Index))
}

// ApplyVoteSetBitsMessage merges msg's bitmap into our mirror of the
// peer's votes for (height, round, type): if ourVotes is nil we take
// the peer's claim as-is, otherwise we only add bits it claims beyond
// what we already credited it with (so our own fresh sends aren't
// clobbered back to absent).
func (ps *PeerState) ApplyVoteSetBitsMessage(msg *VoteSetBitsMessage, ourVotes *bits.BitArray) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	theirs := ps.getVoteBitArrayLocked(msg.Height, msg.Round, msg.Type)
	if theirs == nil {
		return
	}
	if ourVotes == nil {
		theirs.Update(msg.Votes)
		return
	}
	theirs.Update(theirs.Sub(ourVotes).Or(msg.Votes))
}
