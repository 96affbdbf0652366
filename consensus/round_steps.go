// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"time"

	"github.com/luxfi/ids"

	"github.com/noirhq/noir/types"
	"github.com/noirhq/noir/votes"
)

// enterNewRound resets the round state for (height, round) and proceeds
// into Propose (spec.md §4.5). cs.state.Validators always carries the
// proposer priority already rotated for this height's round 0 (the
// rotation that happened once, durably, in finalizeCommit); entering a
// later round walks a disposable copy forward `round` more times so the
// persisted set is never touched by a round that doesn't end up
// committing. Callers must hold cs.mu.
func (cs *State) enterNewRound(height int64, round int32) {
	if cs.rs.Height != height || (cs.rs.Step != StepNewHeight && round <= cs.rs.Round) {
		return
	}

	validators := cs.state.Validators.Copy()
	if round > 0 {
		if err := validators.IncrementProposerPriority(int(round)); err != nil {
			cs.logger.Error("consensus: incrementing proposer priority", "err", err)
		}
	}

	cs.rs.Round = round
	cs.rs.Step = StepNewRound
	cs.rs.StartTime = time.Now()
	cs.rs.Validators = validators
	cs.rs.Proposal = nil
	cs.rs.ProposalBlock = nil
	cs.rs.ProposalBlockParts = nil

	if round == 0 {
		cs.rs.Votes = votes.NewHeightVoteSet(cs.chainID, height, validators)
	} else {
		cs.rs.Votes.SetRound(round)
	}

	cs.enterPropose(height, round)
}

// enterPropose runs the proposer's block-creation path (if we're the
// proposer for this round) and arms the Propose timeout. Callers must
// hold cs.mu.
func (cs *State) enterPropose(height int64, round int32) {
	if cs.rs.Height != height || cs.rs.Round != round || cs.rs.Step != StepNewRound {
		return
	}
	cs.rs.Step = StepPropose

	cs.scheduleTimeout(cs.cfg.Consensus.Propose(round), height, round, StepPropose)

	if cs.isProposer() {
		cs.decideProposal(height, round)
	}
}

func (cs *State) isProposer() bool {
	proposer := cs.rs.Validators.GetProposer()
	return proposer != nil && proposer.Address == cs.privValidator.GetAddress()
}

// decideProposal builds (or re-proposes a previously valid-locked block
// for) this round and broadcasts it, per spec.md §4.5's proposer path.
func (cs *State) decideProposal(height int64, round int32) {
	var block *types.Block
	var polRound int32 = -1

	if cs.rs.ValidBlock != nil {
		block = cs.rs.ValidBlock
		polRound = cs.rs.ValidRound
	} else {
		pending := cs.evpool.PendingEvidence(cs.cfg.Evidence.MaxBytes)
		b, err := cs.blockExec.CreateProposalBlock(cs.state, cs.rs.LastCommit, pending)
		if err != nil {
			cs.logger.Error("consensus: creating proposal block", "err", err)
			return
		}
		b.FillHeaderHashes()
		block = b
	}

	parts, err := block.MakePartSet(types.DefaultBlockPartSizeBytes)
	if err != nil {
		cs.logger.Error("consensus: splitting proposal block", "err", err)
		return
	}

	proposal := &types.Proposal{
		Height:    height,
		Round:     round,
		POLRound:  polRound,
		BlockID:   types.BlockID{Hash: block.Hash(), PartSetHeader: parts.Header()},
		Timestamp: time.Now(),
	}
	if err := cs.privValidator.SignProposal(cs.chainID, proposal); err != nil {
		cs.logger.Error("consensus: signing proposal", "err", err)
		return
	}

	cs.rs.Proposal = proposal
	cs.rs.ProposalBlock = block
	cs.rs.ProposalBlockParts = parts

	cs.sendInternalMessage(proposal)
	for i := 0; i < parts.Total(); i++ {
		cs.sendInternalMessage(&blockPartMessage{Height: height, Round: round, Part: parts.GetPart(i)})
	}
}

// enterPrevote runs the canonical Tendermint locking rule (spec.md §4.5,
// resolving the spec's abridged phrasing with the full rule): a node with
// no lock prevotes a valid proposal or nil; a locked node prevotes its
// lock if the proposal matches it, otherwise unlocks onto the proposal
// only if its POL round dominates the lock, else it prevotes nil while
// keeping the lock. Callers must hold cs.mu.
func (cs *State) enterPrevote(height int64, round int32) {
	if cs.rs.Height != height || cs.rs.Round != round || (cs.rs.Step != StepPropose && cs.rs.Step != StepNewRound) {
		return
	}
	cs.rs.Step = StepPrevote

	cs.signAddVote(types.PrevoteType, cs.choosePrevoteBlockID())
}

func (cs *State) choosePrevoteBlockID() types.BlockID {
	proposalID, haveProposal := cs.currentValidProposal()

	if cs.rs.LockedBlock == nil {
		if haveProposal {
			return proposalID
		}
		return types.BlockID{}
	}

	lockedID := types.BlockID{Hash: cs.rs.LockedBlock.Hash(), PartSetHeader: cs.rs.ProposalBlockParts.Header()}
	switch {
	case haveProposal && proposalID.Hash == cs.rs.LockedBlock.Hash():
		return lockedID
	case haveProposal && cs.rs.Proposal.POLRound >= cs.rs.LockedRound:
		return proposalID
	default:
		return lockedID
	}
}

// currentValidProposal reports whether this round's proposal is complete
// and passes basic + execution validation.
func (cs *State) currentValidProposal() (types.BlockID, bool) {
	if cs.rs.Proposal == nil || cs.rs.ProposalBlock == nil || cs.rs.ProposalBlockParts == nil || !cs.rs.ProposalBlockParts.IsComplete() {
		return types.BlockID{}, false
	}
	if err := cs.rs.ProposalBlock.ValidateBasic(); err != nil {
		return types.BlockID{}, false
	}
	if err := cs.blockExec.ValidateBlock(cs.state, cs.rs.ProposalBlock); err != nil {
		return types.BlockID{}, false
	}
	return types.BlockID{Hash: cs.rs.ProposalBlock.Hash(), PartSetHeader: cs.rs.ProposalBlockParts.Header()}, true
}

// enterPrecommit tallies this round's prevotes: +2/3 for a block locks
// onto it, +2/3 for nil releases any lock, anything else waits out
// PrevoteWait before precommitting nil (spec.md §4.5). Callers must hold
// cs.mu.
func (cs *State) enterPrecommit(height int64, round int32) {
	if cs.rs.Height != height || cs.rs.Round != round {
		return
	}
	if cs.rs.Step != StepPrevote && cs.rs.Step != StepPrevoteWait {
		return
	}

	blockID, ok := cs.rs.Votes.Prevotes(round).Maj23()
	if !ok {
		if cs.rs.Step == StepPrevote {
			cs.rs.Step = StepPrevoteWait
			cs.scheduleTimeout(cs.cfg.Consensus.Prevote(round), height, round, StepPrevoteWait)
			return
		}
		// Already past PrevoteWait's timeout with no majority: precommit
		// nil outright rather than waiting again (spec.md §4.5).
		if cs.rs.Step != StepPrevoteWait {
			return
		}
		cs.rs.Step = StepPrecommit
		cs.signAddVote(types.PrecommitType, types.BlockID{})
		cs.scheduleTimeout(cs.cfg.Consensus.Precommit(round), height, round, StepPrecommitWait)
		return
	}
	cs.rs.Step = StepPrecommit

	switch {
	case blockID.IsNil():
		cs.rs.LockedRound = -1
		cs.rs.LockedBlock = nil
		cs.signAddVote(types.PrecommitType, types.BlockID{})
	case cs.rs.ProposalBlock != nil && cs.rs.ProposalBlock.Hash() == blockID.Hash:
		cs.rs.LockedRound = round
		cs.rs.LockedBlock = cs.rs.ProposalBlock
		cs.rs.ValidRound = round
		cs.rs.ValidBlock = cs.rs.ProposalBlock
		cs.signAddVote(types.PrecommitType, blockID)
	default:
		// +2/3 locked on a block we don't hold: we cannot honestly
		// precommit it, and keeping a stale lock here would stall the
		// chain once that block is never delivered.
		cs.rs.LockedRound = -1
		cs.rs.LockedBlock = nil
		cs.signAddVote(types.PrecommitType, types.BlockID{})
	}

	cs.scheduleTimeout(cs.cfg.Consensus.Precommit(round), height, round, StepPrecommitWait)
}

// enterCommit is reached once +2/3 precommits agree on a non-nil block
// (spec.md §4.5). It may be invoked re-entrantly once a missing block
// finally arrives. Callers must hold cs.mu.
func (cs *State) enterCommit(height int64, commitRound int32) {
	if cs.rs.Height != height || cs.rs.Step == StepCommit {
		return
	}
	blockID, ok := cs.rs.Votes.Precommits(commitRound).Maj23()
	if !ok || blockID.IsNil() {
		return
	}
	if cs.rs.ProposalBlock == nil || cs.rs.ProposalBlock.Hash() != blockID.Hash {
		// Don't yet hold the agreed-upon block; addProposalBlockPartLocked
		// re-enters here once the part set completes.
		cs.rs.CommitRound = commitRound
		return
	}

	cs.rs.Step = StepCommit
	cs.rs.CommitRound = commitRound
	cs.rs.CommitTime = time.Now()
	cs.finalizeCommit(height)
}

// finalizeCommit persists the committed block, applies it against the
// application, advances chain state, writes the WAL end-height marker,
// and moves on to the next height (spec.md §4.5, §4.9). Callers must
// hold cs.mu.
func (cs *State) finalizeCommit(height int64) {
	block := cs.rs.ProposalBlock
	commit, err := cs.rs.Votes.Precommits(cs.rs.CommitRound).MakeCommit()
	if err != nil {
		cs.logger.Error("consensus: making commit", "height", height, "err", err)
		return
	}
	block.LastCommit = cs.rs.LastCommit
	blockID := types.BlockID{Hash: block.Hash(), PartSetHeader: cs.rs.ProposalBlockParts.Header()}

	if err := cs.blockStore.SaveBlock(block, cs.rs.ProposalBlockParts, commit); err != nil {
		cs.logger.Error("consensus: saving block", "height", height, "err", err)
		return
	}

	newState, err := cs.blockExec.ApplyBlock(cs.state, blockID, block)
	if err != nil {
		cs.logger.Error("consensus: applying block", "height", height, "err", err)
		return
	}
	// Rotate the persisted proposer priority once, durably, for the next
	// height's round 0 (spec.md §4.2); within-height rounds > 0 rotate a
	// disposable copy instead (see enterNewRound).
	if err := newState.Validators.IncrementProposerPriority(1); err != nil {
		cs.logger.Error("consensus: incrementing proposer priority", "err", err)
	}
	if err := cs.stateStore.Save(newState); err != nil {
		cs.logger.Error("consensus: saving state", "height", height, "err", err)
		return
	}

	cs.evpool.Update(height, block.Evidence)

	if cs.wal != nil {
		if err := cs.wal.WriteEndHeight(height); err != nil {
			cs.logger.Error("consensus: writing end-height", "height", height, "err", err)
		}
	}

	lastVals := cs.rs.Validators
	cs.state = newState

	if cs.onCommit != nil {
		cs.onCommit(height)
	}

	nextHeight := height + 1
	cs.rs = newRoundState(nextHeight, newState.Validators, commit, lastVals)
	cs.scheduleTimeout(cs.cfg.Consensus.TimeoutCommit, nextHeight, 0, StepNewHeight)
}

// setProposalLocked records a proposal for the current round, rejecting
// one that doesn't match (height, round), whose signature doesn't
// verify, or that arrives after we already hold one (spec.md §4.5,
// first-valid-proposal-wins).
func (cs *State) setProposalLocked(p *types.Proposal) {
	if cs.rs.Proposal != nil || p.Height != cs.rs.Height || p.Round != cs.rs.Round {
		return
	}
	proposer := cs.rs.Validators.GetProposer()
	if proposer == nil || !p.Verify(cs.chainID, proposer.PubKey) {
		return
	}
	cs.rs.Proposal = p
	cs.rs.ProposalBlockParts = types.NewFromHeader(p.BlockID.PartSetHeader)
}

// addProposalBlockPartLocked assembles the in-flight proposal block one
// part at a time, re-entering Prevote (or Commit, if a +2/3 precommit
// majority was already waiting on this exact block) once the part set
// completes.
func (cs *State) addProposalBlockPartLocked(m *blockPartMessage) {
	if cs.rs.Height != m.Height || cs.rs.ProposalBlockParts == nil {
		return
	}
	added, err := cs.rs.ProposalBlockParts.AddPart(m.Part)
	if err != nil {
		cs.logger.Error("consensus: adding block part", "err", err)
		return
	}
	if !added || !cs.rs.ProposalBlockParts.IsComplete() {
		return
	}

	block, err := types.NewFromPartSet(cs.rs.ProposalBlockParts)
	if err != nil {
		cs.logger.Error("consensus: reassembling block", "err", err)
		return
	}
	cs.rs.ProposalBlock = block

	if cs.rs.Step == StepPropose && m.Round == cs.rs.Round {
		cs.enterPrevote(cs.rs.Height, cs.rs.Round)
	}
	if cs.rs.CommitRound >= 0 {
		cs.enterCommit(cs.rs.Height, cs.rs.CommitRound)
	}
}

// tryAddVoteLocked validates and tallies an incoming vote, advancing the
// round machine on whatever threshold it newly crosses: a block-specific
// +2/3 precommit majority triggers enterCommit, a +2/3 prevote majority
// triggers enterPrecommit, and +2/3-any in a future round triggers the
// round-skip rule (spec.md §4.3, §4.5). A conflicting vote from an
// already-counted validator is forwarded to the evidence pool as
// Byzantine-behavior proof (spec.md §4.8).
func (cs *State) tryAddVoteLocked(vote *types.Vote, peer ids.NodeID) {
	if vote.Height != cs.rs.Height {
		return
	}

	result, err := cs.rs.Votes.AddVote(vote, peer)
	if err != nil {
		cs.logger.Debug("consensus: rejecting vote", "err", err)
		return
	}
	if result.Conflicting != nil {
		cs.reportDuplicateVote(result.Conflicting, vote)
	}
	if !result.Added {
		return
	}

	switch vote.Type {
	case types.PrevoteType:
		if vote.Round == cs.rs.Round && (cs.rs.Step == StepPropose || cs.rs.Step == StepPrevote) && result.NewlyCrossedMaj23 {
			cs.enterPrecommit(cs.rs.Height, vote.Round)
		}
		if vote.Round == cs.rs.Round && cs.rs.Step == StepPrevoteWait && cs.rs.Votes.Prevotes(vote.Round).HasTwoThirdsAny() {
			cs.enterPrecommit(cs.rs.Height, vote.Round)
		}
	case types.PrecommitType:
		if result.NewlyCrossedMaj23 {
			cs.enterCommit(cs.rs.Height, vote.Round)
		}
		if vote.Round == cs.rs.Round && cs.rs.Step == StepPrecommitWait && cs.rs.Votes.Precommits(vote.Round).HasTwoThirdsAny() {
			cs.enterNewRound(cs.rs.Height, vote.Round+1)
		}
	}

	if vote.Round > cs.rs.Round {
		if cs.rs.Votes.Prevotes(vote.Round).HasTwoThirdsAny() || cs.rs.Votes.Precommits(vote.Round).HasTwoThirdsAny() {
			cs.enterNewRound(cs.rs.Height, vote.Round)
		}
	}
}

// reportDuplicateVote builds DuplicateVoteEvidence from two conflicting
// votes cast by the same validator at the same height/round/type and
// submits it to the evidence pool (spec.md §4.8).
func (cs *State) reportDuplicateVote(a, b *types.Vote) {
	_, val := cs.rs.Validators.GetByAddress(a.ValidatorAddress)
	if val == nil {
		return
	}
	ev := types.NewDuplicateVoteEvidence(a, b, val.VotingPower, cs.rs.Validators.TotalVotingPower(), time.Now())
	if err := cs.evpool.AddEvidence(ev, cs.rs.Height); err != nil {
		cs.logger.Error("consensus: submitting duplicate-vote evidence", "err", err)
	}
}

// signAddVote signs and casts our own vote of the given type for
// blockID, feeding it back through tryAddVoteLocked exactly as a peer
// vote would be (spec.md §4.5).
func (cs *State) signAddVote(voteType types.SignedMsgType, blockID types.BlockID) {
	idx, _ := cs.rs.Validators.GetByAddress(cs.privValidator.GetAddress())
	if idx < 0 {
		return // not in the validator set for this height; nothing to sign
	}
	vote := &types.Vote{
		Type:             voteType,
		Height:           cs.rs.Height,
		Round:            cs.rs.Round,
		BlockID:          blockID,
		Timestamp:        time.Now(),
		ValidatorAddress: cs.privValidator.GetAddress(),
		ValidatorIndex:   int32(idx),
	}
	if err := cs.privValidator.SignVote(cs.chainID, vote); err != nil {
		cs.logger.Error("consensus: signing vote", "err", err)
		return
	}
	cs.sendInternalMessage(vote)
}
