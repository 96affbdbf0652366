// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"time"

	"github.com/noirhq/noir/types"
	"github.com/noirhq/noir/votes"
)

// RoundStepType enumerates the state machine's steps (spec.md §4.5).
type RoundStepType string

const (
	StepNewHeight     RoundStepType = "NewHeight"
	StepNewRound      RoundStepType = "NewRound"
	StepPropose       RoundStepType = "Propose"
	StepPrevote       RoundStepType = "Prevote"
	StepPrevoteWait   RoundStepType = "PrevoteWait"
	StepPrecommit     RoundStepType = "Precommit"
	StepPrecommitWait RoundStepType = "PrecommitWait"
	StepCommit        RoundStepType = "Commit"
)

// RoundState is the complete mutable state of one height's consensus
// round progression (spec.md §4.5). It is guarded by State.mu.
type RoundState struct {
	Height    int64
	Round     int32
	Step      RoundStepType
	StartTime time.Time
	CommitTime time.Time

	Validators *types.ValidatorSet

	Proposal           *types.Proposal
	ProposalBlock      *types.Block
	ProposalBlockParts *types.PartSet

	LockedRound int32 // -1 if not locked
	LockedBlock *types.Block

	ValidRound int32 // -1 if none
	ValidBlock *types.Block

	Votes *votes.HeightVoteSet

	CommitRound int32 // -1 if not yet in Commit

	LastCommit     *types.Commit
	LastValidators *types.ValidatorSet
}

// newRoundState constructs the RoundState for the first round of height,
// with no lock or valid-block carried over (used at NewHeight entry
// before enterNewRound populates round-specific fields).
func newRoundState(height int64, vs *types.ValidatorSet, lastCommit *types.Commit, lastVals *types.ValidatorSet) *RoundState {
	return &RoundState{
		Height:         height,
		Round:          0,
		Step:           StepNewHeight,
		Validators:     vs,
		LockedRound:    -1,
		ValidRound:     -1,
		CommitRound:    -1,
		LastCommit:     lastCommit,
		LastValidators: lastVals,
	}
}
