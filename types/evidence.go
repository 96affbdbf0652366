// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/luxfi/ids"
)

// Evidence is a cryptographically-verifiable proof of validator
// misbehavior, polymorphic over DuplicateVote and LightClientAttack
// (spec.md §3, §4.8).
type Evidence interface {
	Height() int64
	Time() time.Time
	Hash() ids.ID
	Bytes() []byte
	ValidateBasic() error
}

// DuplicateVoteEvidence proves a validator signed two distinct votes for
// the same (height, round, type) (spec.md §3, §4.8).
type DuplicateVoteEvidence struct {
	VoteA, VoteB     *Vote
	ValidatorAddress ids.NodeID
	ValidatorPower   int64
	TotalVotingPower int64
	Timestamp        time.Time
}

// NewDuplicateVoteEvidence orders the two votes by BlockID key so the
// evidence is canonical regardless of observation order (spec.md §8,
// scenario S3: "vote_a.block_id.key < vote_b.block_id.key").
func NewDuplicateVoteEvidence(a, b *Vote, power, total int64, ts time.Time) *DuplicateVoteEvidence {
	if a.BlockID.Key() > b.BlockID.Key() {
		a, b = b, a
	}
	return &DuplicateVoteEvidence{
		VoteA:            a,
		VoteB:            b,
		ValidatorAddress: a.ValidatorAddress,
		ValidatorPower:   power,
		TotalVotingPower: total,
		Timestamp:        ts,
	}
}

func (e *DuplicateVoteEvidence) Height() int64    { return e.VoteA.Height }
func (e *DuplicateVoteEvidence) Time() time.Time  { return e.Timestamp }

func (e *DuplicateVoteEvidence) ValidateBasic() error {
	if e.VoteA == nil || e.VoteB == nil {
		return fmt.Errorf("duplicate vote evidence: nil vote")
	}
	if e.VoteA.Height != e.VoteB.Height || e.VoteA.Round != e.VoteB.Round || e.VoteA.Type != e.VoteB.Type {
		return fmt.Errorf("duplicate vote evidence: votes do not share (height,round,type)")
	}
	if e.VoteA.ValidatorAddress != e.VoteB.ValidatorAddress {
		return fmt.Errorf("duplicate vote evidence: votes from different validators")
	}
	if e.VoteA.BlockID.Equals(e.VoteB.BlockID) {
		return fmt.Errorf("duplicate vote evidence: votes agree on block id, not a conflict")
	}
	return nil
}

type duplicateVoteEnvelope struct {
	VoteA, VoteB     *Vote
	ValidatorAddress ids.NodeID
	ValidatorPower   int64
	TotalVotingPower int64
	Timestamp        time.Time
}

func (e *DuplicateVoteEvidence) Bytes() []byte {
	data, _ := json.Marshal(duplicateVoteEnvelope{
		VoteA: e.VoteA, VoteB: e.VoteB,
		ValidatorAddress: e.ValidatorAddress,
		ValidatorPower:   e.ValidatorPower,
		TotalVotingPower: e.TotalVotingPower,
		Timestamp:        e.Timestamp,
	})
	return data
}

func (e *DuplicateVoteEvidence) Hash() ids.ID {
	return Sha256(e.Bytes())
}

// LightClientAttackKind sub-classifies a LightClientAttackEvidence by
// comparing the trusted and conflicting headers (spec.md §4.8).
type LightClientAttackKind int

const (
	AttackUnknown LightClientAttackKind = iota
	AttackLunatic
	AttackEquivocation
	AttackAmnesia
)

func (k LightClientAttackKind) String() string {
	switch k {
	case AttackLunatic:
		return "lunatic"
	case AttackEquivocation:
		return "equivocation"
	case AttackAmnesia:
		return "amnesia"
	default:
		return "unknown"
	}
}

// LightClientAttackEvidence proves a validator signed a conflicting header
// for a past height (spec.md §3, §4.8).
type LightClientAttackEvidence struct {
	ConflictingHeader   Header
	ConflictingCommit   *Commit
	CommonHeight        int64
	ByzantineValidators []ids.NodeID
	Kind                LightClientAttackKind
	Timestamp           time.Time
}

func (e *LightClientAttackEvidence) Height() int64   { return e.ConflictingHeader.Height }
func (e *LightClientAttackEvidence) Time() time.Time { return e.Timestamp }

func (e *LightClientAttackEvidence) ValidateBasic() error {
	if e.ConflictingCommit == nil {
		return fmt.Errorf("light client attack evidence: nil conflicting commit")
	}
	if len(e.ByzantineValidators) == 0 {
		return fmt.Errorf("light client attack evidence: no byzantine validators identified")
	}
	if e.CommonHeight <= 0 || e.CommonHeight > e.ConflictingHeader.Height {
		return fmt.Errorf("light client attack evidence: invalid common height %d for conflicting height %d", e.CommonHeight, e.ConflictingHeader.Height)
	}
	return nil
}

type lightClientAttackEnvelope struct {
	ConflictingHeader   Header
	ConflictingCommit   *Commit
	CommonHeight        int64
	ByzantineValidators []ids.NodeID
	Kind                LightClientAttackKind
	Timestamp           time.Time
}

func (e *LightClientAttackEvidence) Bytes() []byte {
	data, _ := json.Marshal(lightClientAttackEnvelope{
		ConflictingHeader:   e.ConflictingHeader,
		ConflictingCommit:   e.ConflictingCommit,
		CommonHeight:        e.CommonHeight,
		ByzantineValidators: e.ByzantineValidators,
		Kind:                e.Kind,
		Timestamp:           e.Timestamp,
	})
	return data
}

func (e *LightClientAttackEvidence) Hash() ids.ID {
	return Sha256(e.Bytes())
}
