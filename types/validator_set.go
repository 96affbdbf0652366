// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/luxfi/ids"
)

// MaxTotalVotingPower bounds total voting power to keep the +2/3
// arithmetic in VoteSet free of int64 overflow (spec.md §4.2).
const MaxTotalVotingPower = int64(1) << 56

// priorityWindowFactor is the rescaling threshold from spec.md §4.2 / §9
// open questions: priorities are clamped to within this multiple of the
// total voting power. The original source (consensus/validator_set.cpp)
// uses the same ad-hoc 2x factor; we keep it, see DESIGN.md.
const priorityWindowFactor = 2

// ValidatorSet is an ordered set of validators with deterministic
// proposer selection (spec.md §3, §4.2).
type ValidatorSet struct {
	Validators []*Validator // sorted by Address
	Proposer   *Validator

	totalVotingPower int64
}

// NewValidatorSet copies vals (deep-copying each Validator), sorts by
// address, and computes the initial proposer.
func NewValidatorSet(vals []*Validator) (*ValidatorSet, error) {
	copied := make([]*Validator, len(vals))
	for i, v := range vals {
		copied[i] = v.Copy()
	}
	vs := &ValidatorSet{Validators: copied}
	sort.Slice(vs.Validators, func(i, j int) bool {
		return bytes.Compare(vs.Validators[i].Address[:], vs.Validators[j].Address[:]) < 0
	})
	if err := vs.validateAndRecompute(); err != nil {
		return nil, err
	}
	if len(vs.Validators) > 0 {
		vs.IncrementProposerPriority(1)
	}
	return vs, nil
}

func (vs *ValidatorSet) validateAndRecompute() error {
	seen := make(map[ids.NodeID]struct{}, len(vs.Validators))
	var total int64
	for _, v := range vs.Validators {
		if err := v.Validate(); err != nil {
			return err
		}
		if _, dup := seen[v.Address]; dup {
			return fmt.Errorf("validator set: duplicate address %s", v.Address)
		}
		seen[v.Address] = struct{}{}
		total += v.VotingPower
		if total > MaxTotalVotingPower {
			return fmt.Errorf("validator set: total voting power exceeds max %d", MaxTotalVotingPower)
		}
	}
	vs.totalVotingPower = total
	return nil
}

// Copy returns a deep copy.
func (vs *ValidatorSet) Copy() *ValidatorSet {
	cp := &ValidatorSet{Validators: make([]*Validator, len(vs.Validators)), totalVotingPower: vs.totalVotingPower}
	for i, v := range vs.Validators {
		cp.Validators[i] = v.Copy()
		if vs.Proposer != nil && v.Address == vs.Proposer.Address {
			cp.Proposer = cp.Validators[i]
		}
	}
	return cp
}

// Size returns the number of validators.
func (vs *ValidatorSet) Size() int { return len(vs.Validators) }

// TotalVotingPower returns the cached sum of voting power.
func (vs *ValidatorSet) TotalVotingPower() int64 { return vs.totalVotingPower }

// GetByAddress returns the validator at addr, along with its index, or
// (-1, nil) if absent.
func (vs *ValidatorSet) GetByAddress(addr ids.NodeID) (int, *Validator) {
	i := sort.Search(len(vs.Validators), func(i int) bool {
		return bytes.Compare(vs.Validators[i].Address[:], addr[:]) >= 0
	})
	if i < len(vs.Validators) && vs.Validators[i].Address == addr {
		return i, vs.Validators[i]
	}
	return -1, nil
}

// GetByIndex returns the validator at i, or nil if out of range.
func (vs *ValidatorSet) GetByIndex(i int) *Validator {
	if i < 0 || i >= len(vs.Validators) {
		return nil
	}
	return vs.Validators[i]
}

// GetProposer returns the current proposer.
func (vs *ValidatorSet) GetProposer() *Validator {
	return vs.Proposer
}

// HasTwoThirdsMajority reports whether votingPower has crossed the
// +2/3 threshold of total voting power.
func (vs *ValidatorSet) HasTwoThirdsMajority(votingPower int64) bool {
	return votingPower > vs.twoThirdsThreshold()
}

func (vs *ValidatorSet) twoThirdsThreshold() int64 {
	return (vs.totalVotingPower * 2) / 3
}

// IncrementProposerPriority applies the deterministic proposer-rotation
// rule of spec.md §4.2, `times` times.
func (vs *ValidatorSet) IncrementProposerPriority(times int) error {
	if len(vs.Validators) == 0 {
		return fmt.Errorf("validator set: cannot increment priority of empty set")
	}
	if times <= 0 {
		return fmt.Errorf("validator set: times must be positive, got %d", times)
	}

	var proposer *Validator
	for i := 0; i < times; i++ {
		vs.rescalePriorities()
		for _, v := range vs.Validators {
			v.ProposerPriority += v.VotingPower
		}
		proposer = vs.findProposer()
		proposer.ProposerPriority -= vs.totalVotingPower
	}
	vs.Proposer = proposer
	return nil
}

func (vs *ValidatorSet) findProposer() *Validator {
	var best *Validator
	for _, v := range vs.Validators {
		if best == nil || compareProposerPriority(v, best) > 0 {
			best = v
		}
	}
	return best
}

// rescalePriorities clamps the dynamic range of priorities to within
// priorityWindowFactor * totalVotingPower of each other, preventing
// unbounded drift (spec.md §4.2).
func (vs *ValidatorSet) rescalePriorities() {
	if vs.totalVotingPower == 0 {
		return
	}
	diffMax := priorityWindowFactor * vs.totalVotingPower
	min, max := vs.priorityRange()
	diff := max - min
	if diff <= diffMax {
		return
	}
	ratio := (diff + diffMax - 1) / diffMax
	if ratio <= 0 {
		ratio = 1
	}
	for _, v := range vs.Validators {
		v.ProposerPriority /= ratio
	}
}

func (vs *ValidatorSet) priorityRange() (min, max int64) {
	min, max = vs.Validators[0].ProposerPriority, vs.Validators[0].ProposerPriority
	for _, v := range vs.Validators[1:] {
		if v.ProposerPriority < min {
			min = v.ProposerPriority
		}
		if v.ProposerPriority > max {
			max = v.ProposerPriority
		}
	}
	return min, max
}

// ValidatorUpdate is a delta applied by ApplyUpdates: VotingPower == 0
// removes the validator, otherwise it is inserted or replaced.
type ValidatorUpdate struct {
	Address     ids.NodeID
	PubKey      []byte
	VotingPower int64
}

// ApplyUpdates merges updates into the set by address, per spec.md §4.2.
func (vs *ValidatorSet) ApplyUpdates(updates []ValidatorUpdate) error {
	byAddr := make(map[ids.NodeID]*Validator, len(vs.Validators))
	for _, v := range vs.Validators {
		byAddr[v.Address] = v
	}
	for _, u := range updates {
		if u.VotingPower == 0 {
			delete(byAddr, u.Address)
			continue
		}
		if existing, ok := byAddr[u.Address]; ok {
			existing.VotingPower = u.VotingPower
			continue
		}
		byAddr[u.Address] = &Validator{
			Address:     u.Address,
			PubKey:      u.PubKey,
			VotingPower: u.VotingPower,
		}
	}
	next := make([]*Validator, 0, len(byAddr))
	for _, v := range byAddr {
		next = append(next, v)
	}
	sort.Slice(next, func(i, j int) bool {
		return bytes.Compare(next[i].Address[:], next[j].Address[:]) < 0
	})
	vs.Validators = next
	return vs.validateAndRecompute()
}

// validatorSetEnvelope mirrors ValidatorSet's exported fields for JSON
// persistence; totalVotingPower is recomputed on load rather than stored,
// since it's a pure function of Validators.
type validatorSetEnvelope struct {
	Validators []*Validator
	Proposer   *Validator
}

// MarshalJSON persists the exported fields only; totalVotingPower is
// recomputed by UnmarshalJSON.
func (vs *ValidatorSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(validatorSetEnvelope{Validators: vs.Validators, Proposer: vs.Proposer})
}

// UnmarshalJSON restores Validators/Proposer and recomputes
// totalVotingPower, so a store-loaded set passes HasTwoThirdsMajority
// checks without needing to re-run NewValidatorSet's priority rotation.
func (vs *ValidatorSet) UnmarshalJSON(data []byte) error {
	var env validatorSetEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	vs.Validators = env.Validators
	if err := vs.validateAndRecompute(); err != nil {
		return err
	}
	if env.Proposer != nil {
		for _, v := range vs.Validators {
			if v.Address == env.Proposer.Address {
				vs.Proposer = v
				break
			}
		}
	}
	return nil
}

// String renders a short debug summary.
func (vs *ValidatorSet) String() string {
	return fmt.Sprintf("ValidatorSet{size=%d totalPower=%d proposer=%v}", vs.Size(), vs.totalVotingPower, vs.Proposer)
}
