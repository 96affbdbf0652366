// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package evidence

import (
	"fmt"

	"github.com/noirhq/noir/types"
)

// VerifyDuplicateVote checks both signatures against chainID and
// resolves the signing validator's voting power from the set live at
// that height (spec.md §4.8).
func VerifyDuplicateVote(chainID string, e *types.DuplicateVoteEvidence, valSetAt ValidatorSetLookup) error {
	valSet, err := valSetAt(e.VoteA.Height)
	if err != nil {
		return fmt.Errorf("duplicate vote: resolving validator set at height %d: %w", e.VoteA.Height, err)
	}
	_, val := valSet.GetByAddress(e.ValidatorAddress)
	if val == nil {
		return fmt.Errorf("duplicate vote: %s was not a validator at height %d", e.ValidatorAddress, e.VoteA.Height)
	}
	if !e.VoteA.Verify(chainID, val.PubKey) {
		return fmt.Errorf("duplicate vote: vote A signature invalid")
	}
	if !e.VoteB.Verify(chainID, val.PubKey) {
		return fmt.Errorf("duplicate vote: vote B signature invalid")
	}
	if e.ValidatorPower != val.VotingPower {
		return fmt.Errorf("duplicate vote: claimed power %d does not match historical power %d", e.ValidatorPower, val.VotingPower)
	}
	if e.TotalVotingPower != valSet.TotalVotingPower() {
		return fmt.Errorf("duplicate vote: claimed total power %d does not match historical total %d", e.TotalVotingPower, valSet.TotalVotingPower())
	}
	return nil
}

// VerifyLightClientAttack checks the conflicting commit against the
// validator set live at the common-ancestor height, and confirms
// ByzantineValidators names exactly the signers of the conflicting
// header who were members of that trusted set (spec.md §4.8).
func VerifyLightClientAttack(e *types.LightClientAttackEvidence, valSetAt ValidatorSetLookup) error {
	trustedSet, err := valSetAt(e.CommonHeight)
	if err != nil {
		return fmt.Errorf("light client attack: resolving validator set at common height %d: %w", e.CommonHeight, err)
	}
	if e.ConflictingCommit == nil {
		return fmt.Errorf("light client attack: nil conflicting commit")
	}

	var signers []types.Validator
	for _, sig := range e.ConflictingCommit.Signatures {
		if sig.BlockIDFlag != types.BlockIDFlagCommit {
			continue
		}
		_, val := trustedSet.GetByAddress(sig.ValidatorAddress)
		if val != nil {
			signers = append(signers, *val)
		}
	}
	if len(signers) == 0 {
		return fmt.Errorf("light client attack: no signer of the conflicting header was in the trusted validator set")
	}

	claimed := make(map[string]struct{}, len(e.ByzantineValidators))
	for _, addr := range e.ByzantineValidators {
		claimed[addr.String()] = struct{}{}
	}
	signed := make(map[string]struct{}, len(signers))
	for _, s := range signers {
		if _, ok := claimed[s.Address.String()]; !ok {
			return fmt.Errorf("light client attack: signer %s missing from claimed byzantine set", s.Address)
		}
		signed[s.Address.String()] = struct{}{}
	}
	if len(claimed) != len(signed) {
		return fmt.Errorf("light client attack: claimed byzantine set names %d validators, but %d trusted validators signed", len(claimed), len(signed))
	}
	return nil
}

// ClassifyLightClientAttack determines lunatic/equivocation/amnesia by
// comparing the trusted and conflicting headers, per spec.md §4.8.
func ClassifyLightClientAttack(trusted, conflicting *types.Header) types.LightClientAttackKind {
	switch {
	case trusted == nil || conflicting == nil:
		return types.AttackUnknown
	case trusted.Height == conflicting.Height && trusted.Hash() != conflicting.Hash():
		return types.AttackEquivocation
	case trusted.ValidatorsHash != conflicting.ValidatorsHash:
		return types.AttackLunatic
	default:
		return types.AttackAmnesia
	}
}
