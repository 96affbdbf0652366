// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package types holds the consensus data model: validators, votes, block
// identifiers, commits, blocks, part sets, and evidence (spec.md §3, §4.4).
package types

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"github.com/luxfi/ids"
)

// Validator is one member of a ValidatorSet. Address is a 20-byte hash of
// the public key (spec.md §3); VotingPower must stay positive for the
// lifetime of the validator.
type Validator struct {
	Address          ids.NodeID
	PubKey           ed25519.PublicKey
	VotingPower      int64
	ProposerPriority int64
}

// NewValidator constructs a Validator with zero ProposerPriority.
func NewValidator(pubKey ed25519.PublicKey, votingPower int64) *Validator {
	return &Validator{
		Address:     AddressFromPubKey(pubKey),
		PubKey:      pubKey,
		VotingPower: votingPower,
	}
}

// AddressFromPubKey derives the 20-byte validator address from a public
// key, per spec.md §3 ("address is a 20-byte hash of public key").
func AddressFromPubKey(pubKey ed25519.PublicKey) ids.NodeID {
	var addr ids.NodeID
	h := Sha256(pubKey)
	copy(addr[:], h[:20])
	return addr
}

// Copy returns a value copy of v, safe to mutate independently.
func (v *Validator) Copy() *Validator {
	cp := *v
	return &cp
}

// Validate checks the invariants spec.md §3 requires of a single
// validator: a non-empty address and strictly positive voting power.
func (v *Validator) Validate() error {
	if v == nil {
		return fmt.Errorf("validator: nil validator")
	}
	if v.Address == (ids.NodeID{}) {
		return fmt.Errorf("validator: empty address")
	}
	if v.VotingPower <= 0 {
		return fmt.Errorf("validator: voting power must be positive, got %d", v.VotingPower)
	}
	if len(v.PubKey) != ed25519.PublicKeySize {
		return fmt.Errorf("validator: invalid public key length %d", len(v.PubKey))
	}
	return nil
}

// VerifySignature reports whether sig is a valid Ed25519 signature by this
// validator over msg.
func (v *Validator) VerifySignature(msg, sig []byte) bool {
	return ed25519.Verify(v.PubKey, msg, sig)
}

// String renders a short human-readable identifier, used in logs.
func (v *Validator) String() string {
	if v == nil {
		return "nil-Validator"
	}
	return fmt.Sprintf("Validator{%s power=%d priority=%d}", v.Address, v.VotingPower, v.ProposerPriority)
}

// compareProposerPriority orders two validators by the tie-break rule of
// spec.md §4.2: largest (ProposerPriority, -Address) wins.
func compareProposerPriority(a, b *Validator) int {
	if a.ProposerPriority != b.ProposerPriority {
		if a.ProposerPriority > b.ProposerPriority {
			return 1
		}
		return -1
	}
	return -bytes.Compare(a.Address[:], b.Address[:])
}
