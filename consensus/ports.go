// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package consensus implements the round-based BFT state machine that
// drives proposal, prevote, precommit, and commit (spec.md §4.5).
package consensus

import (
	"crypto/ed25519"

	"github.com/luxfi/ids"

	"github.com/noirhq/noir/types"
)

// BlockExecutor validates and applies blocks against the application,
// implemented by the abci package's out-of-process client adapter
// (spec.md §4.13).
type BlockExecutor interface {
	// ValidateBlock checks block against state beyond ValidateBasic:
	// validator-set-dependent checks (last-commit signatures) and any
	// ABCI ProcessProposal hook.
	ValidateBlock(state types.State, block *types.Block) error
	// CreateProposalBlock assembles a new block proposing on top of
	// state, reaping transactions from the mempool.
	CreateProposalBlock(state types.State, lastCommit *types.Commit, evidence []types.Evidence) (*types.Block, error)
	// ApplyBlock runs BeginBlock/DeliverTx/EndBlock/Commit and returns
	// the resulting State.
	ApplyBlock(state types.State, blockID types.BlockID, block *types.Block) (types.State, error)
}

// PrivValidator signs votes and proposals with the node's consensus key,
// analogous to the teacher's validator-identity abstractions.
type PrivValidator interface {
	GetAddress() ids.NodeID
	GetPubKey() ed25519.PublicKey
	SignVote(chainID string, vote *types.Vote) error
	SignProposal(chainID string, proposal *types.Proposal) error
}
