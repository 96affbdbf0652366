// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"time"

	"github.com/luxfi/ids"
)

// ConsensusParams are the application-governed bounds enforced at block
// validation time (spec.md §6's `consensus_params:<H>` record).
type ConsensusParams struct {
	MaxBytes int64
	MaxGas   int64
}

// State is the latest chain state, the `state` record spec.md §6
// describes: the tip plus everything needed to validate and execute the
// next block without replaying history.
type State struct {
	ChainID string
	Version ConsensusVersion

	LastBlockHeight int64
	LastBlockID     BlockID
	LastBlockTime   time.Time

	Validators     *ValidatorSet
	NextValidators *ValidatorSet

	ConsensusParams ConsensusParams

	LastResultsHash ids.ID
	AppHash         ids.ID
}

// ABCIResponses records one height's application responses, persisted so
// a restart can recompute result hashes without re-executing transactions
// (spec.md §6's `abci_responses:<H>` record).
type ABCIResponses struct {
	DeliverTxs []TxResult
	EndBlock   EndBlockResult
}

// TxResult is one transaction's application-level outcome.
type TxResult struct {
	Code uint32
	Data []byte
	Log  string
}

// EndBlockResult carries validator-set updates and consensus-param
// updates emitted at the end of block execution.
type EndBlockResult struct {
	ValidatorUpdates   []ValidatorUpdate
	ConsensusParamDiff *ConsensusParams
}

// Copy returns a deep-enough copy of s for safe concurrent mutation: the
// validator sets are copied, not shared.
func (s State) Copy() State {
	cp := s
	if s.Validators != nil {
		cp.Validators = s.Validators.Copy()
	}
	if s.NextValidators != nil {
		cp.NextValidators = s.NextValidators.Copy()
	}
	return cp
}
