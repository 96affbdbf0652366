// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/noirhq/noir/types"
)

// StateStore persists the latest chain state plus the historical
// per-height validator sets, consensus params, and ABCI responses
// spec.md §6's `state/` schema names.
type StateStore struct {
	db *pebble.DB
}

// NewStateStore opens a StateStore backed by db.
func NewStateStore(db *pebble.DB) *StateStore {
	return &StateStore{db: db}
}

// Load returns the latest persisted State, or the zero value if none has
// been saved yet.
func (ss *StateStore) Load() (types.State, error) {
	raw, closer, err := ss.db.Get([]byte(keyState))
	if err == pebble.ErrNotFound {
		return types.State{}, nil
	}
	if err != nil {
		return types.State{}, fmt.Errorf("store: loading state: %w", err)
	}
	defer closer.Close()
	var s types.State
	if err := decodeJSON(raw, &s); err != nil {
		return types.State{}, err
	}
	return s, nil
}

// Save persists s as the latest state.
func (ss *StateStore) Save(s types.State) error {
	raw, err := encodeJSON(s)
	if err != nil {
		return err
	}
	if err := ss.db.Set([]byte(keyState), raw, pebble.Sync); err != nil {
		return fmt.Errorf("store: saving state: %w", err)
	}
	return nil
}

// SaveValidatorsInfo records the validator set in force at height, so a
// restart or light-client query can look up historical sets without
// replaying blocks.
func (ss *StateStore) SaveValidatorsInfo(height int64, vs *types.ValidatorSet) error {
	raw, err := encodeJSON(vs)
	if err != nil {
		return err
	}
	if err := ss.db.Set(validatorsKey(height), raw, pebble.Sync); err != nil {
		return fmt.Errorf("store: saving validators at height %d: %w", height, err)
	}
	return nil
}

// LoadValidatorsInfo returns the validator set recorded at height, or nil
// if none was ever saved for that exact height.
func (ss *StateStore) LoadValidatorsInfo(height int64) (*types.ValidatorSet, error) {
	raw, closer, err := ss.db.Get(validatorsKey(height))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading validators at height %d: %w", height, err)
	}
	defer closer.Close()
	var vs types.ValidatorSet
	if err := decodeJSON(raw, &vs); err != nil {
		return nil, err
	}
	return &vs, nil
}

// SaveConsensusParams records the params in force starting at height.
func (ss *StateStore) SaveConsensusParams(height int64, params types.ConsensusParams) error {
	raw, err := encodeJSON(params)
	if err != nil {
		return err
	}
	if err := ss.db.Set(consensusParamsKey(height), raw, pebble.Sync); err != nil {
		return fmt.Errorf("store: saving consensus params at height %d: %w", height, err)
	}
	return nil
}

// LoadConsensusParams returns the params recorded at height, or the zero
// value if none was ever saved for that exact height.
func (ss *StateStore) LoadConsensusParams(height int64) (types.ConsensusParams, error) {
	raw, closer, err := ss.db.Get(consensusParamsKey(height))
	if err == pebble.ErrNotFound {
		return types.ConsensusParams{}, nil
	}
	if err != nil {
		return types.ConsensusParams{}, fmt.Errorf("store: loading consensus params at height %d: %w", height, err)
	}
	defer closer.Close()
	var p types.ConsensusParams
	if err := decodeJSON(raw, &p); err != nil {
		return types.ConsensusParams{}, err
	}
	return p, nil
}

// SaveABCIResponses records the application's responses for height, used
// to recompute LastResultsHash on restart without re-executing txs.
func (ss *StateStore) SaveABCIResponses(height int64, resp types.ABCIResponses) error {
	raw, err := encodeJSON(resp)
	if err != nil {
		return err
	}
	if err := ss.db.Set(abciResponsesKey(height), raw, pebble.Sync); err != nil {
		return fmt.Errorf("store: saving abci responses at height %d: %w", height, err)
	}
	return nil
}

// LoadABCIResponses returns the responses recorded at height.
func (ss *StateStore) LoadABCIResponses(height int64) (types.ABCIResponses, error) {
	raw, closer, err := ss.db.Get(abciResponsesKey(height))
	if err == pebble.ErrNotFound {
		return types.ABCIResponses{}, nil
	}
	if err != nil {
		return types.ABCIResponses{}, fmt.Errorf("store: loading abci responses at height %d: %w", height, err)
	}
	defer closer.Close()
	var r types.ABCIResponses
	if err := decodeJSON(raw, &r); err != nil {
		return types.ABCIResponses{}, err
	}
	return r, nil
}
