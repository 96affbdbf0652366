// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package store persists blocks and consensus state to an embedded
// pebble database, following the key schema in spec.md §6.
package store

import (
	"encoding/binary"
	"fmt"
)

// Key prefixes from spec.md §6's "Persisted state layout".
const (
	prefixBlockMeta   = "block:"
	prefixBlockPart   = "block:"
	suffixPart        = ":part:"
	suffixCommit      = ":commit"
	keyBase           = "base"
	keyHeight         = "height"

	keyState             = "state"
	prefixValidators     = "validators:"
	prefixConsensusParam = "consensus_params:"
	prefixABCIResponses  = "abci_responses:"
)

func blockMetaKey(height int64) []byte {
	return []byte(fmt.Sprintf("%s%d", prefixBlockMeta, height))
}

func blockPartKey(height int64, index int) []byte {
	return []byte(fmt.Sprintf("%s%d%s%d", prefixBlockPart, height, suffixPart, index))
}

// blockPartPrefix returns the shared prefix of every part key at height,
// so IteratePartKeys can range-scan without knowing the part count.
func blockPartPrefix(height int64) []byte {
	return []byte(fmt.Sprintf("%s%d%s", prefixBlockPart, height, suffixPart))
}

func blockCommitKey(height int64) []byte {
	return []byte(fmt.Sprintf("%s%d%s", prefixBlockMeta, height, suffixCommit))
}

func validatorsKey(height int64) []byte {
	return []byte(fmt.Sprintf("%s%d", prefixValidators, height))
}

func consensusParamsKey(height int64) []byte {
	return []byte(fmt.Sprintf("%s%d", prefixConsensusParam, height))
}

func abciResponsesKey(height int64) []byte {
	return []byte(fmt.Sprintf("%s%d", prefixABCIResponses, height))
}

// partIndexFromKey extracts the trailing part index from a key produced
// by blockPartKey, used by IteratePartKeys.
func partIndexFromKey(key []byte) (int, error) {
	var idx int
	if _, err := fmt.Sscanf(string(key), prefixBlockPart+"%d"+suffixPart+"%d", new(int64), &idx); err != nil {
		return 0, fmt.Errorf("store: malformed part key %q: %w", key, err)
	}
	return idx, nil
}

func int64ToBytes(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}
