// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package store

import (
	"encoding/json"
	"fmt"

	"github.com/noirhq/noir/types"
)

// encodeJSON/decodeJSON follow the same plain-JSON envelope convention
// as types.Block.Encode (no generated schema; see DESIGN.md's note on
// the dropped protobuf dependency).
func encodeJSON(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: encoding: %w", err)
	}
	return b, nil
}

func decodeJSON(raw []byte, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("store: decoding: %w", err)
	}
	return nil
}

func encodePart(p *types.Part) ([]byte, error) {
	return encodeJSON(p)
}

func decodePart(raw []byte) (*types.Part, error) {
	var p types.Part
	if err := decodeJSON(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
