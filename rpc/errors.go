// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"fmt"

	"github.com/gorilla/rpc/json2"
)

// Consensus-specific error codes, allocated in the JSON-RPC 2.0
// implementation-defined server-error range (-32000 to -32099) beside
// json2's own E_PARSE/E_INVALID_REQ/E_NO_METHOD/E_INTERNAL/E_SERVER
// (spec.md §7's "stable error codes").
const (
	codeHeightNotFound json2.ErrorCode = -32001
	codeNodeSyncing    json2.ErrorCode = -32002
)

func errHeightNotFound(height int64) error {
	return &json2.Error{Code: codeHeightNotFound, Message: fmt.Sprintf("height %d not found", height)}
}

func errServer(err error) error {
	return &json2.Error{Code: json2.E_SERVER, Message: err.Error()}
}
