// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package rpc implements the minimal JSON-RPC 2.0 status/query surface
// spec.md §6 calls for, codec'd with github.com/gorilla/rpc/json2 and
// rendering ids as human-readable strings with github.com/mr-tron/base58.
package rpc

import (
	"github.com/luxfi/ids"

	"github.com/noirhq/noir/types"
)

// Backend is the seam between this package and the node package: Node
// implements it, and rpc never imports node, breaking what would
// otherwise be a cycle (node wires rpc; rpc only needs to read node's
// state, never construct one).
type Backend interface {
	NodeID() ids.NodeID
	ChainID() string
	LatestState() types.State
	IsSyncing() bool
	NumPeers() int
	Block(height int64) (*types.Block, error)
	Validators(height int64) (*types.ValidatorSet, error)
}
