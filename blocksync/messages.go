// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package blocksync implements the catch-up fast path that lets a node
// joining late, or one that has fallen behind, pull committed blocks
// directly from peers instead of waiting for consensus gossip to
// re-deliver them one round at a time (spec.md §4.7).
package blocksync

import (
	"encoding/json"
	"fmt"

	"github.com/noirhq/noir/types"
)

// Channel carries every block-sync message: status probes and block
// request/response pairs (spec.md §4.7, §6 assigns block-sync 0x40;
// 0x30 is reserved for the out-of-scope mempool boundary channel).
const Channel byte = 0x40

// MsgKind discriminates the oneof an Envelope carries, the same
// tagged-union-over-JSON shape used by wal and reactor.
type MsgKind string

const (
	KindStatusRequest  MsgKind = "StatusRequest"
	KindStatusResponse MsgKind = "StatusResponse"
	KindBlockRequest   MsgKind = "BlockRequest"
	KindBlockResponse  MsgKind = "BlockResponse"
	KindNoBlockResponse MsgKind = "NoBlockResponse"
)

// StatusRequestMessage asks a peer to report its block store's
// [base, height] range.
type StatusRequestMessage struct{}

// StatusResponseMessage answers a StatusRequestMessage.
type StatusResponseMessage struct {
	Base   int64
	Height int64
}

// BlockRequestMessage asks a peer for the block at Height.
type BlockRequestMessage struct {
	Height int64
}

// BlockResponseMessage carries the requested block.
type BlockResponseMessage struct {
	Block *types.Block
}

// NoBlockResponseMessage tells the requester the responder doesn't
// hold the block asked for, so the requester can try another peer
// without waiting out the full peer timeout.
type NoBlockResponseMessage struct {
	Height int64
}

// Envelope is the wire shape Channel carries: exactly one pointer field
// is set, tagged by Kind.
type Envelope struct {
	Kind MsgKind

	StatusRequest   *StatusRequestMessage   `json:",omitempty"`
	StatusResponse  *StatusResponseMessage  `json:",omitempty"`
	BlockRequest    *BlockRequestMessage    `json:",omitempty"`
	BlockResponse   *BlockResponseMessage   `json:",omitempty"`
	NoBlockResponse *NoBlockResponseMessage `json:",omitempty"`
}

func envelope(kind MsgKind, msg interface{}) Envelope {
	env := Envelope{Kind: kind}
	switch m := msg.(type) {
	case *StatusRequestMessage:
		env.StatusRequest = m
	case *StatusResponseMessage:
		env.StatusResponse = m
	case *BlockRequestMessage:
		env.BlockRequest = m
	case *BlockResponseMessage:
		env.BlockResponse = m
	case *NoBlockResponseMessage:
		env.NoBlockResponse = m
	}
	return env
}

func decode(env Envelope) (interface{}, error) {
	switch env.Kind {
	case KindStatusRequest:
		return env.StatusRequest, nil
	case KindStatusResponse:
		return env.StatusResponse, nil
	case KindBlockRequest:
		return env.BlockRequest, nil
	case KindBlockResponse:
		return env.BlockResponse, nil
	case KindNoBlockResponse:
		return env.NoBlockResponse, nil
	default:
		return nil, fmt.Errorf("blocksync: unknown envelope kind %q", env.Kind)
	}
}

// DecodeEnvelope turns wire bytes back into a typed message.
func DecodeEnvelope(data []byte) (interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("blocksync: decoding envelope: %w", err)
	}
	return decode(env)
}

// EncodeEnvelope wraps msg in its tagged envelope and marshals it, ready
// to hand to a Peer.Send.
func EncodeEnvelope(kind MsgKind, msg interface{}) ([]byte, error) {
	return json.Marshal(envelope(kind, msg))
}
