// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"time"

	"github.com/luxfi/ids"

	"github.com/noirhq/noir/types"
)

// blockPartMessage carries one part of the block currently being
// proposed, tagged with the height/round it belongs to (spec.md §4.5,
// §4.6).
type blockPartMessage struct {
	Height int64
	Round  int32
	Part   *types.Part
}

// msgInfo wraps a consensus input (proposal, block part, or vote) with
// the peer it arrived from; internally generated messages carry the
// zero ids.NodeID (spec.md §4.5's "internal messages" source).
type msgInfo struct {
	Msg    interface{} // *types.Proposal | *blockPartMessage | *types.Vote
	PeerID ids.NodeID
}

// timeoutInfo is what the timeout ticker delivers: the (height, round,
// step, duration) tuple named verbatim in spec.md §4.5.
type timeoutInfo struct {
	Duration time.Duration
	Height   int64
	Round    int32
	Step     RoundStepType
}
