// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/noirhq/noir/types"
	"github.com/noirhq/noir/wal"
)

// ReplayWAL recovers in-flight consensus state after a crash (spec.md
// §4.9): it searches the WAL for the tail of records since the last
// durable EndHeight and replays every peer message and timeout in order,
// feeding them through the same handling path a live node uses. Call it
// before Start.
func (cs *State) ReplayWAL(w *wal.WAL) error {
	cs.mu.Lock()
	height := cs.state.LastBlockHeight + 1
	lastCommit := cs.loadCommit(height - 1)
	cs.rs = newRoundState(height, cs.state.Validators, lastCommit, cs.state.Validators)
	cs.mu.Unlock()

	records, found, err := w.SearchForEndHeight(height-1, wal.ReadOptions{IgnoreDataCorruption: true})
	if err != nil && !errors.Is(err, wal.ErrDataCorruption) {
		return fmt.Errorf("consensus: searching wal for end height %d: %w", height-1, err)
	}
	if !found {
		cs.logger.Info("consensus: no wal tail to replay", "height", height)
		return nil
	}

	cs.mu.Lock()
	cs.enterNewRound(height, 0)
	for _, rec := range records {
		if rec.Msg.Kind == wal.KindEndHeight {
			continue
		}
		cs.replayRecordLocked(rec.Msg)
	}
	cs.mu.Unlock()

	return nil
}

// replayRecordLocked feeds one recovered WAL record back through the
// state machine's handling logic. Callers must hold cs.mu.
func (cs *State) replayRecordLocked(msg wal.WALMessage) {
	switch msg.Kind {
	case wal.KindPeerMsgInfo:
		if msg.PeerMsgInfo == nil {
			return
		}
		cs.replayPeerMsgLocked(*msg.PeerMsgInfo)
	case wal.KindTimeoutInfo:
		if msg.TimeoutInfo == nil {
			return
		}
		ti := msg.TimeoutInfo
		if ti.Height != cs.rs.Height || ti.Round != cs.rs.Round || string(cs.rs.Step) != ti.Step {
			return
		}
		switch RoundStepType(ti.Step) {
		case StepPropose:
			cs.enterPrevote(ti.Height, ti.Round)
		case StepPrevoteWait:
			cs.enterPrecommit(ti.Height, ti.Round)
		case StepPrecommitWait:
			cs.enterNewRound(ti.Height, ti.Round+1)
		}
	}
}

// replayPeerMsgLocked decodes a recovered peer message payload back into
// its concrete type and re-applies it, using the discriminating fields
// already present on the wire encoding (a block part carries a `Part`
// field; a vote carries a vote `Type`; anything else is a proposal).
func (cs *State) replayPeerMsgLocked(info wal.PeerMsgInfo) {
	var probe struct {
		Type types.SignedMsgType `json:"Type"`
		Part json.RawMessage     `json:"Part"`
	}
	if err := json.Unmarshal(info.Payload, &probe); err != nil {
		cs.logger.Error("consensus: replay: decoding peer message", "err", err)
		return
	}

	switch {
	case probe.Part != nil:
		var m blockPartMessage
		if err := json.Unmarshal(info.Payload, &m); err != nil {
			cs.logger.Error("consensus: replay: decoding block part", "err", err)
			return
		}
		cs.addProposalBlockPartLocked(&m)
	case probe.Type == types.PrevoteType || probe.Type == types.PrecommitType:
		var v types.Vote
		if err := json.Unmarshal(info.Payload, &v); err != nil {
			cs.logger.Error("consensus: replay: decoding vote", "err", err)
			return
		}
		cs.tryAddVoteLocked(&v, info.PeerID)
	default:
		var p types.Proposal
		if err := json.Unmarshal(info.Payload, &p); err != nil {
			cs.logger.Error("consensus: replay: decoding proposal", "err", err)
			return
		}
		cs.setProposalLocked(&p)
	}
}
