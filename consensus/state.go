// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/noirhq/noir/config"
	"github.com/noirhq/noir/evidence"
	"github.com/noirhq/noir/store"
	"github.com/noirhq/noir/types"
	"github.com/noirhq/noir/wal"
)

// State is the single-threaded consensus state machine: a scheduler
// that consumes exactly one input at a time from peer messages,
// internal messages, or timeouts, each written to the WAL before
// processing (spec.md §4.5).
type State struct {
	mu sync.Mutex

	chainID string
	cfg     config.Config

	privValidator PrivValidator
	blockExec     BlockExecutor
	blockStore    *store.BlockStore
	stateStore    *store.StateStore
	evpool        *evidence.Pool
	wal           *wal.WAL
	logger        log.Logger

	state types.State
	rs    *RoundState

	peerMsgQueue     chan msgInfo
	internalMsgQueue chan msgInfo
	timeoutCh        chan timeoutInfo

	// onCommit, when set, is invoked after finalizeCommit persists a
	// block, letting the reactor and block-sync pool react without this
	// package depending on them.
	onCommit func(height int64)

	quit chan struct{}
	done chan struct{}
}

// New constructs a State for chainID, seeded with state (the node's
// restored or genesis chain state). Start must be called to begin
// driving the machine.
func New(
	chainID string,
	cfg config.Config,
	state types.State,
	priv PrivValidator,
	blockExec BlockExecutor,
	blockStore *store.BlockStore,
	stateStore *store.StateStore,
	evpool *evidence.Pool,
	w *wal.WAL,
	logger log.Logger,
) *State {
	return &State{
		chainID:          chainID,
		cfg:              cfg,
		privValidator:    priv,
		blockExec:        blockExec,
		blockStore:       blockStore,
		stateStore:       stateStore,
		evpool:           evpool,
		wal:              w,
		logger:           logger,
		state:            state,
		peerMsgQueue:     make(chan msgInfo, 1000),
		internalMsgQueue: make(chan msgInfo, 1000),
		timeoutCh:        make(chan timeoutInfo, 100),
		quit:             make(chan struct{}),
		done:             make(chan struct{}),
	}
}

// OnCommit registers a callback invoked after every successful commit.
func (cs *State) OnCommit(f func(height int64)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.onCommit = f
}

// GetRoundState returns a snapshot safe for read-only inspection (the
// reactor's gossip routines poll this).
func (cs *State) GetRoundState() *RoundState {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.rs == nil {
		return nil
	}
	cp := *cs.rs
	return &cp
}

// Start begins the receive loop at the height following the currently
// persisted state (spec.md §4.5's replay contract is handled by
// ReplayWAL, called separately before Start in normal node startup).
func (cs *State) Start() {
	cs.mu.Lock()
	height := cs.state.LastBlockHeight + 1
	lastCommit := cs.loadCommit(height - 1)
	cs.rs = newRoundState(height, cs.state.Validators, lastCommit, cs.state.Validators)
	cs.enterNewRound(height, 0)
	cs.mu.Unlock()

	go cs.receiveRoutine()
}

// loadCommit returns the persisted commit for height, or nil if there is
// none (height 0, the genesis height, never has a last commit).
func (cs *State) loadCommit(height int64) *types.Commit {
	if height <= 0 {
		return nil
	}
	c, err := cs.blockStore.LoadBlockCommit(height)
	if err != nil || c == nil {
		return nil
	}
	return c
}

// Stop halts the receive loop.
func (cs *State) Stop() {
	close(cs.quit)
	<-cs.done
}

// receiveRoutine is the single consumer of all three input sources
// (spec.md §4.5): it never processes more than one input concurrently.
func (cs *State) receiveRoutine() {
	defer close(cs.done)
	for {
		select {
		case <-cs.quit:
			return
		case mi := <-cs.peerMsgQueue:
			cs.writeWAL(mi)
			cs.handleMsg(mi)
		case mi := <-cs.internalMsgQueue:
			cs.writeWAL(mi)
			cs.handleMsg(mi)
		case ti := <-cs.timeoutCh:
			cs.writeTimeoutWAL(ti)
			cs.handleTimeout(ti)
		}
	}
}

func (cs *State) writeWAL(mi msgInfo) {
	if cs.wal == nil {
		return
	}
	switch m := mi.Msg.(type) {
	case *types.Vote:
		if walMsg, err := wal.NewPeerMsgMessage(mi.PeerID, m); err == nil {
			_ = cs.wal.Write(walMsg)
		}
	case *types.Proposal:
		if walMsg, err := wal.NewPeerMsgMessage(mi.PeerID, m); err == nil {
			_ = cs.wal.Write(walMsg)
		}
	case *blockPartMessage:
		if walMsg, err := wal.NewPeerMsgMessage(mi.PeerID, m); err == nil {
			_ = cs.wal.Write(walMsg)
		}
	}
}

func (cs *State) writeTimeoutWAL(ti timeoutInfo) {
	if cs.wal == nil {
		return
	}
	_ = cs.wal.Write(wal.NewTimeoutMessage(ti.Height, ti.Round, string(ti.Step), ti.Duration))
}

func (cs *State) handleMsg(mi msgInfo) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	switch m := mi.Msg.(type) {
	case *types.Proposal:
		cs.setProposalLocked(m)
	case *blockPartMessage:
		cs.addProposalBlockPartLocked(m)
	case *types.Vote:
		cs.tryAddVoteLocked(m, mi.PeerID)
	default:
		cs.logger.Warn("consensus: unknown message type", "type", fmt.Sprintf("%T", m))
	}
}

func (cs *State) handleTimeout(ti timeoutInfo) {
	cs.mu.Lock()
	stale := ti.Height != cs.rs.Height || ti.Round != cs.rs.Round || ti.Step != cs.rs.Step
	cs.mu.Unlock()
	if stale {
		return
	}
	switch ti.Step {
	case StepPropose:
		cs.enterPrevote(ti.Height, ti.Round)
	case StepPrevoteWait:
		cs.enterPrecommit(ti.Height, ti.Round)
	case StepPrecommitWait:
		cs.enterNewRound(ti.Height, ti.Round+1)
	case StepNewHeight:
		cs.enterNewRound(ti.Height, 0)
	}
}

// scheduleTimeout arms a one-shot timer that posts to timeoutCh after d,
// tagged with the (height, round, step) it's valid for; handleTimeout
// discards it if the machine has since moved on (spec.md §4.5).
func (cs *State) scheduleTimeout(d time.Duration, height int64, round int32, step RoundStepType) {
	time.AfterFunc(d, func() {
		select {
		case cs.timeoutCh <- timeoutInfo{Duration: d, Height: height, Round: round, Step: step}:
		case <-cs.quit:
		}
	})
}

// sendInternalMessage enqueues msg as if it were our own broadcast,
// ensuring internally generated proposals/votes/parts go through the
// same single-threaded handling and WAL-write path as peer messages.
func (cs *State) sendInternalMessage(msg interface{}) {
	select {
	case cs.internalMsgQueue <- msgInfo{Msg: msg}:
	case <-cs.quit:
	}
}

// AddVote is the reactor's entrypoint for a vote received from peer.
func (cs *State) AddVote(vote *types.Vote, peer ids.NodeID) {
	select {
	case cs.peerMsgQueue <- msgInfo{Msg: vote, PeerID: peer}:
	case <-cs.quit:
	}
}

// SetProposal is the reactor's entrypoint for a proposal received from peer.
func (cs *State) SetProposal(proposal *types.Proposal, peer ids.NodeID) {
	select {
	case cs.peerMsgQueue <- msgInfo{Msg: proposal, PeerID: peer}:
	case <-cs.quit:
	}
}

// AddProposalBlockPart is the reactor's entrypoint for a block part
// received from peer.
func (cs *State) AddProposalBlockPart(height int64, round int32, part *types.Part, peer ids.NodeID) {
	select {
	case cs.peerMsgQueue <- msgInfo{Msg: &blockPartMessage{Height: height, Round: round, Part: part}, PeerID: peer}:
	case <-cs.quit:
	}
}
