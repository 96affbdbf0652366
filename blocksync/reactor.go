// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package blocksync

import (
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/noirhq/noir/config"
	"github.com/noirhq/noir/consensus"
	"github.com/noirhq/noir/evidence"
	"github.com/noirhq/noir/store"
	"github.com/noirhq/noir/types"
)

// trySyncInterval paces the verify/save/apply loop; switchToConsensusInterval
// paces the catch-up check that hands control back to the consensus engine
// (spec.md §4.7).
const (
	trySyncInterval          = 10 * time.Millisecond
	switchToConsensusInterval = 1 * time.Second
)

// Peer is the transport seam this reactor needs from a connected peer;
// the p2p package provides the concrete MConn-backed type.
type Peer interface {
	ID() ids.NodeID
	Send(chID byte, data []byte) bool
	TrySend(chID byte, data []byte) bool
	IsRunning() bool
}

// Reactor drives the catch-up fast path: it requests blocks the Pool
// says are missing, verifies each against its successor's commit, and
// applies them directly against the application, bypassing the full
// consensus engine until it has caught up to its peers (spec.md §4.7).
type Reactor struct {
	cfg    config.BlockSyncConfig
	logger log.Logger

	blockStore *store.BlockStore
	stateStore *store.StateStore
	blockExec  consensus.BlockExecutor
	evpool     *evidence.Pool
	pool       *Pool

	mu                  sync.Mutex
	state               types.State
	peers               map[ids.NodeID]Peer
	onSwitchToConsensus func(types.State)

	quit chan struct{}
	done chan struct{}
}

// NewReactor constructs a Reactor that will start requesting from
// blockStore's next height once Start is called.
func NewReactor(
	state types.State,
	blockStore *store.BlockStore,
	stateStore *store.StateStore,
	blockExec consensus.BlockExecutor,
	evpool *evidence.Pool,
	cfg config.BlockSyncConfig,
	logger log.Logger,
) *Reactor {
	return &Reactor{
		cfg:        cfg,
		logger:     logger,
		blockStore: blockStore,
		stateStore: stateStore,
		blockExec:  blockExec,
		evpool:     evpool,
		pool:       NewPool(blockStore.Height()+1, cfg, logger),
		state:      state,
		peers:      make(map[ids.NodeID]Peer),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// OnSwitchToConsensus registers the callback invoked, with the reactor's
// final synced state, once the pool judges it has caught up. The node
// package uses this to hand off to the consensus engine.
func (r *Reactor) OnSwitchToConsensus(f func(types.State)) {
	r.mu.Lock()
	r.onSwitchToConsensus = f
	r.mu.Unlock()
}

// Start begins the pool's requester loop and this reactor's own
// request-dispatch, status, and sync loops.
func (r *Reactor) Start() {
	r.pool.Start()
	go r.broadcastStatusRequest()
	go r.run()
}

// Stop halts every loop this reactor owns, including the pool's.
func (r *Reactor) Stop() {
	close(r.quit)
	<-r.done
	r.pool.Stop()
}

// AddPeer greets a newly connected peer with our current block range,
// mirroring the teacher's "send our state to peer" convention.
func (r *Reactor) AddPeer(peer Peer) {
	r.mu.Lock()
	r.peers[peer.ID()] = peer
	r.mu.Unlock()

	data, err := EncodeEnvelope(KindStatusResponse, &StatusResponseMessage{
		Base:   r.blockStore.Base(),
		Height: r.blockStore.Height(),
	})
	if err != nil {
		r.logger.Error("blocksync: encoding status response", "err", err)
		return
	}
	peer.Send(Channel, data)
}

// RemovePeer drops peer from both the reactor's roster and the pool's.
func (r *Reactor) RemovePeer(peer Peer) {
	r.mu.Lock()
	delete(r.peers, peer.ID())
	r.mu.Unlock()
	r.pool.RemovePeer(peer.ID())
}

// Receive handles the five message kinds Channel carries.
func (r *Reactor) Receive(peer Peer, data []byte) {
	msg, err := DecodeEnvelope(data)
	if err != nil {
		r.logger.Warn("blocksync: decoding envelope", "err", err)
		return
	}

	switch m := msg.(type) {
	case *StatusRequestMessage:
		resp, err := EncodeEnvelope(KindStatusResponse, &StatusResponseMessage{
			Base:   r.blockStore.Base(),
			Height: r.blockStore.Height(),
		})
		if err != nil {
			r.logger.Error("blocksync: encoding status response", "err", err)
			return
		}
		peer.TrySend(Channel, resp)

	case *StatusResponseMessage:
		r.pool.SetPeerRange(peer.ID(), m.Base, m.Height)

	case *BlockRequestMessage:
		block, err := r.blockStore.LoadBlock(m.Height)
		if err != nil {
			r.logger.Error("blocksync: loading requested block", "height", m.Height, "err", err)
			return
		}
		if block == nil {
			resp, _ := EncodeEnvelope(KindNoBlockResponse, &NoBlockResponseMessage{Height: m.Height})
			peer.TrySend(Channel, resp)
			return
		}
		resp, err := EncodeEnvelope(KindBlockResponse, &BlockResponseMessage{Block: block})
		if err != nil {
			r.logger.Error("blocksync: encoding block response", "height", m.Height, "err", err)
			return
		}
		peer.TrySend(Channel, resp)

	case *BlockResponseMessage:
		if err := r.pool.AddBlock(peer.ID(), m.Block, len(data)); err != nil {
			r.logger.Debug("blocksync: rejecting block", "err", err)
		}

	case *NoBlockResponseMessage:
		r.pool.RedoRequest(m.Height)

	default:
		r.logger.Warn("blocksync: unknown message type")
	}
}

// run is the reactor's single-threaded event loop: it never sleeps in
// the request/error/status arms, only the trySync tick does real work
// synchronously, mirroring the teacher's poolRoutine discipline.
func (r *Reactor) run() {
	defer close(r.done)

	trySync := time.NewTicker(trySyncInterval)
	defer trySync.Stop()
	statusUpdate := time.NewTicker(r.cfg.StatusUpdateInterval)
	defer statusUpdate.Stop()
	switchTicker := time.NewTicker(switchToConsensusInterval)
	defer switchTicker.Stop()

	for {
		select {
		case req := <-r.pool.Requests():
			r.sendBlockRequest(req)
		case pe := <-r.pool.Errors():
			r.handlePeerError(pe)
		case <-statusUpdate.C:
			go r.broadcastStatusRequest()
		case <-switchTicker.C:
			if r.pool.IsCaughtUp() {
				r.pool.Stop()
				r.mu.Lock()
				cb := r.onSwitchToConsensus
				state := r.state
				r.mu.Unlock()
				if cb != nil {
					cb(state)
				}
				return
			}
		case <-trySync.C:
			r.trySync()
		case <-r.quit:
			return
		}
	}
}

func (r *Reactor) sendBlockRequest(req BlockRequest) {
	r.mu.Lock()
	peer, ok := r.peers[req.PeerID]
	r.mu.Unlock()
	if !ok || !peer.IsRunning() {
		r.pool.RedoRequest(req.Height)
		return
	}
	data, err := EncodeEnvelope(KindBlockRequest, &BlockRequestMessage{Height: req.Height})
	if err != nil {
		r.logger.Error("blocksync: encoding block request", "err", err)
		return
	}
	if !peer.TrySend(Channel, data) {
		r.pool.RedoRequest(req.Height)
	}
}

func (r *Reactor) handlePeerError(pe PeerError) {
	r.logger.Info("blocksync: dropping peer", "peer", pe.PeerID, "err", pe.Err)
	r.mu.Lock()
	delete(r.peers, pe.PeerID)
	r.mu.Unlock()
}

func (r *Reactor) broadcastStatusRequest() {
	data, err := EncodeEnvelope(KindStatusRequest, &StatusRequestMessage{})
	if err != nil {
		r.logger.Error("blocksync: encoding status request", "err", err)
		return
	}
	r.mu.Lock()
	peers := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()
	for _, p := range peers {
		p.TrySend(Channel, data)
	}
}

// trySync peeks up to ten height pairs, verifying and applying each
// verified block in turn, matching the teacher's SYNC_LOOP bound so a
// single tick can't run unbounded while still leaving the reactor
// responsive to new requests/errors between ticks.
func (r *Reactor) trySync() {
	for i := 0; i < 10; i++ {
		first, second := r.pool.PeekTwoBlocks()
		if first == nil || second == nil {
			return
		}

		firstParts, err := first.MakePartSet(types.DefaultBlockPartSizeBytes)
		if err != nil {
			r.logger.Error("blocksync: splitting synced block", "height", first.Header.Height, "err", err)
			return
		}
		blockID := types.BlockID{Hash: first.Hash(), PartSetHeader: firstParts.Header()}

		r.mu.Lock()
		state := r.state
		r.mu.Unlock()

		if err := types.VerifyCommit(state.ChainID, state.Validators, blockID, first.Header.Height, second.LastCommit); err != nil {
			r.logger.Info("blocksync: synced block failed commit verification, redoing", "height", first.Header.Height, "err", err)
			r.pool.RedoRequest(first.Header.Height)
			return
		}

		if err := r.pool.PopRequest(); err != nil {
			r.logger.Error("blocksync: popping request", "height", first.Header.Height, "err", err)
			return
		}

		if err := r.blockStore.SaveBlock(first, firstParts, second.LastCommit); err != nil {
			r.logger.Error("blocksync: saving synced block", "height", first.Header.Height, "err", err)
			return
		}

		newState, err := r.blockExec.ApplyBlock(state, blockID, first)
		if err != nil {
			r.logger.Error("blocksync: applying synced block", "height", first.Header.Height, "err", err)
			return
		}
		if err := newState.Validators.IncrementProposerPriority(1); err != nil {
			r.logger.Error("blocksync: incrementing proposer priority", "err", err)
		}
		if err := r.stateStore.Save(newState); err != nil {
			r.logger.Error("blocksync: saving state", "height", first.Header.Height, "err", err)
			return
		}
		if r.evpool != nil {
			r.evpool.Update(first.Header.Height, first.Evidence)
		}

		r.mu.Lock()
		r.state = newState
		r.mu.Unlock()
	}
}
