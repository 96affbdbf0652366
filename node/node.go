// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package node

import (
	"fmt"
	"net/http"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/noirhq/noir/abci"
	"github.com/noirhq/noir/blocksync"
	"github.com/noirhq/noir/config"
	"github.com/noirhq/noir/consensus"
	"github.com/noirhq/noir/evidence"
	"github.com/noirhq/noir/metrics"
	"github.com/noirhq/noir/p2p"
	"github.com/noirhq/noir/reactor"
	noirrpc "github.com/noirhq/noir/rpc"
	"github.com/noirhq/noir/store"
	"github.com/noirhq/noir/types"
	"github.com/noirhq/noir/wal"
)

// Config gathers the handful of knobs Node needs beyond config.Config
// itself: where it keeps its files and how it's reached.
type Config struct {
	Home       string
	ListenAddr string
	RPCAddr    string
	Genesis    types.State
}

// Node is the single owner of every subsystem spec.md §9 names: the
// stores, the WAL, the evidence pool, the ABCI connection, the two
// reactors, the p2p transport, and the RPC surface. Every subsystem
// reaches its neighbors through Node rather than holding a raw pointer
// into another subsystem, which is how the cyclic references the
// teacher's package-level globals used to hide are broken here: a
// reactor only ever sees the consensus.State or blocksync.Reactor Node
// hands it at construction time, never reaches back into Node itself.
type Node struct {
	cfg     config.Config
	nodeCfg Config
	logger  log.Logger

	db         *pebble.DB
	blockStore *store.BlockStore
	stateStore *store.StateStore
	wal        *wal.WAL
	evpool     *evidence.Pool

	priv       *FilePrivValidator
	abciClient *abci.Client
	mempool    *abci.SimpleMempool
	blockExec  *abci.BlockExecutor

	peerManager *p2p.PeerManager
	router      *p2p.Router

	metrics *metrics.Metrics

	rpcServer *http.Server

	mu               sync.Mutex
	consensusState   *consensus.State
	consensusReactor *reactor.Reactor
	blockSyncReactor *blocksync.Reactor
}

// New wires every subsystem together without starting any of them.
// Start begins the accept/dial loops, reactors, and state machine;
// Stop tears them down in spec.md §5's prescribed order.
func New(cfg config.Config, nodeCfg Config, logger log.Logger) (*Node, error) {
	db, err := pebble.Open(filepath.Join(nodeCfg.Home, "data"), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("node: opening database: %w", err)
	}

	blockStore, err := store.NewBlockStore(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("node: opening block store: %w", err)
	}
	stateStore := store.NewStateStore(db)

	w, err := wal.Open(filepath.Join(nodeCfg.Home, "wal"), "cs", cfg.WAL.NumFiles, cfg.WAL.RotateSize, logger.With("module", "wal"))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("node: opening WAL: %w", err)
	}

	priv, err := LoadOrGenFilePrivValidator(filepath.Join(nodeCfg.Home, "priv_validator.json"))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("node: loading validator key: %w", err)
	}

	state, err := stateStore.Load()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("node: loading chain state: %w", err)
	}
	if state.ChainID == "" {
		state = nodeCfg.Genesis
		if err := stateStore.Save(state); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("node: persisting genesis state: %w", err)
		}
	}

	evpool := evidence.NewPool(cfg.ChainID, stateStore.LoadValidatorsInfo, cfg.Evidence, logger.With("module", "evidence"))

	abciClient, err := abci.Dial(cfg.ABCI)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("node: connecting to application: %w", err)
	}
	mempool := abci.NewSimpleMempool()
	blockExec := abci.NewBlockExecutor(abciClient, mempool)

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	peerManager := p2p.NewPeerManager(cfg.Peer, cfg.Peer.PersistentPeers)
	_, privKey := priv.Key()
	router := p2p.NewRouter(peerManager, cfg.Peer, cfg.MConn, privKey, logger.With("module", "p2p"))

	n := &Node{
		cfg:         cfg,
		nodeCfg:     nodeCfg,
		logger:      logger,
		db:          db,
		blockStore:  blockStore,
		stateStore:  stateStore,
		wal:         w,
		evpool:      evpool,
		priv:        priv,
		abciClient:  abciClient,
		mempool:     mempool,
		blockExec:   blockExec,
		peerManager: peerManager,
		router:      router,
		metrics:     m,
	}

	blockSyncReactor := blocksync.NewReactor(state, blockStore, stateStore, blockExec, evpool, cfg.BlockSync, logger.With("module", "blocksync"))
	blockSyncReactor.OnSwitchToConsensus(n.startConsensus)
	n.blockSyncReactor = blockSyncReactor

	n.wireRouter()

	return n, nil
}

// wireRouter registers every channel's handler and the peer-connect/
// disconnect hooks reactors need, once, at construction time (spec.md
// §4.12's router dispatch, §4.6's per-peer gossip loops).
func (n *Node) wireRouter() {
	for _, ch := range []byte{reactor.StateChannel, reactor.DataChannel, reactor.VoteChannel, reactor.VoteSetBitsChannel, reactor.EvidenceChannel} {
		ch := ch
		n.router.RegisterChannel(ch, func(peer *p2p.Peer, data []byte) {
			n.dispatchConsensus(ch, peer, data)
		})
	}
	n.router.RegisterChannel(blocksync.Channel, n.dispatchBlockSync)

	n.router.OnPeerAdded(func(peer *p2p.Peer) {
		n.mu.Lock()
		bsr, cr := n.blockSyncReactor, n.consensusReactor
		n.mu.Unlock()
		if bsr != nil {
			bsr.AddPeer(peer)
		}
		if cr != nil {
			cr.AddPeer(peer)
		}
	})
	n.router.OnPeerRemoved(func(peer *p2p.Peer) {
		n.mu.Lock()
		bsr, cr := n.blockSyncReactor, n.consensusReactor
		n.mu.Unlock()
		if bsr != nil {
			bsr.RemovePeer(peer)
		}
		if cr != nil {
			cr.RemovePeer(peer)
		}
	})
}

func (n *Node) dispatchConsensus(chID byte, peer *p2p.Peer, data []byte) {
	n.mu.Lock()
	cr := n.consensusReactor
	n.mu.Unlock()
	if cr == nil {
		return
	}
	cr.Receive(chID, peer, data)
}

func (n *Node) dispatchBlockSync(peer *p2p.Peer, data []byte) {
	n.mu.Lock()
	bsr := n.blockSyncReactor
	n.mu.Unlock()
	if bsr == nil {
		return
	}
	bsr.Receive(peer, data)
}

// startConsensus is the block-sync-to-consensus handoff of spec.md
// §4.7: once the Pool judges the node caught up, it calls this with the
// final synced state and the node switches its router dispatch from
// the block-sync reactor to a freshly started consensus state machine.
func (n *Node) startConsensus(state types.State) {
	n.mu.Lock()
	if n.consensusReactor != nil {
		n.mu.Unlock()
		return
	}
	cs := consensus.New(n.cfg.ChainID, n.cfg, state, n.priv, n.blockExec, n.blockStore, n.stateStore, n.evpool, n.wal, n.logger.With("module", "consensus"))
	cr := reactor.NewReactor(cs, n.evpool, n.blockStore, n.logger.With("module", "reactor"))
	n.consensusState = cs
	n.consensusReactor = cr
	n.blockSyncReactor = nil
	n.mu.Unlock()

	if err := cs.ReplayWAL(n.wal); err != nil {
		n.logger.Error("node: replaying wal before starting consensus", "err", err)
	}
	cs.Start()
	cr.Start()
	for _, peer := range n.router.Peers() {
		cr.AddPeer(peer)
	}
}

// Start opens the p2p listener, begins dialing, and starts whichever
// reactor owns the round right now: block-sync if the node has ground
// to make up, consensus directly otherwise (spec.md §4.7's "directly
// to consensus if already caught up" case).
func (n *Node) Start() error {
	n.mu.Lock()
	bsr := n.blockSyncReactor
	n.mu.Unlock()
	if bsr != nil {
		bsr.Start()
	}

	if err := n.router.Start(n.nodeCfg.ListenAddr); err != nil {
		return fmt.Errorf("node: starting p2p transport: %w", err)
	}

	if n.nodeCfg.RPCAddr != "" {
		srv, err := noirrpc.ListenAndServe(n.nodeCfg.RPCAddr, n)
		if err != nil {
			return fmt.Errorf("node: starting RPC server: %w", err)
		}
		n.rpcServer = srv
	}
	return nil
}

// Stop tears every subsystem down in the order spec.md §5 prescribes:
// accept loop, then peer tasks and router queues (all inside
// Router.Stop), then reactors, then the state machine, then the WAL's
// final fsync, then the block/state stores.
func (n *Node) Stop() {
	if n.rpcServer != nil {
		_ = n.rpcServer.Close()
	}
	n.router.Stop()

	n.mu.Lock()
	cr, bsr, cs := n.consensusReactor, n.blockSyncReactor, n.consensusState
	n.mu.Unlock()
	if cr != nil {
		cr.Stop()
	}
	if bsr != nil {
		bsr.Stop()
	}
	if cs != nil {
		cs.Stop()
	}

	if err := n.wal.FlushAndSync(); err != nil {
		n.logger.Error("node: final WAL sync failed", "err", err)
	}
	if err := n.wal.Close(); err != nil {
		n.logger.Error("node: closing WAL failed", "err", err)
	}
	if err := n.abciClient.Close(); err != nil {
		n.logger.Error("node: closing ABCI connection failed", "err", err)
	}
	if err := n.db.Close(); err != nil {
		n.logger.Error("node: closing database failed", "err", err)
	}
}

// The methods below satisfy rpc.Backend, letting the rpc package read
// Node's state without node importing rpc's types back.

// NodeID returns this node's long-term peer/validator address.
func (n *Node) NodeID() ids.NodeID { return n.priv.GetAddress() }

// ChainID returns the chain this node is running.
func (n *Node) ChainID() string { return n.cfg.ChainID }

// LatestState returns the most recently persisted chain state.
func (n *Node) LatestState() types.State {
	state, err := n.stateStore.Load()
	if err != nil {
		n.logger.Error("node: loading state for RPC", "err", err)
		return types.State{}
	}
	return state
}

// IsSyncing reports whether the node is still in the block-sync catch-
// up phase rather than driving consensus itself.
func (n *Node) IsSyncing() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.blockSyncReactor != nil
}

// NumPeers reports the number of connected peers.
func (n *Node) NumPeers() int {
	return len(n.peerManager.Connected())
}

// Block loads the block at height, or nil if it isn't stored.
func (n *Node) Block(height int64) (*types.Block, error) {
	return n.blockStore.LoadBlock(height)
}

// Validators loads the validator set in force at height.
func (n *Node) Validators(height int64) (*types.ValidatorSet, error) {
	return n.stateStore.LoadValidatorsInfo(height)
}
