// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package p2p

import (
	"crypto/ed25519"
	"net"
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/noirhq/noir/config"
)

// Router owns every live Peer, accepts incoming connections, drives
// PeerManager's dial loop, and dispatches each channel's reassembled
// messages to whichever reactor registered for that channel id
// (spec.md §4.12). Channel registration is keyed by id, so opening the
// same channel twice for one id simply replaces the prior handler —
// idempotent by construction rather than by an explicit guard.
type Router struct {
	pm         *PeerManager
	cfg        config.MConnConfig
	maxConnected int
	locPrivKey ed25519.PrivateKey
	logger     log.Logger

	mu       sync.Mutex
	peers    map[ids.NodeID]*Peer
	handlers map[byte]func(peer *Peer, data []byte)

	hooksMu     sync.Mutex
	addHooks    []func(*Peer)
	removeHooks []func(*Peer)

	listener net.Listener
	quit     chan struct{}
	wg       sync.WaitGroup
}

// NewRouter constructs a Router over pm, dialing/accepting with
// locPrivKey as this node's long-term identity.
func NewRouter(pm *PeerManager, peerCfg config.PeerConfig, mconnCfg config.MConnConfig, locPrivKey ed25519.PrivateKey, logger log.Logger) *Router {
	return &Router{
		pm:           pm,
		cfg:          mconnCfg,
		maxConnected: peerCfg.MaxConnected,
		locPrivKey:   locPrivKey,
		logger:       logger,
		peers:        make(map[ids.NodeID]*Peer),
		handlers:     make(map[byte]func(peer *Peer, data []byte)),
		quit:         make(chan struct{}),
	}
}

// RegisterChannel wires chID's reassembled messages to handler. Call
// before Start. The reactor/blocksync Receive methods take their own
// Peer interface types, so the node wraps them in handlers of this
// signature; *Peer implements both packages' Peer interface.
func (r *Router) RegisterChannel(chID byte, handler func(peer *Peer, data []byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[chID] = handler
}

// OnPeerAdded registers a hook invoked once a peer reaches Ready,
// mirroring the teacher's Reactor.AddPeer convention; multiple
// reactors (consensus gossip, block-sync) each add their own hook.
func (r *Router) OnPeerAdded(hook func(*Peer)) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.addHooks = append(r.addHooks, hook)
}

// OnPeerRemoved registers a hook invoked once a peer disconnects.
func (r *Router) OnPeerRemoved(hook func(*Peer)) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.removeHooks = append(r.removeHooks, hook)
}

// Start opens listenAddr for incoming connections and begins the
// outbound dial loop (spec.md §4.12, §5's "accept loop" and per-peer
// tasks).
func (r *Router) Start(listenAddr string) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	r.listener = ln

	r.wg.Add(2)
	go r.acceptLoop()
	go r.dialLoop()
	return nil
}

// Stop closes the listener and every connected peer, in the order
// spec.md §5 prescribes: accept loop first, then peer tasks, then
// router queues (the per-channel queues live inside each Peer's
// MConnection and are torn down by Peer.Stop).
func (r *Router) Stop() {
	close(r.quit)
	if r.listener != nil {
		_ = r.listener.Close()
	}
	r.mu.Lock()
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()
	for _, p := range peers {
		p.Stop()
	}
	r.wg.Wait()
}

func (r *Router) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.quit:
				return
			default:
				r.logger.Error("p2p: accept failed", "err", err)
				continue
			}
		}
		go r.handleAccepted(conn)
	}
}

func (r *Router) handleAccepted(conn net.Conn) {
	if r.atCapacity() {
		if evictID, ok := r.pm.EvictNext(); ok {
			r.disconnect(evictID)
		} else {
			_ = conn.Close()
			return
		}
	}
	peer, err := AcceptPeer(conn, r.locPrivKey, r.cfg, r.logger, r.dispatch, r.onPeerError)
	if err != nil {
		r.logger.Debug("p2p: incoming handshake failed", "err", err)
		return
	}
	r.register(peer)
}

func (r *Router) dialLoop() {
	defer r.wg.Done()
	for {
		id, addr, ok := r.pm.DialNext(r.quit)
		if !ok {
			return
		}
		go r.dialOne(id, addr)
	}
}

func (r *Router) dialOne(id ids.NodeID, addr string) {
	peer, err := DialPeer(addr, 3*time.Second, r.locPrivKey, nil, r.cfg, r.logger, r.dispatch, r.onPeerError)
	if err != nil {
		r.logger.Debug("p2p: dial failed", "addr", addr, "err", err)
		r.pm.DialFailed(id)
		return
	}
	r.pm.Dialed(id)
	r.register(peer)
}

func (r *Router) atCapacity() bool {
	if r.maxConnected <= 0 {
		return false
	}
	return len(r.pm.Connected()) >= r.maxConnected
}

func (r *Router) register(peer *Peer) {
	r.mu.Lock()
	r.peers[peer.ID()] = peer
	r.mu.Unlock()

	r.pm.Ready(peer.ID(), peer.IsOutbound())

	r.hooksMu.Lock()
	hooks := append([]func(*Peer){}, r.addHooks...)
	r.hooksMu.Unlock()
	for _, hook := range hooks {
		hook(peer)
	}
}

func (r *Router) disconnect(id ids.NodeID) {
	r.mu.Lock()
	peer, ok := r.peers[id]
	delete(r.peers, id)
	r.mu.Unlock()
	if !ok {
		return
	}
	peer.Stop()
	r.removePeer(peer)
}

func (r *Router) removePeer(peer *Peer) {
	r.pm.Disconnected(peer.ID())

	r.hooksMu.Lock()
	hooks := append([]func(*Peer){}, r.removeHooks...)
	r.hooksMu.Unlock()
	for _, hook := range hooks {
		hook(peer)
	}
}

func (r *Router) onPeerError(peer *Peer, err error) {
	r.logger.Info("p2p: peer connection failed", "peer", peer.ID(), "err", err)
	r.mu.Lock()
	delete(r.peers, peer.ID())
	r.mu.Unlock()
	r.removePeer(peer)
}

func (r *Router) dispatch(peer *Peer, chID byte, data []byte) {
	r.mu.Lock()
	handler, ok := r.handlers[chID]
	r.mu.Unlock()
	if !ok {
		r.logger.Warn("p2p: no handler registered for channel", "channel", chID)
		return
	}
	handler(peer, data)
}

// Peers returns a snapshot of every currently registered peer, used by
// the node package to replay AddPeer against a reactor that starts
// after peers have already connected (the block-sync-to-consensus
// handoff of spec.md §4.7).
func (r *Router) Peers() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Broadcast sends data on chID to every ready peer, used by components
// that gossip to the whole mesh rather than to one peer at a time.
func (r *Router) Broadcast(chID byte, data []byte) {
	r.mu.Lock()
	peers := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.mu.Unlock()
	for _, p := range peers {
		p.TrySend(chID, data)
	}
}
