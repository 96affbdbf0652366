// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package p2p

import (
	"sort"
	"sync"
	"time"

	"github.com/luxfi/ids"

	"github.com/noirhq/noir/config"
)

// PeerStatus is one peer's place in PeerManager's state machine
// (spec.md §4.12).
type PeerStatus int

const (
	StatusUnknown PeerStatus = iota
	StatusDialing
	StatusConnected
	StatusReady
	StatusEvicting
)

func (s PeerStatus) String() string {
	switch s {
	case StatusDialing:
		return "dialing"
	case StatusConnected:
		return "connected"
	case StatusReady:
		return "ready"
	case StatusEvicting:
		return "evicting"
	default:
		return "unknown"
	}
}

// peerInfo is everything PeerManager tracks about one known node,
// whether or not it's currently connected (spec.md §4.12).
type peerInfo struct {
	id         ids.NodeID
	address    string
	persistent bool

	status   PeerStatus
	outbound bool
	benched  bool

	score         int64
	connectedAt   time.Time
	lastDialAt    time.Time
	failedDials   int
	cooldownUntil time.Time
}

// PeerUpdate is published to subscribers whenever a peer's status
// changes (spec.md §4.12).
type PeerUpdate struct {
	ID     ids.NodeID
	Status PeerStatus
}

// PeerManager owns the directory of known peers and decides who to
// dial next and who to evict when the connected set is full. It knows
// nothing about bytes on the wire; Router and Peer handle that (spec.md
// §4.12).
type PeerManager struct {
	cfg config.PeerConfig

	mu    sync.Mutex
	peers map[ids.NodeID]*peerInfo

	dialReady chan struct{}

	subsMu sync.Mutex
	subs   []chan PeerUpdate
}

// NewPeerManager constructs an empty PeerManager seeded with
// persistentPeers (address strings dialed first and redialed with the
// shorter persistent backoff ceiling).
func NewPeerManager(cfg config.PeerConfig, persistentPeers []string) *PeerManager {
	pm := &PeerManager{
		cfg:       cfg,
		peers:     make(map[ids.NodeID]*peerInfo),
		dialReady: make(chan struct{}, 1),
	}
	for _, addr := range persistentPeers {
		id := syntheticIDForAddress(addr)
		pm.peers[id] = &peerInfo{id: id, address: addr, persistent: true}
	}
	pm.wake()
	return pm
}

// syntheticIDForAddress stands in for a real peer-id-at-address
// directory entry until the id is confirmed by a successful handshake;
// AddOrUpdateAddress below re-keys the entry once the real id is known.
func syntheticIDForAddress(addr string) ids.NodeID {
	var id ids.NodeID
	copy(id[:], addr)
	return id
}

// AddOrUpdateAddress records a known address for a peer id learned via
// PEX or configuration, without dialing it yet.
func (pm *PeerManager) AddOrUpdateAddress(id ids.NodeID, address string, persistent bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pi, ok := pm.peers[id]
	if !ok {
		pi = &peerInfo{id: id}
		pm.peers[id] = pi
	}
	pi.address = address
	pi.persistent = pi.persistent || persistent
	pm.wake()
}

// DialNext blocks until a peer is eligible to dial (past its backoff
// and not already connected/dialing), or done is closed, and returns
// its id and address. The caller MUST call Dialed or DialFailed with
// the returned id once the attempt concludes (spec.md §4.12).
func (pm *PeerManager) DialNext(done <-chan struct{}) (ids.NodeID, string, bool) {
	for {
		if id, addr, ok := pm.tryPickDial(); ok {
			return id, addr, true
		}
		select {
		case <-pm.dialReady:
		case <-time.After(200 * time.Millisecond):
		case <-done:
			return ids.NodeID{}, "", false
		}
	}
}

func (pm *PeerManager) tryPickDial() (ids.NodeID, string, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	now := time.Now()
	outgoing := 0
	for _, pi := range pm.peers {
		if pi.status == StatusDialing || (pi.status == StatusConnected && pi.outbound) || pi.status == StatusReady && pi.outbound {
			outgoing++
		}
	}
	if pm.cfg.MaxOutgoingConnections > 0 && outgoing >= pm.cfg.MaxOutgoingConnections {
		return ids.NodeID{}, "", false
	}

	var candidates []*peerInfo
	for _, pi := range pm.peers {
		if pi.address == "" || pi.status != StatusUnknown {
			continue
		}
		if now.Before(pi.cooldownUntil) {
			continue
		}
		candidates = append(candidates, pi)
	}
	if len(candidates) == 0 {
		return ids.NodeID{}, "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].persistent != candidates[j].persistent {
			return candidates[i].persistent
		}
		return candidates[i].lastDialAt.Before(candidates[j].lastDialAt)
	})
	pi := candidates[0]
	pi.status = StatusDialing
	pi.lastDialAt = now
	return pi.id, pi.address, true
}

// Dialed reports that a dial begun by DialNext succeeded; the caller
// now owns delivering status updates for id via Ready/Disconnected.
func (pm *PeerManager) Dialed(id ids.NodeID) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pi, ok := pm.peers[id]
	if !ok {
		return
	}
	pi.status = StatusConnected
	pi.outbound = true
	pi.connectedAt = time.Now()
	pi.failedDials = 0
}

// DialFailed reports that a dial begun by DialNext failed, scheduling
// the next retry per spec.md §4.12's geometric backoff, capped by
// max_retry_time (or the shorter max_retry_time_persistent for
// persistent peers).
func (pm *PeerManager) DialFailed(id ids.NodeID) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pi, ok := pm.peers[id]
	if !ok {
		return
	}
	pi.status = StatusUnknown
	pi.failedDials++

	ceiling := pm.cfg.MaxRetryTime
	if pi.persistent {
		ceiling = pm.cfg.MaxRetryTimePersistent
	}
	backoff := pm.cfg.MinRetryTime << min(pi.failedDials, 30)
	if backoff <= 0 || backoff > ceiling {
		backoff = ceiling
	}
	pi.cooldownUntil = time.Now().Add(backoff + pm.cfg.RetryTimeJitter)
	pm.wake()
}

// Ready promotes a connected peer to Ready (handshake-complete,
// channels opened) and publishes a PeerUpdate.
func (pm *PeerManager) Ready(id ids.NodeID, outbound bool) {
	pm.mu.Lock()
	pi, ok := pm.peers[id]
	if !ok {
		pi = &peerInfo{id: id}
		pm.peers[id] = pi
	}
	pi.status = StatusReady
	pi.outbound = outbound
	if pi.connectedAt.IsZero() {
		pi.connectedAt = time.Now()
	}
	pm.mu.Unlock()
	pm.publish(PeerUpdate{ID: id, Status: StatusReady})
}

// Disconnected returns id to Unknown (dialable again after its
// cooldown) and schedules its reconnect cooldown window, then publishes
// a PeerUpdate (spec.md §4.12).
func (pm *PeerManager) Disconnected(id ids.NodeID) {
	pm.mu.Lock()
	pi, ok := pm.peers[id]
	if ok {
		pi.status = StatusUnknown
		pi.cooldownUntil = time.Now().Add(pm.cfg.ReconnectCooldown)
	}
	pm.mu.Unlock()
	pm.publish(PeerUpdate{ID: id, Status: StatusUnknown})
	pm.wake()
}

// AdjustScore adds delta to id's mutable score, used by the reactors to
// reward or penalize observed behavior (spec.md §4.12).
func (pm *PeerManager) AdjustScore(id ids.NodeID, delta int64) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pi, ok := pm.peers[id]; ok {
		pi.score += delta
	}
}

// Bench marks id for priority eviction the next time room is needed,
// without disconnecting it immediately (spec.md §4.12).
func (pm *PeerManager) Bench(id ids.NodeID) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pi, ok := pm.peers[id]; ok {
		pi.benched = true
	}
}

// EvictNext returns the connected peer PeerManager recommends dropping
// to make room, ordered by (benched, score ascending, connected-since
// ascending): a benched peer always goes first, then the lowest-score
// peer, then (to keep the choice deterministic among equal scores) the
// peer that has been connected longest, per this module's committed
// answer to spec.md §9's eviction-comparator Open Question.
func (pm *PeerManager) EvictNext() (ids.NodeID, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var candidates []*peerInfo
	for _, pi := range pm.peers {
		if pi.status == StatusReady || pi.status == StatusConnected {
			candidates = append(candidates, pi)
		}
	}
	if len(candidates) == 0 {
		return ids.NodeID{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.benched != b.benched {
			return a.benched
		}
		if a.score != b.score {
			return a.score < b.score
		}
		return a.connectedAt.Before(b.connectedAt)
	})
	return candidates[0].id, true
}

// Status returns id's current status, for diagnostics/RPC.
func (pm *PeerManager) Status(id ids.NodeID) (PeerStatus, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pi, ok := pm.peers[id]
	if !ok {
		return StatusUnknown, false
	}
	return pi.status, true
}

// Connected returns the ids of every peer currently Connected or Ready.
func (pm *PeerManager) Connected() []ids.NodeID {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	var out []ids.NodeID
	for id, pi := range pm.peers {
		if pi.status == StatusReady || pi.status == StatusConnected {
			out = append(out, id)
		}
	}
	return out
}

// Subscribe returns a channel of PeerUpdates; the caller must keep
// reading it or later publishes will drop for that subscriber.
func (pm *PeerManager) Subscribe() <-chan PeerUpdate {
	ch := make(chan PeerUpdate, 32)
	pm.subsMu.Lock()
	pm.subs = append(pm.subs, ch)
	pm.subsMu.Unlock()
	return ch
}

func (pm *PeerManager) publish(u PeerUpdate) {
	pm.subsMu.Lock()
	defer pm.subsMu.Unlock()
	for _, ch := range pm.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

func (pm *PeerManager) wake() {
	select {
	case pm.dialReady <- struct{}{}:
	default:
	}
}

