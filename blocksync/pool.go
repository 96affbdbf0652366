// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package blocksync

import (
	"fmt"
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/noirhq/noir/config"
	"github.com/noirhq/noir/types"
)

// rateEMAAlpha weights the most recent receive sample against a peer's
// running average, the supplemented per-peer preference signal this
// port adds on top of the original's plain FIFO peer scan.
const rateEMAAlpha = 0.3

// maxHeightDrift bounds how far out of range an unsolicited block's
// height may be from the pool's current height before it's treated as
// a peer sending garbage rather than a late, already-abandoned response.
const maxHeightDrift = 100

var errPeerTimeout = fmt.Errorf("blocksync: peer timed out")

// BlockRequest is handed to the reactor so it can address the actual
// network send; the pool itself knows nothing about peer transports.
type BlockRequest struct {
	Height int64
	PeerID ids.NodeID
}

// PeerError reports a peer that the pool wants disconnected: it timed
// out, or it sent a block that couldn't be matched to an outstanding
// requester.
type PeerError struct {
	PeerID ids.NodeID
	Err    error
}

// Pool tracks outstanding block requests by height, one bpRequester per
// height, and the peers eligible to serve them. It has no notion of
// p2p wire formats; the Reactor translates Pool's channels into
// messages and vice versa (spec.md §4.7).
type Pool struct {
	mu sync.Mutex

	cfg    config.BlockSyncConfig
	logger log.Logger

	height        int64 // lowest height not yet popped by the caller
	maxPeerHeight int64
	startTime     time.Time

	peers      map[ids.NodeID]*bpPeer
	requesters map[int64]*bpRequester
	numPending int32

	requestsCh chan BlockRequest
	errorsCh   chan PeerError

	running bool
	quit    chan struct{}
	done    chan struct{}
}

// NewPool constructs a Pool that will start requesting from startHeight
// once Start is called.
func NewPool(startHeight int64, cfg config.BlockSyncConfig, logger log.Logger) *Pool {
	return &Pool{
		height:     startHeight,
		cfg:        cfg,
		logger:     logger,
		peers:      make(map[ids.NodeID]*bpPeer),
		requesters: make(map[int64]*bpRequester),
		requestsCh: make(chan BlockRequest, 1000),
		errorsCh:   make(chan PeerError, 1000),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Requests is the channel of outbound block requests the Reactor must
// address to request.PeerID and send over Channel.
func (pl *Pool) Requests() <-chan BlockRequest { return pl.requestsCh }

// Errors is the channel of peers the pool wants the Reactor to
// disconnect, either for timing out or for misbehaving.
func (pl *Pool) Errors() <-chan PeerError { return pl.errorsCh }

// Start begins the requester-creation loop.
func (pl *Pool) Start() {
	pl.mu.Lock()
	pl.running = true
	pl.startTime = time.Now()
	pl.mu.Unlock()
	go pl.makeRequestersRoutine()
}

// Stop halts the requester-creation loop and every outstanding
// requester goroutine, blocking until they've all exited.
func (pl *Pool) Stop() {
	pl.mu.Lock()
	if !pl.running {
		pl.mu.Unlock()
		return
	}
	pl.running = false
	requesters := make([]*bpRequester, 0, len(pl.requesters))
	for _, r := range pl.requesters {
		requesters = append(requesters, r)
	}
	pl.mu.Unlock()

	close(pl.quit)
	<-pl.done
	for _, r := range requesters {
		r.stop()
	}
}

// makeRequestersRoutine mirrors make_requester_routine: at each
// RequestInterval tick, either back off and prune timed-out peers (the
// pool is saturated) or create the next height's requester.
func (pl *Pool) makeRequestersRoutine() {
	defer close(pl.done)
	ticker := time.NewTicker(pl.cfg.RequestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-pl.quit:
			return
		case <-ticker.C:
			pl.mu.Lock()
			saturated := int(pl.numPending) >= pl.cfg.MaxTotalRequesters || len(pl.requesters) >= pl.cfg.MaxTotalRequesters
			pl.mu.Unlock()
			if saturated {
				pl.removeTimedOutPeers()
				continue
			}
			pl.makeNextRequester()
		}
	}
}

func (pl *Pool) makeNextRequester() {
	pl.mu.Lock()
	nextHeight := pl.height + int64(len(pl.requesters))
	if pl.maxPeerHeight != 0 && nextHeight > pl.maxPeerHeight {
		pl.mu.Unlock()
		return
	}
	if _, exists := pl.requesters[nextHeight]; exists {
		pl.mu.Unlock()
		return
	}
	r := newBPRequester(pl, nextHeight)
	pl.requesters[nextHeight] = r
	pl.numPending++
	pl.mu.Unlock()
	go r.requestRoutine()
}

// pickIncrAvailablePeer scans for a peer able to serve height, prefers
// the one with the highest EMA receive rate among eligible peers (the
// supplemented signal block_pool.cpp's plain first-match scan lacks),
// and credits it with one more pending request before returning it.
func (pl *Pool) pickIncrAvailablePeer(height int64) *bpPeer {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	var timedOut []ids.NodeID
	var best *bpPeer
	for id, p := range pl.peers {
		if p.isTimedOut() {
			timedOut = append(timedOut, id)
			continue
		}
		if p.numPending >= pl.cfg.MaxPendingRequestsPerPeer {
			continue
		}
		if p.height < height {
			continue
		}
		if p.base > 0 && height < p.base {
			continue
		}
		if best == nil || p.rate > best.rate {
			best = p
		}
	}
	for _, id := range timedOut {
		delete(pl.peers, id)
	}
	if len(timedOut) > 0 {
		pl.recomputeMaxPeerHeightLocked()
	}
	if best != nil {
		best.numPending++
	}
	return best
}

func (pl *Pool) sendRequest(height int64, peerID ids.NodeID) {
	select {
	case pl.requestsCh <- BlockRequest{Height: height, PeerID: peerID}:
	case <-pl.quit:
	}
}

func (pl *Pool) sendPeerError(peerID ids.NodeID, err error) {
	select {
	case pl.errorsCh <- PeerError{PeerID: peerID, Err: err}:
	default:
	}
}

func (pl *Pool) incrNumPending() {
	pl.mu.Lock()
	pl.numPending++
	pl.mu.Unlock()
}

// removeTimedOutPeers prunes every peer whose request timer has
// fired, redoing any requester still waiting on them.
func (pl *Pool) removeTimedOutPeers() {
	pl.mu.Lock()
	var timedOut []ids.NodeID
	for id, p := range pl.peers {
		if p.isTimedOut() {
			timedOut = append(timedOut, id)
		}
	}
	pl.mu.Unlock()
	for _, id := range timedOut {
		pl.RemovePeer(id)
	}
}

// RemovePeer drops peerID from the pool and redoes any requester that
// had been waiting on it.
func (pl *Pool) RemovePeer(peerID ids.NodeID) {
	pl.mu.Lock()
	delete(pl.peers, peerID)
	pl.recomputeMaxPeerHeightLocked()
	var toRedo []*bpRequester
	for _, r := range pl.requesters {
		if r.getPeerID() == peerID {
			toRedo = append(toRedo, r)
		}
	}
	pl.mu.Unlock()
	for _, r := range toRedo {
		r.redo()
	}
}

func (pl *Pool) recomputeMaxPeerHeightLocked() {
	var max int64
	for _, p := range pl.peers {
		if p.height > max {
			max = p.height
		}
	}
	pl.maxPeerHeight = max
}

// SetPeerRange records (or updates) the [base, height] a peer reports
// holding, creating a bpPeer entry on first contact.
func (pl *Pool) SetPeerRange(peerID ids.NodeID, base, height int64) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	peer, ok := pl.peers[peerID]
	if !ok {
		peer = newBPPeer(pl, peerID)
		pl.peers[peerID] = peer
	}
	peer.base = base
	peer.height = height
	if height > pl.maxPeerHeight {
		pl.maxPeerHeight = height
	}
}

// AddBlock matches block to its requester (by height) and credits the
// sending peer. It returns an error if no requester holds that height
// (also reporting a peer error when the height is more than
// maxHeightDrift from the pool's), or if the requester asked a different
// peer or already holds a block (also reporting a peer error).
func (pl *Pool) AddBlock(peerID ids.NodeID, block *types.Block, blockSize int) error {
	height := block.Header.Height

	pl.mu.Lock()
	r, ok := pl.requesters[height]
	pool := pl.height
	pl.mu.Unlock()

	if !ok {
		diff := pool - height
		if diff < 0 {
			diff = -diff
		}
		if diff > maxHeightDrift {
			pl.sendPeerError(peerID, fmt.Errorf("blocksync: peer sent out-of-range block %d (pool at %d)", height, pool))
		}
		return fmt.Errorf("blocksync: no requester for block %d", height)
	}

	if !r.setBlock(block, peerID) {
		pl.sendPeerError(peerID, fmt.Errorf("blocksync: requester for %d already holds a different block", height))
		return fmt.Errorf("blocksync: requester for %d already has a block", height)
	}

	pl.mu.Lock()
	pl.numPending--
	peer := pl.peers[peerID]
	pl.mu.Unlock()
	if peer != nil {
		pl.creditPeer(peer, blockSize)
	}
	return nil
}

func (pl *Pool) creditPeer(peer *bpPeer, recvSize int) {
	pl.mu.Lock()
	peer.numPending--
	now := time.Now()
	if !peer.lastRate.IsZero() {
		if dt := now.Sub(peer.lastRate).Seconds(); dt > 0 {
			inst := float64(recvSize) / dt
			peer.rate = rateEMAAlpha*inst + (1-rateEMAAlpha)*peer.rate
		}
	}
	peer.lastRate = now
	stillPending := peer.numPending > 0
	pl.mu.Unlock()

	if stillPending {
		peer.resetTimeout()
	} else {
		peer.stopTimeout()
	}
}

// GetStatus reports the pool's current low-water height, the count of
// requests in flight, and the number of requesters it is tracking.
func (pl *Pool) GetStatus() (height int64, numPending int32, numRequesters int) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.height, pl.numPending, len(pl.requesters)
}

// Height returns the lowest height not yet popped.
func (pl *Pool) Height() int64 {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.height
}

// MaxPeerHeight returns the highest height any known peer has reported.
func (pl *Pool) MaxPeerHeight() int64 {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.maxPeerHeight
}

// PeerRate reports peerID's current EMA receive rate in bytes/sec, or
// 0 if the peer is unknown.
func (pl *Pool) PeerRate(peerID ids.NodeID) float64 {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if p, ok := pl.peers[peerID]; ok {
		return p.rate
	}
	return 0
}

// IsCaughtUp reports whether the pool believes it has synced to the
// chain's tip (spec.md §4.7: height >= max peer height - 1). A node
// with no peers is treated as caught up once it has waited out a full
// peer timeout without hearing a single status response, so a
// single-node network never wedges in block-sync.
func (pl *Pool) IsCaughtUp() bool {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.maxPeerHeight == 0 {
		return len(pl.peers) == 0 && time.Since(pl.startTime) > pl.cfg.PeerTimeout
	}
	return pl.height >= pl.maxPeerHeight-1
}

// PeekTwoBlocks returns the blocks held (if any) for the pool's current
// height and the one after it, letting the caller verify the first
// using the second's LastCommit before popping it.
func (pl *Pool) PeekTwoBlocks() (first, second *types.Block) {
	pl.mu.Lock()
	r1 := pl.requesters[pl.height]
	r2 := pl.requesters[pl.height+1]
	pl.mu.Unlock()
	if r1 != nil {
		first = r1.getBlock()
	}
	if r2 != nil {
		second = r2.getBlock()
	}
	return first, second
}

// PopRequest retires the requester at the pool's current height and
// advances it by one, to be called once that height's block has been
// verified and saved.
func (pl *Pool) PopRequest() error {
	pl.mu.Lock()
	r, ok := pl.requesters[pl.height]
	if !ok {
		pl.mu.Unlock()
		return fmt.Errorf("blocksync: no requester at height %d to pop", pl.height)
	}
	delete(pl.requesters, pl.height)
	pl.height++
	pl.mu.Unlock()
	r.stop()
	return nil
}

// RedoRequest asks the requester at height to discard whatever block
// (and peer) it holds and try again, used when that block fails
// verification against its successor's commit.
func (pl *Pool) RedoRequest(height int64) {
	pl.mu.Lock()
	r, ok := pl.requesters[height]
	pl.mu.Unlock()
	if ok {
		r.redo()
	}
}

// bpPeer mirrors one peer's self-reported block range and our
// in-flight request count against it. height/base/numPending/rate are
// only ever touched while the owning Pool's mu is held; mu here guards
// only the timeout timer and didTimeout, so the timer callback (which
// runs without the pool lock) never needs to acquire it.
type bpPeer struct {
	id   ids.NodeID
	pool *Pool

	height     int64
	base       int64
	numPending int
	rate       float64
	lastRate   time.Time

	mu         sync.Mutex
	timer      *time.Timer
	didTimeout bool
}

func newBPPeer(pool *Pool, id ids.NodeID) *bpPeer {
	p := &bpPeer{id: id, pool: pool}
	p.resetTimeout()
	return p
}

func (p *bpPeer) isTimedOut() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.didTimeout
}

func (p *bpPeer) resetTimeout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.pool.cfg.PeerTimeout, p.onTimeout)
}

func (p *bpPeer) stopTimeout() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
}

func (p *bpPeer) onTimeout() {
	p.mu.Lock()
	p.didTimeout = true
	p.mu.Unlock()
	p.pool.sendPeerError(p.id, errPeerTimeout)
}

// bpRequester owns the retry loop for one height: pick an eligible
// peer, ask the pool to send the request, then wait for either the
// block to arrive, a redo (the block turned out bad), or shutdown.
type bpRequester struct {
	pool   *Pool
	height int64

	mu     sync.Mutex
	peerID ids.NodeID
	block  *types.Block

	redoCh   chan struct{}
	gotCh    chan struct{}
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newBPRequester(pool *Pool, height int64) *bpRequester {
	return &bpRequester{
		pool:   pool,
		height: height,
		redoCh: make(chan struct{}, 1),
		gotCh:  make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (r *bpRequester) requestRoutine() {
	defer close(r.done)
	for {
		peer := r.pool.pickIncrAvailablePeer(r.height)
		if peer == nil {
			select {
			case <-time.After(r.pool.cfg.RequestInterval):
				continue
			case <-r.quit:
				return
			}
		}

		r.mu.Lock()
		r.peerID = peer.id
		r.mu.Unlock()
		r.pool.sendRequest(r.height, peer.id)

		select {
		case <-r.gotCh:
			// Block received; stay alive until PopRequest stops us or a
			// failed verification asks for a redo.
			select {
			case <-r.redoCh:
				r.reset()
				continue
			case <-r.quit:
				return
			}
		case <-r.redoCh:
			r.reset()
			continue
		case <-r.quit:
			return
		}
	}
}

func (r *bpRequester) setBlock(block *types.Block, peerID ids.NodeID) bool {
	r.mu.Lock()
	if r.peerID != peerID || r.block != nil {
		r.mu.Unlock()
		return false
	}
	r.block = block
	r.mu.Unlock()
	select {
	case r.gotCh <- struct{}{}:
	default:
	}
	return true
}

func (r *bpRequester) getBlock() *types.Block {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.block
}

func (r *bpRequester) getPeerID() ids.NodeID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peerID
}

func (r *bpRequester) redo() {
	select {
	case r.redoCh <- struct{}{}:
	default:
	}
}

func (r *bpRequester) reset() {
	r.mu.Lock()
	hadBlock := r.block != nil
	r.peerID = ids.NodeID{}
	r.block = nil
	r.mu.Unlock()
	if hadBlock {
		r.pool.incrNumPending()
	}
}

func (r *bpRequester) stop() {
	r.stopOnce.Do(func() { close(r.quit) })
	<-r.done
}
