// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package reactor

import (
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/noirhq/noir/bits"
	"github.com/noirhq/noir/consensus"
	"github.com/noirhq/noir/evidence"
	"github.com/noirhq/noir/store"
	"github.com/noirhq/noir/types"
	"github.com/noirhq/noir/votes"
)

// Sleep durations for the cooperative per-peer loops (spec.md §4.6:
// "All four use backoff sleeps rather than blocking reads").
const (
	gossipSleep      = 100 * time.Millisecond
	queryMaj23Sleep  = 2 * time.Second
	broadcastPoll    = 50 * time.Millisecond
	evidenceGossip   = 10 * time.Second
	evidenceMaxBytes = 1 << 20
)

// Reactor runs three of spec.md §4.6's per-peer tasks as loops (data,
// votes, maj23 queries) and the fourth, peer-state updates, through
// Receive; it adds a per-peer loop gossiping pending evidence (spec.md
// §4.8) and the self-broadcast of our own round-step changes that lets
// peers' loops react to us in turn.
type Reactor struct {
	cs         *consensus.State
	evpool     *evidence.Pool
	blockStore *store.BlockStore
	logger     log.Logger

	mu    sync.Mutex
	peers map[ids.NodeID]*PeerState

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewReactor constructs a Reactor over an already-started consensus
// state machine.
func NewReactor(cs *consensus.State, evpool *evidence.Pool, blockStore *store.BlockStore, logger log.Logger) *Reactor {
	return &Reactor{
		cs:         cs,
		evpool:     evpool,
		blockStore: blockStore,
		logger:     logger,
		peers:      make(map[ids.NodeID]*PeerState),
		quit:       make(chan struct{}),
	}
}

// Start launches the reactor's own broadcast loop (the per-peer gossip
// and evidence-gossip loops start individually from AddPeer).
func (r *Reactor) Start() {
	r.wg.Add(1)
	go r.broadcastRoutine()
}

// Stop signals every loop, peer or otherwise, to exit and waits for
// them to drain.
func (r *Reactor) Stop() {
	close(r.quit)
	r.wg.Wait()
}

// AddPeer registers peer and starts its three gossip loops plus its
// evidence-gossip loop.
func (r *Reactor) AddPeer(peer Peer) {
	ps := NewPeerState(peer)

	r.mu.Lock()
	r.peers[peer.ID()] = ps
	r.mu.Unlock()

	r.wg.Add(4)
	go r.gossipDataRoutine(peer, ps)
	go r.gossipVotesRoutine(peer, ps)
	go r.queryMaj23Routine(peer, ps)
	go r.gossipEvidenceRoutine(peer, ps)
}

// RemovePeer forgets peer; its loops exit on their next IsRunning
// check.
func (r *Reactor) RemovePeer(peer Peer) {
	r.mu.Lock()
	delete(r.peers, peer.ID())
	r.mu.Unlock()
}

func (r *Reactor) peerState(id ids.NodeID) (*PeerState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, ok := r.peers[id]
	return ps, ok
}

// Receive dispatches one decoded inbound message from peer on
// channel chID (spec.md §4.6's peer_state_update plus the consensus
// entrypoints for proposal/block-part/vote traffic).
func (r *Reactor) Receive(chID byte, peer Peer, data []byte) {
	msg, err := DecodeEnvelope(data)
	if err != nil {
		r.logger.Error("reactor: decoding message", "peer", peer.ID(), "err", err)
		return
	}
	ps, ok := r.peerState(peer.ID())
	if !ok {
		return
	}

	switch m := msg.(type) {
	case *NewRoundStepMessage:
		ps.ApplyNewRoundStepMessage(m)
	case *NewValidBlockMessage:
		ps.ApplyNewValidBlockMessage(m)
	case *ProposalMessage:
		ps.SetHasProposal(m.Proposal)
		r.cs.SetProposal(m.Proposal, peer.ID())
	case *ProposalPOLMessage:
		ps.ApplyProposalPOLMessage(m)
	case *BlockPartMessage:
		ps.SetHasProposalBlockPart(m.Height, m.Round, partIndex(m.Part))
		r.cs.AddProposalBlockPart(m.Height, m.Round, m.Part, peer.ID())
	case *VoteMessage:
		ps.SetHasVote(m.Vote)
		r.cs.AddVote(m.Vote, peer.ID())
	case *HasVoteMessage:
		ps.ApplyHasVoteMessage(m)
	case *VoteSetMaj23Message:
		r.handleVoteSetMaj23(peer, m)
	case *VoteSetBitsMessage:
		r.handleVoteSetBits(ps, m)
	case *EvidenceListMessage:
		for _, ev := range m.Evidence {
			if err := r.evpool.AddEvidence(ev, r.cs.GetRoundState().Height); err != nil {
				r.logger.Debug("reactor: rejecting gossiped evidence", "err", err)
			}
		}
	}
}

func partIndex(part *types.Part) int {
	if part == nil {
		return 0
	}
	return part.Index
}

// handleVoteSetMaj23 answers a peer's maj23 probe with our bitmap of
// who we've heard from for that (height, round, type), so the peer can
// detect whether a validator double-voted across the two claims
// (spec.md §4.6, §4.8).
func (r *Reactor) handleVoteSetMaj23(peer Peer, m *VoteSetMaj23Message) {
	rs := r.cs.GetRoundState()
	if rs == nil || rs.Height != m.Height || rs.Votes == nil {
		return
	}

	var vs *votes.VoteSet
	switch m.Type {
	case types.PrevoteType:
		vs = rs.Votes.Prevotes(m.Round)
	case types.PrecommitType:
		vs = rs.Votes.Precommits(m.Round)
	}
	if vs == nil {
		return
	}

	reply := &VoteSetBitsMessage{
		Height:  m.Height,
		Round:   m.Round,
		Type:    m.Type,
		BlockID: m.BlockID,
		Votes:   vs.BitArray(),
	}
	data, err := EncodeEnvelope(KindVoteSetBits, reply)
	if err != nil {
		return
	}
	peer.TrySend(VoteSetBitsChannel, data)
}

// handleVoteSetBits merges a peer's reply bitmap into our mirror.
func (r *Reactor) handleVoteSetBits(ps *PeerState, m *VoteSetBitsMessage) {
	ps.ApplyVoteSetBitsMessage(m, nil)
}

// gossipDataRoutine sends the peer whichever block part, proposal, or
// catch-up data it's missing, one item per iteration (spec.md §4.6).
func (r *Reactor) gossipDataRoutine(peer Peer, ps *PeerState) {
	defer r.wg.Done()

	for {
		if !peer.IsRunning() {
			return
		}
		select {
		case <-r.quit:
			return
		default:
		}

		rs := r.cs.GetRoundState()
		prs := ps.GetRoundState()
		if rs == nil {
			time.Sleep(gossipSleep)
			continue
		}

		// Send a missing proposal-block part, if the peer's header
		// matches what we're currently holding parts for.
		if rs.ProposalBlockParts != nil && rs.ProposalBlockParts.Header() == prs.ProposalBlockPartsHeader {
			if prs.ProposalBlockParts != nil {
				if index, ok := rs.ProposalBlockParts.BitArray().Sub(prs.ProposalBlockParts).PickRandom(); ok {
					part := rs.ProposalBlockParts.GetPart(index)
					data, err := EncodeEnvelope(KindBlockPart, &BlockPartMessage{Height: rs.Height, Round: rs.Round, Part: part})
					if err == nil && peer.Send(DataChannel, data) {
						ps.SetHasProposalBlockPart(rs.Height, rs.Round, index)
					}
					continue
				}
			}
		}

		// Help a peer on a previous height catch up on block parts.
		if prs.Height > 0 && prs.Height < rs.Height {
			meta, err := r.blockStore.LoadBlockMeta(prs.Height)
			if err != nil || meta == nil {
				time.Sleep(gossipSleep)
				continue
			}
			if prs.ProposalBlockParts == nil || meta.BlockID.PartSetHeader != prs.ProposalBlockPartsHeader {
				time.Sleep(gossipSleep)
				continue
			}
			if index, ok := prs.ProposalBlockParts.Not().PickRandom(); ok {
				part, err := r.blockStore.LoadPart(prs.Height, index)
				if err != nil || part == nil {
					time.Sleep(gossipSleep)
					continue
				}
				data, err := EncodeEnvelope(KindBlockPart, &BlockPartMessage{Height: prs.Height, Round: prs.Round, Part: part})
				if err == nil && peer.Send(DataChannel, data) {
					ps.SetHasProposalBlockPart(prs.Height, prs.Round, index)
				}
				continue
			}
			time.Sleep(gossipSleep)
			continue
		}

		if rs.Height != prs.Height || rs.Round != prs.Round {
			time.Sleep(gossipSleep)
			continue
		}

		// Send the proposal itself, then its POL bitmap.
		if rs.Proposal != nil && !prs.Proposal {
			data, err := EncodeEnvelope(KindProposal, &ProposalMessage{Proposal: rs.Proposal})
			if err == nil && peer.Send(DataChannel, data) {
				ps.SetHasProposal(rs.Proposal)
			}
			if rs.Proposal.POLRound >= 0 {
				if polVotes := rs.Votes.Prevotes(rs.Proposal.POLRound); polVotes != nil {
					polData, err := EncodeEnvelope(KindProposalPOL, &ProposalPOLMessage{
						Height:           rs.Height,
						ProposalPOLRound: rs.Proposal.POLRound,
						ProposalPOL:      polVotes.BitArray(),
					})
					if err == nil {
						peer.Send(DataChannel, polData)
					}
				}
			}
			continue
		}

		time.Sleep(gossipSleep)
	}
}

// gossipVotesRoutine sends the peer one vote it's missing per
// iteration, preferring last-commit votes, then prevotes, then
// precommits, then catch-up commits (spec.md §4.6).
func (r *Reactor) gossipVotesRoutine(peer Peer, ps *PeerState) {
	defer r.wg.Done()

	for {
		if !peer.IsRunning() {
			return
		}
		select {
		case <-r.quit:
			return
		default:
		}

		rs := r.cs.GetRoundState()
		prs := ps.GetRoundState()
		if rs == nil || rs.Votes == nil {
			time.Sleep(gossipSleep)
			continue
		}

		if rs.Height == prs.Height {
			if prs.Step == consensus.StepNewHeight && rs.LastCommit != nil {
				if r.pickSendCommit(ps, peer, rs.LastCommit) {
					continue
				}
			}
			if prs.Round >= 0 && prs.Round <= rs.Round {
				if ps.PickVoteAndSend(peer, rs.Votes.Prevotes(prs.Round), VoteChannel) {
					continue
				}
				if ps.PickVoteAndSend(peer, rs.Votes.Precommits(prs.Round), VoteChannel) {
					continue
				}
			}
			if prs.ProposalPOLRound >= 0 {
				if ps.PickVoteAndSend(peer, rs.Votes.Prevotes(prs.ProposalPOLRound), VoteChannel) {
					continue
				}
			}
		}

		if prs.Height > 0 && rs.Height == prs.Height+1 && rs.LastCommit != nil {
			if r.pickSendCommit(ps, peer, rs.LastCommit) {
				continue
			}
		}

		if prs.Height > 0 && rs.Height >= prs.Height+2 {
			if commit, err := r.blockStore.LoadBlockCommit(prs.Height); err == nil && commit != nil {
				if r.pickSendCommit(ps, peer, commit) {
					continue
				}
			}
		}

		time.Sleep(gossipSleep)
	}
}

// pickSendCommit sends one precommit signature from commit the peer is
// missing, reconstructed as a Vote so it flows through the same
// VoteMessage path as a live precommit.
func (r *Reactor) pickSendCommit(ps *PeerState, peer Peer, commit *types.Commit) bool {
	numValidators := len(commit.Signatures)
	ours := bits.New(numValidators)
	for i, sig := range commit.Signatures {
		if sig.ForBlock() {
			ours.Set(i, true)
		}
	}

	theirs := ps.CommitBitArray(commit.Height, commit.Round, numValidators)
	if theirs == nil {
		return false
	}
	index, ok := ours.Sub(theirs).PickRandom()
	if !ok {
		return false
	}
	sig := commit.Signatures[index]
	vote := commit.GetVote(int32(index), sig.ValidatorAddress)
	if vote == nil {
		return false
	}
	data, err := EncodeEnvelope(KindVote, &VoteMessage{Vote: vote})
	if err != nil {
		return false
	}
	if peer.Send(VoteChannel, data) {
		ps.SetHasVote(vote)
		return true
	}
	return false
}

// queryMaj23Routine periodically asks the peer to confirm or refute
// our own maj23 claims, surfacing silent Byzantine divergence (spec.md
// §4.6).
func (r *Reactor) queryMaj23Routine(peer Peer, ps *PeerState) {
	defer r.wg.Done()

	ticker := time.NewTicker(queryMaj23Sleep)
	defer ticker.Stop()

	for {
		select {
		case <-r.quit:
			return
		case <-ticker.C:
		}
		if !peer.IsRunning() {
			return
		}

		rs := r.cs.GetRoundState()
		prs := ps.GetRoundState()
		if rs == nil || rs.Height != prs.Height || rs.Votes == nil {
			continue
		}

		if prs.Round >= 0 {
			if vs := rs.Votes.Prevotes(prs.Round); vs != nil {
				if maj23, ok := vs.Maj23(); ok {
					r.sendMaj23(peer, prs.Height, prs.Round, types.PrevoteType, maj23)
				}
			}
			if vs := rs.Votes.Precommits(prs.Round); vs != nil {
				if maj23, ok := vs.Maj23(); ok {
					r.sendMaj23(peer, prs.Height, prs.Round, types.PrecommitType, maj23)
				}
			}
		}
		if prs.ProposalPOLRound >= 0 {
			if vs := rs.Votes.Prevotes(prs.ProposalPOLRound); vs != nil {
				if maj23, ok := vs.Maj23(); ok {
					r.sendMaj23(peer, prs.Height, prs.ProposalPOLRound, types.PrevoteType, maj23)
				}
			}
		}
		if prs.CatchupCommitRound >= 0 && prs.Height > 0 && prs.Height <= r.blockStore.Height() {
			if commit, err := r.blockStore.LoadBlockCommit(prs.Height); err == nil && commit != nil {
				r.sendMaj23(peer, prs.Height, commit.Round, types.PrecommitType, commit.BlockID)
			}
		}
	}
}

func (r *Reactor) sendMaj23(peer Peer, height int64, round int32, voteType types.SignedMsgType, blockID types.BlockID) {
	data, err := EncodeEnvelope(KindVoteSetMaj23, &VoteSetMaj23Message{Height: height, Round: round, Type: voteType, BlockID: blockID})
	if err != nil {
		return
	}
	peer.TrySend(StateChannel, data)
}

func (r *Reactor) broadcastRoutine() {
	defer r.wg.Done()

	var lastHeight int64 = -1
	var lastRound int32 = -1
	var lastStep consensus.RoundStepType

	ticker := time.NewTicker(broadcastPoll)
	defer ticker.Stop()

	for {
		select {
		case <-r.quit:
			return
		case <-ticker.C:
		}

		rs := r.cs.GetRoundState()
		if rs == nil {
			continue
		}
		if rs.Height == lastHeight && rs.Round == lastRound && rs.Step == lastStep {
			continue
		}
		lastHeight, lastRound, lastStep = rs.Height, rs.Round, rs.Step

		lastCommitRound := int32(-1)
		if rs.LastCommit != nil {
			lastCommitRound = rs.LastCommit.Round
		}
		msg := &NewRoundStepMessage{
			Height:                rs.Height,
			Round:                 rs.Round,
			Step:                  rs.Step,
			SecondsSinceStartTime: int64(time.Since(rs.StartTime).Seconds()),
			LastCommitRound:       lastCommitRound,
		}
		data, err := EncodeEnvelope(KindNewRoundStep, msg)
		if err != nil {
			continue
		}
		for _, peer := range r.snapshotPeers() {
			peer.TrySend(StateChannel, data)
		}
	}
}

func (r *Reactor) snapshotPeers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.peers))
	for id, ps := range r.peers {
		_ = id
		out = append(out, ps.peer)
	}
	return out
}

func (r *Reactor) gossipEvidenceRoutine(peer Peer, ps *PeerState) {
	defer r.wg.Done()

	ticker := time.NewTicker(evidenceGossip)
	defer ticker.Stop()

	for {
		select {
		case <-r.quit:
			return
		case <-ticker.C:
		}
		if !peer.IsRunning() {
			return
		}
		pending := r.evpool.PendingEvidence(evidenceMaxBytes)
		if len(pending) == 0 {
			continue
		}
		data, err := EncodeEnvelope(KindEvidenceList, &EvidenceListMessage{Evidence: pending})
		if err != nil {
			continue
		}
		peer.TrySend(EvidenceChannel, data)
	}
}
