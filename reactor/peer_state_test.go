// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package reactor

import (
	"crypto/ed25519"
	"sync"
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/noirhq/noir/bits"
	"github.com/noirhq/noir/consensus"
	"github.com/noirhq/noir/types"
	"github.com/noirhq/noir/votes"
)

func newTestBitArray(n int, set ...int) *bits.BitArray {
	ba := bits.New(n)
	for _, i := range set {
		ba.Set(i, true)
	}
	return ba
}

// fakePeer is a Peer that records every envelope sent to it, standing in
// for the p2p.Peer the node passes to the reactor.
type fakePeer struct {
	mu      sync.Mutex
	id      ids.NodeID
	running bool
	sent    []fakeSend
}

type fakeSend struct {
	chID byte
	data []byte
}

func newFakePeer(id ids.NodeID) *fakePeer {
	return &fakePeer{id: id, running: true}
}

func (p *fakePeer) ID() ids.NodeID { return p.id }

func (p *fakePeer) Send(chID byte, data []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, fakeSend{chID, data})
	return true
}

func (p *fakePeer) TrySend(chID byte, data []byte) bool { return p.Send(chID, data) }

func (p *fakePeer) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *fakePeer) sentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func twoValidatorSet(t *testing.T) (*types.ValidatorSet, []ed25519.PrivateKey) {
	t.Helper()
	pub1, priv1, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pub2, priv2, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	vs, err := types.NewValidatorSet([]*types.Validator{
		types.NewValidator(pub1, 10),
		types.NewValidator(pub2, 10),
	})
	require.NoError(t, err)
	return vs, []ed25519.PrivateKey{priv1, priv2}
}

func signedVote(t *testing.T, chainID string, valSet *types.ValidatorSet, priv ed25519.PrivateKey, idx int32, height int64, round int32, voteType types.SignedMsgType, blockID types.BlockID) *types.Vote {
	t.Helper()
	v := &types.Vote{
		Type:             voteType,
		Height:           height,
		Round:            round,
		BlockID:          blockID,
		ValidatorAddress: valSet.GetByIndex(int(idx)).Address,
		ValidatorIndex:   idx,
	}
	v.Sign(chainID, priv)
	return v
}

func TestCompareHRS(t *testing.T) {
	require.Equal(t, 0, CompareHRS(1, 0, consensus.StepPropose, 1, 0, consensus.StepPropose))
	require.Equal(t, -1, CompareHRS(1, 0, consensus.StepPropose, 2, 0, consensus.StepPropose))
	require.Equal(t, 1, CompareHRS(2, 0, consensus.StepPropose, 1, 5, consensus.StepCommit))
	require.Equal(t, -1, CompareHRS(1, 0, consensus.StepPropose, 1, 1, consensus.StepNewHeight))
	require.Equal(t, -1, CompareHRS(1, 0, consensus.StepNewRound, 1, 0, consensus.StepPropose))
}

func TestPeerState_ApplyNewRoundStepMessage_RejectsStale(t *testing.T) {
	ps := NewPeerState(newFakePeer(ids.NodeID{1}))

	ps.ApplyNewRoundStepMessage(&NewRoundStepMessage{Height: 5, Round: 2, Step: consensus.StepPrevote})
	require.Equal(t, int64(5), ps.GetRoundState().Height)
	require.Equal(t, int32(2), ps.GetRoundState().Round)

	// A stale message (same height/round, earlier step) must not move
	// the mirror backwards.
	ps.ApplyNewRoundStepMessage(&NewRoundStepMessage{Height: 5, Round: 2, Step: consensus.StepNewRound})
	require.Equal(t, consensus.StepPrevote, ps.GetRoundState().Step)

	ps.ApplyNewRoundStepMessage(&NewRoundStepMessage{Height: 5, Round: 3, Step: consensus.StepPropose})
	require.Equal(t, int32(3), ps.GetRoundState().Round)
	require.False(t, ps.GetRoundState().Proposal, "round change must reset the proposal flag")
}

func TestPeerState_ApplyNewRoundStepMessage_ShiftsPrecommitsToLastCommit(t *testing.T) {
	ps := NewPeerState(newFakePeer(ids.NodeID{1}))
	ps.ApplyNewRoundStepMessage(&NewRoundStepMessage{Height: 5, Round: 0, Step: consensus.StepPrecommit})
	ps.ensureVoteBitArraysLockedForTest(5, 4)
	ps.setHasVoteLockedForTest(5, 0, types.PrecommitType, 2)

	ps.ApplyNewRoundStepMessage(&NewRoundStepMessage{Height: 6, Round: 0, Step: consensus.StepNewHeight, LastCommitRound: 0})

	prs := ps.GetRoundState()
	require.Equal(t, int64(6), prs.Height)
	require.Equal(t, int32(0), prs.LastCommitRound)
	require.NotNil(t, prs.LastCommit)
	require.True(t, prs.LastCommit.Get(2), "precommit bit set before the height change must survive the shift into LastCommit")
}

// Exported test seams onto otherwise-unexported locked helpers, kept in
// the test file so production code doesn't grow test-only exports.
func (ps *PeerState) ensureVoteBitArraysLockedForTest(height int64, numValidators int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.ensureVoteBitArraysLocked(height, numValidators)
}

func (ps *PeerState) setHasVoteLockedForTest(height int64, round int32, voteType types.SignedMsgType, index int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.setHasVoteLocked(height, round, voteType, index)
}

func TestPeerState_PickVoteToSend(t *testing.T) {
	valSet, privs := twoValidatorSet(t)
	blockID := types.BlockID{}

	vs := votes.NewVoteSet("test-chain", 10, 0, types.PrevoteType, valSet)
	_, err := vs.AddVote(signedVote(t, "test-chain", valSet, privs[0], 0, 10, 0, types.PrevoteType, blockID))
	require.NoError(t, err)
	_, err = vs.AddVote(signedVote(t, "test-chain", valSet, privs[1], 1, 10, 0, types.PrevoteType, blockID))
	require.NoError(t, err)

	ps := NewPeerState(newFakePeer(ids.NodeID{2}))
	ps.ApplyNewRoundStepMessage(&NewRoundStepMessage{Height: 10, Round: 0, Step: consensus.StepPrevote})

	seen := map[int32]bool{}
	for i := 0; i < 2; i++ {
		vote, ok := ps.PickVoteToSend(vs)
		require.True(t, ok, "both votes should be pickable before the peer is credited with either")
		require.False(t, seen[vote.ValidatorIndex], "must not offer the same vote twice")
		seen[vote.ValidatorIndex] = true
	}

	_, ok := ps.PickVoteToSend(vs)
	require.False(t, ok, "nothing left to offer once the peer holds every vote")
}

func TestPeerState_PickVoteToSend_NilVoteSet(t *testing.T) {
	ps := NewPeerState(newFakePeer(ids.NodeID{3}))
	_, ok := ps.PickVoteToSend(nil)
	require.False(t, ok)
}

func TestPeerState_PickVoteAndSend(t *testing.T) {
	valSet, privs := twoValidatorSet(t)
	blockID := types.BlockID{}

	vs := votes.NewVoteSet("test-chain", 1, 0, types.PrevoteType, valSet)
	_, err := vs.AddVote(signedVote(t, "test-chain", valSet, privs[0], 0, 1, 0, types.PrevoteType, blockID))
	require.NoError(t, err)

	peer := newFakePeer(ids.NodeID{4})
	ps := NewPeerState(peer)
	ps.ApplyNewRoundStepMessage(&NewRoundStepMessage{Height: 1, Round: 0, Step: consensus.StepPrevote})

	require.True(t, ps.PickVoteAndSend(peer, vs, VoteChannel))
	require.Equal(t, 1, peer.sentCount())

	msg, err := DecodeEnvelope(peer.sent[0].data)
	require.NoError(t, err)
	voteMsg, ok := msg.(*VoteMessage)
	require.True(t, ok)
	require.Equal(t, int32(0), voteMsg.Vote.ValidatorIndex)
}

func TestPeerState_ApplyVoteSetBitsMessage(t *testing.T) {
	ps := NewPeerState(newFakePeer(ids.NodeID{5}))
	ps.ApplyNewRoundStepMessage(&NewRoundStepMessage{Height: 1, Round: 0, Step: consensus.StepPrevote})
	ps.ensureVoteBitArraysLockedForTest(1, 4)

	msg := &VoteSetBitsMessage{Height: 1, Round: 0, Type: types.PrevoteType, Votes: newTestBitArray(4, 1, 3)}
	ps.ApplyVoteSetBitsMessage(msg, nil)

	prs := ps.GetRoundState()
	require.True(t, prs.Prevotes.Get(1))
	require.True(t, prs.Prevotes.Get(3))
}
