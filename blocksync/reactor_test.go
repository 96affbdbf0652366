// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package blocksync

import (
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	noirlog "github.com/noirhq/noir/log"
	"github.com/noirhq/noir/store"
	"github.com/noirhq/noir/types"
)

// fakeBlockExecutor mirrors consensus/state_test.go's stand-in: ApplyBlock
// just advances State to the given block, no real ABCI round-trip.
type fakeBlockExecutor struct{}

func (fakeBlockExecutor) ValidateBlock(types.State, *types.Block) error { return nil }

func (fakeBlockExecutor) CreateProposalBlock(state types.State, lastCommit *types.Commit, ev []types.Evidence) (*types.Block, error) {
	return nil, nil
}

func (fakeBlockExecutor) ApplyBlock(state types.State, blockID types.BlockID, block *types.Block) (types.State, error) {
	next := state.Copy()
	next.LastBlockHeight = block.Header.Height
	next.LastBlockID = blockID
	next.LastBlockTime = block.Header.Time
	return next, nil
}

// fakePeer records every send, mirroring reactor/peer_state_test.go's
// in-memory peer stand-ins.
type fakePeer struct {
	id ids.NodeID

	mu   sync.Mutex
	sent [][]byte
}

func (p *fakePeer) ID() ids.NodeID { return p.id }

func (p *fakePeer) Send(chID byte, data []byte) bool {
	p.mu.Lock()
	p.sent = append(p.sent, data)
	p.mu.Unlock()
	return true
}

func (p *fakePeer) TrySend(chID byte, data []byte) bool { return p.Send(chID, data) }

func (p *fakePeer) IsRunning() bool { return true }

func (p *fakePeer) lastSent() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sent) == 0 {
		return nil
	}
	return p.sent[len(p.sent)-1]
}

func openTestReactor(t *testing.T, state types.State) (*Reactor, *store.BlockStore, *store.StateStore) {
	t.Helper()
	db, err := pebble.Open(t.TempDir(), &pebble.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	bs, err := store.NewBlockStore(db)
	require.NoError(t, err)
	ss := store.NewStateStore(db)
	r := NewReactor(state, bs, ss, fakeBlockExecutor{}, nil, testBlockSyncConfig(), noirlog.NewNoOpLogger())
	return r, bs, ss
}

func singleValidatorState(t *testing.T) (types.State, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	vs, err := types.NewValidatorSet([]*types.Validator{types.NewValidator(pub, 10)})
	require.NoError(t, err)
	return types.State{
		ChainID:        "test-chain",
		Validators:     vs,
		NextValidators: vs.Copy(),
	}, priv
}

// buildCommit hand-constructs a commit that VerifyCommit accepts, without
// going through the full VoteSet round machinery (spec.md §4.3).
func buildCommit(chainID string, vs *types.ValidatorSet, privs []ed25519.PrivateKey, height int64, blockID types.BlockID) *types.Commit {
	ts := time.Now()
	sigs := make([]types.CommitSig, vs.Size())
	for i := 0; i < vs.Size(); i++ {
		val := vs.GetByIndex(i)
		vote := &types.Vote{
			Type:             types.PrecommitType,
			Height:           height,
			Round:            0,
			BlockID:          blockID,
			Timestamp:        ts,
			ValidatorAddress: val.Address,
			ValidatorIndex:   int32(i),
		}
		vote.Sign(chainID, privs[i])
		sigs[i] = types.CommitSig{
			BlockIDFlag:      types.BlockIDFlagCommit,
			ValidatorAddress: val.Address,
			Timestamp:        ts,
			Signature:        vote.Signature,
		}
	}
	return &types.Commit{Height: height, Round: 0, BlockID: blockID, Signatures: sigs}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	cases := []struct {
		kind MsgKind
		msg  interface{}
	}{
		{KindStatusRequest, &StatusRequestMessage{}},
		{KindStatusResponse, &StatusResponseMessage{Base: 1, Height: 10}},
		{KindBlockRequest, &BlockRequestMessage{Height: 5}},
		{KindBlockResponse, &BlockResponseMessage{Block: &types.Block{Header: types.Header{Height: 5}}}},
		{KindNoBlockResponse, &NoBlockResponseMessage{Height: 5}},
	}
	for _, tc := range cases {
		data, err := EncodeEnvelope(tc.kind, tc.msg)
		require.NoError(t, err)
		got, err := DecodeEnvelope(data)
		require.NoError(t, err)
		require.Equal(t, tc.msg, got)
	}
}

func TestReactor_AddPeer_SendsStatus(t *testing.T) {
	r, bs, _ := openTestReactor(t, types.State{})
	_ = bs
	peer := &fakePeer{id: ids.NodeID{1}}
	r.AddPeer(peer)

	msg, err := DecodeEnvelope(peer.lastSent())
	require.NoError(t, err)
	status, ok := msg.(*StatusResponseMessage)
	require.True(t, ok)
	require.Equal(t, int64(0), status.Height)
}

func TestReactor_Receive_StatusRequest(t *testing.T) {
	r, _, _ := openTestReactor(t, types.State{})
	peer := &fakePeer{id: ids.NodeID{1}}

	data, err := EncodeEnvelope(KindStatusRequest, &StatusRequestMessage{})
	require.NoError(t, err)
	r.Receive(peer, data)

	msg, err := DecodeEnvelope(peer.lastSent())
	require.NoError(t, err)
	_, ok := msg.(*StatusResponseMessage)
	require.True(t, ok)
}

func TestReactor_Receive_BlockRequest_NoBlock(t *testing.T) {
	r, _, _ := openTestReactor(t, types.State{})
	peer := &fakePeer{id: ids.NodeID{1}}

	data, err := EncodeEnvelope(KindBlockRequest, &BlockRequestMessage{Height: 99})
	require.NoError(t, err)
	r.Receive(peer, data)

	msg, err := DecodeEnvelope(peer.lastSent())
	require.NoError(t, err)
	resp, ok := msg.(*NoBlockResponseMessage)
	require.True(t, ok)
	require.Equal(t, int64(99), resp.Height)
}

func TestReactor_Receive_StatusResponse_UpdatesPool(t *testing.T) {
	r, _, _ := openTestReactor(t, types.State{})
	peer := &fakePeer{id: ids.NodeID{1}}

	data, err := EncodeEnvelope(KindStatusResponse, &StatusResponseMessage{Base: 0, Height: 42})
	require.NoError(t, err)
	r.Receive(peer, data)

	require.Equal(t, int64(42), r.pool.MaxPeerHeight())
}

func TestReactor_Receive_NoBlockResponse_RedoesRequest(t *testing.T) {
	r, _, _ := openTestReactor(t, types.State{})
	peer := &fakePeer{id: ids.NodeID{1}}

	req := newBPRequester(r.pool, 1)
	r.pool.mu.Lock()
	r.pool.requesters[1] = req
	r.pool.mu.Unlock()
	req.block = &types.Block{Header: types.Header{Height: 1}}
	req.peerID = peer.id

	data, err := EncodeEnvelope(KindNoBlockResponse, &NoBlockResponseMessage{Height: 1})
	require.NoError(t, err)
	r.Receive(peer, data)

	select {
	case <-req.redoCh:
	case <-time.After(time.Second):
		t.Fatal("expected a redo signal")
	}
}

func TestReactor_TrySync_VerifiesSavesAndAppliesBlock(t *testing.T) {
	state, priv := singleValidatorState(t)
	r, bs, _ := openTestReactor(t, state)

	block1 := &types.Block{Header: types.Header{ChainID: state.ChainID, Height: 1, Time: time.Now()}}
	block1.FillHeaderHashes()
	parts1, err := block1.MakePartSet(types.DefaultBlockPartSizeBytes)
	require.NoError(t, err)
	blockID1 := types.BlockID{Hash: block1.Hash(), PartSetHeader: parts1.Header()}
	commit1 := buildCommit(state.ChainID, state.Validators, []ed25519.PrivateKey{priv}, 1, blockID1)

	block2 := &types.Block{
		Header:     types.Header{ChainID: state.ChainID, Height: 2, Time: time.Now()},
		LastCommit: commit1,
	}
	block2.FillHeaderHashes()

	r1 := newBPRequester(r.pool, 1)
	r2 := newBPRequester(r.pool, 2)
	r.pool.mu.Lock()
	r.pool.requesters[1] = r1
	r.pool.requesters[2] = r2
	r.pool.mu.Unlock()
	r1.block = block1
	r2.block = block2
	// trySync pops height 1, and PopRequest waits for r1's routine to exit.
	go r1.requestRoutine()

	r.trySync()

	require.Equal(t, int64(1), bs.Height())
	require.Equal(t, int64(1), r.state.LastBlockHeight)
	require.Equal(t, int64(2), r.pool.Height(), "the verified height must be popped, advancing the pool")

	saved, err := bs.LoadBlock(1)
	require.NoError(t, err)
	require.Equal(t, block1.Header.Height, saved.Header.Height)
}

func TestReactor_TrySync_RedoesOnFailedVerification(t *testing.T) {
	state, _ := singleValidatorState(t)
	r, _, _ := openTestReactor(t, state)

	block1 := &types.Block{Header: types.Header{ChainID: state.ChainID, Height: 1, Time: time.Now()}}
	block1.FillHeaderHashes()

	// block2's LastCommit is empty, so it can never satisfy VerifyCommit
	// against block1 for a validator set requiring a two-thirds majority.
	block2 := &types.Block{
		Header:     types.Header{ChainID: state.ChainID, Height: 2, Time: time.Now()},
		LastCommit: &types.Commit{Height: 1, Signatures: []types.CommitSig{types.NewCommitSigAbsent()}},
	}
	block2.FillHeaderHashes()

	r1 := newBPRequester(r.pool, 1)
	r2 := newBPRequester(r.pool, 2)
	r.pool.mu.Lock()
	r.pool.requesters[1] = r1
	r.pool.requesters[2] = r2
	r.pool.mu.Unlock()
	r1.block = block1
	r2.block = block2

	r.trySync()

	require.Equal(t, int64(1), r.pool.Height(), "a block failing verification must not be popped")
}
