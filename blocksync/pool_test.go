// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package blocksync

import (
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/noirhq/noir/config"
	noirlog "github.com/noirhq/noir/log"
	"github.com/noirhq/noir/types"
)

func testBlockSyncConfig() config.BlockSyncConfig {
	return config.BlockSyncConfig{
		MaxTotalRequesters:        10,
		MaxPendingRequestsPerPeer: 5,
		PeerTimeout:               50 * time.Millisecond,
		RequestInterval:           1 * time.Millisecond,
		StatusUpdateInterval:      time.Hour,
	}
}

func TestPool_PickIncrAvailablePeer_PrefersHigherRate(t *testing.T) {
	pl := NewPool(1, testBlockSyncConfig(), noirlog.NewNoOpLogger())
	pl.SetPeerRange(ids.NodeID{1}, 0, 10)
	pl.SetPeerRange(ids.NodeID{2}, 0, 10)
	pl.SetPeerRange(ids.NodeID{3}, 0, 3) // too far behind for height 5

	pl.peers[ids.NodeID{1}].rate = 1
	pl.peers[ids.NodeID{2}].rate = 100

	picked := pl.pickIncrAvailablePeer(5)
	require.NotNil(t, picked)
	require.Equal(t, ids.NodeID{2}, picked.id)
	require.Equal(t, 1, picked.numPending, "picking a peer must credit it with one pending request")
}

func TestPool_PickIncrAvailablePeer_NoneEligible(t *testing.T) {
	pl := NewPool(1, testBlockSyncConfig(), noirlog.NewNoOpLogger())
	pl.SetPeerRange(ids.NodeID{1}, 0, 2)
	require.Nil(t, pl.pickIncrAvailablePeer(5))
}

func TestPool_PickIncrAvailablePeer_RespectsMaxPendingPerPeer(t *testing.T) {
	cfg := testBlockSyncConfig()
	cfg.MaxPendingRequestsPerPeer = 1
	pl := NewPool(1, cfg, noirlog.NewNoOpLogger())
	pl.SetPeerRange(ids.NodeID{1}, 0, 10)

	require.NotNil(t, pl.pickIncrAvailablePeer(1))
	require.Nil(t, pl.pickIncrAvailablePeer(2), "peer already at its pending cap must not be picked again")
}

func TestPool_PeerTimeout_PrunedOnNextPick(t *testing.T) {
	cfg := testBlockSyncConfig()
	cfg.PeerTimeout = 10 * time.Millisecond
	pl := NewPool(1, cfg, noirlog.NewNoOpLogger())
	pl.SetPeerRange(ids.NodeID{1}, 0, 10)

	time.Sleep(30 * time.Millisecond)

	require.Nil(t, pl.pickIncrAvailablePeer(5), "a timed-out peer must not be picked")
	pl.mu.Lock()
	_, stillPresent := pl.peers[ids.NodeID{1}]
	pl.mu.Unlock()
	require.False(t, stillPresent, "pickIncrAvailablePeer must prune timed-out peers it encounters")
}

func TestPool_BPPeer_OnTimeout_ReportsPeerError(t *testing.T) {
	cfg := testBlockSyncConfig()
	cfg.PeerTimeout = 5 * time.Millisecond
	pl := NewPool(1, cfg, noirlog.NewNoOpLogger())
	pl.SetPeerRange(ids.NodeID{7}, 0, 10)

	select {
	case pe := <-pl.Errors():
		require.Equal(t, ids.NodeID{7}, pe.PeerID)
	case <-time.After(time.Second):
		t.Fatal("expected a peer timeout error")
	}
}

func TestPool_RemovePeer_RedoesPendingRequester(t *testing.T) {
	pl := NewPool(1, testBlockSyncConfig(), noirlog.NewNoOpLogger())
	pl.SetPeerRange(ids.NodeID{1}, 0, 10)

	r := newBPRequester(pl, 1)
	pl.mu.Lock()
	pl.requesters[1] = r
	pl.mu.Unlock()
	go r.requestRoutine()
	defer r.stop()

	require.Eventually(t, func() bool {
		return r.getPeerID() == (ids.NodeID{1})
	}, time.Second, time.Millisecond, "requester should pick the only available peer")

	pl.RemovePeer(ids.NodeID{1})

	require.Eventually(t, func() bool {
		return r.getPeerID() == (ids.NodeID{}) && r.getBlock() == nil
	}, time.Second, time.Millisecond, "removing a peer must redo any requester pinned to it")
}

func TestPool_AddBlock_NoRequester(t *testing.T) {
	pl := NewPool(5, testBlockSyncConfig(), noirlog.NewNoOpLogger())
	block := &types.Block{Header: types.Header{Height: 5}}
	require.Error(t, pl.AddBlock(ids.NodeID{9}, block, 10))
}

func TestPool_AddBlock_CreditsPeerAndRejectsDuplicate(t *testing.T) {
	pl := NewPool(5, testBlockSyncConfig(), noirlog.NewNoOpLogger())
	pl.SetPeerRange(ids.NodeID{1}, 0, 10)

	r := newBPRequester(pl, 5)
	pl.mu.Lock()
	pl.requesters[5] = r
	pl.numPending++
	pl.mu.Unlock()
	r.peerID = ids.NodeID{1}

	block := &types.Block{Header: types.Header{Height: 5}}
	require.NoError(t, pl.AddBlock(ids.NodeID{1}, block, 1024))
	require.Equal(t, block, r.getBlock())

	err := pl.AddBlock(ids.NodeID{2}, &types.Block{Header: types.Header{Height: 5}}, 1024)
	require.Error(t, err, "a second block for an already-filled height must be rejected")
}

func TestPool_IsCaughtUp(t *testing.T) {
	cfg := testBlockSyncConfig()
	cfg.PeerTimeout = 10 * time.Millisecond
	pl := NewPool(1, cfg, noirlog.NewNoOpLogger())
	pl.mu.Lock()
	pl.startTime = time.Now().Add(-time.Second)
	pl.mu.Unlock()
	require.True(t, pl.IsCaughtUp(), "no peers at all past the grace period reads as caught up")

	pl.SetPeerRange(ids.NodeID{1}, 0, 100)
	require.False(t, pl.IsCaughtUp())

	pl.mu.Lock()
	pl.height = 99
	pl.mu.Unlock()
	require.True(t, pl.IsCaughtUp())
}

func TestPool_PeekTwoBlocksAndPopRequest(t *testing.T) {
	pl := NewPool(5, testBlockSyncConfig(), noirlog.NewNoOpLogger())
	r1 := newBPRequester(pl, 5)
	r2 := newBPRequester(pl, 6)
	pl.mu.Lock()
	pl.requesters[5] = r1
	pl.requesters[6] = r2
	pl.mu.Unlock()
	// PopRequest stops r1, which waits for its request routine to exit.
	go r1.requestRoutine()

	first, second := pl.PeekTwoBlocks()
	require.Nil(t, first)
	require.Nil(t, second)

	b5 := &types.Block{Header: types.Header{Height: 5}}
	b6 := &types.Block{Header: types.Header{Height: 6}}
	r1.block = b5
	r2.block = b6

	first, second = pl.PeekTwoBlocks()
	require.Equal(t, b5, first)
	require.Equal(t, b6, second)

	require.NoError(t, pl.PopRequest())
	require.Equal(t, int64(6), pl.Height())
}

func TestPool_RedoRequest(t *testing.T) {
	pl := NewPool(5, testBlockSyncConfig(), noirlog.NewNoOpLogger())
	r := newBPRequester(pl, 5)
	pl.mu.Lock()
	pl.requesters[5] = r
	pl.mu.Unlock()
	r.block = &types.Block{Header: types.Header{Height: 5}}
	r.peerID = ids.NodeID{1}

	pl.RedoRequest(5)
	select {
	case <-r.redoCh:
	case <-time.After(time.Second):
		t.Fatal("redo signal never delivered")
	}
}

func TestPool_GetStatus(t *testing.T) {
	pl := NewPool(5, testBlockSyncConfig(), noirlog.NewNoOpLogger())
	pl.mu.Lock()
	pl.requesters[5] = newBPRequester(pl, 5)
	pl.numPending = 1
	pl.mu.Unlock()

	height, numPending, numRequesters := pl.GetStatus()
	require.Equal(t, int64(5), height)
	require.Equal(t, int32(1), numPending)
	require.Equal(t, 1, numRequesters)
}
