// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package consensus

import (
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/noirhq/noir/config"
	"github.com/noirhq/noir/evidence"
	noirlog "github.com/noirhq/noir/log"
	"github.com/noirhq/noir/store"
	"github.com/noirhq/noir/types"
)

// fakePrivValidator signs with an in-memory ed25519 key, standing in for
// the node's real key-management layer (node.FilePrivValidator).
type fakePrivValidator struct {
	addr ids.NodeID
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newFakePrivValidator(t *testing.T) *fakePrivValidator {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return &fakePrivValidator{addr: types.AddressFromPubKey(pub), pub: pub, priv: priv}
}

func (f *fakePrivValidator) GetAddress() ids.NodeID        { return f.addr }
func (f *fakePrivValidator) GetPubKey() ed25519.PublicKey { return f.pub }
func (f *fakePrivValidator) SignVote(chainID string, v *types.Vote) error {
	v.Sign(chainID, f.priv)
	return nil
}
func (f *fakePrivValidator) SignProposal(chainID string, p *types.Proposal) error {
	p.Sign(chainID, f.priv)
	return nil
}

// fakeBlockExecutor always builds an empty block and applies it as a
// no-op, standing in for the out-of-process ABCI client built later in
// the abci package.
type fakeBlockExecutor struct{}

func (fakeBlockExecutor) ValidateBlock(types.State, *types.Block) error { return nil }

func (fakeBlockExecutor) CreateProposalBlock(state types.State, lastCommit *types.Commit, ev []types.Evidence) (*types.Block, error) {
	b := &types.Block{
		Header: types.Header{
			ChainID: state.ChainID,
			Height:  state.LastBlockHeight + 1,
			Time:    time.Now(),
		},
		LastCommit: lastCommit,
		Evidence:   types.EvidenceList(ev),
	}
	b.FillHeaderHashes()
	return b, nil
}

func (fakeBlockExecutor) ApplyBlock(state types.State, blockID types.BlockID, block *types.Block) (types.State, error) {
	next := state.Copy()
	next.LastBlockHeight = block.Header.Height
	next.LastBlockID = blockID
	next.LastBlockTime = block.Header.Time
	return next, nil
}

func singleValidatorState(t *testing.T, priv *fakePrivValidator) types.State {
	t.Helper()
	vs, err := types.NewValidatorSet([]*types.Validator{types.NewValidator(priv.pub, 10)})
	require.NoError(t, err)
	return types.State{
		ChainID:        "test-chain",
		Validators:     vs,
		NextValidators: vs.Copy(),
	}
}

func TestState_SingleValidatorCommitsTwoHeights(t *testing.T) {
	db, err := pebble.Open(t.TempDir(), &pebble.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	bs, err := store.NewBlockStore(db)
	require.NoError(t, err)
	ss := store.NewStateStore(db)

	priv := newFakePrivValidator(t)
	state := singleValidatorState(t, priv)

	valSetAt := func(height int64) (*types.ValidatorSet, error) { return state.Validators, nil }
	evpool := evidence.NewPool("test-chain", valSetAt, config.Default().Evidence, noirlog.NewNoOpLogger())

	cs := New("test-chain", config.Test(), state, priv, fakeBlockExecutor{}, bs, ss, evpool, nil, noirlog.NewNoOpLogger())

	var mu sync.Mutex
	committed := make(map[int64]bool)
	done := make(chan struct{})
	cs.OnCommit(func(height int64) {
		mu.Lock()
		committed[height] = true
		reached := len(committed) >= 2
		mu.Unlock()
		if reached {
			select {
			case <-done:
			default:
				close(done)
			}
		}
	})

	cs.Start()
	defer cs.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for two heights to commit")
	}

	require.True(t, committed[1])
	require.True(t, committed[2])
	require.Equal(t, int64(2), bs.Height())
}
