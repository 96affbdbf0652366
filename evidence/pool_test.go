package evidence

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noirhq/noir/config"
	noirlog "github.com/noirhq/noir/log"
	"github.com/noirhq/noir/types"
)

func newTestSet(t *testing.T) (*types.ValidatorSet, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	vs, err := types.NewValidatorSet([]*types.Validator{types.NewValidator(pub, 10)})
	require.NoError(t, err)
	return vs, priv
}

func TestPool_AddEvidence_DuplicateVote(t *testing.T) {
	const chainID = "test-chain"
	vs, priv := newTestSet(t)
	lookup := func(height int64) (*types.ValidatorSet, error) { return vs, nil }
	pool := NewPool(chainID, lookup, config.EvidenceConfig{MaxAgeNumBlocks: 1000, MaxAgeDuration: time.Hour, MaxBytes: 1024}, noirlog.NewNoOpLogger())

	val := vs.Validators[0]
	blockA := types.BlockID{Hash: types.Sha256([]byte("a"))}
	blockB := types.BlockID{Hash: types.Sha256([]byte("b"))}
	voteA := &types.Vote{Type: types.PrevoteType, Height: 5, Round: 0, BlockID: blockA, ValidatorAddress: val.Address}
	voteA.Sign(chainID, priv)
	voteB := &types.Vote{Type: types.PrevoteType, Height: 5, Round: 0, BlockID: blockB, ValidatorAddress: val.Address}
	voteB.Sign(chainID, priv)

	ev := types.NewDuplicateVoteEvidence(voteA, voteB, val.VotingPower, vs.TotalVotingPower(), time.Now())
	require.NoError(t, pool.AddEvidence(ev, 6))
	require.True(t, pool.IsPending(ev.Hash()))

	// Re-adding is a no-op, not an error.
	require.NoError(t, pool.AddEvidence(ev, 6))

	pending := pool.PendingEvidence(1024)
	require.Len(t, pending, 1)
}

func TestPool_AddEvidence_RejectsBadSignature(t *testing.T) {
	const chainID = "test-chain"
	vs, _ := newTestSet(t)
	lookup := func(height int64) (*types.ValidatorSet, error) { return vs, nil }
	pool := NewPool(chainID, lookup, config.EvidenceConfig{MaxAgeNumBlocks: 1000, MaxAgeDuration: time.Hour}, noirlog.NewNoOpLogger())

	val := vs.Validators[0]
	blockA := types.BlockID{Hash: types.Sha256([]byte("a"))}
	blockB := types.BlockID{Hash: types.Sha256([]byte("b"))}
	voteA := &types.Vote{Type: types.PrevoteType, Height: 5, Round: 0, BlockID: blockA, ValidatorAddress: val.Address, Signature: []byte("garbage")}
	voteB := &types.Vote{Type: types.PrevoteType, Height: 5, Round: 0, BlockID: blockB, ValidatorAddress: val.Address, Signature: []byte("garbage")}

	ev := types.NewDuplicateVoteEvidence(voteA, voteB, val.VotingPower, vs.TotalVotingPower(), time.Now())
	require.Error(t, pool.AddEvidence(ev, 6))
	require.False(t, pool.IsPending(ev.Hash()))
}

func TestPool_AddEvidence_RejectsTooOld(t *testing.T) {
	const chainID = "test-chain"
	vs, priv := newTestSet(t)
	lookup := func(height int64) (*types.ValidatorSet, error) { return vs, nil }
	pool := NewPool(chainID, lookup, config.EvidenceConfig{MaxAgeNumBlocks: 10, MaxAgeDuration: time.Hour}, noirlog.NewNoOpLogger())

	val := vs.Validators[0]
	blockA := types.BlockID{Hash: types.Sha256([]byte("a"))}
	blockB := types.BlockID{Hash: types.Sha256([]byte("b"))}
	voteA := &types.Vote{Type: types.PrevoteType, Height: 1, Round: 0, BlockID: blockA, ValidatorAddress: val.Address}
	voteA.Sign(chainID, priv)
	voteB := &types.Vote{Type: types.PrevoteType, Height: 1, Round: 0, BlockID: blockB, ValidatorAddress: val.Address}
	voteB.Sign(chainID, priv)

	ev := types.NewDuplicateVoteEvidence(voteA, voteB, val.VotingPower, vs.TotalVotingPower(), time.Now())
	require.Error(t, pool.AddEvidence(ev, 100))
}

func TestPool_Update_MovesPendingToCommitted(t *testing.T) {
	const chainID = "test-chain"
	vs, priv := newTestSet(t)
	lookup := func(height int64) (*types.ValidatorSet, error) { return vs, nil }
	pool := NewPool(chainID, lookup, config.EvidenceConfig{MaxAgeNumBlocks: 1000, MaxAgeDuration: time.Hour}, noirlog.NewNoOpLogger())

	val := vs.Validators[0]
	blockA := types.BlockID{Hash: types.Sha256([]byte("a"))}
	blockB := types.BlockID{Hash: types.Sha256([]byte("b"))}
	voteA := &types.Vote{Type: types.PrevoteType, Height: 5, Round: 0, BlockID: blockA, ValidatorAddress: val.Address}
	voteA.Sign(chainID, priv)
	voteB := &types.Vote{Type: types.PrevoteType, Height: 5, Round: 0, BlockID: blockB, ValidatorAddress: val.Address}
	voteB.Sign(chainID, priv)
	ev := types.NewDuplicateVoteEvidence(voteA, voteB, val.VotingPower, vs.TotalVotingPower(), time.Now())
	require.NoError(t, pool.AddEvidence(ev, 6))

	pool.Update(6, []types.Evidence{ev})
	require.False(t, pool.IsPending(ev.Hash()))
	require.True(t, pool.IsCommitted(ev.Hash()))
}
