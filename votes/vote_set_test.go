package votes

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noirhq/noir/types"
)

type testVal struct {
	val  *types.Validator
	priv ed25519.PrivateKey
}

func newTestValSet(t *testing.T, powers ...int64) (*types.ValidatorSet, []testVal) {
	t.Helper()
	tvs := make([]testVal, len(powers))
	vals := make([]*types.Validator, len(powers))
	for i, p := range powers {
		pub, priv, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		v := types.NewValidator(pub, p)
		vals[i] = v
		tvs[i] = testVal{val: v, priv: priv}
	}
	vs, err := types.NewValidatorSet(vals)
	require.NoError(t, err)

	// re-sort tvs to match vs ordering by address
	sorted := make([]testVal, len(tvs))
	for i, v := range vs.Validators {
		for _, tv := range tvs {
			if tv.val.Address == v.Address {
				sorted[i] = tv
			}
		}
	}
	return vs, sorted
}

func signedVote(chainID string, tv testVal, idx int32, height int64, round int32, typ types.SignedMsgType, blockID types.BlockID) *types.Vote {
	v := &types.Vote{
		Type:             typ,
		Height:           height,
		Round:            round,
		BlockID:          blockID,
		Timestamp:        time.Now(),
		ValidatorAddress: tv.val.Address,
		ValidatorIndex:   idx,
	}
	v.Sign(chainID, tv.priv)
	return v
}

func TestVoteSet_AddVote_CrossesMaj23(t *testing.T) {
	const chainID = "test-chain"
	vs, tvs := newTestValSet(t, 1, 1, 1)
	voteSet := NewVoteSet(chainID, 1, 0, types.PrevoteType, vs)

	blockID := types.BlockID{Hash: types.Sha256([]byte("b"))}
	for i := 0; i < 2; i++ {
		v := signedVote(chainID, tvs[i], int32(i), 1, 0, types.PrevoteType, blockID)
		res, err := voteSet.AddVote(v)
		require.NoError(t, err)
		require.True(t, res.Added)
	}
	_, has := voteSet.Maj23()
	require.False(t, has)

	v := signedVote(chainID, tvs[2], 2, 1, 0, types.PrevoteType, blockID)
	res, err := voteSet.AddVote(v)
	require.NoError(t, err)
	require.True(t, res.NewlyCrossedMaj23)

	got, has := voteSet.Maj23()
	require.True(t, has)
	require.Equal(t, blockID, got)
}

func TestVoteSet_Maj23_NeverChanges(t *testing.T) {
	const chainID = "test-chain"
	vs, tvs := newTestValSet(t, 1, 1, 1, 1)
	voteSet := NewVoteSet(chainID, 1, 0, types.PrecommitType, vs)

	blockA := types.BlockID{Hash: types.Sha256([]byte("a"))}
	blockB := types.BlockID{Hash: types.Sha256([]byte("b"))}

	for i := 0; i < 3; i++ {
		v := signedVote(chainID, tvs[i], int32(i), 1, 0, types.PrecommitType, blockA)
		_, err := voteSet.AddVote(v)
		require.NoError(t, err)
	}
	got, _ := voteSet.Maj23()
	require.Equal(t, blockA, got)

	// A 4th, conflicting vote for blockB must not change maj23.
	v := signedVote(chainID, tvs[3], 3, 1, 0, types.PrecommitType, blockB)
	_, err := voteSet.AddVote(v)
	require.NoError(t, err)
	got2, _ := voteSet.Maj23()
	require.Equal(t, blockA, got2)

	commit, err := voteSet.MakeCommit()
	require.NoError(t, err)
	require.Equal(t, blockA, commit.BlockID)
}

func TestVoteSet_DuplicateVoteNotCounted(t *testing.T) {
	const chainID = "test-chain"
	vs, tvs := newTestValSet(t, 1, 1, 1)
	voteSet := NewVoteSet(chainID, 1, 0, types.PrevoteType, vs)
	blockID := types.BlockID{Hash: types.Sha256([]byte("a"))}

	v := signedVote(chainID, tvs[0], 0, 1, 0, types.PrevoteType, blockID)
	_, err := voteSet.AddVote(v)
	require.NoError(t, err)
	require.Equal(t, int64(1), voteSet.SumVotingPower())

	res, err := voteSet.AddVote(v)
	require.NoError(t, err)
	require.True(t, res.Duplicate)
	require.Equal(t, int64(1), voteSet.SumVotingPower())
}

func TestVoteSet_ConflictingVoteDoesNotDoubleCount(t *testing.T) {
	const chainID = "test-chain"
	vs, tvs := newTestValSet(t, 1, 1, 1)
	voteSet := NewVoteSet(chainID, 1, 0, types.PrevoteType, vs)
	blockA := types.BlockID{Hash: types.Sha256([]byte("a"))}
	blockB := types.BlockID{Hash: types.Sha256([]byte("b"))}

	v1 := signedVote(chainID, tvs[0], 0, 1, 0, types.PrevoteType, blockA)
	_, err := voteSet.AddVote(v1)
	require.NoError(t, err)

	v2 := signedVote(chainID, tvs[0], 0, 1, 0, types.PrevoteType, blockB)
	res, err := voteSet.AddVote(v2)
	require.NoError(t, err)
	require.NotNil(t, res.Conflicting)
	require.Equal(t, int64(1), voteSet.SumVotingPower())
}

func TestVoteSet_SetPeerMaj23_ConflictIsError(t *testing.T) {
	const chainID = "test-chain"
	vs, _ := newTestValSet(t, 1, 1)
	voteSet := NewVoteSet(chainID, 1, 0, types.PrecommitType, vs)
	peer := vs.Validators[0].Address

	require.NoError(t, voteSet.SetPeerMaj23(peer, types.BlockID{Hash: types.Sha256([]byte("a"))}))
	err := voteSet.SetPeerMaj23(peer, types.BlockID{Hash: types.Sha256([]byte("b"))})
	require.Error(t, err)
}

func TestHeightVoteSet_FutureRoundCatchUpAllowance(t *testing.T) {
	const chainID = "test-chain"
	vs, tvs := newTestValSet(t, 1, 1, 1)
	hvs := NewHeightVoteSet(chainID, 1, vs)
	blockID := types.BlockID{Hash: types.Sha256([]byte("a"))}
	peer := vs.Validators[0].Address

	// Peer may push 2 future rounds...
	for _, r := range []int32{1, 2} {
		v := signedVote(chainID, tvs[0], 0, 1, r, types.PrevoteType, blockID)
		_, err := hvs.AddVote(v, peer)
		require.NoError(t, err)
	}
	// ...but a 3rd forces GotVoteFromUnwantedRound.
	v := signedVote(chainID, tvs[0], 0, 1, 3, types.PrevoteType, blockID)
	_, err := hvs.AddVote(v, peer)
	require.Error(t, err)
}

func TestHeightVoteSet_POLInfo(t *testing.T) {
	const chainID = "test-chain"
	vs, tvs := newTestValSet(t, 1, 1, 1)
	hvs := NewHeightVoteSet(chainID, 1, vs)
	blockID := types.BlockID{Hash: types.Sha256([]byte("a"))}

	for i := 0; i < 3; i++ {
		v := signedVote(chainID, tvs[i], int32(i), 1, 0, types.PrevoteType, blockID)
		_, err := hvs.AddVote(v, tvs[i].val.Address)
		require.NoError(t, err)
	}
	round, id, ok := hvs.POLInfo()
	require.True(t, ok)
	require.Equal(t, int32(0), round)
	require.Equal(t, blockID, id)
}
