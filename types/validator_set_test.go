package types

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestValidators(t *testing.T, powers ...int64) []*Validator {
	t.Helper()
	vals := make([]*Validator, len(powers))
	for i, p := range powers {
		pub, _, err := ed25519.GenerateKey(nil)
		require.NoError(t, err)
		vals[i] = NewValidator(pub, p)
	}
	return vals
}

func TestValidatorSet_DuplicateAddressRejected(t *testing.T) {
	vals := newTestValidators(t, 10)
	vals = append(vals, vals[0].Copy())
	_, err := NewValidatorSet(vals)
	require.Error(t, err)
}

func TestValidatorSet_ZeroOrNegativePowerRejected(t *testing.T) {
	vals := newTestValidators(t, 10)
	vals[0].VotingPower = 0
	_, err := NewValidatorSet(vals)
	require.Error(t, err)
}

func TestValidatorSet_IncrementProposerPriority_Deterministic(t *testing.T) {
	vals := newTestValidators(t, 10, 20, 30)
	vsA, err := NewValidatorSet(vals)
	require.NoError(t, err)
	vsB, err := NewValidatorSet(vals)
	require.NoError(t, err)

	require.NoError(t, vsA.IncrementProposerPriority(5))
	require.NoError(t, vsB.IncrementProposerPriority(5))
	require.Equal(t, vsA.GetProposer().Address, vsB.GetProposer().Address)
}

func TestValidatorSet_IncrementProposerPriority_RejectsEmptyOrNonPositive(t *testing.T) {
	vs, err := NewValidatorSet(nil)
	require.NoError(t, err)
	require.Error(t, vs.IncrementProposerPriority(1))

	vals := newTestValidators(t, 10)
	vs2, err := NewValidatorSet(vals)
	require.NoError(t, err)
	require.Error(t, vs2.IncrementProposerPriority(0))
	require.Error(t, vs2.IncrementProposerPriority(-1))
}

func TestValidatorSet_ProposerFrequencyProportionalToPower(t *testing.T) {
	vals := newTestValidators(t, 1, 2, 7)
	vs, err := NewValidatorSet(vals)
	require.NoError(t, err)

	counts := map[[20]byte]int{}
	const rounds = 1000
	for i := 0; i < rounds; i++ {
		require.NoError(t, vs.IncrementProposerPriority(1))
		counts[vs.GetProposer().Address]++
	}
	total := vs.TotalVotingPower()
	for _, v := range vs.Validators {
		want := float64(rounds) * float64(v.VotingPower) / float64(total)
		got := float64(counts[v.Address])
		require.InDeltaf(t, want, got, want*0.25+5, "validator %s: want ~%f got %f", v.Address, want, got)
	}
}

func TestValidatorSet_ApplyUpdates(t *testing.T) {
	vals := newTestValidators(t, 10, 20)
	vs, err := NewValidatorSet(vals)
	require.NoError(t, err)

	removeAddr := vals[0].Address
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	newAddr := AddressFromPubKey(pub)

	err = vs.ApplyUpdates([]ValidatorUpdate{
		{Address: removeAddr, VotingPower: 0},
		{Address: newAddr, PubKey: pub, VotingPower: 5},
	})
	require.NoError(t, err)
	require.Equal(t, 2, vs.Size())
	_, found := vs.GetByAddress(removeAddr)
	require.Nil(t, found)
	_, found = vs.GetByAddress(newAddr)
	require.NotNil(t, found)
}

func TestValidatorSet_TotalVotingPowerExceedsMax(t *testing.T) {
	vals := newTestValidators(t, MaxTotalVotingPower, MaxTotalVotingPower)
	_, err := NewValidatorSet(vals)
	require.Error(t, err)
}

func TestValidatorSet_HasTwoThirdsMajority(t *testing.T) {
	vals := newTestValidators(t, 1, 1, 1)
	vs, err := NewValidatorSet(vals)
	require.NoError(t, err)
	require.False(t, vs.HasTwoThirdsMajority(2))
	require.True(t, vs.HasTwoThirdsMajority(3))
}
