package store

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noirhq/noir/types"
)

func TestStateStore_SaveLoadState(t *testing.T) {
	db := openTestDB(t)
	ss := NewStateStore(db)

	empty, err := ss.Load()
	require.NoError(t, err)
	require.Equal(t, int64(0), empty.LastBlockHeight)

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	vs, err := types.NewValidatorSet([]*types.Validator{types.NewValidator(pub, 10)})
	require.NoError(t, err)

	s := types.State{
		ChainID:         "test-chain",
		LastBlockHeight: 7,
		Validators:      vs,
		ConsensusParams: types.ConsensusParams{MaxBytes: 1024, MaxGas: -1},
	}
	require.NoError(t, ss.Save(s))

	loaded, err := ss.Load()
	require.NoError(t, err)
	require.Equal(t, int64(7), loaded.LastBlockHeight)
	require.Equal(t, "test-chain", loaded.ChainID)
	require.Equal(t, 1, loaded.Validators.Size())
}

func TestStateStore_ValidatorsAndParamsByHeight(t *testing.T) {
	db := openTestDB(t)
	ss := NewStateStore(db)

	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	vs, err := types.NewValidatorSet([]*types.Validator{types.NewValidator(pub, 5)})
	require.NoError(t, err)

	require.NoError(t, ss.SaveValidatorsInfo(10, vs))
	loaded, err := ss.LoadValidatorsInfo(10)
	require.NoError(t, err)
	require.Equal(t, 1, loaded.Size())

	missing, err := ss.LoadValidatorsInfo(11)
	require.NoError(t, err)
	require.Nil(t, missing)

	params := types.ConsensusParams{MaxBytes: 2048, MaxGas: 1000}
	require.NoError(t, ss.SaveConsensusParams(10, params))
	loadedParams, err := ss.LoadConsensusParams(10)
	require.NoError(t, err)
	require.Equal(t, params, loadedParams)
}

func TestStateStore_ABCIResponses(t *testing.T) {
	db := openTestDB(t)
	ss := NewStateStore(db)

	resp := types.ABCIResponses{
		DeliverTxs: []types.TxResult{{Code: 0, Log: "ok"}},
		EndBlock:   types.EndBlockResult{},
	}
	require.NoError(t, ss.SaveABCIResponses(4, resp))
	loaded, err := ss.LoadABCIResponses(4)
	require.NoError(t, err)
	require.Equal(t, resp, loaded)
}
