// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/noirhq/noir/types"
)

type fakeBackend struct {
	nodeID   ids.NodeID
	chainID  string
	state    types.State
	syncing  bool
	numPeers int
	blocks   map[int64]*types.Block
}

func (b *fakeBackend) NodeID() ids.NodeID          { return b.nodeID }
func (b *fakeBackend) ChainID() string              { return b.chainID }
func (b *fakeBackend) LatestState() types.State     { return b.state }
func (b *fakeBackend) IsSyncing() bool              { return b.syncing }
func (b *fakeBackend) NumPeers() int                { return b.numPeers }
func (b *fakeBackend) Block(h int64) (*types.Block, error) {
	return b.blocks[h], nil
}
func (b *fakeBackend) Validators(h int64) (*types.ValidatorSet, error) {
	return b.state.Validators, nil
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	vs, err := types.NewValidatorSet([]*types.Validator{types.NewValidator(pub, 10)})
	require.NoError(t, err)
	return &fakeBackend{
		chainID:  "test-chain",
		state:    types.State{ChainID: "test-chain", LastBlockHeight: 5, Validators: vs},
		blocks:   map[int64]*types.Block{},
		numPeers: 2,
	}
}

func callRPC(t *testing.T, handler http.Handler, method string, params interface{}, reply interface{}) error {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  [1]interface{}{params},
		"id":      1,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	if envelope.Error != nil {
		return &json2TestError{code: envelope.Error.Code, message: envelope.Error.Message}
	}
	return json.Unmarshal(envelope.Result, reply)
}

type json2TestError struct {
	code    int
	message string
}

func (e *json2TestError) Error() string { return e.message }

func TestService_Status(t *testing.T) {
	backend := newFakeBackend(t)
	server, err := NewServer(backend)
	require.NoError(t, err)

	var reply StatusResult
	require.NoError(t, callRPC(t, server, "noir.Status", StatusArgs{}, &reply))
	require.Equal(t, "test-chain", reply.ChainID)
	require.Equal(t, int64(5), reply.LatestHeight)
	require.Equal(t, int64(10), reply.VotingPower)
}

func TestService_Block_NotFound(t *testing.T) {
	backend := newFakeBackend(t)
	server, err := NewServer(backend)
	require.NoError(t, err)

	var reply BlockResult
	err = callRPC(t, server, "noir.Block", BlockArgs{Height: 99}, &reply)
	require.Error(t, err)
	rpcErr, ok := err.(*json2TestError)
	require.True(t, ok)
	require.Equal(t, int(codeHeightNotFound), rpcErr.code)
}

func TestService_Validators(t *testing.T) {
	backend := newFakeBackend(t)
	server, err := NewServer(backend)
	require.NoError(t, err)

	var reply ValidatorsResult
	require.NoError(t, callRPC(t, server, "noir.Validators", ValidatorsArgs{Height: 5}, &reply))
	require.Len(t, reply.Validators, 1)
	require.Equal(t, int64(10), reply.Validators[0].VotingPower)
}

func TestService_NetInfo(t *testing.T) {
	backend := newFakeBackend(t)
	server, err := NewServer(backend)
	require.NoError(t, err)

	var reply NetInfoResult
	require.NoError(t, callRPC(t, server, "noir.NetInfo", NetInfoArgs{}, &reply))
	require.Equal(t, 2, reply.NPeers)
}
