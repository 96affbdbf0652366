// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package node

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noirhq/noir/abci"
	"github.com/noirhq/noir/config"
	noirlog "github.com/noirhq/noir/log"
	"github.com/noirhq/noir/types"
)

// fakeApplication is a minimal ABCI application standing in for the
// real out-of-process program, answering every request with a
// deterministic OK so Node's block-sync-to-consensus handoff can run
// end to end in a test.
func fakeApplication(t *testing.T, socketPath string) {
	t.Helper()
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			body, err := readFrame(conn)
			if err != nil {
				return
			}
			var req abci.Request
			if err := json.Unmarshal(body, &req); err != nil {
				return
			}
			resp := abci.Response{Type: req.Type}
			switch req.Type {
			case abci.RequestDeliverTx:
				resp.DeliverTx = abci.ResponseDeliverTxData{Code: abci.CodeOK}
			case abci.RequestCommit:
				resp.Commit = abci.ResponseCommitData{Data: []byte{9, 9, 9, 9}}
			}
			out, err := json.Marshal(resp)
			if err != nil {
				return
			}
			if err := writeFrame(conn, out); err != nil {
				return
			}
		}
	}()
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	body := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func writeFrame(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func singleValidatorGenesis(t *testing.T) types.State {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	vs, err := types.NewValidatorSet([]*types.Validator{types.NewValidator(pub, 10)})
	require.NoError(t, err)
	return types.State{
		ChainID:        "test-chain",
		Validators:     vs,
		NextValidators: vs.Copy(),
		ConsensusParams: types.ConsensusParams{
			MaxBytes: 1024 * 1024,
			MaxGas:   -1,
		},
	}
}

func testNodeConfig(t *testing.T) (config.Config, Config) {
	t.Helper()
	home := t.TempDir()
	cfg := config.Test()
	cfg.ChainID = "test-chain"
	cfg.ABCI.Address = filepath.Join(t.TempDir(), "abci.sock")
	fakeApplication(t, cfg.ABCI.Address)

	return cfg, Config{
		Home:       home,
		ListenAddr: "127.0.0.1:0",
		Genesis:    singleValidatorGenesis(t),
	}
}

func TestNode_New_PersistsGenesisWhenStoreEmpty(t *testing.T) {
	cfg, nodeCfg := testNodeConfig(t)
	n, err := New(cfg, nodeCfg, noirlog.NewNoOpLogger())
	require.NoError(t, err)
	defer n.Stop()

	require.Equal(t, "test-chain", n.ChainID())
	require.Equal(t, nodeCfg.Genesis.Validators.TotalVotingPower(), n.LatestState().Validators.TotalVotingPower())
}

func TestNode_StartStop_SwitchesFromBlockSyncToConsensus(t *testing.T) {
	cfg, nodeCfg := testNodeConfig(t)
	n, err := New(cfg, nodeCfg, noirlog.NewNoOpLogger())
	require.NoError(t, err)
	defer n.Stop()

	require.True(t, n.IsSyncing())
	require.NoError(t, n.Start())

	require.Eventually(t, func() bool {
		return !n.IsSyncing()
	}, 2*time.Second, 5*time.Millisecond, "node never switched from block-sync to consensus with no peers to wait on")
}
