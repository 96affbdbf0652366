// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/luxfi/log"

	"github.com/noirhq/noir/config"
	"github.com/noirhq/noir/node"
	"github.com/noirhq/noir/types"
)

var logger = log.NewLogger("noir")

func main() {
	home := flag.String("home", "./noir-data", "data directory for the block/state store, WAL, and validator key")
	chainID := flag.String("chain-id", "noir-test", "chain identifier carried in every signed vote and proposal")
	listenAddr := flag.String("listen-addr", "0.0.0.0:26656", "p2p listen address")
	rpcAddr := flag.String("rpc-addr", "127.0.0.1:26657", "JSON-RPC listen address, empty to disable")
	abciAddr := flag.String("abci-addr", "/tmp/noir-abci.sock", "application connection address")
	abciTransport := flag.String("abci-transport", "unix", "application connection transport: tcp or unix")
	preset := flag.String("preset", "default", "config preset: default or test")
	flag.Parse()

	cfg := presetConfig(*preset)
	cfg.ChainID = *chainID
	cfg.ABCI.Transport = *abciTransport
	cfg.ABCI.Address = *abciAddr
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	n, err := node.New(cfg, node.Config{
		Home:       *home,
		ListenAddr: *listenAddr,
		RPCAddr:    *rpcAddr,
		Genesis:    singleNodeGenesis(*chainID),
	}, logger)
	if err != nil {
		logger.Error("failed to construct node", "err", err)
		os.Exit(1)
	}

	if err := n.Start(); err != nil {
		logger.Error("failed to start node", "err", err)
		os.Exit(1)
	}
	logger.Info("noir started", "chain_id", *chainID, "listen_addr", *listenAddr, "rpc_addr", *rpcAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	n.Stop()
}

func presetConfig(name string) config.Config {
	switch name {
	case "test":
		return config.Test()
	default:
		return config.Default()
	}
}

// singleNodeGenesis is a placeholder genesis used until a real
// genesis-file loader exists; parsing genesis files is explicitly out
// of scope (spec.md §1's Non-goals). The returned State carries only
// chainID: its validator set is empty, and no validator is derived from
// the node's own key.
func singleNodeGenesis(chainID string) types.State {
	return types.State{ChainID: chainID}
}
