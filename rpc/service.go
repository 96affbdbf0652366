// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpc

import (
	"net/http"

	"github.com/mr-tron/base58"

	"github.com/noirhq/noir/types"
)

// Service is the gorilla/rpc service receiver: every exported method
// with the func(*http.Request, *Args, *Reply) error shape becomes one
// JSON-RPC 2.0 method, named "<serviceName>.<MethodName>" by the
// server that registers it (see NewServer).
type Service struct {
	backend Backend
}

// NewService wraps backend for RPC dispatch.
func NewService(backend Backend) *Service {
	return &Service{backend: backend}
}

// StatusArgs takes no parameters.
type StatusArgs struct{}

// StatusResult summarizes the node's identity and chain tip.
type StatusResult struct {
	NodeID          string
	ChainID         string
	LatestHeight    int64
	LatestBlockHash string
	LatestAppHash   string
	Syncing         bool
	VotingPower     int64
}

// Status answers "who are we and where is the chain tip" (spec.md §6).
func (s *Service) Status(r *http.Request, _ *StatusArgs, reply *StatusResult) error {
	st := s.backend.LatestState()
	id := s.backend.NodeID()
	hash := st.LastBlockID.Hash
	appHash := st.AppHash
	*reply = StatusResult{
		NodeID:          base58.Encode(id[:]),
		ChainID:         s.backend.ChainID(),
		LatestHeight:    st.LastBlockHeight,
		LatestBlockHash: base58.Encode(hash[:]),
		LatestAppHash:   base58.Encode(appHash[:]),
		Syncing:         s.backend.IsSyncing(),
		VotingPower:     totalVotingPower(st.Validators),
	}
	return nil
}

// BlockArgs requests one height's block.
type BlockArgs struct {
	Height int64
}

// BlockResult carries the requested block; a height with no stored block
// is answered with the height-not-found error instead.
type BlockResult struct {
	Block *types.Block
}

// Block answers a query for a committed block by height.
func (s *Service) Block(r *http.Request, args *BlockArgs, reply *BlockResult) error {
	block, err := s.backend.Block(args.Height)
	if err != nil {
		return errServer(err)
	}
	if block == nil {
		return errHeightNotFound(args.Height)
	}
	reply.Block = block
	return nil
}

// ValidatorsArgs requests the validator set in force at a height.
type ValidatorsArgs struct {
	Height int64
}

// ValidatorInfo renders one validator with base58 identifiers.
type ValidatorInfo struct {
	Address     string
	PubKey      string
	VotingPower int64
}

// ValidatorsResult lists every validator in the requested set.
type ValidatorsResult struct {
	Validators []ValidatorInfo
}

// Validators answers a query for the validator set at a height.
func (s *Service) Validators(r *http.Request, args *ValidatorsArgs, reply *ValidatorsResult) error {
	vs, err := s.backend.Validators(args.Height)
	if err != nil {
		return errServer(err)
	}
	if vs == nil {
		return errHeightNotFound(args.Height)
	}
	out := make([]ValidatorInfo, len(vs.Validators))
	for i, v := range vs.Validators {
		out[i] = ValidatorInfo{
			Address:     base58.Encode(v.Address[:]),
			PubKey:      base58.Encode(v.PubKey),
			VotingPower: v.VotingPower,
		}
	}
	reply.Validators = out
	return nil
}

// NetInfoArgs takes no parameters.
type NetInfoArgs struct{}

// NetInfoResult reports the current peer count.
type NetInfoResult struct {
	NPeers int
}

// NetInfo answers a query for the current peer count.
func (s *Service) NetInfo(r *http.Request, _ *NetInfoArgs, reply *NetInfoResult) error {
	reply.NPeers = s.backend.NumPeers()
	return nil
}

// HealthArgs takes no parameters.
type HealthArgs struct{}

// HealthResult is always OK if the RPC server answered at all; a
// dedicated method exists anyway since load balancers expect one.
type HealthResult struct {
	OK bool
}

// Health always reports healthy: reaching this handler at all means
// the node's RPC server is alive.
func (s *Service) Health(r *http.Request, _ *HealthArgs, reply *HealthResult) error {
	reply.OK = true
	return nil
}

func totalVotingPower(vs *types.ValidatorSet) int64 {
	if vs == nil {
		return 0
	}
	return vs.TotalVotingPower()
}
