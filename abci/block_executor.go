// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package abci

import (
	"fmt"
	"time"

	"github.com/luxfi/ids"

	"github.com/noirhq/noir/types"
)

// BlockExecutor implements consensus.BlockExecutor against an
// out-of-process application reached through Client, running the six
// steps spec.md §4.13 prescribes for each committed block.
type BlockExecutor struct {
	client  *Client
	mempool Mempool
}

// NewBlockExecutor constructs a BlockExecutor driving client and reaping
// proposals from mempool.
func NewBlockExecutor(client *Client, mempool Mempool) *BlockExecutor {
	return &BlockExecutor{client: client, mempool: mempool}
}

// ValidateBlock checks block against state beyond ValidateBasic: that its
// last commit verifies under the validator set in force at the previous
// height (spec.md §4.5's proposal validation step). No ABCI
// process_proposal hook exists in this boundary's request set, so the
// application is not consulted here; DeliverTx result codes are recorded
// by ApplyBlock and do not cause a block to be rejected.
func (e *BlockExecutor) ValidateBlock(state types.State, block *types.Block) error {
	if err := block.ValidateBasic(); err != nil {
		return fmt.Errorf("abci: block fails basic validation: %w", err)
	}
	if block.Header.Height > 1 {
		if block.LastCommit == nil {
			return fmt.Errorf("abci: block %d missing last commit", block.Header.Height)
		}
		if err := types.VerifyCommit(state.ChainID, state.Validators, state.LastBlockID, state.LastBlockHeight, block.LastCommit); err != nil {
			return fmt.Errorf("abci: last commit does not verify: %w", err)
		}
	}
	return nil
}

// CreateProposalBlock assembles a new block on top of state, reaping
// pending transactions from the mempool (spec.md §4.5's enterPropose
// "build a new block" step).
func (e *BlockExecutor) CreateProposalBlock(state types.State, lastCommit *types.Commit, evidence []types.Evidence) (*types.Block, error) {
	maxTxBytes := int(state.ConsensusParams.MaxBytes)
	if maxTxBytes <= 0 {
		maxTxBytes = -1
	}
	txs := e.mempool.ReapMaxTxs(maxTxBytes)

	evList := make(types.EvidenceList, len(evidence))
	copy(evList, evidence)

	proposerAddr := ids.NodeID{}
	if state.Validators != nil && state.Validators.Proposer != nil {
		proposerAddr = state.Validators.Proposer.Address
	}

	block := &types.Block{
		Header: types.Header{
			Version:         state.Version,
			ChainID:         state.ChainID,
			Height:          state.LastBlockHeight + 1,
			Time:            time.Now().UTC(),
			LastBlockID:     state.LastBlockID,
			ValidatorsHash:  validatorSetHash(state.Validators),
			NextValsHash:    validatorSetHash(state.NextValidators),
			AppHash:         state.AppHash,
			LastResultsHash: state.LastResultsHash,
			ProposerAddress: proposerAddr,
		},
		Data:       types.Data{Txs: txs},
		LastCommit: lastCommit,
		Evidence:   evList,
	}
	block.FillHeaderHashes()
	return block, nil
}

// validatorSetHash is a placeholder content hash over the validator set
// (a Merkle root over each validator's address and public key); it is
// stable and deterministic for a given set.
func validatorSetHash(vs *types.ValidatorSet) ids.ID {
	if vs == nil {
		return ids.ID{}
	}
	leaves := make([][]byte, len(vs.Validators))
	for i, v := range vs.Validators {
		leaves[i] = append(append([]byte{}, v.Address[:]...), v.PubKey...)
	}
	return types.MerkleRoot(leaves)
}

// ApplyBlock runs begin_block/deliver_tx*/end_block/commit against the
// application and folds the results into a new State (spec.md §4.13
// steps 1-6). If any ABCI call or the mempool update returns an error,
// ApplyBlock returns that error and the caller's state is not advanced.
// The begin_block, end_block and commit responses carry no result code,
// so an application can only fail them by failing the call itself;
// DeliverTx result codes are recorded in the results, not treated as
// failures.
func (e *BlockExecutor) ApplyBlock(state types.State, blockID types.BlockID, block *types.Block) (types.State, error) {
	lastCommitInfo := LastCommitInfo{}
	if block.LastCommit != nil {
		lastCommitInfo.Round = block.LastCommit.Round
		lastCommitInfo.Votes = make([]VoteInfo, len(block.LastCommit.Signatures))
		for i, sig := range block.LastCommit.Signatures {
			power := int64(0)
			if state.Validators != nil && i < len(state.Validators.Validators) {
				power = state.Validators.Validators[i].VotingPower
			}
			lastCommitInfo.Votes[i] = VoteInfo{
				ValidatorAddress: append([]byte{}, sig.ValidatorAddress[:]...),
				VotingPower:      power,
				SignedLastBlock:  sig.ForBlock(),
			}
		}
	}

	blockHash := block.Hash()
	if err := e.client.BeginBlock(RequestBeginBlockData{
		Hash:           blockHash[:],
		Height:         block.Header.Height,
		Time:           block.Header.Time,
		LastCommitInfo: lastCommitInfo,
	}); err != nil {
		return state, fmt.Errorf("abci: begin_block failed at height %d: %w", block.Header.Height, err)
	}

	txResults := make([]types.TxResult, len(block.Data.Txs))
	for i, tx := range block.Data.Txs {
		resp, err := e.client.DeliverTx(RequestDeliverTxData{Tx: tx})
		if err != nil {
			return state, fmt.Errorf("abci: deliver_tx failed at height %d tx %d: %w", block.Header.Height, i, err)
		}
		txResults[i] = types.TxResult{Code: resp.Code, Data: resp.Data, Log: resp.Log}
	}

	endResp, err := e.client.EndBlock(block.Header.Height)
	if err != nil {
		return state, fmt.Errorf("abci: end_block failed at height %d: %w", block.Header.Height, err)
	}

	commitResp, err := e.client.Commit()
	if err != nil {
		return state, fmt.Errorf("abci: commit failed at height %d: %w", block.Header.Height, err)
	}

	next := state.Copy()
	next.LastBlockHeight = block.Header.Height
	next.LastBlockID = blockID
	next.LastBlockTime = block.Header.Time
	next.AppHash = idFromBytes(commitResp.Data)
	next.LastResultsHash = types.MerkleRoot(txResultLeaves(txResults))

	if next.NextValidators != nil && len(endResp.ValidatorUpdates) > 0 {
		updates := make([]types.ValidatorUpdate, len(endResp.ValidatorUpdates))
		for i, u := range endResp.ValidatorUpdates {
			updates[i] = types.ValidatorUpdate{
				Address:     types.AddressFromPubKey(u.PubKey),
				PubKey:      u.PubKey,
				VotingPower: u.VotingPower,
			}
		}
		if err := next.NextValidators.ApplyUpdates(updates); err != nil {
			return state, fmt.Errorf("abci: applying validator updates at height %d: %w", block.Header.Height, err)
		}
	}
	if endResp.ConsensusParamUpdates != nil {
		next.ConsensusParams = types.ConsensusParams{
			MaxBytes: endResp.ConsensusParamUpdates.MaxBytes,
			MaxGas:   endResp.ConsensusParamUpdates.MaxGas,
		}
	}

	committedTxs := make([][]byte, len(block.Data.Txs))
	copy(committedTxs, block.Data.Txs)
	if err := e.mempool.Update(block.Header.Height, committedTxs); err != nil {
		return state, fmt.Errorf("abci: mempool update failed at height %d: %w", block.Header.Height, err)
	}

	return next, nil
}

func txResultLeaves(results []types.TxResult) [][]byte {
	leaves := make([][]byte, len(results))
	for i, r := range results {
		leaves[i] = append([]byte{byte(r.Code)}, r.Data...)
	}
	return leaves
}

func idFromBytes(b []byte) ids.ID {
	var id ids.ID
	copy(id[:], b)
	return id
}
