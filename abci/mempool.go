// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package abci

import "sync"

// Mempool is the transaction source BlockExecutor reaps from when
// proposing, and the sink it notifies after a commit so committed
// transactions are pruned. The mempool itself is an external
// collaborator (spec.md's "Mempool: supplies transactions on demand;
// receives update calls after commit" Non-goal) — this interface is the
// seam, not an implementation of mempool semantics (fee prioritization,
// gossip, eviction) that spec.md deliberately leaves unspecified.
type Mempool interface {
	ReapMaxTxs(max int) [][]byte
	Update(height int64, committedTxs [][]byte) error
}

// SimpleMempool is a minimal FIFO stand-in used where the node isn't
// wired to a real mempool implementation (tests, single-validator
// harnesses with no external tx source).
type SimpleMempool struct {
	mu  sync.Mutex
	txs [][]byte
}

// NewSimpleMempool returns a FIFO Mempool with no validation, ordering,
// or gossip — enough to exercise BlockExecutor.CreateProposalBlock
// end-to-end without depending on an external application.
func NewSimpleMempool() *SimpleMempool {
	return &SimpleMempool{}
}

// Add queues tx for the next proposal, standing in for the gossip path a
// real mempool would use.
func (m *SimpleMempool) Add(tx []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txs = append(m.txs, tx)
}

func (m *SimpleMempool) ReapMaxTxs(max int) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if max < 0 || max > len(m.txs) {
		max = len(m.txs)
	}
	out := make([][]byte, max)
	copy(out, m.txs[:max])
	return out
}

func (m *SimpleMempool) Update(height int64, committedTxs [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	committed := make(map[string]struct{}, len(committedTxs))
	for _, tx := range committedTxs {
		committed[string(tx)] = struct{}{}
	}
	remaining := m.txs[:0]
	for _, tx := range m.txs {
		if _, ok := committed[string(tx)]; !ok {
			remaining = append(remaining, tx)
		}
	}
	m.txs = remaining
	return nil
}
