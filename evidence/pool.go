// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package evidence implements the in-memory, persistence-backed pool
// that detects, verifies, dedups, and retires Byzantine-behavior proofs
// (spec.md §4.8).
package evidence

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/noirhq/noir/config"
	"github.com/noirhq/noir/types"
)

// ValidatorSetLookup resolves the validator set live at a past height, so
// evidence can be verified against the set that was actually signing at
// the time, not the current one (spec.md §4.8).
type ValidatorSetLookup func(height int64) (*types.ValidatorSet, error)

// Pool holds pending (not-yet-committed) and committed evidence, keyed
// for O(1) dedup and priority-ordered admission into the next proposed
// block (spec.md §4.8).
type Pool struct {
	mu sync.Mutex

	chainID  string
	valSetAt ValidatorSetLookup
	cfg      config.EvidenceConfig
	logger   log.Logger

	pending   map[ids.ID]types.Evidence
	committed map[ids.ID]struct{}

	newEvidence chan struct{}
}

// NewPool constructs an empty Pool. valSetAt resolves the validator set
// live at a given height, used to verify evidence against the set that
// was actually signing at the time (spec.md §4.8).
func NewPool(chainID string, valSetAt ValidatorSetLookup, cfg config.EvidenceConfig, logger log.Logger) *Pool {
	return &Pool{
		chainID:     chainID,
		valSetAt:    valSetAt,
		cfg:         cfg,
		logger:      logger,
		pending:     make(map[ids.ID]types.Evidence),
		committed:   make(map[ids.ID]struct{}),
		newEvidence: make(chan struct{}, 1),
	}
}

// NewEvidenceCh signals (non-blocking, coalesced) whenever AddEvidence
// admits something new, for the gossip reactor to wake up on.
func (p *Pool) NewEvidenceCh() <-chan struct{} {
	return p.newEvidence
}

// AddEvidence verifies ev against the validator set live at its height,
// dedups against both pending and committed, and — if novel — inserts
// it into pending and signals NewEvidenceCh (spec.md §4.8).
func (p *Pool) AddEvidence(ev types.Evidence, currentHeight int64) error {
	if err := ev.ValidateBasic(); err != nil {
		return fmt.Errorf("evidence: basic validation: %w", err)
	}
	if err := p.checkAge(ev, currentHeight); err != nil {
		return err
	}

	hash := ev.Hash()
	p.mu.Lock()
	if _, ok := p.committed[hash]; ok {
		p.mu.Unlock()
		return nil
	}
	if _, ok := p.pending[hash]; ok {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.verify(ev); err != nil {
		return fmt.Errorf("evidence: verification failed: %w", err)
	}

	p.mu.Lock()
	p.pending[hash] = ev
	p.mu.Unlock()

	select {
	case p.newEvidence <- struct{}{}:
	default:
	}
	p.logger.Info("evidence: admitted", "height", ev.Height(), "hash", hash)
	return nil
}

// checkAge enforces spec.md §4.8's dual age bound: the evidence's height
// must be within max_age_num_blocks of currentHeight, and its time
// within max_age_duration of now.
func (p *Pool) checkAge(ev types.Evidence, currentHeight int64) error {
	age := currentHeight - ev.Height()
	if age < 0 {
		return fmt.Errorf("evidence: height %d is ahead of current height %d", ev.Height(), currentHeight)
	}
	if p.cfg.MaxAgeNumBlocks > 0 && age > p.cfg.MaxAgeNumBlocks {
		return fmt.Errorf("evidence: age %d blocks exceeds max %d", age, p.cfg.MaxAgeNumBlocks)
	}
	if ageDur := time.Since(ev.Time()); p.cfg.MaxAgeDuration > 0 && ageDur > p.cfg.MaxAgeDuration {
		return fmt.Errorf("evidence: age %s exceeds max %s", ageDur, p.cfg.MaxAgeDuration)
	}
	return nil
}

// verify dispatches to the per-kind verification rule (spec.md §4.8).
func (p *Pool) verify(ev types.Evidence) error {
	switch e := ev.(type) {
	case *types.DuplicateVoteEvidence:
		return VerifyDuplicateVote(p.chainID, e, p.valSetAt)
	case *types.LightClientAttackEvidence:
		return VerifyLightClientAttack(e, p.valSetAt)
	default:
		return fmt.Errorf("evidence: unknown evidence type %T", ev)
	}
}

// CheckEvidence verifies a block-proposed list against the same rules as
// AddEvidence, without mutating the pool — used to validate a peer's
// proposal before voting for it (spec.md §4.8).
func (p *Pool) CheckEvidence(list []types.Evidence, currentHeight int64) error {
	for _, ev := range list {
		if err := ev.ValidateBasic(); err != nil {
			return err
		}
		if err := p.checkAge(ev, currentHeight); err != nil {
			return err
		}
		if err := p.verify(ev); err != nil {
			return err
		}
	}
	return nil
}

// Update moves committed entries from pending to committed and prunes
// pending evidence that has aged out, per spec.md §4.8.
func (p *Pool) Update(committedHeight int64, committed []types.Evidence) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, ev := range committed {
		hash := ev.Hash()
		delete(p.pending, hash)
		p.committed[hash] = struct{}{}
	}
	for hash, ev := range p.pending {
		age := committedHeight - ev.Height()
		if (p.cfg.MaxAgeNumBlocks > 0 && age > p.cfg.MaxAgeNumBlocks) ||
			(p.cfg.MaxAgeDuration > 0 && time.Since(ev.Time()) > p.cfg.MaxAgeDuration) {
			delete(p.pending, hash)
		}
	}
}

// PendingEvidence returns up to maxBytes worth of pending evidence
// (by Bytes() length), oldest first, for inclusion in the next proposal.
func (p *Pool) PendingEvidence(maxBytes int64) []types.Evidence {
	p.mu.Lock()
	all := make([]types.Evidence, 0, len(p.pending))
	for _, ev := range p.pending {
		all = append(all, ev)
	}
	p.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Time().Before(all[j].Time()) })

	var out []types.Evidence
	var size int64
	for _, ev := range all {
		n := int64(len(ev.Bytes()))
		if size+n > maxBytes {
			break
		}
		out = append(out, ev)
		size += n
	}
	return out
}

// IsPending reports whether hash is still awaiting commitment.
func (p *Pool) IsPending(hash ids.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[hash]
	return ok
}

// IsCommitted reports whether hash has already been committed.
func (p *Pool) IsCommitted(hash ids.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.committed[hash]
	return ok
}
