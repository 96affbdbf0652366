// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config holds every tunable enumerated in spec.md §6, following
// the teacher's "named preset constructors over one struct" convention.
package config

import (
	"fmt"
	"time"
)

// ConsensusConfig holds the round-timeout schedule (spec.md §6).
type ConsensusConfig struct {
	TimeoutPropose        time.Duration
	TimeoutProposeDelta   time.Duration
	TimeoutPrevote        time.Duration
	TimeoutPrevoteDelta   time.Duration
	TimeoutPrecommit      time.Duration
	TimeoutPrecommitDelta time.Duration
	TimeoutCommit         time.Duration

	CreateEmptyBlocks          bool
	CreateEmptyBlocksInterval  time.Duration
	PeerGossipSleepDuration    time.Duration
	PeerQueryMaj23SleepDuration time.Duration
}

// Propose returns the propose-step timeout for round, growing linearly
// per spec.md §6.
func (c ConsensusConfig) Propose(round int32) time.Duration {
	return c.TimeoutPropose + time.Duration(round)*c.TimeoutProposeDelta
}

// Prevote returns the prevote-wait timeout for round.
func (c ConsensusConfig) Prevote(round int32) time.Duration {
	return c.TimeoutPrevote + time.Duration(round)*c.TimeoutPrevoteDelta
}

// Precommit returns the precommit-wait timeout for round.
func (c ConsensusConfig) Precommit(round int32) time.Duration {
	return c.TimeoutPrecommit + time.Duration(round)*c.TimeoutPrecommitDelta
}

// MConnConfig tunes the multiplexed connection (spec.md §4.11, §6).
type MConnConfig struct {
	MaxPacketMsgPayloadSize  int
	FlushThrottleTimeout     time.Duration
	PingInterval             time.Duration
	PongTimeout              time.Duration
	RecvRateLimitBytesPerSec int64
	SendQueueCapacity        int
	RecvBufferCapacity       int
}

// EvidenceConfig bounds evidence admission (spec.md §6).
type EvidenceConfig struct {
	MaxAgeNumBlocks int64
	MaxAgeDuration  time.Duration
	MaxBytes        int64
}

// BlockConfig caps block size/gas (spec.md §6).
type BlockConfig struct {
	MaxBytes int64
	MaxGas   int64
}

// WALConfig tunes write-ahead log rotation (spec.md §4.9, §6).
type WALConfig struct {
	RotateSize int64
	NumFiles   int
}

// BlockSyncConfig tunes the catch-up fast path (spec.md §4.7, §6).
type BlockSyncConfig struct {
	MaxTotalRequesters        int
	MaxPendingRequestsPerPeer int
	PeerTimeout               time.Duration
	RequestInterval           time.Duration
	StatusUpdateInterval      time.Duration
}

// PeerConfig tunes the peer manager and router's dial/evict/queue
// behavior (spec.md §4.12, §6).
type PeerConfig struct {
	MaxConnected               int
	MaxOutgoingConnections     int
	MinRetryTime               time.Duration
	MaxRetryTime               time.Duration
	MaxRetryTimePersistent     time.Duration
	RetryTimeJitter            time.Duration
	ReconnectCooldown          time.Duration
	DialTimeout                time.Duration
	PeerQueueCapacity          int
	PersistentPeers            []string
}

// ABCIConfig configures the out-of-process application connection (spec.md
// §4.13, §6's "length-prefixed framed request/response over a Unix socket
// or TCP").
type ABCIConfig struct {
	Transport   string // "tcp" or "unix"
	Address     string // host:port for tcp, filesystem path for unix
	DialTimeout time.Duration
}

// Config aggregates every tunable in one value, constructed via one of
// the named presets below (spec.md §6 enumerates every key).
type Config struct {
	ChainID   string
	Consensus ConsensusConfig
	MConn     MConnConfig
	Evidence  EvidenceConfig
	Block     BlockConfig
	WAL       WALConfig
	BlockSync BlockSyncConfig
	Peer      PeerConfig
	ABCI      ABCIConfig
}

// Default returns production-oriented defaults, grounded on the round
// timeouts documented in spec.md §6.
func Default() Config {
	return Config{
		Consensus: ConsensusConfig{
			TimeoutPropose:              3 * time.Second,
			TimeoutProposeDelta:         500 * time.Millisecond,
			TimeoutPrevote:              1 * time.Second,
			TimeoutPrevoteDelta:         500 * time.Millisecond,
			TimeoutPrecommit:            1 * time.Second,
			TimeoutPrecommitDelta:       500 * time.Millisecond,
			TimeoutCommit:               1 * time.Second,
			CreateEmptyBlocks:           true,
			PeerGossipSleepDuration:     100 * time.Millisecond,
			PeerQueryMaj23SleepDuration: 2 * time.Second,
		},
		MConn: MConnConfig{
			MaxPacketMsgPayloadSize:  1024,
			FlushThrottleTimeout:     100 * time.Millisecond,
			PingInterval:             30 * time.Second,
			PongTimeout:              15 * time.Second,
			RecvRateLimitBytesPerSec: 5120000,
			SendQueueCapacity:        1000,
			RecvBufferCapacity:       4 * 1024 * 1024,
		},
		Evidence: EvidenceConfig{
			MaxAgeNumBlocks: 100000,
			MaxAgeDuration:  48 * time.Hour,
			MaxBytes:        1024 * 1024,
		},
		Block: BlockConfig{
			MaxBytes: 4 * 1024 * 1024,
			MaxGas:   -1,
		},
		WAL: WALConfig{
			RotateSize: 10 * 1024 * 1024,
			NumFiles:   10,
		},
		BlockSync: BlockSyncConfig{
			MaxTotalRequesters:        30,
			MaxPendingRequestsPerPeer: 20,
			PeerTimeout:               15 * time.Second,
			RequestInterval:           2 * time.Millisecond,
			StatusUpdateInterval:      10 * time.Second,
		},
		Peer: PeerConfig{
			MaxConnected:           50,
			MaxOutgoingConnections: 10,
			MinRetryTime:           1 * time.Second,
			MaxRetryTime:           1 * time.Hour,
			MaxRetryTimePersistent: 5 * time.Second,
			RetryTimeJitter:        3 * time.Second,
			ReconnectCooldown:      30 * time.Second,
			DialTimeout:            3 * time.Second,
			PeerQueueCapacity:      64,
		},
		ABCI: ABCIConfig{
			Transport:   "unix",
			Address:     "/tmp/noir-abci.sock",
			DialTimeout: 5 * time.Second,
		},
	}
}

// Test returns fast timeouts suitable for deterministic test harnesses.
func Test() Config {
	c := Default()
	c.Consensus.TimeoutPropose = 40 * time.Millisecond
	c.Consensus.TimeoutProposeDelta = 5 * time.Millisecond
	c.Consensus.TimeoutPrevote = 10 * time.Millisecond
	c.Consensus.TimeoutPrevoteDelta = 5 * time.Millisecond
	c.Consensus.TimeoutPrecommit = 10 * time.Millisecond
	c.Consensus.TimeoutPrecommitDelta = 5 * time.Millisecond
	c.Consensus.TimeoutCommit = 10 * time.Millisecond
	c.BlockSync.RequestInterval = 1 * time.Millisecond
	c.WAL.RotateSize = 64 * 1024
	c.Peer.MinRetryTime = 1 * time.Millisecond
	c.Peer.MaxRetryTime = 20 * time.Millisecond
	c.Peer.MaxRetryTimePersistent = 5 * time.Millisecond
	c.Peer.RetryTimeJitter = 1 * time.Millisecond
	c.Peer.ReconnectCooldown = 5 * time.Millisecond
	c.Peer.DialTimeout = 20 * time.Millisecond
	c.ABCI.DialTimeout = 20 * time.Millisecond
	return c
}

// Validate checks the invariants spec.md §6 requires of every preset.
func (c Config) Validate() error {
	if c.Consensus.TimeoutPropose <= 0 {
		return fmt.Errorf("config: timeout_propose must be positive")
	}
	if c.Block.MaxBytes <= 0 {
		return fmt.Errorf("config: block.max_bytes must be positive")
	}
	if c.Evidence.MaxBytes <= 0 {
		return fmt.Errorf("config: evidence.max_bytes must be positive")
	}
	if c.WAL.RotateSize <= 0 {
		return fmt.Errorf("config: wal.rotate_size must be positive")
	}
	if c.BlockSync.MaxTotalRequesters <= 0 {
		return fmt.Errorf("config: blocksync.max_total_requesters must be positive")
	}
	if c.Peer.MaxConnected <= 0 {
		return fmt.Errorf("config: peer.max_connected must be positive")
	}
	if c.ABCI.Transport != "tcp" && c.ABCI.Transport != "unix" {
		return fmt.Errorf("config: abci.transport must be \"tcp\" or \"unix\", got %q", c.ABCI.Transport)
	}
	return nil
}
