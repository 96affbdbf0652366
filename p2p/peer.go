// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package p2p

import (
	"crypto/ed25519"
	"net"
	"sync/atomic"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"

	"github.com/noirhq/noir/config"
	"github.com/noirhq/noir/types"
)

// Peer is one connected node: a NodeID-addressable, channel-multiplexed
// send/receive endpoint. This is the single concrete type behind both
// reactor.Peer and blocksync.Peer — those packages declare the same
// four-method shape independently, so this type satisfies both without
// any adapter (spec.md §4.12).
type Peer struct {
	id      ids.NodeID
	pubKey  ed25519.PublicKey
	outbound bool

	sc *SecretConnection
	mc *MConnection

	running atomic.Bool
}

// NewPeer wraps an already-handshaken SecretConnection in an
// MConnection and starts its send/receive loops. onReceive is the
// router's dispatch callback for reassembled messages arriving on any
// channel (spec.md §4.11, §4.12).
func NewPeer(sc *SecretConnection, outbound bool, cfg config.MConnConfig, logger log.Logger, onReceive func(p *Peer, chID byte, data []byte), onError func(p *Peer, err error)) *Peer {
	p := &Peer{
		id:       types.AddressFromPubKey(sc.RemotePubKey()),
		pubKey:   sc.RemotePubKey(),
		outbound: outbound,
		sc:       sc,
	}
	p.running.Store(true)
	p.mc = NewMConnection(sc, NoirChannelDescriptors(cfg), cfg,
		logger,
		func(chID byte, data []byte) { onReceive(p, chID, data) },
		func(err error) {
			p.running.Store(false)
			if onError != nil {
				onError(p, err)
			}
		},
	)
	p.mc.Start()
	return p
}

// ID returns the peer's NodeID, derived from its authenticated identity
// key the same way a validator's address is derived from its consensus
// key (spec.md §4.10, §3).
func (p *Peer) ID() ids.NodeID { return p.id }

// PubKey returns the peer's authenticated long-term identity key.
func (p *Peer) PubKey() ed25519.PublicKey { return p.pubKey }

// IsOutbound reports whether this node dialed the peer (true) or
// accepted an incoming connection from it (false) — PeerManager weighs
// these differently when choosing who to evict (spec.md §4.12).
func (p *Peer) IsOutbound() bool { return p.outbound }

// Send queues data on chID for delivery, per the Peer contract
// reactor/blocksync depend on.
func (p *Peer) Send(chID byte, data []byte) bool {
	if !p.running.Load() {
		return false
	}
	return p.mc.Send(chID, data)
}

// TrySend is Send's non-blocking sibling (see MConnection.TrySend).
func (p *Peer) TrySend(chID byte, data []byte) bool {
	if !p.running.Load() {
		return false
	}
	return p.mc.TrySend(chID, data)
}

// IsRunning reports whether the peer's connection is still alive.
func (p *Peer) IsRunning() bool { return p.running.Load() }

// Stop tears down the peer's MConnection (and with it, its
// SecretConnection).
func (p *Peer) Stop() {
	p.running.Store(false)
	p.mc.Stop()
}

// DialPeer dials addr, runs the SecretConnection handshake as the
// initiator, and wraps the result in a Peer (spec.md §4.10, §4.12's
// dial_next outcome).
func DialPeer(addr string, dialTimeout time.Duration, locPrivKey ed25519.PrivateKey, expectedPubKey ed25519.PublicKey, cfg config.MConnConfig, logger log.Logger, onReceive func(p *Peer, chID byte, data []byte), onError func(p *Peer, err error)) (*Peer, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	sc, err := Handshake(conn, locPrivKey, expectedPubKey)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return NewPeer(sc, true, cfg, logger, onReceive, onError), nil
}

// AcceptPeer runs the SecretConnection handshake as the responder over
// an already-accepted net.Conn (spec.md §4.10, §4.12's incoming-
// connection path).
func AcceptPeer(conn net.Conn, locPrivKey ed25519.PrivateKey, cfg config.MConnConfig, logger log.Logger, onReceive func(p *Peer, chID byte, data []byte), onError func(p *Peer, err error)) (*Peer, error) {
	sc, err := Handshake(conn, locPrivKey, nil)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return NewPeer(sc, false, cfg, logger, onReceive, onError), nil
}
