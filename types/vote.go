// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/luxfi/ids"
)

// SignedMsgType distinguishes prevote and precommit votes, and proposals,
// on the wire (spec.md §3).
type SignedMsgType byte

const (
	UnknownType   SignedMsgType = 0x00
	PrevoteType   SignedMsgType = 0x01
	PrecommitType SignedMsgType = 0x02
	ProposalType  SignedMsgType = 0x20
)

func (t SignedMsgType) String() string {
	switch t {
	case PrevoteType:
		return "Prevote"
	case PrecommitType:
		return "Precommit"
	case ProposalType:
		return "Proposal"
	default:
		return "Unknown"
	}
}

// IsVoteTypeValid reports whether t is a valid vote type (proposals are
// not votes).
func IsVoteTypeValid(t SignedMsgType) bool {
	return t == PrevoteType || t == PrecommitType
}

// PartSetHeader identifies a PartSet by its part count and Merkle root
// (spec.md §3).
type PartSetHeader struct {
	Total uint32
	Hash  ids.ID
}

// IsZero reports whether h is the zero PartSetHeader.
func (h PartSetHeader) IsZero() bool {
	return h.Total == 0 && h.Hash == (ids.ID{})
}

func (h PartSetHeader) String() string {
	return fmt.Sprintf("%d:%s", h.Total, h.Hash)
}

// BlockID identifies a block by hash and its part-set header (spec.md §3).
type BlockID struct {
	Hash          ids.ID
	PartSetHeader PartSetHeader
}

// IsNil reports whether id is the all-zero sentinel block id.
func (id BlockID) IsNil() bool {
	return id.Hash == (ids.ID{}) && id.PartSetHeader.IsZero()
}

// IsComplete reports whether id is non-nil and has a positive parts total.
func (id BlockID) IsComplete() bool {
	return !id.IsNil() && id.PartSetHeader.Total > 0
}

// Equals compares two BlockIDs by value.
func (id BlockID) Equals(o BlockID) bool {
	return id.Hash == o.Hash && id.PartSetHeader == o.PartSetHeader
}

// Key returns a string suitable for use as a map key, used by VoteSet to
// bucket votes by block id (spec.md §4.3).
func (id BlockID) Key() string {
	return string(id.Hash[:]) + ":" + id.PartSetHeader.String()
}

func (id BlockID) String() string {
	if id.IsNil() {
		return "nil"
	}
	return fmt.Sprintf("%s:%s", id.Hash, id.PartSetHeader)
}

// Vote is a signed prevote or precommit (spec.md §3).
type Vote struct {
	Type             SignedMsgType
	Height           int64
	Round            int32
	BlockID          BlockID
	Timestamp        time.Time
	ValidatorAddress ids.NodeID
	ValidatorIndex   int32
	Signature        []byte
}

// Copy returns a value copy of v.
func (v *Vote) Copy() *Vote {
	cp := *v
	cp.Signature = append([]byte(nil), v.Signature...)
	return &cp
}

// CanonicalSignBytes returns the canonical encoding signed by validators,
// which binds the chain id so votes cannot be replayed across chains
// (spec.md §3: "Signature covers a canonical encoding that includes chain
// id"). The encoding is a fixed-order concatenation of fixed-width
// big-endian fields plus the length-prefixed chain id, rather than a
// reflection-driven codec, per spec.md §9.
func (v *Vote) CanonicalSignBytes(chainID string) []byte {
	buf := make([]byte, 0, 128)
	buf = appendUint64(buf, uint64(v.Type))
	buf = appendInt64(buf, v.Height)
	buf = appendInt64(buf, int64(v.Round))
	buf = append(buf, v.BlockID.Hash[:]...)
	buf = appendUint64(buf, uint64(v.BlockID.PartSetHeader.Total))
	buf = append(buf, v.BlockID.PartSetHeader.Hash[:]...)
	buf = appendInt64(buf, v.Timestamp.UnixNano())
	buf = appendString(buf, chainID)
	return buf
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendInt64(buf []byte, v int64) []byte {
	return appendUint64(buf, uint64(v))
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint64(buf, uint64(len(s)))
	return append(buf, s...)
}

// Sign signs v with priv for chainID and stores the signature.
func (v *Vote) Sign(chainID string, priv ed25519.PrivateKey) {
	v.Signature = ed25519.Sign(priv, v.CanonicalSignBytes(chainID))
}

// Verify checks v's signature against the given validator's public key.
func (v *Vote) Verify(chainID string, pubKey ed25519.PublicKey) bool {
	return ed25519.Verify(pubKey, v.CanonicalSignBytes(chainID), v.Signature)
}

func (v *Vote) String() string {
	return fmt.Sprintf("Vote{%d/%02d/%s %s %s by %s}", v.Height, v.Round, v.Type, v.BlockID, v.Timestamp, v.ValidatorAddress)
}

// Proposal is the proposer's announcement of a new block for (H, R),
// including the round at which it was locked (POL round), per spec.md
// §4.5.
type Proposal struct {
	Height    int64
	Round     int32
	POLRound  int32 // -1 if none
	BlockID   BlockID
	Timestamp time.Time
	Signature []byte
}

// CanonicalSignBytes mirrors Vote's canonical encoding for proposals.
func (p *Proposal) CanonicalSignBytes(chainID string) []byte {
	buf := make([]byte, 0, 96)
	buf = appendUint64(buf, uint64(ProposalType))
	buf = appendInt64(buf, p.Height)
	buf = appendInt64(buf, int64(p.Round))
	buf = appendInt64(buf, int64(p.POLRound))
	buf = append(buf, p.BlockID.Hash[:]...)
	buf = appendUint64(buf, uint64(p.BlockID.PartSetHeader.Total))
	buf = append(buf, p.BlockID.PartSetHeader.Hash[:]...)
	buf = appendInt64(buf, p.Timestamp.UnixNano())
	buf = appendString(buf, chainID)
	return buf
}

func (p *Proposal) Sign(chainID string, priv ed25519.PrivateKey) {
	p.Signature = ed25519.Sign(priv, p.CanonicalSignBytes(chainID))
}

func (p *Proposal) Verify(chainID string, pubKey ed25519.PublicKey) bool {
	return ed25519.Verify(pubKey, p.CanonicalSignBytes(chainID), p.Signature)
}
