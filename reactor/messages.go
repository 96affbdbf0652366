// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package reactor implements the per-peer consensus gossip loops that
// keep every peer's mirror of our round state current and push the
// proposal, its parts, and votes to whichever peer is missing them
// (spec.md §4.6).
package reactor

import (
	"encoding/json"
	"fmt"

	"github.com/noirhq/noir/bits"
	"github.com/noirhq/noir/consensus"
	"github.com/noirhq/noir/types"
)

// Channel ids, mirroring the teacher's StateChannel/DataChannel/
// VoteChannel/VoteSetBitsChannel split by traffic shape and priority;
// EvidenceChannel is this module's addition for spec.md §4.8's pending-
// evidence gossip.
const (
	StateChannel    byte = 0x20
	DataChannel     byte = 0x21
	VoteChannel     byte = 0x22
	VoteSetBitsChannel byte = 0x23
	EvidenceChannel byte = 0x24
)

// MsgKind discriminates the oneof carried by an Envelope, the same
// tagged-union-over-JSON shape the wal package uses for its records.
type MsgKind string

const (
	KindNewRoundStep    MsgKind = "NewRoundStep"
	KindNewValidBlock   MsgKind = "NewValidBlock"
	KindProposal        MsgKind = "Proposal"
	KindProposalPOL     MsgKind = "ProposalPOL"
	KindBlockPart       MsgKind = "BlockPart"
	KindVote            MsgKind = "Vote"
	KindHasVote         MsgKind = "HasVote"
	KindVoteSetMaj23    MsgKind = "VoteSetMaj23"
	KindVoteSetBits     MsgKind = "VoteSetBits"
	KindEvidenceList    MsgKind = "EvidenceList"
)

// NewRoundStepMessage announces our current (height, round, step),
// letting every peer's PeerState mirror advance (spec.md §4.6's
// peer_state_update).
type NewRoundStepMessage struct {
	Height                int64
	Round                 int32
	Step                  consensus.RoundStepType
	SecondsSinceStartTime int64
	LastCommitRound       int32
}

// NewValidBlockMessage announces the block-parts header of a newly
// valid block (our own proposal, or one we've locked/validated),
// letting peers that are on a previous round catch up without waiting
// for a full ProposalMessage.
type NewValidBlockMessage struct {
	Height           int64
	Round            int32
	BlockPartsHeader types.PartSetHeader
	BlockParts       *bits.BitArray
	IsCommit         bool
}

// ProposalMessage carries the proposer's signed Proposal.
type ProposalMessage struct {
	Proposal *types.Proposal
}

// ProposalPOLMessage tells a peer which prevotes we hold for the
// proposal's claimed proof-of-lock round, once we've sent it the
// proposal itself.
type ProposalPOLMessage struct {
	Height           int64
	ProposalPOLRound int32
	ProposalPOL      *bits.BitArray
}

// BlockPartMessage carries one part of the block being proposed at
// (Height, Round).
type BlockPartMessage struct {
	Height int64
	Round  int32
	Part   *types.Part
}

// VoteMessage carries a single signed vote.
type VoteMessage struct {
	Vote *types.Vote
}

// HasVoteMessage tells peers we now hold a vote they can stop offering
// us, without shipping the vote itself.
type HasVoteMessage struct {
	Height int64
	Round  int32
	Type   types.SignedMsgType
	Index  int32
}

// VoteSetMaj23Message is query_maj23_routine's probe: "here is the
// block id we've seen +2/3 for; tell us if you disagree" (spec.md
// §4.6's Byzantine-divergence detection).
type VoteSetMaj23Message struct {
	Height  int64
	Round   int32
	Type    types.SignedMsgType
	BlockID types.BlockID
}

// VoteSetBitsMessage answers a VoteSetMaj23Message with our bitmap of
// which validators we have votes from for that (height, round, type).
type VoteSetBitsMessage struct {
	Height  int64
	Round   int32
	Type    types.SignedMsgType
	BlockID types.BlockID
	Votes   *bits.BitArray
}

// EvidenceListMessage carries pending evidence, emitted on the
// evidence-gossip ticker (spec.md §4.8, "≈10s").
type EvidenceListMessage struct {
	Evidence []types.Evidence
}

// evidenceKind tags which of types.Evidence's two implementations one
// wire entry holds, the same shape Envelope uses for reactor messages,
// needed because encoding/json cannot unmarshal directly into an
// interface-typed slice.
type evidenceKind string

const (
	evidenceKindDuplicateVote     evidenceKind = "DuplicateVote"
	evidenceKindLightClientAttack evidenceKind = "LightClientAttack"
)

type evidenceEnvelope struct {
	Kind              evidenceKind
	DuplicateVote     *types.DuplicateVoteEvidence     `json:",omitempty"`
	LightClientAttack *types.LightClientAttackEvidence `json:",omitempty"`
}

// MarshalJSON tags each entry of m.Evidence by its concrete type.
func (m EvidenceListMessage) MarshalJSON() ([]byte, error) {
	envs := make([]evidenceEnvelope, 0, len(m.Evidence))
	for _, ev := range m.Evidence {
		switch e := ev.(type) {
		case *types.DuplicateVoteEvidence:
			envs = append(envs, evidenceEnvelope{Kind: evidenceKindDuplicateVote, DuplicateVote: e})
		case *types.LightClientAttackEvidence:
			envs = append(envs, evidenceEnvelope{Kind: evidenceKindLightClientAttack, LightClientAttack: e})
		}
	}
	return json.Marshal(envs)
}

// UnmarshalJSON reverses MarshalJSON, rebuilding m.Evidence's concrete
// types from each entry's Kind.
func (m *EvidenceListMessage) UnmarshalJSON(data []byte) error {
	var envs []evidenceEnvelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return err
	}
	m.Evidence = make([]types.Evidence, 0, len(envs))
	for _, env := range envs {
		switch env.Kind {
		case evidenceKindDuplicateVote:
			if env.DuplicateVote != nil {
				m.Evidence = append(m.Evidence, env.DuplicateVote)
			}
		case evidenceKindLightClientAttack:
			if env.LightClientAttack != nil {
				m.Evidence = append(m.Evidence, env.LightClientAttack)
			}
		}
	}
	return nil
}

// Envelope is the wire shape every channel carries: exactly one of the
// pointer fields is set, tagged by Kind.
type Envelope struct {
	Kind MsgKind

	NewRoundStep  *NewRoundStepMessage  `json:",omitempty"`
	NewValidBlock *NewValidBlockMessage `json:",omitempty"`
	Proposal      *ProposalMessage      `json:",omitempty"`
	ProposalPOL   *ProposalPOLMessage   `json:",omitempty"`
	BlockPart     *BlockPartMessage     `json:",omitempty"`
	Vote          *VoteMessage          `json:",omitempty"`
	HasVote       *HasVoteMessage       `json:",omitempty"`
	VoteSetMaj23  *VoteSetMaj23Message  `json:",omitempty"`
	VoteSetBits   *VoteSetBitsMessage   `json:",omitempty"`
	EvidenceList  *EvidenceListMessage  `json:",omitempty"`
}

func envelope(kind MsgKind, msg interface{}) Envelope {
	env := Envelope{Kind: kind}
	switch m := msg.(type) {
	case *NewRoundStepMessage:
		env.NewRoundStep = m
	case *NewValidBlockMessage:
		env.NewValidBlock = m
	case *ProposalMessage:
		env.Proposal = m
	case *ProposalPOLMessage:
		env.ProposalPOL = m
	case *BlockPartMessage:
		env.BlockPart = m
	case *VoteMessage:
		env.Vote = m
	case *HasVoteMessage:
		env.HasVote = m
	case *VoteSetMaj23Message:
		env.VoteSetMaj23 = m
	case *VoteSetBitsMessage:
		env.VoteSetBits = m
	case *EvidenceListMessage:
		env.EvidenceList = m
	}
	return env
}

// decode extracts the concrete message an Envelope carries.
func decode(env Envelope) (interface{}, error) {
	switch env.Kind {
	case KindNewRoundStep:
		return env.NewRoundStep, nil
	case KindNewValidBlock:
		return env.NewValidBlock, nil
	case KindProposal:
		return env.Proposal, nil
	case KindProposalPOL:
		return env.ProposalPOL, nil
	case KindBlockPart:
		return env.BlockPart, nil
	case KindVote:
		return env.Vote, nil
	case KindHasVote:
		return env.HasVote, nil
	case KindVoteSetMaj23:
		return env.VoteSetMaj23, nil
	case KindVoteSetBits:
		return env.VoteSetBits, nil
	case KindEvidenceList:
		return env.EvidenceList, nil
	default:
		return nil, fmt.Errorf("reactor: unknown envelope kind %q", env.Kind)
	}
}

// DecodeEnvelope is Receive's entrypoint for turning wire bytes back
// into a typed message.
func DecodeEnvelope(data []byte) (interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("reactor: decoding envelope: %w", err)
	}
	return decode(env)
}

// EncodeEnvelope wraps msg in its tagged envelope and marshals it,
// ready to hand to a Peer.Send.
func EncodeEnvelope(kind MsgKind, msg interface{}) ([]byte, error) {
	return json.Marshal(envelope(kind, msg))
}
