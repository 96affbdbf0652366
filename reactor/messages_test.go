// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package reactor

import (
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/stretchr/testify/require"

	"github.com/noirhq/noir/bits"
	"github.com/noirhq/noir/consensus"
	"github.com/noirhq/noir/types"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	cases := []struct {
		name string
		kind MsgKind
		msg  interface{}
	}{
		{"NewRoundStep", KindNewRoundStep, &NewRoundStepMessage{Height: 4, Round: 1, Step: consensus.StepPrevote}},
		{"Proposal", KindProposal, &ProposalMessage{Proposal: &types.Proposal{Height: 4, Round: 1}}},
		{"BlockPart", KindBlockPart, &BlockPartMessage{Height: 4, Round: 1, Part: &types.Part{Index: 2, Bytes: []byte("part")}}},
		{"Vote", KindVote, &VoteMessage{Vote: &types.Vote{Height: 4, Round: 1, Type: types.PrevoteType}}},
		{"HasVote", KindHasVote, &HasVoteMessage{Height: 4, Round: 1, Type: types.PrecommitType, Index: 3}},
		{"VoteSetMaj23", KindVoteSetMaj23, &VoteSetMaj23Message{Height: 4, Round: 1, Type: types.PrevoteType}},
		{"VoteSetBits", KindVoteSetBits, &VoteSetBitsMessage{Height: 4, Round: 1, Type: types.PrevoteType, Votes: bits.New(3)}},
		{"EvidenceList", KindEvidenceList, &EvidenceListMessage{Evidence: []types.Evidence{
			types.NewDuplicateVoteEvidence(
				&types.Vote{Height: 4, Round: 1, Type: types.PrevoteType, BlockID: types.BlockID{}},
				&types.Vote{Height: 4, Round: 1, Type: types.PrevoteType, BlockID: types.BlockID{Hash: ids.ID{1}}},
				10, 30, time.Time{},
			),
		}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := EncodeEnvelope(tc.kind, tc.msg)
			require.NoError(t, err)

			got, err := DecodeEnvelope(data)
			require.NoError(t, err)
			require.Equal(t, tc.msg, got)
		})
	}
}

func TestDecodeEnvelope_UnknownKind(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"Kind":"Bogus"}`))
	require.Error(t, err)
}
