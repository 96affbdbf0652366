// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package node wires every owned subsystem (stores, WAL, evidence pool,
// consensus state machine, reactors, transport, ABCI, RPC) into one
// single-owner Node value, breaking the cyclic references spec.md §9
// calls out by having every subsystem reach its neighbors through Node
// rather than holding a raw pointer into them.
package node

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"

	"github.com/luxfi/ids"

	"github.com/noirhq/noir/types"
)

// FilePrivValidator signs votes and proposals with a long-term Ed25519
// key persisted as JSON on disk, the node's analogue of the teacher's
// file-backed identity keys.
type FilePrivValidator struct {
	addr ids.NodeID
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

type filePrivValidatorJSON struct {
	PubKey  []byte
	PrivKey []byte
}

// GenFilePrivValidator creates a fresh key pair and persists it to path.
func GenFilePrivValidator(path string) (*FilePrivValidator, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("node: generating validator key: %w", err)
	}
	pv := &FilePrivValidator{addr: types.AddressFromPubKey(pub), pub: pub, priv: priv}
	if err := pv.save(path); err != nil {
		return nil, err
	}
	return pv, nil
}

// LoadOrGenFilePrivValidator loads the key at path, generating and
// persisting a new one if the file doesn't exist yet (spec.md §9's
// "explicit Node value" replacing ambient global key state).
func LoadOrGenFilePrivValidator(path string) (*FilePrivValidator, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return GenFilePrivValidator(path)
	}
	if err != nil {
		return nil, fmt.Errorf("node: reading validator key file %s: %w", path, err)
	}
	var data filePrivValidatorJSON
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("node: decoding validator key file %s: %w", path, err)
	}
	pub := ed25519.PublicKey(data.PubKey)
	return &FilePrivValidator{
		addr: types.AddressFromPubKey(pub),
		pub:  pub,
		priv: ed25519.PrivateKey(data.PrivKey),
	}, nil
}

func (pv *FilePrivValidator) save(path string) error {
	raw, err := json.Marshal(filePrivValidatorJSON{PubKey: pv.pub, PrivKey: pv.priv})
	if err != nil {
		return fmt.Errorf("node: encoding validator key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return fmt.Errorf("node: writing validator key file %s: %w", path, err)
	}
	return nil
}

// GetAddress returns the validator's 20-byte address.
func (pv *FilePrivValidator) GetAddress() ids.NodeID { return pv.addr }

// GetPubKey returns the validator's long-term public key.
func (pv *FilePrivValidator) GetPubKey() ed25519.PublicKey { return pv.pub }

// SignVote signs vote in place for chainID (consensus.PrivValidator).
func (pv *FilePrivValidator) SignVote(chainID string, vote *types.Vote) error {
	vote.Sign(chainID, pv.priv)
	return nil
}

// SignProposal signs proposal in place for chainID
// (consensus.PrivValidator).
func (pv *FilePrivValidator) SignProposal(chainID string, proposal *types.Proposal) error {
	proposal.Sign(chainID, pv.priv)
	return nil
}

// Key returns the validator's long-term identity key pair, used by the
// Node to authenticate its p2p transport with the same key that signs
// consensus messages.
func (pv *FilePrivValidator) Key() (ed25519.PublicKey, ed25519.PrivateKey) {
	return pv.pub, pv.priv
}
