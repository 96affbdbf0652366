// Copyright (C) 2020-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package types

import (
	"crypto/sha256"

	"github.com/luxfi/ids"
)

// Sha256 hashes data, per spec.md §1 ("all hashes are SHA-256").
func Sha256(data []byte) ids.ID {
	return ids.ID(sha256.Sum256(data))
}

// merkleHashLeaf hashes a single leaf for the Merkle tree used by PartSet
// and Commit, domain-separated from internal nodes (0x00 prefix) the way
// RFC 6962-style trees avoid second-preimage attacks.
func merkleHashLeaf(leaf []byte) ids.ID {
	buf := make([]byte, 0, len(leaf)+1)
	buf = append(buf, 0x00)
	buf = append(buf, leaf...)
	return Sha256(buf)
}

func merkleHashNode(left, right ids.ID) ids.ID {
	buf := make([]byte, 0, 65)
	buf = append(buf, 0x01)
	buf = append(buf, left[:]...)
	buf = append(buf, right[:]...)
	return Sha256(buf)
}

// MerkleRoot computes the root over an ordered list of leaves. An empty
// list hashes to the zero ID, matching the "nil" sentinel used throughout
// (spec.md §3, BlockID "nil" = all zero).
func MerkleRoot(leaves [][]byte) ids.ID {
	switch len(leaves) {
	case 0:
		return ids.ID{}
	case 1:
		return merkleHashLeaf(leaves[0])
	default:
		k := nextPowerOfTwoSplit(len(leaves))
		left := MerkleRoot(leaves[:k])
		right := MerkleRoot(leaves[k:])
		return merkleHashNode(left, right)
	}
}

// nextPowerOfTwoSplit returns the split point for a tree of n leaves: the
// largest power of two strictly less than n.
func nextPowerOfTwoSplit(n int) int {
	k := 1
	for k*2 < n {
		k *= 2
	}
	return k
}

// MerkleProof is an inclusion proof for one leaf of a MerkleRoot tree.
// Aunts (and the matching AuntIsRight flags) are ordered from the leaf's
// immediate sibling up to the root's child, a flat slice rather than a
// pointer tree, per spec.md §3 ("parent/child relations ... expressed as
// indices into a flat node vector, not back-pointers").
type MerkleProof struct {
	Index       int
	Total       int
	LeafHash    ids.ID
	Aunts       []ids.ID
	AuntIsRight []bool // true if the aunt at this level is the right sibling
}

// ProofsFromLeaves builds one MerkleProof per leaf alongside the shared
// root.
func ProofsFromLeaves(leaves [][]byte) (root ids.ID, proofs []MerkleProof) {
	n := len(leaves)
	hashes := make([]ids.ID, n)
	for i, l := range leaves {
		hashes[i] = merkleHashLeaf(l)
	}
	proofs = make([]MerkleProof, n)
	for i := range proofs {
		proofs[i] = MerkleProof{Index: i, Total: n, LeafHash: hashes[i]}
	}
	root = buildProofTree(hashes, indices(n), proofs)
	return root, proofs
}

func indices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

func buildProofTree(hashes []ids.ID, idx []int, proofs []MerkleProof) ids.ID {
	switch len(hashes) {
	case 0:
		return ids.ID{}
	case 1:
		return hashes[0]
	default:
		k := nextPowerOfTwoSplit(len(hashes))
		leftHashes, rightHashes := hashes[:k], hashes[k:]
		leftIdx, rightIdx := idx[:k], idx[k:]

		leftRoot := buildProofTree(leftHashes, leftIdx, proofs)
		rightRoot := buildProofTree(rightHashes, rightIdx, proofs)

		for _, i := range leftIdx {
			proofs[i].Aunts = append(proofs[i].Aunts, rightRoot)
			proofs[i].AuntIsRight = append(proofs[i].AuntIsRight, true)
		}
		for _, i := range rightIdx {
			proofs[i].Aunts = append(proofs[i].Aunts, leftRoot)
			proofs[i].AuntIsRight = append(proofs[i].AuntIsRight, false)
		}
		return merkleHashNode(leftRoot, rightRoot)
	}
}

// Verify checks the proof reconstructs root from leaf, recombining
// bottom-up using the recorded left/right side of each aunt.
func (p MerkleProof) Verify(root ids.ID, leaf []byte) bool {
	computed := merkleHashLeaf(leaf)
	if computed != p.LeafHash {
		return false
	}
	cur := computed
	for i, aunt := range p.Aunts {
		if p.AuntIsRight[i] {
			cur = merkleHashNode(cur, aunt)
		} else {
			cur = merkleHashNode(aunt, cur)
		}
	}
	return cur == root
}
