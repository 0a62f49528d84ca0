package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrLeafOutOfRange is returned by MerkleProof for an index outside leaves.
var ErrLeafOutOfRange = errors.New("integrity: leaf index out of range")

// nodePrefix separates interior nodes from leaves (RFC 6962), so no
// interior hash can pass for a content hash.
const nodePrefix = 0x01

func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{nodePrefix})
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// parents hashes one tree level into the next. An odd tail pairs with
// itself.
func parents(level []string) []string {
	next := make([]string, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		right := level[i]
		if i+1 < len(level) {
			right = level[i+1]
		}
		next = append(next, hashPair(level[i], right))
	}
	return next
}

// BuildMerkleRoot returns the root over leaves in the order given; callers
// sort first. No leaves gives "", one leaf is its own root.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := leaves
	for len(level) > 1 {
		level = parents(level)
	}
	return level[0]
}

// ProofStep is the sibling hash met at one level on the way to the root.
type ProofStep struct {
	Hash string `json:"hash"`
	// Right is true when the sibling sits to the right of the running hash.
	Right bool `json:"right"`
}

// MerkleProof returns the path from leaves[index] to BuildMerkleRoot(leaves).
func MerkleProof(leaves []string, index int) ([]ProofStep, error) {
	if index < 0 || index >= len(leaves) {
		return nil, ErrLeafOutOfRange
	}
	var steps []ProofStep
	level := leaves
	for len(level) > 1 {
		sibling := index ^ 1
		if sibling >= len(level) {
			sibling = index
		}
		steps = append(steps, ProofStep{Hash: level[sibling], Right: index%2 == 0})
		level = parents(level)
		index /= 2
	}
	return steps, nil
}

// VerifyMerkleProof folds steps over leaf and compares the result to root.
func VerifyMerkleProof(leaf string, steps []ProofStep, root string) bool {
	acc := leaf
	for _, s := range steps {
		if s.Right {
			acc = hashPair(acc, s.Hash)
		} else {
			acc = hashPair(s.Hash, acc)
		}
	}
	return root != "" && acc == root
}
