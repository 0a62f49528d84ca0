// Package integrity makes the decision log tamper-evident: a versioned
// content hash per decision, Merkle roots over a window of hashes, and
// inclusion proofs for single decisions. Nothing here does I/O.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"strconv"
	"strings"
	"time"
)

const hashPrefix = "v1:"

// Fields are the canonical decision fields covered by the content hash.
type Fields struct {
	DecisionID   string
	DecisionType string
	State        string
	Outcome      string
	// Confidence is -1 for outputs that carry no verdict.
	Confidence   float64
	OutputJSON   []byte
	InputsHash   string
	LogicVersion string
	CreatedAt    time.Time
}

// ComputeContentHash returns "v1:" plus the hex SHA-256 of f.
func ComputeContentHash(f Fields) string {
	return hashPrefix + digest(f)
}

// VerifyContentHash reports whether stored is the v1 hash of f.
func VerifyContentHash(stored string, f Fields) bool {
	sum, ok := strings.CutPrefix(stored, hashPrefix)
	return ok && sum == digest(f)
}

// digest length-prefixes every field (4-byte big endian) so that text in
// one field can never be read as part of its neighbour.
func digest(f Fields) string {
	w := fieldWriter{h: sha256.New()}
	w.string(f.DecisionID)
	w.string(f.DecisionType)
	w.string(f.State)
	w.string(f.Outcome)
	w.string(strconv.FormatFloat(f.Confidence, 'f', 10, 64))
	w.bytes(f.OutputJSON)
	w.string(f.InputsHash)
	w.string(f.LogicVersion)
	w.string(f.CreatedAt.UTC().Format(time.RFC3339Nano))
	return hex.EncodeToString(w.h.Sum(nil))
}

type fieldWriter struct{ h hash.Hash }

func (w fieldWriter) bytes(b []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(b))) //nolint:gosec // bounded by the request body limit
	w.h.Write(n[:])
	w.h.Write(b)
}

func (w fieldWriter) string(s string) { w.bytes([]byte(s)) }
