package health

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ashita-ai/tabi/internal/integrity"
	"github.com/ashita-ai/tabi/internal/storage"
)

// IntegrityMaxRows caps the decisions verified per request.
const IntegrityMaxRows = 5000

var (
	// ErrInvalidRange is returned when an integrity window is empty or inverted.
	ErrInvalidRange = errors.New("health: integrity window must have from before to")
	// ErrNotInWindow is returned by ProveInclusion for a decision outside
	// the checked part of the window.
	ErrNotInWindow = errors.New("health: decision not in integrity window")
)

// IntegrityReport is the result of re-hashing the decisions in a window.
type IntegrityReport struct {
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	Checked    int       `json:"checked"`
	Mismatched []string  `json:"mismatched"`
	MerkleRoot string    `json:"merkle_root"`
	// Truncated is set when the window held more than IntegrityMaxRows
	// decisions; only the first IntegrityMaxRows by decision_id were checked.
	Truncated bool `json:"truncated"`
}

// InclusionProof ties one decision's stored hash to the Merkle root of its
// window. Anyone holding the root can check it with
// integrity.VerifyMerkleProof.
type InclusionProof struct {
	DecisionID  string                `json:"decision_id"`
	ContentHash string                `json:"content_hash"`
	From        time.Time             `json:"from"`
	To          time.Time             `json:"to"`
	MerkleRoot  string                `json:"merkle_root"`
	Steps       []integrity.ProofStep `json:"steps"`
	// Intact is false when the decision no longer matches its stored hash.
	Intact bool `json:"intact"`
}

// window is the checked slice of a time range with its sorted leaves.
type window struct {
	rows      []storage.IntegrityRow
	leaves    []string
	truncated bool
}

func (s *Service) loadWindow(ctx context.Context, from, to time.Time) (*window, error) {
	if !from.Before(to) {
		return nil, ErrInvalidRange
	}
	rows, err := s.store.ListIntegrityRows(ctx, from, to, IntegrityMaxRows)
	if err != nil {
		return nil, fmt.Errorf("health: integrity rows: %w", err)
	}
	w := &window{rows: rows}
	if len(rows) > IntegrityMaxRows {
		w.rows, w.truncated = rows[:IntegrityMaxRows], true
	}
	w.leaves = make([]string, len(w.rows))
	for i, row := range w.rows {
		w.leaves[i] = row.ContentHash
	}
	slices.Sort(w.leaves)
	return w, nil
}

// VerifyIntegrity recomputes the content hash of every decision created in
// [from, to) and returns the ids whose stored hash no longer matches, plus a
// Merkle root over the stored hashes for external anchoring.
func (s *Service) VerifyIntegrity(ctx context.Context, from, to time.Time) (*IntegrityReport, error) {
	w, err := s.loadWindow(ctx, from, to)
	if err != nil {
		return nil, err
	}
	rep := &IntegrityReport{
		From:       from.UTC(),
		To:         to.UTC(),
		Checked:    len(w.rows),
		Mismatched: []string{},
		MerkleRoot: integrity.BuildMerkleRoot(w.leaves),
		Truncated:  w.truncated,
	}
	for _, row := range w.rows {
		if !integrity.VerifyContentHash(row.ContentHash, row.Fields) {
			rep.Mismatched = append(rep.Mismatched, row.Fields.DecisionID)
		}
	}
	if len(rep.Mismatched) > 0 {
		s.logger.Error("health: content hash mismatch", "count", len(rep.Mismatched), "from", from, "to", to)
	}
	return rep, nil
}

// ProveInclusion returns the Merkle path for decisionID within [from, to).
func (s *Service) ProveInclusion(ctx context.Context, from, to time.Time, decisionID string) (*InclusionProof, error) {
	w, err := s.loadWindow(ctx, from, to)
	if err != nil {
		return nil, err
	}
	i := slices.IndexFunc(w.rows, func(r storage.IntegrityRow) bool { return r.Fields.DecisionID == decisionID })
	if i < 0 {
		return nil, ErrNotInWindow
	}
	row := w.rows[i]
	steps, err := integrity.MerkleProof(w.leaves, slices.Index(w.leaves, row.ContentHash))
	if err != nil {
		return nil, fmt.Errorf("health: inclusion proof: %w", err)
	}
	return &InclusionProof{
		DecisionID:  decisionID,
		ContentHash: row.ContentHash,
		From:        from.UTC(),
		To:          to.UTC(),
		MerkleRoot:  integrity.BuildMerkleRoot(w.leaves),
		Steps:       steps,
		Intact:      integrity.VerifyContentHash(row.ContentHash, row.Fields),
	}, nil
}
