package model

import "github.com/shopspring/decimal"

// ValidationStatus is the verdict of a balance validation pass.
type ValidationStatus string

const (
	ValidationConsistent ValidationStatus = "consistent"
	ValidationDiscrepant ValidationStatus = "discrepant"
)

// RowFinding localizes a running-balance break to a specific row. Expected is
// the running sum up to and including the row; Declared is what the statement
// printed next to it.
type RowFinding struct {
	Seq      int             `json:"seq"`
	Expected decimal.Decimal `json:"expected"`
	Declared decimal.Decimal `json:"declared"`
	Delta    decimal.Decimal `json:"delta"`
}

// ValidationFinding is the balance validator's output for one statement
// record. Delta = declared closing − (opening + Σ(amounts)); zero (within
// the configured epsilon) means consistent. Immutable once attached to a
// session.
type ValidationFinding struct {
	RecordIndex     int              `json:"record_index"`
	Status          ValidationStatus `json:"status"`
	ComputedClosing decimal.Decimal  `json:"computed_closing"`
	DeclaredClosing decimal.Decimal  `json:"declared_closing"`
	Delta           decimal.Decimal  `json:"delta"`
	RowFindings     []RowFinding     `json:"row_findings,omitempty"`
	Anomalies       []string         `json:"anomalies,omitempty"`
}

// Discrepant reports whether the finding blocks approval without an override.
func (f *ValidationFinding) Discrepant() bool {
	return f.Status == ValidationDiscrepant
}

// MatchBasis distinguishes exact identity matches from similarity matches.
type MatchBasis string

const (
	MatchExact MatchBasis = "exact"
	MatchFuzzy MatchBasis = "fuzzy"
)

// DuplicateCandidate pairs an incoming row with either a committed ledger
// entry or another incoming row from the same batch. The detector only
// annotates; acceptance or rejection is the reviewer's decision.
type DuplicateCandidate struct {
	ID          string     `json:"id"`
	RecordIndex int        `json:"record_index"`
	Seq         int        `json:"seq"`
	// Exactly one of LedgerID / PeerRecordIndex+PeerSeq is set.
	LedgerID        string     `json:"ledger_id,omitempty"`
	PeerRecordIndex *int       `json:"peer_record_index,omitempty"`
	PeerSeq         *int       `json:"peer_seq,omitempty"`
	Score           float64    `json:"score"`
	Basis           MatchBasis `json:"basis"`
	DaysApart       int        `json:"days_apart"`
	MatchedText     string     `json:"matched_text,omitempty"`
}
