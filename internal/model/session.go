package model

import "time"

// SessionStatus is the lifecycle state of a staging session.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionApproved  SessionStatus = "approved"
	SessionRejected  SessionStatus = "rejected"
	SessionCommitted SessionStatus = "committed"
	SessionExpired   SessionStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionRejected, SessionCommitted, SessionExpired:
		return true
	}
	return false
}

// StagingSession is the transactional unit of work for one import attempt.
// It owns its records, findings and candidates by composition; nothing else
// retains references after commit or discard.
type StagingSession struct {
	ID            string               `json:"id"`
	InstitutionID string               `json:"institution_id"`
	AccountID     string               `json:"account_id"`
	PeriodStart   time.Time            `json:"period_start"`
	PeriodEnd     time.Time            `json:"period_end"`
	Status        SessionStatus        `json:"status"`
	RawRows       []RawRow             `json:"raw_rows,omitempty"`
	Records       []StatementRecord    `json:"records"`
	Findings      []ValidationFinding  `json:"findings,omitempty"`
	Candidates    []DuplicateCandidate `json:"candidates,omitempty"`
	Warnings      []string             `json:"warnings,omitempty"`
	Resolution    *Decision            `json:"resolution,omitempty"`
	RecordCount   int                  `json:"record_count"`
	CreatedAt     time.Time            `json:"created_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// RowCount returns the number of transaction rows across all records.
func (s *StagingSession) RowCount() int {
	n := 0
	for _, r := range s.Records {
		n += len(r.Rows)
	}
	return n
}

// ResolutionAction is the reviewer's verdict on a pending session.
type ResolutionAction string

const (
	ActionApprove ResolutionAction = "approve"
	ActionReject  ResolutionAction = "reject"
)

// DuplicateChoice records the reviewer's call on one duplicate candidate:
// keep the incoming row anyway, or discard it as a re-import.
type DuplicateChoice string

const (
	ChoiceKeep    DuplicateChoice = "keep"
	ChoiceDiscard DuplicateChoice = "discard"
)

// Decision is the explicit resolution payload for a pending session. Every
// duplicate candidate needs a choice, and approving over a discrepant finding
// needs a written override rationale keyed by record index.
type Decision struct {
	Action     ResolutionAction           `json:"action"`
	Actor      string                     `json:"actor"`
	Duplicates map[string]DuplicateChoice `json:"duplicates,omitempty"`
	Overrides  map[int]string             `json:"overrides,omitempty"`
	Note       string                     `json:"note,omitempty"`
	DecidedAt  time.Time                  `json:"decided_at"`
}

// DiscardedRows returns the set of (record index, seq) pairs the decision
// excluded as duplicates, resolved against the session's candidates.
func (d *Decision) DiscardedRows(session *StagingSession) map[[2]int]bool {
	out := make(map[[2]int]bool)
	for _, c := range session.Candidates {
		if d.Duplicates[c.ID] == ChoiceDiscard {
			out[[2]int{c.RecordIndex, c.Seq}] = true
		}
	}
	return out
}

// AuditEntry is one append-only record of a decision about a session. Entries
// are never mutated or deleted.
type AuditEntry struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"session_id"`
	At         time.Time     `json:"at"`
	Actor      string        `json:"actor"`
	FromStatus SessionStatus `json:"from_status"`
	ToStatus   SessionStatus `json:"to_status"`
	Rationale  string        `json:"rationale,omitempty"`
}
