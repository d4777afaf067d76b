package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/clearledger/importer/internal/model"
)

// Sentinel errors shared by both store backends.
var (
	// ErrNotFound means the requested session does not exist.
	ErrNotFound = eris.New("store: not found")

	// ErrSessionExists is the exclusivity violation: a non-terminal session
	// already claims the same (institution, account, period) tuple.
	ErrSessionExists = eris.New("store: non-terminal session exists for account and period")

	// ErrStatusConflict means a transition or commit found the session in a
	// status the caller did not expect.
	ErrStatusConflict = eris.New("store: session status conflict")

	// ErrCommitConflict means another session already committed rows for the
	// same account and statement period.
	ErrCommitConflict = eris.New("store: conflicting commit for account and period")
)

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	Status        model.SessionStatus `json:"status,omitempty"`
	InstitutionID string              `json:"institution_id,omitempty"`
	AccountID     string              `json:"account_id,omitempty"`
	Limit         int                 `json:"limit,omitempty"`
	Offset        int                 `json:"offset,omitempty"`
}

// LedgerFilter narrows LedgerEntries to one account and a date range.
type LedgerFilter struct {
	AccountID string
	From      time.Time
	To        time.Time
	Limit     int
}

// Store is the persistence interface for the staging pipeline. Sessions and
// the audit log survive process restarts so pending imports are recoverable.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *model.StagingSession) error
	GetSession(ctx context.Context, id string) (*model.StagingSession, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]model.StagingSession, error)
	AttachFindings(ctx context.Context, id string, findings []model.ValidationFinding, candidates []model.DuplicateCandidate, warnings []string) error
	TransitionSession(ctx context.Context, id string, from, to model.SessionStatus, decision *model.Decision, audit model.AuditEntry) error
	ExpireSessions(ctx context.Context, cutoff time.Time, actor string) ([]string, error)

	// Commit and committed ledger
	CommitSession(ctx context.Context, id string, entries []model.LedgerEntry, audit model.AuditEntry) error
	LedgerEntries(ctx context.Context, f LedgerFilter) ([]model.LedgerEntry, error)

	// Audit trail
	AuditTrail(ctx context.Context, sessionID string) ([]model.AuditEntry, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
