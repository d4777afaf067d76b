package staging

import (
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/clearledger/importer/internal/model"
)

// Domain errors surfaced to callers as retryable or actionable conditions.
var (
	// ErrSessionAlreadyPending means another non-terminal session already
	// claims the same (institution, account, period) tuple.
	ErrSessionAlreadyPending = eris.New("staging: session already pending for this account and period")

	// ErrInvalidTransition is returned for a status change the state
	// machine does not allow.
	ErrInvalidTransition = eris.New("staging: invalid status transition")

	// ErrUnresolvedFindings blocks approval while a discrepant finding has
	// no override rationale or a duplicate candidate has no decision.
	ErrUnresolvedFindings = eris.New("staging: unresolved findings")
)

// CanTransition reports whether the session state machine admits from → to.
// PENDING → {APPROVED, REJECTED}; APPROVED → COMMITTED; any non-terminal
// state → EXPIRED.
func CanTransition(from, to model.SessionStatus) bool {
	switch from {
	case model.SessionPending:
		return to == model.SessionApproved || to == model.SessionRejected || to == model.SessionExpired
	case model.SessionApproved:
		return to == model.SessionCommitted || to == model.SessionExpired
	}
	return false
}

// NewSession builds a PENDING session owning the given raw rows and records.
// The raw input travels with the session so a parse can be audited, or redone
// after a template fix, for as long as the session lives. The period is the
// union of the records' periods; the store's exclusivity claim is keyed on it.
func NewSession(institutionID, accountID string, rawRows []model.RawRow, records []model.StatementRecord, now time.Time) *model.StagingSession {
	s := &model.StagingSession{
		ID:            uuid.New().String(),
		InstitutionID: institutionID,
		AccountID:     accountID,
		Status:        model.SessionPending,
		RawRows:       rawRows,
		Records:       records,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for i, rec := range records {
		if i == 0 || rec.PeriodStart.Before(s.PeriodStart) {
			s.PeriodStart = rec.PeriodStart
		}
		if i == 0 || rec.PeriodEnd.After(s.PeriodEnd) {
			s.PeriodEnd = rec.PeriodEnd
		}
		s.RecordCount += len(rec.Rows)
	}
	return s
}

// ValidateDecision checks a resolution payload against the session's
// findings. Approval needs an explicit choice for every duplicate candidate
// and an override rationale for every discrepant finding; rejection is always
// allowed. Returns the target status.
func ValidateDecision(session *model.StagingSession, d *model.Decision) (model.SessionStatus, error) {
	if session.Status != model.SessionPending {
		return "", eris.Wrapf(ErrInvalidTransition, "session %s is %s", session.ID, session.Status)
	}
	if d.Actor == "" {
		return "", eris.New("staging: decision requires an actor")
	}

	switch d.Action {
	case model.ActionReject:
		return model.SessionRejected, nil
	case model.ActionApprove:
	default:
		return "", eris.Errorf("staging: unknown resolution action %q", d.Action)
	}

	for _, c := range session.Candidates {
		choice, ok := d.Duplicates[c.ID]
		if !ok {
			return "", eris.Wrapf(ErrUnresolvedFindings, "duplicate candidate %s has no decision", c.ID)
		}
		if choice != model.ChoiceKeep && choice != model.ChoiceDiscard {
			return "", eris.Errorf("staging: unknown duplicate choice %q for candidate %s", choice, c.ID)
		}
	}

	for _, f := range session.Findings {
		if !f.Discrepant() {
			continue
		}
		if rationale, ok := d.Overrides[f.RecordIndex]; !ok || rationale == "" {
			return "", eris.Wrapf(ErrUnresolvedFindings,
				"discrepant finding on record %d (delta %s) has no override rationale",
				f.RecordIndex, f.Delta.String())
		}
	}

	return model.SessionApproved, nil
}

// Audit builds the append-only entry recording one status transition.
func Audit(session *model.StagingSession, from, to model.SessionStatus, actor, rationale string, now time.Time) model.AuditEntry {
	return model.AuditEntry{
		ID:         uuid.New().String(),
		SessionID:  session.ID,
		At:         now,
		Actor:      actor,
		FromStatus: from,
		ToStatus:   to,
		Rationale:  rationale,
	}
}

// StaleBefore returns the cutoff instant for the retention window: sessions
// not updated since then expire.
func StaleBefore(now time.Time, retention time.Duration) time.Time {
	return now.Add(-retention)
}
