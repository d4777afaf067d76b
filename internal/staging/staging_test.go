package staging

import (
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearledger/importer/internal/model"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]model.SessionStatus]bool{
		{model.SessionPending, model.SessionApproved}:   true,
		{model.SessionPending, model.SessionRejected}:   true,
		{model.SessionPending, model.SessionExpired}:    true,
		{model.SessionApproved, model.SessionCommitted}: true,
		{model.SessionApproved, model.SessionExpired}:   true,
	}

	states := []model.SessionStatus{
		model.SessionPending, model.SessionApproved, model.SessionRejected,
		model.SessionCommitted, model.SessionExpired,
	}
	for _, from := range states {
		for _, to := range states {
			want := allowed[[2]model.SessionStatus{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, model.SessionPending.Terminal())
	assert.False(t, model.SessionApproved.Terminal())
	assert.True(t, model.SessionRejected.Terminal())
	assert.True(t, model.SessionCommitted.Terminal())
	assert.True(t, model.SessionExpired.Terminal())
}

func TestNewSession_PeriodUnion(t *testing.T) {
	now := time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC)

	records := []model.StatementRecord{
		{
			InstitutionID: "firstnational", AccountID: "a",
			PeriodStart: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
			PeriodEnd:   time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC),
			Rows:        make([]model.TransactionRow, 3),
		},
		{
			InstitutionID: "firstnational", AccountID: "b",
			PeriodStart: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			PeriodEnd:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
			Rows:        make([]model.TransactionRow, 2),
		},
	}

	raw := []model.RawRow{
		{Cells: []string{"2024-01-05", "CHECK 1201", "-50.00"}},
		{Cells: []string{"2024-01-09", "ATM FEE", "-25.00"}},
	}

	s := NewSession("firstnational", "a", raw, records, now)

	assert.NotEmpty(t, s.ID)
	assert.Equal(t, model.SessionPending, s.Status)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), s.PeriodStart)
	assert.Equal(t, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), s.PeriodEnd)
	assert.Equal(t, 5, s.RecordCount)
	assert.Equal(t, raw, s.RawRows)
	assert.Equal(t, now, s.CreatedAt)
}

func pendingSession() *model.StagingSession {
	return &model.StagingSession{
		ID:     "sess-1",
		Status: model.SessionPending,
	}
}

func TestValidateDecision_RejectAlwaysAllowed(t *testing.T) {
	s := pendingSession()
	s.Findings = []model.ValidationFinding{{RecordIndex: 0, Status: model.ValidationDiscrepant, Delta: decimal.RequireFromString("-25.00")}}
	s.Candidates = []model.DuplicateCandidate{{ID: "c1"}}

	status, err := ValidateDecision(s, &model.Decision{Action: model.ActionReject, Actor: "alice"})
	require.NoError(t, err)
	assert.Equal(t, model.SessionRejected, status)
}

func TestValidateDecision_RequiresActor(t *testing.T) {
	s := pendingSession()

	_, err := ValidateDecision(s, &model.Decision{Action: model.ActionApprove})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "actor")
}

func TestValidateDecision_ApproveClean(t *testing.T) {
	s := pendingSession()
	s.Findings = []model.ValidationFinding{{Status: model.ValidationConsistent}}

	status, err := ValidateDecision(s, &model.Decision{Action: model.ActionApprove, Actor: "alice"})
	require.NoError(t, err)
	assert.Equal(t, model.SessionApproved, status)
}

func TestValidateDecision_ApproveNeedsDuplicateChoices(t *testing.T) {
	s := pendingSession()
	s.Candidates = []model.DuplicateCandidate{{ID: "c1"}, {ID: "c2"}}

	_, err := ValidateDecision(s, &model.Decision{
		Action:     model.ActionApprove,
		Actor:      "alice",
		Duplicates: map[string]model.DuplicateChoice{"c1": model.ChoiceKeep},
	})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrUnresolvedFindings))
	assert.Contains(t, err.Error(), "c2")

	status, err := ValidateDecision(s, &model.Decision{
		Action: model.ActionApprove,
		Actor:  "alice",
		Duplicates: map[string]model.DuplicateChoice{
			"c1": model.ChoiceKeep,
			"c2": model.ChoiceDiscard,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, model.SessionApproved, status)
}

func TestValidateDecision_ApproveNeedsOverrideRationale(t *testing.T) {
	s := pendingSession()
	s.Findings = []model.ValidationFinding{
		{RecordIndex: 0, Status: model.ValidationConsistent},
		{RecordIndex: 1, Status: model.ValidationDiscrepant, Delta: decimal.RequireFromString("-25.00")},
	}

	_, err := ValidateDecision(s, &model.Decision{Action: model.ActionApprove, Actor: "alice"})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrUnresolvedFindings))
	assert.Contains(t, err.Error(), "-25.00")

	// Empty rationale does not count.
	_, err = ValidateDecision(s, &model.Decision{
		Action:    model.ActionApprove,
		Actor:     "alice",
		Overrides: map[int]string{1: ""},
	})
	require.Error(t, err)

	status, err := ValidateDecision(s, &model.Decision{
		Action:    model.ActionApprove,
		Actor:     "alice",
		Overrides: map[int]string{1: "bank-confirmed pending fee posting"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.SessionApproved, status)
}

func TestValidateDecision_UnknownAction(t *testing.T) {
	_, err := ValidateDecision(pendingSession(), &model.Decision{Action: "defer", Actor: "alice"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "defer")
}

func TestValidateDecision_UnknownDuplicateChoice(t *testing.T) {
	s := pendingSession()
	s.Candidates = []model.DuplicateCandidate{{ID: "c1"}}

	_, err := ValidateDecision(s, &model.Decision{
		Action:     model.ActionApprove,
		Actor:      "alice",
		Duplicates: map[string]model.DuplicateChoice{"c1": "maybe"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maybe")
}

func TestValidateDecision_NonPendingSession(t *testing.T) {
	s := pendingSession()
	s.Status = model.SessionApproved

	_, err := ValidateDecision(s, &model.Decision{Action: model.ActionApprove})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInvalidTransition))
}

func TestStaleBefore(t *testing.T) {
	now := time.Date(2024, 2, 4, 0, 0, 0, 0, time.UTC)
	cutoff := StaleBefore(now, 72*time.Hour)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), cutoff)
}

func TestAudit(t *testing.T) {
	s := pendingSession()
	now := time.Now().UTC()

	e := Audit(s, model.SessionPending, model.SessionApproved, "alice", "looks right", now)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "sess-1", e.SessionID)
	assert.Equal(t, model.SessionPending, e.FromStatus)
	assert.Equal(t, model.SessionApproved, e.ToStatus)
	assert.Equal(t, "alice", e.Actor)
	assert.Equal(t, "looks right", e.Rationale)
}
