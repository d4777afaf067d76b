// Package commit applies approved staging sessions to permanent storage as a
// single atomic unit and owns the audit trail around the final transition.
package commit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/clearledger/importer/internal/model"
	"github.com/clearledger/importer/internal/resilience"
	"github.com/clearledger/importer/internal/staging"
	"github.com/clearledger/importer/internal/store"
)

// ErrStorageUnavailable marks a transient infrastructure failure. The session
// stays APPROVED and resubmitting the same session is safe.
var ErrStorageUnavailable = eris.New("commit: storage unavailable")

// Coordinator turns an approved session into durable ledger rows.
type Coordinator struct {
	store store.Store
	retry resilience.RetryConfig
}

// New returns a Coordinator using the given retry policy for transient
// storage failures.
func New(st store.Store, retry resilience.RetryConfig) *Coordinator {
	return &Coordinator{store: st, retry: retry}
}

// Commit applies the session's accepted rows atomically. Either every
// accepted row lands and the session becomes COMMITTED, or none do and the
// session remains APPROVED. Committing an already-COMMITTED session is a
// no-op returning the same terminal status.
func (c *Coordinator) Commit(ctx context.Context, sessionID, actor string) (model.SessionStatus, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", eris.Wrapf(err, "commit: load session %s", sessionID)
	}

	switch sess.Status {
	case model.SessionCommitted:
		return model.SessionCommitted, nil
	case model.SessionApproved:
	default:
		return sess.Status, eris.Wrapf(staging.ErrInvalidTransition,
			"session %s is %s, only approved sessions commit", sessionID, sess.Status)
	}

	entries, excluded := BuildEntries(sess)
	rationale := fmt.Sprintf("committed %d rows (%d excluded as duplicates)", len(entries), excluded)
	audit := staging.Audit(sess, model.SessionApproved, model.SessionCommitted, actor, rationale, time.Now().UTC())

	err = resilience.Do(ctx, c.retry, func(ctx context.Context) error {
		return c.store.CommitSession(ctx, sessionID, entries, audit)
	})
	if err != nil {
		if resilience.IsTransient(err) {
			return model.SessionApproved, eris.Wrapf(ErrStorageUnavailable, "%v", err)
		}
		// Conflict and status errors pass through untouched; both leave the
		// session retryable or inspectable as-is.
		return sess.Status, err
	}

	zap.L().Info("commit: session committed",
		zap.String("session", sessionID),
		zap.Int("rows", len(entries)),
		zap.Int("excluded", excluded),
		zap.String("actor", actor),
	)
	return model.SessionCommitted, nil
}

// BuildEntries flattens the session's records into ledger entries, dropping
// rows the resolution marked as discard. Every exclusion is already recorded
// in the resolution payload, so nothing disappears silently.
func BuildEntries(sess *model.StagingSession) (entries []model.LedgerEntry, excluded int) {
	var discarded map[[2]int]bool
	if sess.Resolution != nil {
		discarded = sess.Resolution.DiscardedRows(sess)
	}

	now := time.Now().UTC()
	for ri, rec := range sess.Records {
		for _, row := range rec.Rows {
			if discarded[[2]int{ri, row.Seq}] {
				excluded++
				continue
			}
			entries = append(entries, model.LedgerEntry{
				ID:            uuid.New().String(),
				SessionID:     sess.ID,
				InstitutionID: rec.InstitutionID,
				AccountID:     rec.AccountID,
				PostedAt:      row.PostedAt,
				Description:   row.Description,
				Amount:        row.Amount,
				SourceHash:    model.RowHash(rec.AccountID, row.PostedAt, row.Amount, row.Description),
				CreatedAt:     now,
			})
		}
	}
	return entries, excluded
}
