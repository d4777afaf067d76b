// Package pipeline orchestrates the import staging flow: template resolution,
// parallel balance validation and duplicate detection, session resolution and
// the final audited commit.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clearledger/importer/internal/commit"
	"github.com/clearledger/importer/internal/config"
	"github.com/clearledger/importer/internal/dupdetect"
	"github.com/clearledger/importer/internal/model"
	"github.com/clearledger/importer/internal/staging"
	"github.com/clearledger/importer/internal/store"
	"github.com/clearledger/importer/internal/template"
	"github.com/clearledger/importer/internal/validate"
)

// Importer exposes the pipeline's four operations to transport adapters.
// Sessions are addressed by explicit ids on every call; there is no
// process-wide current session.
type Importer struct {
	cfg       *config.Config
	store     store.Store
	registry  *template.Registry
	validator *validate.Validator
	detector  *dupdetect.Detector
	committer *commit.Coordinator
}

// New wires an Importer from its dependencies.
func New(cfg *config.Config, st store.Store, reg *template.Registry, v *validate.Validator, d *dupdetect.Detector, c *commit.Coordinator) *Importer {
	return &Importer{
		cfg:       cfg,
		store:     st,
		registry:  reg,
		validator: v,
		detector:  d,
		committer: c,
	}
}

// BeginImport resolves raw rows through the institution template, claims the
// statement period, and runs validation and duplicate detection concurrently
// before the session becomes reviewable. Input errors (unknown institution,
// malformed rows, empty statements) fail before any session exists.
func (im *Importer) BeginImport(ctx context.Context, institutionID, accountID string, rows []model.RawRow) (string, error) {
	records, err := im.registry.Resolve(institutionID, accountID, rows)
	if err != nil {
		return "", err
	}
	if len(records) == 0 {
		return "", eris.Wrapf(validate.ErrEmptyStatement, "institution %s produced no records", institutionID)
	}
	for _, rec := range records {
		if len(rec.Rows) == 0 {
			return "", eris.Wrapf(validate.ErrEmptyStatement, "account %s", rec.AccountID)
		}
	}

	sess := staging.NewSession(institutionID, accountID, rows, records, time.Now().UTC())
	if err := im.store.CreateSession(ctx, sess); err != nil {
		if eris.Is(err, store.ErrSessionExists) {
			return "", eris.Wrapf(staging.ErrSessionAlreadyPending, "%v", err)
		}
		return "", err
	}

	log := zap.L().With(zap.String("session", sess.ID), zap.String("institution", institutionID))
	log.Info("pipeline: session created",
		zap.String("account", accountID),
		zap.Int("records", len(records)),
		zap.Int("rows", sess.RecordCount),
	)

	// Validation and detection have no data dependency on each other.
	var (
		findings  []model.ValidationFinding
		detection *dupdetect.Result
	)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for i := range records {
			f, err := im.validator.Check(i, &records[i])
			if err != nil {
				return err
			}
			findings = append(findings, *f)
		}
		return nil
	})

	g.Go(func() error {
		history, err := im.history(gctx, sess)
		if err != nil {
			return err
		}
		detection = im.detector.Detect(records, history)
		return nil
	})

	if err := g.Wait(); err != nil {
		return sess.ID, eris.Wrapf(err, "pipeline: analysis pass for session %s", sess.ID)
	}

	if err := im.store.AttachFindings(ctx, sess.ID, findings, detection.Candidates, detection.Warnings); err != nil {
		return sess.ID, err
	}

	log.Info("pipeline: analysis complete",
		zap.Int("findings", len(findings)),
		zap.Int("candidates", len(detection.Candidates)),
		zap.Strings("warnings", detection.Warnings),
	)
	return sess.ID, nil
}

// history loads the committed ledger view the detector compares against: the
// session's accounts, over the statement period widened by the date window.
func (im *Importer) history(ctx context.Context, sess *model.StagingSession) ([]model.LedgerEntry, error) {
	window := time.Duration(im.cfg.Detector.DateWindowDays) * 24 * time.Hour
	lookback := time.Duration(im.cfg.Detector.HistoryLookbackDays) * 24 * time.Hour
	from := sess.PeriodStart.Add(-window)
	if lookback > 0 {
		from = sess.PeriodStart.Add(-lookback)
	}
	to := sess.PeriodEnd.Add(window)

	seen := make(map[string]bool)
	var history []model.LedgerEntry
	for _, rec := range sess.Records {
		if seen[rec.AccountID] {
			continue
		}
		seen[rec.AccountID] = true

		entries, err := im.store.LedgerEntries(ctx, store.LedgerFilter{
			AccountID: rec.AccountID,
			From:      from,
			To:        to,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: load history for %s", rec.AccountID)
		}
		history = append(history, entries...)
	}
	return history, nil
}

// GetSession returns the full session including findings and candidates.
func (im *Importer) GetSession(ctx context.Context, sessionID string) (*model.StagingSession, error) {
	return im.store.GetSession(ctx, sessionID)
}

// ListSessions returns sessions matching the filter, newest first.
func (im *Importer) ListSessions(ctx context.Context, f store.SessionFilter) ([]model.StagingSession, error) {
	return im.store.ListSessions(ctx, f)
}

// AuditTrail returns the append-only decision history for a session.
func (im *Importer) AuditTrail(ctx context.Context, sessionID string) ([]model.AuditEntry, error) {
	return im.store.AuditTrail(ctx, sessionID)
}

// ResolveSession applies a reviewer decision to a pending session. Approval
// requires the decision to resolve every duplicate candidate and override
// every discrepant finding; otherwise the session stays PENDING.
func (im *Importer) ResolveSession(ctx context.Context, sessionID string, decision *model.Decision) (model.SessionStatus, error) {
	sess, err := im.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}

	target, err := staging.ValidateDecision(sess, decision)
	if err != nil {
		return sess.Status, err
	}

	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = time.Now().UTC()
	}
	audit := staging.Audit(sess, sess.Status, target, decision.Actor, decision.Note, decision.DecidedAt)

	if err := im.store.TransitionSession(ctx, sessionID, sess.Status, target, decision, audit); err != nil {
		return sess.Status, err
	}

	zap.L().Info("pipeline: session resolved",
		zap.String("session", sessionID),
		zap.String("status", string(target)),
		zap.String("actor", decision.Actor),
	)
	return target, nil
}

// Commit delegates to the commit coordinator.
func (im *Importer) Commit(ctx context.Context, sessionID, actor string) (model.SessionStatus, error) {
	return im.committer.Commit(ctx, sessionID, actor)
}

// ExpireStale transitions sessions past the retention window to EXPIRED and
// returns how many were expired. Expiry is the only way an in-flight import
// ends without an explicit decision.
func (im *Importer) ExpireStale(ctx context.Context) (int, error) {
	retention := time.Duration(im.cfg.Staging.RetentionHours) * time.Hour
	cutoff := staging.StaleBefore(time.Now().UTC(), retention)

	ids, err := im.store.ExpireSessions(ctx, cutoff, "system:retention")
	if err != nil {
		return 0, eris.Wrap(err, "pipeline: expire stale sessions")
	}
	if len(ids) > 0 {
		zap.L().Info("pipeline: sessions expired", zap.Strings("sessions", ids))
	}
	return len(ids), nil
}
