package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/clearledger/importer/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is the default
// embedded backend for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	institution  TEXT NOT NULL,
	account      TEXT NOT NULL,
	period_start DATETIME NOT NULL,
	period_end   DATETIME NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	raw_rows     TEXT,
	records      TEXT NOT NULL,
	findings     TEXT,
	candidates   TEXT,
	warnings     TEXT,
	resolution   TEXT,
	record_count INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

-- Exclusivity invariant: one non-terminal session per statement period.
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_exclusive
	ON sessions(institution, account, period_start, period_end)
	WHERE status IN ('pending', 'approved');

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_account ON sessions(account);

CREATE TABLE IF NOT EXISTS ledger (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL REFERENCES sessions(id),
	institution TEXT NOT NULL,
	account     TEXT NOT NULL,
	posted_at   DATETIME NOT NULL,
	description TEXT NOT NULL,
	amount      TEXT NOT NULL,
	source_hash TEXT NOT NULL,
	created_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_account_posted ON ledger(account, posted_at);
CREATE INDEX IF NOT EXISTS idx_ledger_source_hash ON ledger(source_hash);

CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	at          DATETIME NOT NULL,
	actor       TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	rationale   TEXT
);

CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_log(session_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.StagingSession) error {
	recordsJSON, err := json.Marshal(sess.Records)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal records")
	}
	rawJSON, err := json.Marshal(sess.RawRows)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal raw rows")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, institution, account, period_start, period_end, status, raw_rows, records, record_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.InstitutionID, sess.AccountID,
		sess.PeriodStart.UTC(), sess.PeriodEnd.UTC(),
		string(sess.Status), string(rawJSON), string(recordsJSON), sess.RecordCount,
		sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return eris.Wrapf(ErrSessionExists, "%s/%s %s..%s",
				sess.InstitutionID, sess.AccountID,
				sess.PeriodStart.Format("2006-01-02"), sess.PeriodEnd.Format("2006-01-02"))
		}
		return eris.Wrap(err, "sqlite: insert session")
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.StagingSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, institution, account, period_start, period_end, status, raw_rows, records,
		        findings, candidates, warnings, resolution, record_count, created_at, updated_at
		 FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *SQLiteStore) ListSessions(ctx context.Context, f SessionFilter) ([]model.StagingSession, error) {
	query := `SELECT id, institution, account, period_start, period_end, status, raw_rows, records,
	                 findings, candidates, warnings, resolution, record_count, created_at, updated_at
	          FROM sessions WHERE 1=1`
	var args []any

	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.InstitutionID != "" {
		query += ` AND institution = ?`
		args = append(args, f.InstitutionID)
	}
	if f.AccountID != "" {
		query += ` AND account = ?`
		args = append(args, f.AccountID)
	}
	query += ` ORDER BY created_at DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if f.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close()

	var out []model.StagingSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list sessions iterate")
}

func (s *SQLiteStore) AttachFindings(ctx context.Context, id string, findings []model.ValidationFinding, candidates []model.DuplicateCandidate, warnings []string) error {
	findingsJSON, err := json.Marshal(findings)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal findings")
	}
	candidatesJSON, err := json.Marshal(candidates)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal candidates")
	}
	warningsJSON, err := json.Marshal(warnings)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal warnings")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET findings = ?, candidates = ?, warnings = ?, updated_at = ? WHERE id = ?`,
		string(findingsJSON), string(candidatesJSON), string(warningsJSON), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: attach findings %s", id)
	}
	return checkSessionAffected(res, id)
}

func (s *SQLiteStore) TransitionSession(ctx context.Context, id string, from, to model.SessionStatus, decision *model.Decision, audit model.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin transition")
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sessions WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return eris.Wrapf(ErrNotFound, "session %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: load session %s", id)
	}
	if current != string(from) {
		return eris.Wrapf(ErrStatusConflict, "session %s is %s, expected %s", id, current, from)
	}

	var resolutionJSON any
	if decision != nil {
		b, err := json.Marshal(decision)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal decision")
		}
		resolutionJSON = string(b)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, resolution = COALESCE(?, resolution), updated_at = ? WHERE id = ?`,
		string(to), resolutionJSON, time.Now().UTC(), id,
	); err != nil {
		return eris.Wrapf(err, "sqlite: transition session %s", id)
	}

	if err := insertAudit(ctx, tx, audit); err != nil {
		return err
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit transition")
}

func (s *SQLiteStore) ExpireSessions(ctx context.Context, cutoff time.Time, actor string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin expire")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, status FROM sessions WHERE status IN ('pending', 'approved') AND updated_at <= ?`,
		cutoff.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select stale sessions")
	}

	type stale struct{ id, status string }
	var stales []stale
	for rows.Next() {
		var st stale
		if err := rows.Scan(&st.id, &st.status); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan stale session")
		}
		stales = append(stales, st)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, eris.Wrap(err, "sqlite: iterate stale sessions")
	}
	rows.Close()

	now := time.Now().UTC()
	var expired []string
	for _, st := range stales {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
			string(model.SessionExpired), now, st.id,
		); err != nil {
			return nil, eris.Wrapf(err, "sqlite: expire session %s", st.id)
		}
		entry := model.AuditEntry{
			ID:         uuid.New().String(),
			SessionID:  st.id,
			At:         now,
			Actor:      actor,
			FromStatus: model.SessionStatus(st.status),
			ToStatus:   model.SessionExpired,
			Rationale:  "retention window elapsed without resolution",
		}
		if err := insertAudit(ctx, tx, entry); err != nil {
			return nil, err
		}
		expired = append(expired, st.id)
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit expire")
	}
	return expired, nil
}

func (s *SQLiteStore) CommitSession(ctx context.Context, id string, entries []model.LedgerEntry, audit model.AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin commit")
	}
	defer tx.Rollback()

	var status, institution, account string
	var periodStart, periodEnd time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT status, institution, account, period_start, period_end FROM sessions WHERE id = ?`, id,
	).Scan(&status, &institution, &account, &periodStart, &periodEnd)
	if err == sql.ErrNoRows {
		return eris.Wrapf(ErrNotFound, "session %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: load session %s", id)
	}

	// Resubmission of a committed session is a no-op, not a double insert.
	if status == string(model.SessionCommitted) {
		return nil
	}
	if status != string(model.SessionApproved) {
		return eris.Wrapf(ErrStatusConflict, "session %s is %s, expected approved", id, status)
	}

	var conflicts int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions
		 WHERE id <> ? AND status = 'committed' AND institution = ? AND account = ?
		   AND period_start <= ? AND period_end >= ?`,
		id, institution, account, periodEnd.UTC(), periodStart.UTC(),
	).Scan(&conflicts)
	if err != nil {
		return eris.Wrap(err, "sqlite: check commit conflict")
	}
	if conflicts > 0 {
		return eris.Wrapf(ErrCommitConflict, "%s/%s %s..%s", institution, account,
			periodStart.Format("2006-01-02"), periodEnd.Format("2006-01-02"))
	}

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger (id, session_id, institution, account, posted_at, description, amount, source_hash, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.SessionID, e.InstitutionID, e.AccountID,
			e.PostedAt.UTC(), e.Description, e.Amount.String(), e.SourceHash, e.CreatedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert ledger entry %s", e.ID)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(model.SessionCommitted), time.Now().UTC(), id,
	); err != nil {
		return eris.Wrapf(err, "sqlite: mark session committed %s", id)
	}

	if err := insertAudit(ctx, tx, audit); err != nil {
		return err
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit session tx")
}

func (s *SQLiteStore) LedgerEntries(ctx context.Context, f LedgerFilter) ([]model.LedgerEntry, error) {
	query := `SELECT id, session_id, institution, account, posted_at, description, amount, source_hash, created_at
	          FROM ledger WHERE account = ?`
	args := []any{f.AccountID}

	if !f.From.IsZero() {
		query += ` AND posted_at >= ?`
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		query += ` AND posted_at <= ?`
		args = append(args, f.To.UTC())
	}
	query += ` ORDER BY posted_at, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: ledger entries")
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.InstitutionID, &e.AccountID,
			&e.PostedAt, &e.Description, &amount, &e.SourceHash, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ledger entry")
		}
		e.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse ledger amount %q", amount)
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: ledger entries iterate")
}

func (s *SQLiteStore) AuditTrail(ctx context.Context, sessionID string) ([]model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, at, actor, from_status, to_status, COALESCE(rationale, '')
		 FROM audit_log WHERE session_id = ? ORDER BY at, id`, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: audit trail")
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.At, &e.Actor, &e.FromStatus, &e.ToStatus, &e.Rationale); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit entry")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: audit trail iterate")
}

// helpers

type txExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAudit(ctx context.Context, tx txExecer, e model.AuditEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit_log (id, session_id, at, actor, from_status, to_status, rationale)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.At.UTC(), e.Actor, string(e.FromStatus), string(e.ToStatus), e.Rationale,
	)
	return eris.Wrapf(err, "sqlite: insert audit entry for %s", e.SessionID)
}

func checkSessionAffected(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "session %s", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*model.StagingSession, error) {
	var sess model.StagingSession
	var status, recordsJSON string
	var rawJSON, findingsJSON, candidatesJSON, warningsJSON, resolutionJSON sql.NullString

	err := row.Scan(&sess.ID, &sess.InstitutionID, &sess.AccountID,
		&sess.PeriodStart, &sess.PeriodEnd, &status, &rawJSON, &recordsJSON,
		&findingsJSON, &candidatesJSON, &warningsJSON, &resolutionJSON,
		&sess.RecordCount, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "session")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan session")
	}

	sess.Status = model.SessionStatus(status)
	if rawJSON.Valid && rawJSON.String != "" {
		if err := json.Unmarshal([]byte(rawJSON.String), &sess.RawRows); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal raw rows")
		}
	}
	if err := json.Unmarshal([]byte(recordsJSON), &sess.Records); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal records")
	}
	if findingsJSON.Valid && findingsJSON.String != "" {
		if err := json.Unmarshal([]byte(findingsJSON.String), &sess.Findings); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal findings")
		}
	}
	if candidatesJSON.Valid && candidatesJSON.String != "" {
		if err := json.Unmarshal([]byte(candidatesJSON.String), &sess.Candidates); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal candidates")
		}
	}
	if warningsJSON.Valid && warningsJSON.String != "" {
		if err := json.Unmarshal([]byte(warningsJSON.String), &sess.Warnings); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal warnings")
		}
	}
	if resolutionJSON.Valid && resolutionJSON.String != "" {
		sess.Resolution = &model.Decision{}
		if err := json.Unmarshal([]byte(resolutionJSON.String), sess.Resolution); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal resolution")
		}
	}
	return &sess, nil
}
