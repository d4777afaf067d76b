package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/clearledger/importer/internal/db"
	"github.com/clearledger/importer/internal/model"
)

// PostgresStore implements Store using pgxpool for multi-node deployments.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	institution  TEXT NOT NULL,
	account      TEXT NOT NULL,
	period_start DATE NOT NULL,
	period_end   DATE NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	raw_rows     JSONB,
	records      JSONB NOT NULL,
	findings     JSONB,
	candidates   JSONB,
	warnings     JSONB,
	resolution   JSONB,
	record_count INTEGER NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS sessions_exclusive_idx
	ON sessions(institution, account, period_start, period_end)
	WHERE status IN ('pending', 'approved');

CREATE INDEX IF NOT EXISTS sessions_status_idx ON sessions(status);

CREATE TABLE IF NOT EXISTS ledger (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL REFERENCES sessions(id),
	institution TEXT NOT NULL,
	account     TEXT NOT NULL,
	posted_at   DATE NOT NULL,
	description TEXT NOT NULL,
	amount      NUMERIC(14,2) NOT NULL,
	source_hash TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS ledger_account_posted_idx ON ledger(account, posted_at);
CREATE INDEX IF NOT EXISTS ledger_source_hash_idx ON ledger(source_hash);

CREATE TABLE IF NOT EXISTS audit_log (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL,
	at          TIMESTAMPTZ NOT NULL,
	actor       TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	rationale   TEXT
);

CREATE INDEX IF NOT EXISTS audit_session_idx ON audit_log(session_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.StagingSession) error {
	recordsJSON, err := json.Marshal(sess.Records)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal records")
	}
	rawJSON, err := json.Marshal(sess.RawRows)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal raw rows")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, institution, account, period_start, period_end, status, raw_rows, records, record_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sess.ID, sess.InstitutionID, sess.AccountID,
		sess.PeriodStart.UTC(), sess.PeriodEnd.UTC(),
		string(sess.Status), rawJSON, recordsJSON, sess.RecordCount,
		sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(),
	)
	if err != nil {
		if db.UniqueViolation(err, "sessions_exclusive_idx") {
			return eris.Wrapf(ErrSessionExists, "%s/%s %s..%s",
				sess.InstitutionID, sess.AccountID,
				sess.PeriodStart.Format("2006-01-02"), sess.PeriodEnd.Format("2006-01-02"))
		}
		return eris.Wrap(err, "postgres: insert session")
	}
	return nil
}

const sessionColumns = `id, institution, account, period_start, period_end, status, raw_rows, records,
       findings, candidates, warnings, resolution, record_count, created_at, updated_at`

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.StagingSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanPgSession(row)
}

func (s *PostgresStore) ListSessions(ctx context.Context, f SessionFilter) ([]model.StagingSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return placeholder(len(args))
	}

	if f.Status != "" {
		query += ` AND status = ` + arg(string(f.Status))
	}
	if f.InstitutionID != "" {
		query += ` AND institution = ` + arg(f.InstitutionID)
	}
	if f.AccountID != "" {
		query += ` AND account = ` + arg(f.AccountID)
	}
	query += ` ORDER BY created_at DESC`

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ` + arg(limit)
	if f.Offset > 0 {
		query += ` OFFSET ` + arg(f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var out []model.StagingSession
	for rows.Next() {
		sess, err := scanPgSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list sessions iterate")
}

func (s *PostgresStore) AttachFindings(ctx context.Context, id string, findings []model.ValidationFinding, candidates []model.DuplicateCandidate, warnings []string) error {
	findingsJSON, err := json.Marshal(findings)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal findings")
	}
	candidatesJSON, err := json.Marshal(candidates)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal candidates")
	}
	warningsJSON, err := json.Marshal(warnings)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal warnings")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET findings = $1, candidates = $2, warnings = $3, updated_at = $4 WHERE id = $5`,
		findingsJSON, candidatesJSON, warningsJSON, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: attach findings %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "session %s", id)
	}
	return nil
}

func (s *PostgresStore) TransitionSession(ctx context.Context, id string, from, to model.SessionStatus, decision *model.Decision, audit model.AuditEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin transition")
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `SELECT status FROM sessions WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "session %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: load session %s", id)
	}
	if current != string(from) {
		return eris.Wrapf(ErrStatusConflict, "session %s is %s, expected %s", id, current, from)
	}

	var resolutionJSON []byte
	if decision != nil {
		resolutionJSON, err = json.Marshal(decision)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal decision")
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET status = $1, resolution = COALESCE($2, resolution), updated_at = $3 WHERE id = $4`,
		string(to), resolutionJSON, time.Now().UTC(), id,
	); err != nil {
		return eris.Wrapf(err, "postgres: transition session %s", id)
	}

	if err := insertPgAudit(ctx, tx, audit); err != nil {
		return err
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit transition")
}

func (s *PostgresStore) ExpireSessions(ctx context.Context, cutoff time.Time, actor string) ([]string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin expire")
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx,
		`SELECT id, status FROM sessions
		 WHERE status IN ('pending', 'approved') AND updated_at <= $1 FOR UPDATE`,
		cutoff.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: select stale sessions")
	}

	type stale struct{ id, status string }
	var stales []stale
	for rows.Next() {
		var st stale
		if err := rows.Scan(&st.id, &st.status); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan stale session")
		}
		stales = append(stales, st)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, eris.Wrap(err, "postgres: iterate stale sessions")
	}
	rows.Close()

	now := time.Now().UTC()
	var expired []string
	for _, st := range stales {
		if _, err := tx.Exec(ctx,
			`UPDATE sessions SET status = $1, updated_at = $2 WHERE id = $3`,
			string(model.SessionExpired), now, st.id,
		); err != nil {
			return nil, eris.Wrapf(err, "postgres: expire session %s", st.id)
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
		if err := insertPgAudit(ctx, tx, entry); err != nil {
			return nil, err
		}
		expired = append(expired, st.id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit expire")
	}
	return expired, nil
}

func (s *PostgresStore) CommitSession(ctx context.Context, id string, entries []model.LedgerEntry, audit model.AuditEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin commit")
	}
	defer tx.Rollback(ctx)

	var status, institution, account string
	var periodStart, periodEnd time.Time
	err = tx.QueryRow(ctx,
		`SELECT status, institution, account, period_start, period_end FROM sessions WHERE id = $1 FOR UPDATE`, id,
	).Scan(&status, &institution, &account, &periodStart, &periodEnd)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "session %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: load session %s", id)
	}

	if status == string(model.SessionCommitted) {
		return nil
	}
	if status != string(model.SessionApproved) {
		return eris.Wrapf(ErrStatusConflict, "session %s is %s, expected approved", id, status)
	}

	var conflicts int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM sessions
		 WHERE id <> $1 AND status = 'committed' AND institution = $2 AND account = $3
		   AND period_start <= $4 AND period_end >= $5`,
		id, institution, account, periodEnd.UTC(), periodStart.UTC(),
	).Scan(&conflicts)
	if err != nil {
		return eris.Wrap(err, "postgres: check commit conflict")
	}
	if conflicts > 0 {
		return eris.Wrapf(ErrCommitConflict, "%s/%s %s..%s", institution, account,
			periodStart.Format("2006-01-02"), periodEnd.Format("2006-01-02"))
	}

	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []any{
			e.ID, e.SessionID, e.InstitutionID, e.AccountID,
			e.PostedAt.UTC(), e.Description, e.Amount, e.SourceHash, e.CreatedAt.UTC(),
		})
	}
	if _, err := db.CopyInto(ctx, tx, "ledger",
		[]string{"id", "session_id", "institution", "account", "posted_at", "description", "amount", "source_hash", "created_at"},
		rows,
	); err != nil {
		return eris.Wrapf(err, "postgres: insert ledger entries for %s", id)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE sessions SET status = $1, updated_at = $2 WHERE id = $3`,
		string(model.SessionCommitted), time.Now().UTC(), id,
	); err != nil {
		return eris.Wrapf(err, "postgres: mark session committed %s", id)
	}

	if err := insertPgAudit(ctx, tx, audit); err != nil {
		return err
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit session tx")
}

func (s *PostgresStore) LedgerEntries(ctx context.Context, f LedgerFilter) ([]model.LedgerEntry, error) {
	query := `SELECT id, session_id, institution, account, posted_at, description, amount::text, source_hash, created_at
	          FROM ledger WHERE account = $1`
	args := []any{f.AccountID}

	if !f.From.IsZero() {
		args = append(args, f.From.UTC())
		query += ` AND posted_at >= ` + placeholder(len(args))
	}
	if !f.To.IsZero() {
		args = append(args, f.To.UTC())
		query += ` AND posted_at <= ` + placeholder(len(args))
	}
	query += ` ORDER BY posted_at, id`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += ` LIMIT ` + placeholder(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: ledger entries")
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.InstitutionID, &e.AccountID,
			&e.PostedAt, &e.Description, &amount, &e.SourceHash, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ledger entry")
		}
		e.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: parse ledger amount %q", amount)
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: ledger entries iterate")
}

func (s *PostgresStore) AuditTrail(ctx context.Context, sessionID string) ([]model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, at, actor, from_status, to_status, COALESCE(rationale, '')
		 FROM audit_log WHERE session_id = $1 ORDER BY at, id`, sessionID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: audit trail")
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.At, &e.Actor, &e.FromStatus, &e.ToStatus, &e.Rationale); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit entry")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: audit trail iterate")
}

// helpers

func insertPgAudit(ctx context.Context, tx pgx.Tx, e model.AuditEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO audit_log (id, session_id, at, actor, from_status, to_status, rationale)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.SessionID, e.At.UTC(), e.Actor, string(e.FromStatus), string(e.ToStatus), e.Rationale,
	)
	return eris.Wrapf(err, "postgres: insert audit entry for %s", e.SessionID)
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func scanPgSession(row scannable) (*model.StagingSession, error) {
	var sess model.StagingSession
	var status string
	var recordsJSON []byte
	var rawJSON, findingsJSON, candidatesJSON, warningsJSON, resolutionJSON []byte

	err := row.Scan(&sess.ID, &sess.InstitutionID, &sess.AccountID,
		&sess.PeriodStart, &sess.PeriodEnd, &status, &rawJSON, &recordsJSON,
		&findingsJSON, &candidatesJSON, &warningsJSON, &resolutionJSON,
		&sess.RecordCount, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "session")
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan session")
	}

	sess.Status = model.SessionStatus(status)
	if len(rawJSON) > 0 {
		if err := json.Unmarshal(rawJSON, &sess.RawRows); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal raw rows")
		}
	}
	if err := json.Unmarshal(recordsJSON, &sess.Records); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal records")
	}
	if len(findingsJSON) > 0 {
		if err := json.Unmarshal(findingsJSON, &sess.Findings); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal findings")
		}
	}
	if len(candidatesJSON) > 0 {
		if err := json.Unmarshal(candidatesJSON, &sess.Candidates); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal candidates")
		}
	}
	if len(warningsJSON) > 0 {
		if err := json.Unmarshal(warningsJSON, &sess.Warnings); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal warnings")
		}
	}
	if len(resolutionJSON) > 0 {
		sess.Resolution = &model.Decision{}
		if err := json.Unmarshal(resolutionJSON, sess.Resolution); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal resolution")
		}
	}
	return &sess, nil
}
