package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the admission tables. The tenants table
// exists only to carry the per-tenant row lock; the calls table is
// shared with the billing reconciler, which writes the terminal cost
// columns on finalization.
const Schema = `
CREATE TABLE IF NOT EXISTS tenants (
    id          TEXT PRIMARY KEY,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS calls (
    id                    TEXT PRIMARY KEY,
    tenant_id             TEXT NOT NULL,
    agent_id              TEXT NOT NULL DEFAULT '',
    direction             TEXT NOT NULL DEFAULT 'web',
    status                TEXT NOT NULL DEFAULT 'in_progress',
    started_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
    ended_at              TIMESTAMPTZ,
    duration_seconds      INTEGER NOT NULL DEFAULT 0,
    billed_minutes        INTEGER NOT NULL DEFAULT 0,
    stt_provider          TEXT NOT NULL DEFAULT '',
    llm_provider          TEXT NOT NULL DEFAULT '',
    tts_provider          TEXT NOT NULL DEFAULT '',
    stt_cost_minor        BIGINT NOT NULL DEFAULT 0,
    llm_cost_minor        BIGINT NOT NULL DEFAULT 0,
    tts_cost_minor        BIGINT NOT NULL DEFAULT 0,
    telephony_cost_minor  BIGINT NOT NULL DEFAULT 0,
    total_cost_minor      BIGINT NOT NULL DEFAULT 0,
    end_reason            TEXT NOT NULL DEFAULT '',
    error                 TEXT NOT NULL DEFAULT '',
    metadata              JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_calls_tenant_status ON calls(tenant_id, status);
CREATE INDEX IF NOT EXISTS idx_calls_started_at ON calls(started_at);
`

// DB is the database interface used by [PostgresStore]. Both
// *pgxpool.Pool and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore is a [Store] backed by PostgreSQL. Reservation atomicity
// comes from SELECT ... FOR UPDATE on the tenant row: concurrent
// reservers for the same tenant serialize on the lock, so the count and
// insert are consistent.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgresStore over the given connection or
// pool. Call [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("admission: migrate: %w", err)
	}
	return nil
}

// Reserve implements [Store] with a row-locked count-and-insert.
func (s *PostgresStore) Reserve(ctx context.Context, req Request, maxConcurrent int) (current int, ok bool, err error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("admission: begin reserve: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO tenants (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`,
		req.TenantID,
	); err != nil {
		return 0, false, fmt.Errorf("admission: ensure tenant %s: %w", req.TenantID, err)
	}

	var locked string
	if err := tx.QueryRow(ctx,
		`SELECT id FROM tenants WHERE id = $1 FOR UPDATE`,
		req.TenantID,
	).Scan(&locked); err != nil {
		return 0, false, fmt.Errorf("admission: lock tenant %s: %w", req.TenantID, err)
	}

	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM calls WHERE tenant_id = $1 AND status = $2`,
		req.TenantID, CallInProgress,
	).Scan(&current); err != nil {
		return 0, false, fmt.Errorf("admission: count active for %s: %w", req.TenantID, err)
	}

	if current >= maxConcurrent {
		return current, false, nil
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO calls (id, tenant_id, agent_id, direction, status, stt_provider, llm_provider, tts_provider)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		req.CallID, req.TenantID, req.AgentID, defaultDirection(req.Direction),
		CallInProgress, req.STTProvider, req.LLMProvider, req.TTSProvider,
	); err != nil {
		if isDuplicateKeyError(err) {
			return 0, false, fmt.Errorf("admission: call %s already registered", req.CallID)
		}
		return 0, false, fmt.Errorf("admission: insert call %s: %w", req.CallID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("admission: commit reserve: %w", err)
	}
	return current, true, nil
}

// Release implements [Store]. The WHERE clause on status makes repeats
// no-ops; the fallback billed-minute value is replaced by the billing
// reconciler's exact accounting when it finalizes the call.
func (s *PostgresStore) Release(ctx context.Context, callID, status, endReason string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE calls
		SET status = $2,
		    end_reason = $3,
		    ended_at = now(),
		    duration_seconds = CEIL(EXTRACT(EPOCH FROM (now() - started_at))),
		    billed_minutes = CEIL(EXTRACT(EPOCH FROM (now() - started_at)) / 60.0)
		WHERE id = $1 AND status = $4`,
		callID, status, endReason, CallInProgress,
	)
	if err != nil {
		return false, fmt.Errorf("admission: release %s: %w", callID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ActiveCount implements [Store].
func (s *PostgresStore) ActiveCount(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM calls WHERE tenant_id = $1 AND status = $2`,
		tenantID, CallInProgress,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("admission: active count for %s: %w", tenantID, err)
	}
	return n, nil
}

// UsedMinutes implements [Store].
func (s *PostgresStore) UsedMinutes(ctx context.Context, tenantID string, from, to time.Time) (int64, error) {
	var minutes int64
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(billed_minutes), 0)
		FROM calls
		WHERE tenant_id = $1 AND status <> $2 AND started_at >= $3 AND started_at < $4`,
		tenantID, CallInProgress, from, to,
	).Scan(&minutes)
	if err != nil {
		return 0, fmt.Errorf("admission: used minutes for %s: %w", tenantID, err)
	}
	return minutes, nil
}

// StaleCalls implements [Store].
func (s *PostgresStore) StaleCalls(ctx context.Context, cutoff time.Time) ([]StaleCall, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, tenant_id, started_at FROM calls WHERE status = $1 AND started_at < $2`,
		CallInProgress, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("admission: stale calls: %w", err)
	}
	defer rows.Close()

	var stale []StaleCall
	for rows.Next() {
		var sc StaleCall
		if err := rows.Scan(&sc.CallID, &sc.TenantID, &sc.StartedAt); err != nil {
			return nil, fmt.Errorf("admission: stale calls scan: %w", err)
		}
		stale = append(stale, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("admission: stale calls: %w", err)
	}
	return stale, nil
}

// Close implements [Store]. The connection pool belongs to the caller.
func (s *PostgresStore) Close() error { return nil }

func defaultDirection(d string) string {
	if d == "" {
		return "web"
	}
	return d
}

// isDuplicateKeyError checks for a PostgreSQL unique violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
