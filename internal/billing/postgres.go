package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/voxplane/voxplane/internal/admission"
)

// UsageSchema is the SQL DDL for the usage_records table. The calls
// table it references is created by the admission store's schema; both
// stores run over the same database.
const UsageSchema = `
CREATE TABLE IF NOT EXISTS usage_records (
    call_id          TEXT PRIMARY KEY,
    tenant_id        TEXT NOT NULL,
    period_start     TIMESTAMPTZ NOT NULL,
    period_end       TIMESTAMPTZ NOT NULL,
    usage_type       TEXT NOT NULL DEFAULT 'call_minutes',
    quantity         BIGINT NOT NULL,
    unit_cost_minor  BIGINT NOT NULL,
    total_cost_minor BIGINT NOT NULL,
    metadata         JSONB NOT NULL DEFAULT '{}',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_usage_records_tenant_period ON usage_records(tenant_id, period_start);
`

// DB is the database interface used by [PostgresStore]. Both
// *pgxpool.Pool and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] over the shared calls table plus the
// usage_records table.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgresStore over the given connection or
// pool. Call [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [UsageSchema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, UsageSchema); err != nil {
		return fmt.Errorf("billing: migrate: %w", err)
	}
	return nil
}

// FinalizeCall implements [Store]. The status guard in the WHERE clause
// makes the write idempotent; a call already finalized (by a racing
// replica or an earlier attempt) is left untouched.
func (s *PostgresStore) FinalizeCall(ctx context.Context, rec *CallRecord) (bool, error) {
	meta, err := json.Marshal(emptyMap(rec.Metadata))
	if err != nil {
		return false, fmt.Errorf("billing: marshal metadata: %w", err)
	}

	tag, err := s.db.Exec(ctx, `
		UPDATE calls SET
			status = $2, ended_at = $3,
			duration_seconds = $4, billed_minutes = $5,
			stt_cost_minor = $6, llm_cost_minor = $7, tts_cost_minor = $8,
			telephony_cost_minor = $9, total_cost_minor = $10,
			end_reason = $11, error = $12, metadata = $13
		WHERE id = $1 AND status = $14`,
		rec.CallID, rec.Status, rec.EndedAt,
		rec.DurationSeconds, rec.BilledMinutes,
		rec.STTCostMinor, rec.LLMCostMinor, rec.TTSCostMinor,
		rec.TelephonyCostMinor, rec.TotalCostMinor,
		rec.EndReason, rec.Error, meta,
		admission.CallInProgress,
	)
	if err != nil {
		return false, fmt.Errorf("billing: finalize %s: %w", rec.CallID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetCall implements [Store].
func (s *PostgresStore) GetCall(ctx context.Context, callID string) (*CallRecord, error) {
	const query = `
		SELECT id, tenant_id, agent_id, direction, status,
		       started_at, COALESCE(ended_at, started_at),
		       duration_seconds, billed_minutes,
		       stt_provider, llm_provider, tts_provider,
		       stt_cost_minor, llm_cost_minor, tts_cost_minor,
		       telephony_cost_minor, total_cost_minor,
		       end_reason, error, metadata
		FROM calls WHERE id = $1`

	var rec CallRecord
	var meta []byte
	err := s.db.QueryRow(ctx, query, callID).Scan(
		&rec.CallID, &rec.TenantID, &rec.AgentID, &rec.Direction, &rec.Status,
		&rec.StartedAt, &rec.EndedAt,
		&rec.DurationSeconds, &rec.BilledMinutes,
		&rec.STTProvider, &rec.LLMProvider, &rec.TTSProvider,
		&rec.STTCostMinor, &rec.LLMCostMinor, &rec.TTSCostMinor,
		&rec.TelephonyCostMinor, &rec.TotalCostMinor,
		&rec.EndReason, &rec.Error, &meta,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCallNotFound
		}
		return nil, fmt.Errorf("billing: get call %s: %w", callID, err)
	}
	if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
		return nil, fmt.Errorf("billing: unmarshal metadata: %w", err)
	}
	return &rec, nil
}

// InsertUsage implements [Store]. ON CONFLICT DO NOTHING is the
// write-once guarantee.
func (s *PostgresStore) InsertUsage(ctx context.Context, u *UsageRecord) (bool, error) {
	meta, err := json.Marshal(emptyMap(u.Metadata))
	if err != nil {
		return false, fmt.Errorf("billing: marshal usage metadata: %w", err)
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO usage_records (
			call_id, tenant_id, period_start, period_end,
			usage_type, quantity, unit_cost_minor, total_cost_minor, metadata
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (call_id) DO NOTHING`,
		u.CallID, u.TenantID, u.PeriodStart, u.PeriodEnd,
		u.UsageType, u.Quantity, u.UnitCostMinor, u.TotalCostMinor, meta,
	)
	if err != nil {
		return false, fmt.Errorf("billing: insert usage %s: %w", u.CallID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// MissingUsage implements [Store].
func (s *PostgresStore) MissingUsage(ctx context.Context, limit int) ([]*CallRecord, error) {
	const query = `
		SELECT c.id, c.tenant_id, c.agent_id, c.direction, c.status,
		       c.started_at, COALESCE(c.ended_at, c.started_at),
		       c.duration_seconds, c.billed_minutes,
		       c.stt_provider, c.llm_provider, c.tts_provider,
		       c.stt_cost_minor, c.llm_cost_minor, c.tts_cost_minor,
		       c.telephony_cost_minor, c.total_cost_minor,
		       c.end_reason, c.error, c.metadata
		FROM calls c
		LEFT JOIN usage_records u ON u.call_id = c.id
		WHERE c.status <> $1 AND u.call_id IS NULL
		ORDER BY c.started_at
		LIMIT $2`

	rows, err := s.db.Query(ctx, query, admission.CallInProgress, limit)
	if err != nil {
		return nil, fmt.Errorf("billing: missing usage: %w", err)
	}
	defer rows.Close()

	var recs []*CallRecord
	for rows.Next() {
		var rec CallRecord
		var meta []byte
		if err := rows.Scan(
			&rec.CallID, &rec.TenantID, &rec.AgentID, &rec.Direction, &rec.Status,
			&rec.StartedAt, &rec.EndedAt,
			&rec.DurationSeconds, &rec.BilledMinutes,
			&rec.STTProvider, &rec.LLMProvider, &rec.TTSProvider,
			&rec.STTCostMinor, &rec.LLMCostMinor, &rec.TTSCostMinor,
			&rec.TelephonyCostMinor, &rec.TotalCostMinor,
			&rec.EndReason, &rec.Error, &meta,
		); err != nil {
			return nil, fmt.Errorf("billing: missing usage scan: %w", err)
		}
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("billing: unmarshal metadata: %w", err)
		}
		recs = append(recs, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("billing: missing usage: %w", err)
	}
	return recs, nil
}

// Close implements [Store]. The connection pool belongs to the caller.
func (s *PostgresStore) Close() error { return nil }

// emptyMap ensures JSON marshalling produces "{}" instead of "null".
func emptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
