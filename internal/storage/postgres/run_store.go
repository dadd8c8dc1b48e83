// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/proxy-session-rotator/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// RunStoreConfig controls the Postgres connection pool used for run rows.
type RunStoreConfig struct {
	DSN string
	// SessionTable names the session archive table. Defaults to
	// "run_sessions"; deployments with different retention policies point
	// this at their own table.
	SessionTable    string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// RunStore implements store.RunRepository using Postgres.
type RunStore struct {
	pool         querier
	sessionTable string
}

// NewRunStore creates a Postgres-backed RunStore using the provided config.
func NewRunStore(ctx context.Context, cfg RunStoreConfig) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table := cfg.SessionTable
	if table == "" {
		table = "run_sessions"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &RunStore{
		pool:         pool,
		sessionTable: table,
	}, nil
}

// NewRunStoreWithPool constructs a store from an existing pool (primarily
// for testing).
func NewRunStoreWithPool(pool querier, sessionTable string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if sessionTable == "" {
		sessionTable = "run_sessions"
	}
	if !validTableName.MatchString(sessionTable) {
		return nil, fmt.Errorf("invalid table name %q", sessionTable)
	}
	return &RunStore{pool: pool, sessionTable: sessionTable}, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertRunStart inserts or updates a run's start time.
func (s *RunStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	query := `
		INSERT INTO runs (id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status
		WHERE runs.status <> EXCLUDED.status;
	`
	_, err := s.pool.Exec(ctx, query, runID, startedAt, store.RunRunning)
	if err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// CompleteRun marks a run finished with a status, optional error message,
// and optional report artifact URI.
func (s *RunStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
	reportURI *string,
) error {
	query := `
		UPDATE runs
		SET finished_at = $1, status = $2, error_message = $3, report_uri = $4
		WHERE id = $5;
	`
	_, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, reportURI, runID)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// UpsertHostStats updates the aggregates for a host within a run.
func (s *RunStore) UpsertHostStats(
	ctx context.Context,
	runID uuid.UUID,
	host string,
	deltaDispatches,
	deltaBytes int64,
	statusClass string,
	at time.Time,
) error {
	var query string
	switch statusClass {
	case "2xx":
		query = `UPDATE run_host_stats SET dispatches = dispatches + $1,
			bytes_total = bytes_total + $2,
			fetch_2xx = fetch_2xx + $1,
			last_update = $3
			WHERE run_id = $4 AND host = $5;`
	case "3xx":
		query = `UPDATE run_host_stats SET dispatches = dispatches + $1,
			bytes_total = bytes_total + $2,
			fetch_3xx = fetch_3xx + $1,
			last_update = $3
			WHERE run_id = $4 AND host = $5;`
	case "4xx":
		query = `UPDATE run_host_stats SET dispatches = dispatches + $1,
			bytes_total = bytes_total + $2,
			fetch_4xx = fetch_4xx + $1,
			last_update = $3
			WHERE run_id = $4 AND host = $5;`
	case "5xx":
		query = `UPDATE run_host_stats SET dispatches = dispatches + $1,
			bytes_total = bytes_total + $2,
			fetch_5xx = fetch_5xx + $1,
			last_update = $3
			WHERE run_id = $4 AND host = $5;`
	default:
		return fmt.Errorf("unknown status class: %s", statusClass)
	}

	res, err := s.pool.Exec(ctx, query, deltaDispatches, deltaBytes, at, runID, host)
	if err != nil {
		return fmt.Errorf("failed to update host stats: %w", err)
	}
	if res.RowsAffected() == 0 {
		var fetch2xx, fetch3xx, fetch4xx, fetch5xx int64
		switch statusClass {
		case "2xx":
			fetch2xx = deltaDispatches
		case "3xx":
			fetch3xx = deltaDispatches
		case "4xx":
			fetch4xx = deltaDispatches
		case "5xx":
			fetch5xx = deltaDispatches
		}

		query = `
			INSERT INTO run_host_stats (run_id, host, last_update, dispatches, bytes_total, fetch_2xx, fetch_3xx, fetch_4xx, fetch_5xx)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (run_id, host) DO NOTHING;
		`
		_, err = s.pool.Exec(
			ctx,
			query,
			runID,
			host,
			at,
			deltaDispatches,
			deltaBytes,
			fetch2xx,
			fetch3xx,
			fetch4xx,
			fetch5xx,
		)
		if err != nil {
			return fmt.Errorf("failed to insert host stats: %w", err)
		}
	}
	return nil
}

// ArchiveSession records one session's final counters for a run.
func (s *RunStore) ArchiveSession(ctx context.Context, row store.SessionArchive) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("run store is not configured")
	}
	if row.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	session_id,
	profile,
	status,
	request_count,
	success_count,
	failure_count,
	blacklist_reason,
	created_at,
	retired_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
ON CONFLICT (run_id, session_id) DO UPDATE
SET status = EXCLUDED.status,
	request_count = EXCLUDED.request_count,
	success_count = EXCLUDED.success_count,
	failure_count = EXCLUDED.failure_count,
	blacklist_reason = EXCLUDED.blacklist_reason,
	retired_at = EXCLUDED.retired_at;`, s.sessionTable)

	args := []any{
		row.RunID,
		row.SessionID,
		row.Profile,
		row.Status,
		row.RequestCount,
		row.SuccessCount,
		row.FailureCount,
		row.BlacklistReason,
		row.CreatedAt,
		row.RetiredAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert session archive: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := `
		SELECT id, started_at, finished_at, status, error_message, report_uri
		FROM runs
		WHERE id = $1;
	`
	var run store.Run
	err := s.pool.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
		&run.ReportURI,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs, with optional status filtering.
func (s *RunStore) ListRuns(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.Run, error) {
	query := `
		SELECT id, started_at, finished_at, status, error_message, report_uri
		FROM runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		var run store.Run
		err := rows.Scan(
			&run.ID,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Status,
			&run.ErrorMessage,
			&run.ReportURI,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// ListRunHosts retrieves aggregated host statistics for a run.
func (s *RunStore) ListRunHosts(
	ctx context.Context,
	runID uuid.UUID,
	limit,
	offset int,
) ([]store.HostStats, error) {
	query := `
		SELECT run_id, host, last_update, dispatches, bytes_total, fetch_2xx, fetch_3xx, fetch_4xx, fetch_5xx
		FROM run_host_stats
		WHERE run_id = $1
		ORDER BY last_update DESC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list run hosts: %w", err)
	}
	defer rows.Close()

	var stats []store.HostStats
	for rows.Next() {
		var stat store.HostStats
		err := rows.Scan(
			&stat.RunID,
			&stat.Host,
			&stat.LastUpdate,
			&stat.Dispatches,
			&stat.BytesTotal,
			&stat.Fetch2xx,
			&stat.Fetch3xx,
			&stat.Fetch4xx,
			&stat.Fetch5xx,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan host stats row: %w", err)
		}
		stats = append(stats, stat)
	}
	return stats, nil
}

// ListRunSessions retrieves archived sessions for a run.
func (s *RunStore) ListRunSessions(
	ctx context.Context,
	runID uuid.UUID,
	limit,
	offset int,
) ([]store.SessionArchive, error) {
	query := fmt.Sprintf(`
		SELECT run_id, session_id, profile, status, request_count, success_count, failure_count, blacklist_reason, created_at, retired_at
		FROM %s
		WHERE run_id = $1
		ORDER BY created_at ASC
		LIMIT $2 OFFSET $3;`, s.sessionTable)
	rows, err := s.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list run sessions: %w", err)
	}
	defer rows.Close()

	var sessions []store.SessionArchive
	for rows.Next() {
		var row store.SessionArchive
		err := rows.Scan(
			&row.RunID,
			&row.SessionID,
			&row.Profile,
			&row.Status,
			&row.RequestCount,
			&row.SuccessCount,
			&row.FailureCount,
			&row.BlacklistReason,
			&row.CreatedAt,
			&row.RetiredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session archive row: %w", err)
		}
		sessions = append(sessions, row)
	}
	return sessions, nil
}
