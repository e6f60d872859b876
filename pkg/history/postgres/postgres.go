// Package postgres provides a PostgreSQL history.Store built on pgx/v5.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rhuss/taskrun/pkg/api"
	"github.com/rhuss/taskrun/pkg/history"
)

const uniqueViolation = "23505"

const runColumns = `id, task, status, code, dependencies, output, exit_code,
	error_type, error_message, backend, duration_ms, subject, created_at`

// Store is a PostgreSQL-backed history.Store.
type Store struct {
	pool *pgxpool.Pool
}

var _ history.Store = (*Store)(nil)

// New connects to PostgreSQL and, when MigrateOnStart is set, applies the
// schema migrations.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg.defaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{pool: pool}
	if cfg.MigrateOnStart {
		if err := s.migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
	}
	return s, nil
}

// SaveRun inserts rec under the context tenant.
func (s *Store) SaveRun(ctx context.Context, rec *api.RunRecord) error {
	deps := rec.Dependencies
	if deps == nil {
		deps = []string{}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO runs (
			id, tenant_id, task, status, code, dependencies, output, exit_code,
			error_type, error_message, backend, duration_ms, subject, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`,
		rec.ID, history.GetTenant(ctx), rec.Task, string(rec.Status), rec.Code, deps,
		rec.Output, rec.ExitCode, string(rec.ErrorType), rec.ErrorMessage, rec.Backend,
		rec.DurationMs, rec.Subject, rec.CreatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return history.ErrConflict
		}
		return fmt.Errorf("inserting run: %w", err)
	}
	return nil
}

// GetRun returns one run, scoped to the context tenant.
func (s *Store) GetRun(ctx context.Context, id string) (*api.RunRecord, error) {
	query := "SELECT " + runColumns + " FROM runs WHERE id = $1"
	args := []any{id}
	if tenantID := history.GetTenant(ctx); tenantID != "" {
		query += " AND tenant_id = $2"
		args = append(args, tenantID)
	}

	rec, err := scanRun(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, history.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying run: %w", err)
	}
	return rec, nil
}

// checkCursor makes sure the after cursor names a run visible to the
// context tenant.
func (s *Store) checkCursor(ctx context.Context, id string) error {
	query := "SELECT EXISTS (SELECT 1 FROM runs WHERE id = $1"
	args := []any{id}
	if tenantID := history.GetTenant(ctx); tenantID != "" {
		query += " AND tenant_id = $2"
		args = append(args, tenantID)
	}
	query += ")"

	var exists bool
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&exists); err != nil {
		return fmt.Errorf("checking cursor: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", history.ErrUnknownCursor, id)
	}
	return nil
}

// ListRuns returns a page of runs for the context tenant.
func (s *Store) ListRuns(ctx context.Context, opts history.ListOptions) (*api.RunList, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if tenantID := history.GetTenant(ctx); tenantID != "" {
		where = append(where, "tenant_id = "+arg(tenantID))
	}
	if opts.Status != "" {
		where = append(where, "status = "+arg(string(opts.Status)))
	}

	order, cmp := "DESC", "<"
	if opts.Order == "asc" {
		order, cmp = "ASC", ">"
	}
	if opts.After != "" {
		if err := s.checkCursor(ctx, opts.After); err != nil {
			return nil, err
		}
		p := arg(opts.After)
		where = append(where, fmt.Sprintf(
			"(created_at, id) %s (SELECT created_at, id FROM runs WHERE id = %s)", cmp, p))
	}

	limit := opts.EffectiveLimit()
	query := "SELECT " + runColumns + " FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at %s, id %s LIMIT %s", order, order, arg(limit+1))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	data := []api.RunRecord{}
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		data = append(data, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	result := &api.RunList{Object: "list", Data: data}
	if len(data) > limit {
		result.Data = data[:limit]
		result.HasMore = true
	}
	if n := len(result.Data); n > 0 {
		result.FirstID = result.Data[0].ID
		result.LastID = result.Data[n-1].ID
	}
	return result, nil
}

// HealthCheck pings the database.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanRun(row pgx.Row) (*api.RunRecord, error) {
	var (
		rec       api.RunRecord
		status    string
		errorType string
	)
	err := row.Scan(
		&rec.ID, &rec.Task, &status, &rec.Code, &rec.Dependencies, &rec.Output, &rec.ExitCode,
		&errorType, &rec.ErrorMessage, &rec.Backend, &rec.DurationMs, &rec.Subject, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Object = "run"
	rec.Status = api.RunStatus(status)
	rec.ErrorType = api.ErrorType(errorType)
	return &rec, nil
}

func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
