// Package store provides the data access layer. All claim-loop queries are
// built dynamically with squirrel because table and column names come from
// workflow configuration records, not from a fixed schema. Workflow
// registration validates every identifier before it reaches this package, so
// identifier splicing here is safe.
//
// There is deliberately no transaction spanning claim, process, and release:
// each statement is individually atomic, and the lock columns carry all
// cross-process coordination.
package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hummingbirdtestai/gapfill/internal/workflow"
)

// psql builds queries with Postgres-style $n placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Store is the data access object shared by all workers in a process.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need raw access
// (migration checks, test setup).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// BacklogCounts is the per-workflow queue snapshot used by the backlog
// subcommand.
type BacklogCounts struct {
	Pending int64
	Locked  int64
	Done    int64
}

// Backlog counts rows by claim state for the given workflow.
func (s *Store) Backlog(ctx context.Context, wf *workflow.Workflow) (BacklogCounts, error) {
	query, args, err := psql.
		Select(
			fmt.Sprintf("count(*) FILTER (WHERE %s IS NULL AND %s IS NULL)", wf.OutputColumn, wf.LockOwnerColumn),
			fmt.Sprintf("count(*) FILTER (WHERE %s IS NULL AND %s IS NOT NULL)", wf.OutputColumn, wf.LockOwnerColumn),
			fmt.Sprintf("count(*) FILTER (WHERE %s IS NOT NULL)", wf.OutputColumn),
		).
		From(wf.Table).
		ToSql()
	if err != nil {
		return BacklogCounts{}, fmt.Errorf("build backlog query: %w", err)
	}

	var c BacklogCounts
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&c.Pending, &c.Locked, &c.Done); err != nil {
		return BacklogCounts{}, fmt.Errorf("backlog %s: %w", wf.Name, err)
	}
	return c, nil
}

// collectIDs drains a single-int64-column result set.
func collectIDs(rows pgx.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
