// ABOUTME: Claim-loop store methods: stale-lock sweep, candidate selection, conditional
// ABOUTME: lock acquisition, and the two terminal writes (complete-with-output, release).
package store

import (
	"context"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/hummingbirdtestai/gapfill/internal/workflow"
)

// ReleaseExpiredLocks clears the workflow's lock column pair on rows whose
// lock is older than ttlSeconds, regardless of which worker set it. Any
// instance may sweep any other instance's stale lock. The sweep is scoped to
// this workflow's own columns so one pipeline can never unlock another's
// in-flight rows.
func (s *Store) ReleaseExpiredLocks(ctx context.Context, wf *workflow.Workflow, ttlSeconds int64) (int64, error) {
	query, args, err := psql.
		Update(wf.Table).
		Set(wf.LockOwnerColumn, nil).
		Set(wf.LockTimeColumn, nil).
		Where(sq.Expr(fmt.Sprintf("%s IS NOT NULL", wf.LockOwnerColumn))).
		Where(sq.Expr(fmt.Sprintf("%s < now() - make_interval(secs => ?)", wf.LockTimeColumn), ttlSeconds)).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build expired-lock sweep: %w", err)
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("release expired locks %s: %w", wf.Name, err)
	}
	return tag.RowsAffected(), nil
}

// SelectCandidates returns up to limit row ids that are eligible for
// claiming: output still null, lock still null, in insertion order.
func (s *Store) SelectCandidates(ctx context.Context, wf *workflow.Workflow, limit int) ([]int64, error) {
	query, args, err := psql.
		Select("id").
		From(wf.Table).
		Where(sq.Eq{wf.OutputColumn: nil}).
		Where(sq.Eq{wf.LockOwnerColumn: nil}).
		OrderBy(wf.OrderColumn + " ASC").
		Limit(uint64(limit)). //nolint:gosec // limit validated by config
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build candidate query: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select candidates %s: %w", wf.Name, err)
	}
	ids, err := collectIDs(rows)
	if err != nil {
		return nil, fmt.Errorf("scan candidates %s: %w", wf.Name, err)
	}
	return ids, nil
}

// AcquireLocks attempts the conditional lock write on the candidate ids and
// returns only the rows this owner actually won, inputs included. The
// lock-still-null and output-still-null predicates make the update a
// compare-and-swap: a row claimed by a concurrent worker between selection
// and this write simply drops out of the returned set.
func (s *Store) AcquireLocks(ctx context.Context, wf *workflow.Workflow, owner string, ids []int64) ([]workflow.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	returning := append([]string{"id"}, wf.InputColumns...)
	query, args, err := psql.
		Update(wf.Table).
		Set(wf.LockOwnerColumn, owner).
		Set(wf.LockTimeColumn, sq.Expr("now()")).
		Where(sq.Eq{"id": ids}).
		Where(sq.Eq{wf.LockOwnerColumn: nil}).
		Where(sq.Eq{wf.OutputColumn: nil}).
		Suffix("RETURNING " + strings.Join(returning, ", ")).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build lock acquisition: %w", err)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("acquire locks %s: %w", wf.Name, err)
	}
	defer rows.Close()

	var items []workflow.Item
	scan := make([]any, len(returning))
	for rows.Next() {
		var id int64
		cols := make([]*string, len(wf.InputColumns))
		scan[0] = &id
		for i := range cols {
			scan[i+1] = &cols[i]
		}
		if err := rows.Scan(scan...); err != nil {
			return nil, fmt.Errorf("scan locked row %s: %w", wf.Name, err)
		}
		inputs := make(map[string]string, len(wf.InputColumns))
		for i, col := range wf.InputColumns {
			if cols[i] != nil {
				inputs[col] = *cols[i]
			}
		}
		items = append(items, workflow.Item{ID: id, Inputs: inputs})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("acquire locks %s: %w", wf.Name, err)
	}
	return items, nil
}

// CompleteItem persists output and clears the lock column pair in a single
// write. Last writer wins if the stale-lock sweep ever let two workers
// process the same row; both produce a valid output, so the overwrite is
// harmless.
func (s *Store) CompleteItem(ctx context.Context, wf *workflow.Workflow, id int64, output string) error {
	query, args, err := psql.
		Update(wf.Table).
		Set(wf.OutputColumn, output).
		Set(wf.LockOwnerColumn, nil).
		Set(wf.LockTimeColumn, nil).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build complete update: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("complete item %s/%d: %w", wf.Name, id, err)
	}
	return nil
}

// ReleaseItem clears the lock column pair without touching the output, so
// the row becomes claimable again by any worker.
func (s *Store) ReleaseItem(ctx context.Context, wf *workflow.Workflow, id int64) error {
	query, args, err := psql.
		Update(wf.Table).
		Set(wf.LockOwnerColumn, nil).
		Set(wf.LockTimeColumn, nil).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build release update: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("release item %s/%d: %w", wf.Name, id, err)
	}
	return nil
}
