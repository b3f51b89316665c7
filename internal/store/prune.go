package store

import (
	"context"
	"fmt"

	"github.com/metalagman/clausegate/internal/coordinator"
)

// PruneRuns deletes old runs with their blackboards and events.
func (s *Store) PruneRuns(ctx context.Context, policy coordinator.RetentionPolicy, dryRun bool, protect func(coordinator.Run) bool) (coordinator.PruneResult, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, status, created_at FROM runs ORDER BY created_at DESC, run_id DESC`)
	if err != nil {
		return coordinator.PruneResult{}, fmt.Errorf("list runs: %w", err)
	}
	var runs []coordinator.Run
	for rows.Next() {
		var id, status, createdAt string
		if err := rows.Scan(&id, &status, &createdAt); err != nil {
			_ = rows.Close()
			return coordinator.PruneResult{}, fmt.Errorf("scan run: %w", err)
		}
		run := coordinator.Run{ID: id, Status: coordinator.Status(status)}
		if run.CreatedAt, err = parseTS(createdAt); err != nil {
			// Unparseable rows are kept, like runs still in progress.
			run.Status = coordinator.StatusRunning
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return coordinator.PruneResult{}, fmt.Errorf("iterate runs: %w", err)
	}
	_ = rows.Close()

	res := coordinator.SelectPrunable(runs, policy, s.now().UTC(), protect)
	if dryRun || len(res.Deleted) == 0 {
		return res, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("begin prune: %w", err)
	}
	for _, id := range res.Deleted {
		if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id=?`, id); err != nil {
			_ = tx.Rollback()
			return res, fmt.Errorf("delete run %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("commit prune: %w", err)
	}
	return res, nil
}
