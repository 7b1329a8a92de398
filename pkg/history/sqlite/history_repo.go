package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gitopsdelivery/pkg/core"
	"gitopsdelivery/pkg/history"
)

// HistoryRepo implements [history.Store] backed by SQLite.
type HistoryRepo struct {
	DB     *sql.DB
	Window int
}

var _ history.Store = (*HistoryRepo)(nil)

func (r *HistoryRepo) window() int {
	if r.Window <= 0 {
		return core.DefaultHistoryWindow
	}
	return r.Window
}

// Record inserts entries and trims each touched key to the window in one transaction.
func (r *HistoryRepo) Record(ctx context.Context, entries ...history.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	touched := map[string]bool{}
	for _, entry := range entries {
		resource := entry.Key.String()
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sync_history (resource, cycle_id, revision, delta_type, outcome, reason, message, attempts, recorded_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			resource, entry.CycleID, entry.Revision, string(entry.DeltaType), string(entry.Outcome),
			entry.Reason, entry.Message, entry.Attempts, entry.RecordedAt.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("insert history for %s: %w", resource, err)
		}
		touched[resource] = true
	}

	for resource := range touched {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM sync_history WHERE resource = ? AND id NOT IN (
			   SELECT id FROM sync_history WHERE resource = ? ORDER BY id DESC LIMIT ?)`,
			resource, resource, r.window(),
		)
		if err != nil {
			return fmt.Errorf("trim history for %s: %w", resource, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// List returns entries for key, newest first.
func (r *HistoryRepo) List(ctx context.Context, key core.ResourceKey) ([]history.Entry, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT cycle_id, revision, delta_type, outcome, reason, message, attempts, recorded_at
		 FROM sync_history WHERE resource = ? ORDER BY id DESC LIMIT ?`,
		key.String(), r.window(),
	)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer rows.Close()

	var entries []history.Entry
	for rows.Next() {
		var (
			entry      history.Entry
			deltaType  string
			outcome    string
			recordedAt string
		)
		if err := rows.Scan(&entry.CycleID, &entry.Revision, &deltaType, &outcome, &entry.Reason, &entry.Message, &entry.Attempts, &recordedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		entry.Key = key
		entry.DeltaType = core.DeltaType(deltaType)
		entry.Outcome = core.SyncOutcome(outcome)
		entry.RecordedAt, err = time.Parse(time.RFC3339Nano, recordedAt)
		if err != nil {
			return nil, fmt.Errorf("parse recorded_at: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
