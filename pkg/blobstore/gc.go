package blobstore

import (
	"context"
	"database/sql"

	"github.com/capassure/capcore/pkg/caperrors"
)

// gcBatchSize bounds the number of deletions per transaction so other
// writers can interleave during a long sweep.
const gcBatchSize = 1000

// GC runs a mark-and-sweep collection. mark holds the blob ids referenced
// by live registry entries; sweep candidates are blobs with refcount zero
// that are not marked. When dryRun is true, candidates are returned
// without deleting. Each deletion batch runs in its own transaction; on
// cancellation the current batch rolls back and already-committed batches
// remain.
func (s *Store) GC(ctx context.Context, mark map[string]bool, dryRun bool) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT blob_id FROM blobs WHERE refcount = 0 ORDER BY blob_id")
	if err != nil {
		return nil, caperrors.StorageIO("blobstore: gc scan: %v", err)
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, caperrors.StorageIO("blobstore: gc scan: %v", err)
		}
		if !mark[id] {
			candidates = append(candidates, id)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, caperrors.StorageIO("blobstore: gc scan: %v", err)
	}
	_ = rows.Close()

	if dryRun {
		return candidates, nil
	}

	var removed []string
	for start := 0; start < len(candidates); start += gcBatchSize {
		end := start + gcBatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]

		if err := ctx.Err(); err != nil {
			return removed, caperrors.Cancelled("blobstore: gc cancelled after %d removals", len(removed))
		}
		if err := s.deleteBatch(ctx, batch); err != nil {
			return removed, err
		}
		removed = append(removed, batch...)
	}
	return removed, nil
}

func (s *Store) deleteBatch(ctx context.Context, ids []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return caperrors.StorageIO("blobstore: gc begin tx: %v", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		// Re-check refcount inside the transaction: a concurrent pin
		// between scan and sweep keeps the blob alive.
		var refcount int64
		row := tx.QueryRowContext(ctx, "SELECT refcount FROM blobs WHERE blob_id = ?", id)
		switch err := row.Scan(&refcount); err {
		case nil:
		case sql.ErrNoRows:
			continue
		default:
			return caperrors.StorageIO("blobstore: gc probe: %v", err)
		}
		if refcount > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM blobs WHERE blob_id = ?", id); err != nil {
			return caperrors.StorageIO("blobstore: gc delete: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return caperrors.StorageIO("blobstore: gc commit: %v", err)
	}
	return nil
}
