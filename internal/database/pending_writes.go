package database

import (
	"context"
	"fmt"
	"time"

	"cleandispatch/internal/models"

	"github.com/google/uuid"
)

const pendingWriteColumns = `id, kind, booking_id, provider_id, payload, status, retry_count, last_error,
	created_at, processed_at, next_retry_at`

func (db *DB) CreatePendingWrite(ctx context.Context, write *models.PendingWrite) error {
	if write.ID == "" {
		write.ID = uuid.NewString()
	}
	if write.Status == "" {
		write.Status = models.WritePending
	}

	query := `INSERT INTO pending_writes (id, kind, booking_id, provider_id, payload, status, retry_count, last_error, created_at, next_retry_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, query,
		write.ID,
		write.Kind,
		write.BookingID,
		write.ProviderID,
		write.Payload,
		write.Status,
		write.RetryCount,
		write.LastError,
		now,
		write.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create pending write: %w", err)
	}
	write.CreatedAt = now
	return nil
}

func scanPendingWrite(row rowScanner) (*models.PendingWrite, error) {
	var w models.PendingWrite
	err := row.Scan(
		&w.ID, &w.Kind, &w.BookingID, &w.ProviderID, &w.Payload, &w.Status, &w.RetryCount, &w.LastError,
		&w.CreatedAt, &w.ProcessedAt, &w.NextRetryAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (db *DB) GetPendingWrite(ctx context.Context, id string) (*models.PendingWrite, error) {
	w, err := scanPendingWrite(db.QueryRowContext(ctx, `SELECT `+pendingWriteColumns+` FROM pending_writes WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, "pending write "+id)
	}
	return w, nil
}

// GetDuePendingWrites returns pending and retrying writes whose retry time has come.
func (db *DB) GetDuePendingWrites(ctx context.Context, limit int) ([]*models.PendingWrite, error) {
	query := `SELECT ` + pendingWriteColumns + `
              FROM pending_writes
              WHERE status IN (?, ?) AND (next_retry_at IS NULL OR next_retry_at <= ?)
              ORDER BY created_at ASC LIMIT ?`
	return db.queryPendingWrites(ctx, query, models.WritePending, models.WriteRetry, time.Now().UTC(), limit)
}

func (db *DB) UpdatePendingWriteStatus(ctx context.Context, id, status, errMsg string, nextRetryAt *time.Time) error {
	var query string
	var args []interface{}
	now := time.Now().UTC()
	if nextRetryAt != nil {
		utc := nextRetryAt.UTC()
		nextRetryAt = &utc
	}

	switch status {
	case models.WriteRetry:
		query = `UPDATE pending_writes SET status = ?, last_error = ?, next_retry_at = ?, retry_count = retry_count + 1 WHERE id = ?`
		args = []interface{}{status, errMsg, nextRetryAt, id}
	case models.WriteCompleted, models.WriteFailed:
		query = `UPDATE pending_writes SET status = ?, last_error = ?, next_retry_at = ?, processed_at = ? WHERE id = ?`
		args = []interface{}{status, errMsg, nextRetryAt, &now, id}
	default:
		query = `UPDATE pending_writes SET status = ?, last_error = ?, next_retry_at = ? WHERE id = ?`
		args = []interface{}{status, errMsg, nextRetryAt, id}
	}

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update pending write status: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("pending write %s: %w", id, ErrNotFound)
	}
	return nil
}

func (db *DB) GetFailedPendingWrites(ctx context.Context) ([]*models.PendingWrite, error) {
	query := `SELECT ` + pendingWriteColumns + ` FROM pending_writes WHERE status = ? ORDER BY created_at DESC`
	return db.queryPendingWrites(ctx, query, models.WriteFailed)
}

func (db *DB) queryPendingWrites(ctx context.Context, query string, args ...interface{}) ([]*models.PendingWrite, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending writes: %w", err)
	}
	defer rows.Close()

	var writes []*models.PendingWrite
	for rows.Next() {
		w, err := scanPendingWrite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending write: %w", err)
		}
		writes = append(writes, w)
	}
	return writes, rows.Err()
}
