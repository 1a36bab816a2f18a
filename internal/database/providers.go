package database

import (
	"context"
	"fmt"
	"time"

	"cleandispatch/internal/models"
)

func (db *DB) GetProvider(ctx context.Context, id string) (*models.ProviderProfile, error) {
	query := `SELECT id, display_name, average_rating, rating_count, completed_jobs, last_rated_at, updated_at
              FROM providers WHERE id = ?`
	var p models.ProviderProfile
	err := db.QueryRowContext(ctx, query, id).Scan(
		&p.ID, &p.DisplayName, &p.AverageRating, &p.RatingCount, &p.CompletedJobs, &p.LastRatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "provider "+id)
	}
	return &p, nil
}

// UpsertProvider creates the profile if needed. An empty displayName keeps
// the stored one.
func (db *DB) UpsertProvider(ctx context.Context, id, displayName string) error {
	query := `INSERT INTO providers (id, display_name, updated_at) VALUES (?, ?, ?)
              ON CONFLICT(id) DO UPDATE SET
                display_name = CASE WHEN excluded.display_name = '' THEN providers.display_name ELSE excluded.display_name END,
                updated_at = excluded.updated_at`
	if _, err := db.ExecContext(ctx, query, id, displayName, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to upsert provider: %w", err)
	}
	return nil
}

// ApplyRatingAggregate stores the recomputed average and count. The
// completed job counter moves only when this call is the one that marks the
// booking rated, so replaying the same aggregate never double counts.
func (db *DB) ApplyRatingAggregate(ctx context.Context, agg models.RatingAggregate) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	ratedAt := agg.RatedAt
	if ratedAt.IsZero() {
		ratedAt = time.Now().UTC()
	}

	flipped, err := markRated(ctx, tx, agg.BookingID, ratedAt)
	if err != nil {
		return err
	}
	increment := 0
	if flipped {
		increment = 1
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO providers (id, display_name, updated_at) VALUES (?, '', ?)
                                  ON CONFLICT(id) DO NOTHING`, agg.ProviderID, ratedAt)
	if err != nil {
		return fmt.Errorf("failed to ensure provider: %w", err)
	}

	_, err = tx.ExecContext(ctx, `UPDATE providers SET average_rating = ?, rating_count = ?,
                                         completed_jobs = completed_jobs + ?, last_rated_at = ?, updated_at = ?
                                  WHERE id = ?`,
		agg.Average, agg.Count, increment, ratedAt, ratedAt, agg.ProviderID)
	if err != nil {
		return fmt.Errorf("failed to update provider aggregate: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit aggregate: %w", err)
	}
	db.logger.Debug().
		Str("provider_id", agg.ProviderID).
		Str("booking_id", agg.BookingID).
		Float64("average", agg.Average).
		Bool("counted", flipped).
		Msg("Rating aggregate applied")
	return nil
}
