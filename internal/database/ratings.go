package database

import (
	"context"
	"fmt"
	"time"

	"cleandispatch/internal/models"

	"github.com/google/uuid"
)

func (db *DB) CreateRating(ctx context.Context, rating *models.Rating) error {
	if rating.ID == "" {
		rating.ID = uuid.NewString()
	}
	if rating.CreatedAt.IsZero() {
		rating.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO ratings (id, booking_id, provider_id, customer_id, score, comment, created_at)
              VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, query,
		rating.ID,
		rating.BookingID,
		rating.ProviderID,
		rating.CustomerID,
		rating.Score,
		rating.Comment,
		rating.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("booking %s: %w", rating.BookingID, ErrAlreadyRated)
		}
		return fmt.Errorf("failed to create rating: %w", err)
	}
	return nil
}

func (db *DB) GetRatingByBooking(ctx context.Context, bookingID string) (*models.Rating, error) {
	query := `SELECT id, booking_id, provider_id, customer_id, CAST(score AS INTEGER), comment, created_at
              FROM ratings WHERE booking_id = ?`
	var r models.Rating
	err := db.QueryRowContext(ctx, query, bookingID).Scan(
		&r.ID, &r.BookingID, &r.ProviderID, &r.CustomerID, &r.Score, &r.Comment, &r.CreatedAt,
	)
	if err != nil {
		return nil, notFound(err, "rating for booking "+bookingID)
	}
	return &r, nil
}

// ListRatingScores returns the raw score column of every rating for the
// provider, including values that are not valid scores.
func (db *DB) ListRatingScores(ctx context.Context, providerID string) ([]interface{}, error) {
	rows, err := db.QueryContext(ctx, `SELECT score FROM ratings WHERE provider_id = ?`, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rating scores: %w", err)
	}
	defer rows.Close()

	var scores []interface{}
	for rows.Next() {
		var v interface{}
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan rating score: %w", err)
		}
		scores = append(scores, v)
	}
	return scores, rows.Err()
}
