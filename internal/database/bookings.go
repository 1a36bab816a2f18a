package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cleandispatch/internal/models"

	"github.com/google/uuid"
)

// maxTransitionAttempts bounds the optimistic-locking loop in TransitionBooking.
const maxTransitionAttempts = 3

const bookingColumns = `id, customer_id, provider_id, customer_name, provider_name, service_type,
	lat, lng, price, status, paid_amount, paid_at, closed_at, rated, created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBooking(row rowScanner) (*models.Booking, error) {
	var b models.Booking
	err := row.Scan(
		&b.ID, &b.CustomerID, &b.ProviderID, &b.CustomerName, &b.ProviderName, &b.ServiceType,
		&b.Location.Lat, &b.Location.Lng, &b.Price, &b.Status, &b.PaidAmount, &b.PaidAt, &b.ClosedAt,
		&b.Rated, &b.CreatedAt, &b.UpdatedAt, &b.Version,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (db *DB) CreateBooking(ctx context.Context, booking *models.Booking) error {
	if booking.ID == "" {
		booking.ID = uuid.NewString()
	}
	if booking.Status == "" {
		booking.Status = models.StatusPending
	}

	query := `INSERT INTO bookings (
				id, customer_id, provider_id, customer_name, provider_name, service_type,
				lat, lng, price, status, created_at, updated_at, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, query,
		booking.ID,
		booking.CustomerID,
		booking.ProviderID,
		booking.CustomerName,
		booking.ProviderName,
		booking.ServiceType,
		booking.Location.Lat,
		booking.Location.Lng,
		booking.Price,
		booking.Status,
		now,
		now,
		1,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("booking %s: %w", booking.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create booking: %w", err)
	}

	booking.CreatedAt = now
	booking.UpdatedAt = now
	booking.Version = 1
	return nil
}

func (db *DB) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE id = ?`
	b, err := scanBooking(db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "booking "+id)
	}
	return b, nil
}

func (db *DB) FindOpenBooking(ctx context.Context, customerID, providerID string) (*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings
              WHERE customer_id = ? AND (? = '' OR provider_id = ?) AND status NOT IN (?, ?)
              ORDER BY created_at DESC LIMIT 1`
	b, err := scanBooking(db.QueryRowContext(ctx, query,
		customerID, providerID, providerID, models.StatusClosed, models.StatusCancelled))
	if err != nil {
		return nil, notFound(err, "open booking for "+customerID)
	}
	return b, nil
}

func (db *DB) GetProviderBookings(ctx context.Context, providerID string, limit int) ([]*models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE provider_id = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := db.QueryContext(ctx, query, providerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get provider bookings: %w", err)
	}
	defer rows.Close()

	var bookings []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		bookings = append(bookings, b)
	}
	return bookings, rows.Err()
}

// TransitionBooking moves a booking to change.Status and stamps the fields
// carried by the change. Repeating the current status is a no-op.
func (db *DB) TransitionBooking(ctx context.Context, id string, change models.BookingChange) (*models.Booking, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		b, err := db.GetBooking(ctx, id)
		if err != nil {
			return nil, err
		}
		if b.Status == change.Status {
			return b, nil
		}
		if !models.CanTransitionBooking(b.Status, change.Status) {
			return nil, fmt.Errorf("%w: booking %s %s -> %s", ErrInvalidTransition, id, b.Status, change.Status)
		}

		applyChange(b, change)
		err = db.updateBookingWithVersion(ctx, b)
		if errors.Is(err, ErrConcurrentModification) {
			db.logger.Debug().Str("booking_id", id).Int("attempt", attempt+1).Msg("Booking changed concurrently, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("booking %s: %w", id, ErrConcurrentModification)
}

func applyChange(b *models.Booking, change models.BookingChange) {
	b.Status = change.Status
	if change.CustomerName != "" {
		b.CustomerName = change.CustomerName
	}
	if change.ProviderName != "" {
		b.ProviderName = change.ProviderName
	}
	if change.PaidAmount != nil {
		b.PaidAmount = change.PaidAmount
	}
	if change.PaidAt != nil {
		b.PaidAt = change.PaidAt
	}
	if change.ClosedAt != nil {
		b.ClosedAt = change.ClosedAt
	}
}

// updateBookingWithVersion writes b if the stored version still equals b.Version.
func (db *DB) updateBookingWithVersion(ctx context.Context, b *models.Booking) error {
	query := `UPDATE bookings SET status = ?, customer_name = ?, provider_name = ?, paid_amount = ?,
                     paid_at = ?, closed_at = ?, version = version + 1, updated_at = ?
              WHERE id = ? AND version = ?`
	now := time.Now().UTC()
	result, err := db.ExecContext(ctx, query,
		b.Status, b.CustomerName, b.ProviderName, b.PaidAmount, b.PaidAt, b.ClosedAt, now, b.ID, b.Version)
	if err != nil {
		return fmt.Errorf("failed to update booking: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrConcurrentModification
	}
	b.Version++
	b.UpdatedAt = now
	return nil
}

// markRated flips the booking's rated flag and reports whether this call flipped it.
func markRated(ctx context.Context, tx *sql.Tx, bookingID string, at time.Time) (bool, error) {
	result, err := tx.ExecContext(ctx, `UPDATE bookings SET rated = 1, updated_at = ? WHERE id = ? AND rated = 0`, at, bookingID)
	if err != nil {
		return false, fmt.Errorf("failed to mark booking rated: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}
