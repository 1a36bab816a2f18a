package domain

import (
	"context"
	"errors"
	"time"

	"cleandispatch/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Errors shared by every RecordStore implementation.
var (
	ErrNotFound               = errors.New("record not found")
	ErrConcurrentModification = errors.New("record was modified concurrently")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrDuplicate              = errors.New("record already exists")
)

// EphemeralStore is the shared key-value store with change notifications
// that carries presence records and mailbox slots.
type EphemeralStore interface {
	// Get returns nil, nil when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	// Snapshot returns every key under prefix with its value.
	Snapshot(ctx context.Context, prefix string) (map[string][]byte, error)
	// CompareAndSwap writes value only if the key still holds expected.
	// A nil expected means the key must be absent; a nil value removes the key.
	CompareAndSwap(ctx context.Context, key string, expected, value []byte) (bool, error)
	// Watch signals every change under prefix until ctx is done or the
	// subscription breaks, at which point the channel is closed.
	Watch(ctx context.Context, prefix string) (<-chan struct{}, error)
	Ping(ctx context.Context) error
}

// RecordStore is the durable document store for bookings, ratings,
// payments, receipts, provider aggregates and pending writes.
type RecordStore interface {
	CreateBooking(ctx context.Context, booking *models.Booking) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	// FindOpenBooking returns the latest non-terminal booking of a customer,
	// narrowed to one provider when providerID is set.
	FindOpenBooking(ctx context.Context, customerID, providerID string) (*models.Booking, error)
	TransitionBooking(ctx context.Context, id string, change models.BookingChange) (*models.Booking, error)

	CreateRating(ctx context.Context, rating *models.Rating) error
	GetRatingByBooking(ctx context.Context, bookingID string) (*models.Rating, error)
	// ListRatingScores returns raw stored scores; callers tolerate junk.
	ListRatingScores(ctx context.Context, providerID string) ([]interface{}, error)

	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPaymentByBooking(ctx context.Context, bookingID string) (*models.Payment, error)
	CreateReceipt(ctx context.Context, receipt *models.Receipt) error
	GetReceiptByBooking(ctx context.Context, bookingID string) (*models.Receipt, error)

	GetProvider(ctx context.Context, id string) (*models.ProviderProfile, error)
	UpsertProvider(ctx context.Context, id, displayName string) error
	// ApplyRatingAggregate stores recomputed aggregates and counts the job
	// once per booking.
	ApplyRatingAggregate(ctx context.Context, agg models.RatingAggregate) error

	CreatePendingWrite(ctx context.Context, write *models.PendingWrite) error
	GetPendingWrite(ctx context.Context, id string) (*models.PendingWrite, error)
	GetDuePendingWrites(ctx context.Context, limit int) ([]*models.PendingWrite, error)
	UpdatePendingWriteStatus(ctx context.Context, id, status, errMsg string, nextRetryAt *time.Time) error
	GetFailedPendingWrites(ctx context.Context) ([]*models.PendingWrite, error)

	Ping(ctx context.Context) error
	Close() error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// RepairQueue accepts saga steps that could not be applied inline.
type RepairQueue interface {
	Enqueue(ctx context.Context, write *models.PendingWrite) error
}

type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}
