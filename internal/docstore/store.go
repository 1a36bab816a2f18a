// Package docstore is the MongoDB implementation of the durable record store.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cleandispatch/internal/config"
	"cleandispatch/internal/domain"
	"cleandispatch/internal/logging"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	ErrNotFound               = domain.ErrNotFound
	ErrConcurrentModification = domain.ErrConcurrentModification
	ErrInvalidTransition      = domain.ErrInvalidTransition
	ErrDuplicate              = domain.ErrDuplicate
	ErrAlreadyRated           = fmt.Errorf("booking already rated: %w", domain.ErrDuplicate)
)

const (
	colBookings      = "bookings"
	colRatings       = "ratings"
	colPayments      = "payments"
	colReceipts      = "receipts"
	colProviders     = "providers"
	colPendingWrites = "pending_writes"

	maxTransitionAttempts = 3
)

type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zerolog.Logger
}

var _ domain.RecordStore = (*Store)(nil)

// Open connects, verifies the connection and ensures the indexes.
func Open(ctx context.Context, cfg config.MongoConfig, logger *zerolog.Logger) (*Store, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI).SetServerSelectionTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	s := New(client, cfg.Database, logger)
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	s.logger.Info().Str("database", cfg.Database).Msg("MongoDB record store ready")
	return s, nil
}

// New wraps an existing client.
func New(client *mongo.Client, database string, logger *zerolog.Logger) *Store {
	if database == "" {
		database = "cleandispatch"
	}
	return &Store{client: client, db: client.Database(database), logger: logging.Component(logger, "docstore")}
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	unique := options.Index().SetUnique(true)
	indexes := map[string][]mongo.IndexModel{
		colBookings: {
			{Keys: bson.D{{Key: "customer_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "provider_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		colRatings: {
			{Keys: bson.D{{Key: "booking_id", Value: 1}}, Options: unique},
			{Keys: bson.D{{Key: "provider_id", Value: 1}}},
		},
		colPayments: {{Keys: bson.D{{Key: "booking_id", Value: 1}}, Options: unique}},
		colReceipts: {{Keys: bson.D{{Key: "booking_id", Value: 1}}, Options: unique}},
		colPendingWrites: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_retry_at", Value: 1}}},
		},
	}
	for col, models := range indexes {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create %s indexes: %w", col, err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// notFound maps a missing document to ErrNotFound.
func notFound(err error, what string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("failed to read %s: %w", what, err)
}
