package docstore

import (
	"context"
	"fmt"
	"time"

	"cleandispatch/internal/models"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type bookingDoc struct {
	ID           string     `bson:"_id"`
	CustomerID   string     `bson:"customer_id"`
	ProviderID   string     `bson:"provider_id"`
	CustomerName string     `bson:"customer_name"`
	ProviderName string     `bson:"provider_name"`
	ServiceType  string     `bson:"service_type"`
	Lat          float64    `bson:"lat"`
	Lng          float64    `bson:"lng"`
	Price        float64    `bson:"price"`
	Status       string     `bson:"status"`
	PaidAmount   *float64   `bson:"paid_amount,omitempty"`
	PaidAt       *time.Time `bson:"paid_at,omitempty"`
	ClosedAt     *time.Time `bson:"closed_at,omitempty"`
	Rated        bool       `bson:"rated"`
	CreatedAt    time.Time  `bson:"created_at"`
	UpdatedAt    time.Time  `bson:"updated_at"`
	Version      int64      `bson:"version"`
}

func toBookingDoc(b *models.Booking) bookingDoc {
	return bookingDoc{
		ID:           b.ID,
		CustomerID:   b.CustomerID,
		ProviderID:   b.ProviderID,
		CustomerName: b.CustomerName,
		ProviderName: b.ProviderName,
		ServiceType:  b.ServiceType,
		Lat:          b.Location.Lat,
		Lng:          b.Location.Lng,
		Price:        b.Price,
		Status:       b.Status,
		PaidAmount:   b.PaidAmount,
		PaidAt:       b.PaidAt,
		ClosedAt:     b.ClosedAt,
		Rated:        b.Rated,
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
		Version:      b.Version,
	}
}

func (d bookingDoc) model() *models.Booking {
	return &models.Booking{
		ID:           d.ID,
		CustomerID:   d.CustomerID,
		ProviderID:   d.ProviderID,
		CustomerName: d.CustomerName,
		ProviderName: d.ProviderName,
		ServiceType:  d.ServiceType,
		Location:     models.Coordinates{Lat: d.Lat, Lng: d.Lng},
		Price:        d.Price,
		Status:       d.Status,
		PaidAmount:   d.PaidAmount,
		PaidAt:       d.PaidAt,
		ClosedAt:     d.ClosedAt,
		Rated:        d.Rated,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		Version:      d.Version,
	}
}

func (s *Store) bookings() *mongo.Collection {
	return s.db.Collection(colBookings)
}

func (s *Store) CreateBooking(ctx context.Context, booking *models.Booking) error {
	if booking.ID == "" {
		booking.ID = uuid.NewString()
	}
	if booking.Status == "" {
		booking.Status = models.StatusPending
	}

	now := time.Now().UTC()
	doc := toBookingDoc(booking)
	doc.PaidAmount, doc.PaidAt, doc.ClosedAt, doc.Rated = nil, nil, nil, false
	doc.CreatedAt, doc.UpdatedAt, doc.Version = now, now, 1

	if _, err := s.bookings().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("booking %s: %w", booking.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create booking: %w", err)
	}

	booking.CreatedAt = now
	booking.UpdatedAt = now
	booking.Version = 1
	return nil
}

func (s *Store) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	var doc bookingDoc
	if err := s.bookings().FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, notFound(err, "booking "+id)
	}
	return doc.model(), nil
}

func openBookingFilter(customerID, providerID string) bson.M {
	filter := bson.M{
		"customer_id": customerID,
		"status":      bson.M{"$nin": bson.A{models.StatusClosed, models.StatusCancelled}},
	}
	if providerID != "" {
		filter["provider_id"] = providerID
	}
	return filter
}

func (s *Store) FindOpenBooking(ctx context.Context, customerID, providerID string) (*models.Booking, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	var doc bookingDoc
	if err := s.bookings().FindOne(ctx, openBookingFilter(customerID, providerID), opts).Decode(&doc); err != nil {
		return nil, notFound(err, "open booking for "+customerID)
	}
	return doc.model(), nil
}

func (s *Store) GetProviderBookings(ctx context.Context, providerID string, limit int) ([]*models.Booking, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(int64(limit))
	cursor, err := s.bookings().Find(ctx, bson.M{"provider_id": providerID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get provider bookings: %w", err)
	}
	var docs []bookingDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode bookings: %w", err)
	}
	bookings := make([]*models.Booking, 0, len(docs))
	for _, d := range docs {
		bookings = append(bookings, d.model())
	}
	return bookings, nil
}

// TransitionBooking moves a booking to change.Status and stamps the fields
// carried by the change. Repeating the current status is a no-op.
func (s *Store) TransitionBooking(ctx context.Context, id string, change models.BookingChange) (*models.Booking, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		b, err := s.GetBooking(ctx, id)
		if err != nil {
			return nil, err
		}
		if b.Status == change.Status {
			return b, nil
		}
		if !models.CanTransitionBooking(b.Status, change.Status) {
			return nil, fmt.Errorf("%w: booking %s %s -> %s", ErrInvalidTransition, id, b.Status, change.Status)
		}

		ok, err := s.updateBookingWithVersion(ctx, b, change)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.logger.Debug().Str("booking_id", id).Int("attempt", attempt+1).Msg("Booking changed concurrently, retrying")
			continue
		}
		return b, nil
	}
	return nil, fmt.Errorf("booking %s: %w", id, ErrConcurrentModification)
}

// transitionUpdate builds the $set for a change; empty names keep the stored ones.
func transitionUpdate(change models.BookingChange, now time.Time) bson.M {
	set := bson.M{"status": change.Status, "updated_at": now}
	if change.CustomerName != "" {
		set["customer_name"] = change.CustomerName
	}
	if change.ProviderName != "" {
		set["provider_name"] = change.ProviderName
	}
	if change.PaidAmount != nil {
		set["paid_amount"] = *change.PaidAmount
	}
	if change.PaidAt != nil {
		set["paid_at"] = change.PaidAt.UTC()
	}
	if change.ClosedAt != nil {
		set["closed_at"] = change.ClosedAt.UTC()
	}
	return bson.M{"$set": set, "$inc": bson.M{"version": 1}}
}

// updateBookingWithVersion applies change if the stored version still equals
// b.Version and reports whether it matched.
func (s *Store) updateBookingWithVersion(ctx context.Context, b *models.Booking, change models.BookingChange) (bool, error) {
	now := time.Now().UTC()
	res, err := s.bookings().UpdateOne(ctx,
		bson.M{"_id": b.ID, "version": b.Version},
		transitionUpdate(change, now))
	if err != nil {
		return false, fmt.Errorf("failed to update booking: %w", err)
	}
	if res.MatchedCount == 0 {
		return false, nil
	}

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
	b.Version++
	b.UpdatedAt = now
	return true, nil
}

// markRated flips the booking's rated flag and reports whether this call flipped it.
func (s *Store) markRated(ctx context.Context, bookingID string, at time.Time) (bool, error) {
	res, err := s.bookings().UpdateOne(ctx,
		bson.M{"_id": bookingID, "rated": false},
		bson.M{"$set": bson.M{"rated": true, "updated_at": at}})
	if err != nil {
		return false, fmt.Errorf("failed to mark booking rated: %w", err)
	}
	return res.ModifiedCount == 1, nil
}
