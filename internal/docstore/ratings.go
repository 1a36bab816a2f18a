package docstore

import (
	"context"
	"fmt"
	"time"

	"cleandispatch/internal/models"
	"cleandispatch/internal/rating"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type ratingDoc struct {
	ID         string    `bson:"_id"`
	BookingID  string    `bson:"booking_id"`
	ProviderID string    `bson:"provider_id"`
	CustomerID string    `bson:"customer_id"`
	Score      int       `bson:"score"`
	Comment    string    `bson:"comment"`
	CreatedAt  time.Time `bson:"created_at"`
}

type paymentDoc struct {
	ID        string    `bson:"_id"`
	BookingID string    `bson:"booking_id"`
	Amount    float64   `bson:"amount"`
	PayerID   string    `bson:"payer_id"`
	PayeeID   string    `bson:"payee_id"`
	Status    string    `bson:"status"`
	CreatedAt time.Time `bson:"created_at"`
}

type receiptDoc struct {
	ID           string    `bson:"_id"`
	BookingID    string    `bson:"booking_id"`
	PaymentID    string    `bson:"payment_id"`
	Amount       float64   `bson:"amount"`
	CustomerID   string    `bson:"customer_id"`
	CustomerName string    `bson:"customer_name"`
	ProviderID   string    `bson:"provider_id"`
	ProviderName string    `bson:"provider_name"`
	CreatedAt    time.Time `bson:"created_at"`
}

func (s *Store) CreateRating(ctx context.Context, r *models.Rating) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	doc := ratingDoc(*r)
	if _, err := s.db.Collection(colRatings).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("booking %s: %w", r.BookingID, ErrAlreadyRated)
		}
		return fmt.Errorf("failed to create rating: %w", err)
	}
	return nil
}

// GetRatingByBooking decodes through a raw document so a junk score reads
// as zero instead of failing the lookup.
func (s *Store) GetRatingByBooking(ctx context.Context, bookingID string) (*models.Rating, error) {
	var raw bson.M
	if err := s.db.Collection(colRatings).FindOne(ctx, bson.M{"booking_id": bookingID}).Decode(&raw); err != nil {
		return nil, notFound(err, "rating for booking "+bookingID)
	}
	r := &models.Rating{
		ID:         stringField(raw, "_id"),
		BookingID:  stringField(raw, "booking_id"),
		ProviderID: stringField(raw, "provider_id"),
		CustomerID: stringField(raw, "customer_id"),
		Comment:    stringField(raw, "comment"),
		Score:      intScore(raw["score"]),
	}
	if dt, ok := raw["created_at"].(primitive.DateTime); ok {
		r.CreatedAt = dt.Time().UTC()
	}
	return r, nil
}

// ListRatingScores returns the raw score field of every rating for the
// provider, including values that are not valid scores.
func (s *Store) ListRatingScores(ctx context.Context, providerID string) ([]interface{}, error) {
	opts := options.Find().SetProjection(bson.M{"score": 1})
	cursor, err := s.db.Collection(colRatings).Find(ctx, bson.M{"provider_id": providerID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list rating scores: %w", err)
	}
	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode rating scores: %w", err)
	}
	scores := make([]interface{}, 0, len(docs))
	for _, d := range docs {
		scores = append(scores, d["score"])
	}
	return scores, nil
}

func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	if payment.Status == "" {
		payment.Status = models.PaymentSuccessful
	}
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now().UTC()
	}

	if _, err := s.db.Collection(colPayments).InsertOne(ctx, paymentDoc(*payment)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("payment for booking %s: %w", payment.BookingID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

func (s *Store) GetPaymentByBooking(ctx context.Context, bookingID string) (*models.Payment, error) {
	var doc paymentDoc
	if err := s.db.Collection(colPayments).FindOne(ctx, bson.M{"booking_id": bookingID}).Decode(&doc); err != nil {
		return nil, notFound(err, "payment for booking "+bookingID)
	}
	p := models.Payment(doc)
	return &p, nil
}

func (s *Store) CreateReceipt(ctx context.Context, receipt *models.Receipt) error {
	if receipt.ID == "" {
		receipt.ID = uuid.NewString()
	}
	if receipt.CreatedAt.IsZero() {
		receipt.CreatedAt = time.Now().UTC()
	}

	if _, err := s.db.Collection(colReceipts).InsertOne(ctx, receiptDoc(*receipt)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("receipt for booking %s: %w", receipt.BookingID, ErrDuplicate)
		}
		return fmt.Errorf("failed to create receipt: %w", err)
	}
	return nil
}

func (s *Store) GetReceiptByBooking(ctx context.Context, bookingID string) (*models.Receipt, error) {
	var doc receiptDoc
	if err := s.db.Collection(colReceipts).FindOne(ctx, bson.M{"booking_id": bookingID}).Decode(&doc); err != nil {
		return nil, notFound(err, "receipt for booking "+bookingID)
	}
	r := models.Receipt(doc)
	return &r, nil
}

func stringField(doc bson.M, key string) string {
	v, _ := doc[key].(string)
	return v
}

func intScore(v interface{}) int {
	f, ok := rating.ScoreValue(v)
	if !ok {
		return 0
	}
	return int(f)
}
