package database

import (
	"context"
	"testing"
	"time"

	"cleandispatch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRatings(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()

	r := &models.Rating{BookingID: "B1", ProviderID: "P1", CustomerID: "C1", Score: 5, Comment: "spotless"}
	require.NoError(t, db.CreateRating(ctx, r))
	assert.NotEmpty(t, r.ID)

	got, err := db.GetRatingByBooking(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Score)
	assert.Equal(t, "spotless", got.Comment)

	err = db.CreateRating(ctx, &models.Rating{BookingID: "B1", ProviderID: "P1", CustomerID: "C1", Score: 1})
	assert.ErrorIs(t, err, ErrAlreadyRated)
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = db.GetRatingByBooking(ctx, "B2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRatingScoresKeepsRawValues(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()

	require.NoError(t, db.CreateRating(ctx, &models.Rating{BookingID: "B1", ProviderID: "P1", CustomerID: "C1", Score: 4}))
	_, err := db.ExecContext(ctx, `INSERT INTO ratings (id, booking_id, provider_id, customer_id, score, created_at)
                                   VALUES ('r2', 'B2', 'P1', 'C2', 'great', ?), ('r3', 'B3', 'P1', 'C3', NULL, ?)`,
		time.Now(), time.Now())
	require.NoError(t, err)
	require.NoError(t, db.CreateRating(ctx, &models.Rating{BookingID: "B4", ProviderID: "P2", CustomerID: "C1", Score: 2}))

	scores, err := db.ListRatingScores(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, scores, 3)
	assert.Contains(t, scores, int64(4))
	assert.Contains(t, scores, "great")
	assert.Contains(t, scores, nil)
}

func TestApplyRatingAggregateCountsJobOnce(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()

	b := newBooking("C1", "P1")
	require.NoError(t, db.CreateBooking(ctx, b))
	require.NoError(t, db.UpsertProvider(ctx, "P1", "Baraka"))

	agg := models.RatingAggregate{ProviderID: "P1", BookingID: b.ID, Average: 5, Count: 1, RatedAt: time.Now().UTC()}
	require.NoError(t, db.ApplyRatingAggregate(ctx, agg))
	require.NoError(t, db.ApplyRatingAggregate(ctx, agg))

	p, err := db.GetProvider(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, "Baraka", p.DisplayName)
	assert.Equal(t, 5.0, p.AverageRating)
	assert.Equal(t, 1, p.RatingCount)
	assert.Equal(t, 1, p.CompletedJobs)
	assert.NotNil(t, p.LastRatedAt)

	stored, err := db.GetBooking(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, stored.Rated)
}

func TestApplyRatingAggregateCreatesProvider(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()

	_, err := db.GetProvider(ctx, "P9")
	assert.ErrorIs(t, err, ErrNotFound)

	b := newBooking("C1", "P9")
	require.NoError(t, db.CreateBooking(ctx, b))
	require.NoError(t, db.ApplyRatingAggregate(ctx, models.RatingAggregate{ProviderID: "P9", BookingID: b.ID, Average: 4, Count: 3}))

	p, err := db.GetProvider(ctx, "P9")
	require.NoError(t, err)
	assert.Equal(t, 4.0, p.AverageRating)
	assert.Equal(t, 3, p.RatingCount)
	assert.Equal(t, 1, p.CompletedJobs)

	// an empty display name keeps the stored one
	require.NoError(t, db.UpsertProvider(ctx, "P9", "Zawadi"))
	require.NoError(t, db.UpsertProvider(ctx, "P9", ""))
	p, err = db.GetProvider(ctx, "P9")
	require.NoError(t, err)
	assert.Equal(t, "Zawadi", p.DisplayName)
	assert.Equal(t, 1, p.CompletedJobs)
}

func TestPaymentsAndReceipts(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx := context.Background()

	p := &models.Payment{BookingID: "B1", Amount: 500, PayerID: "C1", PayeeID: "P1"}
	require.NoError(t, db.CreatePayment(ctx, p))
	assert.Equal(t, models.PaymentSuccessful, p.Status)

	err := db.CreatePayment(ctx, &models.Payment{BookingID: "B1", Amount: 500, PayerID: "C1", PayeeID: "P1"})
	assert.ErrorIs(t, err, ErrDuplicate)

	got, err := db.GetPaymentByBooking(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	r := &models.Receipt{BookingID: "B1", PaymentID: p.ID, Amount: 500, CustomerID: "C1", ProviderID: "P1", ProviderName: "Baraka"}
	require.NoError(t, db.CreateReceipt(ctx, r))
	assert.ErrorIs(t, db.CreateReceipt(ctx, &models.Receipt{BookingID: "B1", PaymentID: p.ID}), ErrDuplicate)

	receipt, err := db.GetReceiptByBooking(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, p.ID, receipt.PaymentID)
	assert.Equal(t, "Baraka", receipt.ProviderName)

	_, err = db.GetReceiptByBooking(ctx, "B2")
	assert.ErrorIs(t, err, ErrNotFound)
}
