// Package rating recomputes provider rating aggregates from stored ratings.
package rating

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"cleandispatch/internal/logging"
	"cleandispatch/internal/models"

	"github.com/rs/zerolog"
)

// Store is the slice of the record store the aggregator needs.
type Store interface {
	ListRatingScores(ctx context.Context, providerID string) ([]interface{}, error)
	ApplyRatingAggregate(ctx context.Context, agg models.RatingAggregate) error
}

type Aggregator struct {
	store  Store
	logger *zerolog.Logger
	now    func() time.Time
}

func NewAggregator(store Store, logger *zerolog.Logger) *Aggregator {
	return &Aggregator{
		store:  store,
		logger: logging.Component(logger, "rating"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Compute returns the mean and count of the provider's valid scores.
func (a *Aggregator) Compute(ctx context.Context, providerID string) (float64, int, error) {
	raw, err := a.store.ListRatingScores(ctx, providerID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load ratings: %w", err)
	}

	var sum float64
	count := 0
	for _, v := range raw {
		score, ok := ScoreValue(v)
		if !ok {
			a.logger.Debug().Str("provider_id", providerID).Interface("score", v).Msg("Skipping unusable score")
			continue
		}
		sum += score
		count++
	}
	if count == 0 {
		return 0, 0, nil
	}
	return sum / float64(count), count, nil
}

// Record recomputes the provider's aggregate after the rating of bookingID
// and stores it. The completed job counter moves at most once per booking.
func (a *Aggregator) Record(ctx context.Context, providerID, bookingID string) (models.RatingAggregate, error) {
	avg, count, err := a.Compute(ctx, providerID)
	if err != nil {
		return models.RatingAggregate{}, err
	}

	agg := models.RatingAggregate{
		ProviderID: providerID,
		BookingID:  bookingID,
		Average:    avg,
		Count:      count,
		RatedAt:    a.now(),
	}
	if err := a.store.ApplyRatingAggregate(ctx, agg); err != nil {
		return agg, fmt.Errorf("failed to store aggregate: %w", err)
	}

	a.logger.Info().
		Str("provider_id", providerID).
		Str("booking_id", bookingID).
		Float64("average", avg).
		Int("count", count).
		Msg("Rating aggregate updated")
	return agg, nil
}

// ScoreValue interprets a stored score. Numbers and numeric strings within
// the score range are accepted; anything else is rejected.
func ScoreValue(v interface{}) (float64, bool) {
	var f float64
	switch s := v.(type) {
	case int:
		f = float64(s)
	case int32:
		f = float64(s)
	case int64:
		f = float64(s)
	case float32:
		f = float64(s)
	case float64:
		f = s
	case string:
		return parseScore(s)
	case []byte:
		return parseScore(string(s))
	default:
		return 0, false
	}
	return inRange(f)
}

func parseScore(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return inRange(f)
}

func inRange(f float64) (float64, bool) {
	if math.IsNaN(f) || f < models.MinScore || f > models.MaxScore {
		return 0, false
	}
	return f, true
}
