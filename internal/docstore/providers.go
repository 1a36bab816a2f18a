package docstore

import (
	"context"
	"fmt"
	"time"

	"cleandispatch/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type providerDoc struct {
	ID            string     `bson:"_id"`
	DisplayName   string     `bson:"display_name"`
	AverageRating float64    `bson:"average_rating"`
	RatingCount   int        `bson:"rating_count"`
	CompletedJobs int        `bson:"completed_jobs"`
	LastRatedAt   *time.Time `bson:"last_rated_at,omitempty"`
	UpdatedAt     time.Time  `bson:"updated_at"`
}

func (s *Store) GetProvider(ctx context.Context, id string) (*models.ProviderProfile, error) {
	var doc providerDoc
	if err := s.db.Collection(colProviders).FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, notFound(err, "provider "+id)
	}
	p := models.ProviderProfile(doc)
	return &p, nil
}

// providerUpsert keeps the stored name when displayName is empty.
func providerUpsert(displayName string, now time.Time) bson.M {
	onInsert := bson.M{"average_rating": 0.0, "rating_count": 0, "completed_jobs": 0}
	set := bson.M{"updated_at": now}
	if displayName == "" {
		onInsert["display_name"] = ""
	} else {
		set["display_name"] = displayName
	}
	return bson.M{"$set": set, "$setOnInsert": onInsert}
}

// UpsertProvider creates the profile if needed. An empty displayName keeps
// the stored one.
func (s *Store) UpsertProvider(ctx context.Context, id, displayName string) error {
	_, err := s.db.Collection(colProviders).UpdateOne(ctx,
		bson.M{"_id": id},
		providerUpsert(displayName, time.Now().UTC()),
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert provider: %w", err)
	}
	return nil
}

func aggregateUpdate(agg models.RatingAggregate, increment int, ratedAt time.Time) bson.M {
	return bson.M{
		"$set": bson.M{
			"average_rating": agg.Average,
			"rating_count":   agg.Count,
			"last_rated_at":  ratedAt,
			"updated_at":     ratedAt,
		},
		"$inc":         bson.M{"completed_jobs": increment},
		"$setOnInsert": bson.M{"display_name": ""},
	}
}

// ApplyRatingAggregate stores the recomputed average and count. The
// completed job counter moves only when this call is the one that marks the
// booking rated, so replaying the same aggregate never double counts.
func (s *Store) ApplyRatingAggregate(ctx context.Context, agg models.RatingAggregate) error {
	ratedAt := agg.RatedAt.UTC()
	if agg.RatedAt.IsZero() {
		ratedAt = time.Now().UTC()
	}

	flipped, err := s.markRated(ctx, agg.BookingID, ratedAt)
	if err != nil {
		return err
	}
	increment := 0
	if flipped {
		increment = 1
	}

	_, err = s.db.Collection(colProviders).UpdateOne(ctx,
		bson.M{"_id": agg.ProviderID},
		aggregateUpdate(agg, increment, ratedAt),
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to update provider aggregate: %w", err)
	}

	s.logger.Debug().
		Str("provider_id", agg.ProviderID).
		Str("booking_id", agg.BookingID).
		Float64("average", agg.Average).
		Bool("counted", flipped).
		Msg("Rating aggregate applied")
	return nil
}
