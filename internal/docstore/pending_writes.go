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

type pendingWriteDoc struct {
	ID          string     `bson:"_id"`
	Kind        string     `bson:"kind"`
	BookingID   string     `bson:"booking_id"`
	ProviderID  string     `bson:"provider_id"`
	Payload     string     `bson:"payload"`
	Status      string     `bson:"status"`
	RetryCount  int        `bson:"retry_count"`
	LastError   *string    `bson:"last_error"`
	CreatedAt   time.Time  `bson:"created_at"`
	ProcessedAt *time.Time `bson:"processed_at"`
	NextRetryAt *time.Time `bson:"next_retry_at"`
}

func (s *Store) pendingWrites() *mongo.Collection {
	return s.db.Collection(colPendingWrites)
}

func (s *Store) CreatePendingWrite(ctx context.Context, write *models.PendingWrite) error {
	if write.ID == "" {
		write.ID = uuid.NewString()
	}
	if write.Status == "" {
		write.Status = models.WritePending
	}

	now := time.Now().UTC()
	doc := pendingWriteDoc(*write)
	doc.CreatedAt = now
	doc.ProcessedAt = nil
	if _, err := s.pendingWrites().InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to create pending write: %w", err)
	}
	write.CreatedAt = now
	return nil
}

func (s *Store) GetPendingWrite(ctx context.Context, id string) (*models.PendingWrite, error) {
	var doc pendingWriteDoc
	if err := s.pendingWrites().FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		return nil, notFound(err, "pending write "+id)
	}
	w := models.PendingWrite(doc)
	return &w, nil
}

func dueFilter(now time.Time) bson.M {
	return bson.M{
		"status": bson.M{"$in": bson.A{models.WritePending, models.WriteRetry}},
		"$or": bson.A{
			bson.M{"next_retry_at": nil},
			bson.M{"next_retry_at": bson.M{"$lte": now}},
		},
	}
}

// GetDuePendingWrites returns pending and retrying writes whose retry time has come.
func (s *Store) GetDuePendingWrites(ctx context.Context, limit int) ([]*models.PendingWrite, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(int64(limit))
	return s.findPendingWrites(ctx, dueFilter(time.Now().UTC()), opts)
}

func statusUpdate(status, errMsg string, nextRetryAt *time.Time, now time.Time) bson.M {
	set := bson.M{"status": status, "last_error": errMsg, "next_retry_at": nil}
	if nextRetryAt != nil {
		set["next_retry_at"] = nextRetryAt.UTC()
	}
	update := bson.M{"$set": set}

	switch status {
	case models.WriteRetry:
		update["$inc"] = bson.M{"retry_count": 1}
	case models.WriteCompleted, models.WriteFailed:
		set["processed_at"] = now
	}
	return update
}

func (s *Store) UpdatePendingWriteStatus(ctx context.Context, id, status, errMsg string, nextRetryAt *time.Time) error {
	res, err := s.pendingWrites().UpdateOne(ctx, bson.M{"_id": id}, statusUpdate(status, errMsg, nextRetryAt, time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("failed to update pending write status: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("pending write %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *Store) GetFailedPendingWrites(ctx context.Context) ([]*models.PendingWrite, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	return s.findPendingWrites(ctx, bson.M{"status": models.WriteFailed}, opts)
}

func (s *Store) findPendingWrites(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*models.PendingWrite, error) {
	cursor, err := s.pendingWrites().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending writes: %w", err)
	}
	var docs []pendingWriteDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode pending writes: %w", err)
	}
	writes := make([]*models.PendingWrite, 0, len(docs))
	for _, d := range docs {
		w := models.PendingWrite(d)
		writes = append(writes, &w)
	}
	return writes, nil
}
