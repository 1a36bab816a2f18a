package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cleandispatch/internal/domain"
	"cleandispatch/internal/events"
	"cleandispatch/internal/logging"
	"cleandispatch/internal/metrics"
	"cleandispatch/internal/models"
	"cleandispatch/internal/records"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	repairQueueKey = "dispatch:repairs"
	deadLetterKey  = "dispatch:repairs:dead"
)

// PendingStore persists the pending writes the reconciler works through.
type PendingStore interface {
	CreatePendingWrite(ctx context.Context, write *models.PendingWrite) error
	GetPendingWrite(ctx context.Context, id string) (*models.PendingWrite, error)
	GetDuePendingWrites(ctx context.Context, limit int) ([]*models.PendingWrite, error)
	UpdatePendingWriteStatus(ctx context.Context, id, status, errMsg string, nextRetryAt *time.Time) error
}

// Replayer re-applies one pending write.
type Replayer interface {
	Replay(ctx context.Context, write *models.PendingWrite) error
}

// Options tune the reconciler loop.
type Options struct {
	Retry        RetryPolicy
	PollInterval time.Duration
	BatchSize    int
	Events       domain.EventPublisher
}

// Reconciler replays saga steps that could not be applied inline. Writes
// are persisted first, then scheduled on Redis (or a local queue when Redis
// is unavailable); the store is polled for anything due.
type Reconciler struct {
	store         PendingStore
	replayer      Replayer
	redis         *redis.Client
	events        domain.EventPublisher
	retryPolicy   RetryPolicy
	queue         chan *models.PendingWrite
	redisQueueKey string
	deadLetterKey string
	pollInterval  time.Duration
	batchSize     int
	logger        *zerolog.Logger
}

var _ domain.RepairQueue = (*Reconciler)(nil)

// NewReconciler builds a reconciler with sane defaults.
func NewReconciler(store PendingStore, replayer Replayer, redisClient *redis.Client, opts Options, logger *zerolog.Logger) *Reconciler {
	retry := opts.Retry
	if retry.MaxRetries == 0 {
		retry.MaxRetries = 5
	}
	if retry.InitialDelay == 0 {
		retry.InitialDelay = 2 * time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = time.Minute
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = 2
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}

	return &Reconciler{
		store:         store,
		replayer:      replayer,
		redis:         redisClient,
		events:        opts.Events,
		retryPolicy:   retry,
		queue:         make(chan *models.PendingWrite, 128),
		redisQueueKey: repairQueueKey,
		deadLetterKey: deadLetterKey,
		pollInterval:  opts.PollInterval,
		batchSize:     opts.BatchSize,
		logger:        logging.Component(logger, "reconciler"),
	}
}

// Enqueue persists the write and schedules it via Redis or the local queue.
func (w *Reconciler) Enqueue(ctx context.Context, write *models.PendingWrite) error {
	if write == nil || write.Kind == "" {
		return errors.New("pending write kind is required")
	}
	if write.Status == "" {
		write.Status = models.WritePending
	}
	if err := w.store.CreatePendingWrite(ctx, write); err != nil {
		return fmt.Errorf("persist pending write: %w", err)
	}

	if w.redis != nil {
		if err := w.pushRedis(ctx, w.redisQueueKey, write); err != nil {
			w.logger.Warn().Err(err).Str("write_id", write.ID).Msg("Redis push failed, falling back to local queue")
		} else {
			return nil
		}
	}

	select {
	case w.queue <- write:
	default:
		w.logger.Warn().Str("write_id", write.ID).Msg("Local repair queue full, leaving write to polling")
	}
	return nil
}

// Start runs the loop until ctx is done.
func (w *Reconciler) Start(ctx context.Context) {
	w.logger.Info().Msg("Reconciler started")
	defer w.logger.Info().Msg("Reconciler stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if write, ok := w.tryLocalQueue(); ok {
			w.processQueued(ctx, write)
			continue
		}

		if write, ok := w.tryRedis(ctx); ok {
			w.processQueued(ctx, write)
			continue
		}

		writes, err := w.store.GetDuePendingWrites(ctx, w.batchSize)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error().Err(err).Msg("Failed to fetch due pending writes")
			}
			w.sleep(ctx)
			continue
		}
		if len(writes) == 0 {
			w.sleep(ctx)
			continue
		}
		for _, write := range writes {
			w.processWrite(ctx, write)
		}
	}
}

// RunOnce processes every write that is due now and returns how many were
// handled.
func (w *Reconciler) RunOnce(ctx context.Context) (int, error) {
	writes, err := w.store.GetDuePendingWrites(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	for _, write := range writes {
		w.processWrite(ctx, write)
	}
	return len(writes), nil
}

func (w *Reconciler) sleep(ctx context.Context) {
	t := time.NewTimer(w.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (w *Reconciler) tryLocalQueue() (*models.PendingWrite, bool) {
	select {
	case write := <-w.queue:
		return write, true
	default:
		return nil, false
	}
}

func (w *Reconciler) tryRedis(ctx context.Context) (*models.PendingWrite, bool) {
	if w.redis == nil {
		return nil, false
	}
	res, err := w.redis.BRPop(ctx, time.Second, w.redisQueueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, false
		}
		w.logger.Warn().Err(err).Msg("Redis BRPOP failed")
		return nil, false
	}
	if len(res) != 2 {
		return nil, false
	}
	var write models.PendingWrite
	if err := json.Unmarshal([]byte(res[1]), &write); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to decode queued write")
		return nil, false
	}
	return &write, true
}

// processQueued reloads a queued write so one already finished by polling
// is not replayed again.
func (w *Reconciler) processQueued(ctx context.Context, queued *models.PendingWrite) {
	write, err := w.store.GetPendingWrite(ctx, queued.ID)
	if err != nil {
		w.logger.Warn().Err(err).Str("write_id", queued.ID).Msg("Failed to reload queued write")
		return
	}
	if write.Status == models.WriteCompleted || write.Status == models.WriteFailed {
		return
	}
	w.processWrite(ctx, write)
}

func (w *Reconciler) processWrite(ctx context.Context, write *models.PendingWrite) {
	err := w.replayer.Replay(ctx, write)
	if err == nil {
		if err := w.store.UpdatePendingWriteStatus(ctx, write.ID, models.WriteCompleted, "", nil); err != nil {
			w.logger.Error().Err(err).Str("write_id", write.ID).Msg("Failed to mark write completed")
		}
		metrics.IncRepair(write.Kind, models.WriteCompleted)
		w.logger.Info().Str("write_id", write.ID).Str("kind", write.Kind).Str("booking_id", write.BookingID).Msg("Pending write applied")
		return
	}

	if errors.Is(err, records.ErrUnknownWrite) {
		w.fail(ctx, write, err)
		return
	}
	w.retryOrFail(ctx, write, err)
}

func (w *Reconciler) retryOrFail(ctx context.Context, write *models.PendingWrite, cause error) {
	attempt := write.RetryCount + 1
	if w.retryPolicy.Exhausted(attempt) {
		w.fail(ctx, write, cause)
		return
	}

	next := w.retryPolicy.RetryAt(time.Now(), attempt)
	if err := w.store.UpdatePendingWriteStatus(ctx, write.ID, models.WriteRetry, cause.Error(), &next); err != nil {
		w.logger.Error().Err(err).Str("write_id", write.ID).Msg("Failed to schedule retry")
	}
	metrics.IncRepair(write.Kind, models.WriteRetry)
	w.logger.Warn().Err(cause).Str("write_id", write.ID).Str("kind", write.Kind).Int("attempt", attempt).Time("next_retry_at", next).Msg("Pending write failed, retrying")
}

func (w *Reconciler) fail(ctx context.Context, write *models.PendingWrite, cause error) {
	if err := w.store.UpdatePendingWriteStatus(ctx, write.ID, models.WriteFailed, cause.Error(), nil); err != nil {
		w.logger.Error().Err(err).Str("write_id", write.ID).Msg("Failed to mark write failed")
	}
	metrics.IncRepair(write.Kind, models.WriteFailed)
	w.logger.Error().Err(cause).Str("write_id", write.ID).Str("kind", write.Kind).Str("booking_id", write.BookingID).Msg("Pending write moved to dead letter")

	if w.redis != nil {
		if err := w.pushRedis(ctx, w.deadLetterKey, write); err != nil {
			w.logger.Warn().Err(err).Str("write_id", write.ID).Msg("Dead letter push failed")
		}
	}
	if w.events != nil {
		payload := events.RepairEventPayload{
			WriteID:    write.ID,
			Kind:       write.Kind,
			BookingID:  write.BookingID,
			ProviderID: write.ProviderID,
			Error:      cause.Error(),
			Attempts:   write.RetryCount + 1,
		}
		if err := w.events.PublishJSON(events.EventRepairFailed, payload); err != nil {
			w.logger.Warn().Err(err).Msg("Failed to publish repair failure")
		}
	}
}

func (w *Reconciler) pushRedis(ctx context.Context, key string, write *models.PendingWrite) error {
	data, err := json.Marshal(write)
	if err != nil {
		return err
	}
	return w.redis.LPush(ctx, key, data).Err()
}
