// Package records keeps the durable record store in step with the request
// mailbox. Each lifecycle transition is a short saga: the first write is
// reported to the caller, later writes that fail are persisted as pending
// writes and replayed by the reconciler.
package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cleandispatch/internal/domain"
	"cleandispatch/internal/events"
	"cleandispatch/internal/logging"
	"cleandispatch/internal/mailbox"
	"cleandispatch/internal/models"
	"cleandispatch/internal/rating"

	"github.com/rs/zerolog"
)

var (
	ErrNotRateable    = errors.New("booking is not awaiting a rating")
	ErrInvalidScore   = fmt.Errorf("score must be between %d and %d", models.MinScore, models.MaxScore)
	ErrInvalidAmount  = errors.New("payment amount must be positive")
	ErrUnknownWrite   = errors.New("unknown pending write kind")
	ErrMissingBooking = errors.New("booking id is required")
)

// Slots is the mailbox surface the synchronizer writes to.
type Slots interface {
	Get(ctx context.Context, providerID string) (*models.Request, error)
	StampBooking(ctx context.Context, providerID, bookingID string) (*models.Request, error)
	MarkWaitingForPayment(ctx context.Context, providerID, bookingID string) (*models.Request, error)
	MarkPaid(ctx context.Context, providerID, bookingID string, amount float64) (*models.Request, error)
	MarkClosed(ctx context.Context, providerID string) (*models.Request, error)
	Cancel(ctx context.Context, providerID, reason, by string) (*models.Request, error)
	Clear(ctx context.Context, providerID string) error
}

type Options struct {
	DefaultPrice float64
	// Repairs persists and schedules pending writes; when nil they are
	// only persisted and picked up by polling.
	Repairs domain.RepairQueue
	Events  domain.EventPublisher
}

type Synchronizer struct {
	store        domain.RecordStore
	slots        Slots
	aggregator   *rating.Aggregator
	repairs      domain.RepairQueue
	events       domain.EventPublisher
	defaultPrice float64
	logger       *zerolog.Logger
	now          func() time.Time
}

func New(store domain.RecordStore, slots Slots, aggregator *rating.Aggregator, opts Options, logger *zerolog.Logger) *Synchronizer {
	return &Synchronizer{
		store:        store,
		slots:        slots,
		aggregator:   aggregator,
		repairs:      opts.Repairs,
		events:       opts.Events,
		defaultPrice: opts.DefaultPrice,
		logger:       logging.Component(logger, "records"),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetRepairQueue attaches the queue pending writes are scheduled on.
func (s *Synchronizer) SetRepairQueue(q domain.RepairQueue) {
	s.repairs = q
}

// RegisterProvider creates the provider's profile, or renames it when
// displayName is set.
func (s *Synchronizer) RegisterProvider(ctx context.Context, providerID, displayName string) error {
	if err := s.store.UpsertProvider(ctx, providerID, displayName); err != nil {
		return fmt.Errorf("failed to register provider: %w", err)
	}
	return nil
}

// AcceptInput describes an accepted mailbox slot.
type AcceptInput struct {
	Request  *models.Request
	Location models.Coordinates
}

// OnAccept creates the booking for an accepted request and stamps its id
// into the slot. A slot that already carries a booking id is resolved to
// that booking.
func (s *Synchronizer) OnAccept(ctx context.Context, in AcceptInput) (*models.Booking, error) {
	req := in.Request
	if req == nil || req.Status != models.RequestAccepted {
		return nil, fmt.Errorf("%w: booking needs an accepted request", mailbox.ErrInvalidTransition)
	}
	if req.BookingID != "" {
		return s.store.GetBooking(ctx, req.BookingID)
	}

	booking := &models.Booking{
		CustomerID:   req.CustomerID,
		ProviderID:   req.ProviderID,
		CustomerName: req.CustomerName,
		ProviderName: req.ProviderName,
		ServiceType:  models.DefaultServiceType,
		Location:     in.Location,
		Price:        s.defaultPrice,
		Status:       models.StatusPending,
	}
	if err := s.store.CreateBooking(ctx, booking); err != nil {
		return nil, fmt.Errorf("failed to create booking: %w", err)
	}

	accepted, err := s.store.TransitionBooking(ctx, booking.ID, models.BookingChange{
		Status:       models.StatusAccepted,
		CustomerName: req.CustomerName,
		ProviderName: req.ProviderName,
	})
	if err != nil {
		s.postpone(ctx, models.WriteBookingStatus, booking.ID, req.ProviderID, models.StatusWrite{Status: models.StatusAccepted}, err)
	} else {
		booking = accepted
	}

	if _, err := s.slots.StampBooking(ctx, req.ProviderID, booking.ID); err != nil {
		s.postpone(ctx, models.WriteMailboxStamp, booking.ID, req.ProviderID, nil, err)
	}

	s.publish(booking, models.StatusAccepted, nil, 0)
	s.logger.Info().Str("booking_id", booking.ID).Str("provider_id", req.ProviderID).Str("customer_id", req.CustomerID).Msg("Booking created")
	return booking, nil
}

// OnComplete records that the provider finished the job.
func (s *Synchronizer) OnComplete(ctx context.Context, providerID, bookingID string) (*models.Booking, error) {
	if bookingID == "" {
		return nil, ErrMissingBooking
	}
	booking, err := s.store.TransitionBooking(ctx, bookingID, models.BookingChange{Status: models.StatusCompleted})
	if err != nil {
		return nil, fmt.Errorf("failed to complete booking: %w", err)
	}

	if _, err := s.slots.MarkWaitingForPayment(ctx, providerID, bookingID); err != nil {
		s.postpone(ctx, models.WriteMailboxStatus, bookingID, providerID, models.StatusWrite{Status: models.RequestWaitingForPayment}, err)
	}

	s.publish(booking, models.StatusCompleted, nil, 0)
	return booking, nil
}

// PaymentInput is a customer payment for a completed booking.
type PaymentInput struct {
	BookingID  string
	ProviderID string
	CustomerID string
	Amount     float64
}

// OnPayment marks the booking paid and records the payment and receipt.
// The returned receipt is nil when its write was deferred.
func (s *Synchronizer) OnPayment(ctx context.Context, in PaymentInput) (*models.Receipt, error) {
	if in.BookingID == "" {
		return nil, ErrMissingBooking
	}
	if in.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	paidAt := s.now()
	amount := in.Amount
	booking, err := s.store.TransitionBooking(ctx, in.BookingID, models.BookingChange{
		Status:     models.StatusPaid,
		PaidAmount: &amount,
		PaidAt:     &paidAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to mark booking paid: %w", err)
	}
	if booking.PaidAmount != nil {
		amount = *booking.PaidAmount
	}

	receipt, err := s.recordPayment(ctx, booking, amount)
	if err != nil {
		s.postpone(ctx, models.WritePaymentRecord, booking.ID, booking.ProviderID, nil, err)
	}

	providerID := in.ProviderID
	if providerID == "" {
		providerID = booking.ProviderID
	}
	if _, err := s.slots.MarkPaid(ctx, providerID, booking.ID, amount); err != nil {
		s.postpone(ctx, models.WriteMailboxStatus, booking.ID, providerID, models.StatusWrite{Status: models.RequestPaid, Amount: &amount}, err)
	}

	s.publish(booking, models.StatusPaid, &amount, 0)
	return receipt, nil
}

// recordPayment writes the ledger entry and receipt for a paid booking.
// Existing entries are reused.
func (s *Synchronizer) recordPayment(ctx context.Context, booking *models.Booking, amount float64) (*models.Receipt, error) {
	payment := &models.Payment{
		BookingID: booking.ID,
		Amount:    amount,
		PayerID:   booking.CustomerID,
		PayeeID:   booking.ProviderID,
		Status:    models.PaymentSuccessful,
	}
	if err := s.store.CreatePayment(ctx, payment); err != nil {
		if !errors.Is(err, domain.ErrDuplicate) {
			return nil, err
		}
		if payment, err = s.store.GetPaymentByBooking(ctx, booking.ID); err != nil {
			return nil, err
		}
	}

	receipt := &models.Receipt{
		BookingID:    booking.ID,
		PaymentID:    payment.ID,
		Amount:       payment.Amount,
		CustomerID:   booking.CustomerID,
		CustomerName: booking.CustomerName,
		ProviderID:   booking.ProviderID,
		ProviderName: booking.ProviderName,
	}
	if err := s.store.CreateReceipt(ctx, receipt); err != nil {
		if !errors.Is(err, domain.ErrDuplicate) {
			return nil, err
		}
		return s.store.GetReceiptByBooking(ctx, booking.ID)
	}
	return receipt, nil
}

// RatingInput is the customer's review of a finished job.
type RatingInput struct {
	BookingID  string
	ProviderID string
	CustomerID string
	Score      int
	Comment    string
}

// OnRating stores the rating, closes the booking, clears the slot and
// refreshes the provider aggregate. Rating a booking whose rating is
// already stored resumes the remaining steps.
func (s *Synchronizer) OnRating(ctx context.Context, in RatingInput) (*models.Booking, error) {
	if in.BookingID == "" {
		return nil, ErrMissingBooking
	}
	if in.Score < models.MinScore || in.Score > models.MaxScore {
		return nil, ErrInvalidScore
	}

	booking, err := s.store.GetBooking(ctx, in.BookingID)
	if err != nil {
		return nil, err
	}
	if !booking.Rateable() {
		return nil, fmt.Errorf("%w: booking %s is %s", ErrNotRateable, booking.ID, booking.Status)
	}

	customerID := in.CustomerID
	if customerID == "" {
		customerID = booking.CustomerID
	}
	err = s.store.CreateRating(ctx, &models.Rating{
		BookingID:  booking.ID,
		ProviderID: booking.ProviderID,
		CustomerID: customerID,
		Score:      in.Score,
		Comment:    in.Comment,
	})
	if err != nil && !errors.Is(err, domain.ErrDuplicate) {
		return nil, fmt.Errorf("failed to store rating: %w", err)
	}

	closedAt := s.now()
	closed, err := s.store.TransitionBooking(ctx, booking.ID, models.BookingChange{Status: models.StatusClosed, ClosedAt: &closedAt})
	if err != nil {
		s.postpone(ctx, models.WriteBookingStatus, booking.ID, booking.ProviderID, models.StatusWrite{Status: models.StatusClosed}, err)
	} else {
		booking = closed
	}

	providerID := in.ProviderID
	if providerID == "" {
		providerID = booking.ProviderID
	}
	if err := s.slots.Clear(ctx, providerID); err != nil {
		s.postpone(ctx, models.WriteMailboxClear, booking.ID, providerID, nil, err)
	}

	if _, err := s.aggregator.Record(ctx, booking.ProviderID, booking.ID); err != nil {
		s.postpone(ctx, models.WriteAggregate, booking.ID, booking.ProviderID, nil, err)
	}

	s.publish(booking, models.StatusClosed, nil, in.Score)
	if s.events != nil {
		_ = s.events.PublishJSON(events.EventJobClosed, s.payload(booking, models.StatusClosed, booking.PaidAmount, in.Score))
	}
	return booking, nil
}

// OnCancel cancels the slot and, when one exists, the booking.
func (s *Synchronizer) OnCancel(ctx context.Context, providerID, bookingID, reason, by string) error {
	req, err := s.slots.Cancel(ctx, providerID, reason, by)
	if err != nil && !(errors.Is(err, mailbox.ErrNoSlot) && bookingID != "") {
		return fmt.Errorf("failed to cancel request: %w", err)
	}
	if bookingID == "" && req != nil {
		bookingID = req.BookingID
	}
	if bookingID == "" {
		return nil
	}

	booking, err := s.store.TransitionBooking(ctx, bookingID, models.BookingChange{Status: models.StatusCancelled})
	switch {
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrNotFound):
		s.logger.Warn().Err(err).Str("booking_id", bookingID).Msg("Booking left as is after cancellation")
	case err != nil:
		s.postpone(ctx, models.WriteBookingStatus, bookingID, providerID, models.StatusWrite{Status: models.StatusCancelled, Reason: reason, By: by}, err)
	default:
		s.publish(booking, models.StatusCancelled, nil, 0)
	}
	return nil
}

// ResolveBooking finds the booking behind an engagement: by id when known,
// otherwise the latest open booking of the customer (narrowed to the
// provider when set). An accepted slot missing its booking id is stamped.
func (s *Synchronizer) ResolveBooking(ctx context.Context, customerID, providerID, bookingID string) (*models.Booking, error) {
	if bookingID != "" {
		booking, err := s.store.GetBooking(ctx, bookingID)
		if err == nil || !errors.Is(err, domain.ErrNotFound) {
			return booking, err
		}
	}
	if customerID == "" {
		return nil, fmt.Errorf("no customer to resolve booking for: %w", domain.ErrNotFound)
	}

	booking, err := s.store.FindOpenBooking(ctx, customerID, providerID)
	if err != nil {
		return nil, err
	}

	if providerID != "" {
		slot, err := s.slots.Get(ctx, providerID)
		if err == nil && slot != nil && slot.CustomerID == customerID &&
			slot.Status == models.RequestAccepted && slot.BookingID == "" {
			if _, err := s.slots.StampBooking(ctx, providerID, booking.ID); err != nil {
				s.logger.Warn().Err(err).Str("booking_id", booking.ID).Msg("Failed to repair booking stamp")
			} else {
				s.logger.Info().Str("booking_id", booking.ID).Str("provider_id", providerID).Msg("Repaired missing booking stamp")
			}
		}
	}
	return booking, nil
}

// postpone persists a saga step that could not be applied inline.
func (s *Synchronizer) postpone(ctx context.Context, kind, bookingID, providerID string, payload interface{}, cause error) {
	ctx = context.WithoutCancel(ctx)

	write := &models.PendingWrite{
		Kind:       kind,
		BookingID:  bookingID,
		ProviderID: providerID,
		Status:     models.WritePending,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			s.logger.Error().Err(err).Str("kind", kind).Msg("Failed to encode pending write")
			return
		}
		write.Payload = string(raw)
	}
	if cause != nil {
		msg := cause.Error()
		write.LastError = &msg
	}

	var err error
	if s.repairs != nil {
		err = s.repairs.Enqueue(ctx, write)
	} else {
		err = s.store.CreatePendingWrite(ctx, write)
	}
	if err != nil {
		s.logger.Error().Err(err).AnErr("cause", cause).Str("kind", kind).Str("booking_id", bookingID).Msg("Failed to persist pending write")
		return
	}
	s.logger.Warn().Err(cause).Str("kind", kind).Str("booking_id", bookingID).Str("write_id", write.ID).Msg("Deferred write to reconciler")
}

func (s *Synchronizer) payload(b *models.Booking, status string, amount *float64, score int) events.BookingEventPayload {
	return events.BookingEventPayload{
		BookingID:    b.ID,
		CustomerID:   b.CustomerID,
		CustomerName: b.CustomerName,
		ProviderID:   b.ProviderID,
		ProviderName: b.ProviderName,
		Status:       status,
		Amount:       amount,
		Score:        score,
		At:           s.now(),
	}
}

func (s *Synchronizer) publish(b *models.Booking, status string, amount *float64, score int) {
	if s.events == nil || b == nil {
		return
	}
	if err := s.events.PublishJSON(events.EventBookingTransition, s.payload(b, status, amount, score)); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to publish booking event")
	}
}
