package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cleandispatch/internal/domain"
	"cleandispatch/internal/mailbox"
	"cleandispatch/internal/models"
)

// Replay re-applies a pending write. Every kind is safe to apply more than
// once. A step overtaken by later changes (slot gone, status moved on) is
// reported as done.
func (s *Synchronizer) Replay(ctx context.Context, write *models.PendingWrite) error {
	err := s.replay(ctx, write)
	if obsolete(err) {
		s.logger.Info().Err(err).Str("write_id", write.ID).Str("kind", write.Kind).Msg("Pending write overtaken, dropping")
		return nil
	}
	return err
}

func (s *Synchronizer) replay(ctx context.Context, write *models.PendingWrite) error {
	switch write.Kind {
	case models.WriteMailboxStamp:
		_, err := s.slots.StampBooking(ctx, write.ProviderID, write.BookingID)
		return err

	case models.WriteMailboxStatus:
		sw, err := decodeStatus(write)
		if err != nil {
			return err
		}
		return s.replaySlotStatus(ctx, write, sw)

	case models.WriteMailboxClear:
		return s.slots.Clear(ctx, write.ProviderID)

	case models.WriteBookingStatus:
		sw, err := decodeStatus(write)
		if err != nil {
			return err
		}
		change := models.BookingChange{Status: sw.Status, PaidAmount: sw.Amount}
		now := s.now()
		switch sw.Status {
		case models.StatusPaid:
			change.PaidAt = &now
		case models.StatusClosed:
			change.ClosedAt = &now
		}
		_, err = s.store.TransitionBooking(ctx, write.BookingID, change)
		return err

	case models.WriteAggregate:
		_, err := s.aggregator.Record(ctx, write.ProviderID, write.BookingID)
		return err

	case models.WritePaymentRecord:
		booking, err := s.store.GetBooking(ctx, write.BookingID)
		if err != nil {
			return err
		}
		if booking.PaidAmount == nil {
			return fmt.Errorf("booking %s has no paid amount: %w", booking.ID, domain.ErrInvalidTransition)
		}
		_, err = s.recordPayment(ctx, booking, *booking.PaidAmount)
		return err
	}
	return fmt.Errorf("%w: %q", ErrUnknownWrite, write.Kind)
}

func (s *Synchronizer) replaySlotStatus(ctx context.Context, write *models.PendingWrite, sw models.StatusWrite) error {
	var err error
	switch sw.Status {
	case models.RequestWaitingForPayment:
		_, err = s.slots.MarkWaitingForPayment(ctx, write.ProviderID, write.BookingID)
	case models.RequestPaid:
		if sw.Amount == nil {
			return fmt.Errorf("paid write %s carries no amount", write.ID)
		}
		_, err = s.slots.MarkPaid(ctx, write.ProviderID, write.BookingID, *sw.Amount)
	case models.RequestClosed:
		_, err = s.slots.MarkClosed(ctx, write.ProviderID)
	case models.RequestCancelled:
		_, err = s.slots.Cancel(ctx, write.ProviderID, sw.Reason, sw.By)
	default:
		return fmt.Errorf("%w: mailbox status %q", ErrUnknownWrite, sw.Status)
	}
	return err
}

func decodeStatus(write *models.PendingWrite) (models.StatusWrite, error) {
	var sw models.StatusWrite
	if err := json.Unmarshal([]byte(write.Payload), &sw); err != nil {
		return sw, fmt.Errorf("failed to decode pending write %s: %w", write.ID, err)
	}
	if sw.Status == "" {
		return sw, fmt.Errorf("pending write %s carries no status", write.ID)
	}
	return sw, nil
}

// obsolete reports errors meaning the step no longer applies.
func obsolete(err error) bool {
	return errors.Is(err, mailbox.ErrNoSlot) ||
		errors.Is(err, mailbox.ErrInvalidTransition) ||
		errors.Is(err, domain.ErrInvalidTransition)
}
