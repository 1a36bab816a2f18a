package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"cleandispatch/internal/domain"
	"cleandispatch/internal/mailbox"
	"cleandispatch/internal/models"
	"cleandispatch/internal/records"
)

// ProviderSession follows the provider's own slot, answers proposals and
// owns the provider's availability.
type ProviderSession struct {
	*Session

	// guarded by Session.mu
	paused bool
}

// NewProviderSession hosts a provider. Providers are addressed by account,
// so an identity is required.
func NewProviderSession(deps Deps, rec models.Presence) (*ProviderSession, error) {
	rec.Role = models.RoleProvider
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if rec.AccountID == "" {
		return nil, ErrNoIdentity
	}
	rec.Available = true
	return &ProviderSession{Session: newSession(deps, rec)}, nil
}

// Start registers the provider's profile, announces the provider and
// follows its slot. A profile that cannot be written yet is created by the
// first rating instead.
func (p *ProviderSession) Start(ctx context.Context) error {
	key := p.AccountID()
	if err := p.deps.Records.RegisterProvider(ctx, key, p.Record().DisplayName); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to register provider profile")
	}
	return p.start(ctx, func(ctx context.Context) {
		p.deps.Mailbox.SubscribeSlot(ctx, key, func(req *models.Request) {
			p.onSlot(ctx, req)
		})
	})
}

// Rename changes the name on the feed and on the provider's profile.
func (p *ProviderSession) Rename(ctx context.Context, name string) error {
	if err := p.Session.Rename(ctx, name); err != nil {
		return err
	}
	return p.deps.Records.RegisterProvider(ctx, p.AccountID(), p.Record().DisplayName)
}

// Incoming returns the pending proposal awaiting an answer, or nil.
func (p *ProviderSession) Incoming() *models.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.incoming == nil {
		return nil
	}
	return p.incoming.Clone()
}

func (p *ProviderSession) onSlot(ctx context.Context, req *models.Request) {
	p.mu.Lock()
	effects := p.reactLocked(req)
	p.mu.Unlock()
	p.run(ctx, effects)
}

func (p *ProviderSession) availabilityLocked(available bool) effect {
	if available && p.paused {
		return nil
	}
	return func(ctx context.Context) {
		if err := p.self.SetAvailable(ctx, available); err != nil {
			p.logger.Warn().Err(err).Bool("available", available).Msg("Failed to publish availability")
		}
	}
}

// releaseLocked ends the engagement and makes the provider available again.
func (p *ProviderSession) releaseLocked() effect {
	p.engagement = nil
	return p.availabilityLocked(true)
}

func (p *ProviderSession) reactLocked(req *models.Request) []effect {
	if req == nil {
		p.incoming = nil
		if p.engagement == nil {
			return nil
		}
		switch p.engagement.Status {
		case models.RequestPaid, models.RequestWaitingForPayment, models.RequestClosed:
			return compact(p.releaseLocked())
		}
		return nil
	}

	key := reactionKey(req)
	name := req.CustomerName
	if name == "" {
		name = "A customer"
	}
	engagedHere := p.engagement != nil && p.engagement.CustomerID == req.CustomerID

	switch req.Status {
	case models.RequestPending:
		p.incoming = req.Clone()
		return compact(p.noticeLocked(key, "New request", name+" requested a cleaning.", models.SeverityInfo))

	case models.RequestAccepted:
		p.incoming = nil
		p.engagement = models.EngagementFrom(req)
		return compact(p.availabilityLocked(false))

	case models.RequestWaitingForPayment:
		p.incoming = nil
		p.engagement = models.EngagementFrom(req)
		return nil

	case models.RequestCancelled, models.RequestRejected:
		if p.incoming != nil && p.incoming.CustomerID == req.CustomerID {
			p.incoming = nil
		}
		var effects []effect
		if engagedHere {
			effects = append(effects, p.releaseLocked())
			if req.Status == models.RequestCancelled && req.Cancellation != nil && req.Cancellation.By != p.AccountID() {
				body := name + " cancelled the job."
				if req.Cancellation.Reason != "" {
					body = name + " cancelled the job: " + req.Cancellation.Reason
				}
				effects = append(effects, p.noticeLocked(key, "Job cancelled", body, models.SeverityWarning))
			}
		}
		// the customer withdrew or cancelled; the provider is the one to see it
		if req.Cancellation != nil && req.Cancellation.By == req.CustomerID {
			effects = append(effects, p.clearSettled(req))
		}
		return compact(effects...)

	case models.RequestPaid:
		p.incoming = nil
		return compact(p.releaseLocked(),
			p.noticeLocked(key, "Payment received", name+" paid for the job.", models.SeveritySuccess))

	case models.RequestClosed:
		p.incoming = nil
		return compact(p.releaseLocked(),
			p.noticeLocked(key, "Job closed", "The job with "+name+" is closed.", models.SeverityInfo))
	}
	return nil
}

// Accept takes the pending proposal, goes unavailable and creates the
// booking. With nothing pending it retries booking creation for an
// accepted slot that never got one.
func (p *ProviderSession) Accept(ctx context.Context) (*models.Booking, error) {
	key, err := p.requireIdentity()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	var incoming *models.Request
	if p.incoming != nil {
		incoming = p.incoming.Clone()
	}
	eng := p.engagement
	p.mu.Unlock()

	if incoming == nil {
		if eng != nil && eng.Status == models.RequestAccepted && eng.BookingID == "" {
			return p.ensureBooking(ctx, key)
		}
		return nil, ErrNoPendingProposal
	}

	req, err := p.deps.Mailbox.Accept(ctx, key, p.Record().DisplayName, incoming.CustomerID)
	if errors.Is(err, mailbox.ErrNoSlot) || errors.Is(err, mailbox.ErrInvalidTransition) {
		p.mu.Lock()
		p.incoming = nil
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrNoPendingProposal, err)
	}
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.incoming = nil
	p.engagement = models.EngagementFrom(req)
	effects := compact(p.availabilityLocked(false))
	p.mu.Unlock()
	p.run(ctx, effects)

	booking, err := p.deps.Records.OnAccept(ctx, records.AcceptInput{Request: req, Location: p.Record().Position()})
	if err != nil {
		p.logger.Error().Err(err).Str("customer_id", req.CustomerID).Msg("Failed to create booking for accepted request")
		return nil, err
	}
	p.setBooking(booking.ID, models.RequestAccepted)

	p.logger.Info().Str("booking_id", booking.ID).Str("customer_id", req.CustomerID).Msg("Request accepted")
	return booking, nil
}

func (p *ProviderSession) ensureBooking(ctx context.Context, key string) (*models.Booking, error) {
	req, err := p.deps.Mailbox.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if req == nil || req.Status != models.RequestAccepted {
		return nil, ErrNoPendingProposal
	}
	booking, err := p.deps.Records.OnAccept(ctx, records.AcceptInput{Request: req, Location: p.Record().Position()})
	if err != nil {
		return nil, err
	}
	p.setBooking(booking.ID, models.RequestAccepted)
	return booking, nil
}

func (p *ProviderSession) setBooking(bookingID, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.engagement != nil {
		p.engagement.BookingID = bookingID
		p.engagement.Status = status
	}
}

// Reject declines the pending proposal.
func (p *ProviderSession) Reject(ctx context.Context) error {
	key, err := p.requireIdentity()
	if err != nil {
		return err
	}
	incoming := p.Incoming()
	if incoming == nil {
		return ErrNoPendingProposal
	}

	if _, err := p.deps.Mailbox.Reject(ctx, key, incoming.CustomerID); err != nil {
		if errors.Is(err, mailbox.ErrNoSlot) || errors.Is(err, mailbox.ErrInvalidTransition) {
			return fmt.Errorf("%w: %v", ErrNoPendingProposal, err)
		}
		return err
	}

	p.mu.Lock()
	p.incoming = nil
	p.mu.Unlock()
	p.logger.Info().Str("customer_id", incoming.CustomerID).Msg("Request rejected")
	return nil
}

// Finish marks the accepted job done and asks the customer to pay.
func (p *ProviderSession) Finish(ctx context.Context) (*models.Booking, error) {
	key, err := p.requireIdentity()
	if err != nil {
		return nil, err
	}
	eng := p.Engagement()
	if eng == nil || eng.Status != models.RequestAccepted {
		return nil, ErrNoActiveBooking
	}

	booking, err := p.deps.Records.ResolveBooking(ctx, eng.CustomerID, key, eng.BookingID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrNoActiveBooking
	}
	if err != nil {
		return nil, err
	}

	completed, err := p.deps.Records.OnComplete(ctx, key, booking.ID)
	if err != nil {
		return nil, err
	}
	p.setBooking(completed.ID, models.RequestWaitingForPayment)

	p.logger.Info().Str("booking_id", completed.ID).Msg("Job finished")
	return completed, nil
}

// Cancel drops the active job, or the pending proposal when not engaged.
func (p *ProviderSession) Cancel(ctx context.Context, reason string) error {
	key, err := p.requireIdentity()
	if err != nil {
		return err
	}

	p.mu.Lock()
	eng := p.engagement
	incoming := p.incoming
	p.mu.Unlock()

	bookingID := ""
	switch {
	case eng != nil:
		bookingID = eng.BookingID
	case incoming != nil:
	default:
		return ErrNothingToCancel
	}

	if err := p.deps.Records.OnCancel(ctx, key, bookingID, reason, key); err != nil {
		if errors.Is(err, mailbox.ErrNoSlot) || errors.Is(err, mailbox.ErrInvalidTransition) {
			return fmt.Errorf("%w: %v", ErrNothingToCancel, err)
		}
		return err
	}

	p.mu.Lock()
	p.incoming = nil
	effects := compact(p.releaseLocked())
	p.mu.Unlock()
	p.run(ctx, effects)

	p.logger.Info().Str("booking_id", bookingID).Str("reason", reason).Msg("Job cancelled by provider")
	return nil
}

// SetAvailable toggles whether customers can see and request the provider.
// Going available is refused while a job is active.
func (p *ProviderSession) SetAvailable(ctx context.Context, available bool) error {
	if available && p.Engagement() != nil {
		return ErrAlreadyEngaged
	}
	if err := p.self.SetAvailable(ctx, available); err != nil {
		return err
	}
	p.mu.Lock()
	p.paused = !available
	p.mu.Unlock()
	return nil
}
