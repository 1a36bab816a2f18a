package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"cleandispatch/internal/domain"
	"cleandispatch/internal/mailbox"
	"cleandispatch/internal/models"
	"cleandispatch/internal/records"
	"cleandispatch/internal/visibility"
)

// CustomerSession follows the slots the customer authored and drives
// payment and rating.
type CustomerSession struct {
	*Session

	// guarded by Session.mu
	pendingRating *models.Trigger
	rated         map[string]bool
}

// NewCustomerSession hosts a customer. Without an account the session can
// still view the feed but every engagement action fails with ErrNoIdentity.
func NewCustomerSession(deps Deps, rec models.Presence) (*CustomerSession, error) {
	rec.Role = models.RoleCustomer
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	rec.Available = false
	return &CustomerSession{
		Session: newSession(deps, rec),
		rated:   make(map[string]bool),
	}, nil
}

// Start announces the customer and follows the mailbox.
func (c *CustomerSession) Start(ctx context.Context) error {
	return c.start(ctx, func(ctx context.Context) {
		c.deps.Mailbox.SubscribeAll(ctx, func(reqs []*models.Request) {
			c.onSlots(ctx, reqs)
		})
	})
}

// canonical picks the customer's most recently updated slot. Ties go to
// the greatest provider key.
func canonical(reqs []*models.Request, customerID string) *models.Request {
	var best *models.Request
	for _, req := range reqs {
		if req == nil || req.CustomerID != customerID {
			continue
		}
		if best == nil || req.UpdatedAt.After(best.UpdatedAt) ||
			(req.UpdatedAt.Equal(best.UpdatedAt) && req.ProviderID > best.ProviderID) {
			best = req
		}
	}
	return best
}

func (c *CustomerSession) onSlots(ctx context.Context, reqs []*models.Request) {
	account := c.AccountID()
	if account == "" {
		return
	}
	req := canonical(reqs, account)

	c.mu.Lock()
	effects := c.reactLocked(req)
	c.mu.Unlock()
	for _, r := range reqs {
		if settledFor(r, account) {
			effects = append(effects, c.clearSettled(r))
		}
	}
	c.run(ctx, effects)
}

// settledFor reports whether the customer is the party meant to see the
// outcome of the slot: a decline, or a cancellation made by someone else.
func settledFor(req *models.Request, customerID string) bool {
	if req == nil || req.CustomerID != customerID || !req.IsSettled() {
		return false
	}
	return req.Cancellation == nil || req.Cancellation.By != customerID
}

func (c *CustomerSession) reactLocked(req *models.Request) []effect {
	prev := c.engagement

	if req == nil {
		c.engagement = nil
		if prev != nil && prev.Status == models.RequestPending {
			return compact(c.noticeLocked("", "Request withdrawn",
				"Your request is no longer pending. Choose another cleaner.", models.SeverityWarning))
		}
		return nil
	}

	key := reactionKey(req)
	name := req.ProviderName
	if name == "" {
		name = "Your cleaner"
	}

	switch req.Status {
	case models.RequestPending:
		c.engagement = models.EngagementFrom(req)
		return nil

	case models.RequestAccepted:
		c.engagement = models.EngagementFrom(req)
		return compact(c.noticeLocked(key, "Cleaner on the way",
			name+" accepted your request and is on the way.", models.SeveritySuccess))

	case models.RequestRejected:
		c.engagement = nil
		return compact(c.noticeLocked(key, "Request declined",
			name+" declined your request. You can choose another cleaner.", models.SeverityWarning))

	case models.RequestCancelled:
		c.engagement = nil
		if req.Cancellation != nil && req.Cancellation.By == req.CustomerID {
			return nil
		}
		body := "Your request was cancelled."
		if req.Cancellation != nil && req.Cancellation.Reason != "" {
			body = "Your request was cancelled: " + req.Cancellation.Reason
		}
		return compact(c.noticeLocked(key, "Request cancelled", body, models.SeverityWarning))

	case models.RequestWaitingForPayment:
		c.engagement = models.EngagementFrom(req)
		return compact(
			c.noticeLocked(key, "Job finished", name+" finished the job. Please complete the payment.", models.SeverityInfo),
			c.setTriggerLocked(&models.Trigger{Kind: models.TriggerOpenPayment, BookingID: req.BookingID, ProviderID: req.ProviderID}),
		)

	case models.RequestPaid:
		c.engagement = nil
		if c.rated[req.BookingID] {
			return nil
		}
		c.pendingRating = &models.Trigger{Kind: models.TriggerOpenRating, BookingID: req.BookingID, ProviderID: req.ProviderID}
		t := *c.pendingRating
		return compact(c.setTriggerLocked(&t))

	case models.RequestClosed:
		c.engagement = nil
		c.pendingRating = nil
		c.triggers = nil
		return nil
	}
	return nil
}

// RequestProvider proposes a job to the provider. A pending proposal to
// another provider is withdrawn first.
func (c *CustomerSession) RequestProvider(ctx context.Context, providerID string) (*models.Request, error) {
	account, err := c.requireIdentity()
	if err != nil {
		return nil, err
	}
	if providerID == "" {
		return nil, ErrNoProviderAvailable
	}

	cur := c.Engagement()
	if cur != nil {
		switch {
		case cur.Status != models.RequestPending:
			return nil, ErrAlreadyEngaged
		case cur.ProviderID != providerID:
			_, err := c.deps.Mailbox.Withdraw(ctx, cur.ProviderID, account, "customer chose another cleaner")
			switch {
			case errors.Is(err, mailbox.ErrInvalidTransition):
				return nil, ErrAlreadyEngaged
			case err != nil && !errors.Is(err, mailbox.ErrNoSlot):
				return nil, fmt.Errorf("failed to withdraw previous request: %w", err)
			}
		}
	}

	req, err := c.deps.Mailbox.Propose(ctx, providerID, account, c.Record().DisplayName)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	effects := c.reactLocked(req)
	c.mu.Unlock()
	c.run(ctx, effects)

	c.logger.Info().Str("provider_id", providerID).Int64("version", req.Version).Msg("Request proposed")
	return req, nil
}

// RequestNearest proposes a job to the closest available provider.
func (c *CustomerSession) RequestNearest(ctx context.Context) (*models.Request, error) {
	if _, err := c.requireIdentity(); err != nil {
		return nil, err
	}
	rec := c.Record()
	if !rec.HasPosition() {
		return nil, ErrNoPosition
	}

	feed, err := c.deps.Presence.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	viewer := visibility.Viewer{SessionID: rec.SessionID, AccountID: rec.AccountID, Role: rec.Role}
	nearest, ok := visibility.NearestAvailable(feed, viewer, rec.Position())
	if !ok {
		return nil, ErrNoProviderAvailable
	}
	providerID := nearest.AccountID
	if providerID == "" {
		providerID = nearest.SessionID
	}
	return c.RequestProvider(ctx, providerID)
}

// Cancel withdraws the customer's active request and its booking.
func (c *CustomerSession) Cancel(ctx context.Context, reason string) error {
	account, err := c.requireIdentity()
	if err != nil {
		return err
	}
	eng := c.Engagement()
	if eng == nil {
		return ErrNothingToCancel
	}

	slot, err := c.deps.Mailbox.Get(ctx, eng.ProviderID)
	if err != nil {
		return err
	}
	if slot == nil || slot.CustomerID != account || !slot.IsActive() {
		c.mu.Lock()
		c.engagement = nil
		c.mu.Unlock()
		return ErrNothingToCancel
	}

	bookingID := eng.BookingID
	if bookingID == "" {
		bookingID = slot.BookingID
	}
	if err := c.deps.Records.OnCancel(ctx, eng.ProviderID, bookingID, reason, account); err != nil {
		return err
	}

	c.mu.Lock()
	c.engagement = nil
	c.triggers = nil
	c.mu.Unlock()
	c.logger.Info().Str("provider_id", eng.ProviderID).Str("booking_id", bookingID).Msg("Request cancelled by customer")
	return nil
}

// Pay settles the finished job and arms the rating flow.
func (c *CustomerSession) Pay(ctx context.Context, amount float64) (*models.Receipt, error) {
	account, err := c.requireIdentity()
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, records.ErrInvalidAmount
	}
	eng := c.Engagement()
	if eng == nil || (eng.Status != models.RequestWaitingForPayment && eng.Status != models.RequestAccepted) {
		return nil, ErrNoActiveBooking
	}

	booking, err := c.deps.Records.ResolveBooking(ctx, account, eng.ProviderID, eng.BookingID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrNoActiveBooking
	}
	if err != nil {
		return nil, err
	}

	receipt, err := c.deps.Records.OnPayment(ctx, records.PaymentInput{
		BookingID:  booking.ID,
		ProviderID: eng.ProviderID,
		CustomerID: account,
		Amount:     amount,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.engagement = nil
	c.pendingRating = &models.Trigger{Kind: models.TriggerOpenRating, BookingID: booking.ID, ProviderID: eng.ProviderID}
	t := *c.pendingRating
	effects := compact(c.setTriggerLocked(&t))
	c.mu.Unlock()
	c.run(ctx, effects)

	c.logger.Info().Str("booking_id", booking.ID).Float64("amount", amount).Msg("Payment recorded")
	return receipt, nil
}

// Rate reviews the paid job, or a finished job still awaiting payment.
func (c *CustomerSession) Rate(ctx context.Context, score int, comment string) (*models.Booking, error) {
	account, err := c.requireIdentity()
	if err != nil {
		return nil, err
	}
	if score < models.MinScore || score > models.MaxScore {
		return nil, records.ErrInvalidScore
	}

	c.mu.Lock()
	var target *models.Trigger
	if c.pendingRating != nil {
		t := *c.pendingRating
		target = &t
	} else if c.engagement != nil && c.engagement.Status == models.RequestWaitingForPayment {
		target = &models.Trigger{BookingID: c.engagement.BookingID, ProviderID: c.engagement.ProviderID}
	}
	c.mu.Unlock()
	if target == nil {
		return nil, ErrNothingToRate
	}

	bookingID := target.BookingID
	if bookingID == "" {
		booking, err := c.deps.Records.ResolveBooking(ctx, account, target.ProviderID, "")
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrNothingToRate
		}
		if err != nil {
			return nil, err
		}
		bookingID = booking.ID
	}

	booking, err := c.deps.Records.OnRating(ctx, records.RatingInput{
		BookingID:  bookingID,
		ProviderID: target.ProviderID,
		CustomerID: account,
		Score:      score,
		Comment:    comment,
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.rated[bookingID] = true
	c.pendingRating = nil
	c.triggers = nil
	if c.engagement != nil && c.engagement.ProviderID == target.ProviderID {
		c.engagement = nil
	}
	c.mu.Unlock()

	c.logger.Info().Str("booking_id", bookingID).Int("score", score).Msg("Job rated")
	return booking, nil
}
