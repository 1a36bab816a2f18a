// Package mailbox manages the single request slot each provider holds in
// the ephemeral store.
package mailbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"cleandispatch/internal/domain"
	"cleandispatch/internal/logging"
	"cleandispatch/internal/metrics"
	"cleandispatch/internal/models"
	"cleandispatch/internal/repository"

	"github.com/rs/zerolog"
)

var (
	ErrNoSlot            = errors.New("no request for this provider")
	ErrInvalidTransition = errors.New("invalid request transition")
	ErrStaleProposal     = errors.New("proposal changed since it was observed")
	ErrSlotOccupied      = errors.New("provider already has an active request")
	ErrConflict          = errors.New("request kept changing under concurrent writers")
)

const defaultCASRetries = 5

// Options tune mailbox write behavior.
type Options struct {
	// Exclusive refuses to replace a live slot owned by another customer.
	Exclusive  bool
	CASRetries int
	Backoff    repository.Backoff
}

type Mailbox struct {
	store     domain.EphemeralStore
	exclusive bool
	retries   int
	backoff   repository.Backoff
	logger    *zerolog.Logger
	now       func() time.Time
}

func New(store domain.EphemeralStore, opts Options, logger *zerolog.Logger) *Mailbox {
	if opts.CASRetries <= 0 {
		opts.CASRetries = defaultCASRetries
	}
	if opts.Backoff == nil {
		opts.Backoff = func(int) time.Duration { return time.Second }
	}
	return &Mailbox{
		store:     store,
		exclusive: opts.Exclusive,
		retries:   opts.CASRetries,
		backoff:   opts.Backoff,
		logger:    logging.Component(logger, "mailbox"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func key(providerID string) string {
	return repository.Key(models.MailboxPrefix, models.StoreKey(providerID))
}

// decode turns a raw slot into a request. Corrupt slots read as empty.
func (m *Mailbox) decode(raw []byte) *models.Request {
	if raw == nil {
		return nil
	}
	var req models.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		m.logger.Warn().Err(err).Msg("Ignoring undecodable request slot")
		return nil
	}
	if err := req.Validate(); err != nil {
		m.logger.Warn().Err(err).Str("provider_id", req.ProviderID).Msg("Ignoring inconsistent request slot")
		return nil
	}
	return &req
}

// Get returns the provider's slot, or nil when it is empty.
func (m *Mailbox) Get(ctx context.Context, providerID string) (*models.Request, error) {
	raw, err := m.store.Get(ctx, key(providerID))
	if err != nil {
		return nil, fmt.Errorf("failed to read request: %w", err)
	}
	return m.decode(raw), nil
}

// Snapshot returns every readable slot ordered by provider id.
func (m *Mailbox) Snapshot(ctx context.Context) ([]*models.Request, error) {
	raw, err := m.store.Snapshot(ctx, models.MailboxPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to read requests: %w", err)
	}
	out := make([]*models.Request, 0, len(raw))
	for _, v := range raw {
		if req := m.decode(v); req != nil {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProviderID < out[j].ProviderID })
	return out, nil
}

// Propose writes a pending request from the customer to the provider.
// By default the write overwrites whatever the slot held, so the last
// proposer wins. In exclusive mode a live slot owned by another customer
// is left untouched and ErrSlotOccupied is returned.
func (m *Mailbox) Propose(ctx context.Context, providerID, customerID, customerName string) (*models.Request, error) {
	if providerID == "" || customerID == "" {
		return nil, errors.New("provider and customer are required")
	}

	raw, err := m.store.Get(ctx, key(providerID))
	if err != nil {
		return nil, fmt.Errorf("failed to read request: %w", err)
	}
	cur := m.decode(raw)

	now := m.now()
	next := &models.Request{
		ProviderID:   providerID,
		CustomerID:   customerID,
		CustomerName: customerName,
		Status:       models.RequestPending,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if cur != nil {
		next.Version = cur.Version + 1
	}

	if !m.exclusive {
		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		if err := m.store.Set(ctx, key(providerID), data); err != nil {
			return nil, fmt.Errorf("failed to write request: %w", err)
		}
		metrics.IncTransition(next.Status)
		return next, nil
	}

	return m.update(ctx, providerID, m.retries, func(cur *models.Request) (*models.Request, bool, error) {
		if cur.IsActive() && cur.CustomerID != customerID {
			return nil, false, ErrSlotOccupied
		}
		n := *next
		n.Version = 0
		if cur != nil {
			n.Version = cur.Version
		}
		return &n, true, nil
	})
}

// Accept moves a pending request to accepted. When expectCustomer is set
// the pending request must still come from that customer.
func (m *Mailbox) Accept(ctx context.Context, providerID, providerName, expectCustomer string) (*models.Request, error) {
	return m.update(ctx, providerID, m.retries, func(cur *models.Request) (*models.Request, bool, error) {
		if cur == nil {
			return nil, false, ErrNoSlot
		}
		if expectCustomer != "" && cur.CustomerID != expectCustomer {
			return nil, false, ErrStaleProposal
		}
		if cur.Status == models.RequestAccepted {
			return cur, false, nil
		}
		if !models.CanTransitionRequest(cur.Status, models.RequestAccepted) {
			return nil, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, models.RequestAccepted)
		}
		next := cur.Clone()
		next.Status = models.RequestAccepted
		next.ProviderName = providerName
		next.Accepted = &models.AcceptedPart{At: m.now()}
		return next, true, nil
	})
}

// StampBooking records the booking id on an accepted request.
func (m *Mailbox) StampBooking(ctx context.Context, providerID, bookingID string) (*models.Request, error) {
	return m.update(ctx, providerID, m.retries, func(cur *models.Request) (*models.Request, bool, error) {
		if cur == nil {
			return nil, false, ErrNoSlot
		}
		if cur.BookingID == bookingID {
			return cur, false, nil
		}
		if cur.Status != models.RequestAccepted {
			return nil, false, fmt.Errorf("%w: cannot stamp booking on %s request", ErrInvalidTransition, cur.Status)
		}
		next := cur.Clone()
		next.BookingID = bookingID
		return next, true, nil
	})
}

// Reject declines a pending request.
func (m *Mailbox) Reject(ctx context.Context, providerID, expectCustomer string) (*models.Request, error) {
	return m.update(ctx, providerID, m.retries, func(cur *models.Request) (*models.Request, bool, error) {
		if cur == nil {
			return nil, false, ErrNoSlot
		}
		if expectCustomer != "" && cur.CustomerID != expectCustomer {
			return nil, false, ErrStaleProposal
		}
		return m.advance(cur, models.RequestRejected, nil)
	})
}

// MarkWaitingForPayment records job completion.
func (m *Mailbox) MarkWaitingForPayment(ctx context.Context, providerID, bookingID string) (*models.Request, error) {
	return m.update(ctx, providerID, m.retries, func(cur *models.Request) (*models.Request, bool, error) {
		if cur == nil {
			return nil, false, ErrNoSlot
		}
		return m.advance(cur, models.RequestWaitingForPayment, func(next *models.Request) {
			if bookingID != "" {
				next.BookingID = bookingID
			}
		})
	})
}

// MarkPaid records the customer's payment.
func (m *Mailbox) MarkPaid(ctx context.Context, providerID, bookingID string, amount float64) (*models.Request, error) {
	return m.update(ctx, providerID, m.retries, func(cur *models.Request) (*models.Request, bool, error) {
		if cur == nil {
			return nil, false, ErrNoSlot
		}
		return m.advance(cur, models.RequestPaid, func(next *models.Request) {
			if bookingID != "" {
				next.BookingID = bookingID
			}
			next.Payment = &models.PaymentPart{Amount: amount, PaidAt: m.now()}
		})
	})
}

// MarkClosed records that the job was rated and closed.
func (m *Mailbox) MarkClosed(ctx context.Context, providerID string) (*models.Request, error) {
	return m.update(ctx, providerID, m.retries, func(cur *models.Request) (*models.Request, bool, error) {
		if cur == nil {
			return nil, false, ErrNoSlot
		}
		return m.advance(cur, models.RequestClosed, nil)
	})
}

// Cancel ends any live request. It keeps retrying lost swaps until it
// lands, so a cancellation is always the last write.
func (m *Mailbox) Cancel(ctx context.Context, providerID, reason, by string) (*models.Request, error) {
	return m.update(ctx, providerID, math.MaxInt, func(cur *models.Request) (*models.Request, bool, error) {
		if cur == nil {
			return nil, false, ErrNoSlot
		}
		return m.advance(cur, models.RequestCancelled, func(next *models.Request) {
			next.Cancellation = &models.CancellationPart{Reason: reason, By: by}
		})
	})
}

// Withdraw cancels the customer's own pending request. A slot that now
// belongs to someone else is left alone; a request that has already been
// answered cannot be withdrawn.
func (m *Mailbox) Withdraw(ctx context.Context, providerID, customerID, reason string) (*models.Request, error) {
	return m.update(ctx, providerID, m.retries, func(cur *models.Request) (*models.Request, bool, error) {
		if cur == nil {
			return nil, false, ErrNoSlot
		}
		if cur.CustomerID != customerID || !cur.IsActive() {
			return cur, false, nil
		}
		if cur.Status != models.RequestPending {
			return nil, false, fmt.Errorf("%w: cannot withdraw %s request", ErrInvalidTransition, cur.Status)
		}
		return m.advance(cur, models.RequestCancelled, func(next *models.Request) {
			next.Cancellation = &models.CancellationPart{Reason: reason, By: customerID}
		})
	})
}

// Clear removes the slot. Clearing an empty slot is not an error.
func (m *Mailbox) Clear(ctx context.Context, providerID string) error {
	if err := m.store.Remove(ctx, key(providerID)); err != nil {
		return fmt.Errorf("failed to clear request: %w", err)
	}
	return nil
}

// ClearSettled removes a rejected or cancelled slot once its outcome has
// been seen. The slot is kept unless it still holds that same proposal at
// that same version, so a newer proposal is never deleted. Versions restart
// after a clear, which is why the proposal's creation time is compared too.
func (m *Mailbox) ClearSettled(ctx context.Context, settled *models.Request) (bool, error) {
	if settled == nil {
		return false, nil
	}
	k := key(settled.ProviderID)
	raw, err := m.store.Get(ctx, k)
	if err != nil {
		return false, fmt.Errorf("failed to read request: %w", err)
	}
	cur := m.decode(raw)
	if cur == nil || !cur.IsSettled() || cur.Version != settled.Version || !cur.CreatedAt.Equal(settled.CreatedAt) {
		return false, nil
	}
	ok, err := m.store.CompareAndSwap(ctx, k, raw, nil)
	if err != nil {
		return false, fmt.Errorf("failed to clear request: %w", err)
	}
	return ok, nil
}

// advance applies a status transition; repeating the current status is a no-op.
func (m *Mailbox) advance(cur *models.Request, to string, stamp func(next *models.Request)) (*models.Request, bool, error) {
	if cur.Status == to {
		return cur, false, nil
	}
	if !models.CanTransitionRequest(cur.Status, to) {
		return nil, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
	}
	next := cur.Clone()
	next.Status = to
	if stamp != nil {
		stamp(next)
	}
	return next, true, nil
}

type mutation func(cur *models.Request) (next *models.Request, changed bool, err error)

// update runs a compare-and-swap loop: read the slot, compute the next
// value from exactly what was read, and write it only if the slot still
// holds those bytes.
func (m *Mailbox) update(ctx context.Context, providerID string, attempts int, fn mutation) (*models.Request, error) {
	k := key(providerID)
	for attempt := 1; ; attempt++ {
		raw, err := m.store.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("failed to read request: %w", err)
		}

		next, changed, err := fn(m.decode(raw))
		if err != nil {
			return nil, err
		}
		if !changed {
			return next, nil
		}

		next.Version++
		next.UpdatedAt = m.now()
		if err := next.Validate(); err != nil {
			return nil, fmt.Errorf("refusing to write invalid request: %w", err)
		}
		data, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}

		ok, err := m.store.CompareAndSwap(ctx, k, raw, data)
		if err != nil {
			return nil, fmt.Errorf("failed to write request: %w", err)
		}
		if ok {
			metrics.IncTransition(next.Status)
			return next, nil
		}

		metrics.IncConflict()
		if attempt >= attempts {
			return nil, ErrConflict
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.logger.Debug().Str("provider_id", providerID).Int("attempt", attempt).Msg("Request changed concurrently, retrying")
	}
}

// SubscribeSlot reports the provider's slot on start and whenever it
// changes. Store failures are retried, never surfaced.
func (m *Mailbox) SubscribeSlot(ctx context.Context, providerID string, onChange func(*models.Request)) {
	var last []byte
	delivered := false
	repository.Follow(ctx, m.store, models.MailboxPrefix, func(ctx context.Context) error {
		raw, err := m.store.Get(ctx, key(providerID))
		if err != nil {
			return err
		}
		if delivered && bytes.Equal(raw, last) && (raw == nil) == (last == nil) {
			return nil
		}
		last, delivered = raw, true
		onChange(m.decode(raw))
		return nil
	}, m.backoff, m.logger)
}

// SubscribeAll reports every slot on start and after each change.
func (m *Mailbox) SubscribeAll(ctx context.Context, onChange func([]*models.Request)) {
	repository.Follow(ctx, m.store, models.MailboxPrefix, func(ctx context.Context) error {
		reqs, err := m.Snapshot(ctx)
		if err != nil {
			return err
		}
		onChange(reqs)
		return nil
	}, m.backoff, m.logger)
}

// ExpirePending cancels pending requests not updated within ttl and
// returns how many were cancelled.
func (m *Mailbox) ExpirePending(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	reqs, err := m.Snapshot(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := m.now().Add(-ttl)
	expired := 0
	for _, req := range reqs {
		if req.Status != models.RequestPending || req.UpdatedAt.After(cutoff) {
			continue
		}
		cancelled := false
		_, err := m.update(ctx, req.ProviderID, m.retries, func(cur *models.Request) (*models.Request, bool, error) {
			cancelled = false
			// a fresh proposal or an acceptance raced the sweep
			if cur == nil || cur.Status != models.RequestPending || cur.UpdatedAt.After(cutoff) {
				return cur, false, nil
			}
			cancelled = true
			return m.advance(cur, models.RequestCancelled, func(next *models.Request) {
				next.Cancellation = &models.CancellationPart{Reason: "expired", By: "system"}
			})
		})
		if err != nil {
			m.logger.Warn().Err(err).Str("provider_id", req.ProviderID).Msg("Failed to expire pending request")
			continue
		}
		if cancelled {
			expired++
		}
	}
	return expired, nil
}
