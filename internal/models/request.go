package models

import (
	"errors"
	"fmt"
	"time"
)

// Request is the single mailbox slot held for a provider.
// Status-specific data lives in the optional parts; Validate enforces
// which parts each status must carry.
type Request struct {
	ProviderID   string    `json:"providerId"`
	CustomerID   string    `json:"from"`
	CustomerName string    `json:"customerName,omitempty"`
	ProviderName string    `json:"providerName,omitempty"`
	Status       string    `json:"status"`
	Version      int64     `json:"version"`
	BookingID    string    `json:"bookingId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`

	Accepted     *AcceptedPart     `json:"accepted,omitempty"`
	Payment      *PaymentPart      `json:"payment,omitempty"`
	Cancellation *CancellationPart `json:"cancellation,omitempty"`
}

// AcceptedPart is carried from acceptance onward.
type AcceptedPart struct {
	At time.Time `json:"at"`
}

// PaymentPart is carried once the customer has paid.
type PaymentPart struct {
	Amount float64   `json:"amount"`
	PaidAt time.Time `json:"paidAt"`
}

// CancellationPart is carried only by cancelled slots.
type CancellationPart struct {
	Reason string `json:"reason,omitempty"`
	By     string `json:"by,omitempty"`
}

var requestTransitions = map[string][]string{
	RequestPending:           {RequestAccepted, RequestRejected, RequestCancelled},
	RequestAccepted:          {RequestWaitingForPayment, RequestCancelled},
	RequestWaitingForPayment: {RequestPaid, RequestCancelled},
	RequestPaid:              {RequestClosed},
}

// CanTransitionRequest reports whether a slot may move from one status to another.
func CanTransitionRequest(from, to string) bool {
	for _, next := range requestTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalRequest reports whether no further transition is allowed.
func IsTerminalRequest(status string) bool {
	switch status {
	case RequestRejected, RequestCancelled, RequestClosed:
		return true
	}
	return false
}

// KnownRequestStatus reports whether status is a mailbox status.
func KnownRequestStatus(status string) bool {
	switch status {
	case RequestPending, RequestAccepted, RequestRejected, RequestWaitingForPayment,
		RequestPaid, RequestClosed, RequestCancelled:
		return true
	}
	return false
}

// IsActive reports whether the slot represents an ongoing engagement.
func (r *Request) IsActive() bool {
	return r != nil && !IsTerminalRequest(r.Status)
}

// IsSettled reports whether the request was declined or cancelled. Such a
// slot only carries an outcome for the other party to see.
func (r *Request) IsSettled() bool {
	return r != nil && (r.Status == RequestRejected || r.Status == RequestCancelled)
}

// Validate checks that the slot carries exactly the parts its status requires.
func (r *Request) Validate() error {
	if r == nil {
		return errors.New("request is nil")
	}
	if r.ProviderID == "" || r.CustomerID == "" {
		return errors.New("request must name provider and customer")
	}
	if !KnownRequestStatus(r.Status) {
		return fmt.Errorf("unknown request status %q", r.Status)
	}

	switch r.Status {
	case RequestPending:
		if r.BookingID != "" || r.Accepted != nil || r.Payment != nil {
			return errors.New("pending request carries acceptance data")
		}
	case RequestAccepted:
		if r.Accepted == nil {
			return errors.New("accepted request has no acceptance time")
		}
	case RequestWaitingForPayment:
		if r.BookingID == "" {
			return errors.New("waiting_for_payment request has no booking id")
		}
	case RequestPaid, RequestClosed:
		if r.BookingID == "" || r.Payment == nil {
			return fmt.Errorf("%s request has no payment", r.Status)
		}
	case RequestCancelled:
		if r.Cancellation == nil {
			return errors.New("cancelled request has no cancellation")
		}
	}

	if r.Status != RequestCancelled && r.Cancellation != nil {
		return errors.New("only cancelled requests carry a cancellation")
	}
	if r.Status != RequestPaid && r.Status != RequestClosed && r.Payment != nil {
		return errors.New("only paid requests carry a payment")
	}
	return nil
}

// Clone returns a deep copy.
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	c := *r
	if r.Accepted != nil {
		a := *r.Accepted
		c.Accepted = &a
	}
	if r.Payment != nil {
		p := *r.Payment
		c.Payment = &p
	}
	if r.Cancellation != nil {
		x := *r.Cancellation
		c.Cancellation = &x
	}
	return &c
}
