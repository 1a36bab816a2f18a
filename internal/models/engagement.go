package models

import "time"

// Engagement is a session's current pairing with a counterpart.
type Engagement struct {
	ProviderID   string `json:"provider_id"`
	CustomerID   string `json:"customer_id"`
	BookingID    string `json:"booking_id,omitempty"`
	Status       string `json:"status"`
	ProviderName string `json:"provider_name,omitempty"`
	CustomerName string `json:"customer_name,omitempty"`
}

// EngagementFrom derives an engagement from a mailbox slot.
func EngagementFrom(r *Request) *Engagement {
	if r == nil {
		return nil
	}
	return &Engagement{
		ProviderID:   r.ProviderID,
		CustomerID:   r.CustomerID,
		BookingID:    r.BookingID,
		Status:       r.Status,
		ProviderName: r.ProviderName,
		CustomerName: r.CustomerName,
	}
}

// Notice is a user-visible message produced by the lifecycle.
type Notice struct {
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Severity  string    `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}

// Trigger asks the client to open a flow for a booking.
type Trigger struct {
	Kind       string    `json:"kind"`
	BookingID  string    `json:"booking_id"`
	ProviderID string    `json:"provider_id"`
	CreatedAt  time.Time `json:"created_at"`
}
