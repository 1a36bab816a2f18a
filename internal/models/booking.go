package models

import "time"

type Booking struct {
	ID           string      `json:"id"`
	CustomerID   string      `json:"customer_id"`
	ProviderID   string      `json:"provider_id"`
	CustomerName string      `json:"customer_name"`
	ProviderName string      `json:"provider_name"`
	ServiceType  string      `json:"service_type"`
	Location     Coordinates `json:"location"`
	Price        float64     `json:"price"`
	Status       string      `json:"status"` // pending, accepted, completed, paid, closed, cancelled
	PaidAmount   *float64    `json:"paid_amount,omitempty"`
	PaidAt       *time.Time  `json:"paid_at,omitempty"`
	ClosedAt     *time.Time  `json:"closed_at,omitempty"`
	Rated        bool        `json:"rated"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	Version      int64       `json:"version"`
}

// BookingChange carries the fields stamped alongside a status transition.
type BookingChange struct {
	Status       string
	CustomerName string
	ProviderName string
	PaidAmount   *float64
	PaidAt       *time.Time
	ClosedAt     *time.Time
}

var bookingTransitions = map[string][]string{
	StatusPending:   {StatusAccepted, StatusCancelled},
	StatusAccepted:  {StatusCompleted, StatusCancelled},
	StatusCompleted: {StatusPaid, StatusClosed, StatusCancelled},
	StatusPaid:      {StatusClosed},
}

// CanTransitionBooking reports whether a booking may move between statuses.
func CanTransitionBooking(from, to string) bool {
	for _, next := range bookingTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminalBooking reports whether the booking is closed or cancelled.
func IsTerminalBooking(status string) bool {
	return status == StatusClosed || status == StatusCancelled
}

// Rateable reports whether a rating may be recorded for the booking.
func (b *Booking) Rateable() bool {
	return b != nil && (b.Status == StatusCompleted || b.Status == StatusPaid)
}
