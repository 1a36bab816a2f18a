package models

import "time"

// Rating is an append-only review of a closed job.
type Rating struct {
	ID         string    `json:"id"`
	BookingID  string    `json:"booking_id"`
	ProviderID string    `json:"provider_id"`
	CustomerID string    `json:"customer_id"`
	Score      int       `json:"score"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Payment is a ledger entry for a settled booking.
type Payment struct {
	ID        string    `json:"id"`
	BookingID string    `json:"booking_id"`
	Amount    float64   `json:"amount"`
	PayerID   string    `json:"payer_id"`
	PayeeID   string    `json:"payee_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// Receipt is the customer-facing record of a payment.
type Receipt struct {
	ID           string    `json:"id"`
	BookingID    string    `json:"booking_id"`
	PaymentID    string    `json:"payment_id"`
	Amount       float64   `json:"amount"`
	CustomerID   string    `json:"customer_id"`
	CustomerName string    `json:"customer_name"`
	ProviderID   string    `json:"provider_id"`
	ProviderName string    `json:"provider_name"`
	CreatedAt    time.Time `json:"created_at"`
}

// ProviderProfile holds the derived aggregates for a cleaner.
type ProviderProfile struct {
	ID            string     `json:"id"`
	DisplayName   string     `json:"display_name"`
	AverageRating float64    `json:"average_rating"`
	RatingCount   int        `json:"rating_count"`
	CompletedJobs int        `json:"completed_jobs"`
	LastRatedAt   *time.Time `json:"last_rated_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// RatingAggregate is the recomputed state written after a rating.
type RatingAggregate struct {
	ProviderID string
	BookingID  string
	Average    float64
	Count      int
	RatedAt    time.Time
}
