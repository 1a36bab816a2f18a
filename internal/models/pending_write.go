package models

import "time"

// PendingWrite records a saga step that still has to be applied.
type PendingWrite struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind"`
	BookingID   string     `json:"booking_id"`
	ProviderID  string     `json:"provider_id"`
	Payload     string     `json:"payload"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	LastError   *string    `json:"last_error"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at"`
	NextRetryAt *time.Time `json:"next_retry_at"`
}

// StatusWrite is the payload of mailbox_status and booking_status writes.
type StatusWrite struct {
	Status string   `json:"status"`
	Amount *float64 `json:"amount,omitempty"`
	Reason string   `json:"reason,omitempty"`
	By     string   `json:"by,omitempty"`
}
