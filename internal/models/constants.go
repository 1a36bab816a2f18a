package models

// Participant roles as they appear on the presence feed.
const (
	RoleCustomer = "customer"
	RoleProvider = "cleaner"
	RoleViewer   = "viewer"
)

// Mailbox slot statuses.
const (
	RequestPending           = "pending"
	RequestAccepted          = "accepted"
	RequestRejected          = "rejected"
	RequestWaitingForPayment = "waiting_for_payment"
	RequestPaid              = "paid"
	RequestClosed            = "closed"
	RequestCancelled         = "cancelled"
)

// Durable booking statuses.
const (
	StatusPending   = "pending"
	StatusAccepted  = "accepted"
	StatusCompleted = "completed"
	StatusPaid      = "paid"
	StatusClosed    = "closed"
	StatusCancelled = "cancelled"
)

// Notice severities.
const (
	SeverityInfo    = "info"
	SeveritySuccess = "success"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Triggers asking the client to open a flow.
const (
	TriggerOpenPayment = "open_payment"
	TriggerOpenRating  = "open_rating"
)

// Pending write kinds replayed by the reconciler.
const (
	WriteMailboxStamp  = "mailbox_stamp"
	WriteMailboxStatus = "mailbox_status"
	WriteMailboxClear  = "mailbox_clear"
	WriteBookingStatus = "booking_status"
	WriteAggregate     = "aggregate"
	WritePaymentRecord = "payment_record"
)

// Pending write states.
const (
	WritePending   = "pending"
	WriteRetry     = "retry"
	WriteCompleted = "completed"
	WriteFailed    = "failed"
)

const (
	// PresencePrefix namespaces presence records in the ephemeral store.
	PresencePrefix = "locations"

	// MailboxPrefix namespaces request slots in the ephemeral store.
	MailboxPrefix = "requests"

	// DefaultServiceType is stamped on bookings created from an accepted request.
	DefaultServiceType = "Standard Cleaning"

	// PaymentSuccessful is the only status a recorded payment carries.
	PaymentSuccessful = "successful"

	// MinScore and MaxScore bound a rating.
	MinScore = 1
	MaxScore = 5
)
