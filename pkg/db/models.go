package db

import "time"

// Order lifecycle states. REJECTED, FAILED and FILLED are terminal.
const (
	OrderPendingApproval = "PENDING_APPROVAL"
	OrderRejected        = "REJECTED"
	OrderAccepted        = "ACCEPTED"
	OrderSubmitted       = "SUBMITTED"
	OrderFailed          = "FAILED"
	OrderFilled          = "FILLED"
	OrderSimulated       = "SIMULATED"
)

// Order represents an order lifecycle row.
type Order struct {
	ID        string
	AccountID string
	Broker    string
	Symbol    string
	Side      string
	Notional  float64
	Status    string
	Reason    string
	CreatedAt time.Time
}

// AuditRecord is an append-only log entry for one order lifecycle event.
// Never mutated after creation.
type AuditRecord struct {
	ID        string
	AccountID string
	Event     string
	OrderID   string
	Detail    string // JSON order snapshot / context
	Outcome   string
	CreatedAt time.Time
}

// PendingApproval wraps an order awaiting manual sign-off.
type PendingApproval struct {
	ID         string
	AccountID  string
	OrderJSON  string
	ReleasedBy string
	EnqueuedAt time.Time
}
