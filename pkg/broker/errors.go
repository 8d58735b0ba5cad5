package broker

import (
	"errors"
	"fmt"
)

// Kind classifies a venue error for retry and circuit decisions.
type Kind int

const (
	// KindTransient covers timeouts, connection resets and 5xx
	// responses. Safe to retry.
	KindTransient Kind = iota
	// KindThrottled covers explicit rate-limit responses (HTTP 429 or
	// venue-specific throttle codes). Never retried within a cycle.
	KindThrottled
	// KindValidation covers requests the venue rejected as malformed
	// or unfillable. Retrying the same request cannot succeed.
	KindValidation
	// KindUnexpected covers everything else; treated as transient for
	// retry purposes but logged loudly.
	KindUnexpected
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindThrottled:
		return "throttled"
	case KindValidation:
		return "validation"
	default:
		return "unexpected"
	}
}

// Error is a classified venue error.
type Error struct {
	Kind   Kind
	Venue  string
	Op     string
	Status int // HTTP status when applicable, 0 otherwise
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: %s (status %d): %v", e.Venue, e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Venue, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrBalanceTimeout marks a balance probe that exceeded its deadline.
var ErrBalanceTimeout = errors.New("broker: balance fetch timed out")

// KindOf extracts the error kind; unknown errors map to KindUnexpected.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindUnexpected
}

// classifyStatus maps an HTTP status to an error kind.
func classifyStatus(status int) Kind {
	switch {
	case status == 429:
		return KindThrottled
	case status >= 500:
		return KindTransient
	case status >= 400:
		return KindValidation
	default:
		return KindUnexpected
	}
}
