package strategy

import "context"

// Side mirrors the order side a signal asks for.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Signal is one trade intent produced for an account.
type Signal struct {
	Symbol   string  `json:"symbol"`
	Side     Side    `json:"side"`
	Notional float64 `json:"notional"` // USD
}

// Provider produces trade signals for an account's symbol batch.
// Implementations must be safe for concurrent use; trading loops for
// different accounts call Signals concurrently.
type Provider interface {
	// Signals returns zero or more intents for the given symbols. An
	// empty slice with nil error means "nothing to do this cycle".
	Signals(ctx context.Context, accountID string, symbols []string) ([]Signal, error)
}
