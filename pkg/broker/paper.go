package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Paper is an in-process venue simulator. It fills every well-formed
// order immediately and keeps them in memory, so dry-run mode and tests
// exercise the exact dispatch path live trading uses.
type Paper struct {
	venue   string
	latency time.Duration

	mu      sync.Mutex
	balance float64
	open    map[string]OrderRequest
	filled  []OrderRequest
	queued  []error // injected failures, consumed FIFO
}

// NewPaper creates a simulator for the named venue with a starting
// balance.
func NewPaper(venue string, balance float64) *Paper {
	return &Paper{
		venue:   venue,
		balance: balance,
		open:    make(map[string]OrderRequest),
	}
}

// SetLatency makes every call sleep for d before answering.
func (p *Paper) SetLatency(d time.Duration) { p.latency = d }

// FailNext queues an error returned by the next PlaceOrder call.
// Queued errors are consumed in order.
func (p *Paper) FailNext(err error) {
	p.mu.Lock()
	p.queued = append(p.queued, err)
	p.mu.Unlock()
}

func (p *Paper) Name() string        { return p.venue }
func (p *Paper) RequiresNonce() bool { return false }

func (p *Paper) wait(ctx context.Context) error {
	if p.latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(p.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Paper) GetBalance(ctx context.Context) (float64, error) {
	if err := p.wait(ctx); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest, _ uint64) (OrderResult, error) {
	if err := p.wait(ctx); err != nil {
		return OrderResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queued) > 0 {
		err := p.queued[0]
		p.queued = p.queued[1:]
		return OrderResult{}, err
	}
	if req.Notional <= 0 {
		return OrderResult{}, &Error{
			Kind: KindValidation, Venue: p.venue, Op: "PlaceOrder",
			Err: fmt.Errorf("non-positive notional %.2f", req.Notional),
		}
	}
	if req.Side == SideBuy && req.Notional > p.balance {
		return OrderResult{}, &Error{
			Kind: KindValidation, Venue: p.venue, Op: "PlaceOrder",
			Err: fmt.Errorf("insufficient balance: need %.2f, have %.2f", req.Notional, p.balance),
		}
	}
	if req.Side == SideBuy {
		p.balance -= req.Notional
	} else {
		p.balance += req.Notional
	}
	p.filled = append(p.filled, req)
	return OrderResult{
		VenueOrderID: "paper-" + req.OrderID,
		Status:       StatusFilled,
	}, nil
}

// Rest parks an order as open without filling it.
func (p *Paper) Rest(req OrderRequest) {
	p.mu.Lock()
	p.open[req.OrderID] = req
	p.mu.Unlock()
}

// RestingOrders reports the count of open, unfilled orders.
func (p *Paper) RestingOrders() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.open)
}

func (p *Paper) CancelAllOpenOrders(ctx context.Context) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	p.open = make(map[string]OrderRequest)
	p.mu.Unlock()
	return nil
}

// Filled returns a copy of the orders filled so far.
func (p *Paper) Filled() []OrderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OrderRequest, len(p.filled))
	copy(out, p.filled)
	return out
}
