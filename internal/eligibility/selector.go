package eligibility

import (
	"context"
	"fmt"
	"log"
	"time"

	"broker-core/internal/account"
	"broker-core/internal/breaker"
	"broker-core/pkg/broker"
)

const defaultBalanceTimeout = 5 * time.Second

// Choice is the venue picked for an account this cycle.
type Choice struct {
	Broker  account.Broker
	Client  broker.Client
	Balance float64
}

// ClientSource resolves a venue client for an account. Satisfied by
// *broker.Factory.
type ClientSource interface {
	Client(acct account.Account, brk account.Broker) (broker.Client, error)
}

// Selector walks an account's candidate venues in priority order and
// returns the first one that is healthy, reachable and sufficiently
// funded. A misbehaving venue client can stall or panic without taking
// the calling loop down with it.
type Selector struct {
	registry *account.Registry
	clients  ClientSource
	board    *breaker.Board
}

func NewSelector(registry *account.Registry, clients ClientSource, board *breaker.Board) *Selector {
	return &Selector{registry: registry, clients: clients, board: board}
}

// Select picks a venue for acct. When no candidate qualifies it returns
// nil and one human-readable reason per rejected candidate.
func (s *Selector) Select(ctx context.Context, acct account.Account) (*Choice, []string) {
	var reasons []string
	for _, name := range acct.Candidates() {
		brk, ok := s.registry.Broker(name)
		if !ok {
			reasons = append(reasons, fmt.Sprintf("%s: not configured", name))
			continue
		}
		if s.board.IsOpen(name) {
			reasons = append(reasons, fmt.Sprintf("%s: circuit open", name))
			continue
		}
		client, err := s.clients.Client(acct, brk)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		balance, err := s.probeBalance(ctx, brk, client)
		if err != nil {
			reasons = append(reasons, fmt.Sprintf("%s: balance probe: %v", name, err))
			continue
		}
		if balance < acct.MinBalance {
			reasons = append(reasons, fmt.Sprintf("%s: balance %.2f below floor %.2f", name, balance, acct.MinBalance))
			continue
		}
		return &Choice{Broker: brk, Client: client, Balance: balance}, nil
	}
	return nil, reasons
}

type balanceReply struct {
	balance float64
	err     error
}

// probeBalance fetches the balance under the venue's configured
// timeout. The fetch runs in its own goroutine so a client that
// ignores context cancellation still cannot block the loop; a late
// reply is discarded.
func (s *Selector) probeBalance(ctx context.Context, brk account.Broker, client broker.Client) (float64, error) {
	timeout := brk.BalanceTimeout
	if timeout <= 0 {
		timeout = defaultBalanceTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan balanceReply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("eligibility: %s balance probe panicked: %v", brk.Name, r)
				ch <- balanceReply{err: fmt.Errorf("venue client panicked: %v", r)}
			}
		}()
		b, err := client.GetBalance(probeCtx)
		ch <- balanceReply{balance: b, err: err}
	}()

	select {
	case r := <-ch:
		return r.balance, r.err
	case <-probeCtx.Done():
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, broker.ErrBalanceTimeout
	}
}
