// Package dispatch issues orders to venue clients under the combined
// control of the circuit breaker board, the rate governor and the nonce
// authority. It retries soft failures a bounded number of times and
// feeds every outcome back into the adaptive controls.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"broker-core/internal/account"
	"broker-core/internal/audit"
	"broker-core/internal/breaker"
	"broker-core/internal/events"
	"broker-core/internal/monitor"
	"broker-core/internal/nonce"
	"broker-core/internal/ratelimit"
	"broker-core/pkg/broker"
	"broker-core/pkg/db"
)

const (
	maxRetries  = 2
	backoffBase = 250 * time.Millisecond
	backoffCap  = 2 * time.Second
)

// ErrCircuitOpen is returned when the target venue's breaker blocks the
// call before it starts.
var ErrCircuitOpen = errors.New("dispatch: circuit open")

// ClientSource resolves venue clients; satisfied by *broker.Factory.
type ClientSource interface {
	Client(acct account.Account, brk account.Broker) (broker.Client, error)
}

// Dispatcher executes accepted orders.
type Dispatcher struct {
	registry *account.Registry
	clients  ClientSource
	board    *breaker.Board
	governor *ratelimit.Governor
	nonces   *nonce.Authority
	audit    *audit.Recorder
	bus      *events.Bus
	metrics  *monitor.ExecMetrics

	sleep func(ctx context.Context, d time.Duration) error
}

func New(registry *account.Registry, clients ClientSource, board *breaker.Board,
	governor *ratelimit.Governor, nonces *nonce.Authority, rec *audit.Recorder,
	bus *events.Bus, metrics *monitor.ExecMetrics) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		clients:  clients,
		board:    board,
		governor: governor,
		nonces:   nonces,
		audit:    rec,
		bus:      bus,
		metrics:  metrics,
		sleep:    sleepCtx,
	}
}

// Execute places one order. The returned state is a terminal order
// state; err is non-nil for every state except SUBMITTED and FILLED.
func (d *Dispatcher) Execute(ctx context.Context, ord db.Order) (string, error) {
	acct, ok := d.registry.Get(ord.AccountID)
	if !ok {
		return db.OrderFailed, fmt.Errorf("dispatch: unknown account %s", ord.AccountID)
	}
	brk, ok := d.registry.Broker(ord.Broker)
	if !ok {
		return db.OrderFailed, fmt.Errorf("dispatch: unknown broker %s", ord.Broker)
	}
	client, err := d.clients.Client(acct, brk)
	if err != nil {
		return db.OrderFailed, fmt.Errorf("dispatch: venue client: %w", err)
	}

	if d.board.IsOpen(brk.Name) {
		d.audit.Record(ord.AccountID, "dispatch.blocked", ord.ID, "circuit open", ord)
		return db.OrderFailed, fmt.Errorf("%w: %s", ErrCircuitOpen, brk.Name)
	}

	req := broker.OrderRequest{
		OrderID:  ord.ID,
		Symbol:   ord.Symbol,
		Side:     broker.Side(ord.Side),
		Notional: ord.Notional,
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if dl, ok := ctx.Deadline(); ok {
			if wait := d.governor.Reserve(brk.Name, ratelimit.ClassOrders); time.Until(dl) < wait {
				d.audit.Record(ord.AccountID, "dispatch.aborted", ord.ID, "rate wait exceeds deadline", ord)
				return db.OrderFailed, fmt.Errorf("dispatch: rate wait %v exceeds deadline", wait)
			}
		}
		if err := d.governor.Wait(ctx, brk.Name, ratelimit.ClassOrders); err != nil {
			d.audit.Record(ord.AccountID, "dispatch.aborted", ord.ID, "rate wait: "+err.Error(), ord)
			return db.OrderFailed, fmt.Errorf("dispatch: rate wait: %w", err)
		}

		var n uint64
		if client.RequiresNonce() {
			n = d.nonces.Next()
		}

		timer := monitor.NewTimer(d.metrics.OrderLatency)
		result, err := client.PlaceOrder(ctx, req, n)
		timer.Stop()

		if err == nil {
			d.governor.RecordOutcome(brk.Name, ratelimit.ClassOrders, ratelimit.OutcomeSuccess)
			if d.board.RecordSuccess(brk.Name) {
				d.bus.Publish(events.EventCircuitRecovered, brk.Name)
				log.Printf("dispatch: circuit recovered for %s", brk.Name)
			}
			return d.succeed(ord, result)
		}
		lastErr = err

		switch broker.KindOf(err) {
		case broker.KindThrottled:
			// Hard failure: trip immediately, never retry this cycle.
			d.governor.RecordOutcome(brk.Name, ratelimit.ClassOrders, ratelimit.OutcomeThrottled)
			d.tripAndPublish(brk.Name, breaker.SeverityHard, err)
			d.audit.Record(ord.AccountID, "dispatch.throttled", ord.ID, err.Error(), ord)
			d.metrics.IncrementFailed()
			d.bus.Publish(events.EventOrderFailed, ord)
			return db.OrderFailed, err

		case broker.KindValidation:
			// The venue understood and refused; not a health signal.
			d.audit.Record(ord.AccountID, "dispatch.rejected", ord.ID, err.Error(), ord)
			d.metrics.IncrementRejected()
			d.bus.Publish(events.EventOrderRejected, ord)
			return db.OrderRejected, err

		default: // transient or unexpected
			d.governor.RecordOutcome(brk.Name, ratelimit.ClassOrders, ratelimit.OutcomeFailure)
			d.tripAndPublish(brk.Name, breaker.SeverityOrdinary, err)
		}

		if attempt >= maxRetries {
			break
		}
		d.metrics.IncrementRetries()
		backoff := backoffBase << attempt
		if backoff > backoffCap {
			backoff = backoffCap
		}
		log.Printf("dispatch: %s attempt %d failed, retrying in %v: %v", ord.ID, attempt+1, backoff, err)
		if err := d.sleep(ctx, backoff); err != nil {
			lastErr = err
			break
		}
		// Do not batter a breaker that tripped mid-retry.
		if d.board.IsOpen(brk.Name) {
			lastErr = fmt.Errorf("%w: %s", ErrCircuitOpen, brk.Name)
			break
		}
	}

	d.audit.Record(ord.AccountID, "dispatch.failed", ord.ID, lastErr.Error(), ord)
	d.metrics.IncrementFailed()
	d.bus.Publish(events.EventOrderFailed, ord)
	return db.OrderFailed, fmt.Errorf("dispatch: retries exhausted: %w", lastErr)
}

func (d *Dispatcher) succeed(ord db.Order, result broker.OrderResult) (string, error) {
	d.metrics.IncrementSubmitted()
	state := db.OrderSubmitted
	event := events.EventOrderSubmitted
	if result.Status == broker.StatusFilled {
		state = db.OrderFilled
		event = events.EventOrderFilled
		d.metrics.IncrementFilled()
	}
	d.audit.Record(ord.AccountID, "dispatch.success", ord.ID,
		fmt.Sprintf("%s venue_id=%s", state, result.VenueOrderID), ord)
	d.bus.Publish(event, ord)
	return state, nil
}

func (d *Dispatcher) tripAndPublish(brokerName string, severity breaker.Severity, cause error) {
	if d.board.RecordFailure(brokerName, severity) {
		d.metrics.IncrementTrips()
		d.bus.Publish(events.EventCircuitTripped, brokerName)
		log.Printf("dispatch: circuit tripped for %s: %v", brokerName, cause)
	}
}

// CancelAllOpen cancels every open order for the account's live broker
// candidates. Used on shutdown so a stopped operator never leaves
// resting orders behind; errors are collected per broker, not fatal.
func (d *Dispatcher) CancelAllOpen(ctx context.Context, acct account.Account) error {
	if !acct.Live {
		return nil
	}
	var errs []error
	for _, name := range acct.Candidates() {
		brk, ok := d.registry.Broker(name)
		if !ok {
			continue
		}
		client, err := d.clients.Client(acct, brk)
		if err != nil {
			continue
		}
		if err := d.governor.Wait(ctx, name, ratelimit.ClassOrders); err != nil {
			errs = append(errs, fmt.Errorf("%s: rate wait: %w", name, err))
			continue
		}
		if err := client.CancelAllOpenOrders(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		d.audit.Record(acct.ID, "dispatch.cancel_all", "", "cancelled open orders on "+name, nil)
	}
	return errors.Join(errs...)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
