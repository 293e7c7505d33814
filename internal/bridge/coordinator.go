// coordinator.go - State machine for bridging external-chain liquidity
// into the vault's asset domain.
//
// The coordinator runs independently of the vault operation pipeline. Quotes
// are fetched freely while the user edits the amount; only the latest one is
// retained. CreateOrder is the single state-mutating call. Progress is
// polled, never pushed, and a completed order hands its output amount off to
// the configured callback. A rejected handoff is retried on the next poll;
// a successful one never repeats, however many times the bridge repeats the
// complete status.

package bridge

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"
)

var (
	// ErrNoQuote reports order creation without a prior quote.
	ErrNoQuote = errors.New("no quote fetched")
	// ErrOrderInFlight reports order creation while one is still moving.
	ErrOrderInFlight = errors.New("bridge order already in flight")
)

// Coordinator drives one bridge order at a time from pending to a terminal
// status.
type Coordinator struct {
	api          API
	pollInterval time.Duration
	onComplete   func(outputAmount *big.Int) error

	mu        sync.Mutex
	quote     *Quote
	order     *Order
	handedOff bool
	observers []func(Order)
}

// NewCoordinator creates an idle coordinator. onComplete receives the output
// amount of a completed order; an error keeps the handoff pending so the
// amount is never dropped. Nil disables the handoff.
func NewCoordinator(api API, pollInterval time.Duration, onComplete func(*big.Int) error) *Coordinator {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &Coordinator{api: api, pollInterval: pollInterval, onComplete: onComplete}
}

// Subscribe registers an observer called on every order change.
func (c *Coordinator) Subscribe(fn func(Order)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// FetchQuote prices a prospective order. Idempotent; call it as often as the
// amount changes, the latest quote replaces any earlier one.
func (c *Coordinator) FetchQuote(ctx context.Context, amount *big.Int) (*Quote, error) {
	q, err := c.api.Quote(ctx, amount)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.quote = q
	c.mu.Unlock()
	return q, nil
}

// LatestQuote returns the most recently fetched quote, or nil.
func (c *Coordinator) LatestQuote() *Quote {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.quote
}

// CreateOrder opens a bridge order against the latest quote and starts it
// pending. One order at a time; a terminal order is replaced.
func (c *Coordinator) CreateOrder(ctx context.Context, sourceAddr, destAddr string, amount *big.Int) (*Order, error) {
	c.mu.Lock()
	if c.quote == nil {
		c.mu.Unlock()
		return nil, ErrNoQuote
	}
	if c.order != nil && !c.order.Status.Terminal() {
		c.mu.Unlock()
		return nil, ErrOrderInFlight
	}
	minOut := c.quote.DestinationAmount
	c.mu.Unlock()

	order, err := c.api.CreateOrder(ctx, sourceAddr, destAddr, amount, minOut)
	if err != nil {
		return nil, err
	}
	if order.Status == "" {
		order.Status = StatusPending
	}

	c.mu.Lock()
	c.order = order
	c.handedOff = false
	obs, snap := c.observers, *order
	c.mu.Unlock()
	for _, fn := range obs {
		fn(snap)
	}
	return order, nil
}

// Snapshot returns a copy of the current order, or nil when none exists.
func (c *Coordinator) Snapshot() *Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.order == nil {
		return nil
	}
	cp := *c.order
	return &cp
}

// Run polls the current order until it reaches a terminal status or the
// context is cancelled. Transient poll failures are tolerated; the loop
// keeps going until cancellation. Returns the terminal order.
func (c *Coordinator) Run(ctx context.Context) (*Order, error) {
	c.mu.Lock()
	order := c.order
	c.mu.Unlock()
	if order == nil {
		return nil, errors.New("no order to track")
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		latest, err := c.api.PollOrder(ctx, order.ID)
		if err == nil {
			c.apply(latest)
			if latest.Status.Terminal() && c.handoffSettled(latest.Status) {
				return c.Snapshot(), nil
			}
		}
		select {
		case <-ctx.Done():
			return c.Snapshot(), ctx.Err()
		case <-ticker.C:
		}
	}
}

// handoffSettled reports whether a terminal order still owes a completion
// handoff. Run keeps polling a complete order until the handoff lands.
func (c *Coordinator) handoffSettled(status OrderStatus) bool {
	if status != StatusComplete || c.onComplete == nil {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handedOff
}

// apply records a polled order state and fires the completion handoff.
// The handedOff flag is claimed under the lock before the callback runs and
// released again if the callback rejects the amount, so a successful handoff
// happens once and a rejected one is retried on the next poll.
func (c *Coordinator) apply(latest *Order) {
	c.mu.Lock()
	if c.order == nil || c.order.ID != latest.ID {
		c.mu.Unlock()
		return
	}
	changed := c.order.Status != latest.Status ||
		c.order.Confirmations != latest.Confirmations
	c.order = latest
	var handoff func(*big.Int) error
	if latest.Status == StatusComplete && !c.handedOff && c.onComplete != nil {
		c.handedOff = true
		handoff = c.onComplete
	}
	var obs []func(Order)
	if changed {
		obs = c.observers
	}
	snap := *latest
	c.mu.Unlock()

	for _, fn := range obs {
		fn(snap)
	}
	if handoff != nil {
		if err := handoff(latest.OutputAmount); err != nil {
			c.mu.Lock()
			c.handedOff = false
			c.mu.Unlock()
		}
	}
}
