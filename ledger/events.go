package ledger

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

// BalanceChanged is published after every committed transaction.
type BalanceChanged struct {
	Key             Key
	TransactionID   TransactionID
	Type            TransactionType
	PreviousBalance decimal.Decimal
	NewBalance      decimal.Decimal
	Record          BalanceRecord
	Force           bool
}

// Handler consumes domain events from a Bus.
type Handler func(ctx context.Context, ev BalanceChanged) error

// Bus delivers events synchronously to handlers in subscription order.
// Storage publishes; the notification engine and any other listener
// subscribe, so neither side knows about the other.
type Bus struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Publish runs every handler, even after one fails, and joins their errors.
func (b *Bus) Publish(ctx context.Context, ev BalanceChanged) error {
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers...)
	b.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
