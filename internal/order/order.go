// Package order defines the contract the payment core expects from the
// order/transaction aggregate. Orders are owned by the caller; the core
// only reads the total and flips the lifecycle on terminal payment
// outcomes.
package order

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Order is the external collaborator that owns line items and pricing.
// Complete and Cancel must be side-effect-free when the order is already
// in the requested state.
type Order interface {
	ID() string
	Total() decimal.Decimal
	Complete() bool
	Cancel() bool
}

// Resolver looks an order up by id. Webhook and verify paths only carry
// an order id on the payment record, so gateways resolve through this.
type Resolver interface {
	Find(ctx context.Context, id string) (Order, error)
}

// Status values for the memory implementation.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// MemoryOrder is a minimal in-process Order used by the demo server and
// the test suites.
type MemoryOrder struct {
	mu     sync.Mutex
	id     string
	total  decimal.Decimal
	status string

	completions int
}

// NewMemoryOrder creates a pending order with the given total.
func NewMemoryOrder(id string, total decimal.Decimal) *MemoryOrder {
	return &MemoryOrder{id: id, total: total, status: StatusPending}
}

func (o *MemoryOrder) ID() string { return o.id }

func (o *MemoryOrder) Total() decimal.Decimal { return o.total }

// Status reports the current lifecycle state.
func (o *MemoryOrder) Status() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Completions reports how many Complete calls actually flipped state.
// Used by tests asserting at-most-once completion.
func (o *MemoryOrder) Completions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.completions
}

func (o *MemoryOrder) Complete() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status == StatusCompleted {
		return true
	}
	o.status = StatusCompleted
	o.completions++
	return true
}

func (o *MemoryOrder) Cancel() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status == StatusCompleted {
		return false
	}
	o.status = StatusCancelled
	return true
}

// MemoryResolver is a map-backed Resolver.
type MemoryResolver struct {
	mu     sync.RWMutex
	orders map[string]Order
}

func NewMemoryResolver() *MemoryResolver {
	return &MemoryResolver{orders: make(map[string]Order)}
}

func (r *MemoryResolver) Add(o Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[o.ID()] = o
}

func (r *MemoryResolver) Find(_ context.Context, id string) (Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("order: not found: %s", id)
	}
	return o, nil
}
