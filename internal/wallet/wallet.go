// Package wallet defines the funds-source collaborator used by the
// internal gateway: balances keyed by an owner handle, with atomic
// deduction. Ledger persistence is owned by the caller; the memory
// implementation here backs tests and the demo server.
package wallet

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds indicates a deduction larger than the balance.
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	// ErrUnknownOwner indicates no wallet exists for the owner handle.
	ErrUnknownOwner = errors.New("wallet: unknown owner")
)

// Owner identifies a funds source: the polymorphic owner type plus its id.
type Owner struct {
	Type string
	ID   string
}

func (o Owner) key() string { return o.Type + ":" + o.ID }

// Service is the funds-source contract. Deduct must fail atomically
// (no partial deduction) when the balance is insufficient.
type Service interface {
	Balance(owner Owner) (decimal.Decimal, error)
	Deduct(owner Owner, amount decimal.Decimal, memo string) error
	AddFunds(owner Owner, amount decimal.Decimal, memo string) error
}

type entry struct {
	balance decimal.Decimal
	memos   []string
}

// MemoryService is a mutex-guarded in-process ledger.
type MemoryService struct {
	mu      sync.Mutex
	wallets map[string]*entry
}

func NewMemoryService() *MemoryService {
	return &MemoryService{wallets: make(map[string]*entry)}
}

// Seed sets an owner's starting balance, creating the wallet if needed.
func (s *MemoryService) Seed(owner Owner, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[owner.key()] = &entry{balance: balance}
}

func (s *MemoryService) Balance(owner Owner) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.wallets[owner.key()]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownOwner, owner.key())
	}
	return e.balance, nil
}

func (s *MemoryService) Deduct(owner Owner, amount decimal.Decimal, memo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.wallets[owner.key()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOwner, owner.key())
	}
	if e.balance.LessThan(amount) {
		return fmt.Errorf("%w: balance %s, requested %s", ErrInsufficientFunds, e.balance, amount)
	}
	e.balance = e.balance.Sub(amount)
	e.memos = append(e.memos, memo)
	return nil
}

func (s *MemoryService) AddFunds(owner Owner, amount decimal.Decimal, memo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.wallets[owner.key()]
	if !ok {
		e = &entry{balance: decimal.Zero}
		s.wallets[owner.key()] = e
	}
	e.balance = e.balance.Add(amount)
	e.memos = append(e.memos, memo)
	return nil
}
