// Package ledger meters credits. A request reserves its cost up front with
// an atomic check-and-decrement, then either commits the reservation or
// refunds it exactly once.
package ledger

import (
	"context"
	"log/slog"
	"sync"

	"github.com/m4xw311/canvasd/errors"
)

// Store is an account backend. Debit must check and decrement in one atomic
// step, failing with InsufficientCredit (balance unchanged) or NotFound.
type Store interface {
	Debit(ctx context.Context, subject string, amount int64) (int64, error)
	Credit(ctx context.Context, subject string, amount int64) (int64, error)
	Balance(ctx context.Context, subject string) (int64, error)
	// Grant adds amount to an account, creating it if needed.
	Grant(ctx context.Context, subject string, amount int64) (int64, error)
}

func ErrInsufficientCredit() error {
	return errors.E(errors.InsufficientCredit, "Insufficient credits")
}

func ErrAccountNotFound() error {
	return errors.E(errors.NotFound, "User profile not found")
}

type Ledger struct {
	store  Store
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Ledger{store: store, logger: logger}
}

// Reserve debits amount from subject's balance.
func (l *Ledger) Reserve(ctx context.Context, subject string, amount int64) (*Reservation, error) {
	if amount <= 0 {
		return nil, errors.E(errors.InvalidInput, "reservation amount must be positive")
	}
	remaining, err := l.store.Debit(ctx, subject, amount)
	if err != nil {
		l.logger.Info("credit reservation refused", "subject", subject, "amount", amount, "error", err)
		return nil, err
	}
	l.logger.Debug("credit reserved", "subject", subject, "amount", amount, "remaining", remaining)
	return &Reservation{ledger: l, Subject: subject, Amount: amount, Remaining: remaining}, nil
}

// Refund returns amount to subject's balance. It is the raw operation
// behind Reservation.Refund and does not guard against double refunds.
func (l *Ledger) Refund(ctx context.Context, subject string, amount int64) error {
	if amount <= 0 {
		return errors.E(errors.InvalidInput, "refund amount must be positive")
	}
	balance, err := l.store.Credit(ctx, subject, amount)
	if err != nil {
		return err
	}
	l.logger.Debug("credit refunded", "subject", subject, "amount", amount, "balance", balance)
	return nil
}

func (l *Ledger) Balance(ctx context.Context, subject string) (int64, error) {
	return l.store.Balance(ctx, subject)
}

func (l *Ledger) Grant(ctx context.Context, subject string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, errors.E(errors.InvalidInput, "grant amount must be positive")
	}
	return l.store.Grant(ctx, subject, amount)
}

type reservationState int

const (
	reserved reservationState = iota
	committed
	refunded
)

// Reservation is a debit awaiting settlement. Commit and Refund are
// mutually exclusive; whichever runs first wins and later calls report
// false.
type Reservation struct {
	ledger    *Ledger
	Subject   string
	Amount    int64
	Remaining int64

	mu    sync.Mutex
	state reservationState
}

// Commit keeps the debit.
func (r *Reservation) Commit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != reserved {
		return false
	}
	r.state = committed
	return true
}

// Refund credits the amount back. It runs even when ctx is already
// cancelled, since cancellation is one of the reasons to refund. A failed
// refund is still final; the error is returned for logging.
func (r *Reservation) Refund(ctx context.Context) (bool, error) {
	r.mu.Lock()
	if r.state != reserved {
		r.mu.Unlock()
		return false, nil
	}
	r.state = refunded
	r.mu.Unlock()

	if err := r.ledger.Refund(context.WithoutCancel(ctx), r.Subject, r.Amount); err != nil {
		r.ledger.logger.Error("credit refund failed", "subject", r.Subject, "amount", r.Amount, "error", err)
		return true, err
	}
	return true, nil
}

// Settled reports whether Commit or Refund has run.
func (r *Reservation) Settled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state != reserved
}

// Memory is an in-process Store.
type Memory struct {
	mu       sync.Mutex
	balances map[string]int64
}

func NewMemory() *Memory {
	return &Memory{balances: make(map[string]int64)}
}

func (m *Memory) Debit(_ context.Context, subject string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, ok := m.balances[subject]
	if !ok {
		return 0, ErrAccountNotFound()
	}
	if balance < amount {
		return balance, ErrInsufficientCredit()
	}
	m.balances[subject] = balance - amount
	return balance - amount, nil
}

func (m *Memory) Credit(_ context.Context, subject string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, ok := m.balances[subject]
	if !ok {
		return 0, ErrAccountNotFound()
	}
	m.balances[subject] = balance + amount
	return balance + amount, nil
}

func (m *Memory) Balance(_ context.Context, subject string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	balance, ok := m.balances[subject]
	if !ok {
		return 0, ErrAccountNotFound()
	}
	return balance, nil
}

func (m *Memory) Grant(_ context.Context, subject string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[subject] += amount
	return m.balances[subject], nil
}
