// Package accounts keeps per-device balances that are charged as devices use
// the voice service.
//
// A [Store] persists accounts. [MemStore] keeps them in process memory and
// [PostgresStore] in a PostgreSQL table. A [Ledger] applies the configured
// per-request cost on top of a Store and is what the billing side-effect
// calls.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Defaults for newly created accounts.
const (
	DefaultBalance = 1000.0
	DefaultBattery = 100
	DefaultCost    = 0.5
)

// ErrInsufficientBalance is returned by [Store.Deduct] when the account cannot
// cover the amount. The account is left unchanged.
var ErrInsufficientBalance = errors.New("accounts: insufficient balance")

// Account is the billing state of one device.
type Account struct {
	DeviceID      string    `json:"user_id"`
	Balance       float64   `json:"balance"`
	Battery       int       `json:"battery"`
	TotalRequests int64     `json:"total_requests"`
	TotalCost     float64   `json:"total_cost"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store persists accounts. Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the account of deviceID, or (nil, nil) when none exists.
	Get(ctx context.Context, deviceID string) (*Account, error)

	// EnsureExists returns the account of deviceID, creating it with the
	// store's default balance first when missing.
	EnsureExists(ctx context.Context, deviceID string) (*Account, error)

	// Deduct charges amount to deviceID, creating the account first when
	// missing. When the balance is too low it returns the current account
	// together with [ErrInsufficientBalance].
	Deduct(ctx context.Context, deviceID string, amount float64) (*Account, error)
}

// Ledger charges a fixed cost per request against a [Store].
type Ledger struct {
	store Store
	cost  float64
	log   *slog.Logger
}

// NewLedger creates a Ledger. A non-positive cost uses [DefaultCost].
func NewLedger(store Store, cost float64) *Ledger {
	if cost <= 0 {
		cost = DefaultCost
	}
	return &Ledger{store: store, cost: cost, log: slog.Default().With("component", "ledger")}
}

// Cost returns the amount charged per request.
func (l *Ledger) Cost() float64 { return l.cost }

// Deduct charges one request to deviceID. ok is false when the balance was
// insufficient; acct then holds the unchanged account.
func (l *Ledger) Deduct(ctx context.Context, deviceID string) (ok bool, acct *Account, err error) {
	acct, err = l.store.Deduct(ctx, deviceID, l.cost)
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		l.log.Warn("insufficient balance", "device_id", deviceID, "balance", acct.Balance, "cost", l.cost)
		return false, acct, nil
	case err != nil:
		return false, nil, fmt.Errorf("accounts: deduct %q: %w", deviceID, err)
	}
	l.log.Debug("request charged", "device_id", deviceID, "cost", l.cost, "balance", acct.Balance)
	return true, acct, nil
}

// EnsureExists makes sure deviceID has an account.
func (l *Ledger) EnsureExists(ctx context.Context, deviceID string) (*Account, error) {
	acct, err := l.store.EnsureExists(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("accounts: ensure %q: %w", deviceID, err)
	}
	return acct, nil
}
