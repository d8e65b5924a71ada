package handlers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicegate/internal/accounts"
	"github.com/MrWong99/voicegate/internal/intercept"
	"github.com/MrWong99/voicegate/internal/observe"
	"golang.org/x/sync/semaphore"
)

// Billing defaults.
const (
	DefaultBillingConcurrency = 16
	DefaultBillingTimeout     = 5 * time.Second
)

// Ledger is the account collaborator charged by [Billing].
type Ledger interface {
	Deduct(ctx context.Context, deviceID string) (ok bool, acct *accounts.Account, err error)
	EnsureExists(ctx context.Context, deviceID string) (*accounts.Account, error)
}

// Billing charges a device for every detected utterance ("listen" with state
// "detect") and makes sure an account exists when a device says "hello".
// Ledger calls run in the background and are never awaited; when too many
// are in flight new ones are dropped.
type Billing struct {
	ledger  Ledger
	sem     *semaphore.Weighted
	timeout time.Duration
	metrics *observe.Metrics
	log     *slog.Logger

	mu     sync.Mutex // guards closed and wg.Add
	closed bool
	wg     sync.WaitGroup
}

var _ intercept.Handler = (*Billing)(nil)

// BillingOption configures [Billing].
type BillingOption func(*Billing)

// WithBillingConcurrency bounds in-flight ledger calls.
func WithBillingConcurrency(n int64) BillingOption {
	return func(b *Billing) {
		if n > 0 {
			b.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithBillingTimeout bounds every ledger call.
func WithBillingTimeout(d time.Duration) BillingOption {
	return func(b *Billing) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithBillingMetrics counts deductions on m.
func WithBillingMetrics(m *observe.Metrics) BillingOption {
	return func(b *Billing) { b.metrics = m }
}

// NewBilling creates a Billing handler charging ledger.
func NewBilling(ledger Ledger, opts ...BillingOption) *Billing {
	b := &Billing{
		ledger:  ledger,
		sem:     semaphore.NewWeighted(DefaultBillingConcurrency),
		timeout: DefaultBillingTimeout,
		log:     slog.Default().With("handler", "billing"),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Name implements [intercept.Handler].
func (b *Billing) Name() string { return "billing" }

// Handle implements [intercept.Handler].
func (b *Billing) Handle(ctx context.Context, rec intercept.Record, msg intercept.Message) error {
	if !intercept.IsText(rec.Kind) {
		return nil
	}
	env, ok := intercept.ParseEnvelope(msg)
	if !ok {
		return nil
	}
	device := rec.DeviceID

	switch {
	case env.Type == "listen" && env.State == "detect":
		if env.Text != "" {
			b.log.Info("user speech", "device_id", device, "text", env.Text)
		}
		b.spawn(ctx, func(ctx context.Context) { b.deduct(ctx, device) })
	case env.Type == "hello":
		b.spawn(ctx, func(ctx context.Context) { b.ensure(ctx, device) })
	}
	return nil
}

// Wait blocks until every in-flight ledger call has finished. Calls started
// after Wait returns are not awaited; use [Billing.Close] at shutdown.
func (b *Billing) Wait() { b.wg.Wait() }

// Close stops starting ledger calls and waits for in-flight ones. Triggers
// arriving after Close are dropped.
func (b *Billing) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Billing) spawn(ctx context.Context, fn func(context.Context)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		b.metrics.RecordDeduction(ctx, "closed")
		b.log.Debug("billing closed, dropping ledger call")
		return
	}
	if !b.sem.TryAcquire(1) {
		b.metrics.RecordDeduction(ctx, "dropped")
		b.log.Warn("too many billing calls in flight, dropping")
		return
	}
	base := context.WithoutCancel(ctx)
	b.wg.Go(func() {
		defer b.sem.Release(1)
		ctx, cancel := context.WithTimeout(base, b.timeout)
		defer cancel()
		fn(ctx)
	})
}

func (b *Billing) deduct(ctx context.Context, device string) {
	ok, acct, err := b.ledger.Deduct(ctx, device)
	switch {
	case err != nil:
		b.metrics.RecordDeduction(ctx, "error")
		b.log.Error("deduction failed", "device_id", device, "err", err)
	case !ok:
		b.metrics.RecordDeduction(ctx, "insufficient")
		b.log.Warn("insufficient balance", "device_id", device, "balance", acct.Balance)
	default:
		b.metrics.RecordDeduction(ctx, "charged")
		b.log.Info("device charged", "device_id", device, "balance", acct.Balance)
	}
}

func (b *Billing) ensure(ctx context.Context, device string) {
	acct, err := b.ledger.EnsureExists(ctx, device)
	if err != nil {
		b.log.Error("ensure account failed", "device_id", device, "err", err)
		return
	}
	b.log.Info("device connected", "device_id", device, "balance", acct.Balance)
}
