package accounts

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the device_accounts table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS device_accounts (
    device_id      TEXT PRIMARY KEY,
    balance        DOUBLE PRECISION NOT NULL,
    battery        INTEGER NOT NULL DEFAULT 100,
    total_requests BIGINT NOT NULL DEFAULT 0,
    total_cost     DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL table. Deductions are a
// single conditional UPDATE so concurrent charges never overdraw an account.
type PostgresStore struct {
	db             DB
	defaultBalance float64
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgresStore on db. New accounts start with
// defaultBalance, or [DefaultBalance] when it is not positive. The caller is
// responsible for calling [PostgresStore.Migrate] before issuing queries.
func NewPostgresStore(db DB, defaultBalance float64) *PostgresStore {
	if defaultBalance <= 0 {
		defaultBalance = DefaultBalance
	}
	return &PostgresStore{db: db, defaultBalance: defaultBalance}
}

// Migrate executes the [Schema] DDL.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("accounts: migrate: %w", err)
	}
	return nil
}

const selectColumns = `device_id, balance, battery, total_requests, total_cost, created_at, updated_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	if err := row.Scan(&a.DeviceID, &a.Balance, &a.Battery, &a.TotalRequests,
		&a.TotalCost, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

// Get implements [Store].
func (s *PostgresStore) Get(ctx context.Context, deviceID string) (*Account, error) {
	const query = `SELECT ` + selectColumns + ` FROM device_accounts WHERE device_id = $1`
	a, err := scanAccount(s.db.QueryRow(ctx, query, deviceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("accounts: get %q: %w", deviceID, err)
	}
	return a, nil
}

// EnsureExists implements [Store].
func (s *PostgresStore) EnsureExists(ctx context.Context, deviceID string) (*Account, error) {
	if err := s.insertDefault(ctx, deviceID); err != nil {
		return nil, err
	}
	a, err := s.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("accounts: ensure %q: account vanished after insert", deviceID)
	}
	return a, nil
}

// Deduct implements [Store].
func (s *PostgresStore) Deduct(ctx context.Context, deviceID string, amount float64) (*Account, error) {
	if err := s.insertDefault(ctx, deviceID); err != nil {
		return nil, err
	}

	const query = `
		UPDATE device_accounts SET
			balance = balance - $2,
			total_requests = total_requests + 1,
			total_cost = total_cost + $2,
			updated_at = now()
		WHERE device_id = $1 AND balance >= $2
		RETURNING ` + selectColumns

	a, err := scanAccount(s.db.QueryRow(ctx, query, deviceID, amount))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("accounts: deduct %q: %w", deviceID, err)
	}

	current, err := s.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("accounts: deduct %q: account not found", deviceID)
	}
	return current, ErrInsufficientBalance
}

func (s *PostgresStore) insertDefault(ctx context.Context, deviceID string) error {
	const query = `
		INSERT INTO device_accounts (device_id, balance, battery)
		VALUES ($1, $2, $3)
		ON CONFLICT (device_id) DO NOTHING`
	if _, err := s.db.Exec(ctx, query, deviceID, s.defaultBalance, DefaultBattery); err != nil {
		return fmt.Errorf("accounts: create %q: %w", deviceID, err)
	}
	return nil
}
