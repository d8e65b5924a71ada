package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voicegate/internal/intercept"
	"github.com/jackc/pgx/v5/pgconn"
)

// RecordSchema is the SQL DDL for the intercepted_messages table. Execute it
// via [DatabaseSink.Migrate] or apply it manually during deployment.
const RecordSchema = `
CREATE TABLE IF NOT EXISTS intercepted_messages (
    request_id   TEXT PRIMARY KEY,
    received_at  TIMESTAMPTZ NOT NULL,
    client_ip    TEXT NOT NULL DEFAULT '',
    device_id    TEXT NOT NULL DEFAULT '',
    session_id   TEXT NOT NULL DEFAULT '',
    message_type TEXT NOT NULL,
    direction    TEXT NOT NULL,
    size         INTEGER NOT NULL DEFAULT 0,
    preview      TEXT NOT NULL DEFAULT '',
    user_agent   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_intercepted_messages_device ON intercepted_messages(device_id, received_at);
`

// Execer is the subset of *pgxpool.Pool used by [DatabaseSink].
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// DatabaseSink stores every record in PostgreSQL. Inserts run on the
// background pool.
type DatabaseSink struct {
	db      Execer
	submit  intercept.Submitter
	timeout time.Duration
	log     *slog.Logger
}

var _ intercept.Handler = (*DatabaseSink)(nil)

// NewDatabaseSink creates a DatabaseSink inserting through db on submit.
func NewDatabaseSink(db Execer, submit intercept.Submitter) *DatabaseSink {
	return &DatabaseSink{
		db:      db,
		submit:  submit,
		timeout: 5 * time.Second,
		log:     slog.Default().With("handler", "database_storage"),
	}
}

// Migrate executes [RecordSchema].
func (s *DatabaseSink) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, RecordSchema); err != nil {
		return fmt.Errorf("handlers: migrate record sink: %w", err)
	}
	return nil
}

// Name implements [intercept.Handler].
func (s *DatabaseSink) Name() string { return "database_storage" }

// Handle implements [intercept.Handler].
func (s *DatabaseSink) Handle(_ context.Context, rec intercept.Record, _ intercept.Message) error {
	if err := s.submit.Submit(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		if err := s.insert(ctx, rec); err != nil {
			s.log.Error("store record failed", "request_id", rec.RequestID, "err", err)
		}
	}); err != nil {
		return fmt.Errorf("handlers: queue record %s: %w", rec.RequestID, err)
	}
	return nil
}

func (s *DatabaseSink) insert(ctx context.Context, rec intercept.Record) error {
	const query = `
		INSERT INTO intercepted_messages (
			request_id, received_at, client_ip, device_id, session_id,
			message_type, direction, size, preview, user_agent
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (request_id) DO NOTHING`
	_, err := s.db.Exec(ctx, query,
		rec.RequestID, rec.Timestamp, rec.ClientIP, rec.DeviceID, rec.SessionID,
		rec.Kind, rec.Direction.String(), rec.Size, rec.Preview, rec.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("handlers: insert record: %w", err)
	}
	return nil
}
