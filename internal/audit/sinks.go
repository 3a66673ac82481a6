package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"
)

// LogSink writes records to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

// Write logs rec at info level.
func (s LogSink) Write(_ context.Context, rec Record) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("audit",
		"id", rec.ID,
		"transaction_id", rec.TransactionID,
		"origin", rec.Origin,
		"subject", rec.Subject,
		"events", len(rec.Events),
		"assets", rec.Assets,
		"digest", rec.Digest,
	)
	return nil
}

// PostgresSink stores records in the audit_records table.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink wraps an open database.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// OpenPostgres connects with lib/pq and ensures the table exists.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect audit database: %w", err)
	}
	s := NewPostgresSink(db)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates audit_records if missing.
func (s *PostgresSink) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_records (
			id             TEXT PRIMARY KEY,
			transaction_id TEXT NOT NULL,
			origin         TEXT NOT NULL,
			subject        TEXT NOT NULL,
			events         JSONB NOT NULL,
			assets         JSONB NOT NULL,
			recorded_at    TIMESTAMPTZ NOT NULL,
			request        JSONB,
			rationale      JSONB,
			digest         TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create audit_records: %w", err)
	}
	return nil
}

// Write inserts rec. Re-delivery of the same id is ignored.
func (s *PostgresSink) Write(ctx context.Context, rec Record) error {
	events, err := json.Marshal(rec.Events)
	if err != nil {
		return fmt.Errorf("marshal audit events: %w", err)
	}
	assets, err := json.Marshal(rec.Assets)
	if err != nil {
		return fmt.Errorf("marshal audit assets: %w", err)
	}
	request, err := nullableJSON(rec.Request)
	if err != nil {
		return fmt.Errorf("marshal audit request context: %w", err)
	}
	rationale, err := nullableJSON(rec.Rationale)
	if err != nil {
		return fmt.Errorf("marshal audit rationale: %w", err)
	}
	query := `
		INSERT INTO audit_records (id, transaction_id, origin, subject, events, assets, recorded_at, request, rationale, digest)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = s.db.ExecContext(ctx, query, rec.ID, rec.TransactionID, string(rec.Origin), rec.Subject,
		string(events), string(assets), rec.Timestamp, request, rationale, rec.Digest)
	if err != nil {
		return fmt.Errorf("failed to persist audit record: %w", err)
	}
	return nil
}

// nullableJSON encodes v, or returns SQL NULL for a nil pointer.
func nullableJSON[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

// Close closes the database.
func (s *PostgresSink) Close() error {
	return s.db.Close()
}
