// Package postgres persists usage records in PostgreSQL through the pgx driver.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/adrielmoraes/consult"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is a consult.UsageStore backed by a usage_records table.
type Store struct {
	db *sql.DB
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return New(db), nil
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies every pending migration. It is a no-op when the schema is current.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratepgx.WithInstance(s.db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("migration init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up: %w", err)
	}
	return nil
}

// Append inserts one usage record. Records are immutable; a duplicate id is an error.
func (s *Store) Append(ctx context.Context, record consult.UsageRecord) error {
	const query = `
		INSERT INTO usage_records (
			id, consultation_id, feature, model, input_tokens, output_tokens,
			cost_units, token_source, patient_id, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.ConsultationID,
		record.Feature,
		record.Model,
		record.InputTokens,
		record.OutputTokens,
		record.CostUnits,
		string(record.Source),
		record.PatientID,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// ByConsultation returns the records of one consultation, oldest first.
func (s *Store) ByConsultation(ctx context.Context, consultationID string) ([]consult.UsageRecord, error) {
	const query = `
		SELECT id, consultation_id, feature, model, input_tokens, output_tokens,
			cost_units, token_source, patient_id, recorded_at
		FROM usage_records
		WHERE consultation_id = $1
		ORDER BY recorded_at, id`

	rows, err := s.db.QueryContext(ctx, query, consultationID)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var records []consult.UsageRecord
	for rows.Next() {
		var r consult.UsageRecord
		var source string
		if err := rows.Scan(
			&r.ID,
			&r.ConsultationID,
			&r.Feature,
			&r.Model,
			&r.InputTokens,
			&r.OutputTokens,
			&r.CostUnits,
			&source,
			&r.PatientID,
			&r.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		r.Source = consult.TokenSource(source)
		records = append(records, r)
	}
	return records, rows.Err()
}
