package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const createRecordsTable = `
CREATE TABLE IF NOT EXISTS records (
	id         BIGSERIAL PRIMARY KEY,
	domain     TEXT        NOT NULL,
	key        TEXT        NOT NULL,
	fields     TEXT[]      NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS records_domain_key_idx ON records (domain, key, id);
`

// PostgresStore keeps records in a single append-only table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn and makes sure the records table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, createRecordsTable); err != nil {
		pool.Close()
		return nil, fmt.Errorf("creating records table: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Append(ctx context.Context, domain string, rec Record) error {
	if err := validate(domain, rec); err != nil {
		return err
	}
	rec = sanitize(rec)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO records (domain, key, fields) VALUES ($1, $2, $3)`,
		domain, rec.Key(), []string(rec),
	)
	if err != nil {
		return fmt.Errorf("inserting %s record: %w", domain, err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, domain, key string) ([]Record, error) {
	if err := validateDomain(domain); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT fields FROM records WHERE domain = $1 AND key = $2 ORDER BY id`,
		domain, sanitizeField(key),
	)
	if err != nil {
		return nil, fmt.Errorf("querying %s records: %w", domain, err)
	}
	recs, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("reading %s records: %w", domain, err)
	}
	return recs, nil
}

func (s *PostgresStore) Scan(ctx context.Context, domain string, fn func(Record) bool) error {
	if err := validateDomain(domain); err != nil {
		return err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT fields FROM records WHERE domain = $1 ORDER BY id`,
		domain,
	)
	if err != nil {
		return fmt.Errorf("scanning %s records: %w", domain, err)
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return fmt.Errorf("reading %s record: %w", domain, err)
		}
		if !fn(rec) {
			return nil
		}
	}
	return rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanRecord(row pgx.CollectableRow) (Record, error) {
	var fields []string
	if err := row.Scan(&fields); err != nil {
		return nil, err
	}
	return Record(fields), nil
}
