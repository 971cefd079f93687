package delivery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/osprey/pkg/contracts"
)

// Dialect selects the SQL flavor of a SQLStore.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore persists idempotency records in SQLite or PostgreSQL.
// SQLite serves single-node deployments, PostgreSQL shared ones.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	clock   func() time.Time
}

// OpenSQLite opens (and migrates) a SQLite-backed store at path.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return newSQLStore(ctx, db, DialectSQLite)
}

// OpenPostgres opens (and migrates) a PostgreSQL-backed store.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return newSQLStore(ctx, db, DialectPostgres)
}

// NewSQLStore wraps an existing handle; used by tests with a mock driver.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, clock: time.Now}
}

func newSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect, clock: time.Now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// WithClock overrides the expiry clock for tests.
func (s *SQLStore) WithClock(clock func() time.Time) *SQLStore {
	s.clock = clock
	return s
}

func (s *SQLStore) migrate(ctx context.Context) error {
	blob := "BLOB"
	if s.dialect == DialectPostgres {
		blob = "BYTEA"
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS idempotency_records (
			key           TEXT PRIMARY KEY,
			response_hash TEXT NOT NULL,
			receipt       %s NOT NULL,
			expires_at    BIGINT NOT NULL
		)`, blob))
	if err != nil {
		return fmt.Errorf("migrate idempotency_records: %w", err)
	}
	return nil
}

func (s *SQLStore) placeholder(n int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLStore) Get(ctx context.Context, key string) (*contracts.IdempotencyRecord, error) {
	query := fmt.Sprintf(
		"SELECT key, response_hash, receipt, expires_at FROM idempotency_records WHERE key = %s AND expires_at >= %s",
		s.placeholder(1), s.placeholder(2))

	var rec contracts.IdempotencyRecord
	var expiresAt int64
	err := s.db.QueryRowContext(ctx, query, key, s.clock().Unix()).
		Scan(&rec.Key, &rec.ResponseHash, &rec.Receipt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	rec.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return &rec, nil
}

func (s *SQLStore) Put(ctx context.Context, record *contracts.IdempotencyRecord) error {
	var query string
	if s.dialect == DialectPostgres {
		query = "INSERT INTO idempotency_records (key, response_hash, receipt, expires_at) VALUES ($1, $2, $3, $4) ON CONFLICT (key) DO NOTHING"
	} else {
		query = "INSERT OR IGNORE INTO idempotency_records (key, response_hash, receipt, expires_at) VALUES (?, ?, ?, ?)"
	}
	_, err := s.db.ExecContext(ctx, query,
		record.Key, record.ResponseHash, record.Receipt, record.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("put idempotency record: %w", err)
	}
	return nil
}

// Prune deletes expired records and reports how many were removed.
func (s *SQLStore) Prune(ctx context.Context) (int64, error) {
	query := fmt.Sprintf("DELETE FROM idempotency_records WHERE expires_at < %s", s.placeholder(1))
	res, err := s.db.ExecContext(ctx, query, s.clock().Unix())
	if err != nil {
		return 0, fmt.Errorf("prune idempotency records: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the underlying handle.
func (s *SQLStore) Close() error { return s.db.Close() }
