package state

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore shares pending states between server instances.
type PostgresStore struct {
	db        *sql.DB
	startOnce sync.Once
}

// OpenPostgres connects to databaseURL and applies the state table migrations.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if err := RunMigrations(databaseURL); err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewPostgresStore(db), nil
}

// NewPostgresStore wraps an existing connection whose schema is already migrated.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// RunMigrations applies every embedded migration. Up to date is not an error.
func RunMigrations(databaseURL string) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

const (
	upsertStateSQL = `INSERT INTO oauth_states (token, provider_id, user_id, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (token) DO UPDATE
SET provider_id = EXCLUDED.provider_id, user_id = EXCLUDED.user_id, expires_at = EXCLUDED.expires_at`

	consumeStateSQL = `DELETE FROM oauth_states WHERE token = $1
RETURNING provider_id, user_id, expires_at`

	sweepStateSQL = `DELETE FROM oauth_states WHERE expires_at <= $1`

	countStateSQL = `SELECT count(*) FROM oauth_states`
)

func (s *PostgresStore) Set(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, upsertStateSQL, e.Token, e.ProviderID, e.UserID, e.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("store oauth state: %w", err)
	}
	return nil
}

// Consume deletes and returns the row in one statement, so two instances
// racing on the same token cannot both see it.
func (s *PostgresStore) Consume(ctx context.Context, token string) (Entry, bool, error) {
	e := Entry{Token: token}
	err := s.db.QueryRowContext(ctx, consumeStateSQL, token).Scan(&e.ProviderID, &e.UserID, &e.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("consume oauth state: %w", err)
	}
	return e, true, nil
}

// Sweep removes rows expired at now.
func (s *PostgresStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, sweepStateSQL, now.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Len counts pending rows. Errors read as zero.
func (s *PostgresStore) Len() int {
	var n int
	if err := s.db.QueryRow(countStateSQL).Scan(&n); err != nil {
		return 0
	}
	return n
}

// Start runs Sweep every interval until ctx is done, at most once per store.
func (s *PostgresStore) Start(ctx context.Context, interval time.Duration) {
	s.startOnce.Do(func() {
		go sweepLoop(ctx, interval, func(now time.Time) (int, error) {
			return s.Sweep(ctx, now)
		})
	})
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
