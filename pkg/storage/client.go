// Package storage provides the PostgreSQL persistence layer and migration
// utilities.
package storage

import (
	"context"
	stdsql "database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver for database/sql
	"github.com/jmoiron/sqlx"

	"github.com/notifyops/relay/pkg/config"
)

//go:embed migrations
var migrationsFS embed.FS

// Client wraps the sqlx handle and carries the typed stores.
type Client struct {
	db *sqlx.DB

	Scheduled  *ScheduledStore
	Executions *ExecutionStore
	Teams      *TeamStore
}

// DB returns the underlying database connection for health checks and direct queries.
func (c *Client) DB() *stdsql.DB {
	return c.db.DB
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// NewClientFromDB wraps an existing connection (useful for testing).
func NewClientFromDB(db *sqlx.DB) *Client {
	return &Client{
		db:         db,
		Scheduled:  &ScheduledStore{db: db},
		Executions: &ExecutionStore{db: db},
		Teams:      &TeamStore{db: db},
	}
}

// NewClient creates a database client with connection pooling and, when
// configured, applies pending migrations.
func NewClient(ctx context.Context, cfg config.DatabaseConfig) (*Client, error) {
	db, err := sqlx.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.AutoMigrate {
		if err := runMigrations(db.DB); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return NewClientFromDB(db), nil
}

// runMigrations applies pending migrations using golang-migrate with
// embedded migration files.
//
// Migration files are embedded into the binary using go:embed, ensuring
// they're available in production deployments without requiring external
// files.
func runMigrations(db *stdsql.DB) error {
	hasMigrations, err := hasEmbeddedMigrations()
	if err != nil {
		return fmt.Errorf("failed to check embedded migrations: %w", err)
	}
	if !hasMigrations {
		return fmt.Errorf("no embedded migration files found - binary may be built incorrectly")
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "relay", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the migration source driver. We must NOT call m.Close()
	// because that also closes the database driver, which calls db.Close()
	// on the shared *sql.DB passed via postgres.WithInstance().
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}

	return nil
}

// hasEmbeddedMigrations checks if the embedded FS contains any .sql migration files
func hasEmbeddedMigrations() (bool, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read embedded migrations: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			return true, nil
		}
	}
	return false, nil
}
