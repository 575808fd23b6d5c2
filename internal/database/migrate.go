package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/seanankenbruck/semantic-bi/migrations"
)

// MigrationConfig holds migration configuration
type MigrationConfig struct {
	DatabaseURL string
	// Steps migrates up (positive) or down (negative) by n steps; zero migrates fully up
	Steps int
}

// MigrationStatus describes the schema version of the catalog
type MigrationStatus struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// RunMigrations applies the embedded catalog migrations
func RunMigrations(config MigrationConfig) (MigrationStatus, error) {
	db, err := sql.Open("postgres", config.DatabaseURL)
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	return Migrate(db, config.Steps)
}

// Migrate applies migrations over an open connection
func Migrate(db *sql.DB, steps int) (MigrationStatus, error) {
	m, err := newMigrate(db)
	if err != nil {
		return MigrationStatus{}, err
	}

	if steps == 0 {
		err = m.Up()
	} else {
		err = m.Steps(steps)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return MigrationStatus{}, fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return MigrationStatus{}, fmt.Errorf("failed to read migration version: %w", err)
	}
	return MigrationStatus{Version: version, Dirty: dirty}, nil
}

// HealthCheck verifies the catalog is reachable and carries the pgvector extension and schema
func HealthCheck(ctx context.Context, db *sql.DB) error {
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var hasVector bool
	err := db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM pg_extension WHERE extname = 'vector')").Scan(&hasVector)
	if err != nil {
		return fmt.Errorf("failed to check vector extension: %w", err)
	}
	if !hasVector {
		return fmt.Errorf("pgvector extension is not installed")
	}

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM semantic_documents").Scan(&count); err != nil {
		return fmt.Errorf("failed to query semantic_documents table: %w", err)
	}

	return nil
}
