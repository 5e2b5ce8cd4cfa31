package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3" // migration for sqlite3
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/relayhub/go-relay/pkg/database/migrations"
	"github.com/relayhub/go-relay/pkg/locker"
	"github.com/relayhub/go-relay/pkg/metrics"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// migrationLockKey guards schema migrations so only one process in the fleet
// applies them; it uses the same lock primitive as nonce allocation.
const migrationLockKey = "apply-migrations"

// SQLiteDB represents a SQLite database.
type SQLiteDB struct {
	URI string
	DB  *sql.DB
	Log zerolog.Logger
}

// Open opens a new SQLite database.
func Open(path string, attributes ...attribute.KeyValue) (*SQLiteDB, error) {
	log := logger.With().
		Str("component", "db").
		Logger()

	attributes = append(attributes, metrics.BaseAttrs...)
	sqlDB, err := otelsql.Open("sqlite3", path, otelsql.WithAttributes(attributes...))
	if err != nil {
		return nil, fmt.Errorf("connecting to db: %s", err)
	}

	if err := otelsql.RegisterDBStatsMetrics(sqlDB, otelsql.WithAttributes(
		attributes...,
	)); err != nil {
		return nil, fmt.Errorf("registering dbstats: %s", err)
	}

	return &SQLiteDB{
		URI: path,
		DB:  sqlDB,
		Log: log,
	}, nil
}

// Close closes the database.
func (db *SQLiteDB) Close() error {
	return db.DB.Close()
}

// ExecuteMigration runs pending schema migrations while holding the
// migration lock, so concurrent daemons sharing the store don't race.
func (db *SQLiteDB) ExecuteMigration(ctx context.Context, lk locker.Locker, ttl time.Duration) error {
	if err := locker.Acquire(ctx, lk, migrationLockKey, ttl, ttl); err != nil {
		return fmt.Errorf("acquiring migration lock: %s", err)
	}
	defer func() {
		if err := lk.Release(ctx, migrationLockKey); err != nil {
			db.Log.Error().Err(err).Msg("releasing migration lock")
		}
	}()

	d, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("creating source driver: %s", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, "sqlite3://"+db.URI)
	if err != nil {
		return fmt.Errorf("creating migration: %s", err)
	}
	defer func() {
		if _, err := m.Close(); err != nil {
			db.Log.Error().Err(err).Msg("closing db migration")
		}
	}()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("running migration up: %s", err)
	}

	version, dirty, err := m.Version()
	db.Log.Info().
		Uint("dbVersion", version).
		Bool("dirty", dirty).
		Err(err).
		Msg("database migration executed")

	return nil
}
