// Copyright 2024-2026 Aiku AI

// Package store persists event id mappings, portals and emoji metadata.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/aiku/matrix-discord-bridge/pkg/store/migrations"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

// SQLStore stores event mappings and portals in SQLite.
type SQLStore struct {
	db  *sqlx.DB
	log zerolog.Logger
	now func() time.Time
}

// OpenSQL connects to the SQLite database at path and applies migrations.
func OpenSQL(path string, log zerolog.Logger) (*SQLStore, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	log = log.With().Str("component", "store").Logger()
	if err := applyMigrations(db.DB, log); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			log.Err(closeErr).Msg("Failed to close database after migration failure")
		}
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	log.Info().Str("path", path).Msg("Database connected")
	return &SQLStore{db: db, log: log, now: time.Now}, nil
}

func applyMigrations(db *sql.DB, log zerolog.Logger) error {
	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Debug().Msg("No database migrations to apply")
			return nil
		}
		return err
	}
	log.Info().Msg("Database migrations applied")
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
