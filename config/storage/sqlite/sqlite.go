// Package sqlite provides the embedded relational store implimentation logic.
package sqlite

import (
	"context"
	"database/sql"

	"github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/marketmind/marketmind/config/storage/sqlite/migrations"
	config "github.com/marketmind/marketmind/config/utils"
)

/**
 * DB is a wrapper for the embedded SQLite database connection
 * that uses modernc.org/sqlite as database driver.
 * It also holds a reference to squirrel.StatementBuilderType
 * which is used to build SQL queries compatible with SQLite syntax
 */
type DB struct {
	*sql.DB
	QueryBuilder *squirrel.StatementBuilderType
	path         string
	log          *zap.Logger
}

// New creates a new embedded SQLite database instance
func New(ctx context.Context, config *config.Store, logger *zap.Logger) (*DB, error) {
	// busy_timeout keeps the single-writer discipline from surfacing
	// SQLITE_BUSY to concurrent readers
	db, err := sql.Open("sqlite", config.Path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, err
	}

	// WAL lets readers proceed while the append path holds the write lock.
	// Write serialization lives in the repositories; the pool only needs to
	// keep reads from queueing behind the writer.
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(8)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	qb := squirrel.StatementBuilder.PlaceholderFormat(squirrel.Question)

	return &DB{
		db,
		&qb,
		config.Path,
		logger,
	}, nil
}

// Migrate runs the database migration
func (db *DB) Migrate() error {
	driver, err := iofs.New(migrations.MigrationsFS, ".")
	if err != nil {
		return err
	}

	m, err := migrate.NewWithSourceInstance("iofs", driver, "sqlite://"+db.path)
	if err != nil {
		return err
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}

	return nil
}

// DBHealth Check DB health
func (db *DB) DBHealth(ctx context.Context) error {
	if err := db.PingContext(ctx); err != nil {
		return err
	}
	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
