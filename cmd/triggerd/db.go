package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/lib/pq"              // registers the "postgres" driver

	"github.com/djlord-it/triggerd/internal/admin"
	"github.com/djlord-it/triggerd/internal/config"
	"github.com/djlord-it/triggerd/internal/dispatcher"
	"github.com/djlord-it/triggerd/internal/materializer"
	"github.com/djlord-it/triggerd/internal/reconciler"
	"github.com/djlord-it/triggerd/internal/store/postgres"
	"github.com/djlord-it/triggerd/internal/store/sqlite"
)

// triggerStore is everything the engine needs from a storage backend.
type triggerStore interface {
	admin.Store
	materializer.Store
	dispatcher.Store
	reconciler.Store
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
}

var (
	_ triggerStore = (*postgres.Store)(nil)
	_ triggerStore = (*sqlite.Store)(nil)
)

// openDB opens and pings the database selected by DATABASE_DRIVER.
func openDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.DatabaseDriver {
	case config.DriverPostgres, config.DriverPgx:
		db, err = sql.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
		db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)
	case config.DriverSQLite:
		db, err = sqlite.Open(cfg.DatabaseURL, cfg.SQLiteBusyTimeout)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DBOpTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// openStore opens the database, wraps it in the driver's store and applies
// the schema. The returned close func releases the connection pool.
func openStore(ctx context.Context, cfg config.Config) (triggerStore, func(), error) {
	db, err := openDB(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	var st triggerStore
	if cfg.DatabaseDriver == config.DriverSQLite {
		st = sqlite.New(db, cfg.DBOpTimeout)
	} else {
		st = postgres.New(db, cfg.DBOpTimeout)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return st, func() { _ = db.Close() }, nil
}
