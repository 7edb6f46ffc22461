package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"log/slog"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultConnTimeout   = 5 * time.Second
	defaultMaxRetries    = 3
	defaultRetryInterval = time.Second
	defaultSQLitePath    = "coupon_bot.db"
)

type DBConfig struct {
	// Driver selects the storage engine: "sqlite" (default, file-backed,
	// single-writer) or "postgres".
	Driver string `toml:"driver"`

	// SQLite settings.
	Path string `toml:"path"`

	// Postgres settings.
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	Database     string `toml:"database"`
	PoolSize     int    `toml:"pool_size"`
	MaxIdleConns int    `toml:"max_idle_conns"`
	MaxLifetime  int    `toml:"max_lifetime"`
}

type DB struct {
	bunDB  *bun.DB
	driver string
	path   string
}

// New opens the store and verifies connectivity. The SQLite path is the
// default; Postgres is available for multi-writer deployments.
func New(ctx context.Context, cfg DBConfig) (*DB, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}

	var db *DB
	var err error
	switch driver {
	case DriverSQLite:
		db, err = newSQLiteDB(cfg)
	case DriverPostgres:
		db, err = newPostgresDB(cfg)
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
	if err != nil {
		return nil, err
	}

	// Retry the initial ping so a slow-starting database server does not
	// kill the process.
	for i := 0; ; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
		err = db.bunDB.PingContext(pingCtx)
		cancel()
		if err == nil {
			break
		}
		if i+1 >= defaultMaxRetries {
			db.Close()
			return nil, fmt.Errorf("database unreachable after %d attempts: %w", defaultMaxRetries, err)
		}
		time.Sleep(defaultRetryInterval)
	}

	return db, nil
}

func newSQLiteDB(cfg DBConfig) (*DB, error) {
	path := cfg.Path
	if path == "" {
		path = defaultSQLitePath
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite serializes writers on the database file; a single pooled
	// connection avoids SQLITE_BUSY churn under concurrent claims.
	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)

	return &DB{
		bunDB:  bun.NewDB(sqldb, sqlitedialect.New()),
		driver: DriverSQLite,
		path:   path,
	}, nil
}

func newPostgresDB(cfg DBConfig) (*DB, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&connect_timeout=5",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	if cfg.PoolSize > 0 {
		sqldb.SetMaxOpenConns(cfg.PoolSize)
	}
	if cfg.MaxIdleConns > 0 {
		sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxLifetime > 0 {
		sqldb.SetConnMaxLifetime(time.Duration(cfg.MaxLifetime) * time.Second)
	}

	return &DB{
		bunDB:  bun.NewDB(sqldb, pgdialect.New()),
		driver: DriverPostgres,
	}, nil
}

func (db *DB) BunDB() *bun.DB {
	return db.bunDB
}

// Driver returns the active storage engine name.
func (db *DB) Driver() string {
	return db.driver
}

// Path returns the database file path. Empty for Postgres.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) Ping(ctx context.Context) error {
	if err := db.bunDB.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

func (db *DB) Close() {
	if db.bunDB != nil {
		db.bunDB.Close()
	}
}

func (db *DB) ExecWithLog(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	start := time.Now()
	result, err := db.bunDB.ExecContext(ctx, query, args...)
	duration := time.Since(start)

	if err != nil {
		slog.Error("Query failed",
			slog.String("type", "db"),
			slog.String("operation", "exec"),
			slog.String("query", query),
			slog.Duration("took", duration),
			slog.Any("error", err),
		)
		return result, err
	}

	slog.Debug("Query executed",
		slog.String("type", "db"),
		slog.String("operation", "exec"),
		slog.String("query", query),
		slog.Duration("took", duration),
	)
	return result, nil
}
