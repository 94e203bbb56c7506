package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/OChRA-lab/ochra-sub000/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// DB is the SQL implementation of DocumentStore.
type DB struct {
	*sql.DB
	dialect Dialect
	driver  string
}

// Open opens the configured backend. The sqlite and postgres drivers share
// the SQL implementation; mongodb uses MongoStore.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (DocumentStore, error) {
	switch cfg.Driver {
	case "sqlite", "postgres":
		return OpenSQL(cfg)
	case "mongodb":
		return OpenMongo(ctx, &cfg.MongoDB)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// OpenSQL opens a sqlite or postgres database and applies the schema.
func OpenSQL(cfg *config.DatabaseConfig) (*DB, error) {
	switch cfg.Driver {
	case "sqlite":
		return openSQLite(cfg.SQLite.Path)
	case "postgres":
		return openPostgres(&cfg.Postgres)
	default:
		return nil, fmt.Errorf("unsupported sql driver: %s", cfg.Driver)
	}
}

func openSQLite(path string) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	db := &DB{DB: sqlDB, dialect: sqliteDialect{}, driver: "sqlite"}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return db, nil
}

func openPostgres(cfg *config.PostgresConfig) (*DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.Database, cfg.User, cfg.Password, cfg.SSLMode)
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db := &DB{DB: sqlDB, dialect: postgresDialect{}, driver: "postgres"}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return db, nil
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error { return db.PingContext(ctx) }

// Q adapts a query to the open backend.
func (db *DB) Q(query string) string { return db.dialect.Rewrite(query) }

func (db *DB) migrate() error {
	if _, err := db.Exec(db.dialect.Schema()); err != nil {
		return fmt.Errorf("apply %s schema: %w", db.driver, err)
	}
	return nil
}
