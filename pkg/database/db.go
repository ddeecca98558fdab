package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Queryer is the read/write surface shared by *sqlx.DB and *sqlx.Tx.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	Rebind(query string) string
}

type DB interface {
	Queryer
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
	PingContext(ctx context.Context) error
	Close() error
	Stats() sql.DBStats
	GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, Tx, error)
}

type DatabaseInstance struct {
	*sqlx.DB
	logger ectologger.Logger
}

func NewDatabaseInstance(db *sqlx.DB, logger ectologger.Logger) DB {
	return &DatabaseInstance{
		DB:     db,
		logger: logger,
	}
}

func (db *DatabaseInstance) GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, Tx, error) {
	return GetTx(ctx, db.logger, db, opts)
}

// Config describes a PostgreSQL connection and its pool.
type Config struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// Connect opens a pooled connection and verifies it with a ping.
func Connect(ctx context.Context, cfg Config, logger ectologger.Logger) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres at %s:%s: %w", cfg.Host, cfg.Port, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	logger.WithContext(ctx).Infof("Connected to postgres database %s at %s:%s", cfg.Name, cfg.Host, cfg.Port)
	return db, nil
}
