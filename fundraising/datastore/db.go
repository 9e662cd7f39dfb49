package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	// Register the pgx driver with database/sql.
	_ "github.com/jackc/pgx/v4/stdlib"
)

const driverName = "pgx"

// Queryer is the common interface to execute queries on a database, satisfied
// by both *sql.DB and *sql.Tx.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Transactor is the interface that a database transaction satisfies.
type Transactor interface {
	Queryer
	Commit() error
	Rollback() error
}

// DSN represents the Data Source Name parameters for a database connection.
type DSN struct {
	Host           string
	Port           int
	User           string
	Password       string
	DBName         string
	SSLMode        string
	ConnectTimeout time.Duration
}

// String builds the string representation of a DSN. Empty parameters are
// omitted.
func (dsn *DSN) String() string {
	var params []string

	port := ""
	if dsn.Port > 0 {
		port = strconv.Itoa(dsn.Port)
	}
	connectTimeout := ""
	if dsn.ConnectTimeout > 0 {
		connectTimeout = fmt.Sprintf("%.0f", dsn.ConnectTimeout.Seconds())
	}

	for _, param := range []struct{ k, v string }{
		{"host", dsn.Host},
		{"port", port},
		{"user", dsn.User},
		{"password", dsn.Password},
		{"dbname", dsn.DBName},
		{"sslmode", dsn.SSLMode},
		{"connect_timeout", connectTimeout},
	} {
		if param.v == "" {
			continue
		}
		params = append(params, param.k+"="+param.v)
	}

	return strings.Join(params, " ")
}

// Address returns the host:port segment of a DSN.
func (dsn *DSN) Address() string {
	return fmt.Sprintf("%s:%d", dsn.Host, dsn.Port)
}

// PoolConfig represents the connection pool settings for a database
// connection.
type PoolConfig struct {
	MaxIdle     int
	MaxOpen     int
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// DB is a database handle that wraps the underlying *sql.DB.
type DB struct {
	*sql.DB
	dsn  *DSN
	pool *PoolConfig
	log  *logrus.Entry
}

// BeginTx wraps sql.DB.BeginTx.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (Transactor, error) {
	tx, err := db.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return tx, nil
}

// OpenOption provides functional options for Open.
type OpenOption func(*DB)

// WithLogger configures the connection to log through the given entry.
func WithLogger(l *logrus.Entry) OpenOption {
	return func(db *DB) {
		db.log = l
	}
}

// WithPoolConfig applies connection pool limits to the connection.
func WithPoolConfig(pool *PoolConfig) OpenOption {
	return func(db *DB) {
		db.pool = pool
	}
}

// Open opens a database connection and verifies it with a ping. The ping is
// retried with exponential backoff until it succeeds or the DSN connect
// timeout (5s if unset) elapses.
func Open(dsn *DSN, opts ...OpenOption) (*DB, error) {
	db := &DB{
		dsn: dsn,
		log: logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, o := range opts {
		o(db)
	}

	sqlDB, err := sql.Open(driverName, dsn.String())
	if err != nil {
		return nil, fmt.Errorf("opening database connection: %w", err)
	}
	db.DB = sqlDB

	if db.pool != nil {
		sqlDB.SetMaxIdleConns(db.pool.MaxIdle)
		sqlDB.SetMaxOpenConns(db.pool.MaxOpen)
		sqlDB.SetConnMaxLifetime(db.pool.MaxLifetime)
		sqlDB.SetConnMaxIdleTime(db.pool.MaxIdleTime)
	}

	timeout := dsn.ConnectTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	notify := func(err error, d time.Duration) {
		db.log.WithError(err).WithField("retry_in", d.String()).Warn("database ping failed, retrying")
	}
	if err := backoff.RetryNotify(func() error { return sqlDB.PingContext(ctx) }, b, notify); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return db, nil
}
