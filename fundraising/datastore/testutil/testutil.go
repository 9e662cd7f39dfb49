package testutil

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"gitlab.com/galangdana/fundraising-db/fundraising/datastore"
)

// NewDSNFromEnv builds a DSN from the FUNDRAISING_DB_* environment
// variables.
func NewDSNFromEnv() (*datastore.DSN, error) {
	port := 5432
	if v := os.Getenv("FUNDRAISING_DB_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("parsing FUNDRAISING_DB_PORT: %w", err)
		}
		port = p
	}

	dsn := &datastore.DSN{
		Host:           os.Getenv("FUNDRAISING_DB_HOST"),
		Port:           port,
		User:           os.Getenv("FUNDRAISING_DB_USER"),
		Password:       os.Getenv("FUNDRAISING_DB_PASSWORD"),
		DBName:         os.Getenv("FUNDRAISING_DB_NAME"),
		SSLMode:        os.Getenv("FUNDRAISING_DB_SSLMODE"),
		ConnectTimeout: 5 * time.Second,
	}
	if dsn.Host == "" {
		dsn.Host = "localhost"
	}
	if dsn.User == "" {
		dsn.User = "postgres"
	}
	if dsn.DBName == "" {
		dsn.DBName = "fundraising_test"
	}
	if dsn.SSLMode == "" {
		dsn.SSLMode = "disable"
	}

	return dsn, nil
}

// NewDBFromEnv opens a connection against the test database described by the
// FUNDRAISING_DB_* environment variables.
func NewDBFromEnv() (*datastore.DB, error) {
	dsn, err := NewDSNFromEnv()
	if err != nil {
		return nil, err
	}

	return datastore.Open(dsn)
}

// TruncateTables removes all rows from the application tables, leaving the
// schema and the migration bookkeeping untouched.
func TruncateTables(db *datastore.DB) error {
	q := "TRUNCATE donations, projects, users RESTART IDENTITY CASCADE"
	if _, err := db.ExecContext(context.Background(), q); err != nil {
		return fmt.Errorf("truncating tables: %w", err)
	}

	return nil
}

// DropRemapArchive removes the identifier remap archive table, if present.
func DropRemapArchive(db *datastore.DB) error {
	q := "DROP TABLE IF EXISTS id_remap_archive"
	if _, err := db.ExecContext(context.Background(), q); err != nil {
		return fmt.Errorf("dropping remap archive: %w", err)
	}

	return nil
}
