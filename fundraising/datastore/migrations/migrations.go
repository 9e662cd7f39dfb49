package migrations

import (
	"database/sql"
	"fmt"
	"time"

	migrate "github.com/rubenv/sql-migrate"
)

const (
	dialect = "postgres"

	// migrationTableName is the name of the table where applied migrations
	// are recorded.
	migrationTableName = "schema_migrations"
)

func init() {
	migrate.SetTable(migrationTableName)
}

var allMigrations []*Migration

// Migration is a wrapper around the rubenv/sql-migrate Migration, which
// allows the addition of custom attributes.
type Migration struct {
	*migrate.Migration

	// PostDeployment denotes a migration that does not have to be applied
	// before the application is deployed, such as a long-running backfill.
	// These can be skipped during an upgrade and applied afterwards.
	PostDeployment bool
}

// MigrationStatus represents the status of a migration.
type MigrationStatus struct {
	// Unknown denotes a migration recorded on the database but not known to
	// the current version of the application.
	Unknown        bool
	PostDeployment bool
	AppliedAt      *time.Time
}

// Migrator is the database migration handler.
type Migrator struct {
	db         *sql.DB
	migrations []*Migration
}

// MigratorOption enables the creation of functional options for the
// configuration of the migrator.
type MigratorOption func(m *Migrator)

// SkipPostDeployment configures the migrator to ignore post deployment
// migrations.
func SkipPostDeployment(m *Migrator) {
	var filtered []*Migration
	for _, migration := range m.migrations {
		if !migration.PostDeployment {
			filtered = append(filtered, migration)
		}
	}
	m.migrations = filtered
}

// NewMigrator creates a new Migrator over all registered migrations.
func NewMigrator(db *sql.DB, opts ...MigratorOption) *Migrator {
	m := &Migrator{
		db:         db,
		migrations: allMigrations,
	}
	for _, o := range opts {
		o(m)
	}

	return m
}

func (m *Migrator) source() *migrate.MemoryMigrationSource {
	src := &migrate.MemoryMigrationSource{
		Migrations: make([]*migrate.Migration, 0, len(m.migrations)),
	}
	for _, migration := range m.migrations {
		src.Migrations = append(src.Migrations, migration.Migration)
	}

	return src
}

// Version returns the current applied migration version (if any).
func (m *Migrator) Version() (string, error) {
	records, err := migrate.GetMigrationRecords(m.db, dialect)
	if err != nil {
		return "", fmt.Errorf("reading applied migrations: %w", err)
	}
	if len(records) == 0 {
		return "", nil
	}

	return records[len(records)-1].Id, nil
}

// LatestVersion identifies the most recent migration known to the
// application.
func (m *Migrator) LatestVersion() string {
	if len(m.migrations) == 0 {
		return ""
	}

	return m.migrations[len(m.migrations)-1].Id
}

// Up applies all pending up migrations.
func (m *Migrator) Up() (int, error) {
	return m.UpN(0)
}

// UpN applies up to n pending up migrations. All are applied if n is 0.
func (m *Migrator) UpN(n int) (int, error) {
	return migrate.ExecMax(m.db, dialect, m.source(), migrate.Up, n)
}

// UpNPlan plans up to n pending up migrations and returns the ordered list
// of migration IDs. All are planned if n is 0.
func (m *Migrator) UpNPlan(n int) ([]string, error) {
	return m.plan(migrate.Up, n)
}

// Down applies all pending down migrations.
func (m *Migrator) Down() (int, error) {
	return m.DownN(0)
}

// DownN applies up to n pending down migrations. All are applied if n is 0.
func (m *Migrator) DownN(n int) (int, error) {
	return migrate.ExecMax(m.db, dialect, m.source(), migrate.Down, n)
}

// DownNPlan plans up to n pending down migrations and returns the ordered
// list of migration IDs. All are planned if n is 0.
func (m *Migrator) DownNPlan(n int) ([]string, error) {
	return m.plan(migrate.Down, n)
}

func (m *Migrator) plan(direction migrate.MigrationDirection, n int) ([]string, error) {
	planned, _, err := migrate.PlanMigration(m.db, dialect, m.source(), direction, n)
	if err != nil {
		return nil, fmt.Errorf("planning migrations: %w", err)
	}

	ids := make([]string, 0, len(planned))
	for _, p := range planned {
		ids = append(ids, p.Id)
	}

	return ids, nil
}

// Status returns the status of all migrations, indexed by migration ID.
func (m *Migrator) Status() (map[string]*MigrationStatus, error) {
	records, err := migrate.GetMigrationRecords(m.db, dialect)
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}

	statuses := make(map[string]*MigrationStatus, len(m.migrations))
	for _, migration := range m.migrations {
		statuses[migration.Id] = &MigrationStatus{
			PostDeployment: migration.PostDeployment,
		}
	}

	for _, record := range records {
		s, known := statuses[record.Id]
		if !known {
			s = &MigrationStatus{Unknown: true}
			statuses[record.Id] = s
		}
		appliedAt := record.AppliedAt
		s.AppliedAt = &appliedAt
	}

	return statuses, nil
}

// HasPending determines whether all known migrations are applied or not.
func (m *Migrator) HasPending() (bool, error) {
	statuses, err := m.Status()
	if err != nil {
		return false, err
	}

	for _, migration := range m.migrations {
		if statuses[migration.Id].AppliedAt == nil {
			return true, nil
		}
	}

	return false, nil
}
