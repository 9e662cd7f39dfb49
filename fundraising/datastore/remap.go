package datastore

import (
	"context"
	crand "crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jszwec/csvutil"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

var (
	// ErrMappingNotInjective is returned when two distinct identifiers would
	// end up sharing a replacement, or when the same identifier is found on
	// more than one table.
	ErrMappingNotInjective = errors.New("identifier mapping is not injective")

	// ErrDanglingReference is returned when a reference column holds an
	// identifier with no corresponding replacement.
	ErrDanglingReference = errors.New("dangling identifier reference")

	// ErrRemapStateDirty is returned when leftovers of a previous remap
	// attempt (shadow columns or archive rows) are found and the remapper
	// was configured to require a clean state.
	ErrRemapStateDirty = errors.New("identifier remap state is not clean")

	// ErrNoRemapArchive is returned when a restore or export is requested
	// but no forward mapping has been archived.
	ErrNoRemapArchive = errors.New("identifier remap archive is empty or missing")
)

const (
	// archiveTable persists the forward old->new identifier mapping. It is
	// what makes the reversal a true inverse instead of a fresh random
	// regeneration, and doubles as the operator-facing archival of the
	// original UUIDs. It is kept after a successful remap.
	archiveTable = "id_remap_archive"

	// shadowSuffix is appended to each identifier column to form the name of
	// its temporary shadow column.
	shadowSuffix = "_remap"

	uuidType = "uuid"
	ulidType = "character(26)"
)

// remapColumn describes one column holding an identifier, either a primary
// key or a reference to one.
type remapColumn struct {
	table   string
	column  string
	notNull bool
}

// remapColumns lists every column storing an identifier across the three
// tables, in the order they are shadowed and swapped.
var remapColumns = []remapColumn{
	{table: "users", column: "id", notNull: true},
	{table: "projects", column: "id", notNull: true},
	{table: "projects", column: "fundraiser_id", notNull: true},
	{table: "donations", column: "id", notNull: true},
	{table: "donations", column: "project_id", notNull: true},
	{table: "donations", column: "user_id", notNull: false},
}

var remapTables = []string{"users", "projects", "donations"}

// remapStep is one named stage of the column swap sequence. Steps run in
// strict order inside a single transaction, so a failure at any point rolls
// the whole conversion back.
type remapStep struct {
	name       string
	statements []string
}

// remapSteps builds the shadow-column swap sequence. shadowType is the SQL
// type of the replacement identifiers, matchColumn the archive column
// holding the current on-table values and valueColumn the archive column
// holding the replacements.
func remapSteps(shadowType, matchColumn, valueColumn string) []remapStep {
	var add, populate, swap []string
	for _, c := range remapColumns {
		add = append(add, fmt.Sprintf(
			"ALTER TABLE %s ADD COLUMN %s%s %s", c.table, c.column, shadowSuffix, shadowType))

		populate = append(populate, fmt.Sprintf(
			"UPDATE %[1]s SET %[2]s%[3]s = a.%[4]s FROM %[5]s a WHERE %[1]s.%[2]s = a.%[6]s",
			c.table, c.column, shadowSuffix, valueColumn, archiveTable, matchColumn))

		swap = append(swap,
			fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", c.table, c.column),
			fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s%s TO %s", c.table, c.column, shadowSuffix, c.column))
		if c.notNull {
			swap = append(swap, fmt.Sprintf(
				"ALTER TABLE %s ALTER COLUMN %s SET NOT NULL", c.table, c.column))
		}
	}

	return []remapStep{
		{name: "add_shadow_columns", statements: add},
		{name: "populate_shadow_columns", statements: populate},
		{
			name: "drop_foreign_keys",
			statements: []string{
				"ALTER TABLE projects DROP CONSTRAINT IF EXISTS fk_projects_fundraiser_id_users",
				"ALTER TABLE donations DROP CONSTRAINT IF EXISTS fk_donations_project_id_projects",
				"ALTER TABLE donations DROP CONSTRAINT IF EXISTS fk_donations_user_id_users",
			},
		},
		{name: "swap_columns", statements: swap},
		{
			name: "restore_constraints",
			statements: []string{
				"ALTER TABLE users ADD CONSTRAINT pk_users PRIMARY KEY (id)",
				"ALTER TABLE projects ADD CONSTRAINT pk_projects PRIMARY KEY (id)",
				"ALTER TABLE donations ADD CONSTRAINT pk_donations PRIMARY KEY (id)",
				"ALTER TABLE projects ADD CONSTRAINT fk_projects_fundraiser_id_users FOREIGN KEY (fundraiser_id) REFERENCES users (id) ON UPDATE CASCADE ON DELETE CASCADE",
				"ALTER TABLE donations ADD CONSTRAINT fk_donations_project_id_projects FOREIGN KEY (project_id) REFERENCES projects (id) ON UPDATE CASCADE ON DELETE CASCADE",
				"ALTER TABLE donations ADD CONSTRAINT fk_donations_user_id_users FOREIGN KEY (user_id) REFERENCES users (id) ON UPDATE CASCADE ON DELETE SET NULL",
				"CREATE INDEX IF NOT EXISTS index_projects_on_fundraiser_id ON projects USING btree (fundraiser_id)",
				"CREATE INDEX IF NOT EXISTS index_donations_on_project_id ON donations USING btree (project_id)",
				"CREATE INDEX IF NOT EXISTS index_donations_on_user_id ON donations USING btree (user_id)",
			},
		},
	}
}

// restoreDefaultsStep re-adds the UUID generation defaults dropped together
// with the original columns. Only meaningful for the restore direction: the
// application generates ULIDs itself after the forward remap.
var restoreDefaultsStep = remapStep{
	name: "restore_defaults",
	statements: []string{
		"ALTER TABLE users ALTER COLUMN id SET DEFAULT gen_random_uuid()",
		"ALTER TABLE projects ALTER COLUMN id SET DEFAULT gen_random_uuid()",
		"ALTER TABLE donations ALTER COLUMN id SET DEFAULT gen_random_uuid()",
	},
}

const createArchiveTableQuery = `CREATE TABLE IF NOT EXISTS id_remap_archive (
	old_id uuid NOT NULL,
	new_id character(26) NOT NULL,
	source_table text NOT NULL,
	created_at timestamp WITH time zone NOT NULL DEFAULT now(),
	CONSTRAINT pk_id_remap_archive PRIMARY KEY (old_id),
	CONSTRAINT unique_id_remap_archive_new_id UNIQUE (new_id)
)`

const insertArchiveQuery = `INSERT INTO id_remap_archive (old_id, new_id, source_table) VALUES ($1, $2, $3)`

// collectIdentifiersQuery gathers every primary key value across the three
// tables, oldest first, so replacement identifiers are generated in creation
// order and remain roughly sortable by it.
const collectIdentifiersQuery = `SELECT
	source_table,
	id,
	created_at
FROM (
	SELECT
		'users' AS source_table, id::text AS id, created_at
	FROM users
	UNION ALL
	SELECT
		'projects', id::text, created_at
	FROM projects
	UNION ALL
	SELECT
		'donations', id::text, created_at
	FROM donations) ids
ORDER BY
	created_at,
	id`

// IDRemapper converts every identifier column across the users, projects and
// donations tables from UUIDs to ULIDs, preserving the full referential
// graph. This is only meant to be used as a one-off conversion, during a
// maintenance window with exclusive access to the affected tables. The whole
// conversion runs inside a single transaction, so a failure at any step
// leaves the database untouched.
type IDRemapper struct {
	db    *DB
	log   *logrus.Entry
	clock clock.Clock

	dryRun            bool
	requireCleanState bool
	rowCount          bool
}

// RemapOption provides functional options for the IDRemapper.
type RemapOption func(*IDRemapper)

// WithDryRun configures the IDRemapper to roll back the transaction at the
// end of the conversion instead of committing it.
func WithDryRun(rm *IDRemapper) {
	rm.dryRun = true
}

// WithRequireCleanState configures the IDRemapper to abort if leftovers of a
// previous remap attempt are found.
func WithRequireCleanState(rm *IDRemapper) {
	rm.requireCleanState = true
}

// WithRowCount configures the IDRemapper to count and log the number of rows
// across the affected tables on completion.
func WithRowCount(rm *IDRemapper) {
	rm.rowCount = true
}

// NewIDRemapper creates a new IDRemapper.
func NewIDRemapper(db *DB, opts ...RemapOption) *IDRemapper {
	rm := &IDRemapper{
		db:    db,
		log:   db.log,
		clock: clock.New(),
	}
	for _, o := range opts {
		o(rm)
	}

	return rm
}

type idRow struct {
	SourceTable string
	OldID       string
	CreatedAt   time.Time
}

// mappingEntry is one row of the forward mapping archive.
type mappingEntry struct {
	OldID       string `csv:"old_id"`
	NewID       string `csv:"new_id"`
	SourceTable string `csv:"source_table"`
}

// buildIDMapping generates one replacement ULID per identifier. Rows must be
// ordered by creation time: with a monotonic entropy source that ordering is
// what keeps replacements unique and roughly creation-sorted when timestamps
// collide.
func buildIDMapping(rows []idRow, entropy io.Reader) ([]mappingEntry, error) {
	entries := make([]mappingEntry, 0, len(rows))
	byOld := make(map[string]struct{}, len(rows))
	byNew := make(map[string]struct{}, len(rows))

	for _, row := range rows {
		if _, ok := byOld[row.OldID]; ok {
			return nil, fmt.Errorf("%w: identifier %s appears on more than one table", ErrMappingNotInjective, row.OldID)
		}

		id, err := ulid.New(ulid.Timestamp(row.CreatedAt), entropy)
		if err != nil {
			return nil, fmt.Errorf("generating replacement identifier: %w", err)
		}
		newID := id.String()
		if _, ok := byNew[newID]; ok {
			return nil, fmt.Errorf("%w: generated identifier %s collides", ErrMappingNotInjective, newID)
		}

		byOld[row.OldID] = struct{}{}
		byNew[newID] = struct{}{}
		entries = append(entries, mappingEntry{
			OldID:       row.OldID,
			NewID:       newID,
			SourceTable: row.SourceTable,
		})
	}

	return entries, nil
}

// Remap performs the forward UUID to ULID conversion.
func (rm *IDRemapper) Remap(ctx context.Context) error {
	l := rm.log.WithFields(logrus.Fields{"component": "id_remapper", "dry_run": rm.dryRun})
	start := rm.clock.Now()
	l.Info("starting identifier remap")

	tx, err := rm.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning remap transaction: %w", err)
	}

	if err := rm.remap(ctx, tx, l); err != nil {
		return rollbackOn(tx, err)
	}

	if rm.dryRun {
		l.Info("dry run, rolling back")
		if err := tx.Rollback(); err != nil {
			return fmt.Errorf("rolling back dry run transaction: %w", err)
		}
	} else if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing remap transaction: %w", err)
	}

	l.WithField("duration_s", rm.clock.Since(start).Seconds()).Info("identifier remap complete")

	return nil
}

func (rm *IDRemapper) remap(ctx context.Context, tx Transactor, l *logrus.Entry) error {
	if rm.requireCleanState {
		if err := rm.checkCleanState(ctx, tx); err != nil {
			return err
		}
	}

	rows, err := rm.collectIdentifiers(ctx, tx)
	if err != nil {
		return err
	}
	l.WithField("identifiers", len(rows)).Info("generating replacement identifiers")

	entries, err := buildIDMapping(rows, ulid.Monotonic(crand.Reader, 0))
	if err != nil {
		return err
	}

	if err := rm.archiveMapping(ctx, tx, entries); err != nil {
		return err
	}

	if err := rm.execSteps(ctx, tx, l, remapSteps(ulidType, "old_id", "new_id")); err != nil {
		return err
	}

	return rm.logRowCounts(ctx, tx, l)
}

// execSteps runs the swap sequence in order, verifying the populated shadow
// columns before the originals are dropped.
func (rm *IDRemapper) execSteps(ctx context.Context, tx Queryer, l *logrus.Entry, steps []remapStep) error {
	for _, step := range steps {
		if err := rm.execStep(ctx, tx, l, step); err != nil {
			return err
		}
		if step.name == "populate_shadow_columns" {
			if err := rm.verifyShadows(ctx, tx); err != nil {
				return err
			}
		}
	}

	return nil
}

// Restore performs the reverse conversion, rebuilding the original UUID
// columns from the archived forward mapping. It is a true inverse: every row
// gets back the exact identifier it held before the remap.
func (rm *IDRemapper) Restore(ctx context.Context) error {
	l := rm.log.WithFields(logrus.Fields{"component": "id_remapper", "dry_run": rm.dryRun})
	start := rm.clock.Now()
	l.Info("starting identifier restore")

	tx, err := rm.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning restore transaction: %w", err)
	}

	if err := rm.restore(ctx, tx, l); err != nil {
		return rollbackOn(tx, err)
	}

	if rm.dryRun {
		l.Info("dry run, rolling back")
		if err := tx.Rollback(); err != nil {
			return fmt.Errorf("rolling back dry run transaction: %w", err)
		}
	} else if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing restore transaction: %w", err)
	}

	l.WithField("duration_s", rm.clock.Since(start).Seconds()).Info("identifier restore complete")

	return nil
}

func (rm *IDRemapper) restore(ctx context.Context, tx Transactor, l *logrus.Entry) error {
	n, err := rm.archivedCount(ctx, tx)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoRemapArchive
	}
	l.WithField("identifiers", n).Info("restoring archived identifiers")

	steps := append(remapSteps(uuidType, "new_id", "old_id"), restoreDefaultsStep)
	if err := rm.execSteps(ctx, tx, l, steps); err != nil {
		return err
	}

	return rm.logRowCounts(ctx, tx, l)
}

// MappingExport writes the archived forward mapping to w as CSV, for
// operator-side archival of the discarded UUIDs.
func (rm *IDRemapper) MappingExport(ctx context.Context, w io.Writer) error {
	q := fmt.Sprintf("SELECT old_id::text, new_id, source_table FROM %s ORDER BY new_id", archiveTable)
	rows, err := rm.db.QueryContext(ctx, q)
	if err != nil {
		return fmt.Errorf("reading identifier archive: %w", err)
	}
	defer rows.Close()

	var entries []mappingEntry
	for rows.Next() {
		var e mappingEntry
		if err := rows.Scan(&e.OldID, &e.NewID, &e.SourceTable); err != nil {
			return fmt.Errorf("scanning identifier archive row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("reading identifier archive: %w", err)
	}
	if len(entries) == 0 {
		return ErrNoRemapArchive
	}

	b, err := csvutil.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshaling identifier archive: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("writing identifier archive: %w", err)
	}

	return nil
}

func (rm *IDRemapper) collectIdentifiers(ctx context.Context, tx Queryer) ([]idRow, error) {
	rows, err := tx.QueryContext(ctx, collectIdentifiersQuery)
	if err != nil {
		return nil, fmt.Errorf("collecting identifiers: %w", err)
	}
	defer rows.Close()

	var out []idRow
	for rows.Next() {
		var r idRow
		if err := rows.Scan(&r.SourceTable, &r.OldID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning identifier row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("collecting identifiers: %w", err)
	}

	return out, nil
}

func (rm *IDRemapper) archiveMapping(ctx context.Context, tx Queryer, entries []mappingEntry) error {
	if _, err := tx.ExecContext(ctx, createArchiveTableQuery); err != nil {
		return fmt.Errorf("creating identifier archive table: %w", err)
	}

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, insertArchiveQuery, e.OldID, e.NewID, e.SourceTable); err != nil {
			return fmt.Errorf("archiving identifier mapping: %w", remapError(err))
		}
	}

	return nil
}

func (rm *IDRemapper) execStep(ctx context.Context, tx Queryer, l *logrus.Entry, step remapStep) error {
	start := rm.clock.Now()
	for _, stmt := range step.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("remap step %s: %w", step.name, remapError(err))
		}
	}
	l.WithFields(logrus.Fields{
		"step":       step.name,
		"duration_s": rm.clock.Since(start).Seconds(),
	}).Info("remap step complete")

	return nil
}

// verifyShadows asserts that every identifier present got a replacement
// before the originals are dropped: a populated column with a NULL shadow
// would silently break a relationship.
func (rm *IDRemapper) verifyShadows(ctx context.Context, tx Queryer) error {
	for _, c := range remapColumns {
		q := fmt.Sprintf(
			"SELECT COUNT(*) FROM %[1]s WHERE %[2]s IS NOT NULL AND %[2]s%[3]s IS NULL",
			c.table, c.column, shadowSuffix)

		var n int
		if err := tx.QueryRowContext(ctx, q).Scan(&n); err != nil {
			return fmt.Errorf("verifying %s.%s: %w", c.table, c.column, err)
		}
		if n > 0 {
			return fmt.Errorf("%w: %d rows on %s.%s have no replacement identifier", ErrDanglingReference, n, c.table, c.column)
		}
	}

	return nil
}

func (rm *IDRemapper) checkCleanState(ctx context.Context, tx Queryer) error {
	q := `SELECT
	COUNT(*)
FROM
	information_schema.columns
WHERE
	table_name IN ('users', 'projects', 'donations')
	AND column_name LIKE '%\_remap'`

	var shadows int
	if err := tx.QueryRowContext(ctx, q).Scan(&shadows); err != nil {
		return fmt.Errorf("checking for shadow columns: %w", err)
	}
	if shadows > 0 {
		return fmt.Errorf("%w: %d shadow columns present", ErrRemapStateDirty, shadows)
	}

	n, err := rm.archivedCount(ctx, tx)
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: identifier archive holds %d rows", ErrRemapStateDirty, n)
	}

	return nil
}

// archivedCount returns the number of archived mapping rows, or zero when
// the archive table does not exist yet.
func (rm *IDRemapper) archivedCount(ctx context.Context, tx Queryer) (int, error) {
	var exists bool
	q := "SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)"
	if err := tx.QueryRowContext(ctx, q, archiveTable).Scan(&exists); err != nil {
		return 0, fmt.Errorf("checking for identifier archive table: %w", err)
	}
	if !exists {
		return 0, nil
	}

	var n int
	if err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", archiveTable)).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting archived identifiers: %w", err)
	}

	return n, nil
}

func (rm *IDRemapper) logRowCounts(ctx context.Context, tx Queryer, l *logrus.Entry) error {
	if !rm.rowCount {
		return nil
	}

	counters := make(logrus.Fields, len(remapTables))
	for _, t := range remapTables {
		var n int
		if err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", t)).Scan(&n); err != nil {
			return fmt.Errorf("counting %s rows: %w", t, err)
		}
		counters[t] = n
	}
	l.WithFields(counters).Info("table row counts")

	return nil
}

// rollbackOn rolls the transaction back after a failure, surfacing both the
// cause and any rollback error.
func rollbackOn(tx Transactor, err error) error {
	if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
		return multierror.Append(err, fmt.Errorf("rolling back: %w", rbErr))
	}

	return err
}

// remapError translates low level constraint violations into the remap error
// taxonomy, leaving other storage errors untouched.
func remapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		return fmt.Errorf("%w: %v", ErrMappingNotInjective, err)
	case pgerrcode.ForeignKeyViolation, pgerrcode.NotNullViolation:
		return fmt.Errorf("%w: %v", ErrDanglingReference, err)
	}

	return err
}
