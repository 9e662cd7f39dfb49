package datastore

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"sort"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/benbjohnson/clock"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func Test_buildIDMapping(t *testing.T) {
	base := time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := []idRow{
		{SourceTable: "users", OldID: "5bd7a85b-0000-4000-8000-000000000001", CreatedAt: base},
		{SourceTable: "users", OldID: "5bd7a85b-0000-4000-8000-000000000002", CreatedAt: base},
		{SourceTable: "projects", OldID: "5bd7a85b-0000-4000-8000-000000000003", CreatedAt: base.Add(time.Hour)},
		{SourceTable: "donations", OldID: "5bd7a85b-0000-4000-8000-000000000004", CreatedAt: base.Add(2 * time.Hour)},
	}

	entries, err := buildIDMapping(rows, ulid.Monotonic(ulid.DefaultEntropy(), 0))
	require.NoError(t, err)
	require.Len(t, entries, len(rows))

	newIDs := make([]string, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		require.Equal(t, rows[i].OldID, e.OldID)
		require.Equal(t, rows[i].SourceTable, e.SourceTable)
		require.Len(t, e.NewID, 26)

		_, dup := seen[e.NewID]
		require.False(t, dup)
		seen[e.NewID] = struct{}{}

		id, err := ulid.ParseStrict(e.NewID)
		require.NoError(t, err)
		require.Equal(t, ulid.Timestamp(rows[i].CreatedAt), id.Time())

		newIDs = append(newIDs, e.NewID)
	}

	// Identifiers generated in creation order sort in creation order.
	require.True(t, sort.StringsAreSorted(newIDs))
}

func Test_buildIDMapping_DuplicateOldID(t *testing.T) {
	base := time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := []idRow{
		{SourceTable: "users", OldID: "5bd7a85b-0000-4000-8000-000000000001", CreatedAt: base},
		{SourceTable: "projects", OldID: "5bd7a85b-0000-4000-8000-000000000001", CreatedAt: base},
	}

	_, err := buildIDMapping(rows, ulid.Monotonic(ulid.DefaultEntropy(), 0))
	require.ErrorIs(t, err, ErrMappingNotInjective)
}

func Test_remapSteps_Forward(t *testing.T) {
	steps := remapSteps(ulidType, "old_id", "new_id")

	names := make([]string, 0, len(steps))
	for _, s := range steps {
		names = append(names, s.name)
	}
	require.Equal(t, []string{
		"add_shadow_columns",
		"populate_shadow_columns",
		"drop_foreign_keys",
		"swap_columns",
		"restore_constraints",
	}, names)

	require.Contains(t, steps[0].statements,
		"ALTER TABLE users ADD COLUMN id_remap character(26)")
	require.Contains(t, steps[1].statements,
		"UPDATE projects SET fundraiser_id_remap = a.new_id FROM id_remap_archive a WHERE projects.fundraiser_id = a.old_id")
	require.Contains(t, steps[3].statements,
		"ALTER TABLE donations RENAME COLUMN user_id_remap TO user_id")
	// donations.user_id stays optional for anonymous donations.
	require.NotContains(t, steps[3].statements,
		"ALTER TABLE donations ALTER COLUMN user_id SET NOT NULL")
	require.Contains(t, steps[4].statements,
		"ALTER TABLE donations ADD CONSTRAINT fk_donations_user_id_users FOREIGN KEY (user_id) REFERENCES users (id) ON UPDATE CASCADE ON DELETE SET NULL")
}

func Test_remapSteps_Restore(t *testing.T) {
	steps := remapSteps(uuidType, "new_id", "old_id")

	require.Contains(t, steps[0].statements,
		"ALTER TABLE users ADD COLUMN id_remap uuid")
	require.Contains(t, steps[1].statements,
		"UPDATE users SET id_remap = a.old_id FROM id_remap_archive a WHERE users.id = a.new_id")
}

func newMockRemapper(t *testing.T, opts ...RemapOption) (*IDRemapper, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	db := &DB{DB: mockDB, log: logrus.NewEntry(logger)}
	rm := NewIDRemapper(db, opts...)
	rm.clock = clock.NewMock()

	return rm, mock
}

func expectSteps(mock sqlmock.Sqlmock, steps []remapStep) {
	for _, step := range steps {
		for _, stmt := range step.statements {
			mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 0))
		}
		if step.name == "populate_shadow_columns" {
			expectShadowVerification(mock)
		}
	}
}

func expectShadowVerification(mock sqlmock.Sqlmock) {
	for _, c := range remapColumns {
		q := fmt.Sprintf(
			"SELECT COUNT(*) FROM %[1]s WHERE %[2]s IS NOT NULL AND %[2]s%[3]s IS NULL",
			c.table, c.column, shadowSuffix)
		mock.ExpectQuery(regexp.QuoteMeta(q)).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	}
}

func expectIdentifierCollection(mock sqlmock.Sqlmock, rows []idRow) {
	mockRows := sqlmock.NewRows([]string{"source_table", "id", "created_at"})
	for _, r := range rows {
		mockRows.AddRow(r.SourceTable, r.OldID, r.CreatedAt)
	}
	mock.ExpectQuery(regexp.QuoteMeta(collectIdentifiersQuery)).WillReturnRows(mockRows)
}

func expectArchive(mock sqlmock.Sqlmock, rows []idRow) {
	mock.ExpectExec(regexp.QuoteMeta(createArchiveTableQuery)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	for _, r := range rows {
		mock.ExpectExec(regexp.QuoteMeta(insertArchiveQuery)).
			WithArgs(r.OldID, sqlmock.AnyArg(), r.SourceTable).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
}

func TestIDRemapper_Remap(t *testing.T) {
	rm, mock := newMockRemapper(t)

	base := time.Date(2023, 1, 2, 3, 4, 5, 0, time.UTC)
	rows := []idRow{
		{SourceTable: "users", OldID: "5bd7a85b-0000-4000-8000-000000000001", CreatedAt: base},
		{SourceTable: "projects", OldID: "5bd7a85b-0000-4000-8000-000000000002", CreatedAt: base.Add(time.Minute)},
		{SourceTable: "donations", OldID: "5bd7a85b-0000-4000-8000-000000000003", CreatedAt: base.Add(2 * time.Minute)},
	}

	mock.ExpectBegin()
	expectIdentifierCollection(mock, rows)
	expectArchive(mock, rows)
	expectSteps(mock, remapSteps(ulidType, "old_id", "new_id"))
	mock.ExpectCommit()

	require.NoError(t, rm.Remap(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIDRemapper_Remap_DryRun(t *testing.T) {
	rm, mock := newMockRemapper(t, WithDryRun)

	mock.ExpectBegin()
	expectIdentifierCollection(mock, nil)
	expectArchive(mock, nil)
	expectSteps(mock, remapSteps(ulidType, "old_id", "new_id"))
	mock.ExpectRollback()

	require.NoError(t, rm.Remap(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIDRemapper_Remap_DirtyState(t *testing.T) {
	rm, mock := newMockRemapper(t, WithRequireCleanState)

	mock.ExpectBegin()
	mock.ExpectQuery("information_schema.columns").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectRollback()

	err := rm.Remap(context.Background())
	require.ErrorIs(t, err, ErrRemapStateDirty)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIDRemapper_Remap_StepFailureRollsBack(t *testing.T) {
	rm, mock := newMockRemapper(t)

	mock.ExpectBegin()
	expectIdentifierCollection(mock, nil)
	mock.ExpectExec(regexp.QuoteMeta(createArchiveTableQuery)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("ALTER TABLE users ADD COLUMN id_remap character(26)")).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.DuplicateColumn, Message: "column exists"})
	mock.ExpectRollback()

	err := rm.Remap(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "remap step add_shadow_columns")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIDRemapper_Remap_UniqueViolation(t *testing.T) {
	rm, mock := newMockRemapper(t)

	rows := []idRow{
		{SourceTable: "users", OldID: "5bd7a85b-0000-4000-8000-000000000001", CreatedAt: time.Now()},
	}

	mock.ExpectBegin()
	expectIdentifierCollection(mock, rows)
	mock.ExpectExec(regexp.QuoteMeta(createArchiveTableQuery)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(insertArchiveQuery)).
		WithArgs(rows[0].OldID, sqlmock.AnyArg(), rows[0].SourceTable).
		WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation, Message: "duplicate key"})
	mock.ExpectRollback()

	err := rm.Remap(context.Background())
	require.ErrorIs(t, err, ErrMappingNotInjective)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIDRemapper_Restore(t *testing.T) {
	rm, mock := newMockRemapper(t)

	mock.ExpectBegin()
	mock.ExpectQuery("information_schema.tables").
		WithArgs(archiveTable).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM id_remap_archive")).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	expectSteps(mock, append(remapSteps(uuidType, "new_id", "old_id"), restoreDefaultsStep))
	mock.ExpectCommit()

	require.NoError(t, rm.Restore(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIDRemapper_Restore_NoArchive(t *testing.T) {
	rm, mock := newMockRemapper(t)

	mock.ExpectBegin()
	mock.ExpectQuery("information_schema.tables").
		WithArgs(archiveTable).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	err := rm.Restore(context.Background())
	require.ErrorIs(t, err, ErrNoRemapArchive)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIDRemapper_MappingExport(t *testing.T) {
	rm, mock := newMockRemapper(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT old_id::text, new_id, source_table FROM id_remap_archive ORDER BY new_id")).
		WillReturnRows(sqlmock.NewRows([]string{"old_id", "new_id", "source_table"}).
			AddRow("5bd7a85b-0000-4000-8000-000000000001", "01H9GV3E8NJ0Q2Z4Y6W8A0C2E4", "users").
			AddRow("5bd7a85b-0000-4000-8000-000000000002", "01H9GV3E8PK1R3A5Z7X9B1D3F5", "projects"))

	var buf bytes.Buffer
	require.NoError(t, rm.MappingExport(context.Background(), &buf))

	want := "old_id,new_id,source_table\n" +
		"5bd7a85b-0000-4000-8000-000000000001,01H9GV3E8NJ0Q2Z4Y6W8A0C2E4,users\n" +
		"5bd7a85b-0000-4000-8000-000000000002,01H9GV3E8PK1R3A5Z7X9B1D3F5,projects\n"
	require.Equal(t, want, buf.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIDRemapper_MappingExport_NoArchive(t *testing.T) {
	rm, mock := newMockRemapper(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT old_id::text, new_id, source_table FROM id_remap_archive ORDER BY new_id")).
		WillReturnRows(sqlmock.NewRows([]string{"old_id", "new_id", "source_table"}))

	err := rm.MappingExport(context.Background(), &bytes.Buffer{})
	require.ErrorIs(t, err, ErrNoRemapArchive)
	require.NoError(t, mock.ExpectationsWereMet())
}

func Test_remapError(t *testing.T) {
	tests := []struct {
		name    string
		arg     error
		wantErr error
	}{
		{
			name:    "unique_violation",
			arg:     &pgconn.PgError{Code: pgerrcode.UniqueViolation},
			wantErr: ErrMappingNotInjective,
		},
		{
			name:    "foreign_key_violation",
			arg:     &pgconn.PgError{Code: pgerrcode.ForeignKeyViolation},
			wantErr: ErrDanglingReference,
		},
		{
			name:    "not_null_violation",
			arg:     &pgconn.PgError{Code: pgerrcode.NotNullViolation},
			wantErr: ErrDanglingReference,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.ErrorIs(t, remapError(tt.arg), tt.wantErr)
		})
	}
}

func Test_remapError_Passthrough(t *testing.T) {
	err := fmt.Errorf("connection reset")
	require.Equal(t, err, remapError(err))
}
