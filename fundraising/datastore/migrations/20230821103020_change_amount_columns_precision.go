package migrations

import (
	"fmt"

	migrate "github.com/rubenv/sql-migrate"
)

func init() {
	var ups, downs []string

	// Amounts are whole IDR values, so precision 15 scale 0 is enough for any
	// realistic campaign while rejecting corrupt out-of-range values.
	for _, tc := range []struct{ table, column string }{
		{"projects", "target_amount"},
		{"projects", "current_amount"},
		{"donations", "amount"},
	} {
		ups = append(ups, fmt.Sprintf(
			"ALTER TABLE %s ALTER COLUMN %s TYPE numeric(15,0)", tc.table, tc.column))
		downs = append(downs, fmt.Sprintf(
			"ALTER TABLE %s ALTER COLUMN %s TYPE numeric", tc.table, tc.column))
	}

	m := &Migration{
		Migration: &migrate.Migration{
			Id:   "20230821103020_change_amount_columns_precision",
			Up:   ups,
			Down: downs,
		},
	}

	allMigrations = append(allMigrations, m)
}
