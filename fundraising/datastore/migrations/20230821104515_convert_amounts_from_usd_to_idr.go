package migrations

import (
	"fmt"

	migrate "github.com/rubenv/sql-migrate"
)

// Early campaigns stored amounts in whole USD. Rows below the threshold are
// still USD-scale; anything at or above it was already entered in IDR and
// must not be touched.
const (
	usdToIDRRate      = 15000
	usdScaleThreshold = 100000
)

func init() {
	var ups, downs []string

	for _, tc := range []struct{ table, column string }{
		{"projects", "target_amount"},
		{"projects", "current_amount"},
		{"donations", "amount"},
	} {
		ups = append(ups, fmt.Sprintf(
			"UPDATE %[1]s SET %[2]s = %[2]s * %[3]d WHERE %[2]s < %[4]d",
			tc.table, tc.column, usdToIDRRate, usdScaleThreshold))

		// Best effort inverse: only exact multiples of the rate that fold
		// back into the USD band are divided. Original IDR-scale rows that
		// happen to match cannot be told apart.
		downs = append(downs, fmt.Sprintf(
			"UPDATE %[1]s SET %[2]s = %[2]s / %[3]d WHERE %[2]s %% %[3]d = 0 AND %[2]s / %[3]d < %[4]d AND %[2]s > 0",
			tc.table, tc.column, usdToIDRRate, usdScaleThreshold))
	}

	m := &Migration{
		Migration: &migrate.Migration{
			Id:   "20230821104515_convert_amounts_from_usd_to_idr",
			Up:   ups,
			Down: downs,
		},
	}

	allMigrations = append(allMigrations, m)
}
