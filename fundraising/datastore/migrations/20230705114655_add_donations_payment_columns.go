package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20230705114655_add_donations_payment_columns",
			Up: []string{
				`DO $$
				BEGIN
					IF NOT EXISTS (
						SELECT
							1
						FROM
							pg_catalog.pg_type
						WHERE
							typname = 'donation_payment_status'
					) THEN
						CREATE TYPE donation_payment_status AS ENUM ('PENDING', 'PAID', 'EXPIRED', 'FAILED', 'CANCELLED');
					END IF;
				END;
				$$`,
				`DO $$
				BEGIN
					IF NOT EXISTS (
						SELECT
							1
						FROM
							pg_catalog.pg_type
						WHERE
							typname = 'donation_payment_method'
					) THEN
						CREATE TYPE donation_payment_method AS ENUM ('INVOICE', 'VIRTUAL_ACCOUNT', 'EWALLET', 'CARD');
					END IF;
				END;
				$$`,
				"ALTER TABLE donations ADD COLUMN IF NOT EXISTS payment_status donation_payment_status NOT NULL DEFAULT 'PENDING'",
				"ALTER TABLE donations ADD COLUMN IF NOT EXISTS payment_method donation_payment_method",
			},
			Down: []string{
				"ALTER TABLE donations DROP COLUMN IF EXISTS payment_method",
				"ALTER TABLE donations DROP COLUMN IF EXISTS payment_status",
				"DROP TYPE IF EXISTS donation_payment_method",
				"DROP TYPE IF EXISTS donation_payment_status",
			},
		},
	}

	allMigrations = append(allMigrations, m)
}
