package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20230705114210_add_users_role_column",
			Up: []string{
				`DO $$
				BEGIN
					IF NOT EXISTS (
						SELECT
							1
						FROM
							pg_catalog.pg_type
						WHERE
							typname = 'user_role'
					) THEN
						CREATE TYPE user_role AS ENUM ('ADMIN', 'USER', 'FUNDRAISER');
					END IF;
				END;
				$$`,
				"ALTER TABLE users ADD COLUMN IF NOT EXISTS role user_role NOT NULL DEFAULT 'USER'",
			},
			Down: []string{
				"ALTER TABLE users DROP COLUMN IF EXISTS role",
				"DROP TYPE IF EXISTS user_role",
			},
		},
	}

	allMigrations = append(allMigrations, m)
}
