package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20230612091500_create_users_table",
			Up: []string{
				"CREATE EXTENSION IF NOT EXISTS pgcrypto",
				`CREATE TABLE IF NOT EXISTS users (
					id uuid NOT NULL DEFAULT gen_random_uuid(),
					name text NOT NULL,
					email text NOT NULL,
					password text NOT NULL,
					created_at timestamp WITH time zone NOT NULL DEFAULT now(),
					updated_at timestamp WITH time zone,
					CONSTRAINT pk_users PRIMARY KEY (id),
					CONSTRAINT unique_users_email UNIQUE (email),
					CONSTRAINT check_users_name_length CHECK ((char_length(name) <= 255)),
					CONSTRAINT check_users_email_length CHECK ((char_length(email) <= 255))
				)`,
			},
			Down: []string{
				"DROP TABLE IF EXISTS users CASCADE",
			},
		},
	}

	allMigrations = append(allMigrations, m)
}
