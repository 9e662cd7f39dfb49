package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20230612092045_create_donations_table",
			Up: []string{
				`CREATE TABLE IF NOT EXISTS donations (
					id uuid NOT NULL DEFAULT gen_random_uuid(),
					amount numeric NOT NULL,
					message text,
					project_id uuid NOT NULL,
					user_id uuid,
					created_at timestamp WITH time zone NOT NULL DEFAULT now(),
					updated_at timestamp WITH time zone,
					CONSTRAINT pk_donations PRIMARY KEY (id),
					CONSTRAINT fk_donations_project_id_projects FOREIGN KEY (project_id) REFERENCES projects (id) ON UPDATE CASCADE ON DELETE CASCADE,
					CONSTRAINT fk_donations_user_id_users FOREIGN KEY (user_id) REFERENCES users (id) ON UPDATE CASCADE ON DELETE SET NULL,
					CONSTRAINT check_donations_amount_positive CHECK ((amount > 0))
				)`,
				"CREATE INDEX IF NOT EXISTS index_donations_on_project_id ON donations USING btree (project_id)",
				"CREATE INDEX IF NOT EXISTS index_donations_on_user_id ON donations USING btree (user_id)",
			},
			Down: []string{
				"DROP TABLE IF EXISTS donations CASCADE",
			},
		},
	}

	allMigrations = append(allMigrations, m)
}
