package migrations

import migrate "github.com/rubenv/sql-migrate"

func init() {
	m := &Migration{
		Migration: &migrate.Migration{
			Id: "20230612091730_create_projects_table",
			Up: []string{
				`DO $$
				BEGIN
					IF NOT EXISTS (
						SELECT
							1
						FROM
							pg_catalog.pg_type
						WHERE
							typname = 'project_status'
					) THEN
						CREATE TYPE project_status AS ENUM ('ACTIVE', 'CLOSED', 'CANCELLED');
					END IF;
				END;
				$$`,
				`CREATE TABLE IF NOT EXISTS projects (
					id uuid NOT NULL DEFAULT gen_random_uuid(),
					title text NOT NULL,
					description text NOT NULL,
					images text[] NOT NULL DEFAULT '{}',
					target_amount numeric NOT NULL,
					current_amount numeric NOT NULL DEFAULT 0,
					start_date timestamp WITH time zone NOT NULL,
					end_date timestamp WITH time zone NOT NULL,
					status project_status NOT NULL DEFAULT 'ACTIVE',
					fundraiser_id uuid NOT NULL,
					created_at timestamp WITH time zone NOT NULL DEFAULT now(),
					updated_at timestamp WITH time zone,
					CONSTRAINT pk_projects PRIMARY KEY (id),
					CONSTRAINT fk_projects_fundraiser_id_users FOREIGN KEY (fundraiser_id) REFERENCES users (id) ON UPDATE CASCADE ON DELETE CASCADE,
					CONSTRAINT check_projects_title_length CHECK ((char_length(title) <= 255)),
					CONSTRAINT check_projects_target_amount_positive CHECK ((target_amount > 0)),
					CONSTRAINT check_projects_end_date_after_start_date CHECK ((end_date > start_date))
				)`,
				"CREATE INDEX IF NOT EXISTS index_projects_on_fundraiser_id ON projects USING btree (fundraiser_id)",
				"CREATE INDEX IF NOT EXISTS index_projects_on_status ON projects USING btree (status)",
			},
			Down: []string{
				"DROP TABLE IF EXISTS projects CASCADE",
				"DROP TYPE IF EXISTS project_status",
			},
		},
	}

	allMigrations = append(allMigrations, m)
}
