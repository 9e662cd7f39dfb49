package fundraising

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"gitlab.com/galangdana/fundraising-db/configuration"
	"gitlab.com/galangdana/fundraising-db/fundraising/datastore"
	"gitlab.com/galangdana/fundraising-db/fundraising/datastore/migrations"
	"gitlab.com/galangdana/fundraising-db/version"
)

func init() {
	RootCmd.AddCommand(DBCmd)
	RootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "show the version and exit")

	MigrateCmd.AddCommand(MigrateVersionCmd)
	MigrateStatusCmd.Flags().BoolVarP(&upToDateCheck, "up-to-date", "u", false, "check if all known migrations are applied")
	MigrateStatusCmd.Flags().BoolVarP(&skipPostDeployment, "skip-post-deployment", "s", false, "ignore post deployment migrations")
	MigrateCmd.AddCommand(MigrateStatusCmd)
	MigrateUpCmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "do not commit changes to the database")
	MigrateUpCmd.Flags().VarP(nullableInt{&maxNumMigrations}, "limit", "n", "limit the number of migrations (all by default)")
	MigrateUpCmd.Flags().BoolVarP(&skipPostDeployment, "skip-post-deployment", "s", false, "do not apply post deployment migrations")
	MigrateCmd.AddCommand(MigrateUpCmd)
	MigrateDownCmd.Flags().BoolVarP(&force, "force", "f", false, "no confirmation message")
	MigrateDownCmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "do not commit changes to the database")
	MigrateDownCmd.Flags().VarP(nullableInt{&maxNumMigrations}, "limit", "n", "limit the number of migrations (all by default)")
	MigrateCmd.AddCommand(MigrateDownCmd)
	DBCmd.AddCommand(MigrateCmd)

	RemapRunCmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "do not commit changes to the database")
	RemapRunCmd.Flags().BoolVarP(&requireCleanState, "require-clean-state", "e", false, "abort if leftovers of a previous remap attempt are found")
	RemapRunCmd.Flags().BoolVarP(&rowCount, "row-count", "c", false, "count and log number of rows across the affected tables on completion")
	RemapCmd.AddCommand(RemapRunCmd)
	RemapRestoreCmd.Flags().BoolVarP(&force, "force", "f", false, "no confirmation message")
	RemapRestoreCmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "do not commit changes to the database")
	RemapCmd.AddCommand(RemapRestoreCmd)
	RemapExportCmd.Flags().StringVarP(&exportPath, "output", "o", "", "write the mapping to a file instead of stdout")
	RemapCmd.AddCommand(RemapExportCmd)
	DBCmd.AddCommand(RemapCmd)
}

// Command flag vars
var (
	dryRun             bool
	force              bool
	maxNumMigrations   *int
	requireCleanState  bool
	rowCount           bool
	showVersion        bool
	skipPostDeployment bool
	upToDateCheck      bool
	exportPath         string
)

// nullableInt implements spf13/pflag#Value as a custom nullable integer to capture spf13/cobra command flags.
// https://pkg.go.dev/github.com/spf13/pflag?tab=doc#Value
type nullableInt struct {
	ptr **int
}

func (f nullableInt) String() string {
	if *f.ptr == nil {
		return "0"
	}
	return strconv.Itoa(**f.ptr)
}

func (f nullableInt) Type() string {
	return "int"
}

func (f nullableInt) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*f.ptr = &v
	return nil
}

// resolveConfiguration loads the configuration from the file named by the
// first positional argument, falling back to the
// FUNDRAISING_CONFIGURATION_PATH environment variable.
func resolveConfiguration(args []string) (*configuration.Configuration, error) {
	var configPath string

	if len(args) > 0 {
		configPath = args[0]
	} else if os.Getenv("FUNDRAISING_CONFIGURATION_PATH") != "" {
		configPath = os.Getenv("FUNDRAISING_CONFIGURATION_PATH")
	}

	if configPath == "" {
		return nil, fmt.Errorf("configuration path unspecified")
	}

	return configuration.ParseFile(configPath)
}

func configureLogging(config *configuration.Configuration) (*logrus.Entry, error) {
	level, err := logrus.ParseLevel(config.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	logrus.SetLevel(level)

	switch config.Log.Formatter {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339Nano, FullTimestamp: true})
	}

	return logrus.NewEntry(logrus.StandardLogger()), nil
}

func dbFromConfig(config *configuration.Configuration) (*datastore.DB, error) {
	log, err := configureLogging(config)
	if err != nil {
		return nil, err
	}

	return datastore.Open(&datastore.DSN{
		Host:           config.Database.Host,
		Port:           config.Database.Port,
		User:           config.Database.User,
		Password:       config.Database.Password,
		DBName:         config.Database.DBName,
		SSLMode:        config.Database.SSLMode,
		ConnectTimeout: config.Database.ConnectTimeout.AsDuration(),
	},
		datastore.WithLogger(log),
		datastore.WithPoolConfig(&datastore.PoolConfig{
			MaxIdle:     config.Database.Pool.MaxIdle,
			MaxOpen:     config.Database.Pool.MaxOpen,
			MaxLifetime: config.Database.Pool.MaxLifetime.AsDuration(),
			MaxIdleTime: config.Database.Pool.MaxIdleTime.AsDuration(),
		}),
	)
}

// confirm prompts for a yes/no answer on stdin unless the force flag is set.
func confirm(prompt string) (bool, error) {
	if force {
		return true, nil
	}

	var response string
	fmt.Print(prompt + " Are you sure? [y/N] ")
	_, err := fmt.Scanln(&response)
	if err != nil && errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to scan user input: %w", err)
	}

	return regexp.MustCompile(`(?i)^y(es)?$`).MatchString(response), nil
}

// RootCmd is the main command for the 'fundraising-db' binary.
var RootCmd = &cobra.Command{
	Use:   "fundraising-db",
	Short: "`fundraising-db`",
	Long:  "`fundraising-db`",
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			version.PrintVersion()
			return
		}
		cmd.Usage()
	},
}

// DBCmd is the root of the `database` command.
var DBCmd = &cobra.Command{
	Use:   "database",
	Short: "Manages the fundraising database",
	Long:  "Manages the fundraising database",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Usage()
	},
}

// MigrateCmd is the `migrate` sub-command of `database` that manages database migrations.
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage migrations",
	Long:  "Manage migrations",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Usage()
	},
}

var MigrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply up migrations",
	Long:  "Apply up migrations",
	Run: func(cmd *cobra.Command, args []string) {
		config, err := resolveConfiguration(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			cmd.Usage()
			os.Exit(1)
		}

		if maxNumMigrations == nil {
			var all int
			maxNumMigrations = &all
		} else if *maxNumMigrations < 1 {
			fmt.Fprintf(os.Stderr, "limit must be greater than or equal to 1")
			os.Exit(1)
		}

		db, err := dbFromConfig(config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to construct database connection: %v", err)
			os.Exit(1)
		}

		var opts []migrations.MigratorOption
		if skipPostDeployment {
			opts = append(opts, migrations.SkipPostDeployment)
		}
		m := migrations.NewMigrator(db.DB, opts...)

		plan, err := m.UpNPlan(*maxNumMigrations)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to plan database migrations: %v", err)
			os.Exit(1)
		}
		if len(plan) > 0 {
			fmt.Println(strings.Join(plan, "\n"))
		}

		if !dryRun {
			start := time.Now()
			n, err := m.UpN(*maxNumMigrations)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to run database migrations: %v", err)
				os.Exit(1)
			}
			fmt.Printf("OK: applied %d migrations in %.3fs\n", n, time.Since(start).Seconds())
		}
	},
}

var MigrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Apply down migrations",
	Long:  "Apply down migrations",
	Run: func(cmd *cobra.Command, args []string) {
		config, err := resolveConfiguration(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			cmd.Usage()
			os.Exit(1)
		}

		if maxNumMigrations == nil {
			var all int
			maxNumMigrations = &all
		} else if *maxNumMigrations < 1 {
			fmt.Fprintf(os.Stderr, "limit must be greater than or equal to 1")
			os.Exit(1)
		}

		db, err := dbFromConfig(config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to construct database connection: %v", err)
			os.Exit(1)
		}

		m := migrations.NewMigrator(db.DB)
		plan, err := m.DownNPlan(*maxNumMigrations)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to plan database migrations: %v", err)
			os.Exit(1)
		}
		if len(plan) > 0 {
			fmt.Println(strings.Join(plan, "\n"))
		}

		if !dryRun && len(plan) > 0 {
			ok, err := confirm("Preparing to apply the above down migrations.")
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v", err)
				os.Exit(1)
			}
			if !ok {
				return
			}

			start := time.Now()
			n, err := m.DownN(*maxNumMigrations)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to run database migrations: %v", err)
				os.Exit(1)
			}
			fmt.Printf("OK: applied %d migrations in %.3fs\n", n, time.Since(start).Seconds())
		}
	},
}

// MigrateVersionCmd is the `version` sub-command of `database migrate` that shows the current migration version.
var MigrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show current migration version",
	Long:  "Show current migration version",
	Run: func(cmd *cobra.Command, args []string) {
		config, err := resolveConfiguration(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			cmd.Usage()
			os.Exit(1)
		}

		db, err := dbFromConfig(config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to construct database connection: %v", err)
			os.Exit(1)
		}

		m := migrations.NewMigrator(db.DB)
		v, err := m.Version()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to detect database version: %v", err)
			os.Exit(1)
		}
		if v == "" {
			v = "Unknown"
		}

		fmt.Printf("%s\n", v)
	},
}

// MigrateStatusCmd is the `status` sub-command of `database migrate` that shows the migrations status.
var MigrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status",
	Long:  "Show migration status",
	Run: func(cmd *cobra.Command, args []string) {
		config, err := resolveConfiguration(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			cmd.Usage()
			os.Exit(1)
		}

		db, err := dbFromConfig(config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to construct database connection: %v", err)
			os.Exit(1)
		}

		m := migrations.NewMigrator(db.DB)
		statuses, err := m.Status()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to detect database status: %v", err)
			os.Exit(1)
		}

		if upToDateCheck {
			upToDate := true
			for _, s := range statuses {
				if s.AppliedAt == nil {
					if !s.PostDeployment || !skipPostDeployment {
						upToDate = false
						break
					}
				}
			}
			fmt.Println(upToDate)
			return
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Migration", "Applied"})
		table.SetColWidth(80)

		// Display table rows sorted by migration ID
		var ids []string
		for id := range statuses {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		for _, id := range ids {
			if statuses[id].PostDeployment && skipPostDeployment {
				continue
			}
			name := id
			if statuses[id].Unknown {
				name += " (unknown)"
			}

			if statuses[id].PostDeployment {
				name += " (post deployment)"
			}

			var appliedAt string
			if statuses[id].AppliedAt != nil {
				appliedAt = statuses[id].AppliedAt.String()
			}

			table.Append([]string{name, appliedAt})
		}

		table.Render()
	},
}

// RemapCmd is the `remap-ids` sub-command of `database` that manages the one-off
// UUID to ULID identifier conversion.
var RemapCmd = &cobra.Command{
	Use:   "remap-ids",
	Short: "Manage the identifier remap",
	Long: "Manage the one-off conversion of all identifiers from UUIDs to ULIDs.\n" +
		"The conversion requires exclusive access to the database and should only\n" +
		"be run during a maintenance window.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Usage()
	},
}

var RemapRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Convert all identifiers from UUIDs to ULIDs",
	Long: "Convert all identifiers from UUIDs to ULIDs, preserving every relationship.\n" +
		"The forward mapping is archived on the database so the conversion can be reversed.",
	Run: func(cmd *cobra.Command, args []string) {
		config, err := resolveConfiguration(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			cmd.Usage()
			os.Exit(1)
		}

		db, err := dbFromConfig(config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to construct database connection: %v", err)
			os.Exit(1)
		}

		var opts []datastore.RemapOption
		if dryRun {
			opts = append(opts, datastore.WithDryRun)
		}
		if requireCleanState {
			opts = append(opts, datastore.WithRequireCleanState)
		}
		if rowCount {
			opts = append(opts, datastore.WithRowCount)
		}

		rm := datastore.NewIDRemapper(db, opts...)
		if err := rm.Remap(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "failed to remap identifiers: %v", err)
			os.Exit(1)
		}
	},
}

var RemapRestoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore the original UUID identifiers",
	Long:  "Restore the original UUID identifiers from the archived forward mapping",
	Run: func(cmd *cobra.Command, args []string) {
		config, err := resolveConfiguration(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			cmd.Usage()
			os.Exit(1)
		}

		db, err := dbFromConfig(config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to construct database connection: %v", err)
			os.Exit(1)
		}

		if !dryRun {
			ok, err := confirm("Preparing to restore all identifiers to their original UUIDs.")
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v", err)
				os.Exit(1)
			}
			if !ok {
				return
			}
		}

		var opts []datastore.RemapOption
		if dryRun {
			opts = append(opts, datastore.WithDryRun)
		}

		rm := datastore.NewIDRemapper(db, opts...)
		if err := rm.Restore(cmd.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "failed to restore identifiers: %v", err)
			os.Exit(1)
		}
	},
}

// RemapExportCmd is the `export` sub-command of `database remap-ids` that writes
// the archived identifier mapping as CSV.
var RemapExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the archived identifier mapping as CSV",
	Long:  "Export the archived identifier mapping as CSV",
	Run: func(cmd *cobra.Command, args []string) {
		config, err := resolveConfiguration(args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
			cmd.Usage()
			os.Exit(1)
		}

		db, err := dbFromConfig(config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to construct database connection: %v", err)
			os.Exit(1)
		}

		out := os.Stdout
		if exportPath != "" {
			fp, err := os.Create(exportPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to create output file: %v", err)
				os.Exit(1)
			}
			defer fp.Close()
			out = fp
		}

		rm := datastore.NewIDRemapper(db)
		if err := rm.MappingExport(cmd.Context(), out); err != nil {
			fmt.Fprintf(os.Stderr, "failed to export identifier mapping: %v", err)
			os.Exit(1)
		}
	},
}
