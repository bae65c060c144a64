package db

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strconv"
)

// ErrUsage is returned by RunMigrateCommand for malformed arguments. The
// help text has already been written when it is returned.
var ErrUsage = errors.New("invalid migrate usage")

// RunMigrateCommand handles the 'migrate' subcommand. Output goes to out.
func RunMigrateCommand(args []string, dbPath string, out io.Writer) error {
	if len(args) < 1 {
		PrintMigrateHelp(out)
		return ErrUsage
	}
	action := args[0]
	if action == "help" {
		PrintMigrateHelp(out)
		return nil
	}

	migrations, err := getMigrationsFS()
	if err != nil {
		return fmt.Errorf("failed to get migrations filesystem: %w", err)
	}

	// Migrations own the schema, so open without running them.
	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	switch action {
	case "up":
		if err := database.MigrateUp(migrations); err != nil {
			return err
		}
		fmt.Fprintln(out, "All migrations applied")
		return printVersion(out, database, migrations)

	case "down":
		if err := database.MigrateDown(migrations); err != nil {
			return err
		}
		fmt.Fprintln(out, "Rolled back one migration")
		return printVersion(out, database, migrations)

	case "status":
		st, err := database.GetMigrationStatus(migrations)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "=== Migration Status ===")
		fmt.Fprintf(out, "Current version: %d\n", st.CurrentVersion)
		fmt.Fprintf(out, "Latest available: %d\n", st.LatestVersion)
		fmt.Fprintf(out, "Dirty: %v\n", st.Dirty)
		fmt.Fprintf(out, "Schema migrations table exists: %v\n", st.SchemaMigrationsExists)
		if st.Dirty {
			fmt.Fprintln(out, "\nWARNING: a migration failed mid-execution.")
			fmt.Fprintln(out, "Inspect the database, then run: lanecount migrate force <version>")
		} else if st.CurrentVersion < st.LatestVersion {
			fmt.Fprintf(out, "\n%d migration(s) pending. Run: lanecount migrate up\n", st.LatestVersion-st.CurrentVersion)
		}
		return nil

	case "version":
		v, err := versionArg(args, out)
		if err != nil {
			return err
		}
		if err := database.MigrateTo(migrations, uint(v)); err != nil {
			return err
		}
		fmt.Fprintf(out, "Migrated to version %d\n", v)
		return nil

	case "force":
		v, err := versionArg(args, out)
		if err != nil {
			return err
		}
		if err := database.MigrateForce(migrations, v); err != nil {
			return err
		}
		fmt.Fprintf(out, "Migration version forced to %d\n", v)
		return nil

	default:
		fmt.Fprintf(out, "Unknown migrate action: %s\n\n", action)
		PrintMigrateHelp(out)
		return ErrUsage
	}
}

func versionArg(args []string, out io.Writer) (int, error) {
	if len(args) < 2 {
		fmt.Fprintf(out, "Usage: lanecount migrate %s <version_number>\n", args[0])
		return 0, ErrUsage
	}
	v, err := strconv.Atoi(args[1])
	if err != nil || v < 0 {
		fmt.Fprintf(out, "Invalid version number: %s\n", args[1])
		return 0, ErrUsage
	}
	return v, nil
}

func printVersion(out io.Writer, database *DB, migrations fs.FS) error {
	version, dirty, err := database.MigrateVersion(migrations)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}

// PrintMigrateHelp writes the help text for the migrate command.
func PrintMigrateHelp(out io.Writer) {
	fmt.Fprint(out, `Database Migration Commands

Usage: lanecount migrate <command> [options]

Commands:
  up              Apply all pending migrations
  down            Rollback one migration
  status          Show current migration status and version
  version <N>     Migrate to specific version N
  force <N>       Force migration version to N (recovery only)
  help            Show this help message

Examples:
  lanecount migrate up
  lanecount migrate status
  lanecount -db-path /var/lib/lanecount/lanecount.db migrate down
`)
}
