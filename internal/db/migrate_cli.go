package db

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
)

// ErrMigrateUsage is returned by RunMigrateCommand for a missing or unknown
// action. The help text has already been written.
var ErrMigrateUsage = errors.New("invalid migrate command")

// RunMigrateCommand handles the 'migrate' subcommand against the journal at
// dbPath, writing its report to w.
func RunMigrateCommand(w io.Writer, args []string, dbPath string) error {
	if len(args) < 1 {
		PrintMigrateHelp(w)
		return ErrMigrateUsage
	}
	action := args[0]
	if action == "help" {
		PrintMigrateHelp(w)
		return nil
	}
	if dbPath == "" {
		return errors.New("no journal configured: pass --journal <path>")
	}

	// migrations manage the schema, so the database is opened bare
	database, err := OpenDB(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	migrationsFS := MigrationsFS()
	switch action {
	case "up":
		if err := database.MigrateUp(migrationsFS); err != nil {
			return err
		}
		fmt.Fprintln(w, "All migrations applied")
	case "down":
		if err := database.MigrateDown(migrationsFS); err != nil {
			return err
		}
		fmt.Fprintln(w, "Rolled back one migration")
	case "status":
	default:
		fmt.Fprintf(w, "Unknown migrate action: %s\n\n", action)
		PrintMigrateHelp(w)
		return ErrMigrateUsage
	}
	return printMigrateStatus(w, database, migrationsFS)
}

func printMigrateStatus(w io.Writer, database *DB, migrationsFS fs.FS) error {
	version, dirty, err := database.MigrateVersion(migrationsFS)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	latest, err := LatestMigrationVersion(migrationsFS)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Journal: %s\n", database.Path())
	fmt.Fprintf(w, "Current version: %d\n", version)
	fmt.Fprintf(w, "Latest available: %d\n", latest)
	fmt.Fprintf(w, "Dirty: %v\n", dirty)
	switch {
	case dirty:
		fmt.Fprintln(w, "A migration failed mid-execution; inspect the journal before continuing.")
	case version < latest:
		fmt.Fprintf(w, "Journal is %d version(s) behind. Run 'stepbridge --journal %s migrate up'.\n", latest-version, database.Path())
	default:
		fmt.Fprintln(w, "Journal is up to date")
	}
	return nil
}

// PrintMigrateHelp writes usage for the migrate subcommand.
func PrintMigrateHelp(w io.Writer) {
	fmt.Fprint(w, `Journal migration commands

Usage: stepbridge --journal <path> migrate <command>

Commands:
  up        Apply all pending migrations
  down      Roll back one migration
  status    Show the current and latest schema version
  help      Show this help message
`)
}
