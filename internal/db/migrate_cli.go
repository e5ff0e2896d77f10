package db

import (
	"fmt"
	"io"
	"strconv"
)

// RunMigrateCommand handles the migrate subcommand against the database at
// dbPath.
func RunMigrateCommand(w io.Writer, args []string, dbPath string) error {
	if len(args) < 1 {
		PrintMigrateHelp(w)
		return fmt.Errorf("migrate: missing action")
	}
	if args[0] == "help" {
		PrintMigrateHelp(w)
		return nil
	}

	// Migrations manage the schema, so the database is opened without them.
	database, err := OpenDB(dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	switch action := args[0]; action {
	case "up":
		if err := database.MigrateUp(); err != nil {
			return err
		}
		fmt.Fprintln(w, "All migrations applied")
	case "down":
		if err := database.MigrateDown(); err != nil {
			return err
		}
		fmt.Fprintln(w, "Rolled back one migration")
	case "status":
		return printMigrateStatus(w, database)
	case "force":
		if len(args) < 2 {
			return fmt.Errorf("usage: adccal migrate force <version>")
		}
		v, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		if err := database.MigrateForce(v); err != nil {
			return err
		}
		fmt.Fprintf(w, "Forced schema version to %d\n", v)
	default:
		PrintMigrateHelp(w)
		return fmt.Errorf("unknown migrate action: %s", action)
	}
	return nil
}

func printMigrateStatus(w io.Writer, database *DB) error {
	version, dirty, err := database.MigrateVersion()
	if err != nil {
		return err
	}
	latest, err := LatestMigrationVersion()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Current version: %d\n", version)
	fmt.Fprintf(w, "Latest version:  %d\n", latest)
	switch {
	case dirty:
		fmt.Fprintln(w, "Status: dirty, run 'adccal migrate force <version>' after fixing the schema")
	case version < latest:
		fmt.Fprintf(w, "Status: %d migration(s) pending\n", latest-version)
	default:
		fmt.Fprintln(w, "Status: up to date")
	}
	return nil
}

// PrintMigrateHelp writes the usage of the migrate subcommand.
func PrintMigrateHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: adccal migrate <action> [args]

Actions:
  up                 apply all pending migrations
  down               roll back the most recent migration
  status             show the current and latest schema version
  force <version>    set the schema version without migrating (recovery only)
  help               show this help
`)
}
