// Package main applies the matchmaking database schema migrations.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/cory-johannsen/matchmaking/internal/config"
	"github.com/cory-johannsen/matchmaking/internal/storage/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	start := time.Now()

	flagSet := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", "configs/dev.yaml", "path to configuration file")
	dir := flagSet.String("dir", "migrations", "directory holding the migration files")
	direction := flagSet.String("direction", "up", "migration direction: up or down")
	steps := flagSet.Int("steps", 0, "number of steps (0 = all)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *steps < 0 {
		return fmt.Errorf("steps must not be negative, got %d", *steps)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	dsn := cfg.Database.DSN()

	switch *direction {
	case "up":
		res, err := postgres.Migrate(dsn, *dir, *steps)
		if err != nil {
			return err
		}
		report(res, *direction, start)
	case "down":
		if *steps == 0 {
			if err := postgres.MigrateDown(dsn, *dir); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "migrated down to an empty schema [%s]\n", time.Since(start))
			return nil
		}
		res, err := postgres.Migrate(dsn, *dir, -*steps)
		if err != nil {
			return err
		}
		report(res, *direction, start)
	default:
		return fmt.Errorf("invalid direction %q: must be 'up' or 'down'", *direction)
	}
	return nil
}

func report(res postgres.MigrationResult, direction string, start time.Time) {
	if !res.Changed {
		fmt.Fprintf(os.Stdout, "no changes (version=%d dirty=%v) [%s]\n", res.Version, res.Dirty, time.Since(start))
		return
	}
	fmt.Fprintf(os.Stdout, "migrated %s to version=%d dirty=%v [%s]\n", direction, res.Version, res.Dirty, time.Since(start))
}
