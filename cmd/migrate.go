package cmd

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/salesagent/internal/database"
	"github.com/salesagent/internal/jobqueue"
	"github.com/salesagent/internal/store"
)

// MigrateCommand applies the queue and application schemas
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:   "migrate",
		Usage:  "Apply database migrations",
		Flags:  []cli.Flag{envFileFlag},
		Action: runMigrate,
	}
}

func runMigrate(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	ctx := c.Context

	applied, err := jobqueue.Migrate(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	log.Info().Int("versions", applied).Msg("Queue schema is up to date")

	db, err := database.NewDB(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if err := store.EnsureSchema(ctx, db); err != nil {
		return err
	}
	log.Info().Msg("Application schema is up to date")
	return nil
}
