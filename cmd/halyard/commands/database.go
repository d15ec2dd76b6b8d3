// Package commands implements the halyard CLI.
package commands

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/halyardhq/halyard/config"
	"github.com/halyardhq/halyard/db"
	"github.com/halyardhq/halyard/errors"
	"github.com/halyardhq/halyard/logger"
)

// loadConfig honors the global --config flag, falling back to the upward
// search for halyard.toml.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

// openDatabase opens and migrates the configured SQLite database.
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	path := cfg.Database.Path
	if path == "" {
		path = "halyard.db"
	}

	database, err := db.Open(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}

	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrapf(err, "failed to run migrations on %s", path)
	}
	return database, nil
}
