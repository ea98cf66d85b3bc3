package cmd

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"example.com/backstage/services/blog/internal/database"
	"example.com/backstage/services/blog/internal/models"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		dbCfg := cfg.DB
		dbCfg.AutoMigrate = false

		db, err := database.Open(dbCfg, nil)
		if err != nil {
			return errors.Wrap(err, "failed to connect to database")
		}
		defer database.Close(db)

		if err := models.SetupModels(db); err != nil {
			return errors.Wrap(err, "failed to migrate database")
		}
		log.Info().Str("driver", dbCfg.Driver).Msg("Database migrated")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
