package cmd

import (
	"fmt"

	"example.com/backstage/services/powerwatch/internal/core"
	"example.com/backstage/services/powerwatch/internal/infrastructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	migrateSeed  bool
	migrateCheck bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	Long: `Brings every table up to date with the current models. With --seed the
product catalogue and a demo partner, customer, site and device are added when
missing. With --check nothing is changed and the command fails when tables are
missing.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().BoolVar(&migrateSeed, "seed", false, "seed product models and demo records")
	migrateCmd.Flags().BoolVar(&migrateCheck, "check", false, "report missing tables without migrating")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	db, err := infrastructure.NewDatabase(cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	models := core.AllModels()
	missing, err := db.MissingTables(models...)
	if err != nil {
		return err
	}
	log := logger.WithFields(logrus.Fields{"driver": db.Driver(), "missing_tables": missing})

	if migrateCheck {
		if len(missing) > 0 {
			return fmt.Errorf("schema is missing %d tables: %v", len(missing), missing)
		}
		log.Info("Schema is up to date")
		return nil
	}

	log.Info("Migrating schema")
	if err := db.Migrate(models...); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	if migrateSeed {
		if err := core.SeedReferenceData(cmd.Context(), core.NewRepository(db.DB), logger); err != nil {
			return fmt.Errorf("seed reference data: %w", err)
		}
	}

	logger.WithField("tables", len(models)).Info("Schema migrated")
	return nil
}
