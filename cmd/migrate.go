package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	coreconfig "github.com/AzielCF/az-filter/core/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Initialize or upgrade the rule store schema",
	Long:  `Creates the ruleset, entry and event tables for the configured database driver, then exits.`,
	Run:   runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(_ *cobra.Command, _ []string) {
	cfg := coreconfig.Global

	// Verify raw connectivity before touching the schema.
	if err := pingStore(cfg); err != nil {
		logrus.Fatalf("[MIGRATION] Store unreachable: %v", err)
	}

	// initApp already ran repo.Init, which is idempotent. Running it again
	// here keeps the command honest when pointed at a fresh database.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := filterRepo.Init(ctx); err != nil {
		logrus.Fatalf("[MIGRATION] Schema init failed: %v", err)
	}

	count, err := filterRepo.CountRuleSets(ctx)
	if err != nil {
		logrus.Fatalf("[MIGRATION] Post-migration check failed: %v", err)
	}

	logrus.Infof("[MIGRATION] Schema ready (%s), %d rule sets stored.", cfg.Database.Driver, count)
	StopApp()
}

func pingStore(cfg *coreconfig.Config) error {
	var driver, dsn string
	switch cfg.Database.Driver {
	case "postgres":
		driver = "postgres"
		dsn = fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			cfg.Database.Host, cfg.Database.Port, cfg.Database.User, cfg.Database.Password, cfg.Database.Name)
	default:
		driver = "sqlite3"
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL", cfg.Database.Name)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}
