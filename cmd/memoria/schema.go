package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	_ "modernc.org/sqlite"

	"memoria/internal/auth"
	"memoria/internal/config"
	"memoria/internal/metadata"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Manage the on-disk database schema",
}

var schemaInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the data directory and run pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSchemaInit()
	},
}

func init() {
	schemaCmd.AddCommand(schemaInitCmd)
}

func runSchemaInit() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	metaStore, err := metadata.Open(filepath.Join(cfg.DataDir, "memoria.db"))
	if err != nil {
		return fmt.Errorf("migrate metadata db: %w", err)
	}
	metaStore.Close()

	authDB, err := sql.Open("sqlite", filepath.Join(cfg.DataDir, "auth.db"))
	if err != nil {
		return fmt.Errorf("open auth db: %w", err)
	}
	defer authDB.Close()
	if err := auth.NewStore(authDB, cfg.APIKeySaltRounds).Migrate(); err != nil {
		return fmt.Errorf("migrate auth db: %w", err)
	}

	fmt.Printf("schema initialized in %s\n", cfg.DataDir)
	return nil
}
