package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database and data directories",
	Long: `Create the database and data directories.

Opens (creating if absent) the configured sqlite database, loads the schema,
and prepares the filestore. Safe to run repeatedly.`,
	Args: cobra.NoArgs,
	RunE: withEngine(func(ctx context.Context, e *engine) error {
		fmt.Printf("Database: %s\n", e.cfg.DBPath)
		fmt.Printf("Schema:   %s (%s)\n", e.cfg.SchemaPath, e.reg.Root().Name)
		fmt.Printf("Data:     %s\n", e.cfg.DataDir)
		return nil
	}),
}

func init() {
	rootCmd.AddCommand(initCmd)
}
