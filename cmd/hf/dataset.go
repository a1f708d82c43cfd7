package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Manage datasets",
}

var datasetCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine) error {
			ds, err := e.svc.CreateDataset(ctx, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(ds)
			}
			fmt.Printf("Created dataset %s (%s)\n", ds.Name, ds.UID)
			return nil
		})(cmd, args)
	},
}

var datasetValidateCmd = &cobra.Command{
	Use:   "validate <dataset-uid>",
	Short: "Check dataset-level attributes against the schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine) error {
			uid, err := parseUID("dataset uid", args[0])
			if err != nil {
				return err
			}
			report, err := e.svc.GetDatasetValidation(ctx, uid)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(report)
			}
			if report.Valid {
				fmt.Println("Dataset is valid")
				return nil
			}
			fmt.Println("Dataset is not valid; failing attributes:")
			for _, tag := range report.NonValidAttributes {
				fmt.Printf("  %s\n", tag)
			}
			return nil
		})(cmd, args)
	},
}

func init() {
	datasetCmd.AddCommand(datasetCreateCmd)
	datasetCmd.AddCommand(datasetValidateCmd)
	rootCmd.AddCommand(datasetCmd)
}
