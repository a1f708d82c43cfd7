package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Manage batches and drive them through the lifecycle",
}

var batchCreateCmd = &cobra.Command{
	Use:   "create <name> --project <uid>",
	Short: "Create a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		projectArg, _ := cmd.Flags().GetString("project")
		return withEngine(func(ctx context.Context, e *engine) error {
			projectUID, err := parseUID("project uid", projectArg)
			if err != nil {
				return err
			}
			b, err := e.svc.CreateBatch(ctx, projectUID, args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(b)
			}
			fmt.Printf("Created batch %s (%s)\n", b.Name, b.UID)
			return nil
		})(cmd, args)
	},
}

var batchImportCmd = &cobra.Command{
	Use:   "import <batch-uid> <file>",
	Short: "Ingest a batch metadata file, apply mappers, and validate",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine) error {
			uid, err := parseUID("batch uid", args[0])
			if err != nil {
				return err
			}
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()

			items, err := e.svc.UploadBatchFile(ctx, uid, f)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(items)
			}
			fmt.Printf("Ingested %d items into batch %s\n", len(items), uid)
			return nil
		})(cmd, args)
	},
}

var batchPreCmd = &cobra.Command{
	Use:   "pre-process <batch-uid>",
	Short: "Run the pre-processing pipeline over the batch's selected images",
	Args:  cobra.ExactArgs(1),
	RunE:  batchTransition(func(ctx context.Context, e *engine, uid uuid.UUID) error { return e.svc.PreProcessBatch(ctx, uid) }),
}

var batchPostCmd = &cobra.Command{
	Use:   "process <batch-uid>",
	Short: "Run the post-processing pipeline over the batch's selected images",
	Args:  cobra.ExactArgs(1),
	RunE:  batchTransition(func(ctx context.Context, e *engine, uid uuid.UUID) error { return e.svc.ProcessBatch(ctx, uid) }),
}

var batchCompleteCmd = &cobra.Command{
	Use:   "complete <batch-uid>",
	Short: "Complete a post-processed batch and lock its items",
	Args:  cobra.ExactArgs(1),
	RunE:  batchTransition(func(ctx context.Context, e *engine, uid uuid.UUID) error { return e.svc.CompleteBatch(ctx, uid) }),
}

var batchDeleteCmd = &cobra.Command{
	Use:   "delete <batch-uid>",
	Short: "Delete a batch and its items, preserving shared samples",
	Args:  cobra.ExactArgs(1),
	RunE:  batchTransition(func(ctx context.Context, e *engine, uid uuid.UUID) error { return e.svc.DeleteBatch(ctx, uid) }),
}

var batchValidateCmd = &cobra.Command{
	Use:   "validate <batch-uid>",
	Short: "Check every selected item in the batch against the schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine) error {
			uid, err := parseUID("batch uid", args[0])
			if err != nil {
				return err
			}
			report, err := e.svc.GetBatchValidation(ctx, uid)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(report)
			}
			if report.Valid {
				fmt.Println("Batch is valid")
				return nil
			}
			fmt.Printf("Batch is not valid; %d failing items:\n", len(report.NonValidItems))
			for _, itemUID := range report.NonValidItems {
				fmt.Printf("  %s\n", itemUID)
			}
			return nil
		})(cmd, args)
	},
}

// batchTransition wraps the uid-parse plus status-report boilerplate shared
// by the lifecycle commands.
func batchTransition(fn func(ctx context.Context, e *engine, uid uuid.UUID) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine) error {
			uid, err := parseUID("batch uid", args[0])
			if err != nil {
				return err
			}
			if err := fn(ctx, e, uid); err != nil {
				return err
			}
			b, err := e.svc.GetBatch(ctx, uid)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(b)
			}
			fmt.Printf("Batch %s is now %s\n", b.UID, b.Status)
			return nil
		})(cmd, args)
	}
}

func init() {
	batchCreateCmd.Flags().String("project", "", "project owning the batch (required)")
	_ = batchCreateCmd.MarkFlagRequired("project")

	batchCmd.AddCommand(batchCreateCmd)
	batchCmd.AddCommand(batchImportCmd)
	batchCmd.AddCommand(batchPreCmd)
	batchCmd.AddCommand(batchPostCmd)
	batchCmd.AddCommand(batchCompleteCmd)
	batchCmd.AddCommand(batchDeleteCmd)
	batchCmd.AddCommand(batchValidateCmd)
	rootCmd.AddCommand(batchCmd)
}
