package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage curation projects",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create <name> --dataset <uid>",
	Short: "Create a project with its default batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		datasetArg, _ := cmd.Flags().GetString("dataset")
		return withEngine(func(ctx context.Context, e *engine) error {
			datasetUID, err := parseUID("dataset uid", datasetArg)
			if err != nil {
				return err
			}
			p, err := e.svc.CreateProject(ctx, args[0], datasetUID)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(p)
			}
			fmt.Printf("Created project %s (%s)\n", p.Name, p.UID)
			return nil
		})(cmd, args)
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	Args:  cobra.NoArgs,
	RunE: withEngine(func(ctx context.Context, e *engine) error {
		projects, err := e.store.ListProjects(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(projects)
		}
		w := newTable()
		fmt.Fprintln(w, "UID\tNAME\tSTATUS\tDATASET")
		for _, p := range projects {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.UID, p.Name, p.Status, p.DatasetUID)
		}
		return w.Flush()
	}),
}

var projectStatusCmd = &cobra.Command{
	Use:   "status <project-uid>",
	Short: "Show a project and its batches",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine) error {
			uid, err := parseUID("project uid", args[0])
			if err != nil {
				return err
			}
			p, err := e.svc.GetProject(ctx, uid)
			if err != nil {
				return err
			}
			batches, err := e.store.ListBatches(ctx, uid)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(map[string]any{"project": p, "batches": batches})
			}
			fmt.Printf("Project %s (%s): %s\n", p.Name, p.UID, p.Status)
			w := newTable()
			fmt.Fprintln(w, "UID\tNAME\tSTATUS\tDEFAULT")
			for _, b := range batches {
				def := ""
				if b.IsDefault {
					def = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", b.UID, b.Name, b.Status, def)
			}
			return w.Flush()
		})(cmd, args)
	},
}

var projectValidateCmd = &cobra.Command{
	Use:   "validate <project-uid>",
	Short: "Check project-level attributes against the schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine) error {
			uid, err := parseUID("project uid", args[0])
			if err != nil {
				return err
			}
			report, err := e.svc.GetProjectValidation(ctx, uid)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(report)
			}
			if report.Valid {
				fmt.Println("Project is valid")
				return nil
			}
			fmt.Println("Project is not valid; failing attributes:")
			for _, tag := range report.NonValidAttributes {
				fmt.Printf("  %s\n", tag)
			}
			return nil
		})(cmd, args)
	},
}

var projectExportCmd = &cobra.Command{
	Use:   "export <project-uid>",
	Short: "Export a completed project's dataset documents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, e *engine) error {
			uid, err := parseUID("project uid", args[0])
			if err != nil {
				return err
			}
			manifest, err := e.svc.ExportProject(ctx, uid)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(manifest)
			}
			fmt.Printf("Exported %d of %d items (%d non-valid skipped)\n",
				manifest.Exported, manifest.Items, manifest.NonValid)
			for name, n := range manifest.BySchema {
				fmt.Printf("  %s: %d\n", name, n)
			}
			return nil
		})(cmd, args)
	},
}

var projectDeleteCmd = &cobra.Command{
	Use:   "delete <project-uid>",
	Short: "Delete a project, its batches, items, and stored files",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		return withEngine(func(ctx context.Context, e *engine) error {
			uid, err := parseUID("project uid", args[0])
			if err != nil {
				return err
			}
			if !force {
				return fmt.Errorf("project deletion is irreversible; pass --force to confirm")
			}
			if err := e.svc.DeleteProject(ctx, uid); err != nil {
				return err
			}
			fmt.Printf("Deleted project %s\n", uid)
			return nil
		})(cmd, args)
	},
}

func init() {
	projectCreateCmd.Flags().String("dataset", "", "dataset the project curates into (required)")
	_ = projectCreateCmd.MarkFlagRequired("dataset")
	projectDeleteCmd.Flags().Bool("force", false, "confirm deletion")

	projectCmd.AddCommand(projectCreateCmd)
	projectCmd.AddCommand(projectListCmd)
	projectCmd.AddCommand(projectStatusCmd)
	projectCmd.AddCommand(projectValidateCmd)
	projectCmd.AddCommand(projectExportCmd)
	projectCmd.AddCommand(projectDeleteCmd)
	rootCmd.AddCommand(projectCmd)
}
