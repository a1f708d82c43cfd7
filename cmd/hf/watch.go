package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/histoflow/histoflow/internal/importer"
	"github.com/histoflow/histoflow/internal/types"
)

var watchCmd = &cobra.Command{
	Use:   "watch --project <uid>",
	Short: "Watch the inbox directory and ingest dropped batch files",
	Long: `Watch the inbox directory and ingest dropped batch files.

Each settled CSV becomes a batch named after the file (created on first
sight, reused afterwards). With --process the batch is pre-processed right
after ingest. Runs until interrupted.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		projectArg, _ := cmd.Flags().GetString("project")
		process, _ := cmd.Flags().GetBool("process")
		return withEngine(func(ctx context.Context, e *engine) error {
			projectUID, err := parseUID("project uid", projectArg)
			if err != nil {
				return err
			}
			if e.cfg.InboxDir == "" {
				return fmt.Errorf("no inbox directory configured; set inbox-dir")
			}
			if _, err := e.svc.GetProject(ctx, projectUID); err != nil {
				return err
			}

			w, err := importer.NewWatcher(e.cfg.InboxDir)
			if err != nil {
				return err
			}
			defer w.Close()

			fmt.Printf("Watching %s\n", e.cfg.InboxDir)
			err = w.Run(ctx, func(path string) {
				if err := ingestInboxFile(ctx, e, projectUID, path, process); err != nil {
					fmt.Fprintf(os.Stderr, "ingest %s: %v\n", path, err)
				}
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})(cmd, args)
	},
}

func ingestInboxFile(ctx context.Context, e *engine, projectUID uuid.UUID, path string, process bool) error {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	batch, err := findBatchByName(ctx, e, projectUID, name)
	if err != nil {
		return err
	}
	if batch == nil {
		batch, err = e.svc.CreateBatch(ctx, projectUID, name)
		if err != nil {
			return err
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	items, err := e.svc.UploadBatchFile(ctx, batch.UID, f)
	if err != nil {
		return err
	}
	fmt.Printf("Ingested %d items into batch %s from %s\n", len(items), batch.Name, path)

	if process {
		if err := e.svc.PreProcessBatch(ctx, batch.UID); err != nil {
			return err
		}
		fmt.Printf("Pre-processed batch %s\n", batch.Name)
	}
	return nil
}

func findBatchByName(ctx context.Context, e *engine, projectUID uuid.UUID, name string) (*types.Batch, error) {
	batches, err := e.store.ListBatches(ctx, projectUID)
	if err != nil {
		return nil, err
	}
	for _, b := range batches {
		if b.Name == name && !b.IsDefault {
			return b, nil
		}
	}
	return nil, nil
}

func init() {
	watchCmd.Flags().String("project", "", "project receiving the batches (required)")
	_ = watchCmd.MarkFlagRequired("project")
	watchCmd.Flags().Bool("process", false, "pre-process each batch after ingest")
	rootCmd.AddCommand(watchCmd)
}
