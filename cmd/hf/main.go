// Command hf is the histoflow curation engine CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/histoflow/histoflow/internal/codec"
	"github.com/histoflow/histoflow/internal/config"
	"github.com/histoflow/histoflow/internal/filestore"
	"github.com/histoflow/histoflow/internal/lifecycle"
	"github.com/histoflow/histoflow/internal/pipeline"
	"github.com/histoflow/histoflow/internal/schema"
	"github.com/histoflow/histoflow/internal/service"
	"github.com/histoflow/histoflow/internal/storage/sqlite"
	"github.com/histoflow/histoflow/internal/telemetry"
)

var version = "dev"

var (
	cfgFile    string
	jsonOutput bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:           "hf",
	Short:         "Whole-slide image curation engine",
	Long:          "hf curates whole-slide pathology images: schema-driven metadata, batch lifecycle, image pipeline, and dataset export.",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// engine bundles the long-lived components one command invocation needs.
type engine struct {
	cfg   *config.Config
	store *sqlite.SQLiteStorage
	reg   *schema.Registry
	files *filestore.Local
	coord *lifecycle.Coordinator
	pipe  *pipeline.Runner
	svc   *service.Service
}

// openEngine assembles the engine from configuration. The pipeline runs in
// synchronous mode: CLI commands process images inline instead of racing a
// worker pool against process exit.
func openEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	reg, err := schema.LoadRegistry(cfg.SchemaPath)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	store, err := sqlite.New(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	files, err := filestore.NewLocal(cfg.DataDir)
	if err != nil {
		store.Close()
		return nil, err
	}

	coord := lifecycle.New(store)
	dl := &filestore.LocalDownloader{Inbox: cfg.ImageDir, Store: files}
	opts := codec.Options{
		Levels:           cfg.Pipeline.Dicomizer.Levels,
		IncludeLabels:    cfg.Pipeline.Dicomizer.IncludeLabels,
		IncludeOverviews: cfg.Pipeline.Dicomizer.IncludeOverviews,
		WorkerThreads:    cfg.Pipeline.Dicomizer.WorkerThreads,
	}
	pre := []pipeline.Step{
		&pipeline.DicomizeStep{Codec: codec.CopyDicomizer{}, Opts: opts, Reg: reg},
		&pipeline.ThumbnailStep{Files: files, MaxSize: cfg.Pipeline.ThumbnailSize, UsePseudonym: cfg.Export.UsePseudonyms},
		&pipeline.StoreStep{Files: files, UsePseudonym: cfg.Export.UsePseudonyms},
		&pipeline.FinishStep{DeleteSource: cfg.Pipeline.DeleteSource},
	}
	pipe := pipeline.New(store, coord, dl, pre, nil, pipeline.Config{
		Sync:            true,
		DownloadRetries: uint64(cfg.Pipeline.DownloadRetries),
	})
	svc, err := service.New(store, reg, coord, pipe, files, cfg.Export.UsePseudonyms)
	if err != nil {
		store.Close()
		return nil, err
	}
	return &engine{cfg: cfg, store: store, reg: reg, files: files, coord: coord, pipe: pipe, svc: svc}, nil
}

func (e *engine) Close() error {
	return e.store.Close()
}

// withEngine opens the engine, runs fn, and closes it again.
func withEngine(fn func(ctx context.Context, e *engine) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := openEngine(cmd.Context())
		if err != nil {
			return err
		}
		defer e.Close()
		return fn(cmd.Context(), e)
	}
}

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	if telemetry.Enabled() {
		if err := telemetry.Init(rootCtx, "histoflow", version); err != nil {
			fmt.Fprintf(os.Stderr, "telemetry init: %v\n", err)
		}
		defer telemetry.Shutdown(context.Background())
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default histoflow.yaml in the working directory)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print machine-readable JSON")

	if err := rootCmd.ExecuteContext(rootCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
