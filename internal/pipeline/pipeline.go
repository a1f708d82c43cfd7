// Package pipeline executes per-image processing tasks over two bounded
// queues. A task owns one image through download and the configured steps;
// failures absorb into the image's failed status and never kill a worker.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/histoflow/histoflow/internal/idgen"
	"github.com/histoflow/histoflow/internal/lifecycle"
	"github.com/histoflow/histoflow/internal/storage"
	"github.com/histoflow/histoflow/internal/telemetry"
	"github.com/histoflow/histoflow/internal/types"
)

// ErrQueueFull is returned when a bounded queue cannot accept another task.
var ErrQueueFull = errors.New("pipeline queue full")

// ErrStopped is returned when enqueueing after the runner stopped.
var ErrStopped = errors.New("pipeline stopped")

// Queue names the two scheduling lanes.
type Queue string

// Queues
const (
	QueueDefault Queue = "default"
	QueueHigh    Queue = "high"
)

// Downloader fetches an image's source files into local scratch space.
type Downloader interface {
	Download(ctx context.Context, project *types.Project, img *types.Item) (folderPath string, files []string, err error)
}

// Config sizes the runner.
type Config struct {
	DefaultWorkers int
	HighWorkers    int
	QueueCapacity  int
	// Sync runs every enqueue inline on the caller's goroutine. Used by
	// tests and one-shot CLI commands.
	Sync bool
	// DownloadRetries bounds the exponential backoff around Download.
	DownloadRetries uint64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{DefaultWorkers: 4, HighWorkers: 2, QueueCapacity: 256, DownloadRetries: 3}
}

type job struct {
	projectUID uuid.UUID
	imageUID   uuid.UUID
	phase      lifecycle.Phase
}

// Runner schedules and executes image tasks.
type Runner struct {
	store      storage.Storage
	coord      *lifecycle.Coordinator
	downloader Downloader
	preSteps   []Step
	postSteps  []Step
	metrics    *telemetry.EngineMetrics
	cfg        Config

	defaultQ chan job
	highQ    chan job
	group    *errgroup.Group
	stopped  atomic.Bool
}

// New creates a runner. Steps are fixed per phase at construction.
func New(store storage.Storage, coord *lifecycle.Coordinator, downloader Downloader, preSteps, postSteps []Step, cfg Config) *Runner {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	return &Runner{
		store:      store,
		coord:      coord,
		downloader: downloader,
		preSteps:   preSteps,
		postSteps:  postSteps,
		metrics:    telemetry.NewEngineMetrics(),
		cfg:        cfg,
		defaultQ:   make(chan job, cfg.QueueCapacity),
		highQ:      make(chan job, cfg.QueueCapacity),
	}
}

// Start launches the worker pools. No-op in sync mode.
func (r *Runner) Start(ctx context.Context) {
	if r.cfg.Sync {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	r.group = g
	for i := 0; i < max(r.cfg.DefaultWorkers, 1); i++ {
		g.Go(func() error { return r.work(gctx, r.defaultQ) })
	}
	for i := 0; i < max(r.cfg.HighWorkers, 1); i++ {
		g.Go(func() error { return r.work(gctx, r.highQ) })
	}
}

// Stop drains the queues and waits for the workers. Further enqueues fail
// with ErrStopped.
func (r *Runner) Stop() error {
	if r.stopped.Swap(true) {
		return nil
	}
	close(r.defaultQ)
	close(r.highQ)
	if r.group == nil {
		return nil
	}
	return r.group.Wait()
}

func (r *Runner) work(ctx context.Context, q <-chan job) error {
	for j := range q {
		if ctx.Err() != nil {
			continue
		}
		// An image deleted while queued is not an infrastructure failure;
		// its batch is gone and nothing is owed.
		if err := r.processImage(ctx, j); err != nil &&
			!errors.Is(err, context.Canceled) && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
	}
	return nil
}

// Enqueue schedules one image for the given phase. In sync mode the task
// runs inline; otherwise a full queue returns ErrQueueFull rather than
// blocking the producer.
func (r *Runner) Enqueue(ctx context.Context, projectUID, imageUID uuid.UUID, phase lifecycle.Phase, queue Queue) error {
	j := job{projectUID: projectUID, imageUID: imageUID, phase: phase}
	if r.cfg.Sync {
		return r.processImage(ctx, j)
	}
	if r.stopped.Load() {
		return ErrStopped
	}
	q := r.defaultQ
	if queue == QueueHigh {
		q = r.highQ
	}
	select {
	case q <- j:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, queue)
	}
}

// phaseStatuses maps one pipeline phase onto its image status vocabulary.
type phaseStatuses struct {
	ready      types.ImageStatus
	processing types.ImageStatus
	processed  types.ImageStatus
	failed     types.ImageStatus
}

func statusesFor(phase lifecycle.Phase) phaseStatuses {
	if phase == lifecycle.PhasePost {
		return phaseStatuses{
			ready:      types.ImagePreProcessed,
			processing: types.ImagePostProcessing,
			processed:  types.ImagePostProcessed,
			failed:     types.ImagePostProcessingFailed,
		}
	}
	return phaseStatuses{
		ready:      types.ImageDownloaded,
		processing: types.ImagePreProcessing,
		processed:  types.ImagePreProcessed,
		failed:     types.ImagePreProcessingFailed,
	}
}

func (r *Runner) steps(phase lifecycle.Phase) []Step {
	if phase == lifecycle.PhasePost {
		return r.postSteps
	}
	return r.preSteps
}

// processImage executes the per-image contract for one phase. Processing
// failures are absorbed into the image's state; only infrastructure errors
// (store unreachable) propagate.
func (r *Runner) processImage(ctx context.Context, j job) error {
	img, err := r.store.GetItem(ctx, j.imageUID)
	if err != nil {
		return err
	}
	project, err := r.store.GetProject(ctx, j.projectUID)
	if err != nil {
		return err
	}
	st := statusesFor(j.phase)

	// Download stage; only the pre phase starts from scratch.
	if j.phase == lifecycle.PhasePre && img.Status == types.ImageNotStarted {
		if err := r.download(ctx, project, img); err != nil {
			return err
		}
		if img.Status != types.ImageDownloaded {
			return nil
		}
	}

	if img.Status == st.processed {
		return nil
	}
	if img.Status != st.ready {
		return nil
	}
	if img.FolderPath == "" {
		return r.fail(ctx, img, j.phase, st, "load", errors.New("image folder path is not set"))
	}

	if err := r.store.SetImageStatus(ctx, img.UID, st.processing, ""); err != nil {
		return err
	}

	task := &Task{Project: project, Image: img, Path: img.FolderPath, SourcePath: img.FolderPath}
	steps := r.steps(j.phase)
	for _, step := range steps {
		// Cancellation is honored at step boundaries only; a cancelled task
		// commits nothing further and releases its scratch space.
		if err := ctx.Err(); err != nil {
			r.cleanup(steps, task)
			return err
		}
		if err := step.Run(ctx, task); err != nil {
			if ctx.Err() != nil {
				r.cleanup(steps, task)
				return ctx.Err()
			}
			return r.failTask(ctx, task, j.phase, st, steps, step.Name(), err)
		}
	}

	if err := r.store.UpdateImageFiles(ctx, img.UID, task.Path, img.Files, img.ThumbnailPath, img.Format); err != nil {
		return err
	}
	if err := r.store.SetImageStatus(ctx, img.UID, st.processed, ""); err != nil {
		return err
	}
	r.cleanup(steps, task)
	r.metrics.ImageProcessed(ctx, string(j.phase))
	return r.coord.NotifyImageTerminal(ctx, img.BatchUID, j.phase)
}

func (r *Runner) failTask(ctx context.Context, task *Task, phase lifecycle.Phase, st phaseStatuses, steps []Step, stepName string, cause error) error {
	r.cleanup(steps, task)
	return r.fail(ctx, task.Image, phase, st, stepName, cause)
}

// fail records a processing failure: failed status with the contract
// message, de-selection so the batch can still converge, then aggregation.
func (r *Runner) fail(ctx context.Context, img *types.Item, phase lifecycle.Phase, st phaseStatuses, stepName string, cause error) error {
	msg := fmt.Sprintf("Failed at step %s due to %v", stepName, cause)
	if err := r.store.SetImageStatus(ctx, img.UID, st.failed, msg); err != nil {
		return err
	}
	if err := r.store.SetSelected(ctx, img.UID, false); err != nil {
		return err
	}
	r.metrics.ImageFailed(ctx, string(phase), stepName)
	return r.coord.NotifyImageTerminal(ctx, img.BatchUID, phase)
}

func (r *Runner) cleanup(steps []Step, task *Task) {
	for _, step := range steps {
		step.Cleanup(task)
	}
}

// download fetches the image source with bounded exponential backoff and
// records the result. A final failure absorbs like a step failure.
func (r *Runner) download(ctx context.Context, project *types.Project, img *types.Item) error {
	if err := r.store.SetImageStatus(ctx, img.UID, types.ImageDownloading, ""); err != nil {
		return err
	}
	img.Status = types.ImageDownloading

	var (
		folder string
		names  []string
	)
	op := func() error {
		var err error
		folder, names, err = r.downloader.Download(ctx, project, img)
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(200*time.Millisecond),
			backoff.WithMaxInterval(5*time.Second),
		), r.cfg.DownloadRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		downloadFailed := phaseStatuses{failed: types.ImageDownloadingFailed}
		return r.fail(ctx, img, lifecycle.PhasePre, downloadFailed, "download", err)
	}

	files := make([]types.ImageFile, 0, len(names))
	for _, name := range names {
		files = append(files, types.ImageFile{UID: idgen.New(), Filename: name})
	}
	if err := r.store.UpdateImageFiles(ctx, img.UID, folder, files, img.ThumbnailPath, img.Format); err != nil {
		return err
	}
	if err := r.store.SetImageStatus(ctx, img.UID, types.ImageDownloaded, ""); err != nil {
		return err
	}
	img.Status = types.ImageDownloaded
	img.FolderPath = folder
	img.Files = files
	return nil
}
