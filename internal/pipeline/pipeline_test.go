package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/codec"
	"github.com/histoflow/histoflow/internal/filestore"
	"github.com/histoflow/histoflow/internal/idgen"
	"github.com/histoflow/histoflow/internal/lifecycle"
	"github.com/histoflow/histoflow/internal/schema"
	"github.com/histoflow/histoflow/internal/storage/sqlite"
	"github.com/histoflow/histoflow/internal/types"
)

// stubDownloader hands out a pre-created folder or fails on demand.
type stubDownloader struct {
	dir      string
	files    []string
	err      error
	attempts atomic.Int64
}

func (d *stubDownloader) Download(ctx context.Context, project *types.Project, img *types.Item) (string, []string, error) {
	d.attempts.Add(1)
	if d.err != nil {
		return "", nil, d.err
	}
	return d.dir, d.files, nil
}

type fixture struct {
	store *sqlite.SQLiteStorage
	coord *lifecycle.Coordinator
	files *filestore.Local
	reg   *schema.Registry

	project *types.Project
	dataset *types.Dataset
	batch   *types.Batch

	imageSchema *schema.ItemSchema
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("failed to close store: %v", err)
		}
	})

	files, err := filestore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create filestore: %v", err)
	}

	root := &schema.RootSchema{
		Name:    "pathology",
		Project: &schema.ProjectSchema{Name: "project"},
		Dataset: &schema.DatasetSchema{Name: "dataset"},
		Samples: []*schema.ItemSchema{{Name: "slide", Kind: schema.ItemSample}},
		Images:  []*schema.ItemSchema{{Name: "wsi", Kind: schema.ItemImage}},
		ImageRelations: []*schema.ImageRelation{
			{Name: "slide-wsi", Sample: "slide", Image: "wsi"},
		},
	}
	reg, err := schema.NewRegistry(root)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	wsi, ok := reg.ItemSchemaByName("wsi")
	if !ok {
		t.Fatal("wsi schema missing from registry")
	}

	f := &fixture{store: store, coord: lifecycle.New(store), files: files, reg: reg, imageSchema: wsi}

	f.dataset = &types.Dataset{UID: idgen.New(), Name: "dataset", SchemaUID: idgen.New()}
	if err := store.CreateDataset(ctx, f.dataset); err != nil {
		t.Fatalf("failed to create dataset: %v", err)
	}
	f.project = &types.Project{
		UID:           idgen.New(),
		Name:          "project",
		Status:        types.ProjectInProgress,
		RootSchemaUID: reg.Root().UID,
		SchemaUID:     f.dataset.SchemaUID,
		DatasetUID:    f.dataset.UID,
	}
	if err := store.CreateProject(ctx, f.project); err != nil {
		t.Fatalf("failed to create project: %v", err)
	}
	f.batch = &types.Batch{
		UID:        idgen.New(),
		Name:       "batch-1",
		ProjectUID: f.project.UID,
		Status:     types.BatchImagePreProcessing,
	}
	if err := store.CreateBatch(ctx, f.batch); err != nil {
		t.Fatalf("failed to create batch: %v", err)
	}
	return f
}

// preSteps builds the standard pre-processing chain over the copy codec.
func (f *fixture) preSteps() []Step {
	return []Step{
		&DicomizeStep{Codec: codec.CopyDicomizer{}, Reg: f.reg},
		&ThumbnailStep{Files: f.files, MaxSize: 64},
		&StoreStep{Files: f.files},
		&FinishStep{DeleteSource: true},
	}
}

func (f *fixture) syncRunner(t *testing.T, dl Downloader, pre, post []Step) *Runner {
	t.Helper()
	return New(f.store, f.coord, dl, pre, post, Config{Sync: true, DownloadRetries: 1})
}

func (f *fixture) addImage(t *testing.T, identifier string, status types.ImageStatus) *types.Item {
	t.Helper()
	item := &types.Item{
		UID:        idgen.Item(f.dataset.UID, f.imageSchema.UID, identifier),
		Kind:       schema.ItemImage,
		Identifier: identifier,
		Selected:   true,
		SchemaUID:  f.imageSchema.UID,
		DatasetUID: f.dataset.UID,
		BatchUID:   f.batch.UID,
		Status:     status,
	}
	stored, err := f.store.AddItem(context.Background(), item)
	if err != nil {
		t.Fatalf("failed to add image %q: %v", identifier, err)
	}
	return stored
}

// sourceFolder creates a download folder holding a scan file and a small PNG
// preview.
func sourceFolder(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "scan.svs"), []byte("slide-bytes"), 0o644); err != nil {
		t.Fatalf("failed to write scan file: %v", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 128, 96))); err != nil {
		t.Fatalf("failed to encode preview: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "preview.png"), buf.Bytes(), 0o644); err != nil {
		t.Fatalf("failed to write preview: %v", err)
	}
	return dir
}

func (f *fixture) setFolder(t *testing.T, img *types.Item, dir string) {
	t.Helper()
	err := f.store.UpdateImageFiles(context.Background(), img.UID, dir, []types.ImageFile{
		{UID: idgen.New(), Filename: "scan.svs"},
	}, "", "")
	if err != nil {
		t.Fatalf("failed to set folder: %v", err)
	}
}

func (f *fixture) getImage(t *testing.T, img *types.Item) *types.Item {
	t.Helper()
	got, err := f.store.GetItem(context.Background(), img.UID)
	if err != nil {
		t.Fatalf("failed to get image: %v", err)
	}
	return got
}

func (f *fixture) batchStatus(t *testing.T) types.BatchStatus {
	t.Helper()
	batch, err := f.store.GetBatch(context.Background(), f.batch.UID)
	if err != nil {
		t.Fatalf("failed to get batch: %v", err)
	}
	return batch.Status
}

func TestPreProcessHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.addImage(t, "img-1", types.ImageDownloaded)
	f.setFolder(t, img, sourceFolder(t))

	r := f.syncRunner(t, nil, f.preSteps(), nil)
	if err := r.Enqueue(ctx, f.project.UID, img.UID, lifecycle.PhasePre, QueueDefault); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got := f.getImage(t, img)
	if got.Status != types.ImagePreProcessed {
		t.Fatalf("status = %s (%s), want %s", got.Status, got.StatusMessage, types.ImagePreProcessed)
	}
	if got.Format != "dicom" {
		t.Errorf("format = %q, want dicom", got.Format)
	}
	if len(got.Files) == 0 {
		t.Error("expected converted files on the image")
	}
	if got.ThumbnailPath == "" {
		t.Error("expected a thumbnail path")
	} else if _, err := os.Stat(got.ThumbnailPath); err != nil {
		t.Errorf("thumbnail not on disk: %v", err)
	}
	if _, err := os.Stat(filepath.Join(got.FolderPath, "scan.dcm")); err != nil {
		t.Errorf("stored scan missing: %v", err)
	}
	if got := f.batchStatus(t); got != types.BatchImagePreComplete {
		t.Errorf("batch status = %s, want %s", got, types.BatchImagePreComplete)
	}
}

func TestMissingFolderFailsAndDeselects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.addImage(t, "img-1", types.ImageDownloaded)

	r := f.syncRunner(t, nil, f.preSteps(), nil)
	if err := r.Enqueue(ctx, f.project.UID, img.UID, lifecycle.PhasePre, QueueDefault); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got := f.getImage(t, img)
	if got.Status != types.ImagePreProcessingFailed {
		t.Fatalf("status = %s, want %s", got.Status, types.ImagePreProcessingFailed)
	}
	if !strings.HasPrefix(got.StatusMessage, "Failed at step load due to ") {
		t.Errorf("status message = %q", got.StatusMessage)
	}
	if got.Selected {
		t.Error("expected failed image to be de-selected")
	}
	// The only image failed and de-selected, so the batch still converges.
	if got := f.batchStatus(t); got != types.BatchImagePreComplete {
		t.Errorf("batch status = %s, want %s", got, types.BatchImagePreComplete)
	}
}

// boomStep fails every run and records its cleanup calls.
type boomStep struct {
	cleaned atomic.Int64
}

func (s *boomStep) Name() string                           { return "boom" }
func (s *boomStep) Run(ctx context.Context, t *Task) error { return errors.New("converter crashed") }
func (s *boomStep) Cleanup(t *Task)                        { s.cleaned.Add(1) }

func TestStepFailureAbsorbedWithCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.addImage(t, "img-1", types.ImageDownloaded)
	f.setFolder(t, img, sourceFolder(t))

	boom := &boomStep{}
	r := f.syncRunner(t, nil, []Step{boom}, nil)
	if err := r.Enqueue(ctx, f.project.UID, img.UID, lifecycle.PhasePre, QueueDefault); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got := f.getImage(t, img)
	if got.Status != types.ImagePreProcessingFailed {
		t.Fatalf("status = %s, want %s", got.Status, types.ImagePreProcessingFailed)
	}
	if got.StatusMessage != "Failed at step boom due to converter crashed" {
		t.Errorf("status message = %q", got.StatusMessage)
	}
	if boom.cleaned.Load() == 0 {
		t.Error("expected cleanup to run after failure")
	}
}

func TestSkipAlreadyProcessed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.addImage(t, "img-1", types.ImagePreProcessed)

	r := f.syncRunner(t, nil, []Step{&boomStep{}}, nil)
	if err := r.Enqueue(ctx, f.project.UID, img.UID, lifecycle.PhasePre, QueueDefault); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := f.getImage(t, img); got.Status != types.ImagePreProcessed {
		t.Errorf("status = %s, want unchanged %s", got.Status, types.ImagePreProcessed)
	}
}

func TestDownloadThenProcess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.addImage(t, "img-1", types.ImageNotStarted)
	dl := &stubDownloader{dir: sourceFolder(t), files: []string{"scan.svs", "preview.png"}}

	r := f.syncRunner(t, dl, f.preSteps(), nil)
	if err := r.Enqueue(ctx, f.project.UID, img.UID, lifecycle.PhasePre, QueueDefault); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got := f.getImage(t, img)
	if got.Status != types.ImagePreProcessed {
		t.Fatalf("status = %s (%s), want %s", got.Status, got.StatusMessage, types.ImagePreProcessed)
	}
	if dl.attempts.Load() != 1 {
		t.Errorf("download attempts = %d, want 1", dl.attempts.Load())
	}
}

func TestDownloadFailureRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.addImage(t, "img-1", types.ImageNotStarted)
	dl := &stubDownloader{err: errors.New("source unreachable")}

	r := f.syncRunner(t, dl, f.preSteps(), nil)
	if err := r.Enqueue(ctx, f.project.UID, img.UID, lifecycle.PhasePre, QueueDefault); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got := f.getImage(t, img)
	if got.Status != types.ImageDownloadingFailed {
		t.Fatalf("status = %s, want %s", got.Status, types.ImageDownloadingFailed)
	}
	if got.Selected {
		t.Error("expected failed download to de-select the image")
	}
	// DownloadRetries=1 means one retry after the initial attempt.
	if dl.attempts.Load() != 2 {
		t.Errorf("download attempts = %d, want 2", dl.attempts.Load())
	}
}

func TestRetryAfterFailureSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.addImage(t, "img-1", types.ImageNotStarted)

	dl := &stubDownloader{err: errors.New("source unreachable")}
	r := f.syncRunner(t, dl, f.preSteps(), nil)
	if err := r.Enqueue(ctx, f.project.UID, img.UID, lifecycle.PhasePre, QueueDefault); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := f.getImage(t, img); got.Status != types.ImageDownloadingFailed {
		t.Fatalf("setup: status = %s, want %s", got.Status, types.ImageDownloadingFailed)
	}

	if err := f.coord.RetryImages(ctx, []uuid.UUID{img.UID}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	got := f.getImage(t, img)
	if got.Status != types.ImageNotStarted {
		t.Fatalf("status after retry = %s, want %s", got.Status, types.ImageNotStarted)
	}
	if got.StatusMessage != "" {
		t.Errorf("status message after retry = %q, want empty", got.StatusMessage)
	}

	dl.err = nil
	dl.dir = sourceFolder(t)
	dl.files = []string{"scan.svs"}
	if err := r.Enqueue(ctx, f.project.UID, img.UID, lifecycle.PhasePre, QueueDefault); err != nil {
		t.Fatalf("enqueue after retry: %v", err)
	}
	got = f.getImage(t, img)
	if got.Status != types.ImagePreProcessed {
		t.Fatalf("status = %s (%s), want %s", got.Status, got.StatusMessage, types.ImagePreProcessed)
	}
	if !got.Selected {
		t.Error("expected retried image to stay selected after success")
	}
}

func TestQueueFullReturnsTypedError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.addImage(t, "img-1", types.ImageDownloaded)

	// No workers started, capacity 1: the second enqueue must not block.
	r := New(f.store, f.coord, nil, f.preSteps(), nil, Config{QueueCapacity: 1})
	if err := r.Enqueue(ctx, f.project.UID, img.UID, lifecycle.PhasePre, QueueDefault); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	err := r.Enqueue(ctx, f.project.UID, img.UID, lifecycle.PhasePre, QueueDefault)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	// The high queue is independent of the default one.
	if err := r.Enqueue(ctx, f.project.UID, img.UID, lifecycle.PhasePre, QueueHigh); err != nil {
		t.Errorf("high queue enqueue: %v", err)
	}
}

func TestWorkersDrainQueueOnStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Post phase with no steps: each image just flips to post-processed.
	if err := f.store.SetBatchStatus(ctx, f.batch.UID, types.BatchImagePreProcessing, types.BatchImagePostProcessing); err != nil {
		t.Fatalf("failed to move batch: %v", err)
	}
	var images []*types.Item
	for _, id := range []string{"img-a", "img-b", "img-c", "img-d"} {
		img := f.addImage(t, id, types.ImagePreProcessed)
		f.setFolder(t, img, sourceFolder(t))
		images = append(images, img)
	}

	r := New(f.store, f.coord, nil, nil, []Step{}, Config{DefaultWorkers: 3, HighWorkers: 1, QueueCapacity: 16})
	r.Start(ctx)
	for _, img := range images {
		if err := r.Enqueue(ctx, f.project.UID, img.UID, lifecycle.PhasePost, QueueDefault); err != nil {
			t.Fatalf("enqueue %s: %v", img.Identifier, err)
		}
	}
	if err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	for _, img := range images {
		got := f.getImage(t, img)
		if got.Status != types.ImagePostProcessed {
			t.Errorf("%s status = %s (%s), want %s", img.Identifier, got.Status, got.StatusMessage, types.ImagePostProcessed)
		}
	}
	if got := f.batchStatus(t); got != types.BatchImagePostComplete {
		t.Errorf("batch status = %s, want %s", got, types.BatchImagePostComplete)
	}
	if err := r.Enqueue(ctx, f.project.UID, images[0].UID, lifecycle.PhasePost, QueueDefault); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped after Stop, got %v", err)
	}
}
