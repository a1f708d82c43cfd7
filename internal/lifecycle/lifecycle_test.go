package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/idgen"
	"github.com/histoflow/histoflow/internal/schema"
	"github.com/histoflow/histoflow/internal/storage"
	"github.com/histoflow/histoflow/internal/storage/sqlite"
	"github.com/histoflow/histoflow/internal/types"
)

type fixture struct {
	store *sqlite.SQLiteStorage
	coord *Coordinator

	project *types.Project
	dataset *types.Dataset
	batch   *types.Batch
	defBat  *types.Batch

	imageSchema uuid.UUID
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

	f := &fixture{store: store, coord: New(store), imageSchema: idgen.New()}

	f.dataset = &types.Dataset{UID: idgen.New(), Name: "dataset", SchemaUID: idgen.New()}
	if err := store.CreateDataset(ctx, f.dataset); err != nil {
		t.Fatalf("failed to create dataset: %v", err)
	}

	f.project = &types.Project{
		UID:           idgen.New(),
		Name:          "project",
		Status:        types.ProjectInProgress,
		RootSchemaUID: idgen.New(),
		SchemaUID:     f.dataset.SchemaUID,
		DatasetUID:    f.dataset.UID,
	}
	if err := store.CreateProject(ctx, f.project); err != nil {
		t.Fatalf("failed to create project: %v", err)
	}

	f.defBat = &types.Batch{
		UID:        idgen.New(),
		Name:       "default",
		ProjectUID: f.project.UID,
		Status:     types.BatchInitialized,
		IsDefault:  true,
	}
	if err := store.CreateBatch(ctx, f.defBat); err != nil {
		t.Fatalf("failed to create default batch: %v", err)
	}
	f.project.DefaultBatchUID = f.defBat.UID
	if err := store.UpdateProject(ctx, f.project); err != nil {
		t.Fatalf("failed to set default batch: %v", err)
	}

	f.batch = &types.Batch{
		UID:        idgen.New(),
		Name:       "batch-1",
		ProjectUID: f.project.UID,
		Status:     types.BatchInitialized,
	}
	if err := store.CreateBatch(ctx, f.batch); err != nil {
		t.Fatalf("failed to create batch: %v", err)
	}
	return f
}

// setBatchStatus force-walks the batch to the wanted status for test setup.
func (f *fixture) setBatchStatus(t *testing.T, status types.BatchStatus) {
	t.Helper()
	ctx := context.Background()
	batch, err := f.store.GetBatch(ctx, f.batch.UID)
	if err != nil {
		t.Fatalf("failed to get batch: %v", err)
	}
	if err := f.store.SetBatchStatus(ctx, f.batch.UID, batch.Status, status); err != nil {
		t.Fatalf("failed to force batch into %s: %v", status, err)
	}
}

func (f *fixture) batchStatus(t *testing.T) types.BatchStatus {
	t.Helper()
	batch, err := f.store.GetBatch(context.Background(), f.batch.UID)
	if err != nil {
		t.Fatalf("failed to get batch: %v", err)
	}
	return batch.Status
}

func (f *fixture) addImage(t *testing.T, identifier string, status types.ImageStatus) *types.Item {
	t.Helper()
	item := &types.Item{
		UID:        idgen.Item(f.dataset.UID, f.imageSchema, identifier),
		Kind:       schema.ItemImage,
		Identifier: identifier,
		Selected:   true,
		SchemaUID:  f.imageSchema,
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

func TestHappyPathTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	steps := []struct {
		name string
		fn   func(context.Context, uuid.UUID) error
		want types.BatchStatus
	}{
		{"start search", f.coord.StartSearch, types.BatchMetadataSearching},
		{"complete search", f.coord.CompleteSearch, types.BatchMetadataSearchComplete},
		{"start pre-processing", f.coord.StartPreProcessing, types.BatchImagePreProcessing},
	}
	for _, step := range steps {
		if err := step.fn(ctx, f.batch.UID); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if got := f.batchStatus(t); got != step.want {
			t.Errorf("%s: status = %s, want %s", step.name, got, step.want)
		}
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Pre-processing requires a completed metadata search.
	err := f.coord.StartPreProcessing(ctx, f.batch.UID)
	if err == nil {
		t.Fatal("expected transition from initialized to be rejected")
	}
	var naa *NotAllowedActionError
	if !errors.As(err, &naa) {
		t.Fatalf("expected NotAllowedActionError, got %T: %v", err, err)
	}
	if !errors.Is(err, storage.ErrNotAllowed) {
		t.Error("expected error to unwrap to ErrNotAllowed")
	}
	if got := f.batchStatus(t); got != types.BatchInitialized {
		t.Errorf("status changed to %s after rejected transition", got)
	}
}

func TestResetSearchReturnsToInitialized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setBatchStatus(t, types.BatchMetadataSearchComplete)

	if err := f.coord.ResetSearch(ctx, f.batch.UID); err != nil {
		t.Fatalf("reset search: %v", err)
	}
	if got := f.batchStatus(t); got != types.BatchInitialized {
		t.Errorf("status = %s, want %s", got, types.BatchInitialized)
	}
}

func TestResetSearchFromMidSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setBatchStatus(t, types.BatchMetadataSearching)

	// A failed ingest resets while the search is still running; the batch
	// must not wedge in a state with no outbound transition.
	if err := f.coord.ResetSearch(ctx, f.batch.UID); err != nil {
		t.Fatalf("reset search mid-search: %v", err)
	}
	if got := f.batchStatus(t); got != types.BatchInitialized {
		t.Errorf("status = %s, want %s", got, types.BatchInitialized)
	}
}

func TestCompleteBatchLocksItemsAndCompletesProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.addImage(t, "img-1", types.ImagePostProcessed)
	f.setBatchStatus(t, types.BatchImagePostComplete)

	if err := f.coord.CompleteBatch(ctx, f.batch.UID); err != nil {
		t.Fatalf("complete batch: %v", err)
	}
	if got := f.batchStatus(t); got != types.BatchCompleted {
		t.Fatalf("status = %s, want %s", got, types.BatchCompleted)
	}

	locked, err := f.store.GetItem(ctx, img.UID)
	if err != nil {
		t.Fatalf("failed to get image: %v", err)
	}
	if !locked.Locked {
		t.Error("expected batch completion to lock its items")
	}

	project, err := f.store.GetProject(ctx, f.project.UID)
	if err != nil {
		t.Fatalf("failed to get project: %v", err)
	}
	if project.Status != types.ProjectCompleted {
		t.Errorf("project status = %s, want %s", project.Status, types.ProjectCompleted)
	}
}

func TestProjectStaysInProgressWithOpenBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	open := &types.Batch{
		UID:        idgen.New(),
		Name:       "batch-2",
		ProjectUID: f.project.UID,
		Status:     types.BatchImagePreProcessing,
	}
	if err := f.store.CreateBatch(ctx, open); err != nil {
		t.Fatalf("failed to create batch: %v", err)
	}
	f.setBatchStatus(t, types.BatchImagePostComplete)

	if err := f.coord.CompleteBatch(ctx, f.batch.UID); err != nil {
		t.Fatalf("complete batch: %v", err)
	}
	project, err := f.store.GetProject(ctx, f.project.UID)
	if err != nil {
		t.Fatalf("failed to get project: %v", err)
	}
	if project.Status != types.ProjectInProgress {
		t.Errorf("project status = %s, want %s", project.Status, types.ProjectInProgress)
	}
}

func TestFailBatchFromAnyLiveState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.setBatchStatus(t, types.BatchImagePreProcessing)

	if err := f.coord.FailBatch(ctx, f.batch.UID); err != nil {
		t.Fatalf("fail batch: %v", err)
	}
	if got := f.batchStatus(t); got != types.BatchFailed {
		t.Errorf("status = %s, want %s", got, types.BatchFailed)
	}

	// Failing a failed batch is a no-op, not an error.
	if err := f.coord.FailBatch(ctx, f.batch.UID); err != nil {
		t.Fatalf("fail batch twice: %v", err)
	}
}

func TestDeleteBatchRefusesDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.coord.DeleteBatch(ctx, f.defBat.UID)
	if !errors.Is(err, storage.ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed deleting the default batch, got %v", err)
	}

	if err := f.coord.DeleteBatch(ctx, f.batch.UID); err != nil {
		t.Fatalf("delete batch: %v", err)
	}
	if got := f.batchStatus(t); got != types.BatchDeleted {
		t.Errorf("status = %s, want %s", got, types.BatchDeleted)
	}

	// Deleted is terminal.
	err = f.coord.FailBatch(ctx, f.batch.UID)
	if !errors.Is(err, storage.ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed on deleted batch, got %v", err)
	}
}

func TestRestartPostProcessing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stuck := f.addImage(t, "img-stuck", types.ImagePostProcessing)
	done := f.addImage(t, "img-done", types.ImagePostProcessed)
	failed := f.addImage(t, "img-failed", types.ImagePostProcessingFailed)
	if err := f.store.SetSelected(ctx, failed.UID, false); err != nil {
		t.Fatalf("failed to deselect: %v", err)
	}
	f.setBatchStatus(t, types.BatchImagePostProcessing)

	if err := f.coord.RestartPostProcessing(ctx, f.batch.UID); err != nil {
		t.Fatalf("restart post-processing: %v", err)
	}
	if got := f.batchStatus(t); got != types.BatchImagePreComplete {
		t.Errorf("status = %s, want %s", got, types.BatchImagePreComplete)
	}

	img, err := f.store.GetItem(ctx, stuck.UID)
	if err != nil {
		t.Fatalf("failed to get image: %v", err)
	}
	if img.Status != types.ImagePreProcessed {
		t.Errorf("stuck image status = %s, want %s", img.Status, types.ImagePreProcessed)
	}
	img, err = f.store.GetItem(ctx, done.UID)
	if err != nil {
		t.Fatalf("failed to get image: %v", err)
	}
	if img.Status != types.ImagePostProcessed {
		t.Errorf("finished image status = %s, want %s", img.Status, types.ImagePostProcessed)
	}

	// A failed image was de-selected; the restart must bring it back so the
	// rerun does not silently skip it.
	img, err = f.store.GetItem(ctx, failed.UID)
	if err != nil {
		t.Fatalf("failed to get image: %v", err)
	}
	if img.Status != types.ImagePreProcessed {
		t.Errorf("failed image status = %s, want %s", img.Status, types.ImagePreProcessed)
	}
	if !img.Selected {
		t.Error("expected restart to re-select the failed image")
	}
}

func TestNotifyImageTerminalWaitsForStragglers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addImage(t, "img-1", types.ImagePreProcessed)
	straggler := f.addImage(t, "img-2", types.ImageDownloading)
	f.setBatchStatus(t, types.BatchImagePreProcessing)

	if err := f.coord.NotifyImageTerminal(ctx, f.batch.UID, PhasePre); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got := f.batchStatus(t); got != types.BatchImagePreProcessing {
		t.Fatalf("batch advanced with a straggler in %s", types.ImageDownloading)
	}

	if err := f.store.SetImageStatus(ctx, straggler.UID, types.ImagePreProcessed, ""); err != nil {
		t.Fatalf("failed to set image status: %v", err)
	}
	if err := f.coord.NotifyImageTerminal(ctx, f.batch.UID, PhasePre); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got := f.batchStatus(t); got != types.BatchImagePreComplete {
		t.Errorf("status = %s, want %s", got, types.BatchImagePreComplete)
	}
}

func TestNotifyImageTerminalIgnoresDeselectedFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addImage(t, "img-ok", types.ImagePreProcessed)
	failed := f.addImage(t, "img-bad", types.ImagePreProcessingFailed)
	if err := f.store.SetSelected(ctx, failed.UID, false); err != nil {
		t.Fatalf("failed to deselect: %v", err)
	}
	f.setBatchStatus(t, types.BatchImagePreProcessing)

	if err := f.coord.NotifyImageTerminal(ctx, f.batch.UID, PhasePre); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got := f.batchStatus(t); got != types.BatchImagePreComplete {
		t.Errorf("status = %s, want %s", got, types.BatchImagePreComplete)
	}
}

// Many workers reporting terminal images concurrently must advance the batch
// exactly once.
func TestNotifyImageTerminalExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		f.addImage(t, "img-"+string(rune('a'+i)), types.ImagePostProcessed)
	}
	f.setBatchStatus(t, types.BatchImagePostProcessing)

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.coord.NotifyImageTerminal(ctx, f.batch.UID, PhasePost)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("notify: %v", err)
		}
	}

	if got := f.batchStatus(t); got != types.BatchImagePostComplete {
		t.Fatalf("status = %s, want %s", got, types.BatchImagePostComplete)
	}

	events, err := f.store.ListEvents(ctx, f.batch.UID)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	advances := 0
	for _, ev := range events {
		if ev.Type == types.EventBatchTransition && ev.NewValue == string(types.BatchImagePostComplete) {
			advances++
		}
	}
	if advances != 1 {
		t.Errorf("recorded %d advance events, want exactly 1", advances)
	}
}

func TestRetryImages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	withFolder := f.addImage(t, "img-folder", types.ImageDownloaded)
	err := f.store.UpdateImageFiles(ctx, withFolder.UID, "/data/img-folder", []types.ImageFile{
		{UID: idgen.New(), Filename: "a.dcm"},
	}, "", "dicom")
	if err != nil {
		t.Fatalf("failed to set image files: %v", err)
	}
	if err := f.store.SetImageStatus(ctx, withFolder.UID, types.ImagePreProcessingFailed, "step failed"); err != nil {
		t.Fatalf("failed to fail image: %v", err)
	}
	if err := f.store.SetSelected(ctx, withFolder.UID, false); err != nil {
		t.Fatalf("failed to deselect: %v", err)
	}

	noFolder := f.addImage(t, "img-nofolder", types.ImagePreProcessingFailed)

	if err := f.coord.RetryImages(ctx, []uuid.UUID{withFolder.UID, noFolder.UID}); err != nil {
		t.Fatalf("retry: %v", err)
	}

	img, err := f.store.GetItem(ctx, withFolder.UID)
	if err != nil {
		t.Fatalf("failed to get image: %v", err)
	}
	if img.Status != types.ImageDownloaded {
		t.Errorf("status = %s, want %s", img.Status, types.ImageDownloaded)
	}
	if img.StatusMessage != "" {
		t.Errorf("status message = %q, want empty", img.StatusMessage)
	}
	if !img.Selected {
		t.Error("expected retried image to be selected again")
	}

	// Downloaded files are gone, so the retry starts over.
	img, err = f.store.GetItem(ctx, noFolder.UID)
	if err != nil {
		t.Fatalf("failed to get image: %v", err)
	}
	if img.Status != types.ImageNotStarted {
		t.Errorf("status = %s, want %s", img.Status, types.ImageNotStarted)
	}
}

func TestRetryRejectsNonFailedImage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	img := f.addImage(t, "img-live", types.ImageDownloading)

	err := f.coord.RetryImages(ctx, []uuid.UUID{img.UID})
	if !errors.Is(err, storage.ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed, got %v", err)
	}
}

func TestExportTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Export requires a completed project.
	err := f.coord.StartExport(ctx, f.project.UID)
	if !errors.Is(err, storage.ErrNotAllowed) {
		t.Fatalf("expected ErrNotAllowed from in-progress project, got %v", err)
	}

	if err := f.store.SetProjectStatus(ctx, f.project.UID, types.ProjectInProgress, types.ProjectCompleted); err != nil {
		t.Fatalf("failed to complete project: %v", err)
	}
	if err := f.coord.StartExport(ctx, f.project.UID); err != nil {
		t.Fatalf("start export: %v", err)
	}

	// A failed export returns to completed so it can run again.
	if err := f.coord.FailExport(ctx, f.project.UID); err != nil {
		t.Fatalf("fail export: %v", err)
	}
	if err := f.coord.StartExport(ctx, f.project.UID); err != nil {
		t.Fatalf("restart export: %v", err)
	}
	if err := f.coord.FinishExport(ctx, f.project.UID); err != nil {
		t.Fatalf("finish export: %v", err)
	}

	project, err := f.store.GetProject(ctx, f.project.UID)
	if err != nil {
		t.Fatalf("failed to get project: %v", err)
	}
	if project.Status != types.ProjectExportComplete {
		t.Errorf("project status = %s, want %s", project.Status, types.ProjectExportComplete)
	}
}
