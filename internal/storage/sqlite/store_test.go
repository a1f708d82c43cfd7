package sqlite

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/attr"
	"github.com/histoflow/histoflow/internal/idgen"
	"github.com/histoflow/histoflow/internal/schema"
	"github.com/histoflow/histoflow/internal/storage"
	"github.com/histoflow/histoflow/internal/types"
)

func TestAddItemIdempotent(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorld(t, store)
	ctx := context.Background()

	first := w.addSample(t, store, "SPEC-001")

	// Same natural key, different uid and name: the stored item wins.
	dup := &types.Item{
		UID:        idgen.New(),
		Kind:       schema.ItemSample,
		Identifier: "SPEC-001",
		Name:       "should not overwrite",
		Selected:   true,
		SchemaUID:  w.sampleSchema,
		DatasetUID: w.dataset.UID,
		BatchUID:   w.batch.UID,
	}
	got, err := store.AddItem(ctx, dup)
	if err != nil {
		t.Fatalf("duplicate add failed: %v", err)
	}
	if got.UID != first.UID {
		t.Errorf("expected existing uid %s, got %s", first.UID, got.UID)
	}
	if got.Name != "" {
		t.Errorf("duplicate add overwrote name: %q", got.Name)
	}

	_, total, err := store.ListItems(ctx, types.ItemFilter{SchemaUID: &w.sampleSchema})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 1 {
		t.Errorf("expected 1 item after duplicate add, got %d", total)
	}
}

func TestAddItemRejectsInvalid(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorld(t, store)

	_, err := store.AddItem(context.Background(), &types.Item{
		UID:        idgen.New(),
		Kind:       schema.ItemSample,
		SchemaUID:  w.sampleSchema,
		DatasetUID: w.dataset.UID,
		BatchUID:   w.batch.UID,
	})
	if err == nil {
		t.Fatal("expected error for missing identifier")
	}
}

func TestGetItemNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetItem(context.Background(), idgen.New())
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetItemByIdentifier(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorld(t, store)

	created := w.addSample(t, store, "SPEC-007")
	got, err := store.GetItemByIdentifier(context.Background(), w.dataset.UID, w.sampleSchema, "SPEC-007")
	if err != nil {
		t.Fatalf("get by identifier failed: %v", err)
	}
	if got.UID != created.UID {
		t.Errorf("expected uid %s, got %s", created.UID, got.UID)
	}
}

func TestUpdateItemPersistsAttributes(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorld(t, store)
	ctx := context.Background()

	item := w.addSample(t, store, "SPEC-001")
	item.Name = "left kidney"
	item.Attributes = map[string]*attr.Attribute{
		"stain": {
			UID:          idgen.New(),
			SchemaUID:    idgen.New(),
			Kind:         schema.KindString,
			Tag:          "stain",
			Original:     "HE",
			DisplayValue: "HE",
		},
	}
	if err := store.UpdateItem(ctx, item); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, err := store.GetItem(ctx, item.UID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Name != "left kidney" {
		t.Errorf("name not persisted: %q", got.Name)
	}
	a := got.Attributes["stain"]
	if a == nil {
		t.Fatal("attribute not persisted")
	}
	if a.Original != "HE" || a.DisplayValue != "HE" {
		t.Errorf("attribute values lost: original=%v display=%q", a.Original, a.DisplayValue)
	}
}

func TestLockedItemRejectsWrites(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorld(t, store)
	ctx := context.Background()

	item := w.addSample(t, store, "SPEC-001")
	if err := store.LockBatchItems(ctx, w.batch.UID); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	item.Name = "nope"
	if err := store.UpdateItem(ctx, item); !errors.Is(err, storage.ErrLocked) {
		t.Errorf("update: expected ErrLocked, got %v", err)
	}
	if err := store.SetSelected(ctx, item.UID, false); !errors.Is(err, storage.ErrLocked) {
		t.Errorf("set selected: expected ErrLocked, got %v", err)
	}
}

func TestImageStatusUpdatesBypassLock(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorld(t, store)
	ctx := context.Background()

	img := w.addImage(t, store, "IMG-001", types.ImagePreProcessed)
	if err := store.LockBatchItems(ctx, w.batch.UID); err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	if err := store.SetImageStatus(ctx, img.UID, types.ImagePostProcessing, ""); err != nil {
		t.Fatalf("set status on locked image failed: %v", err)
	}
	if err := store.UpdateImageFiles(ctx, img.UID, "/data/img-001",
		[]types.ImageFile{{UID: idgen.New(), Filename: "slide.dcm"}}, "/thumbs/img-001.png", "dicom"); err != nil {
		t.Fatalf("update files on locked image failed: %v", err)
	}

	got, err := store.GetItem(ctx, img.UID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != types.ImagePostProcessing {
		t.Errorf("expected post_processing, got %s", got.Status)
	}
	if got.FolderPath != "/data/img-001" || len(got.Files) != 1 {
		t.Errorf("files not persisted: %q %v", got.FolderPath, got.Files)
	}
}

func TestSetItemValidityPartial(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorld(t, store)
	ctx := context.Background()

	item := w.addSample(t, store, "SPEC-001")
	valid := true
	if err := store.SetItemValidity(ctx, item.UID, &valid, nil); err != nil {
		t.Fatalf("set validity failed: %v", err)
	}

	got, _ := store.GetItem(ctx, item.UID)
	if got.ValidAttributes == nil || !*got.ValidAttributes {
		t.Error("valid_attributes not set")
	}
	if got.ValidRelations != nil {
		t.Error("valid_relations should stay nil")
	}
	if got.Valid() {
		t.Error("item must not report valid with relations unchecked")
	}

	if err := store.SetItemValidity(ctx, item.UID, nil, &valid); err != nil {
		t.Fatalf("set validity failed: %v", err)
	}
	got, _ = store.GetItem(ctx, item.UID)
	if !got.Valid() {
		t.Error("item should report valid with both flags true")
	}
}

func TestListItemsFilters(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorld(t, store)
	ctx := context.Background()

	w.addSample(t, store, "SPEC-001")
	s2 := w.addSample(t, store, "SPEC-002")
	w.addImage(t, store, "IMG-001", types.ImageNotStarted)
	w.addImage(t, store, "IMG-002", types.ImageDownloadingFailed)

	if err := store.SetSelected(ctx, s2.UID, false); err != nil {
		t.Fatalf("deselect failed: %v", err)
	}

	kind := schema.ItemSample
	items, total, err := store.ListItems(ctx, types.ItemFilter{Kind: &kind})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("expected 2 samples, got %d/%d", len(items), total)
	}
	// Default order is by identifier.
	if items[0].Identifier != "SPEC-001" || items[1].Identifier != "SPEC-002" {
		t.Errorf("unexpected order: %s, %s", items[0].Identifier, items[1].Identifier)
	}

	sel := true
	items, _, err = store.ListItems(ctx, types.ItemFilter{Kind: &kind, Selected: &sel})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 1 || items[0].Identifier != "SPEC-001" {
		t.Errorf("selected filter: got %d items", len(items))
	}

	items, _, err = store.ListItems(ctx, types.ItemFilter{
		Statuses: []types.ImageStatus{types.ImageDownloadingFailed, types.ImagePreProcessingFailed},
	})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 1 || items[0].Identifier != "IMG-002" {
		t.Errorf("status filter: got %d items", len(items))
	}

	items, _, err = store.ListItems(ctx, types.ItemFilter{IdentifierContains: "IMG"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("identifier filter: got %d items", len(items))
	}
}

func TestListItemsPagination(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorld(t, store)
	ctx := context.Background()

	for _, id := range []string{"A", "B", "C", "D", "E"} {
		w.addSample(t, store, id)
	}

	items, total, err := store.ListItems(ctx, types.ItemFilter{
		SchemaUID: &w.sampleSchema, Limit: 2, Offset: 2,
	})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if total != 5 {
		t.Errorf("expected total 5, got %d", total)
	}
	if len(items) != 2 || items[0].Identifier != "C" || items[1].Identifier != "D" {
		t.Errorf("unexpected page: %v", items)
	}
}

func TestListItemsAttributeFilter(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorld(t, store)
	ctx := context.Background()

	item := w.addSample(t, store, "SPEC-001")
	item.Attributes = map[string]*attr.Attribute{
		"stain": {UID: idgen.New(), SchemaUID: idgen.New(), Kind: schema.KindString,
			Tag: "stain", Original: "HE", DisplayValue: "HE"},
	}
	if err := store.UpdateItem(ctx, item); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	other := w.addSample(t, store, "SPEC-002")
	other.Attributes = map[string]*attr.Attribute{
		"stain": {UID: idgen.New(), SchemaUID: idgen.New(), Kind: schema.KindString,
			Tag: "stain", Original: "PAS", DisplayValue: "PAS"},
	}
	if err := store.UpdateItem(ctx, other); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	items, _, err := store.ListItems(ctx, types.ItemFilter{
		AttributeFilters: map[string]string{"stain": "HE"},
	})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(items) != 1 || items[0].Identifier != "SPEC-001" {
		t.Fatalf("attribute filter: got %d items", len(items))
	}
}

func TestSampleCycleRejected(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorld(t, store)
	ctx := context.Background()

	specimen := w.addSample(t, store, "SPEC")
	block := w.addSample(t, store, "BLOCK")
	slide := w.addSample(t, store, "SLIDE")

	relate(t, store, specimen.UID, block.UID, types.RelSampleChild)
	relate(t, store, block.UID, slide.UID, types.RelSampleChild)

	err := store.AddRelation(ctx, types.Relation{
		FromUID: slide.UID, ToUID: specimen.UID, Kind: types.RelSampleChild,
	})
	if !errors.Is(err, storage.ErrCycle) {
		t.Errorf("expected ErrCycle, got %v", err)
	}

	err = store.AddRelation(ctx, types.Relation{
		FromUID: specimen.UID, ToUID: specimen.UID, Kind: types.RelSampleChild,
	})
	if !errors.Is(err, storage.ErrCycle) {
		t.Errorf("self edge: expected ErrCycle, got %v", err)
	}
}

func TestRelationNavigation(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorld(t, store)
	ctx := context.Background()

	specimen := w.addSample(t, store, "SPEC")
	block := w.addSample(t, store, "BLOCK")
	slide := w.addSample(t, store, "SLIDE")
	img := w.addImage(t, store, "IMG", types.ImageNotStarted)
	obs := w.addItem(t, store, schema.ItemObservation, w.obsSchema, "OBS", "")
	annot := w.addItem(t, store, schema.ItemAnnotation, w.annotSchema, "ANNOT", "")

	relate(t, store, specimen.UID, block.UID, types.RelSampleChild)
	relate(t, store, block.UID, slide.UID, types.RelSampleChild)
	relate(t, store, img.UID, slide.UID, types.RelImageSample)
	relate(t, store, obs.UID, slide.UID, types.RelObservationTarget)
	relate(t, store, annot.UID, img.UID, types.RelAnnotationImage)

	children, err := store.Children(ctx, specimen.UID, nil)
	if err != nil || len(children) != 1 || children[0].UID != block.UID {
		t.Errorf("children: %v, %v", children, err)
	}
	parents, err := store.Parents(ctx, slide.UID, nil)
	if err != nil || len(parents) != 1 || parents[0].UID != block.UID {
		t.Errorf("parents: %v, %v", parents, err)
	}
	images, err := store.ImagesForSample(ctx, slide.UID, nil)
	if err != nil || len(images) != 1 || images[0].UID != img.UID {
		t.Errorf("images: %v, %v", images, err)
	}
	samples, err := store.SamplesForImage(ctx, img.UID)
	if err != nil || len(samples) != 1 || samples[0].UID != slide.UID {
		t.Errorf("samples: %v, %v", samples, err)
	}
	observations, err := store.ObservationsFor(ctx, slide.UID)
	if err != nil || len(observations) != 1 || observations[0].UID != obs.UID {
		t.Errorf("observations: %v, %v", observations, err)
	}
	target, err := store.ObservationTarget(ctx, obs.UID)
	if err != nil || target.UID != slide.UID {
		t.Errorf("observation target: %v, %v", target, err)
	}
	annotImg, err := store.AnnotationImage(ctx, annot.UID)
	if err != nil || annotImg.UID != img.UID {
		t.Errorf("annotation image: %v, %v", annotImg, err)
	}

	ancestors, err := store.Ancestors(ctx, slide.UID)
	if err != nil {
		t.Fatalf("ancestors failed: %v", err)
	}
	if len(ancestors) != 2 {
		t.Fatalf("expected 2 ancestors, got %d", len(ancestors))
	}
	found := map[uuid.UUID]bool{}
	for _, a := range ancestors {
		found[a] = true
	}
	if !found[specimen.UID] || !found[block.UID] {
		t.Errorf("ancestors missing: %v", ancestors)
	}
}

func TestRemoveRelation(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorld(t, store)
	ctx := context.Background()

	a := w.addSample(t, store, "A")
	b := w.addSample(t, store, "B")
	rel := types.Relation{FromUID: a.UID, ToUID: b.UID, Kind: types.RelSampleChild}
	relate(t, store, a.UID, b.UID, types.RelSampleChild)

	if err := store.RemoveRelation(ctx, rel); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := store.RemoveRelation(ctx, rel); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteBatchItemsCascade(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorld(t, store)
	ctx := context.Background()

	slide := w.addSample(t, store, "SLIDE")
	img := w.addImage(t, store, "IMG", types.ImageNotStarted)
	obs := w.addItem(t, store, schema.ItemObservation, w.obsSchema, "OBS", "")
	annot := w.addItem(t, store, schema.ItemAnnotation, w.annotSchema, "ANNOT", "")

	relate(t, store, img.UID, slide.UID, types.RelImageSample)
	relate(t, store, obs.UID, slide.UID, types.RelObservationTarget)
	relate(t, store, annot.UID, img.UID, types.RelAnnotationImage)

	err := store.DeleteBatchItems(ctx, w.batch.UID, w.sampleSchema, false, w.defBat.UID)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	for _, uid := range []uuid.UUID{slide.UID, img.UID, obs.UID, annot.UID} {
		if _, err := store.GetItem(ctx, uid); !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("item %s should be deleted, got %v", uid, err)
		}
	}
}

func TestDeleteBatchItemsReassignsSharedParents(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorld(t, store)
	ctx := context.Background()

	// The specimen lives in the batch being deleted but has a child in
	// another batch; it must survive in the default batch.
	specimen := w.addSample(t, store, "SPEC")

	otherBatch := &types.Batch{
		UID: idgen.New(), Name: "batch-2", ProjectUID: w.project.UID,
		Status: types.BatchInitialized,
	}
	if err := store.CreateBatch(ctx, otherBatch); err != nil {
		t.Fatalf("create batch failed: %v", err)
	}
	child := &types.Item{
		UID:        idgen.New(),
		Kind:       schema.ItemSample,
		Identifier: "BLOCK",
		Selected:   true,
		SchemaUID:  w.sampleSchema,
		DatasetUID: w.dataset.UID,
		BatchUID:   otherBatch.UID,
	}
	if _, err := store.AddItem(ctx, child); err != nil {
		t.Fatalf("add child failed: %v", err)
	}
	relate(t, store, specimen.UID, child.UID, types.RelSampleChild)

	err := store.DeleteBatchItems(ctx, w.batch.UID, w.sampleSchema, false, w.defBat.UID)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	got, err := store.GetItem(ctx, specimen.UID)
	if err != nil {
		t.Fatalf("shared parent was deleted: %v", err)
	}
	if got.BatchUID != w.defBat.UID {
		t.Errorf("expected reassignment to default batch, got %s", got.BatchUID)
	}
	if _, err := store.GetItem(ctx, child.UID); err != nil {
		t.Errorf("child in other batch must survive: %v", err)
	}
}

func TestDeleteBatchItemsOnlyNonSelected(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorld(t, store)
	ctx := context.Background()

	keep := w.addSample(t, store, "KEEP")
	drop := w.addSample(t, store, "DROP")
	if err := store.SetSelected(ctx, drop.UID, false); err != nil {
		t.Fatalf("deselect failed: %v", err)
	}

	err := store.DeleteBatchItems(ctx, w.batch.UID, w.sampleSchema, true, w.defBat.UID)
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := store.GetItem(ctx, keep.UID); err != nil {
		t.Errorf("selected item deleted: %v", err)
	}
	if _, err := store.GetItem(ctx, drop.UID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("non-selected item should be gone, got %v", err)
	}
}

func TestBatchStatusCompareAndSet(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorld(t, store)
	ctx := context.Background()

	err := store.SetBatchStatus(ctx, w.batch.UID, types.BatchInitialized, types.BatchMetadataSearching)
	if err != nil {
		t.Fatalf("valid transition failed: %v", err)
	}

	// Stale expectation loses.
	err = store.SetBatchStatus(ctx, w.batch.UID, types.BatchInitialized, types.BatchMetadataSearching)
	if !errors.Is(err, storage.ErrNotAllowed) {
		t.Errorf("expected ErrNotAllowed, got %v", err)
	}

	err = store.SetBatchStatus(ctx, idgen.New(), types.BatchInitialized, types.BatchMetadataSearching)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// TestBatchAdvanceExactlyOnce drives concurrent finalizers through the
// compare-and-set: with many goroutines racing on the same transition,
// exactly one must win.
func TestBatchAdvanceExactlyOnce(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorld(t, store)
	ctx := context.Background()

	const workers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
				return tx.SetBatchStatus(ctx, w.batch.UID,
					types.BatchImagePreProcessing, types.BatchImagePreComplete)
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, storage.ErrNotAllowed) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}

	if err := store.SetBatchStatus(ctx, w.batch.UID, types.BatchInitialized, types.BatchImagePreProcessing); err != nil {
		t.Fatalf("setup transition failed: %v", err)
	}
	wg.Wait()

	// Workers started before the setup transition may all lose; rerun one
	// finalizer to guarantee a winner, then count.
	err := store.SetBatchStatus(ctx, w.batch.UID, types.BatchImagePreProcessing, types.BatchImagePreComplete)
	if err == nil {
		wins++
	} else if !errors.Is(err, storage.ErrNotAllowed) {
		t.Fatalf("unexpected error: %v", err)
	}
	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}

	b, err := store.GetBatch(ctx, w.batch.UID)
	if err != nil {
		t.Fatalf("get batch failed: %v", err)
	}
	if b.Status != types.BatchImagePreComplete {
		t.Errorf("expected %s, got %s", types.BatchImagePreComplete, b.Status)
	}
}

func TestProjectStatusCompareAndSet(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorld(t, store)
	ctx := context.Background()

	err := store.SetProjectStatus(ctx, w.project.UID, types.ProjectInProgress, types.ProjectCompleted)
	if err != nil {
		t.Fatalf("valid transition failed: %v", err)
	}
	err = store.SetProjectStatus(ctx, w.project.UID, types.ProjectInProgress, types.ProjectCompleted)
	if !errors.Is(err, storage.ErrNotAllowed) {
		t.Errorf("expected ErrNotAllowed, got %v", err)
	}
}

func TestCountImagesInStatuses(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorld(t, store)
	ctx := context.Background()

	w.addImage(t, store, "IMG-001", types.ImagePreProcessed)
	img2 := w.addImage(t, store, "IMG-002", types.ImagePreProcessed)
	w.addImage(t, store, "IMG-003", types.ImageDownloading)

	n, err := store.CountImagesInStatuses(ctx, w.batch.UID,
		[]types.ImageStatus{types.ImagePreProcessed}, false)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2, got %d", n)
	}

	if err := store.SetSelected(ctx, img2.UID, false); err != nil {
		t.Fatalf("deselect failed: %v", err)
	}
	n, err = store.CountImagesInStatuses(ctx, w.batch.UID,
		[]types.ImageStatus{types.ImagePreProcessed}, true)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 selected, got %d", n)
	}
}

func TestTransactionRollback(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorld(t, store)
	ctx := context.Background()

	img := w.addImage(t, store, "IMG-001", types.ImageNotStarted)

	wantErr := errors.New("boom")
	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.SetImageStatus(ctx, img.UID, types.ImageDownloading, ""); err != nil {
			return err
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped error, got %v", err)
	}

	got, err := store.GetItem(ctx, img.UID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != types.ImageNotStarted {
		t.Errorf("rollback did not restore status, got %s", got.Status)
	}
}

func TestMapperCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	repl := &attr.Attribute{
		UID: idgen.New(), SchemaUID: idgen.New(), Kind: schema.KindString,
		Tag: "stain", Original: "HE", DisplayValue: "HE",
	}
	m := &types.Mapper{
		UID:                 idgen.New(),
		Name:                "stains",
		AttributeSchemaUID:  repl.SchemaUID,
		RootAttributeSchema: idgen.New(),
		Items: []*types.MappingItem{
			{UID: idgen.New(), Expression: "(?i)h&e", Attribute: repl},
		},
	}
	if err := store.CreateMapper(ctx, m); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	dup := &types.Mapper{
		UID: idgen.New(), Name: "stains",
		AttributeSchemaUID: repl.SchemaUID, RootAttributeSchema: m.RootAttributeSchema,
	}
	if err := store.CreateMapper(ctx, dup); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}

	got, err := store.GetMapperByName(ctx, "stains")
	if err != nil {
		t.Fatalf("get by name failed: %v", err)
	}
	if len(got.Items) != 1 || got.Items[0].Expression != "(?i)h&e" {
		t.Fatalf("rules not persisted: %v", got.Items)
	}
	if got.Items[0].Attribute == nil || got.Items[0].Attribute.DisplayValue != "HE" {
		t.Error("replacement attribute lost")
	}

	if err := store.IncrementMappingHits(ctx, got.Items[0].UID); err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	got, _ = store.GetMapper(ctx, m.UID)
	if got.Items[0].Hits != 1 {
		t.Errorf("expected 1 hit, got %d", got.Items[0].Hits)
	}

	mi2 := &types.MappingItem{
		UID: idgen.New(), MapperUID: m.UID, Expression: "(?i)pas", Attribute: repl,
	}
	if err := store.AddMappingItem(ctx, mi2); err != nil {
		t.Fatalf("add rule failed: %v", err)
	}
	got, _ = store.GetMapper(ctx, m.UID)
	if len(got.Items) != 2 || got.Items[1].Position <= got.Items[0].Position {
		t.Errorf("positions not assigned: %v", got.Items)
	}

	if err := store.DeleteMapper(ctx, m.UID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.GetMapper(ctx, m.UID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMapperGroups(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	m := &types.Mapper{
		UID: idgen.New(), Name: "stains",
		AttributeSchemaUID: idgen.New(), RootAttributeSchema: idgen.New(),
	}
	if err := store.CreateMapper(ctx, m); err != nil {
		t.Fatalf("create mapper failed: %v", err)
	}

	g := &types.MapperGroup{UID: idgen.New(), Name: "defaults", MapperUIDs: []uuid.UUID{m.UID}}
	if err := store.CreateMapperGroup(ctx, g); err != nil {
		t.Fatalf("create group failed: %v", err)
	}

	got, err := store.GetMapperGroup(ctx, g.UID)
	if err != nil {
		t.Fatalf("get group failed: %v", err)
	}
	if len(got.MapperUIDs) != 1 || got.MapperUIDs[0] != m.UID {
		t.Errorf("members not persisted: %v", got.MapperUIDs)
	}
}

func TestEvents(t *testing.T) {
	store := newTestStore(t)
	w := newTestWorld(t, store)
	ctx := context.Background()

	item := w.addSample(t, store, "SPEC-001")
	for _, ev := range []*types.Event{
		{ItemUID: item.UID, Type: types.EventItemCreated},
		{ItemUID: item.UID, Type: types.EventSelectionChanged, OldValue: "true", NewValue: "false"},
	} {
		if err := store.AddEvent(ctx, ev); err != nil {
			t.Fatalf("add event failed: %v", err)
		}
	}

	events, err := store.ListEvents(ctx, item.UID)
	if err != nil {
		t.Fatalf("list events failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != types.EventItemCreated || events[1].NewValue != "false" {
		t.Errorf("events out of order or lossy: %v", events)
	}
}

func TestMetadata(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SetMetadata(ctx, "schema_uid", "abc"); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.SetMetadata(ctx, "schema_uid", "def"); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	v, err := store.GetMetadata(ctx, "schema_uid")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if v != "def" {
		t.Errorf("expected def, got %q", v)
	}
	if _, err := store.GetMetadata(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
