package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/idgen"
	"github.com/histoflow/histoflow/internal/schema"
	"github.com/histoflow/histoflow/internal/storage"
	"github.com/histoflow/histoflow/internal/types"
)

func newItem(datasetUID, schemaUID, batchUID uuid.UUID, identifier string) *types.Item {
	return &types.Item{
		UID:        idgen.Item(datasetUID, schemaUID, identifier),
		Kind:       schema.ItemSample,
		Identifier: identifier,
		Selected:   true,
		SchemaUID:  schemaUID,
		DatasetUID: datasetUID,
		BatchUID:   batchUID,
	}
}

func TestAddItemIsIdempotent(t *testing.T) {
	m := New()
	ctx := context.Background()
	datasetUID, schemaUID, batchUID := idgen.New(), idgen.New(), idgen.New()

	first, err := m.AddItem(ctx, newItem(datasetUID, schemaUID, batchUID, "ABC-1"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	dup := newItem(datasetUID, schemaUID, batchUID, "ABC-1")
	dup.Name = "changed"
	second, err := m.AddItem(ctx, dup)
	if err != nil {
		t.Fatalf("re-add: %v", err)
	}
	if second.UID != first.UID {
		t.Errorf("uid changed on re-add: %s vs %s", second.UID, first.UID)
	}
	if second.Name == "changed" {
		t.Error("re-add must return the stored item unchanged")
	}
}

func TestSetBatchStatusIsCompareAndSet(t *testing.T) {
	m := New()
	ctx := context.Background()
	batch := &types.Batch{UID: idgen.New(), Name: "b", ProjectUID: idgen.New(), Status: types.BatchImagePreProcessing}
	if err := m.CreateBatch(ctx, batch); err != nil {
		t.Fatalf("create batch: %v", err)
	}

	if err := m.SetBatchStatus(ctx, batch.UID, types.BatchImagePreProcessing, types.BatchImagePreComplete); err != nil {
		t.Fatalf("cas: %v", err)
	}
	err := m.SetBatchStatus(ctx, batch.UID, types.BatchImagePreProcessing, types.BatchImagePreComplete)
	if !errors.Is(err, storage.ErrNotAllowed) {
		t.Errorf("stale cas error = %v, want ErrNotAllowed", err)
	}
}

func TestLockedItemRejectsUpdate(t *testing.T) {
	m := New()
	ctx := context.Background()
	datasetUID, schemaUID, batchUID := idgen.New(), idgen.New(), idgen.New()

	item, err := m.AddItem(ctx, newItem(datasetUID, schemaUID, batchUID, "ABC-1"))
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.LockBatchItems(ctx, batchUID); err != nil {
		t.Fatalf("lock: %v", err)
	}

	item.Name = "renamed"
	if err := m.UpdateItem(ctx, item); !errors.Is(err, storage.ErrLocked) {
		t.Errorf("update locked = %v, want ErrLocked", err)
	}
	if err := m.SetSelected(ctx, item.UID, false); !errors.Is(err, storage.ErrLocked) {
		t.Errorf("select locked = %v, want ErrLocked", err)
	}
	// The pipeline still reports status on locked images.
	if err := m.SetImageStatus(ctx, item.UID, types.ImagePostProcessed, ""); err != nil {
		t.Errorf("status on locked item: %v", err)
	}
}

func TestSampleCycleRejected(t *testing.T) {
	m := New()
	ctx := context.Background()
	datasetUID, schemaUID, batchUID := idgen.New(), idgen.New(), idgen.New()

	a, _ := m.AddItem(ctx, newItem(datasetUID, schemaUID, batchUID, "A"))
	b, _ := m.AddItem(ctx, newItem(datasetUID, schemaUID, batchUID, "B"))
	if err := m.AddRelation(ctx, types.Relation{FromUID: a.UID, ToUID: b.UID, Kind: types.RelSampleChild}); err != nil {
		t.Fatalf("add edge: %v", err)
	}
	err := m.AddRelation(ctx, types.Relation{FromUID: b.UID, ToUID: a.UID, Kind: types.RelSampleChild})
	if !errors.Is(err, storage.ErrCycle) {
		t.Errorf("cycle edge = %v, want ErrCycle", err)
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	m := New()
	ctx := context.Background()
	batch := &types.Batch{UID: idgen.New(), Name: "b", ProjectUID: idgen.New(), Status: types.BatchInitialized}
	if err := m.CreateBatch(ctx, batch); err != nil {
		t.Fatalf("create batch: %v", err)
	}

	boom := errors.New("boom")
	err := m.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.SetBatchStatus(ctx, batch.UID, types.BatchInitialized, types.BatchMetadataSearching); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("tx error = %v, want boom", err)
	}
	got, err := m.GetBatch(ctx, batch.UID)
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if got.Status != types.BatchInitialized {
		t.Errorf("status after rollback = %s, want %s", got.Status, types.BatchInitialized)
	}
}

func TestDeleteBatchItemsReassignsSharedSamples(t *testing.T) {
	m := New()
	ctx := context.Background()
	datasetUID, schemaUID := idgen.New(), idgen.New()
	batch1, batch2, defaultBatch := idgen.New(), idgen.New(), idgen.New()

	parent, _ := m.AddItem(ctx, newItem(datasetUID, schemaUID, batch1, "P-1"))
	childElsewhere, _ := m.AddItem(ctx, newItem(datasetUID, schemaUID, batch2, "C-1"))
	doomed, _ := m.AddItem(ctx, newItem(datasetUID, schemaUID, batch1, "D-1"))
	if err := m.AddRelation(ctx, types.Relation{FromUID: parent.UID, ToUID: childElsewhere.UID, Kind: types.RelSampleChild}); err != nil {
		t.Fatalf("add edge: %v", err)
	}

	if err := m.DeleteBatchItems(ctx, batch1, schemaUID, false, defaultBatch); err != nil {
		t.Fatalf("delete: %v", err)
	}
	kept, err := m.GetItem(ctx, parent.UID)
	if err != nil {
		t.Fatalf("parent must survive: %v", err)
	}
	if kept.BatchUID != defaultBatch {
		t.Errorf("parent batch = %s, want default batch", kept.BatchUID)
	}
	if _, err := m.GetItem(ctx, doomed.UID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("doomed item = %v, want ErrNotFound", err)
	}
}
