package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/idgen"
	"github.com/histoflow/histoflow/internal/schema"
	"github.com/histoflow/histoflow/internal/types"
)

// newTestStore creates a file-backed store in a temp directory.
func newTestStore(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := New(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("failed to close store: %v", err)
		}
	})
	return store
}

// testWorld is a minimal project/dataset/batch context for item tests.
type testWorld struct {
	project *types.Project
	dataset *types.Dataset
	batch   *types.Batch
	defBat  *types.Batch

	sampleSchema uuid.UUID
	imageSchema  uuid.UUID
	obsSchema    uuid.UUID
	annotSchema  uuid.UUID
}

func newTestWorld(t *testing.T, store *SQLiteStorage) *testWorld {
	t.Helper()
	ctx := context.Background()

	w := &testWorld{
		sampleSchema: idgen.New(),
		imageSchema:  idgen.New(),
		obsSchema:    idgen.New(),
		annotSchema:  idgen.New(),
	}

	w.dataset = &types.Dataset{UID: idgen.New(), Name: "dataset", SchemaUID: idgen.New()}
	if err := store.CreateDataset(ctx, w.dataset); err != nil {
		t.Fatalf("failed to create dataset: %v", err)
	}

	w.project = &types.Project{
		UID:           idgen.New(),
		Name:          "project",
		Status:        types.ProjectInProgress,
		RootSchemaUID: idgen.New(),
		SchemaUID:     w.dataset.SchemaUID,
		DatasetUID:    w.dataset.UID,
	}
	if err := store.CreateProject(ctx, w.project); err != nil {
		t.Fatalf("failed to create project: %v", err)
	}

	w.defBat = &types.Batch{
		UID:        idgen.New(),
		Name:       "default",
		ProjectUID: w.project.UID,
		Status:     types.BatchInitialized,
		IsDefault:  true,
	}
	if err := store.CreateBatch(ctx, w.defBat); err != nil {
		t.Fatalf("failed to create default batch: %v", err)
	}
	w.project.DefaultBatchUID = w.defBat.UID
	if err := store.UpdateProject(ctx, w.project); err != nil {
		t.Fatalf("failed to set default batch: %v", err)
	}

	w.batch = &types.Batch{
		UID:        idgen.New(),
		Name:       "batch-1",
		ProjectUID: w.project.UID,
		Status:     types.BatchInitialized,
	}
	if err := store.CreateBatch(ctx, w.batch); err != nil {
		t.Fatalf("failed to create batch: %v", err)
	}
	return w
}

// addSample inserts a sample item with the given identifier.
func (w *testWorld) addSample(t *testing.T, store *SQLiteStorage, identifier string) *types.Item {
	t.Helper()
	return w.addItem(t, store, schema.ItemSample, w.sampleSchema, identifier, "")
}

// addImage inserts an image item in the given pipeline status.
func (w *testWorld) addImage(t *testing.T, store *SQLiteStorage, identifier string, status types.ImageStatus) *types.Item {
	t.Helper()
	return w.addItem(t, store, schema.ItemImage, w.imageSchema, identifier, status)
}

func (w *testWorld) addItem(t *testing.T, store *SQLiteStorage, kind schema.ItemKind, schemaUID uuid.UUID, identifier string, status types.ImageStatus) *types.Item {
	t.Helper()
	item := &types.Item{
		UID:        idgen.Item(w.dataset.UID, schemaUID, identifier),
		Kind:       kind,
		Identifier: identifier,
		Selected:   true,
		SchemaUID:  schemaUID,
		DatasetUID: w.dataset.UID,
		BatchUID:   w.batch.UID,
		Status:     status,
	}
	stored, err := store.AddItem(context.Background(), item)
	if err != nil {
		t.Fatalf("failed to add %s %q: %v", kind, identifier, err)
	}
	return stored
}

// relate adds an edge and fails the test on error.
func relate(t *testing.T, store *SQLiteStorage, from, to uuid.UUID, kind types.RelationKind) {
	t.Helper()
	err := store.AddRelation(context.Background(), types.Relation{FromUID: from, ToUID: to, Kind: kind})
	if err != nil {
		t.Fatalf("failed to add relation %s: %v", kind, err)
	}
}
