package export

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/histoflow/histoflow/internal/attr"
	"github.com/histoflow/histoflow/internal/filestore"
	"github.com/histoflow/histoflow/internal/idgen"
	"github.com/histoflow/histoflow/internal/schema"
	"github.com/histoflow/histoflow/internal/storage/sqlite"
	"github.com/histoflow/histoflow/internal/types"
)

type fixture struct {
	store *sqlite.SQLiteStorage
	reg   *schema.Registry
	attrs *attr.Engine
	files *filestore.Local
	ex    *Exporter

	project *types.Project
	dataset *types.Dataset
	batch   *types.Batch

	specimen *schema.ItemSchema
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
		Dataset: &schema.DatasetSchema{
			Name: "dataset",
			Attributes: map[string]*schema.AttributeSchema{
				"source": {Kind: schema.KindString},
			},
		},
		Samples: []*schema.ItemSchema{
			{Name: "specimen", Kind: schema.ItemSample, Attributes: map[string]*schema.AttributeSchema{
				"note": {Kind: schema.KindString, Optional: true},
			}},
		},
	}
	reg, err := schema.NewRegistry(root)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	specimen, _ := reg.ItemSchemaByName("specimen")

	attrs := attr.NewEngine(reg)
	f := &fixture{
		store: store, reg: reg, attrs: attrs, files: files,
		ex:       New(store, reg, attrs, files),
		specimen: specimen,
	}

	f.dataset = &types.Dataset{UID: idgen.New(), Name: "dataset-1", SchemaUID: reg.Dataset().UID}
	sourceAttr, err := attrs.New(reg.Dataset().Attributes["source"].UID, "LIS")
	if err != nil {
		t.Fatalf("failed to build dataset attribute: %v", err)
	}
	f.dataset.Attributes = map[string]*attr.Attribute{"source": sourceAttr}
	if err := store.CreateDataset(ctx, f.dataset); err != nil {
		t.Fatalf("failed to create dataset: %v", err)
	}

	f.project = &types.Project{
		UID:           idgen.New(),
		Name:          "project",
		Status:        types.ProjectCompleted,
		RootSchemaUID: reg.Root().UID,
		SchemaUID:     reg.Project().UID,
		DatasetUID:    f.dataset.UID,
	}
	if err := store.CreateProject(ctx, f.project); err != nil {
		t.Fatalf("failed to create project: %v", err)
	}
	f.batch = &types.Batch{
		UID: idgen.New(), Name: "batch-1", ProjectUID: f.project.UID, Status: types.BatchCompleted,
	}
	if err := store.CreateBatch(ctx, f.batch); err != nil {
		t.Fatalf("failed to create batch: %v", err)
	}
	return f
}

func (f *fixture) addSpecimen(t *testing.T, identifier, pseudonym string, selected bool) *types.Item {
	t.Helper()
	ctx := context.Background()
	note, err := f.attrs.New(f.specimen.Attributes["note"].UID, "frozen section")
	if err != nil {
		t.Fatalf("failed to build attribute: %v", err)
	}
	valid := true
	item := &types.Item{
		UID:             idgen.Item(f.dataset.UID, f.specimen.UID, identifier),
		Kind:            schema.ItemSample,
		Identifier:      identifier,
		Pseudonym:       pseudonym,
		Selected:        selected,
		SchemaUID:       f.specimen.UID,
		DatasetUID:      f.dataset.UID,
		BatchUID:        f.batch.UID,
		ValidAttributes: &valid,
		ValidRelations:  &valid,
		Attributes:      map[string]*attr.Attribute{"note": note},
	}
	stored, err := f.store.AddItem(ctx, item)
	if err != nil {
		t.Fatalf("failed to add specimen: %v", err)
	}
	return stored
}

func TestExportProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addSpecimen(t, "ABC-1", "P-001", true)
	f.addSpecimen(t, "ABC-2", "", false)

	manifest, err := f.ex.ExportProject(ctx, f.project.UID, true)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if manifest.Items != 2 || manifest.Exported != 1 {
		t.Errorf("manifest items/exported = %d/%d, want 2/1", manifest.Items, manifest.Exported)
	}
	if manifest.BySchema["specimen"] != 1 {
		t.Errorf("by-schema count = %v", manifest.BySchema)
	}

	outbox, err := f.files.ProjectOutbox(f.project)
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}

	// Pseudonymized export names the document by pseudonym.
	docPath := filepath.Join(outbox, "metadata", "specimen", "P-001.json")
	raw, err := os.ReadFile(docPath)
	if err != nil {
		t.Fatalf("read exported document: %v", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("decode exported document: %v", err)
	}
	if doc.Identifier != "ABC-1" || !doc.Valid {
		t.Errorf("document = %+v", doc)
	}
	ext := doc.Attributes["note"]
	if ext == nil || ext.ValueType != schema.KindString {
		t.Errorf("note attribute external form = %+v", ext)
	}

	if _, err := os.Stat(filepath.Join(outbox, "metadata", "specimen", "ABC-2.json")); !os.IsNotExist(err) {
		t.Error("non-selected item must not be exported")
	}
	for _, name := range []string{"manifest.json", "dataset.json", "pseudonyms.json"} {
		if _, err := os.Stat(filepath.Join(outbox, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}

func TestExportWithoutPseudonymsUsesIdentifiers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addSpecimen(t, "ABC-1", "P-001", true)

	if _, err := f.ex.ExportProject(ctx, f.project.UID, false); err != nil {
		t.Fatalf("export: %v", err)
	}
	outbox, err := f.files.ProjectOutbox(f.project)
	if err != nil {
		t.Fatalf("outbox: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outbox, "metadata", "specimen", "ABC-1.json")); err != nil {
		t.Errorf("identifier-named document missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outbox, "pseudonyms.json")); !os.IsNotExist(err) {
		t.Error("pseudonyms map must not be written when pseudonyms are off")
	}
}
