package schema

import (
	"reflect"
	"strings"
	"testing"

	"github.com/google/uuid"
)

// testRoot builds the specimen→block→slide→wsi hierarchy used across the
// engine tests.
func testRoot() *RootSchema {
	return &RootSchema{
		Name:    "pathology",
		Project: &ProjectSchema{Name: "project"},
		Dataset: &DatasetSchema{Name: "dataset"},
		Samples: []*ItemSchema{
			{Name: "specimen", Kind: ItemSample, DisplayOrder: 0, Attributes: map[string]*AttributeSchema{
				"collection": {Kind: KindCode, AllowedSchemas: []string{"CUSTOM"}},
				"fixation":   {Kind: KindCode, AllowedSchemas: []string{"CUSTOM"}},
			}},
			{Name: "block", Kind: ItemSample, DisplayOrder: 1},
			{Name: "slide", Kind: ItemSample, DisplayOrder: 2, Attributes: map[string]*AttributeSchema{
				"stain": {Kind: KindString, Optional: true},
			}},
		},
		Images: []*ItemSchema{
			{Name: "wsi", Kind: ItemImage, DisplayOrder: 3},
		},
		SampleRelations: []*SampleRelation{
			{Name: "specimen-block", Parent: "specimen", Child: "block"},
			{Name: "block-slide", Parent: "block", Child: "slide"},
		},
		ImageRelations: []*ImageRelation{
			{Name: "slide-wsi", Sample: "slide", Image: "wsi"},
		},
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(testRoot())
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestRegistryDeterminism(t *testing.T) {
	a, err := NewRegistry(testRoot())
	if err != nil {
		t.Fatalf("first construction: %v", err)
	}
	b, err := NewRegistry(testRoot())
	if err != nil {
		t.Fatalf("second construction: %v", err)
	}

	if !reflect.DeepEqual(a.Root(), b.Root()) {
		t.Error("two constructions from the same input differ")
	}
	if a.Root().UID == uuid.Nil {
		t.Error("root uid not assigned")
	}
}

func TestRegistryLookups(t *testing.T) {
	reg := newTestRegistry(t)

	slide, ok := reg.ItemSchemaByName("slide")
	if !ok {
		t.Fatal("slide schema not found by name")
	}
	if got, ok := reg.ItemSchema(slide.UID); !ok || got != slide {
		t.Error("uid lookup did not return the same schema")
	}

	stain := slide.Attributes["stain"]
	if got, ok := reg.AttributeSchema(stain.UID); !ok || got != stain {
		t.Error("attribute uid lookup failed")
	}
}

func TestAttributeLookupDefaultsToTag(t *testing.T) {
	reg := newTestRegistry(t)

	// The test root declares attributes by tag only; the tag must serve as
	// the lookup name when the optional name field is omitted.
	stain, ok := reg.AttributeSchemaByName("stain")
	if !ok {
		t.Fatal("stain not found by tag")
	}
	slide, _ := reg.ItemSchemaByName("slide")
	if stain != slide.Attributes["stain"] {
		t.Error("tag lookup did not return the declared schema")
	}

	// An explicit name still overrides.
	root := testRoot()
	root.Samples[0].Attributes["collection"].Name = "collection method"
	reg, err := NewRegistry(root)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, ok := reg.AttributeSchemaByName("collection method"); !ok {
		t.Error("explicit name not indexed")
	}
}

func TestRegistryItemOrdering(t *testing.T) {
	reg := newTestRegistry(t)

	var names []string
	for _, it := range reg.Items() {
		names = append(names, it.Name)
	}
	want := []string{"specimen", "block", "slide", "wsi"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("item order = %v, want %v", names, want)
	}
}

func TestRegistryRelationResolution(t *testing.T) {
	reg := newTestRegistry(t)

	block, _ := reg.ItemSchemaByName("block")
	parents := reg.ParentRelations(block.UID)
	if len(parents) != 1 || parents[0].Name != "specimen-block" {
		t.Fatalf("parent relations for block = %+v", parents)
	}
	children := reg.ChildRelations(block.UID)
	if len(children) != 1 || children[0].Name != "block-slide" {
		t.Fatalf("child relations for block = %+v", children)
	}

	slide, _ := reg.ItemSchemaByName("slide")
	imgs := reg.ImageRelationsForSample(slide.UID)
	if len(imgs) != 1 || imgs[0].Name != "slide-wsi" {
		t.Fatalf("image relations for slide = %+v", imgs)
	}
}

func TestRegistryRejectsBadRelation(t *testing.T) {
	root := testRoot()
	root.ImageRelations = append(root.ImageRelations,
		&ImageRelation{Name: "bad", Sample: "wsi", Image: "slide"})

	if _, err := NewRegistry(root); err == nil {
		t.Error("expected error for relation with swapped endpoints")
	}
}

func TestRegistryRejectsBadVariant(t *testing.T) {
	root := testRoot()
	root.Samples[0].Attributes["broken"] = &AttributeSchema{Kind: KindEnum} // no allowed_values

	_, err := NewRegistry(root)
	if err == nil || !strings.Contains(err.Error(), "allowed_values") {
		t.Errorf("expected allowed_values error, got %v", err)
	}
}

func TestLoadRootYAML(t *testing.T) {
	const doc = `
name: pathology
project:
  name: project
dataset:
  name: dataset
samples:
  - name: specimen
    kind: sample
    attributes:
      collection:
        kind: code
        allowed_schemas: [CUSTOM]
images:
  - name: wsi
    kind: image
image_relations:
  - name: specimen-wsi
    sample: specimen
    image: wsi
`
	root, err := LoadRoot(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadRoot: %v", err)
	}
	reg, err := NewRegistry(root)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if _, ok := reg.ItemSchemaByName("specimen"); !ok {
		t.Error("specimen not indexed after YAML load")
	}
}

func TestLoadRootRejectsUnknownFields(t *testing.T) {
	const doc = `
name: pathology
projekt:
  name: typo
`
	if _, err := LoadRoot(strings.NewReader(doc)); err == nil {
		t.Error("expected unknown-field error")
	}
}
