// Package importer ingests batch metadata: parsing uploaded files into
// search parameters, materializing items and their edges in the store, and
// enriching image attributes from converter sidecars.
package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/attr"
	"github.com/histoflow/histoflow/internal/idgen"
	"github.com/histoflow/histoflow/internal/schema"
	"github.com/histoflow/histoflow/internal/storage"
	"github.com/histoflow/histoflow/internal/types"
)

// Record is one row of batch metadata. Reference columns name counterparts
// by identifier; they resolve against items already ingested, so parents
// must precede children in the file.
type Record struct {
	Schema     string
	Identifier string
	Name       string
	// Parent names the parent sample for sample rows.
	Parent string
	// Sample names the owning sample for image rows.
	Sample string
	// Target names the counterpart for observation rows.
	Target string
	// Image names the annotated image for annotation rows.
	Image string

	// Attributes holds raw mappable values keyed by attribute tag.
	Attributes map[string]string
}

// SearchParameters is the parsed form of one uploaded batch file.
type SearchParameters struct {
	Records []Record
}

// Importer materializes metadata into the item store.
type Importer struct {
	store storage.Storage
	reg   *schema.Registry
	attrs *attr.Engine
}

// New creates an importer.
func New(store storage.Storage, reg *schema.Registry, attrs *attr.Engine) *Importer {
	return &Importer{store: store, reg: reg, attrs: attrs}
}

// Search ingests the parsed records into the batch. Item uids derive from
// (dataset, schema, identifier), so re-running the same file converges on
// the same items instead of duplicating them.
func (im *Importer) Search(ctx context.Context, batchUID uuid.UUID, params *SearchParameters) ([]*types.Item, error) {
	batch, err := im.store.GetBatch(ctx, batchUID)
	if err != nil {
		return nil, err
	}
	project, err := im.store.GetProject(ctx, batch.ProjectUID)
	if err != nil {
		return nil, err
	}

	items := make([]*types.Item, 0, len(params.Records))
	for i, rec := range params.Records {
		item, err := im.ingest(ctx, project, batchUID, rec)
		if err != nil {
			return nil, fmt.Errorf("record %d (%s %q): %w", i+1, rec.Schema, rec.Identifier, err)
		}
		items = append(items, item)
	}
	return items, nil
}

func (im *Importer) ingest(ctx context.Context, project *types.Project, batchUID uuid.UUID, rec Record) (*types.Item, error) {
	is, ok := im.reg.ItemSchemaByName(rec.Schema)
	if !ok {
		return nil, fmt.Errorf("unknown item schema %q", rec.Schema)
	}

	attributes := map[string]*attr.Attribute{}
	for tag, raw := range rec.Attributes {
		as, declared := is.Attributes[tag]
		if !declared {
			return nil, fmt.Errorf("schema %q does not declare attribute %q", is.Name, tag)
		}
		a, err := im.attrs.NewMappable(as.UID, raw)
		if err != nil {
			return nil, err
		}
		attributes[tag] = a
	}

	item := &types.Item{
		UID:        idgen.Item(project.DatasetUID, is.UID, rec.Identifier),
		Kind:       is.Kind,
		Identifier: rec.Identifier,
		Name:       rec.Name,
		Selected:   true,
		SchemaUID:  is.UID,
		DatasetUID: project.DatasetUID,
		BatchUID:   batchUID,
		Attributes: attributes,
	}
	if is.Kind == schema.ItemImage {
		item.Status = types.ImageNotStarted
	}
	stored, err := im.store.AddItem(ctx, item)
	if err != nil {
		return nil, err
	}
	if err := im.link(ctx, project, is, stored, rec); err != nil {
		return nil, err
	}
	return stored, nil
}

// link resolves the record's reference columns against already ingested
// items and inserts the edges the schema allows.
func (im *Importer) link(ctx context.Context, project *types.Project, is *schema.ItemSchema, item *types.Item, rec Record) error {
	switch is.Kind {
	case schema.ItemSample:
		if rec.Parent == "" {
			return nil
		}
		for _, rel := range im.reg.ParentRelations(is.UID) {
			parent, err := im.store.GetItemByIdentifier(ctx, project.DatasetUID, rel.ParentUID, rec.Parent)
			if err != nil {
				if isNotFound(err) {
					continue
				}
				return err
			}
			return im.store.AddRelation(ctx, types.Relation{
				FromUID: parent.UID, ToUID: item.UID, Kind: types.RelSampleChild,
			})
		}
		return fmt.Errorf("parent sample %q not found", rec.Parent)

	case schema.ItemImage:
		if rec.Sample == "" {
			return nil
		}
		for _, rel := range im.reg.Root().ImageRelations {
			if rel.ImageUID != is.UID {
				continue
			}
			sample, err := im.store.GetItemByIdentifier(ctx, project.DatasetUID, rel.SampleUID, rec.Sample)
			if err != nil {
				if isNotFound(err) {
					continue
				}
				return err
			}
			return im.store.AddRelation(ctx, types.Relation{
				FromUID: item.UID, ToUID: sample.UID, Kind: types.RelImageSample,
			})
		}
		return fmt.Errorf("sample %q not found", rec.Sample)

	case schema.ItemObservation:
		if rec.Target == "" {
			return fmt.Errorf("observation rows require a target")
		}
		for _, rel := range im.reg.ObservationRelations(is.UID) {
			target, err := im.store.GetItemByIdentifier(ctx, project.DatasetUID, rel.TargetUID, rec.Target)
			if err != nil {
				if isNotFound(err) {
					continue
				}
				return err
			}
			return im.store.AddRelation(ctx, types.Relation{
				FromUID: item.UID, ToUID: target.UID, Kind: types.RelObservationTarget,
			})
		}
		return fmt.Errorf("observation target %q not found", rec.Target)

	case schema.ItemAnnotation:
		if rec.Image == "" {
			return fmt.Errorf("annotation rows require an image")
		}
		rel := im.reg.AnnotationRelation(is.UID)
		if rel == nil {
			return fmt.Errorf("schema %q has no annotation relation", is.Name)
		}
		img, err := im.store.GetItemByIdentifier(ctx, project.DatasetUID, rel.ImageUID, rec.Image)
		if err != nil {
			return fmt.Errorf("annotated image %q: %w", rec.Image, err)
		}
		return im.store.AddRelation(ctx, types.Relation{
			FromUID: item.UID, ToUID: img.UID, Kind: types.RelAnnotationImage,
		})
	}
	return nil
}

// ImportImageMetadata reads the converter's metadata sidecar from the
// image's folder and merges the values into matching mappable attributes.
// Images without a sidecar are left untouched.
func (im *Importer) ImportImageMetadata(ctx context.Context, imageUID uuid.UUID) error {
	img, err := im.store.GetItem(ctx, imageUID)
	if err != nil {
		return err
	}
	if img.FolderPath == "" {
		return nil
	}
	raw, err := os.ReadFile(filepath.Join(img.FolderPath, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read metadata sidecar: %w", err)
	}
	var meta map[string]string
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("decode metadata sidecar: %w", err)
	}

	is, ok := im.reg.ItemSchema(img.SchemaUID)
	if !ok {
		return fmt.Errorf("image %s: unknown item schema %s", img.UID, img.SchemaUID)
	}
	changed := false
	for tag, value := range meta {
		as, declared := is.Attributes[tag]
		if !declared {
			continue
		}
		if existing := img.Attributes[tag]; existing != nil {
			if err := im.attrs.SetMappable(existing, value); err != nil {
				return err
			}
		} else {
			a, err := im.attrs.NewMappable(as.UID, value)
			if err != nil {
				return err
			}
			if img.Attributes == nil {
				img.Attributes = map[string]*attr.Attribute{}
			}
			img.Attributes[tag] = a
		}
		changed = true
	}
	if !changed {
		return nil
	}
	return im.store.UpdateItem(ctx, img)
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
