// Package export renders a project's curated items into the outbox:
// per-item metadata documents in the external attribute form, the
// identifier→pseudonym map, and a summary manifest.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/attr"
	"github.com/histoflow/histoflow/internal/filestore"
	"github.com/histoflow/histoflow/internal/schema"
	"github.com/histoflow/histoflow/internal/storage"
	"github.com/histoflow/histoflow/internal/types"
)

// Document is one exported item: identity plus attributes in the reduced
// external form.
type Document struct {
	UID        uuid.UUID                 `json:"uid"`
	Schema     string                    `json:"schema"`
	Identifier string                    `json:"identifier"`
	Name       string                    `json:"name,omitempty"`
	Pseudonym  string                    `json:"pseudonym,omitempty"`
	Valid      bool                      `json:"valid"`
	Attributes map[string]*attr.External `json:"attributes,omitempty"`

	// Image payload.
	Format string            `json:"format,omitempty"`
	Files  []types.ImageFile `json:"files,omitempty"`
}

// Manifest summarizes one export run.
type Manifest struct {
	ProjectUID    uuid.UUID      `json:"project_uid"`
	ProjectName   string         `json:"project_name"`
	DatasetUID    uuid.UUID      `json:"dataset_uid"`
	ExportedAt    time.Time      `json:"exported_at"`
	UsePseudonyms bool           `json:"use_pseudonyms"`
	Items         int            `json:"items"`
	Exported      int            `json:"exported"`
	NonValid      int            `json:"non_valid"`
	BySchema      map[string]int `json:"by_schema"`
}

// Exporter writes export artifacts through the storage collaborator.
type Exporter struct {
	store storage.Storage
	reg   *schema.Registry
	attrs *attr.Engine
	files filestore.Store
}

// New creates an exporter.
func New(store storage.Storage, reg *schema.Registry, attrs *attr.Engine, files filestore.Store) *Exporter {
	return &Exporter{store: store, reg: reg, attrs: attrs, files: files}
}

// ExportProject writes every selected item of the project's dataset into the
// outbox. Non-selected items are excluded; non-valid ones are exported but
// counted in the manifest. The lifecycle transitions around the export
// belong to the caller.
func (e *Exporter) ExportProject(ctx context.Context, projectUID uuid.UUID, usePseudonyms bool) (*Manifest, error) {
	project, err := e.store.GetProject(ctx, projectUID)
	if err != nil {
		return nil, err
	}
	dataset, err := e.store.GetDataset(ctx, project.DatasetUID)
	if err != nil {
		return nil, err
	}

	items, total, err := e.store.ListItems(ctx, types.ItemFilter{DatasetUID: &dataset.UID})
	if err != nil {
		return nil, err
	}

	manifest := &Manifest{
		ProjectUID:    project.UID,
		ProjectName:   project.Name,
		DatasetUID:    dataset.UID,
		ExportedAt:    time.Now().UTC(),
		UsePseudonyms: usePseudonyms,
		Items:         total,
		BySchema:      map[string]int{},
	}

	streams := map[string]io.Reader{}
	pseudonyms := map[string]string{}
	for _, item := range items {
		if !item.Selected {
			continue
		}
		doc, err := e.document(item)
		if err != nil {
			return nil, err
		}
		if !doc.Valid {
			manifest.NonValid++
		}
		if item.Pseudonym != "" {
			pseudonyms[item.Identifier] = item.Pseudonym
		}

		name := item.Identifier
		if usePseudonyms && item.Pseudonym != "" {
			name = item.Pseudonym
		}
		raw, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", item.Identifier, err)
		}
		streams[path.Join("metadata", doc.Schema, name+".json")] = bytes.NewReader(raw)
		manifest.BySchema[doc.Schema]++
		manifest.Exported++
	}

	// Dataset-level attributes travel with the export too.
	datasetDoc, err := e.datasetDocument(dataset)
	if err != nil {
		return nil, err
	}
	rawDataset, err := json.MarshalIndent(datasetDoc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode dataset: %w", err)
	}
	streams["dataset.json"] = bytes.NewReader(rawDataset)

	if err := e.files.StoreMetadata(ctx, project, streams); err != nil {
		return nil, err
	}
	if usePseudonyms && len(pseudonyms) > 0 {
		if err := e.files.StorePseudonyms(ctx, project, pseudonyms); err != nil {
			return nil, err
		}
	}

	rawManifest, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := e.files.StoreMetadata(ctx, project, map[string]io.Reader{
		"manifest.json": bytes.NewReader(rawManifest),
	}); err != nil {
		return nil, err
	}
	return manifest, nil
}

func (e *Exporter) document(item *types.Item) (*Document, error) {
	is, ok := e.reg.ItemSchema(item.SchemaUID)
	if !ok {
		return nil, fmt.Errorf("item %s: unknown item schema %s", item.UID, item.SchemaUID)
	}
	doc := &Document{
		UID:        item.UID,
		Schema:     is.Name,
		Identifier: item.Identifier,
		Name:       item.Name,
		Pseudonym:  item.Pseudonym,
		Valid:      item.Valid(),
		Format:     item.Format,
		Files:      item.Files,
	}
	if len(item.Attributes) > 0 {
		doc.Attributes = map[string]*attr.External{}
		for tag, a := range item.Attributes {
			ext, err := e.attrs.ToExternal(a)
			if err != nil {
				return nil, fmt.Errorf("item %s attribute %q: %w", item.Identifier, tag, err)
			}
			doc.Attributes[tag] = ext
		}
	}
	return doc, nil
}

func (e *Exporter) datasetDocument(dataset *types.Dataset) (*Document, error) {
	doc := &Document{
		UID:        dataset.UID,
		Schema:     e.reg.Dataset().Name,
		Identifier: dataset.Name,
		Valid:      dataset.ValidAttributes != nil && *dataset.ValidAttributes,
	}
	if len(dataset.Attributes) > 0 {
		doc.Attributes = map[string]*attr.External{}
		for tag, a := range dataset.Attributes {
			ext, err := e.attrs.ToExternal(a)
			if err != nil {
				return nil, fmt.Errorf("dataset attribute %q: %w", tag, err)
			}
			doc.Attributes[tag] = ext
		}
	}
	return doc, nil
}
