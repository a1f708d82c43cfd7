// Package service is the control surface of the engine. It composes the
// importer, mapper engine, validator, lifecycle coordinator, pipeline, and
// exporter behind the methods an RPC or HTTP facade would expose.
package service

import (
	"context"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/attr"
	"github.com/histoflow/histoflow/internal/export"
	"github.com/histoflow/histoflow/internal/filestore"
	"github.com/histoflow/histoflow/internal/idgen"
	"github.com/histoflow/histoflow/internal/importer"
	"github.com/histoflow/histoflow/internal/lifecycle"
	"github.com/histoflow/histoflow/internal/mapper"
	"github.com/histoflow/histoflow/internal/pipeline"
	"github.com/histoflow/histoflow/internal/schema"
	"github.com/histoflow/histoflow/internal/storage"
	"github.com/histoflow/histoflow/internal/types"
	"github.com/histoflow/histoflow/internal/validation"
)

// Service wires the engine components together.
type Service struct {
	store storage.Storage
	reg   *schema.Registry
	attrs *attr.Engine
	maps  *mapper.Engine
	val   *validation.Validator
	coord *lifecycle.Coordinator
	im    *importer.Importer
	pipe  *pipeline.Runner
	ex    *export.Exporter
	files filestore.Store

	usePseudonyms bool
}

// New assembles a service over the given store, registry, pipeline, and
// filestore. The pipeline must have been built around the same store and
// coordinator returned by Coordinator().
func New(store storage.Storage, reg *schema.Registry, coord *lifecycle.Coordinator, pipe *pipeline.Runner, files filestore.Store, usePseudonyms bool) (*Service, error) {
	attrs := attr.NewEngine(reg)
	maps, err := mapper.New(store, attrs)
	if err != nil {
		return nil, err
	}
	return &Service{
		store:         store,
		reg:           reg,
		attrs:         attrs,
		maps:          maps,
		val:           validation.New(reg, store),
		coord:         coord,
		im:            importer.New(store, reg, attrs),
		pipe:          pipe,
		ex:            export.New(store, reg, attrs, files),
		files:         files,
		usePseudonyms: usePseudonyms,
	}, nil
}

// Mappers exposes the mapper engine for rule management.
func (s *Service) Mappers() *mapper.Engine { return s.maps }

// Coordinator exposes the lifecycle coordinator.
func (s *Service) Coordinator() *lifecycle.Coordinator { return s.coord }

// CreateDataset creates an empty dataset under the root schema.
func (s *Service) CreateDataset(ctx context.Context, name string) (*types.Dataset, error) {
	d := &types.Dataset{
		UID:       idgen.New(),
		Name:      name,
		SchemaUID: s.reg.Dataset().UID,
	}
	if err := s.store.CreateDataset(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// CreateProject creates a project over an existing dataset together with its
// default batch. The default batch holds samples that outlive their original
// batch and is never pipelined or deleted on its own.
func (s *Service) CreateProject(ctx context.Context, name string, datasetUID uuid.UUID) (*types.Project, error) {
	if _, err := s.store.GetDataset(ctx, datasetUID); err != nil {
		return nil, err
	}
	p := &types.Project{
		UID:           idgen.New(),
		Name:          name,
		Status:        types.ProjectInProgress,
		RootSchemaUID: s.reg.Root().UID,
		SchemaUID:     s.reg.Project().UID,
		DatasetUID:    datasetUID,
	}
	if err := s.store.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	def := &types.Batch{
		UID:        idgen.New(),
		Name:       "default",
		ProjectUID: p.UID,
		Status:     types.BatchInitialized,
		IsDefault:  true,
	}
	if err := s.store.CreateBatch(ctx, def); err != nil {
		return nil, err
	}
	p.DefaultBatchUID = def.UID
	if err := s.store.UpdateProject(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// CreateBatch creates a regular batch in a project.
func (s *Service) CreateBatch(ctx context.Context, projectUID uuid.UUID, name string) (*types.Batch, error) {
	if _, err := s.store.GetProject(ctx, projectUID); err != nil {
		return nil, err
	}
	b := &types.Batch{
		UID:        idgen.New(),
		Name:       name,
		ProjectUID: projectUID,
		Status:     types.BatchInitialized,
	}
	if err := s.store.CreateBatch(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// GetProject returns a project by uid.
func (s *Service) GetProject(ctx context.Context, uid uuid.UUID) (*types.Project, error) {
	return s.store.GetProject(ctx, uid)
}

// GetBatch returns a batch by uid.
func (s *Service) GetBatch(ctx context.Context, uid uuid.UUID) (*types.Batch, error) {
	return s.store.GetBatch(ctx, uid)
}

// GetItem returns an item by uid.
func (s *Service) GetItem(ctx context.Context, uid uuid.UUID) (*types.Item, error) {
	return s.store.GetItem(ctx, uid)
}

// ListItems returns a filtered page of items.
func (s *Service) ListItems(ctx context.Context, filter types.ItemFilter) ([]*types.Item, int, error) {
	return s.store.ListItems(ctx, filter)
}

// UploadBatchFile parses a batch metadata file and runs the search: the
// batch moves to metadata search, the records are ingested into the item
// graph, project mappers are applied, and every ingested item is validated.
// A failed ingest resets the batch to initialized so the file can be fixed
// and re-uploaded.
func (s *Service) UploadBatchFile(ctx context.Context, batchUID uuid.UUID, file io.Reader) ([]*types.Item, error) {
	params, err := importer.ParseFile(file)
	if err != nil {
		return nil, err
	}
	if err := s.coord.StartSearch(ctx, batchUID); err != nil {
		return nil, err
	}
	items, err := s.im.Search(ctx, batchUID, params)
	if err != nil {
		if resetErr := s.coord.ResetSearch(ctx, batchUID); resetErr != nil {
			return nil, fmt.Errorf("%w (reset failed: %v)", err, resetErr)
		}
		return nil, err
	}

	batch, err := s.store.GetBatch(ctx, batchUID)
	if err != nil {
		return nil, err
	}
	project, err := s.store.GetProject(ctx, batch.ProjectUID)
	if err != nil {
		return nil, err
	}
	if _, err := s.maps.ApplyToProject(ctx, project); err != nil {
		return nil, err
	}
	for i, item := range items {
		// Re-read: mapping may have rewritten attributes.
		fresh, err := s.store.GetItem(ctx, item.UID)
		if err != nil {
			return nil, err
		}
		if _, err := s.val.Item(ctx, fresh); err != nil {
			return nil, err
		}
		items[i] = fresh
	}
	if err := s.coord.CompleteSearch(ctx, batchUID); err != nil {
		return nil, err
	}
	return items, nil
}

// enqueueBatchImages schedules every selected image of the batch for the
// given phase.
func (s *Service) enqueueBatchImages(ctx context.Context, batch *types.Batch, phase lifecycle.Phase) error {
	imageKind := schema.ItemImage
	selected := true
	images, _, err := s.store.ListItems(ctx, types.ItemFilter{
		BatchUID: &batch.UID,
		Kind:     &imageKind,
		Selected: &selected,
	})
	if err != nil {
		return err
	}
	for _, img := range images {
		if err := s.pipe.Enqueue(ctx, batch.ProjectUID, img.UID, phase, pipeline.QueueDefault); err != nil {
			return err
		}
	}
	return nil
}

// PreProcessBatch starts pre-processing and enqueues the batch's selected
// images.
func (s *Service) PreProcessBatch(ctx context.Context, batchUID uuid.UUID) error {
	if err := s.coord.StartPreProcessing(ctx, batchUID); err != nil {
		return err
	}
	batch, err := s.store.GetBatch(ctx, batchUID)
	if err != nil {
		return err
	}
	return s.enqueueBatchImages(ctx, batch, lifecycle.PhasePre)
}

// ProcessBatch starts post-processing and enqueues the batch's selected
// images.
func (s *Service) ProcessBatch(ctx context.Context, batchUID uuid.UUID) error {
	if err := s.coord.StartPostProcessing(ctx, batchUID); err != nil {
		return err
	}
	batch, err := s.store.GetBatch(ctx, batchUID)
	if err != nil {
		return err
	}
	return s.enqueueBatchImages(ctx, batch, lifecycle.PhasePost)
}

// CompleteBatch locks the batch's items and completes the batch; the project
// status is re-derived from its live batches.
func (s *Service) CompleteBatch(ctx context.Context, batchUID uuid.UUID) error {
	return s.coord.CompleteBatch(ctx, batchUID)
}

// ExportProject renders the project's dataset into the outbox under the
// export lifecycle: a failed export returns the project to completed.
func (s *Service) ExportProject(ctx context.Context, projectUID uuid.UUID) (*export.Manifest, error) {
	if err := s.coord.StartExport(ctx, projectUID); err != nil {
		return nil, err
	}
	manifest, err := s.ex.ExportProject(ctx, projectUID, s.usePseudonyms)
	if err != nil {
		if failErr := s.coord.FailExport(ctx, projectUID); failErr != nil {
			return nil, fmt.Errorf("%w (export state reset failed: %v)", err, failErr)
		}
		return nil, err
	}
	if err := s.coord.FinishExport(ctx, projectUID); err != nil {
		return nil, err
	}
	return manifest, nil
}

// SelectItem toggles an item's selection and records the change in the audit
// trail.
func (s *Service) SelectItem(ctx context.Context, uid uuid.UUID, selected bool) error {
	if err := s.store.SetSelected(ctx, uid, selected); err != nil {
		return err
	}
	return s.store.AddEvent(ctx, &types.Event{
		ItemUID:  uid,
		Type:     types.EventSelectionChanged,
		NewValue: fmt.Sprintf("%t", selected),
	})
}

// UpdateAttribute sets the user override of one item attribute, re-validates
// the item, and records the change. The attribute must be declared by the
// item's schema.
func (s *Service) UpdateAttribute(ctx context.Context, itemUID uuid.UUID, tag string, raw attr.Value) error {
	item, err := s.store.GetItem(ctx, itemUID)
	if err != nil {
		return err
	}
	is, ok := s.reg.ItemSchema(item.SchemaUID)
	if !ok {
		return fmt.Errorf("update attribute: unknown item schema %s", item.SchemaUID)
	}
	as, declared := is.Attributes[tag]
	if !declared {
		return fmt.Errorf("update attribute: schema %q does not declare attribute %q: %w",
			is.Name, tag, storage.ErrNotFound)
	}

	a := item.Attributes[tag]
	if a == nil {
		if a, err = s.attrs.New(as.UID, nil); err != nil {
			return err
		}
		if item.Attributes == nil {
			item.Attributes = map[string]*attr.Attribute{}
		}
		item.Attributes[tag] = a
	}
	old := a.DisplayValue
	if err := s.attrs.Update(a, raw); err != nil {
		return err
	}
	if err := s.store.UpdateItem(ctx, item); err != nil {
		return err
	}
	if _, err := s.val.Item(ctx, item); err != nil {
		return err
	}
	return s.store.AddEvent(ctx, &types.Event{
		ItemUID:  itemUID,
		Type:     types.EventAttributeUpdated,
		OldValue: old,
		NewValue: a.DisplayValue,
	})
}

// RetryImages resets failed images through the coordinator and re-enqueues
// them on the high-priority queue.
func (s *Service) RetryImages(ctx context.Context, imageUIDs []uuid.UUID) error {
	if err := s.coord.RetryImages(ctx, imageUIDs); err != nil {
		return err
	}
	for _, uid := range imageUIDs {
		img, err := s.store.GetItem(ctx, uid)
		if err != nil {
			return err
		}
		batch, err := s.store.GetBatch(ctx, img.BatchUID)
		if err != nil {
			return err
		}
		phase := lifecycle.PhasePre
		if img.Status == types.ImagePreProcessed {
			phase = lifecycle.PhasePost
		}
		if err := s.pipe.Enqueue(ctx, batch.ProjectUID, uid, phase, pipeline.QueueHigh); err != nil {
			return err
		}
	}
	return nil
}

// DeleteBatch marks the batch deleted and removes its items, closing over
// observations, orphaned images, and annotations. Samples still holding
// children in other batches move to the project's default batch. In-flight
// pipeline tasks find their image gone and record nothing.
func (s *Service) DeleteBatch(ctx context.Context, batchUID uuid.UUID) error {
	batch, err := s.store.GetBatch(ctx, batchUID)
	if err != nil {
		return err
	}
	project, err := s.store.GetProject(ctx, batch.ProjectUID)
	if err != nil {
		return err
	}
	if err := s.coord.DeleteBatch(ctx, batchUID); err != nil {
		return err
	}
	for _, is := range s.deletionOrder() {
		if err := s.store.DeleteBatchItems(ctx, batchUID, is.UID, false, project.DefaultBatchUID); err != nil {
			return err
		}
	}
	return nil
}

// deletionOrder lists item schemas dependents-first: annotations and
// observations before images, images before samples, and child samples
// before their parents. Deleting in this order removes a batch completely
// while still reassigning samples whose children live in other batches.
func (s *Service) deletionOrder() []*schema.ItemSchema {
	var order []*schema.ItemSchema
	byKind := func(k schema.ItemKind) {
		for _, is := range s.reg.Items() {
			if is.Kind == k {
				order = append(order, is)
			}
		}
	}
	byKind(schema.ItemAnnotation)
	byKind(schema.ItemObservation)
	byKind(schema.ItemImage)

	// Child-first post-order over the sample relations.
	seen := map[uuid.UUID]bool{}
	var visit func(is *schema.ItemSchema)
	visit = func(is *schema.ItemSchema) {
		if seen[is.UID] {
			return
		}
		seen[is.UID] = true
		for _, rel := range s.reg.ChildRelations(is.UID) {
			if child, ok := s.reg.ItemSchema(rel.ChildUID); ok {
				visit(child)
			}
		}
		order = append(order, is)
	}
	for _, is := range s.reg.Items() {
		if is.Kind == schema.ItemSample {
			visit(is)
		}
	}
	return order
}

// DeleteProject deletes every batch of the project and then the project
// itself.
func (s *Service) DeleteProject(ctx context.Context, projectUID uuid.UUID) error {
	batches, err := s.store.ListBatches(ctx, projectUID)
	if err != nil {
		return err
	}
	for _, b := range batches {
		if b.IsDefault {
			continue
		}
		if err := s.DeleteBatch(ctx, b.UID); err != nil {
			return err
		}
	}
	// The default batch holds whatever survived the cascades.
	project, err := s.store.GetProject(ctx, projectUID)
	if err != nil {
		return err
	}
	for _, is := range s.deletionOrder() {
		if err := s.store.DeleteBatchItems(ctx, project.DefaultBatchUID, is.UID, false, project.DefaultBatchUID); err != nil {
			return err
		}
	}
	if err := s.coord.DeleteProject(ctx, projectUID); err != nil {
		return err
	}
	return s.files.CleanupProject(ctx, project)
}

// GetProjectValidation validates the project's own attributes.
func (s *Service) GetProjectValidation(ctx context.Context, projectUID uuid.UUID) (*types.ProjectValidation, error) {
	project, err := s.store.GetProject(ctx, projectUID)
	if err != nil {
		return nil, err
	}
	return s.val.Project(ctx, project)
}

// GetBatchValidation re-validates every selected item of the batch.
func (s *Service) GetBatchValidation(ctx context.Context, batchUID uuid.UUID) (*types.BatchValidation, error) {
	if _, err := s.store.GetBatch(ctx, batchUID); err != nil {
		return nil, err
	}
	return s.val.Batch(ctx, batchUID)
}

// GetDatasetValidation validates the dataset attributes.
func (s *Service) GetDatasetValidation(ctx context.Context, datasetUID uuid.UUID) (*types.DatasetValidation, error) {
	dataset, err := s.store.GetDataset(ctx, datasetUID)
	if err != nil {
		return nil, err
	}
	return s.val.Dataset(ctx, dataset)
}
