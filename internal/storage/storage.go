// Package storage defines the interface for item store backends.
package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/types"
)

// Sentinel errors for common store conditions. Callers match with
// errors.Is; backends wrap them with operation context.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a uniqueness violation or conflicting state.
	ErrConflict = errors.New("conflict")

	// ErrCycle indicates a sample edge would make the sample graph cyclic.
	ErrCycle = errors.New("sample cycle detected")

	// ErrNotAllowed indicates a lifecycle transition or mutation that the
	// state machine or locking forbids.
	ErrNotAllowed = errors.New("action not allowed")

	// ErrLocked indicates a mutation against a locked item or project.
	ErrLocked = errors.New("locked")
)

// Transaction exposes the subset of store operations that execute within a
// single database transaction. The pipeline and the lifecycle coordinator
// rely on it for atomic status mutation plus aggregation: all writes in one
// image-completion step either land together or not at all, and the batch
// advance is a conditional update inside the same transaction.
type Transaction interface {
	GetItem(ctx context.Context, uid uuid.UUID) (*types.Item, error)
	UpdateItem(ctx context.Context, item *types.Item) error
	SetSelected(ctx context.Context, uid uuid.UUID, selected bool) error
	SetImageStatus(ctx context.Context, uid uuid.UUID, status types.ImageStatus, message string) error
	UpdateImageFiles(ctx context.Context, uid uuid.UUID, folderPath string, files []types.ImageFile, thumbnailPath, format string) error

	GetBatch(ctx context.Context, uid uuid.UUID) (*types.Batch, error)
	// SetBatchStatus performs a compare-and-set: the update applies only if
	// the batch currently has the expected status, otherwise ErrNotAllowed.
	SetBatchStatus(ctx context.Context, uid uuid.UUID, from, to types.BatchStatus) error
	// CountImagesInStatuses counts the batch's images currently in any of
	// the given statuses, optionally restricted to selected images.
	CountImagesInStatuses(ctx context.Context, batchUID uuid.UUID, statuses []types.ImageStatus, selectedOnly bool) (int, error)

	AddEvent(ctx context.Context, ev *types.Event) error
}

// Storage is the full store interface.
type Storage interface {
	Transaction

	// Projects
	CreateProject(ctx context.Context, p *types.Project) error
	GetProject(ctx context.Context, uid uuid.UUID) (*types.Project, error)
	ListProjects(ctx context.Context) ([]*types.Project, error)
	UpdateProject(ctx context.Context, p *types.Project) error
	// SetProjectStatus is a compare-and-set like SetBatchStatus.
	SetProjectStatus(ctx context.Context, uid uuid.UUID, from, to types.ProjectStatus) error

	// Datasets
	CreateDataset(ctx context.Context, d *types.Dataset) error
	GetDataset(ctx context.Context, uid uuid.UUID) (*types.Dataset, error)
	UpdateDataset(ctx context.Context, d *types.Dataset) error

	// Batches
	CreateBatch(ctx context.Context, b *types.Batch) error
	ListBatches(ctx context.Context, projectUID uuid.UUID) ([]*types.Batch, error)

	// Items. AddItem is idempotent on (dataset_uid, schema_uid, identifier):
	// on collision the existing item is returned unchanged.
	AddItem(ctx context.Context, item *types.Item) (*types.Item, error)
	GetItemByIdentifier(ctx context.Context, datasetUID, schemaUID uuid.UUID, identifier string) (*types.Item, error)
	SetItemValidity(ctx context.Context, uid uuid.UUID, validAttributes, validRelations *bool) error
	// LockBatchItems locks every item in the batch together with their
	// attributes; called when a batch completes.
	LockBatchItems(ctx context.Context, batchUID uuid.UUID) error
	ListItems(ctx context.Context, filter types.ItemFilter) ([]*types.Item, int, error)
	// DeleteBatchItems removes a batch's items of one schema, cascading
	// through observations and images. Samples with children in other
	// batches are reassigned to the project's default batch instead of
	// deleted, keeping the graph intact.
	DeleteBatchItems(ctx context.Context, batchUID, schemaUID uuid.UUID, onlyNonSelected bool, defaultBatchUID uuid.UUID) error

	// Relations
	AddRelation(ctx context.Context, rel types.Relation) error
	RemoveRelation(ctx context.Context, rel types.Relation) error
	// Children/Parents navigate sample-child edges; a non-nil schema
	// narrows to one related schema.
	Children(ctx context.Context, sampleUID uuid.UUID, childSchemaUID *uuid.UUID) ([]*types.Item, error)
	Parents(ctx context.Context, sampleUID uuid.UUID, parentSchemaUID *uuid.UUID) ([]*types.Item, error)
	ImagesForSample(ctx context.Context, sampleUID uuid.UUID, imageSchemaUID *uuid.UUID) ([]*types.Item, error)
	SamplesForImage(ctx context.Context, imageUID uuid.UUID) ([]*types.Item, error)
	ObservationsFor(ctx context.Context, targetUID uuid.UUID) ([]*types.Item, error)
	ObservationTarget(ctx context.Context, observationUID uuid.UUID) (*types.Item, error)
	AnnotationImage(ctx context.Context, annotationUID uuid.UUID) (*types.Item, error)
	// Ancestors returns all transitive ancestors of a sample.
	Ancestors(ctx context.Context, sampleUID uuid.UUID) ([]uuid.UUID, error)

	// Mappers
	CreateMapper(ctx context.Context, m *types.Mapper) error
	GetMapper(ctx context.Context, uid uuid.UUID) (*types.Mapper, error)
	GetMapperByName(ctx context.Context, name string) (*types.Mapper, error)
	ListMappers(ctx context.Context) ([]*types.Mapper, error)
	DeleteMapper(ctx context.Context, uid uuid.UUID) error
	AddMappingItem(ctx context.Context, mi *types.MappingItem) error
	UpdateMappingItem(ctx context.Context, mi *types.MappingItem) error
	DeleteMappingItem(ctx context.Context, uid uuid.UUID) error
	IncrementMappingHits(ctx context.Context, uid uuid.UUID) error

	// Mapper groups
	CreateMapperGroup(ctx context.Context, g *types.MapperGroup) error
	GetMapperGroup(ctx context.Context, uid uuid.UUID) (*types.MapperGroup, error)
	AddMapperToGroup(ctx context.Context, groupUID, mapperUID uuid.UUID) error

	// Events
	ListEvents(ctx context.Context, itemUID uuid.UUID) ([]*types.Event, error)

	// Metadata holds engine housekeeping (active schema uid, format
	// versions) as key/value pairs.
	SetMetadata(ctx context.Context, key, value string) error
	GetMetadata(ctx context.Context, key string) (string, error)

	// RunInTransaction executes fn atomically. On error or panic the
	// transaction rolls back; on nil return it commits.
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) error

	Close() error
}
