// Package types defines the core data structures of the curation engine:
// items, batches, projects, datasets, and their statuses.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/attr"
	"github.com/histoflow/histoflow/internal/schema"
)

// Item is one node in the curated graph: a sample, image, annotation, or
// observation. Kind-specific fields are only meaningful for the matching
// kind; relations live in the store's edge table, not on the struct.
type Item struct {
	UID        uuid.UUID       `json:"uid"`
	Kind       schema.ItemKind `json:"kind"`
	Identifier string          `json:"identifier"`
	Name       string          `json:"name,omitempty"`
	Pseudonym  string          `json:"pseudonym,omitempty"`
	Selected   bool            `json:"selected"`
	Locked     bool            `json:"locked,omitempty"`

	SchemaUID  uuid.UUID `json:"schema_uid"`
	DatasetUID uuid.UUID `json:"dataset_uid"`
	BatchUID   uuid.UUID `json:"batch_uid"`

	// Validity flags; nil until validated.
	ValidAttributes *bool `json:"valid_attributes,omitempty"`
	ValidRelations  *bool `json:"valid_relations,omitempty"`

	Attributes map[string]*attr.Attribute `json:"attributes,omitempty"`
	// PrivateAttributes are hidden from public read paths.
	PrivateAttributes map[string]*attr.Attribute `json:"private_attributes,omitempty"`

	// Image fields.
	Status        ImageStatus `json:"status,omitempty"`
	StatusMessage string      `json:"status_message,omitempty"`
	FolderPath    string      `json:"folder_path,omitempty"`
	ThumbnailPath string      `json:"thumbnail_path,omitempty"`
	Format        string      `json:"format,omitempty"`
	Files         []ImageFile `json:"files,omitempty"`

	Created time.Time `json:"created"`
}

// ImageFile is one file belonging to an image.
type ImageFile struct {
	UID      uuid.UUID `json:"uid"`
	Filename string    `json:"filename"`
}

// Valid reports the combined validity: both attribute and relation
// validation must have run and passed.
func (i *Item) Valid() bool {
	return i.ValidAttributes != nil && *i.ValidAttributes &&
		i.ValidRelations != nil && *i.ValidRelations
}

// Validate checks structural invariants before the item enters the store.
func (i *Item) Validate() error {
	if i.Identifier == "" {
		return fmt.Errorf("identifier is required")
	}
	if !i.Kind.IsValid() {
		return fmt.Errorf("invalid item kind: %s", i.Kind)
	}
	if i.SchemaUID == uuid.Nil {
		return fmt.Errorf("schema_uid is required")
	}
	if i.DatasetUID == uuid.Nil {
		return fmt.Errorf("dataset_uid is required")
	}
	if i.Kind == schema.ItemImage && !i.Status.IsValid() {
		return fmt.Errorf("invalid image status: %s", i.Status)
	}
	return nil
}

// Batch is a unit of work within a project. Items belong to exactly one
// batch and progress through the image pipeline as a group.
type Batch struct {
	UID        uuid.UUID   `json:"uid"`
	Name       string      `json:"name"`
	ProjectUID uuid.UUID   `json:"project_uid"`
	Status     BatchStatus `json:"status"`
	IsDefault  bool        `json:"is_default"`
	Created    time.Time   `json:"created"`
}

// Project is the long-lived container owning batches, a dataset, attached
// mapper groups, and top-level attributes.
type Project struct {
	UID             uuid.UUID     `json:"uid"`
	Name            string        `json:"name"`
	Status          ProjectStatus `json:"status"`
	RootSchemaUID   uuid.UUID     `json:"root_schema_uid"`
	SchemaUID       uuid.UUID     `json:"schema_uid"`
	DatasetUID      uuid.UUID     `json:"dataset_uid"`
	DefaultBatchUID uuid.UUID     `json:"default_batch_uid"`
	Locked          bool          `json:"locked,omitempty"`

	Attributes      map[string]*attr.Attribute `json:"attributes,omitempty"`
	MapperGroupUIDs []uuid.UUID                `json:"mapper_group_uids,omitempty"`

	Created time.Time `json:"created"`
}

// Dataset collects the items that survive validation; it is what a project
// exports.
type Dataset struct {
	UID             uuid.UUID                  `json:"uid"`
	Name            string                     `json:"name"`
	SchemaUID       uuid.UUID                  `json:"schema_uid"`
	Attributes      map[string]*attr.Attribute `json:"attributes,omitempty"`
	ValidAttributes *bool                      `json:"valid_attributes,omitempty"`
}

// RelationKind labels one edge in the item graph. A single edge table with
// a type column is the storage truth for all item relations.
type RelationKind string

// Relation kinds
const (
	// RelSampleChild points parent sample → child sample.
	RelSampleChild RelationKind = "sample-child"
	// RelImageSample points image → sample.
	RelImageSample RelationKind = "image-sample"
	// RelAnnotationImage points annotation → image.
	RelAnnotationImage RelationKind = "annotation-image"
	// RelObservationTarget points observation → its single counterpart.
	RelObservationTarget RelationKind = "observation-target"
)

// IsValid checks if the relation kind is known.
func (k RelationKind) IsValid() bool {
	switch k {
	case RelSampleChild, RelImageSample, RelAnnotationImage, RelObservationTarget:
		return true
	}
	return false
}

// Relation is one directed edge between two items.
type Relation struct {
	FromUID uuid.UUID    `json:"from_uid"`
	ToUID   uuid.UUID    `json:"to_uid"`
	Kind    RelationKind `json:"kind"`
}

// ItemFilter narrows paged item queries. Nil pointer fields mean "any".
type ItemFilter struct {
	SchemaUID  *uuid.UUID
	DatasetUID *uuid.UUID
	BatchUID   *uuid.UUID
	Kind       *schema.ItemKind

	IdentifierContains string
	Selected           *bool
	Valid              *bool
	Status             *ImageStatus
	Statuses           []ImageStatus

	// AttributeFilters match on rendered display values, keyed by tag.
	AttributeFilters map[string]string

	SortBy   ItemSort
	SortDesc bool
	Offset   int
	Limit    int
}

// ItemSort selects the sort column for item listings.
type ItemSort string

// Item sort columns
const (
	SortIdentifier ItemSort = "identifier"
	SortCreated    ItemSort = "created"
	SortStatus     ItemSort = "status"
)

// Event is an audit trail entry recorded alongside mutations.
type Event struct {
	ID       int64     `json:"id"`
	ItemUID  uuid.UUID `json:"item_uid"`
	Type     EventType `json:"event_type"`
	Actor    string    `json:"actor,omitempty"`
	OldValue string    `json:"old_value,omitempty"`
	NewValue string    `json:"new_value,omitempty"`
	Created  time.Time `json:"created_at"`
}

// EventType categorizes audit trail events.
type EventType string

// Event type constants
const (
	EventItemCreated      EventType = "item_created"
	EventStatusChanged    EventType = "status_changed"
	EventSelectionChanged EventType = "selection_changed"
	EventAttributeUpdated EventType = "attribute_updated"
	EventItemDeleted      EventType = "item_deleted"
	EventBatchTransition  EventType = "batch_transition"
)
