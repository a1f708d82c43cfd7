package schema

import (
	"fmt"

	"github.com/google/uuid"
)

// ItemKind discriminates the item schema variants.
type ItemKind string

// Item kinds
const (
	ItemSample      ItemKind = "sample"
	ItemImage       ItemKind = "image"
	ItemAnnotation  ItemKind = "annotation"
	ItemObservation ItemKind = "observation"
)

// IsValid checks if the item kind value is valid.
func (k ItemKind) IsValid() bool {
	switch k {
	case ItemSample, ItemImage, ItemAnnotation, ItemObservation:
		return true
	}
	return false
}

// ItemSchema describes one item type: its attributes keyed by tag and its
// position in display listings. Relation edges live on the RootSchema.
type ItemSchema struct {
	UID          uuid.UUID                   `yaml:"uid,omitempty"`
	Name         string                      `yaml:"name"`
	DisplayName  string                      `yaml:"display_name,omitempty"`
	Kind         ItemKind                    `yaml:"kind"`
	DisplayOrder int                         `yaml:"display_order,omitempty"`
	Attributes   map[string]*AttributeSchema `yaml:"attributes,omitempty"`
}

// ProjectSchema describes the attributes attached to a project.
type ProjectSchema struct {
	UID        uuid.UUID                   `yaml:"uid,omitempty"`
	Name       string                      `yaml:"name"`
	Attributes map[string]*AttributeSchema `yaml:"attributes,omitempty"`
}

// DatasetSchema describes the attributes attached to a dataset.
type DatasetSchema struct {
	UID        uuid.UUID                   `yaml:"uid,omitempty"`
	Name       string                      `yaml:"name"`
	Attributes map[string]*AttributeSchema `yaml:"attributes,omitempty"`
}

// SampleRelation is a directed parent→child edge between two sample
// schemas, with cardinality bounds on both ends. A nil bound is unbounded.
type SampleRelation struct {
	UID         uuid.UUID `yaml:"uid,omitempty"`
	Name        string    `yaml:"name"`
	Parent      string    `yaml:"parent"` // sample schema name
	Child       string    `yaml:"child"`
	MinParents  *int      `yaml:"min_parents,omitempty"`
	MaxParents  *int      `yaml:"max_parents,omitempty"`
	MinChildren *int      `yaml:"min_children,omitempty"`
	MaxChildren *int      `yaml:"max_children,omitempty"`

	ParentUID uuid.UUID `yaml:"-"`
	ChildUID  uuid.UUID `yaml:"-"`
}

// ImageRelation attaches an image schema to a sample schema.
type ImageRelation struct {
	UID    uuid.UUID `yaml:"uid,omitempty"`
	Name   string    `yaml:"name"`
	Sample string    `yaml:"sample"`
	Image  string    `yaml:"image"`

	SampleUID uuid.UUID `yaml:"-"`
	ImageUID  uuid.UUID `yaml:"-"`
}

// AnnotationRelation attaches an annotation schema to an image schema.
type AnnotationRelation struct {
	UID        uuid.UUID `yaml:"uid,omitempty"`
	Name       string    `yaml:"name"`
	Annotation string    `yaml:"annotation"`
	Image      string    `yaml:"image"`

	AnnotationUID uuid.UUID `yaml:"-"`
	ImageUID      uuid.UUID `yaml:"-"`
}

// ObservationRelation declares one allowed counterpart schema for an
// observation schema. An observation schema may carry several of these;
// a concrete observation item targets exactly one counterpart.
type ObservationRelation struct {
	UID         uuid.UUID `yaml:"uid,omitempty"`
	Name        string    `yaml:"name"`
	Observation string    `yaml:"observation"`
	Target      string    `yaml:"target"`
	TargetKind  ItemKind  `yaml:"target_kind"`

	ObservationUID uuid.UUID `yaml:"-"`
	TargetUID      uuid.UUID `yaml:"-"`
}

// RootSchema aggregates everything one project type needs: the project and
// dataset schemas, the item schemas, and the relation edges between them.
// Shared by reference, immutable after registry construction.
type RootSchema struct {
	UID     uuid.UUID      `yaml:"uid,omitempty"`
	Name    string         `yaml:"name"`
	Project *ProjectSchema `yaml:"project"`
	Dataset *DatasetSchema `yaml:"dataset"`

	Samples      []*ItemSchema `yaml:"samples,omitempty"`
	Images       []*ItemSchema `yaml:"images,omitempty"`
	Annotations  []*ItemSchema `yaml:"annotations,omitempty"`
	Observations []*ItemSchema `yaml:"observations,omitempty"`

	SampleRelations      []*SampleRelation      `yaml:"sample_relations,omitempty"`
	ImageRelations       []*ImageRelation       `yaml:"image_relations,omitempty"`
	AnnotationRelations  []*AnnotationRelation  `yaml:"annotation_relations,omitempty"`
	ObservationRelations []*ObservationRelation `yaml:"observation_relations,omitempty"`
}

// AllItems returns every item schema in declaration order, samples first.
func (r *RootSchema) AllItems() []*ItemSchema {
	out := make([]*ItemSchema, 0,
		len(r.Samples)+len(r.Images)+len(r.Annotations)+len(r.Observations))
	out = append(out, r.Samples...)
	out = append(out, r.Images...)
	out = append(out, r.Annotations...)
	out = append(out, r.Observations...)
	return out
}

// Validate checks item kinds and that relation endpoints name declared
// schemas of the expected kind. Called by NewRegistry after uid assignment.
func (r *RootSchema) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("root schema: name is required")
	}
	if r.Project == nil || r.Dataset == nil {
		return fmt.Errorf("root schema %q: project and dataset schemas are required", r.Name)
	}
	byName := map[string]*ItemSchema{}
	for _, it := range r.AllItems() {
		if it.Name == "" {
			return fmt.Errorf("root schema %q: item schema without a name", r.Name)
		}
		if !it.Kind.IsValid() {
			return fmt.Errorf("item schema %q: invalid kind %q", it.Name, it.Kind)
		}
		if _, dup := byName[it.Name]; dup {
			return fmt.Errorf("item schema %q declared twice", it.Name)
		}
		byName[it.Name] = it
	}
	want := func(name string, kind ItemKind) error {
		it, ok := byName[name]
		if !ok {
			return fmt.Errorf("relation references unknown item schema %q", name)
		}
		if it.Kind != kind {
			return fmt.Errorf("relation references %q as %s but it is %s", name, kind, it.Kind)
		}
		return nil
	}
	for _, rel := range r.SampleRelations {
		if err := want(rel.Parent, ItemSample); err != nil {
			return err
		}
		if err := want(rel.Child, ItemSample); err != nil {
			return err
		}
	}
	for _, rel := range r.ImageRelations {
		if err := want(rel.Sample, ItemSample); err != nil {
			return err
		}
		if err := want(rel.Image, ItemImage); err != nil {
			return err
		}
	}
	for _, rel := range r.AnnotationRelations {
		if err := want(rel.Annotation, ItemAnnotation); err != nil {
			return err
		}
		if err := want(rel.Image, ItemImage); err != nil {
			return err
		}
	}
	for _, rel := range r.ObservationRelations {
		if err := want(rel.Observation, ItemObservation); err != nil {
			return err
		}
		if !rel.TargetKind.IsValid() || rel.TargetKind == ItemObservation {
			return fmt.Errorf("observation relation %q: invalid target kind %q", rel.Name, rel.TargetKind)
		}
		if err := want(rel.Target, rel.TargetKind); err != nil {
			return err
		}
	}
	return nil
}
