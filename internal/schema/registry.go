package schema

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/idgen"
)

// Registry indexes one RootSchema for uid and name lookups. Read-only after
// construction; safe for concurrent use without locking.
type Registry struct {
	root *RootSchema

	attributes map[uuid.UUID]*AttributeSchema
	attrByName map[string]*AttributeSchema
	items      map[uuid.UUID]*ItemSchema
	itemByName map[string]*ItemSchema
}

// NewRegistry builds a registry from a root schema. Missing uids are derived
// deterministically from the root name and the element's path, so two
// constructions from the same input produce identical registries. The root
// schema is validated; construction fails on any malformed element.
func NewRegistry(root *RootSchema) (*Registry, error) {
	if root == nil {
		return nil, fmt.Errorf("root schema is nil")
	}
	assignUIDs(root)
	if err := root.Validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		root:       root,
		attributes: map[uuid.UUID]*AttributeSchema{},
		attrByName: map[string]*AttributeSchema{},
		items:      map[uuid.UUID]*ItemSchema{},
		itemByName: map[string]*ItemSchema{},
	}

	for _, it := range root.AllItems() {
		if _, dup := r.items[it.UID]; dup {
			return nil, fmt.Errorf("duplicate item schema uid %s", it.UID)
		}
		r.items[it.UID] = it
		r.itemByName[it.Name] = it
		if err := r.indexAttributes(it.Attributes); err != nil {
			return nil, err
		}
	}
	if err := r.indexAttributes(root.Project.Attributes); err != nil {
		return nil, err
	}
	if err := r.indexAttributes(root.Dataset.Attributes); err != nil {
		return nil, err
	}

	resolveRelations(root, r.itemByName)
	return r, nil
}

func (r *Registry) indexAttributes(attrs map[string]*AttributeSchema) error {
	for tag, as := range attrs {
		if as.Tag == "" {
			as.Tag = tag
		}
		if err := r.indexAttribute(as); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) indexAttribute(as *AttributeSchema) error {
	if err := as.Validate(); err != nil {
		return err
	}
	if existing, dup := r.attributes[as.UID]; dup && existing != as {
		return fmt.Errorf("duplicate attribute schema uid %s (%q)", as.UID, as.Tag)
	}
	// Name is an optional display override; the tag is the default lookup
	// name so by-name resolution works for schemas that omit it.
	if as.Name == "" {
		as.Name = as.Tag
	}
	r.attributes[as.UID] = as
	if as.Name != "" {
		r.attrByName[as.Name] = as
	}
	for _, child := range as.Attributes {
		if err := r.indexAttribute(child); err != nil {
			return err
		}
	}
	if as.Item != nil {
		if err := r.indexAttribute(as.Item); err != nil {
			return err
		}
	}
	for _, v := range as.Variants {
		if err := r.indexAttribute(v); err != nil {
			return err
		}
	}
	return nil
}

// Root returns the underlying root schema.
func (r *Registry) Root() *RootSchema { return r.root }

// Project returns the project schema.
func (r *Registry) Project() *ProjectSchema { return r.root.Project }

// Dataset returns the dataset schema.
func (r *Registry) Dataset() *DatasetSchema { return r.root.Dataset }

// AttributeSchema looks up an attribute schema by uid.
func (r *Registry) AttributeSchema(uid uuid.UUID) (*AttributeSchema, bool) {
	as, ok := r.attributes[uid]
	return as, ok
}

// AttributeSchemaByName looks up an attribute schema by its name.
func (r *Registry) AttributeSchemaByName(name string) (*AttributeSchema, bool) {
	as, ok := r.attrByName[name]
	return as, ok
}

// ItemSchema looks up an item schema by uid.
func (r *Registry) ItemSchema(uid uuid.UUID) (*ItemSchema, bool) {
	it, ok := r.items[uid]
	return it, ok
}

// ItemSchemaByName looks up an item schema by name.
func (r *Registry) ItemSchemaByName(name string) (*ItemSchema, bool) {
	it, ok := r.itemByName[name]
	return it, ok
}

// Items returns all item schemas ordered by display order, then name.
func (r *Registry) Items() []*ItemSchema {
	out := r.root.AllItems()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DisplayOrder != out[j].DisplayOrder {
			return out[i].DisplayOrder < out[j].DisplayOrder
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ParentRelations returns the sample relations where the given sample schema
// is the child.
func (r *Registry) ParentRelations(childUID uuid.UUID) []*SampleRelation {
	var out []*SampleRelation
	for _, rel := range r.root.SampleRelations {
		if rel.ChildUID == childUID {
			out = append(out, rel)
		}
	}
	return out
}

// ChildRelations returns the sample relations where the given sample schema
// is the parent.
func (r *Registry) ChildRelations(parentUID uuid.UUID) []*SampleRelation {
	var out []*SampleRelation
	for _, rel := range r.root.SampleRelations {
		if rel.ParentUID == parentUID {
			out = append(out, rel)
		}
	}
	return out
}

// ImageRelationsForSample returns the image relations for a sample schema.
func (r *Registry) ImageRelationsForSample(sampleUID uuid.UUID) []*ImageRelation {
	var out []*ImageRelation
	for _, rel := range r.root.ImageRelations {
		if rel.SampleUID == sampleUID {
			out = append(out, rel)
		}
	}
	return out
}

// AnnotationRelation returns the relation for an annotation schema, or nil.
func (r *Registry) AnnotationRelation(annotationUID uuid.UUID) *AnnotationRelation {
	for _, rel := range r.root.AnnotationRelations {
		if rel.AnnotationUID == annotationUID {
			return rel
		}
	}
	return nil
}

// ObservationRelations returns the allowed counterpart declarations for an
// observation schema.
func (r *Registry) ObservationRelations(observationUID uuid.UUID) []*ObservationRelation {
	var out []*ObservationRelation
	for _, rel := range r.root.ObservationRelations {
		if rel.ObservationUID == observationUID {
			out = append(out, rel)
		}
	}
	return out
}

// ObservationAllowsTarget reports whether the observation schema declares
// the given target schema as an allowed counterpart.
func (r *Registry) ObservationAllowsTarget(observationUID, targetUID uuid.UUID) bool {
	for _, rel := range r.root.ObservationRelations {
		if rel.ObservationUID == observationUID && rel.TargetUID == targetUID {
			return true
		}
	}
	return false
}

// assignUIDs fills in missing uids deterministically from the root name and
// the element path.
func assignUIDs(root *RootSchema) {
	if root.UID == uuid.Nil {
		root.UID = idgen.Schema(root.Name)
	}
	if root.Project != nil {
		if root.Project.UID == uuid.Nil {
			root.Project.UID = idgen.Schema(root.Name, "project", root.Project.Name)
		}
		assignAttrUIDs(root.Name, []string{"project"}, root.Project.Attributes)
	}
	if root.Dataset != nil {
		if root.Dataset.UID == uuid.Nil {
			root.Dataset.UID = idgen.Schema(root.Name, "dataset", root.Dataset.Name)
		}
		assignAttrUIDs(root.Name, []string{"dataset"}, root.Dataset.Attributes)
	}
	for _, it := range root.AllItems() {
		if it.UID == uuid.Nil {
			it.UID = idgen.Schema(root.Name, string(it.Kind), it.Name)
		}
		assignAttrUIDs(root.Name, []string{string(it.Kind), it.Name}, it.Attributes)
	}
	for _, rel := range root.SampleRelations {
		if rel.UID == uuid.Nil {
			rel.UID = idgen.Schema(root.Name, "rel", rel.Name, rel.Parent, rel.Child)
		}
	}
	for _, rel := range root.ImageRelations {
		if rel.UID == uuid.Nil {
			rel.UID = idgen.Schema(root.Name, "rel", rel.Name, rel.Sample, rel.Image)
		}
	}
	for _, rel := range root.AnnotationRelations {
		if rel.UID == uuid.Nil {
			rel.UID = idgen.Schema(root.Name, "rel", rel.Name, rel.Annotation, rel.Image)
		}
	}
	for _, rel := range root.ObservationRelations {
		if rel.UID == uuid.Nil {
			rel.UID = idgen.Schema(root.Name, "rel", rel.Name, rel.Observation, rel.Target)
		}
	}
}

func assignAttrUIDs(rootName string, path []string, attrs map[string]*AttributeSchema) {
	for tag, as := range attrs {
		if as.Tag == "" {
			as.Tag = tag
		}
		assignOneAttrUID(rootName, append(path, tag), as)
	}
}

func assignOneAttrUID(rootName string, path []string, as *AttributeSchema) {
	if as.UID == uuid.Nil {
		as.UID = idgen.Schema(rootName, path...)
	}
	for tag, child := range as.Attributes {
		if child.Tag == "" {
			child.Tag = tag
		}
		assignOneAttrUID(rootName, append(path, tag), child)
	}
	if as.Item != nil {
		assignOneAttrUID(rootName, append(path, "[]"), as.Item)
	}
	for _, v := range as.Variants {
		assignOneAttrUID(rootName, append(path, "|", v.Tag), v)
	}
}

func resolveRelations(root *RootSchema, byName map[string]*ItemSchema) {
	for _, rel := range root.SampleRelations {
		rel.ParentUID = byName[rel.Parent].UID
		rel.ChildUID = byName[rel.Child].UID
	}
	for _, rel := range root.ImageRelations {
		rel.SampleUID = byName[rel.Sample].UID
		rel.ImageUID = byName[rel.Image].UID
	}
	for _, rel := range root.AnnotationRelations {
		rel.AnnotationUID = byName[rel.Annotation].UID
		rel.ImageUID = byName[rel.Image].UID
	}
	for _, rel := range root.ObservationRelations {
		rel.ObservationUID = byName[rel.Observation].UID
		rel.TargetUID = byName[rel.Target].UID
	}
}
