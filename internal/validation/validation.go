// Package validation implements the pure predicates that mark attributes and
// items valid or invalid. Failures never raise; they set boolean fields and
// collect offending tags and uids for reports.
package validation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/attr"
	"github.com/histoflow/histoflow/internal/schema"
	"github.com/histoflow/histoflow/internal/storage"
	"github.com/histoflow/histoflow/internal/types"
)

// Validator checks attributes against the registry and relations against the
// stored graph.
type Validator struct {
	reg   *schema.Registry
	store storage.Storage
}

// New creates a validator over a registry and a store.
func New(reg *schema.Registry, store storage.Storage) *Validator {
	return &Validator{reg: reg, store: store}
}

// Attribute checks one attribute against its schema and writes the result
// into a.Valid, recursing through composites. A nil attribute stands for an
// absent value and is valid iff the schema is optional.
func (v *Validator) Attribute(as *schema.AttributeSchema, a *attr.Attribute) bool {
	if a == nil {
		return as.Optional
	}
	a.Valid = v.attributeValid(as, a)
	return a.Valid
}

func (v *Validator) attributeValid(as *schema.AttributeSchema, a *attr.Attribute) bool {
	if !a.HasValue() {
		return as.Optional
	}
	switch as.Kind {
	case schema.KindString:
		s, ok := a.Str()
		return ok && (s != "" || as.Optional)
	case schema.KindEnum:
		s, ok := a.Str()
		return ok && slices.Contains(as.AllowedValues, s)
	case schema.KindDatetime:
		_, ok := a.Time()
		return ok
	case schema.KindNumeric:
		f, ok := a.Num()
		if !ok {
			return false
		}
		if as.IsInt && f != math.Trunc(f) {
			return false
		}
		return inRange(f, as.Min, as.Max)
	case schema.KindMeasurement:
		m, ok := a.AsMeasurement()
		if !ok {
			return false
		}
		return slices.Contains(as.AllowedUnits, m.Unit) && inRange(m.Value, as.Min, as.Max)
	case schema.KindCode:
		c, ok := a.AsCode()
		if !ok || c.Code == "" {
			return false
		}
		return len(as.AllowedSchemas) == 0 || slices.Contains(as.AllowedSchemas, c.Scheme)
	case schema.KindBoolean:
		_, ok := a.Bool()
		return ok
	case schema.KindObject:
		members, ok := a.Members()
		if !ok {
			return false
		}
		valid := true
		for tag, childSchema := range as.Attributes {
			if !v.Attribute(childSchema, members[tag]) {
				valid = false
			}
		}
		return valid
	case schema.KindList:
		elements, ok := a.Elements()
		if !ok {
			return false
		}
		if len(elements) == 0 {
			return as.Optional
		}
		if as.MinItems != nil && len(elements) < *as.MinItems {
			return false
		}
		if as.MaxItems != nil && len(elements) > *as.MaxItems {
			return false
		}
		valid := true
		for _, el := range elements {
			if !v.Attribute(as.Item, el) {
				valid = false
			}
		}
		return valid
	case schema.KindUnion:
		u, ok := a.Union()
		if !ok || u.Attribute == nil {
			return false
		}
		inner := as.Variant(u.SchemaUID)
		if inner == nil {
			return false
		}
		return v.Attribute(inner, u.Attribute)
	}
	return false
}

func inRange(f float64, minV, maxV *float64) bool {
	if minV != nil && f < *minV {
		return false
	}
	if maxV != nil && f > *maxV {
		return false
	}
	return true
}

// AttributeSet checks a map of attributes against declared schemas and
// returns overall validity plus the tags that failed. Missing optional
// attributes count as valid; missing required ones fail under their tag.
func (v *Validator) AttributeSet(declared map[string]*schema.AttributeSchema, attrs map[string]*attr.Attribute) (bool, []string) {
	var failed []string
	for tag, as := range declared {
		if !v.Attribute(as, attrs[tag]) {
			failed = append(failed, tag)
		}
	}
	slices.Sort(failed)
	return len(failed) == 0, failed
}

// ItemAttributes validates an item's public and private attributes against
// its schema and persists the valid_attributes flag.
func (v *Validator) ItemAttributes(ctx context.Context, item *types.Item) (bool, error) {
	is, ok := v.reg.ItemSchema(item.SchemaUID)
	if !ok {
		return false, fmt.Errorf("validate item %s: unknown item schema %s", item.UID, item.SchemaUID)
	}
	valid, _ := v.AttributeSet(is.Attributes, merged(item.Attributes, item.PrivateAttributes))
	if err := v.store.SetItemValidity(ctx, item.UID, &valid, nil); err != nil {
		return false, err
	}
	item.ValidAttributes = &valid
	return valid, nil
}

func merged(a, b map[string]*attr.Attribute) map[string]*attr.Attribute {
	if len(b) == 0 {
		return a
	}
	out := make(map[string]*attr.Attribute, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// ItemRelations validates an item's edges against the schema's cardinality
// rules and persists the valid_relations flag. With propagate true, the
// direct counterparts are re-validated too, without further propagation, so
// both ends of an edge stay in sync without unbounded cascades.
func (v *Validator) ItemRelations(ctx context.Context, item *types.Item, propagate bool) (bool, error) {
	valid, neighbors, err := v.relationsValid(ctx, item)
	if err != nil {
		return false, err
	}
	if err := v.store.SetItemValidity(ctx, item.UID, nil, &valid); err != nil {
		return false, err
	}
	item.ValidRelations = &valid

	if propagate {
		for _, n := range neighbors {
			if _, err := v.ItemRelations(ctx, n, false); err != nil {
				return false, err
			}
		}
	}
	return valid, nil
}

func (v *Validator) relationsValid(ctx context.Context, item *types.Item) (bool, []*types.Item, error) {
	switch item.Kind {
	case schema.ItemSample:
		return v.sampleRelationsValid(ctx, item)
	case schema.ItemImage:
		samples, err := v.store.SamplesForImage(ctx, item.UID)
		if err != nil {
			return false, nil, err
		}
		return len(samples) > 0, samples, nil
	case schema.ItemAnnotation:
		img, err := v.store.AnnotationImage(ctx, item.UID)
		if err != nil {
			if isNotFound(err) {
				return false, nil, nil
			}
			return false, nil, err
		}
		return img.Selected, []*types.Item{img}, nil
	case schema.ItemObservation:
		return v.observationRelationsValid(ctx, item)
	}
	return false, nil, fmt.Errorf("validate relations: unknown item kind %q", item.Kind)
}

func (v *Validator) sampleRelationsValid(ctx context.Context, item *types.Item) (bool, []*types.Item, error) {
	valid := true
	var neighbors []*types.Item

	for _, rel := range v.reg.ChildRelations(item.SchemaUID) {
		children, err := v.store.Children(ctx, item.UID, &rel.ChildUID)
		if err != nil {
			return false, nil, err
		}
		neighbors = append(neighbors, children...)
		if !countInBounds(selectedCount(children), rel.MinChildren, rel.MaxChildren) {
			valid = false
		}
	}
	for _, rel := range v.reg.ParentRelations(item.SchemaUID) {
		parents, err := v.store.Parents(ctx, item.UID, &rel.ParentUID)
		if err != nil {
			return false, nil, err
		}
		neighbors = append(neighbors, parents...)
		if !countInBounds(selectedCount(parents), rel.MinParents, rel.MaxParents) {
			valid = false
		}
	}
	for _, rel := range v.reg.ImageRelationsForSample(item.SchemaUID) {
		images, err := v.store.ImagesForSample(ctx, item.UID, &rel.ImageUID)
		if err != nil {
			return false, nil, err
		}
		neighbors = append(neighbors, images...)
		if selectedCount(images) == 0 {
			valid = false
		}
	}
	return valid, neighbors, nil
}

func (v *Validator) observationRelationsValid(ctx context.Context, item *types.Item) (bool, []*types.Item, error) {
	target, err := v.store.ObservationTarget(ctx, item.UID)
	if err != nil {
		if isNotFound(err) {
			return false, nil, nil
		}
		return false, nil, err
	}
	if !target.Selected {
		return false, []*types.Item{target}, nil
	}
	// The counterpart's schema must be one the observation schema declares.
	if !v.reg.ObservationAllowsTarget(item.SchemaUID, target.SchemaUID) {
		return false, []*types.Item{target}, nil
	}
	return true, []*types.Item{target}, nil
}

func selectedCount(items []*types.Item) int {
	n := 0
	for _, it := range items {
		if it.Selected {
			n++
		}
	}
	return n
}

func countInBounds(n int, minV, maxV *int) bool {
	if minV != nil && n < *minV {
		return false
	}
	if maxV != nil && n > *maxV {
		return false
	}
	return true
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

// Item runs attribute and relation validation and reports the combined
// result.
func (v *Validator) Item(ctx context.Context, item *types.Item) (bool, error) {
	attrsOK, err := v.ItemAttributes(ctx, item)
	if err != nil {
		return false, err
	}
	relsOK, err := v.ItemRelations(ctx, item, true)
	if err != nil {
		return false, err
	}
	return attrsOK && relsOK, nil
}

// Project validates the project's own attributes against the project schema.
func (v *Validator) Project(ctx context.Context, project *types.Project) (*types.ProjectValidation, error) {
	valid, failed := v.AttributeSet(v.reg.Project().Attributes, project.Attributes)
	return &types.ProjectValidation{
		Valid:              valid,
		UID:                project.UID,
		NonValidAttributes: failed,
	}, nil
}

// Dataset validates the dataset's attributes against the dataset schema and
// persists the flag.
func (v *Validator) Dataset(ctx context.Context, dataset *types.Dataset) (*types.DatasetValidation, error) {
	valid, failed := v.AttributeSet(v.reg.Dataset().Attributes, dataset.Attributes)
	dataset.ValidAttributes = &valid
	if err := v.store.UpdateDataset(ctx, dataset); err != nil {
		return nil, err
	}
	return &types.DatasetValidation{
		Valid:              valid,
		UID:                dataset.UID,
		NonValidAttributes: failed,
	}, nil
}

// Batch validates every item in a batch and reports the uids that failed.
func (v *Validator) Batch(ctx context.Context, batchUID uuid.UUID) (*types.BatchValidation, error) {
	items, _, err := v.store.ListItems(ctx, types.ItemFilter{BatchUID: &batchUID})
	if err != nil {
		return nil, err
	}
	report := &types.BatchValidation{Valid: true, UID: batchUID}
	for _, item := range items {
		if !item.Selected {
			continue
		}
		ok, err := v.Item(ctx, item)
		if err != nil {
			return nil, err
		}
		if !ok {
			report.Valid = false
			report.NonValidItems = append(report.NonValidItems, item.UID)
		}
	}
	return report, nil
}
