package attr

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/schema"
)

// Engine materializes and mutates attributes against a schema registry.
type Engine struct {
	reg *schema.Registry
}

// NewEngine binds an engine to a registry.
func NewEngine(reg *schema.Registry) *Engine {
	return &Engine{reg: reg}
}

// Registry returns the bound schema registry.
func (e *Engine) Registry() *schema.Registry { return e.reg }

// New builds an attribute from a raw payload. The payload is validated
// against the schema variant and copied into Original; the display value is
// computed. A nil payload builds an empty attribute (valid only if the
// schema is optional, which the validator decides later).
func (e *Engine) New(schemaUID uuid.UUID, original Value) (*Attribute, error) {
	as, ok := e.reg.AttributeSchema(schemaUID)
	if !ok {
		return nil, fmt.Errorf("attribute schema %s: not found", schemaUID)
	}
	return e.build(as, original)
}

// NewMappable builds an attribute with no structured payload, carrying only
// the raw string a mapper will scan.
func (e *Engine) NewMappable(schemaUID uuid.UUID, mappable string) (*Attribute, error) {
	a, err := e.New(schemaUID, nil)
	if err != nil {
		return nil, err
	}
	a.MappableValue = &mappable
	a.DisplayValue = mappable
	return a, nil
}

func (e *Engine) build(as *schema.AttributeSchema, original Value) (*Attribute, error) {
	payload, err := e.materialize(as, original)
	if err != nil {
		return nil, err
	}
	a := &Attribute{
		UID:       uuid.New(),
		SchemaUID: as.UID,
		Kind:      as.Kind,
		Tag:       as.Tag,
		Original:  payload,
	}
	a.DisplayValue = e.display(as, a.Value())
	return a, nil
}

// Update replaces the attribute's updated value and recomputes the display
// value. The attribute is marked for re-validation.
func (e *Engine) Update(a *Attribute, raw Value) error {
	if a.Locked {
		return fmt.Errorf("attribute %s: locked", a.UID)
	}
	as, ok := e.reg.AttributeSchema(a.SchemaUID)
	if !ok {
		return fmt.Errorf("attribute schema %s: not found", a.SchemaUID)
	}
	payload, err := e.materialize(as, raw)
	if err != nil {
		return err
	}
	a.Updated = payload
	a.DisplayValue = e.display(as, a.Value())
	a.Valid = false
	return nil
}

// SetMappable replaces the raw string awaiting mapping and clears any
// previous mapping result.
func (e *Engine) SetMappable(a *Attribute, mappable string) error {
	if a.Locked {
		return fmt.Errorf("attribute %s: locked", a.UID)
	}
	a.MappableValue = &mappable
	a.Mapped = nil
	a.MappingItemUID = nil
	a.Valid = false
	if as, ok := e.reg.AttributeSchema(a.SchemaUID); ok {
		a.DisplayValue = e.display(as, a.Value())
		if a.DisplayValue == "" {
			a.DisplayValue = mappable
		}
	}
	return nil
}

// UpdateMember updates (or creates on the fly) one member of an object
// attribute and recomputes the parent display value.
func (e *Engine) UpdateMember(parent *Attribute, tag string, raw Value) error {
	if parent.Kind != schema.KindObject {
		return fmt.Errorf("attribute %s: not an object", parent.UID)
	}
	as, ok := e.reg.AttributeSchema(parent.SchemaUID)
	if !ok {
		return fmt.Errorf("attribute schema %s: not found", parent.SchemaUID)
	}
	childSchema, ok := as.Attributes[tag]
	if !ok {
		return fmt.Errorf("object %q: no member %q", as.Tag, tag)
	}

	members, ok := parent.Value().(map[string]*Attribute)
	if !ok {
		members = map[string]*Attribute{}
		parent.Original = members
	}
	if child, exists := members[tag]; exists {
		if err := e.Update(child, raw); err != nil {
			return err
		}
	} else {
		child, err := e.build(childSchema, nil)
		if err != nil {
			return err
		}
		if err := e.Update(child, raw); err != nil {
			return err
		}
		members[tag] = child
	}
	parent.DisplayValue = e.display(as, parent.Value())
	parent.Valid = false
	return nil
}

// UpdateElement updates one element of a list attribute, appending new
// elements when index equals the current length.
func (e *Engine) UpdateElement(parent *Attribute, index int, raw Value) error {
	if parent.Kind != schema.KindList {
		return fmt.Errorf("attribute %s: not a list", parent.UID)
	}
	as, ok := e.reg.AttributeSchema(parent.SchemaUID)
	if !ok {
		return fmt.Errorf("attribute schema %s: not found", parent.SchemaUID)
	}
	elems, _ := parent.Value().([]*Attribute)
	switch {
	case index >= 0 && index < len(elems):
		if err := e.Update(elems[index], raw); err != nil {
			return err
		}
	case index == len(elems):
		child, err := e.build(as.Item, nil)
		if err != nil {
			return err
		}
		if err := e.Update(child, raw); err != nil {
			return err
		}
		elems = append(elems, child)
		if parent.Updated != nil {
			parent.Updated = elems
		} else {
			parent.Original = elems
		}
	default:
		return fmt.Errorf("list %q: index %d out of range [0,%d]", as.Tag, index, len(elems))
	}
	parent.DisplayValue = e.display(as, parent.Value())
	parent.Valid = false
	return nil
}

// materialize validates a raw payload against the schema variant and builds
// the internal payload form, constructing child attributes for composites.
func (e *Engine) materialize(as *schema.AttributeSchema, raw Value) (Value, error) {
	if raw == nil {
		return nil, nil
	}
	switch as.Kind {
	case schema.KindString, schema.KindEnum:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("attribute %q: want string, got %T", as.Tag, raw)
		}
		return s, nil

	case schema.KindDatetime:
		switch tv := raw.(type) {
		case time.Time:
			return tv, nil
		case string:
			return parseDatetime(tv, as.DatetimeType)
		}
		return nil, fmt.Errorf("attribute %q: want datetime, got %T", as.Tag, raw)

	case schema.KindNumeric:
		switch tv := raw.(type) {
		case float64:
			return tv, nil
		case int:
			return float64(tv), nil
		case int64:
			return float64(tv), nil
		}
		return nil, fmt.Errorf("attribute %q: want number, got %T", as.Tag, raw)

	case schema.KindMeasurement:
		if m, ok := raw.(Measurement); ok {
			return m, nil
		}
		if m, ok := raw.(map[string]any); ok {
			out := Measurement{}
			if f, ok := m["value"].(float64); ok {
				out.Value = f
			}
			out.Unit, _ = m["unit"].(string)
			return out, nil
		}
		return nil, fmt.Errorf("attribute %q: want measurement, got %T", as.Tag, raw)

	case schema.KindCode:
		if c, ok := raw.(Code); ok {
			return c, nil
		}
		if m, ok := raw.(map[string]any); ok {
			out := Code{}
			out.Code, _ = m["code"].(string)
			out.Scheme, _ = m["scheme"].(string)
			out.Meaning, _ = m["meaning"].(string)
			return out, nil
		}
		return nil, fmt.Errorf("attribute %q: want code, got %T", as.Tag, raw)

	case schema.KindBoolean:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("attribute %q: want bool, got %T", as.Tag, raw)
		}
		return b, nil

	case schema.KindObject:
		return e.materializeObject(as, raw)

	case schema.KindList:
		return e.materializeList(as, raw)

	case schema.KindUnion:
		return e.materializeUnion(as, raw)
	}
	return nil, fmt.Errorf("attribute %q: unhandled kind %q", as.Tag, as.Kind)
}

func (e *Engine) materializeObject(as *schema.AttributeSchema, raw Value) (Value, error) {
	// Already-materialized members pass through.
	if m, ok := raw.(map[string]*Attribute); ok {
		for tag := range m {
			if _, declared := as.Attributes[tag]; !declared {
				return nil, fmt.Errorf("object %q: undeclared member %q", as.Tag, tag)
			}
		}
		return m, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("attribute %q: want object payload, got %T", as.Tag, raw)
	}
	out := make(map[string]*Attribute, len(m))
	// Deterministic error reporting.
	tags := make([]string, 0, len(m))
	for tag := range m {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		childSchema, declared := as.Attributes[tag]
		if !declared {
			return nil, fmt.Errorf("object %q: undeclared member %q", as.Tag, tag)
		}
		child, err := e.build(childSchema, m[tag])
		if err != nil {
			return nil, err
		}
		out[tag] = child
	}
	return out, nil
}

func (e *Engine) materializeList(as *schema.AttributeSchema, raw Value) (Value, error) {
	if l, ok := raw.([]*Attribute); ok {
		return l, nil
	}
	l, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("attribute %q: want list payload, got %T", as.Tag, raw)
	}
	out := make([]*Attribute, 0, len(l))
	for _, item := range l {
		child, err := e.build(as.Item, item)
		if err != nil {
			return nil, err
		}
		out = append(out, child)
	}
	return out, nil
}

func (e *Engine) materializeUnion(as *schema.AttributeSchema, raw Value) (Value, error) {
	if u, ok := raw.(*UnionValue); ok {
		if as.Variant(u.SchemaUID) == nil {
			return nil, fmt.Errorf("union %q: %s is not a declared variant", as.Tag, u.SchemaUID)
		}
		return u, nil
	}
	// Try each variant in declared order; first that materializes wins.
	var firstErr error
	for _, vs := range as.Variants {
		child, err := e.build(vs, raw)
		if err == nil {
			return &UnionValue{SchemaUID: vs.UID, Attribute: child}, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, fmt.Errorf("union %q: no variant accepts payload: %w", as.Tag, firstErr)
}

// display computes the display value for an effective payload.
func (e *Engine) display(as *schema.AttributeSchema, v Value) string {
	if v == nil {
		return ""
	}
	switch as.Kind {
	case schema.KindString, schema.KindEnum:
		s, _ := v.(string)
		return s

	case schema.KindDatetime:
		t, ok := v.(time.Time)
		if !ok {
			return ""
		}
		return formatDatetime(t, as.DatetimeType)

	case schema.KindNumeric:
		f, ok := v.(float64)
		if !ok {
			return ""
		}
		return formatNumber(f, as.IsInt)

	case schema.KindMeasurement:
		m, ok := v.(Measurement)
		if !ok {
			return ""
		}
		return fmt.Sprintf("%s %s", formatNumber(m.Value, false), m.Unit)

	case schema.KindCode:
		c, ok := v.(Code)
		if !ok {
			return ""
		}
		if c.Meaning != "" {
			return c.Meaning
		}
		return c.Code

	case schema.KindBoolean:
		b, ok := v.(bool)
		if !ok {
			return ""
		}
		if b {
			if as.TrueDisplay != "" {
				return as.TrueDisplay
			}
			return "true"
		}
		if as.FalseDisplay != "" {
			return as.FalseDisplay
		}
		return "false"

	case schema.KindObject:
		members, ok := v.(map[string]*Attribute)
		if !ok {
			return ""
		}
		var parts []string
		for _, tag := range as.DisplayValueTags {
			child, present := members[tag]
			if !present || child.DisplayValue == "" {
				continue
			}
			parts = append(parts, child.DisplayValue)
		}
		return strings.Join(parts, as.Joiner())

	case schema.KindList:
		elems, ok := v.([]*Attribute)
		if !ok {
			return ""
		}
		parts := make([]string, 0, len(elems))
		for _, el := range elems {
			parts = append(parts, el.DisplayValue)
		}
		return "[" + strings.Join(parts, ", ") + "]"

	case schema.KindUnion:
		u, ok := v.(*UnionValue)
		if !ok || u.Attribute == nil {
			return ""
		}
		return u.Attribute.DisplayValue
	}
	return ""
}

// RefreshDisplay recomputes the display value after out-of-band payload
// changes (the mapper engine writes Mapped directly).
func (e *Engine) RefreshDisplay(a *Attribute) {
	if as, ok := e.reg.AttributeSchema(a.SchemaUID); ok {
		a.DisplayValue = e.display(as, a.Value())
	}
}
