package attr

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/schema"
)

// External is the reduced attribute form exchanged with collaborators:
// no ambient identity, only the effective value, its variant, and the
// rendered display value.
//
//	{ "attribute_value_type": "<variant>", "value": <payload>, "display_value": "<string>" }
//
// Payload shapes: scalar for leaves; {tag: <recursive>} for object;
// [<recursive>, ...] for list; {"attribute_name": ..., "value": <recursive>}
// for union.
type External struct {
	ValueType    schema.Kind     `json:"attribute_value_type"`
	Value        json.RawMessage `json:"value,omitempty"`
	DisplayValue string          `json:"display_value,omitempty"`
}

type externalUnion struct {
	AttributeName string          `json:"attribute_name"`
	Value         json.RawMessage `json:"value"`
}

// ToExternal converts an attribute to its external form using the effective
// value.
func (e *Engine) ToExternal(a *Attribute) (*External, error) {
	as, ok := e.reg.AttributeSchema(a.SchemaUID)
	if !ok {
		return nil, fmt.Errorf("attribute schema %s: not found", a.SchemaUID)
	}
	raw, err := e.externalValue(as, a.Value())
	if err != nil {
		return nil, err
	}
	return &External{
		ValueType:    a.Kind,
		Value:        raw,
		DisplayValue: a.DisplayValue,
	}, nil
}

func (e *Engine) externalValue(as *schema.AttributeSchema, v Value) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	switch as.Kind {
	case schema.KindDatetime:
		t, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("attribute %q: bad datetime payload %T", as.Tag, v)
		}
		return json.Marshal(formatDatetime(t, as.DatetimeType))

	case schema.KindObject:
		members, ok := v.(map[string]*Attribute)
		if !ok {
			return nil, fmt.Errorf("attribute %q: bad object payload %T", as.Tag, v)
		}
		out := make(map[string]*External, len(members))
		for tag, child := range members {
			ext, err := e.ToExternal(child)
			if err != nil {
				return nil, err
			}
			out[tag] = ext
		}
		return json.Marshal(out)

	case schema.KindList:
		elems, ok := v.([]*Attribute)
		if !ok {
			return nil, fmt.Errorf("attribute %q: bad list payload %T", as.Tag, v)
		}
		out := make([]*External, 0, len(elems))
		for _, child := range elems {
			ext, err := e.ToExternal(child)
			if err != nil {
				return nil, err
			}
			out = append(out, ext)
		}
		return json.Marshal(out)

	case schema.KindUnion:
		u, ok := v.(*UnionValue)
		if !ok || u.Attribute == nil {
			return nil, fmt.Errorf("attribute %q: bad union payload %T", as.Tag, v)
		}
		variant := as.Variant(u.SchemaUID)
		if variant == nil {
			return nil, fmt.Errorf("attribute %q: union variant %s not declared", as.Tag, u.SchemaUID)
		}
		inner, err := e.ToExternal(u.Attribute)
		if err != nil {
			return nil, err
		}
		innerRaw, err := json.Marshal(inner)
		if err != nil {
			return nil, err
		}
		name := variant.Name
		if name == "" {
			name = variant.Tag
		}
		return json.Marshal(externalUnion{AttributeName: name, Value: innerRaw})

	default:
		return json.Marshal(v)
	}
}

// FromExternal builds a fresh internal attribute from an external form under
// the given schema. New uids are assigned throughout.
func (e *Engine) FromExternal(schemaUID uuid.UUID, ext *External) (*Attribute, error) {
	as, ok := e.reg.AttributeSchema(schemaUID)
	if !ok {
		return nil, fmt.Errorf("attribute schema %s: not found", schemaUID)
	}
	if ext.ValueType != "" && ext.ValueType != as.Kind {
		return nil, fmt.Errorf("attribute %q: external type %q does not match schema kind %q",
			as.Tag, ext.ValueType, as.Kind)
	}
	raw, err := e.internalValue(as, ext.Value)
	if err != nil {
		return nil, err
	}
	return e.build(as, raw)
}

func (e *Engine) internalValue(as *schema.AttributeSchema, raw json.RawMessage) (Value, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch as.Kind {
	case schema.KindObject:
		var members map[string]*External
		if err := json.Unmarshal(raw, &members); err != nil {
			return nil, fmt.Errorf("attribute %q: %w", as.Tag, err)
		}
		out := make(map[string]*Attribute, len(members))
		for tag, childExt := range members {
			childSchema, declared := as.Attributes[tag]
			if !declared {
				return nil, fmt.Errorf("object %q: undeclared member %q", as.Tag, tag)
			}
			child, err := e.FromExternal(childSchema.UID, childExt)
			if err != nil {
				return nil, err
			}
			out[tag] = child
		}
		return out, nil

	case schema.KindList:
		var elems []*External
		if err := json.Unmarshal(raw, &elems); err != nil {
			return nil, fmt.Errorf("attribute %q: %w", as.Tag, err)
		}
		out := make([]*Attribute, 0, len(elems))
		for _, childExt := range elems {
			child, err := e.FromExternal(as.Item.UID, childExt)
			if err != nil {
				return nil, err
			}
			out = append(out, child)
		}
		return out, nil

	case schema.KindUnion:
		var u externalUnion
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, fmt.Errorf("attribute %q: %w", as.Tag, err)
		}
		var variant *schema.AttributeSchema
		for _, vs := range as.Variants {
			if vs.Name == u.AttributeName || vs.Tag == u.AttributeName {
				variant = vs
				break
			}
		}
		if variant == nil {
			return nil, fmt.Errorf("union %q: unknown variant %q", as.Tag, u.AttributeName)
		}
		var inner External
		if err := json.Unmarshal(u.Value, &inner); err != nil {
			return nil, fmt.Errorf("union %q: %w", as.Tag, err)
		}
		child, err := e.FromExternal(variant.UID, &inner)
		if err != nil {
			return nil, err
		}
		return &UnionValue{SchemaUID: variant.UID, Attribute: child}, nil

	default:
		return decodeValue(as.Kind, raw)
	}
}
