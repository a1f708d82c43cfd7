package attr

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/schema"
)

// attributeJSON is the persisted wire shape. Payload slots are raw messages
// decoded by kind; each node carries its own kind so decoding needs no
// registry.
type attributeJSON struct {
	UID            uuid.UUID       `json:"uid"`
	SchemaUID      uuid.UUID       `json:"schema_uid"`
	Kind           schema.Kind     `json:"kind"`
	Tag            string          `json:"tag,omitempty"`
	Original       json.RawMessage `json:"original_value,omitempty"`
	Updated        json.RawMessage `json:"updated_value,omitempty"`
	Mapped         json.RawMessage `json:"mapped_value,omitempty"`
	MappableValue  *string         `json:"mappable_value,omitempty"`
	DisplayValue   string          `json:"display_value,omitempty"`
	Valid          bool            `json:"valid"`
	MappingItemUID *uuid.UUID      `json:"mapping_item_uid,omitempty"`
	Locked         bool            `json:"locked,omitempty"`
}

type unionJSON struct {
	SchemaUID uuid.UUID       `json:"schema_uid"`
	Attribute json.RawMessage `json:"attribute"`
}

// MarshalJSON implements json.Marshaler.
func (a *Attribute) MarshalJSON() ([]byte, error) {
	out := attributeJSON{
		UID:            a.UID,
		SchemaUID:      a.SchemaUID,
		Kind:           a.Kind,
		Tag:            a.Tag,
		MappableValue:  a.MappableValue,
		DisplayValue:   a.DisplayValue,
		Valid:          a.Valid,
		MappingItemUID: a.MappingItemUID,
		Locked:         a.Locked,
	}
	var err error
	if out.Original, err = encodeValue(a.Kind, a.Original); err != nil {
		return nil, err
	}
	if out.Updated, err = encodeValue(a.Kind, a.Updated); err != nil {
		return nil, err
	}
	if out.Mapped, err = encodeValue(a.Kind, a.Mapped); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Attribute) UnmarshalJSON(b []byte) error {
	var in attributeJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	a.UID = in.UID
	a.SchemaUID = in.SchemaUID
	a.Kind = in.Kind
	a.Tag = in.Tag
	a.MappableValue = in.MappableValue
	a.DisplayValue = in.DisplayValue
	a.Valid = in.Valid
	a.MappingItemUID = in.MappingItemUID
	a.Locked = in.Locked

	var err error
	if a.Original, err = decodeValue(in.Kind, in.Original); err != nil {
		return err
	}
	if a.Updated, err = decodeValue(in.Kind, in.Updated); err != nil {
		return err
	}
	if a.Mapped, err = decodeValue(in.Kind, in.Mapped); err != nil {
		return err
	}
	return nil
}

func encodeValue(kind schema.Kind, v Value) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case schema.KindDatetime:
		t, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("encode datetime: got %T", v)
		}
		return json.Marshal(t.Format(time.RFC3339Nano))

	case schema.KindUnion:
		u, ok := v.(*UnionValue)
		if !ok {
			return nil, fmt.Errorf("encode union: got %T", v)
		}
		inner, err := json.Marshal(u.Attribute)
		if err != nil {
			return nil, err
		}
		return json.Marshal(unionJSON{SchemaUID: u.SchemaUID, Attribute: inner})

	default:
		// Scalars, Measurement/Code structs, and composite child maps/slices
		// all marshal directly (children via Attribute.MarshalJSON).
		return json.Marshal(v)
	}
}

func decodeValue(kind schema.Kind, raw json.RawMessage) (Value, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch kind {
	case schema.KindString, schema.KindEnum:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return s, nil

	case schema.KindDatetime:
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return parseDatetime(s, schema.DatetimeFull)

	case schema.KindNumeric:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		return f, nil

	case schema.KindMeasurement:
		var m Measurement
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return m, nil

	case schema.KindCode:
		var c Code
		if err := json.Unmarshal(raw, &c); err != nil {
			return nil, err
		}
		return c, nil

	case schema.KindBoolean:
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, err
		}
		return b, nil

	case schema.KindObject:
		var m map[string]*Attribute
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
		return m, nil

	case schema.KindList:
		var l []*Attribute
		if err := json.Unmarshal(raw, &l); err != nil {
			return nil, err
		}
		return l, nil

	case schema.KindUnion:
		var u unionJSON
		if err := json.Unmarshal(raw, &u); err != nil {
			return nil, err
		}
		inner := &Attribute{}
		if err := json.Unmarshal(u.Attribute, inner); err != nil {
			return nil, err
		}
		return &UnionValue{SchemaUID: u.SchemaUID, Attribute: inner}, nil
	}
	return nil, fmt.Errorf("decode: unhandled kind %q", kind)
}

// MarshalMap serializes an attribute map (an item's attribute set) to JSON.
func MarshalMap(attrs map[string]*Attribute) ([]byte, error) {
	if attrs == nil {
		attrs = map[string]*Attribute{}
	}
	return json.Marshal(attrs)
}

// UnmarshalMap deserializes an attribute map.
func UnmarshalMap(b []byte) (map[string]*Attribute, error) {
	if len(b) == 0 {
		return map[string]*Attribute{}, nil
	}
	var m map[string]*Attribute
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]*Attribute{}
	}
	return m, nil
}
