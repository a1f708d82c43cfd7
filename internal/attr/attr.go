// Package attr implements the attribute engine: construction of typed
// attributes from raw payloads, updates, display-value rendering, and
// conversion to and from the reduced external form used by import/export.
//
// An attribute is a tagged union over the schema kinds. The payload of
// Original/Updated/Mapped is, by kind:
//
//	string, enum           string
//	datetime               time.Time
//	numeric                float64
//	measurement            Measurement
//	code                   Code
//	boolean                bool
//	object                 map[string]*Attribute
//	list                   []*Attribute
//	union                  *UnionValue
//
// Children of composite attributes are owned exclusively by their parent;
// destroying the parent destroys the children.
package attr

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/schema"
)

// Value is a kind-determined attribute payload. See the package comment for
// the concrete type per kind.
type Value any

// Measurement is a numeric value with a unit.
type Measurement struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// Code is a coded concept from a code scheme.
type Code struct {
	Code    string `json:"code"`
	Scheme  string `json:"scheme"`
	Meaning string `json:"meaning,omitempty"`
}

// UnionValue wraps the chosen variant's attribute together with the variant
// schema identity.
type UnionValue struct {
	SchemaUID uuid.UUID  `json:"schema_uid"`
	Attribute *Attribute `json:"attribute"`
}

// Attribute is one typed metadata field. It belongs to exactly one holder:
// an item, a project, a dataset, or a parent attribute.
type Attribute struct {
	UID       uuid.UUID   `json:"uid"`
	SchemaUID uuid.UUID   `json:"schema_uid"`
	Kind      schema.Kind `json:"kind"`
	Tag       string      `json:"tag,omitempty"`

	Original Value `json:"original_value,omitempty"`
	Updated  Value `json:"updated_value,omitempty"`
	Mapped   Value `json:"mapped_value,omitempty"`

	// MappableValue is the raw string a mapper scans; set by ingest when a
	// value arrives unstructured.
	MappableValue *string `json:"mappable_value,omitempty"`

	DisplayValue   string     `json:"display_value,omitempty"`
	Valid          bool       `json:"valid"`
	MappingItemUID *uuid.UUID `json:"mapping_item_uid,omitempty"`
	Locked         bool       `json:"locked,omitempty"`
}

// Value returns the effective payload: updated, else mapped, else original.
func (a *Attribute) Value() Value {
	if a.Updated != nil {
		return a.Updated
	}
	if a.Mapped != nil {
		return a.Mapped
	}
	return a.Original
}

// HasValue reports whether any payload slot is set.
func (a *Attribute) HasValue() bool {
	return a.Value() != nil
}

// Str returns the effective value as a string (string/enum kinds).
func (a *Attribute) Str() (string, bool) {
	s, ok := a.Value().(string)
	return s, ok
}

// Num returns the effective value as a float64 (numeric kind).
func (a *Attribute) Num() (float64, bool) {
	f, ok := a.Value().(float64)
	return f, ok
}

// Bool returns the effective value as a bool (boolean kind).
func (a *Attribute) Bool() (bool, bool) {
	b, ok := a.Value().(bool)
	return b, ok
}

// Time returns the effective value as a time.Time (datetime kind).
func (a *Attribute) Time() (time.Time, bool) {
	t, ok := a.Value().(time.Time)
	return t, ok
}

// AsMeasurement returns the effective value as a Measurement.
func (a *Attribute) AsMeasurement() (Measurement, bool) {
	m, ok := a.Value().(Measurement)
	return m, ok
}

// AsCode returns the effective value as a Code.
func (a *Attribute) AsCode() (Code, bool) {
	c, ok := a.Value().(Code)
	return c, ok
}

// Members returns the effective value as an object member map.
func (a *Attribute) Members() (map[string]*Attribute, bool) {
	m, ok := a.Value().(map[string]*Attribute)
	return m, ok
}

// Elements returns the effective value as list elements.
func (a *Attribute) Elements() ([]*Attribute, bool) {
	l, ok := a.Value().([]*Attribute)
	return l, ok
}

// Union returns the effective value as a union payload.
func (a *Attribute) Union() (*UnionValue, bool) {
	u, ok := a.Value().(*UnionValue)
	return u, ok
}

// Clone returns a deep copy with fresh uids throughout. Used when a mapper's
// replacement attribute is instantiated onto a target.
func (a *Attribute) Clone() *Attribute {
	if a == nil {
		return nil
	}
	cp := *a
	cp.UID = uuid.New()
	cp.Original = cloneValue(a.Original)
	cp.Updated = cloneValue(a.Updated)
	cp.Mapped = cloneValue(a.Mapped)
	if a.MappableValue != nil {
		s := *a.MappableValue
		cp.MappableValue = &s
	}
	if a.MappingItemUID != nil {
		u := *a.MappingItemUID
		cp.MappingItemUID = &u
	}
	return &cp
}

func cloneValue(v Value) Value {
	switch tv := v.(type) {
	case nil:
		return nil
	case map[string]*Attribute:
		out := make(map[string]*Attribute, len(tv))
		for k, child := range tv {
			out[k] = child.Clone()
		}
		return out
	case []*Attribute:
		out := make([]*Attribute, len(tv))
		for i, child := range tv {
			out[i] = child.Clone()
		}
		return out
	case *UnionValue:
		return &UnionValue{SchemaUID: tv.SchemaUID, Attribute: tv.Attribute.Clone()}
	default:
		// Scalars are value types.
		return v
	}
}

// formatNumber renders a numeric payload; integers print without a decimal
// point.
func formatNumber(f float64, isInt bool) string {
	if isInt || f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// formatDatetime renders a datetime payload per the schema's datetime type.
func formatDatetime(t time.Time, dt schema.DatetimeType) string {
	switch dt {
	case schema.DatetimeDate:
		return t.Format("2006-01-02")
	case schema.DatetimeTime:
		return t.Format("15:04:05")
	default:
		return t.Format(time.RFC3339)
	}
}

// parseDatetime accepts RFC 3339 plus the date-only and time-only forms.
func parseDatetime(s string, dt schema.DatetimeType) (time.Time, error) {
	layouts := []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02", "15:04:05"}
	switch dt {
	case schema.DatetimeDate:
		layouts = []string{"2006-01-02", time.RFC3339Nano, time.RFC3339}
	case schema.DatetimeTime:
		layouts = []string{"15:04:05", time.RFC3339Nano, time.RFC3339}
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable datetime %q", s)
}
