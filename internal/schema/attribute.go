// Package schema defines the immutable description of item types, attribute
// types, and allowed relations, plus the registry that indexes one loaded
// RootSchema for the rest of the engine.
package schema

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind discriminates the attribute schema variants.
type Kind string

// Attribute schema kinds
const (
	KindString      Kind = "string"
	KindEnum        Kind = "enum"
	KindDatetime    Kind = "datetime"
	KindNumeric     Kind = "numeric"
	KindMeasurement Kind = "measurement"
	KindCode        Kind = "code"
	KindBoolean     Kind = "boolean"
	KindObject      Kind = "object"
	KindList        Kind = "list"
	KindUnion       Kind = "union"
)

// IsValid checks if the kind value is a known variant.
func (k Kind) IsValid() bool {
	switch k {
	case KindString, KindEnum, KindDatetime, KindNumeric, KindMeasurement,
		KindCode, KindBoolean, KindObject, KindList, KindUnion:
		return true
	}
	return false
}

// DatetimeType narrows what part of a timestamp a datetime attribute carries.
type DatetimeType string

// Datetime type constants
const (
	DatetimeFull DatetimeType = "datetime"
	DatetimeDate DatetimeType = "date"
	DatetimeTime DatetimeType = "time"
)

// DefaultDisplayJoiner separates object member display values when the
// schema does not override it.
const DefaultDisplayJoiner = ", "

// AttributeSchema describes one typed attribute. Exactly one variant's
// fields are meaningful, selected by Kind; the rest stay zero. A flat
// struct keeps the YAML form simple and mirrors how filters and options
// structs are shaped elsewhere in the codebase.
type AttributeSchema struct {
	UID      uuid.UUID `yaml:"uid,omitempty"`
	Tag      string    `yaml:"tag"`
	Name     string    `yaml:"name,omitempty"`
	Kind     Kind      `yaml:"kind"`
	Optional bool      `yaml:"optional,omitempty"`
	ReadOnly bool      `yaml:"read_only,omitempty"`

	// Enum
	AllowedValues []string `yaml:"allowed_values,omitempty"`

	// Datetime
	DatetimeType DatetimeType `yaml:"datetime_type,omitempty"`

	// Numeric (Min/Max shared with Measurement)
	IsInt bool     `yaml:"is_integer,omitempty"`
	Min   *float64 `yaml:"min,omitempty"`
	Max   *float64 `yaml:"max,omitempty"`

	// Measurement
	AllowedUnits []string `yaml:"allowed_units,omitempty"`

	// Code
	AllowedSchemas []string `yaml:"allowed_schemas,omitempty"`

	// Boolean
	TrueDisplay  string `yaml:"true_display,omitempty"`
	FalseDisplay string `yaml:"false_display,omitempty"`

	// Object
	Attributes         map[string]*AttributeSchema `yaml:"attributes,omitempty"`
	DisplayValueTags   []string                    `yaml:"display_value_tags,omitempty"`
	DisplayValueJoiner string                      `yaml:"display_value_tags_joiner,omitempty"`

	// List
	Item            *AttributeSchema `yaml:"attribute,omitempty"`
	MinItems        *int             `yaml:"min_items,omitempty"`
	MaxItems        *int             `yaml:"max_items,omitempty"`
	DisplayInParent bool             `yaml:"display_attributes_in_parent,omitempty"`

	// Union (ordered; first match wins on decode)
	Variants []*AttributeSchema `yaml:"variants,omitempty"`
}

// Joiner returns the object display joiner, defaulted.
func (s *AttributeSchema) Joiner() string {
	if s.DisplayValueJoiner == "" {
		return DefaultDisplayJoiner
	}
	return s.DisplayValueJoiner
}

// Validate checks that the variant payload matches the kind and that
// nested schemas are themselves valid.
func (s *AttributeSchema) Validate() error {
	if s.Tag == "" {
		return fmt.Errorf("attribute schema %s: tag is required", s.UID)
	}
	if !s.Kind.IsValid() {
		return fmt.Errorf("attribute schema %q: invalid kind %q", s.Tag, s.Kind)
	}
	switch s.Kind {
	case KindEnum:
		if len(s.AllowedValues) == 0 {
			return fmt.Errorf("enum attribute %q: allowed_values is required", s.Tag)
		}
	case KindMeasurement:
		if len(s.AllowedUnits) == 0 {
			return fmt.Errorf("measurement attribute %q: allowed_units is required", s.Tag)
		}
	case KindObject:
		if len(s.Attributes) == 0 {
			return fmt.Errorf("object attribute %q: attributes is required", s.Tag)
		}
		for tag, child := range s.Attributes {
			if child.Tag == "" {
				child.Tag = tag
			}
			if err := child.Validate(); err != nil {
				return err
			}
		}
	case KindList:
		if s.Item == nil {
			return fmt.Errorf("list attribute %q: attribute is required", s.Tag)
		}
		if err := s.Item.Validate(); err != nil {
			return err
		}
		if s.MinItems != nil && s.MaxItems != nil && *s.MinItems > *s.MaxItems {
			return fmt.Errorf("list attribute %q: min_items > max_items", s.Tag)
		}
	case KindUnion:
		if len(s.Variants) < 2 {
			return fmt.Errorf("union attribute %q: at least two variants required", s.Tag)
		}
		for _, v := range s.Variants {
			if err := v.Validate(); err != nil {
				return err
			}
		}
	}
	if s.Min != nil && s.Max != nil && *s.Min > *s.Max {
		return fmt.Errorf("attribute %q: min > max", s.Tag)
	}
	return nil
}

// Variant returns the union member schema with the given uid, or nil.
func (s *AttributeSchema) Variant(uid uuid.UUID) *AttributeSchema {
	for _, v := range s.Variants {
		if v.UID == uid {
			return v
		}
	}
	return nil
}
