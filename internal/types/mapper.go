package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/attr"
)

// Mapper is a named, ordered collection of pattern→attribute rules. It scans
// attribute instances of RootAttributeSchemaUID and substitutes leaves of
// AttributeSchemaUID whose mappable_value matches a rule's expression.
type Mapper struct {
	UID                 uuid.UUID `json:"uid"`
	Name                string    `json:"name"`
	AttributeSchemaUID  uuid.UUID `json:"attribute_schema_uid"`
	RootAttributeSchema uuid.UUID `json:"root_attribute_schema_uid"`
	Created             time.Time `json:"created"`

	// Items in insertion order; application order is by descending hits
	// with insertion order as the tiebreak.
	Items []*MappingItem `json:"items,omitempty"`
}

// Validate checks required mapper fields.
func (m *Mapper) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("mapper name is required")
	}
	if m.AttributeSchemaUID == uuid.Nil {
		return fmt.Errorf("mapper %q: attribute_schema_uid is required", m.Name)
	}
	if m.RootAttributeSchema == uuid.Nil {
		return fmt.Errorf("mapper %q: root_attribute_schema_uid is required", m.Name)
	}
	return nil
}

// MappingItem is one rule: a regular expression and the replacement
// attribute whose value is substituted into matching targets. Hits counts
// successful applications and drives match ordering on re-apply.
type MappingItem struct {
	UID        uuid.UUID       `json:"uid"`
	MapperUID  uuid.UUID       `json:"mapper_uid"`
	Expression string          `json:"expression"`
	Attribute  *attr.Attribute `json:"attribute"`
	Hits       int             `json:"hits"`
	Position   int             `json:"position"` // insertion order
}

// Validate checks required mapping item fields.
func (mi *MappingItem) Validate() error {
	if mi.Expression == "" {
		return fmt.Errorf("mapping item expression is required")
	}
	if mi.Attribute == nil {
		return fmt.Errorf("mapping item %q: replacement attribute is required", mi.Expression)
	}
	return nil
}

// MapperGroup collects mappers for attachment to projects.
type MapperGroup struct {
	UID        uuid.UUID   `json:"uid"`
	Name       string      `json:"name"`
	MapperUIDs []uuid.UUID `json:"mapper_uids,omitempty"`
}

// ProjectValidation reports project-level attribute validity.
type ProjectValidation struct {
	Valid              bool      `json:"valid"`
	UID                uuid.UUID `json:"uid"`
	NonValidAttributes []string  `json:"non_valid_attributes,omitempty"`
}

// DatasetValidation reports dataset-level attribute validity.
type DatasetValidation struct {
	Valid              bool      `json:"valid"`
	UID                uuid.UUID `json:"uid"`
	NonValidAttributes []string  `json:"non_valid_attributes,omitempty"`
}

// BatchValidation reports which items in a batch fail validation.
type BatchValidation struct {
	Valid         bool        `json:"valid"`
	UID           uuid.UUID   `json:"uid"`
	NonValidItems []uuid.UUID `json:"non_valid_items,omitempty"`
}
