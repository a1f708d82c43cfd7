package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/histoflow/histoflow/internal/attr"
	"github.com/histoflow/histoflow/internal/schema"
)

// parseAttributeValue turns a command-line string into the raw payload the
// attribute engine expects for the tag's declared kind. Composite kinds
// (object, list, union) have no flat string form and are rejected.
func parseAttributeValue(e *engine, tag, raw string) (attr.Value, error) {
	as, ok := e.reg.AttributeSchemaByName(tag)
	if !ok {
		return nil, fmt.Errorf("attribute %q: not declared in the schema", tag)
	}
	switch as.Kind {
	case schema.KindString, schema.KindEnum, schema.KindDatetime:
		return raw, nil

	case schema.KindNumeric:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", tag, err)
		}
		return f, nil

	case schema.KindBoolean:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", tag, err)
		}
		return b, nil

	case schema.KindMeasurement:
		value, unit, found := strings.Cut(raw, " ")
		if !found {
			return nil, fmt.Errorf("attribute %q: want \"<value> <unit>\", got %q", tag, raw)
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", tag, err)
		}
		return attr.Measurement{Value: f, Unit: unit}, nil

	case schema.KindCode:
		// code^scheme^meaning, trailing parts optional.
		parts := strings.SplitN(raw, "^", 3)
		c := attr.Code{Code: parts[0]}
		if len(parts) > 1 {
			c.Scheme = parts[1]
		}
		if len(parts) > 2 {
			c.Meaning = parts[2]
		}
		return c, nil
	}
	return nil, fmt.Errorf("attribute %q: kind %q cannot be set from the command line", tag, as.Kind)
}
