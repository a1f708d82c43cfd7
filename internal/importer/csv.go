package importer

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// Reserved column names; every other column is an attribute tag.
const (
	colSchema     = "schema"
	colIdentifier = "identifier"
	colName       = "name"
	colParent     = "parent"
	colSample     = "sample"
	colTarget     = "target"
	colImage      = "image"
)

// ParseFile reads one uploaded batch file (CSV with a header row) into
// search parameters. The `schema` and `identifier` columns are required;
// `name`, `parent`, `sample`, `target`, and `image` are reserved reference
// columns; all remaining columns are attribute tags holding raw mappable
// values. Empty cells mean "absent".
func ParseFile(r io.Reader) (*SearchParameters, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("batch file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i, col := range header {
		header[i] = strings.TrimSpace(strings.ToLower(col))
	}
	cols := map[string]int{}
	for i, col := range header {
		if col == "" {
			return nil, fmt.Errorf("column %d has an empty header", i+1)
		}
		if _, dup := cols[col]; dup {
			return nil, fmt.Errorf("duplicate column %q", col)
		}
		cols[col] = i
	}
	if _, ok := cols[colSchema]; !ok {
		return nil, fmt.Errorf("missing required column %q", colSchema)
	}
	if _, ok := cols[colIdentifier]; !ok {
		return nil, fmt.Errorf("missing required column %q", colIdentifier)
	}

	reserved := map[string]bool{
		colSchema: true, colIdentifier: true, colName: true,
		colParent: true, colSample: true, colTarget: true, colImage: true,
	}

	params := &SearchParameters{}
	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		cell := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		rec := Record{
			Schema:     cell(colSchema),
			Identifier: cell(colIdentifier),
			Name:       cell(colName),
			Parent:     cell(colParent),
			Sample:     cell(colSample),
			Target:     cell(colTarget),
			Image:      cell(colImage),
		}
		if rec.Schema == "" || rec.Identifier == "" {
			return nil, fmt.Errorf("line %d: schema and identifier are required", line)
		}
		for col, i := range cols {
			if reserved[col] || i >= len(row) {
				continue
			}
			if v := strings.TrimSpace(row[i]); v != "" {
				if rec.Attributes == nil {
					rec.Attributes = map[string]string{}
				}
				rec.Attributes[col] = v
			}
		}
		params.Records = append(params.Records, rec)
	}
	return params, nil
}
