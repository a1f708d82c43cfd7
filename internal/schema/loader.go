package schema

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadRoot decodes a RootSchema from YAML. Unknown fields are rejected so
// typos in schema files fail loudly instead of silently dropping constraints.
func LoadRoot(r io.Reader) (*RootSchema, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var root RootSchema
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("decode root schema: %w", err)
	}
	return &root, nil
}

// LoadRootFile reads a RootSchema from a YAML file on disk.
func LoadRootFile(path string) (*RootSchema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open schema file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadRoot(f)
}

// LoadRegistry is the common load-and-index path: read the YAML file and
// build the registry in one step.
func LoadRegistry(path string) (*Registry, error) {
	root, err := LoadRootFile(path)
	if err != nil {
		return nil, err
	}
	return NewRegistry(root)
}
