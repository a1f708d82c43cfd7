// Package histoflow provides a minimal public API for embedding the
// curation engine in other Go programs.
//
// Most integrations talk to a running engine through its control surface;
// this package exports only the types and constructors needed to drive the
// storage layer and service programmatically.
package histoflow

import (
	"context"

	"github.com/histoflow/histoflow/internal/schema"
	"github.com/histoflow/histoflow/internal/storage"
	"github.com/histoflow/histoflow/internal/storage/memory"
	"github.com/histoflow/histoflow/internal/storage/sqlite"
	"github.com/histoflow/histoflow/internal/types"
)

// Core types of the curated graph
type (
	Item       = types.Item
	Batch      = types.Batch
	Project    = types.Project
	Dataset    = types.Dataset
	ItemFilter = types.ItemFilter

	ImageStatus   = types.ImageStatus
	BatchStatus   = types.BatchStatus
	ProjectStatus = types.ProjectStatus
)

// Image status constants
const (
	ImageNotStarted    = types.ImageNotStarted
	ImagePreProcessed  = types.ImagePreProcessed
	ImagePostProcessed = types.ImagePostProcessed
)

// Batch status constants
const (
	BatchInitialized = types.BatchInitialized
	BatchCompleted   = types.BatchCompleted
)

// Storage is the store interface backing the engine.
type Storage = storage.Storage

// Registry is the immutable schema registry.
type Registry = schema.Registry

// Open opens (creating if absent) a histoflow SQLite database.
func Open(ctx context.Context, dbPath string) (Storage, error) {
	return sqlite.New(ctx, dbPath)
}

// NewMemory creates an ephemeral in-memory store, mainly for tests.
func NewMemory() Storage {
	return memory.New()
}

// LoadRegistry reads a root schema YAML file and builds its registry.
func LoadRegistry(path string) (*Registry, error) {
	return schema.LoadRegistry(path)
}
