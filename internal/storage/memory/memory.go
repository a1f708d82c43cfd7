// Package memory provides an in-memory storage backend. It mirrors the
// sqlite backend's semantics, including compare-and-set status updates and
// transactional rollback, and suits tests and ephemeral runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/storage"
	"github.com/histoflow/histoflow/internal/types"
)

type itemKey struct {
	datasetUID uuid.UUID
	schemaUID  uuid.UUID
	identifier string
}

// MemoryStorage keeps all engine state in maps guarded by one RWMutex.
type MemoryStorage struct {
	mu sync.RWMutex
	// txMu serializes transactions so snapshot/restore stays consistent.
	txMu sync.Mutex

	projects map[uuid.UUID]*types.Project
	datasets map[uuid.UUID]*types.Dataset
	batches  map[uuid.UUID]*types.Batch

	items      map[uuid.UUID]*types.Item
	itemsByKey map[itemKey]uuid.UUID
	relations  map[types.Relation]struct{}

	mappers      map[uuid.UUID]*types.Mapper
	mappingItems map[uuid.UUID]*types.MappingItem
	mapperGroups map[uuid.UUID]*types.MapperGroup

	events      []*types.Event
	nextEventID int64
	metadata    map[string]string
}

var _ storage.Storage = (*MemoryStorage)(nil)

// New creates an empty in-memory store.
func New() *MemoryStorage {
	return &MemoryStorage{
		projects:     map[uuid.UUID]*types.Project{},
		datasets:     map[uuid.UUID]*types.Dataset{},
		batches:      map[uuid.UUID]*types.Batch{},
		items:        map[uuid.UUID]*types.Item{},
		itemsByKey:   map[itemKey]uuid.UUID{},
		relations:    map[types.Relation]struct{}{},
		mappers:      map[uuid.UUID]*types.Mapper{},
		mappingItems: map[uuid.UUID]*types.MappingItem{},
		mapperGroups: map[uuid.UUID]*types.MapperGroup{},
		metadata:     map[string]string{},
		nextEventID:  1,
	}
}

// Close releases nothing; it exists to satisfy the storage interface.
func (m *MemoryStorage) Close() error { return nil }

// RunInTransaction executes fn against the store itself and rolls the whole
// state back when fn returns an error or panics. Transactions are serialized.
func (m *MemoryStorage) RunInTransaction(_ context.Context, fn func(tx storage.Transaction) error) (err error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	snap := m.snapshot()
	defer func() {
		if r := recover(); r != nil {
			m.restore(snap)
			panic(r)
		}
		if err != nil {
			m.restore(snap)
		}
	}()
	return fn(m)
}

type snapshotState struct {
	projects     map[uuid.UUID]*types.Project
	datasets     map[uuid.UUID]*types.Dataset
	batches      map[uuid.UUID]*types.Batch
	items        map[uuid.UUID]*types.Item
	itemsByKey   map[itemKey]uuid.UUID
	relations    map[types.Relation]struct{}
	mappers      map[uuid.UUID]*types.Mapper
	mappingItems map[uuid.UUID]*types.MappingItem
	mapperGroups map[uuid.UUID]*types.MapperGroup
	events       []*types.Event
	nextEventID  int64
	metadata     map[string]string
}

func (m *MemoryStorage) snapshot() *snapshotState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := &snapshotState{
		projects:     make(map[uuid.UUID]*types.Project, len(m.projects)),
		datasets:     make(map[uuid.UUID]*types.Dataset, len(m.datasets)),
		batches:      make(map[uuid.UUID]*types.Batch, len(m.batches)),
		items:        make(map[uuid.UUID]*types.Item, len(m.items)),
		itemsByKey:   make(map[itemKey]uuid.UUID, len(m.itemsByKey)),
		relations:    make(map[types.Relation]struct{}, len(m.relations)),
		mappers:      make(map[uuid.UUID]*types.Mapper, len(m.mappers)),
		mappingItems: make(map[uuid.UUID]*types.MappingItem, len(m.mappingItems)),
		mapperGroups: make(map[uuid.UUID]*types.MapperGroup, len(m.mapperGroups)),
		events:       append([]*types.Event(nil), m.events...),
		nextEventID:  m.nextEventID,
		metadata:     make(map[string]string, len(m.metadata)),
	}
	for k, v := range m.projects {
		s.projects[k] = cloneProject(v)
	}
	for k, v := range m.datasets {
		s.datasets[k] = cloneDataset(v)
	}
	for k, v := range m.batches {
		s.batches[k] = cloneBatch(v)
	}
	for k, v := range m.items {
		s.items[k] = cloneItem(v)
	}
	for k, v := range m.itemsByKey {
		s.itemsByKey[k] = v
	}
	for k := range m.relations {
		s.relations[k] = struct{}{}
	}
	for k, v := range m.mappers {
		s.mappers[k] = cloneMapper(v)
	}
	for k, v := range m.mappingItems {
		s.mappingItems[k] = cloneMappingItem(v)
	}
	for k, v := range m.mapperGroups {
		s.mapperGroups[k] = cloneMapperGroup(v)
	}
	for k, v := range m.metadata {
		s.metadata[k] = v
	}
	return s
}

func (m *MemoryStorage) restore(s *snapshotState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.projects = s.projects
	m.datasets = s.datasets
	m.batches = s.batches
	m.items = s.items
	m.itemsByKey = s.itemsByKey
	m.relations = s.relations
	m.mappers = s.mappers
	m.mappingItems = s.mappingItems
	m.mapperGroups = s.mapperGroups
	m.events = s.events
	m.nextEventID = s.nextEventID
	m.metadata = s.metadata
}

// AddEvent appends an audit trail entry.
func (m *MemoryStorage) AddEvent(_ context.Context, ev *types.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := *ev
	e.ID = m.nextEventID
	m.nextEventID++
	if e.Created.IsZero() {
		e.Created = time.Now().UTC()
	}
	m.events = append(m.events, &e)
	return nil
}

// ListEvents returns the events of one item, oldest first.
func (m *MemoryStorage) ListEvents(_ context.Context, itemUID uuid.UUID) ([]*types.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.Event
	for _, ev := range m.events {
		if ev.ItemUID == itemUID {
			e := *ev
			out = append(out, &e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetMetadata stores an engine housekeeping key/value pair.
func (m *MemoryStorage) SetMetadata(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metadata[key] = value
	return nil
}

// GetMetadata reads an engine housekeeping value.
func (m *MemoryStorage) GetMetadata(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.metadata[key]
	if !ok {
		return "", fmt.Errorf("get metadata %q: %w", key, storage.ErrNotFound)
	}
	return value, nil
}
