package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/storage"
	"github.com/histoflow/histoflow/internal/types"
)

// CreateMapper stores a new mapper; names are unique.
func (m *MemoryStorage) CreateMapper(_ context.Context, mp *types.Mapper) error {
	if err := mp.Validate(); err != nil {
		return fmt.Errorf("create mapper: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.mappers {
		if existing.Name == mp.Name || existing.UID == mp.UID {
			return fmt.Errorf("create mapper %q: %w", mp.Name, storage.ErrConflict)
		}
	}
	c := cloneMapper(mp)
	c.Items = nil
	m.mappers[mp.UID] = c
	for _, mi := range mp.Items {
		stored := cloneMappingItem(mi)
		stored.MapperUID = mp.UID
		m.mappingItems[mi.UID] = stored
	}
	return nil
}

// mapperWithItems assembles a mapper and its rules ordered by position.
// Callers hold at least a read lock.
func (m *MemoryStorage) mapperWithItems(mp *types.Mapper) *types.Mapper {
	c := cloneMapper(mp)
	c.Items = nil
	for _, mi := range m.mappingItems {
		if mi.MapperUID == mp.UID {
			c.Items = append(c.Items, cloneMappingItem(mi))
		}
	}
	sort.Slice(c.Items, func(i, j int) bool { return c.Items[i].Position < c.Items[j].Position })
	return c
}

// GetMapper retrieves a mapper with its rules by uid.
func (m *MemoryStorage) GetMapper(_ context.Context, uid uuid.UUID) (*types.Mapper, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mp, ok := m.mappers[uid]
	if !ok {
		return nil, fmt.Errorf("get mapper %s: %w", uid, storage.ErrNotFound)
	}
	return m.mapperWithItems(mp), nil
}

// GetMapperByName retrieves a mapper with its rules by name.
func (m *MemoryStorage) GetMapperByName(_ context.Context, name string) (*types.Mapper, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, mp := range m.mappers {
		if mp.Name == name {
			return m.mapperWithItems(mp), nil
		}
	}
	return nil, fmt.Errorf("get mapper %q: %w", name, storage.ErrNotFound)
}

// ListMappers returns all mappers ordered by name.
func (m *MemoryStorage) ListMappers(_ context.Context) ([]*types.Mapper, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*types.Mapper, 0, len(m.mappers))
	for _, mp := range m.mappers {
		out = append(out, m.mapperWithItems(mp))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteMapper removes a mapper and its rules.
func (m *MemoryStorage) DeleteMapper(_ context.Context, uid uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.mappers[uid]; !ok {
		return fmt.Errorf("delete mapper %s: %w", uid, storage.ErrNotFound)
	}
	delete(m.mappers, uid)
	for miUID, mi := range m.mappingItems {
		if mi.MapperUID == uid {
			delete(m.mappingItems, miUID)
		}
	}
	return nil
}

// AddMappingItem appends a rule; a zero position lands after the existing
// rules.
func (m *MemoryStorage) AddMappingItem(_ context.Context, mi *types.MappingItem) error {
	if err := mi.Validate(); err != nil {
		return fmt.Errorf("add mapping item: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if mi.Position == 0 {
		next := 0
		for _, existing := range m.mappingItems {
			if existing.MapperUID == mi.MapperUID && existing.Position >= next {
				next = existing.Position + 1
			}
		}
		mi.Position = next
	}
	m.mappingItems[mi.UID] = cloneMappingItem(mi)
	return nil
}

// UpdateMappingItem overwrites a rule's expression and replacement.
func (m *MemoryStorage) UpdateMappingItem(_ context.Context, mi *types.MappingItem) error {
	if err := mi.Validate(); err != nil {
		return fmt.Errorf("update mapping item: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.mappingItems[mi.UID]
	if !ok {
		return fmt.Errorf("update mapping item %s: %w", mi.UID, storage.ErrNotFound)
	}
	current.Expression = mi.Expression
	if mi.Attribute != nil {
		a := *mi.Attribute
		current.Attribute = &a
	}
	current.Hits = mi.Hits
	return nil
}

// DeleteMappingItem removes a single rule.
func (m *MemoryStorage) DeleteMappingItem(_ context.Context, uid uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.mappingItems[uid]; !ok {
		return fmt.Errorf("delete mapping item %s: %w", uid, storage.ErrNotFound)
	}
	delete(m.mappingItems, uid)
	return nil
}

// IncrementMappingHits bumps a rule's hit counter by one.
func (m *MemoryStorage) IncrementMappingHits(_ context.Context, uid uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mi, ok := m.mappingItems[uid]
	if !ok {
		return fmt.Errorf("increment mapping hits %s: %w", uid, storage.ErrNotFound)
	}
	mi.Hits++
	return nil
}

// CreateMapperGroup stores a group and its member links.
func (m *MemoryStorage) CreateMapperGroup(_ context.Context, g *types.MapperGroup) error {
	if g.Name == "" {
		return fmt.Errorf("create mapper group: name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.mapperGroups[g.UID]; ok {
		return fmt.Errorf("create mapper group %q: %w", g.Name, storage.ErrConflict)
	}
	m.mapperGroups[g.UID] = cloneMapperGroup(g)
	return nil
}

// GetMapperGroup retrieves a group with its member uids.
func (m *MemoryStorage) GetMapperGroup(_ context.Context, uid uuid.UUID) (*types.MapperGroup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.mapperGroups[uid]
	if !ok {
		return nil, fmt.Errorf("get mapper group %s: %w", uid, storage.ErrNotFound)
	}
	return cloneMapperGroup(g), nil
}

// AddMapperToGroup links a mapper into a group; duplicates are no-ops.
func (m *MemoryStorage) AddMapperToGroup(_ context.Context, groupUID, mapperUID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.mapperGroups[groupUID]
	if !ok {
		return fmt.Errorf("add mapper %s to group %s: %w", mapperUID, groupUID, storage.ErrNotFound)
	}
	for _, existing := range g.MapperUIDs {
		if existing == mapperUID {
			return nil
		}
	}
	g.MapperUIDs = append(g.MapperUIDs, mapperUID)
	return nil
}
