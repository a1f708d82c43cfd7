package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/storage"
	"github.com/histoflow/histoflow/internal/types"
)

// AddItem inserts an item or, when (dataset, schema, identifier) already
// exists, returns the stored item unchanged. Re-ingesting the same source
// data is therefore a no-op.
func (m *MemoryStorage) AddItem(_ context.Context, item *types.Item) (*types.Item, error) {
	if err := item.Validate(); err != nil {
		return nil, fmt.Errorf("add item: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := itemKey{item.DatasetUID, item.SchemaUID, item.Identifier}
	if uid, ok := m.itemsByKey[key]; ok {
		return cloneItem(m.items[uid]), nil
	}
	c := cloneItem(item)
	if c.Created.IsZero() {
		c.Created = time.Now().UTC()
	}
	m.items[c.UID] = c
	m.itemsByKey[key] = c.UID
	return cloneItem(c), nil
}

// GetItem retrieves an item by uid.
func (m *MemoryStorage) GetItem(_ context.Context, uid uuid.UUID) (*types.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items[uid]
	if !ok {
		return nil, fmt.Errorf("get item %s: %w", uid, storage.ErrNotFound)
	}
	return cloneItem(item), nil
}

// GetItemByIdentifier retrieves an item by its natural key.
func (m *MemoryStorage) GetItemByIdentifier(_ context.Context, datasetUID, schemaUID uuid.UUID, identifier string) (*types.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uid, ok := m.itemsByKey[itemKey{datasetUID, schemaUID, identifier}]
	if !ok {
		return nil, fmt.Errorf("get item %q: %w", identifier, storage.ErrNotFound)
	}
	return cloneItem(m.items[uid]), nil
}

// UpdateItem overwrites the mutable fields of an item. Locked items only
// accept status and file updates through the dedicated methods.
func (m *MemoryStorage) UpdateItem(_ context.Context, item *types.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.items[item.UID]
	if !ok {
		return fmt.Errorf("update item %s: %w", item.UID, storage.ErrNotFound)
	}
	if current.Locked {
		return fmt.Errorf("update item %s: %w", item.UID, storage.ErrLocked)
	}
	current.Name = item.Name
	current.Pseudonym = item.Pseudonym
	current.Selected = item.Selected
	current.Locked = item.Locked
	current.BatchUID = item.BatchUID
	current.ValidAttributes = cloneBool(item.ValidAttributes)
	current.ValidRelations = cloneBool(item.ValidRelations)
	current.Attributes = cloneAttrs(item.Attributes)
	current.PrivateAttributes = cloneAttrs(item.PrivateAttributes)
	current.Status = item.Status
	current.StatusMessage = item.StatusMessage
	current.FolderPath = item.FolderPath
	current.ThumbnailPath = item.ThumbnailPath
	current.Format = item.Format
	current.Files = append([]types.ImageFile(nil), item.Files...)
	return nil
}

// SetSelected toggles an item's selection flag; locked items refuse.
func (m *MemoryStorage) SetSelected(_ context.Context, uid uuid.UUID, selected bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[uid]
	if !ok {
		return fmt.Errorf("set selected %s: %w", uid, storage.ErrNotFound)
	}
	if item.Locked {
		return fmt.Errorf("set selected %s: %w", uid, storage.ErrLocked)
	}
	item.Selected = selected
	return nil
}

// SetItemValidity records validation results. Nil pointers leave the
// corresponding flag untouched.
func (m *MemoryStorage) SetItemValidity(_ context.Context, uid uuid.UUID, validAttributes, validRelations *bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[uid]
	if !ok {
		return fmt.Errorf("set item validity %s: %w", uid, storage.ErrNotFound)
	}
	if validAttributes != nil {
		item.ValidAttributes = cloneBool(validAttributes)
	}
	if validRelations != nil {
		item.ValidRelations = cloneBool(validRelations)
	}
	return nil
}

// SetImageStatus updates the pipeline status and message of an image.
// Status changes apply to locked images too, because the pipeline keeps
// running after the project's metadata freezes.
func (m *MemoryStorage) SetImageStatus(_ context.Context, uid uuid.UUID, status types.ImageStatus, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[uid]
	if !ok {
		return fmt.Errorf("set image status %s: %w", uid, storage.ErrNotFound)
	}
	item.Status = status
	item.StatusMessage = message
	return nil
}

// UpdateImageFiles records the on-disk state of an image after a pipeline
// step.
func (m *MemoryStorage) UpdateImageFiles(_ context.Context, uid uuid.UUID, folderPath string, files []types.ImageFile, thumbnailPath, format string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[uid]
	if !ok {
		return fmt.Errorf("update image files %s: %w", uid, storage.ErrNotFound)
	}
	item.FolderPath = folderPath
	item.Files = append([]types.ImageFile(nil), files...)
	item.ThumbnailPath = thumbnailPath
	item.Format = format
	return nil
}

// LockBatchItems locks every item of a batch, freezing their attributes.
func (m *MemoryStorage) LockBatchItems(_ context.Context, batchUID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, item := range m.items {
		if item.BatchUID == batchUID {
			item.Locked = true
		}
	}
	return nil
}

// ListItems returns a filtered, sorted page of items plus the total count
// matching the filter (ignoring Offset/Limit).
func (m *MemoryStorage) ListItems(_ context.Context, filter types.ItemFilter) ([]*types.Item, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*types.Item
	for _, item := range m.items {
		if matchesFilter(item, filter) {
			matched = append(matched, cloneItem(item))
		}
	}
	total := len(matched)
	sortItems(matched, filter)

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[filter.Offset:]
		}
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func matchesFilter(item *types.Item, filter types.ItemFilter) bool {
	if filter.SchemaUID != nil && item.SchemaUID != *filter.SchemaUID {
		return false
	}
	if filter.DatasetUID != nil && item.DatasetUID != *filter.DatasetUID {
		return false
	}
	if filter.BatchUID != nil && item.BatchUID != *filter.BatchUID {
		return false
	}
	if filter.Kind != nil && item.Kind != *filter.Kind {
		return false
	}
	if filter.IdentifierContains != "" && !strings.Contains(item.Identifier, filter.IdentifierContains) {
		return false
	}
	if filter.Selected != nil && item.Selected != *filter.Selected {
		return false
	}
	if filter.Valid != nil && item.Valid() != *filter.Valid {
		return false
	}
	if filter.Status != nil && item.Status != *filter.Status {
		return false
	}
	if len(filter.Statuses) > 0 {
		found := false
		for _, s := range filter.Statuses {
			if item.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for tag, substr := range filter.AttributeFilters {
		a := item.Attributes[tag]
		if a == nil || !strings.Contains(a.DisplayValue, substr) {
			return false
		}
	}
	return true
}

func sortItems(items []*types.Item, filter types.ItemFilter) {
	less := func(i, j *types.Item) bool { return i.Identifier < j.Identifier }
	switch filter.SortBy {
	case types.SortCreated:
		less = func(i, j *types.Item) bool {
			if i.Created.Equal(j.Created) {
				return i.Identifier < j.Identifier
			}
			return i.Created.Before(j.Created)
		}
	case types.SortStatus:
		less = func(i, j *types.Item) bool {
			if i.Status == j.Status {
				return i.Identifier < j.Identifier
			}
			return i.Status < j.Status
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if filter.SortDesc {
			return less(items[j], items[i])
		}
		return less(items[i], items[j])
	})
}
