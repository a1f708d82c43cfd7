package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/storage"
	"github.com/histoflow/histoflow/internal/types"
)

// CreateProject stores a new project; duplicate uids report ErrConflict.
func (m *MemoryStorage) CreateProject(_ context.Context, p *types.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.projects[p.UID]; ok {
		return fmt.Errorf("create project %s: %w", p.UID, storage.ErrConflict)
	}
	c := cloneProject(p)
	if c.Created.IsZero() {
		c.Created = time.Now().UTC()
	}
	m.projects[p.UID] = c
	return nil
}

// GetProject retrieves a project by uid.
func (m *MemoryStorage) GetProject(_ context.Context, uid uuid.UUID) (*types.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.projects[uid]
	if !ok {
		return nil, fmt.Errorf("get project %s: %w", uid, storage.ErrNotFound)
	}
	return cloneProject(p), nil
}

// ListProjects returns all projects ordered by name.
func (m *MemoryStorage) ListProjects(_ context.Context) ([]*types.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*types.Project, 0, len(m.projects))
	for _, p := range m.projects {
		out = append(out, cloneProject(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpdateProject overwrites a project's mutable fields.
func (m *MemoryStorage) UpdateProject(_ context.Context, p *types.Project) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.projects[p.UID]
	if !ok {
		return fmt.Errorf("update project %s: %w", p.UID, storage.ErrNotFound)
	}
	c := cloneProject(p)
	c.Created = current.Created
	m.projects[p.UID] = c
	return nil
}

// SetProjectStatus applies the transition only when the current status is
// the expected one; a stale expectation reports ErrNotAllowed.
func (m *MemoryStorage) SetProjectStatus(_ context.Context, uid uuid.UUID, from, to types.ProjectStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.projects[uid]
	if !ok {
		return fmt.Errorf("set project status %s: %w", uid, storage.ErrNotFound)
	}
	if p.Status != from {
		return fmt.Errorf("project %s is %s, not %s: %w", uid, p.Status, from, storage.ErrNotAllowed)
	}
	p.Status = to
	return nil
}

// CreateDataset stores a new dataset.
func (m *MemoryStorage) CreateDataset(_ context.Context, d *types.Dataset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.datasets[d.UID]; ok {
		return fmt.Errorf("create dataset %s: %w", d.UID, storage.ErrConflict)
	}
	m.datasets[d.UID] = cloneDataset(d)
	return nil
}

// GetDataset retrieves a dataset by uid.
func (m *MemoryStorage) GetDataset(_ context.Context, uid uuid.UUID) (*types.Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.datasets[uid]
	if !ok {
		return nil, fmt.Errorf("get dataset %s: %w", uid, storage.ErrNotFound)
	}
	return cloneDataset(d), nil
}

// UpdateDataset overwrites a dataset.
func (m *MemoryStorage) UpdateDataset(_ context.Context, d *types.Dataset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.datasets[d.UID]; !ok {
		return fmt.Errorf("update dataset %s: %w", d.UID, storage.ErrNotFound)
	}
	m.datasets[d.UID] = cloneDataset(d)
	return nil
}

// CreateBatch stores a new batch.
func (m *MemoryStorage) CreateBatch(_ context.Context, b *types.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.batches[b.UID]; ok {
		return fmt.Errorf("create batch %s: %w", b.UID, storage.ErrConflict)
	}
	c := cloneBatch(b)
	if c.Created.IsZero() {
		c.Created = time.Now().UTC()
	}
	m.batches[b.UID] = c
	return nil
}

// GetBatch retrieves a batch by uid.
func (m *MemoryStorage) GetBatch(_ context.Context, uid uuid.UUID) (*types.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.batches[uid]
	if !ok {
		return nil, fmt.Errorf("get batch %s: %w", uid, storage.ErrNotFound)
	}
	return cloneBatch(b), nil
}

// ListBatches returns a project's batches ordered by creation time.
func (m *MemoryStorage) ListBatches(_ context.Context, projectUID uuid.UUID) ([]*types.Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.Batch
	for _, b := range m.batches {
		if b.ProjectUID == projectUID {
			out = append(out, cloneBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].Name < out[j].Name
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out, nil
}

// SetBatchStatus is the compare-and-set the lifecycle coordinator relies on
// for exactly-once batch aggregation.
func (m *MemoryStorage) SetBatchStatus(_ context.Context, uid uuid.UUID, from, to types.BatchStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[uid]
	if !ok {
		return fmt.Errorf("set batch status %s: %w", uid, storage.ErrNotFound)
	}
	if b.Status != from {
		return fmt.Errorf("batch %s is %s, not %s: %w", uid, b.Status, from, storage.ErrNotAllowed)
	}
	b.Status = to
	return nil
}

// CountImagesInStatuses counts a batch's images in any of the given statuses.
func (m *MemoryStorage) CountImagesInStatuses(_ context.Context, batchUID uuid.UUID, statuses []types.ImageStatus, selectedOnly bool) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[types.ImageStatus]struct{}, len(statuses))
	for _, s := range statuses {
		want[s] = struct{}{}
	}
	count := 0
	for _, item := range m.items {
		if item.BatchUID != batchUID {
			continue
		}
		if selectedOnly && !item.Selected {
			continue
		}
		if _, ok := want[item.Status]; ok {
			count++
		}
	}
	return count, nil
}
