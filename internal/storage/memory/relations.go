package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/schema"
	"github.com/histoflow/histoflow/internal/storage"
	"github.com/histoflow/histoflow/internal/types"
)

// AddRelation inserts a directed edge. Sample edges that would close a cycle
// are rejected with ErrCycle; inserting an existing edge is a no-op.
func (m *MemoryStorage) AddRelation(_ context.Context, rel types.Relation) error {
	if !rel.Kind.IsValid() {
		return fmt.Errorf("add relation: invalid kind %q", rel.Kind)
	}
	if rel.FromUID == rel.ToUID {
		return fmt.Errorf("add relation: %w: self reference", storage.ErrCycle)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if rel.Kind == types.RelSampleChild && m.sampleReaches(rel.ToUID, rel.FromUID) {
		return fmt.Errorf("add relation %s -> %s: %w", rel.FromUID, rel.ToUID, storage.ErrCycle)
	}
	m.relations[rel] = struct{}{}
	return nil
}

// sampleReaches reports whether dst is reachable from src over sample-child
// edges. Callers hold the lock.
func (m *MemoryStorage) sampleReaches(src, dst uuid.UUID) bool {
	seen := map[uuid.UUID]bool{}
	stack := []uuid.UUID{src}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == dst {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		for rel := range m.relations {
			if rel.Kind == types.RelSampleChild && rel.FromUID == cur {
				stack = append(stack, rel.ToUID)
			}
		}
	}
	return false
}

// RemoveRelation deletes an edge; missing edges report ErrNotFound.
func (m *MemoryStorage) RemoveRelation(_ context.Context, rel types.Relation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.relations[rel]; !ok {
		return fmt.Errorf("remove relation %s -> %s: %w", rel.FromUID, rel.ToUID, storage.ErrNotFound)
	}
	delete(m.relations, rel)
	return nil
}

// relatedItems collects the items on the far side of edges of one kind.
// Callers hold at least a read lock.
func (m *MemoryStorage) relatedItems(uid uuid.UUID, kind types.RelationKind, forward bool, schemaUID *uuid.UUID) []*types.Item {
	var out []*types.Item
	for rel := range m.relations {
		if rel.Kind != kind {
			continue
		}
		var far uuid.UUID
		switch {
		case forward && rel.FromUID == uid:
			far = rel.ToUID
		case !forward && rel.ToUID == uid:
			far = rel.FromUID
		default:
			continue
		}
		item, ok := m.items[far]
		if !ok {
			continue
		}
		if schemaUID != nil && item.SchemaUID != *schemaUID {
			continue
		}
		out = append(out, cloneItem(item))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// Children returns the direct children of a sample.
func (m *MemoryStorage) Children(_ context.Context, sampleUID uuid.UUID, childSchemaUID *uuid.UUID) ([]*types.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.relatedItems(sampleUID, types.RelSampleChild, true, childSchemaUID), nil
}

// Parents returns the direct parents of a sample.
func (m *MemoryStorage) Parents(_ context.Context, sampleUID uuid.UUID, parentSchemaUID *uuid.UUID) ([]*types.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.relatedItems(sampleUID, types.RelSampleChild, false, parentSchemaUID), nil
}

// ImagesForSample returns the images attached to a sample.
func (m *MemoryStorage) ImagesForSample(_ context.Context, sampleUID uuid.UUID, imageSchemaUID *uuid.UUID) ([]*types.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.relatedItems(sampleUID, types.RelImageSample, false, imageSchemaUID), nil
}

// SamplesForImage returns the samples an image depicts.
func (m *MemoryStorage) SamplesForImage(_ context.Context, imageUID uuid.UUID) ([]*types.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.relatedItems(imageUID, types.RelImageSample, true, nil), nil
}

// ObservationsFor returns the observations targeting an item.
func (m *MemoryStorage) ObservationsFor(_ context.Context, targetUID uuid.UUID) ([]*types.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.relatedItems(targetUID, types.RelObservationTarget, false, nil), nil
}

// ObservationTarget returns the single item an observation is about.
func (m *MemoryStorage) ObservationTarget(_ context.Context, observationUID uuid.UUID) (*types.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := m.relatedItems(observationUID, types.RelObservationTarget, true, nil)
	if len(items) == 0 {
		return nil, fmt.Errorf("observation target of %s: %w", observationUID, storage.ErrNotFound)
	}
	return items[0], nil
}

// AnnotationImage returns the image an annotation belongs to.
func (m *MemoryStorage) AnnotationImage(_ context.Context, annotationUID uuid.UUID) (*types.Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := m.relatedItems(annotationUID, types.RelAnnotationImage, true, nil)
	if len(items) == 0 {
		return nil, fmt.Errorf("annotation image of %s: %w", annotationUID, storage.ErrNotFound)
	}
	return items[0], nil
}

// Ancestors returns every transitive ancestor of a sample.
func (m *MemoryStorage) Ancestors(_ context.Context, sampleUID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := map[uuid.UUID]bool{}
	stack := []uuid.UUID{sampleUID}
	var out []uuid.UUID
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for rel := range m.relations {
			if rel.Kind != types.RelSampleChild || rel.ToUID != cur {
				continue
			}
			if seen[rel.FromUID] {
				continue
			}
			seen[rel.FromUID] = true
			out = append(out, rel.FromUID)
			stack = append(stack, rel.FromUID)
		}
	}
	return out, nil
}

// DeleteBatchItems removes a batch's items of one schema, closing over the
// dependent graph: observations on a deleted item go with it, images whose
// every sample is deleted go with it, annotations on deleted images go with
// them. A sample that still has a child outside the delete set is kept and
// moved to the project's default batch.
func (m *MemoryStorage) DeleteBatchItems(_ context.Context, batchUID, schemaUID uuid.UUID, onlyNonSelected bool, defaultBatchUID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	deleteSet := map[uuid.UUID]bool{}
	for uid, item := range m.items {
		if item.BatchUID != batchUID || item.SchemaUID != schemaUID {
			continue
		}
		if onlyNonSelected && item.Selected {
			continue
		}
		deleteSet[uid] = true
	}
	if len(deleteSet) == 0 {
		return nil
	}

	// Samples still needed by children elsewhere move to the default batch.
	for uid := range deleteSet {
		item := m.items[uid]
		if item.Kind != schema.ItemSample {
			continue
		}
		for _, child := range m.relatedItems(uid, types.RelSampleChild, true, nil) {
			if !deleteSet[child.UID] {
				delete(deleteSet, uid)
				item.BatchUID = defaultBatchUID
				item.Locked = false
				break
			}
		}
	}

	m.expandDeleteClosure(deleteSet)

	for uid := range deleteSet {
		item := m.items[uid]
		delete(m.itemsByKey, itemKey{item.DatasetUID, item.SchemaUID, item.Identifier})
		delete(m.items, uid)
	}
	for rel := range m.relations {
		if deleteSet[rel.FromUID] || deleteSet[rel.ToUID] {
			delete(m.relations, rel)
		}
	}
	return nil
}

// expandDeleteClosure grows the delete set until stable. Callers hold the
// lock.
func (m *MemoryStorage) expandDeleteClosure(deleteSet map[uuid.UUID]bool) {
	for {
		before := len(deleteSet)

		for uid := range deleteSet {
			for _, o := range m.relatedItems(uid, types.RelObservationTarget, false, nil) {
				deleteSet[o.UID] = true
			}
		}

		// An image follows its samples only when all of them are going.
		imageCandidates := map[uuid.UUID]bool{}
		for uid := range deleteSet {
			for _, img := range m.relatedItems(uid, types.RelImageSample, false, nil) {
				imageCandidates[img.UID] = true
			}
		}
		for imgUID := range imageCandidates {
			if deleteSet[imgUID] {
				continue
			}
			orphaned := true
			for _, s := range m.relatedItems(imgUID, types.RelImageSample, true, nil) {
				if !deleteSet[s.UID] {
					orphaned = false
					break
				}
			}
			if orphaned {
				deleteSet[imgUID] = true
			}
		}

		for uid := range deleteSet {
			for _, a := range m.relatedItems(uid, types.RelAnnotationImage, false, nil) {
				deleteSet[a.UID] = true
			}
		}

		if len(deleteSet) == before {
			return
		}
	}
}
