package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/schema"
	"github.com/histoflow/histoflow/internal/storage"
	"github.com/histoflow/histoflow/internal/types"
)

// AddRelation inserts a directed edge. Sample edges are checked against the
// existing graph first: an edge whose child already reaches the parent would
// close a cycle and is rejected with ErrCycle. Inserting an existing edge is
// a no-op.
func (q *queries) AddRelation(ctx context.Context, rel types.Relation) error {
	if !rel.Kind.IsValid() {
		return fmt.Errorf("add relation: invalid kind %q", rel.Kind)
	}
	if rel.FromUID == rel.ToUID {
		return fmt.Errorf("add relation: %w: self reference", storage.ErrCycle)
	}
	if rel.Kind == types.RelSampleChild {
		reaches, err := q.sampleReaches(ctx, rel.ToUID, rel.FromUID)
		if err != nil {
			return wrapDBError("add relation", err)
		}
		if reaches {
			return fmt.Errorf("add relation %s -> %s: %w", rel.FromUID, rel.ToUID, storage.ErrCycle)
		}
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO relations (from_uid, to_uid, kind) VALUES (?, ?, ?)
		ON CONFLICT (from_uid, to_uid, kind) DO NOTHING
	`, rel.FromUID.String(), rel.ToUID.String(), string(rel.Kind))
	return wrapDBError("add relation", err)
}

// sampleReaches reports whether dst is reachable from src over sample-child
// edges, walking parent to child.
func (q *queries) sampleReaches(ctx context.Context, src, dst uuid.UUID) (bool, error) {
	var count int
	err := q.db.QueryRowContext(ctx, `
		WITH RECURSIVE reachable(uid) AS (
			SELECT to_uid FROM relations
			WHERE from_uid = ? AND kind = 'sample-child'
			UNION
			SELECT r.to_uid FROM relations r
			JOIN reachable re ON r.from_uid = re.uid
			WHERE r.kind = 'sample-child'
		)
		SELECT COUNT(*) FROM reachable WHERE uid = ?
	`, src.String(), dst.String()).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// RemoveRelation deletes an edge; missing edges report ErrNotFound.
func (q *queries) RemoveRelation(ctx context.Context, rel types.Relation) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM relations WHERE from_uid = ? AND to_uid = ? AND kind = ?`,
		rel.FromUID.String(), rel.ToUID.String(), string(rel.Kind))
	if err != nil {
		return wrapDBError("remove relation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("remove relation %s -> %s: %w", rel.FromUID, rel.ToUID, storage.ErrNotFound)
	}
	return nil
}

// relatedItems fetches the items on the far side of edges of one kind.
// forward follows from_uid = uid; otherwise to_uid = uid.
func (q *queries) relatedItems(ctx context.Context, uid uuid.UUID, kind types.RelationKind, forward bool, schemaUID *uuid.UUID) ([]*types.Item, error) {
	join := "i.uid = r.to_uid AND r.from_uid = ?"
	if !forward {
		join = "i.uid = r.from_uid AND r.to_uid = ?"
	}
	query := `SELECT ` + itemColumnsQualified + ` FROM items i
		JOIN relations r ON ` + join + ` AND r.kind = ?`
	args := []any{uid.String(), string(kind)}
	if schemaUID != nil {
		query += ` WHERE i.schema_uid = ?`
		args = append(args, schemaUID.String())
	}
	query += ` ORDER BY i.identifier`
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanItems(rows)
}

const itemColumnsQualified = `i.uid, i.kind, i.identifier, i.name, i.pseudonym,
	i.selected, i.locked, i.schema_uid, i.dataset_uid, i.batch_uid,
	i.valid_attributes, i.valid_relations, i.attributes, i.private_attributes,
	i.status, i.status_message, i.folder_path, i.thumbnail_path, i.format,
	i.files, i.created`

// Children returns the direct children of a sample.
func (q *queries) Children(ctx context.Context, sampleUID uuid.UUID, childSchemaUID *uuid.UUID) ([]*types.Item, error) {
	items, err := q.relatedItems(ctx, sampleUID, types.RelSampleChild, true, childSchemaUID)
	return items, wrapDBErrorf(err, "children of %s", sampleUID)
}

// Parents returns the direct parents of a sample.
func (q *queries) Parents(ctx context.Context, sampleUID uuid.UUID, parentSchemaUID *uuid.UUID) ([]*types.Item, error) {
	items, err := q.relatedItems(ctx, sampleUID, types.RelSampleChild, false, parentSchemaUID)
	return items, wrapDBErrorf(err, "parents of %s", sampleUID)
}

// ImagesForSample returns the images attached to a sample.
func (q *queries) ImagesForSample(ctx context.Context, sampleUID uuid.UUID, imageSchemaUID *uuid.UUID) ([]*types.Item, error) {
	items, err := q.relatedItems(ctx, sampleUID, types.RelImageSample, false, imageSchemaUID)
	return items, wrapDBErrorf(err, "images for sample %s", sampleUID)
}

// SamplesForImage returns the samples an image depicts.
func (q *queries) SamplesForImage(ctx context.Context, imageUID uuid.UUID) ([]*types.Item, error) {
	items, err := q.relatedItems(ctx, imageUID, types.RelImageSample, true, nil)
	return items, wrapDBErrorf(err, "samples for image %s", imageUID)
}

// ObservationsFor returns the observations targeting an item.
func (q *queries) ObservationsFor(ctx context.Context, targetUID uuid.UUID) ([]*types.Item, error) {
	items, err := q.relatedItems(ctx, targetUID, types.RelObservationTarget, false, nil)
	return items, wrapDBErrorf(err, "observations for %s", targetUID)
}

// ObservationTarget returns the single item an observation is about.
func (q *queries) ObservationTarget(ctx context.Context, observationUID uuid.UUID) (*types.Item, error) {
	items, err := q.relatedItems(ctx, observationUID, types.RelObservationTarget, true, nil)
	if err != nil {
		return nil, wrapDBErrorf(err, "observation target of %s", observationUID)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("observation target of %s: %w", observationUID, storage.ErrNotFound)
	}
	return items[0], nil
}

// AnnotationImage returns the image an annotation belongs to.
func (q *queries) AnnotationImage(ctx context.Context, annotationUID uuid.UUID) (*types.Item, error) {
	items, err := q.relatedItems(ctx, annotationUID, types.RelAnnotationImage, true, nil)
	if err != nil {
		return nil, wrapDBErrorf(err, "annotation image of %s", annotationUID)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("annotation image of %s: %w", annotationUID, storage.ErrNotFound)
	}
	return items[0], nil
}

// Ancestors returns every transitive ancestor of a sample, nearest first is
// not guaranteed.
func (q *queries) Ancestors(ctx context.Context, sampleUID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := q.db.QueryContext(ctx, `
		WITH RECURSIVE anc(uid) AS (
			SELECT from_uid FROM relations
			WHERE to_uid = ? AND kind = 'sample-child'
			UNION
			SELECT r.from_uid FROM relations r
			JOIN anc a ON r.to_uid = a.uid
			WHERE r.kind = 'sample-child'
		)
		SELECT uid FROM anc
	`, sampleUID.String())
	if err != nil {
		return nil, wrapDBErrorf(err, "ancestors of %s", sampleUID)
	}
	defer rows.Close()
	var uids []uuid.UUID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		uid, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("ancestors of %s: parse uid: %w", sampleUID, err)
		}
		uids = append(uids, uid)
	}
	return uids, rows.Err()
}

// DeleteBatchItems removes a batch's items of one schema. The delete closes
// over the dependent graph: observations on a deleted item go with it,
// images whose every sample is deleted go with it, annotations on deleted
// images go with them. A sample that still has a child outside the delete
// set is kept and moved to the project's default batch so the graph stays
// connected.
func (q *queries) DeleteBatchItems(ctx context.Context, batchUID, schemaUID uuid.UUID, onlyNonSelected bool, defaultBatchUID uuid.UUID) error {
	query := `SELECT uid, kind FROM items WHERE batch_uid = ? AND schema_uid = ?`
	args := []any{batchUID.String(), schemaUID.String()}
	if onlyNonSelected {
		query += ` AND selected = 0`
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return wrapDBError("delete batch items", err)
	}
	deleteSet := map[uuid.UUID]bool{}
	kinds := map[uuid.UUID]schema.ItemKind{}
	for rows.Next() {
		var s, k string
		if err := rows.Scan(&s, &k); err != nil {
			rows.Close()
			return wrapDBError("delete batch items", err)
		}
		uid, err := uuid.Parse(s)
		if err != nil {
			rows.Close()
			return fmt.Errorf("delete batch items: parse uid: %w", err)
		}
		deleteSet[uid] = true
		kinds[uid] = schema.ItemKind(k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return wrapDBError("delete batch items", err)
	}
	if len(deleteSet) == 0 {
		return nil
	}

	// Samples still needed by children elsewhere move to the default batch.
	var reassign []uuid.UUID
	for uid := range deleteSet {
		if kinds[uid] != schema.ItemSample {
			continue
		}
		children, err := q.Children(ctx, uid, nil)
		if err != nil {
			return err
		}
		for _, child := range children {
			if !deleteSet[child.UID] {
				reassign = append(reassign, uid)
				break
			}
		}
	}
	for _, uid := range reassign {
		delete(deleteSet, uid)
		if _, err := q.db.ExecContext(ctx,
			`UPDATE items SET batch_uid = ?, locked = 0 WHERE uid = ?`,
			defaultBatchUID.String(), uid.String()); err != nil {
			return wrapDBErrorf(err, "reassign sample %s", uid)
		}
	}

	if err := q.expandDeleteClosure(ctx, deleteSet); err != nil {
		return err
	}

	uids := make([]string, 0, len(deleteSet))
	for uid := range deleteSet {
		uids = append(uids, uid.String())
	}
	for start := 0; start < len(uids); start += 500 {
		end := min(start+500, len(uids))
		chunk := uids[start:end]
		ph := strings.Repeat("?, ", len(chunk)-1) + "?"
		cargs := make([]any, len(chunk))
		for i, u := range chunk {
			cargs[i] = u
		}
		if _, err := q.db.ExecContext(ctx,
			`DELETE FROM items WHERE uid IN (`+ph+`)`, cargs...); err != nil {
			return wrapDBError("delete batch items", err)
		}
	}
	return nil
}

// expandDeleteClosure grows the delete set until stable: dependent
// observations, fully orphaned images, and annotations on deleted images.
func (q *queries) expandDeleteClosure(ctx context.Context, deleteSet map[uuid.UUID]bool) error {
	for {
		before := len(deleteSet)

		for uid := range deleteSet {
			obs, err := q.ObservationsFor(ctx, uid)
			if err != nil {
				return err
			}
			for _, o := range obs {
				deleteSet[o.UID] = true
			}
		}

		// An image follows its samples only when all of them are going.
		imageCandidates := map[uuid.UUID]bool{}
		for uid := range deleteSet {
			images, err := q.ImagesForSample(ctx, uid, nil)
			if err != nil {
				return err
			}
			for _, img := range images {
				imageCandidates[img.UID] = true
			}
		}
		for imgUID := range imageCandidates {
			if deleteSet[imgUID] {
				continue
			}
			samples, err := q.SamplesForImage(ctx, imgUID)
			if err != nil {
				return err
			}
			orphaned := true
			for _, s := range samples {
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
			annotations, err := q.relatedItems(ctx, uid, types.RelAnnotationImage, false, nil)
			if err != nil {
				return wrapDBError("delete batch items", err)
			}
			for _, a := range annotations {
				deleteSet[a.UID] = true
			}
		}

		if len(deleteSet) == before {
			return nil
		}
	}
}
