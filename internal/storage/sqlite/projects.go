package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/storage"
	"github.com/histoflow/histoflow/internal/types"
)

// CreateProject inserts a new project row.
func (q *queries) CreateProject(ctx context.Context, p *types.Project) error {
	attrsJSON, err := marshalAttrs(p.Attributes)
	if err != nil {
		return fmt.Errorf("create project: encode attributes: %w", err)
	}
	groupsJSON, err := marshalUIDs(p.MapperGroupUIDs)
	if err != nil {
		return fmt.Errorf("create project: encode mapper groups: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO projects (uid, name, status, root_schema_uid, schema_uid,
			dataset_uid, default_batch_uid, locked, attributes, mapper_group_uids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.UID.String(), p.Name, string(p.Status), p.RootSchemaUID.String(),
		p.SchemaUID.String(), p.DatasetUID.String(), p.DefaultBatchUID.String(),
		p.Locked, attrsJSON, groupsJSON)
	return wrapDBErrorf(err, "create project %q", p.Name)
}

func scanProject(row rowScanner) (*types.Project, error) {
	var (
		p                       types.Project
		uid, rootUID, schemaUID string
		datasetUID, defBatchUID string
		attrsJSON, groupsJSON   string
	)
	err := row.Scan(&uid, &p.Name, &p.Status, &rootUID, &schemaUID,
		&datasetUID, &defBatchUID, &p.Locked, &attrsJSON, &groupsJSON, &p.Created)
	if err != nil {
		return nil, err
	}
	if p.UID, err = uuid.Parse(uid); err != nil {
		return nil, fmt.Errorf("parse project uid: %w", err)
	}
	if p.RootSchemaUID, err = uuid.Parse(rootUID); err != nil {
		return nil, fmt.Errorf("parse root schema uid: %w", err)
	}
	if p.SchemaUID, err = uuid.Parse(schemaUID); err != nil {
		return nil, fmt.Errorf("parse schema uid: %w", err)
	}
	if p.DatasetUID, err = uuid.Parse(datasetUID); err != nil {
		return nil, fmt.Errorf("parse dataset uid: %w", err)
	}
	if defBatchUID != "" {
		if p.DefaultBatchUID, err = uuid.Parse(defBatchUID); err != nil {
			return nil, fmt.Errorf("parse default batch uid: %w", err)
		}
	}
	if p.Attributes, err = unmarshalAttrs(attrsJSON); err != nil {
		return nil, fmt.Errorf("decode project attributes: %w", err)
	}
	if p.MapperGroupUIDs, err = unmarshalUIDs(groupsJSON); err != nil {
		return nil, fmt.Errorf("decode mapper group uids: %w", err)
	}
	return &p, nil
}

const projectColumns = `uid, name, status, root_schema_uid, schema_uid,
	dataset_uid, default_batch_uid, locked, attributes, mapper_group_uids, created`

// GetProject retrieves a project by uid.
func (q *queries) GetProject(ctx context.Context, uid uuid.UUID) (*types.Project, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE uid = ?`, uid.String())
	p, err := scanProject(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "get project %s", uid)
	}
	return p, nil
}

// ListProjects returns all projects, newest first.
func (q *queries) ListProjects(ctx context.Context) ([]*types.Project, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY created DESC, name`)
	if err != nil {
		return nil, wrapDBError("list projects", err)
	}
	defer rows.Close()
	var projects []*types.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, wrapDBError("list projects", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProject overwrites the mutable project fields. Status changes go
// through SetProjectStatus, never through here.
func (q *queries) UpdateProject(ctx context.Context, p *types.Project) error {
	attrsJSON, err := marshalAttrs(p.Attributes)
	if err != nil {
		return fmt.Errorf("update project: encode attributes: %w", err)
	}
	groupsJSON, err := marshalUIDs(p.MapperGroupUIDs)
	if err != nil {
		return fmt.Errorf("update project: encode mapper groups: %w", err)
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE projects SET name = ?, default_batch_uid = ?, locked = ?,
			attributes = ?, mapper_group_uids = ?
		WHERE uid = ?
	`, p.Name, p.DefaultBatchUID.String(), p.Locked, attrsJSON, groupsJSON,
		p.UID.String())
	if err != nil {
		return wrapDBErrorf(err, "update project %s", p.UID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update project %s: %w", p.UID, storage.ErrNotFound)
	}
	return nil
}

// SetProjectStatus advances a project's status only when it currently holds
// the expected one. A stale expectation reports ErrNotAllowed, which is how
// concurrent finalizers decide exactly one of them won.
func (q *queries) SetProjectStatus(ctx context.Context, uid uuid.UUID, from, to types.ProjectStatus) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE projects SET status = ? WHERE uid = ? AND status = ?`,
		string(to), uid.String(), string(from))
	if err != nil {
		return wrapDBErrorf(err, "set project status %s", uid)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var current string
		err := q.db.QueryRowContext(ctx,
			`SELECT status FROM projects WHERE uid = ?`, uid.String()).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("set project status %s: %w", uid, storage.ErrNotFound)
		}
		if err != nil {
			return wrapDBErrorf(err, "set project status %s", uid)
		}
		return fmt.Errorf("project %s is %s, not %s: %w", uid, current, from, storage.ErrNotAllowed)
	}
	return nil
}

// CreateDataset inserts a new dataset row.
func (q *queries) CreateDataset(ctx context.Context, d *types.Dataset) error {
	attrsJSON, err := marshalAttrs(d.Attributes)
	if err != nil {
		return fmt.Errorf("create dataset: encode attributes: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO datasets (uid, name, schema_uid, attributes, valid_attributes)
		VALUES (?, ?, ?, ?, ?)
	`, d.UID.String(), d.Name, d.SchemaUID.String(), attrsJSON,
		nullBool(d.ValidAttributes))
	return wrapDBErrorf(err, "create dataset %q", d.Name)
}

// GetDataset retrieves a dataset by uid.
func (q *queries) GetDataset(ctx context.Context, uid uuid.UUID) (*types.Dataset, error) {
	var (
		d          types.Dataset
		uidStr     string
		schemaUID  string
		attrsJSON  string
		validAttrs sql.NullBool
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT uid, name, schema_uid, attributes, valid_attributes
		FROM datasets WHERE uid = ?
	`, uid.String()).Scan(&uidStr, &d.Name, &schemaUID, &attrsJSON, &validAttrs)
	if err != nil {
		return nil, wrapDBErrorf(err, "get dataset %s", uid)
	}
	if d.UID, err = uuid.Parse(uidStr); err != nil {
		return nil, fmt.Errorf("parse dataset uid: %w", err)
	}
	if d.SchemaUID, err = uuid.Parse(schemaUID); err != nil {
		return nil, fmt.Errorf("parse dataset schema uid: %w", err)
	}
	if d.Attributes, err = unmarshalAttrs(attrsJSON); err != nil {
		return nil, fmt.Errorf("decode dataset attributes: %w", err)
	}
	d.ValidAttributes = fromNullBool(validAttrs)
	return &d, nil
}

// UpdateDataset overwrites the mutable dataset fields.
func (q *queries) UpdateDataset(ctx context.Context, d *types.Dataset) error {
	attrsJSON, err := marshalAttrs(d.Attributes)
	if err != nil {
		return fmt.Errorf("update dataset: encode attributes: %w", err)
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE datasets SET name = ?, attributes = ?, valid_attributes = ?
		WHERE uid = ?
	`, d.Name, attrsJSON, nullBool(d.ValidAttributes), d.UID.String())
	if err != nil {
		return wrapDBErrorf(err, "update dataset %s", d.UID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update dataset %s: %w", d.UID, storage.ErrNotFound)
	}
	return nil
}

// CreateBatch inserts a new batch row.
func (q *queries) CreateBatch(ctx context.Context, b *types.Batch) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO batches (uid, name, project_uid, status, is_default)
		VALUES (?, ?, ?, ?, ?)
	`, b.UID.String(), b.Name, b.ProjectUID.String(), string(b.Status), b.IsDefault)
	return wrapDBErrorf(err, "create batch %q", b.Name)
}

func scanBatch(row rowScanner) (*types.Batch, error) {
	var (
		b               types.Batch
		uid, projectUID string
	)
	err := row.Scan(&uid, &b.Name, &projectUID, &b.Status, &b.IsDefault, &b.Created)
	if err != nil {
		return nil, err
	}
	if b.UID, err = uuid.Parse(uid); err != nil {
		return nil, fmt.Errorf("parse batch uid: %w", err)
	}
	if b.ProjectUID, err = uuid.Parse(projectUID); err != nil {
		return nil, fmt.Errorf("parse batch project uid: %w", err)
	}
	return &b, nil
}

// GetBatch retrieves a batch by uid.
func (q *queries) GetBatch(ctx context.Context, uid uuid.UUID) (*types.Batch, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT uid, name, project_uid, status, is_default, created
		FROM batches WHERE uid = ?
	`, uid.String())
	b, err := scanBatch(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "get batch %s", uid)
	}
	return b, nil
}

// ListBatches returns a project's batches in creation order.
func (q *queries) ListBatches(ctx context.Context, projectUID uuid.UUID) ([]*types.Batch, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT uid, name, project_uid, status, is_default, created
		FROM batches WHERE project_uid = ? ORDER BY created, name
	`, projectUID.String())
	if err != nil {
		return nil, wrapDBError("list batches", err)
	}
	defer rows.Close()
	var batches []*types.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, wrapDBError("list batches", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// SetBatchStatus advances a batch's status only when it currently holds the
// expected one, otherwise ErrNotAllowed. Every pipeline worker that finishes
// the last image of a phase races through here; the conditional update makes
// exactly one of them the batch finalizer.
func (q *queries) SetBatchStatus(ctx context.Context, uid uuid.UUID, from, to types.BatchStatus) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE batches SET status = ? WHERE uid = ? AND status = ?`,
		string(to), uid.String(), string(from))
	if err != nil {
		return wrapDBErrorf(err, "set batch status %s", uid)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var current string
		err := q.db.QueryRowContext(ctx,
			`SELECT status FROM batches WHERE uid = ?`, uid.String()).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("set batch status %s: %w", uid, storage.ErrNotFound)
		}
		if err != nil {
			return wrapDBErrorf(err, "set batch status %s", uid)
		}
		return fmt.Errorf("batch %s is %s, not %s: %w", uid, current, from, storage.ErrNotAllowed)
	}
	return nil
}

// CountImagesInStatuses counts a batch's images currently in any of the
// given statuses.
func (q *queries) CountImagesInStatuses(ctx context.Context, batchUID uuid.UUID, statuses []types.ImageStatus, selectedOnly bool) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	ph, sargs := statusPlaceholders(statuses)
	query := `SELECT COUNT(*) FROM items WHERE batch_uid = ? AND kind = 'image' AND status IN (` + ph + `)`
	args := append([]any{batchUID.String()}, sargs...)
	if selectedOnly {
		query += ` AND selected = 1`
	}
	var count int
	if err := q.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, wrapDBErrorf(err, "count images in batch %s", batchUID)
	}
	return count, nil
}
