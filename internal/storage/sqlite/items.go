package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/storage"
	"github.com/histoflow/histoflow/internal/types"
)

const itemColumns = `uid, kind, identifier, name, pseudonym, selected, locked,
	schema_uid, dataset_uid, batch_uid, valid_attributes, valid_relations,
	attributes, private_attributes, status, status_message, folder_path,
	thumbnail_path, format, files, created`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*types.Item, error) {
	var (
		item                 types.Item
		uid, schemaUID       string
		datasetUID, batchUID string
		validAttrs, validRel sql.NullBool
		attrsJSON, privJSON  string
		filesJSON            string
	)
	err := row.Scan(
		&uid, &item.Kind, &item.Identifier, &item.Name, &item.Pseudonym,
		&item.Selected, &item.Locked, &schemaUID, &datasetUID, &batchUID,
		&validAttrs, &validRel, &attrsJSON, &privJSON,
		&item.Status, &item.StatusMessage, &item.FolderPath,
		&item.ThumbnailPath, &item.Format, &filesJSON, &item.Created,
	)
	if err != nil {
		return nil, err
	}
	if item.UID, err = uuid.Parse(uid); err != nil {
		return nil, fmt.Errorf("parse item uid: %w", err)
	}
	if item.SchemaUID, err = uuid.Parse(schemaUID); err != nil {
		return nil, fmt.Errorf("parse schema uid: %w", err)
	}
	if item.DatasetUID, err = uuid.Parse(datasetUID); err != nil {
		return nil, fmt.Errorf("parse dataset uid: %w", err)
	}
	if item.BatchUID, err = uuid.Parse(batchUID); err != nil {
		return nil, fmt.Errorf("parse batch uid: %w", err)
	}
	item.ValidAttributes = fromNullBool(validAttrs)
	item.ValidRelations = fromNullBool(validRel)
	if item.Attributes, err = unmarshalAttrs(attrsJSON); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	if item.PrivateAttributes, err = unmarshalAttrs(privJSON); err != nil {
		return nil, fmt.Errorf("decode private attributes: %w", err)
	}
	if item.Files, err = unmarshalFiles(filesJSON); err != nil {
		return nil, fmt.Errorf("decode files: %w", err)
	}
	return &item, nil
}

func scanItems(rows *sql.Rows) ([]*types.Item, error) {
	defer rows.Close()
	var items []*types.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// AddItem inserts an item or, when (dataset_uid, schema_uid, identifier)
// already exists, returns the stored item unchanged. Re-ingesting the same
// source data is therefore a no-op.
func (q *queries) AddItem(ctx context.Context, item *types.Item) (*types.Item, error) {
	if err := item.Validate(); err != nil {
		return nil, fmt.Errorf("add item: %w", err)
	}
	attrsJSON, err := marshalAttrs(item.Attributes)
	if err != nil {
		return nil, fmt.Errorf("add item: encode attributes: %w", err)
	}
	privJSON, err := marshalAttrs(item.PrivateAttributes)
	if err != nil {
		return nil, fmt.Errorf("add item: encode private attributes: %w", err)
	}
	filesJSON, err := marshalFiles(item.Files)
	if err != nil {
		return nil, fmt.Errorf("add item: encode files: %w", err)
	}

	res, err := q.db.ExecContext(ctx, `
		INSERT INTO items (uid, kind, identifier, name, pseudonym, selected,
			locked, schema_uid, dataset_uid, batch_uid, valid_attributes,
			valid_relations, attributes, private_attributes, status,
			status_message, folder_path, thumbnail_path, format, files)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dataset_uid, schema_uid, identifier) DO NOTHING
	`,
		item.UID.String(), string(item.Kind), item.Identifier, item.Name,
		item.Pseudonym, item.Selected, item.Locked,
		item.SchemaUID.String(), item.DatasetUID.String(), item.BatchUID.String(),
		nullBool(item.ValidAttributes), nullBool(item.ValidRelations),
		attrsJSON, privJSON, string(item.Status), item.StatusMessage,
		item.FolderPath, item.ThumbnailPath, item.Format, filesJSON,
	)
	if err != nil {
		return nil, wrapDBError("add item", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return q.GetItemByIdentifier(ctx, item.DatasetUID, item.SchemaUID, item.Identifier)
	}
	return q.GetItem(ctx, item.UID)
}

// GetItem retrieves an item by uid.
func (q *queries) GetItem(ctx context.Context, uid uuid.UUID) (*types.Item, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE uid = ?`, uid.String())
	item, err := scanItem(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "get item %s", uid)
	}
	return item, nil
}

// GetItemByIdentifier retrieves an item by its natural key.
func (q *queries) GetItemByIdentifier(ctx context.Context, datasetUID, schemaUID uuid.UUID, identifier string) (*types.Item, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+` FROM items
		WHERE dataset_uid = ? AND schema_uid = ? AND identifier = ?
	`, datasetUID.String(), schemaUID.String(), identifier)
	item, err := scanItem(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "get item %q", identifier)
	}
	return item, nil
}

// UpdateItem overwrites the mutable fields of an item. Locked items only
// accept status and file updates through the dedicated methods, never a
// full overwrite.
func (q *queries) UpdateItem(ctx context.Context, item *types.Item) error {
	current, err := q.GetItem(ctx, item.UID)
	if err != nil {
		return err
	}
	if current.Locked {
		return fmt.Errorf("update item %s: %w", item.UID, storage.ErrLocked)
	}
	attrsJSON, err := marshalAttrs(item.Attributes)
	if err != nil {
		return fmt.Errorf("update item: encode attributes: %w", err)
	}
	privJSON, err := marshalAttrs(item.PrivateAttributes)
	if err != nil {
		return fmt.Errorf("update item: encode private attributes: %w", err)
	}
	filesJSON, err := marshalFiles(item.Files)
	if err != nil {
		return fmt.Errorf("update item: encode files: %w", err)
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE items SET
			name = ?, pseudonym = ?, selected = ?, locked = ?,
			batch_uid = ?, valid_attributes = ?, valid_relations = ?,
			attributes = ?, private_attributes = ?, status = ?,
			status_message = ?, folder_path = ?, thumbnail_path = ?,
			format = ?, files = ?
		WHERE uid = ?
	`,
		item.Name, item.Pseudonym, item.Selected, item.Locked,
		item.BatchUID.String(), nullBool(item.ValidAttributes),
		nullBool(item.ValidRelations), attrsJSON, privJSON,
		string(item.Status), item.StatusMessage, item.FolderPath,
		item.ThumbnailPath, item.Format, filesJSON, item.UID.String(),
	)
	if err != nil {
		return wrapDBErrorf(err, "update item %s", item.UID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update item %s: %w", item.UID, storage.ErrNotFound)
	}
	return nil
}

// SetSelected toggles an item's selection flag.
func (q *queries) SetSelected(ctx context.Context, uid uuid.UUID, selected bool) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE items SET selected = ? WHERE uid = ? AND locked = 0`,
		selected, uid.String())
	if err != nil {
		return wrapDBErrorf(err, "set selected %s", uid)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return q.explainItemWriteMiss(ctx, uid, "set selected")
	}
	return nil
}

// SetItemValidity records validation results. Nil pointers leave the
// corresponding flag untouched.
func (q *queries) SetItemValidity(ctx context.Context, uid uuid.UUID, validAttributes, validRelations *bool) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE items SET
			valid_attributes = COALESCE(?, valid_attributes),
			valid_relations = COALESCE(?, valid_relations)
		WHERE uid = ?
	`, nullBool(validAttributes), nullBool(validRelations), uid.String())
	if err != nil {
		return wrapDBErrorf(err, "set item validity %s", uid)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set item validity %s: %w", uid, storage.ErrNotFound)
	}
	return nil
}

// SetImageStatus updates the pipeline status and status message of an image.
// Status changes apply to locked images too, because the pipeline keeps
// running after the project's metadata freezes.
func (q *queries) SetImageStatus(ctx context.Context, uid uuid.UUID, status types.ImageStatus, message string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE items SET status = ?, status_message = ? WHERE uid = ?`,
		string(status), message, uid.String())
	if err != nil {
		return wrapDBErrorf(err, "set image status %s", uid)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set image status %s: %w", uid, storage.ErrNotFound)
	}
	return nil
}

// UpdateImageFiles records the on-disk state of an image after a pipeline
// step: download folder, produced files, thumbnail, detected format.
func (q *queries) UpdateImageFiles(ctx context.Context, uid uuid.UUID, folderPath string, files []types.ImageFile, thumbnailPath, format string) error {
	filesJSON, err := marshalFiles(files)
	if err != nil {
		return fmt.Errorf("update image files: encode files: %w", err)
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE items SET folder_path = ?, files = ?, thumbnail_path = ?, format = ?
		WHERE uid = ?
	`, folderPath, filesJSON, thumbnailPath, format, uid.String())
	if err != nil {
		return wrapDBErrorf(err, "update image files %s", uid)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update image files %s: %w", uid, storage.ErrNotFound)
	}
	return nil
}

// LockBatchItems locks every item of a batch, freezing their attributes.
func (q *queries) LockBatchItems(ctx context.Context, batchUID uuid.UUID) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE items SET locked = 1 WHERE batch_uid = ?`, batchUID.String())
	return wrapDBErrorf(err, "lock batch items %s", batchUID)
}

// explainItemWriteMiss distinguishes a missing item from a locked one after
// a guarded UPDATE touched zero rows.
func (q *queries) explainItemWriteMiss(ctx context.Context, uid uuid.UUID, op string) error {
	var locked bool
	err := q.db.QueryRowContext(ctx,
		`SELECT locked FROM items WHERE uid = ?`, uid.String()).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", op, uid, storage.ErrNotFound)
	}
	if err != nil {
		return wrapDBErrorf(err, "%s %s", op, uid)
	}
	if locked {
		return fmt.Errorf("%s %s: %w", op, uid, storage.ErrLocked)
	}
	return fmt.Errorf("%s %s: no rows updated", op, uid)
}

// ListItems returns a filtered, sorted page of items plus the total count
// matching the filter (ignoring Offset/Limit).
func (q *queries) ListItems(ctx context.Context, filter types.ItemFilter) ([]*types.Item, int, error) {
	where, args := buildItemWhere(filter)

	var total int
	countQuery := `SELECT COUNT(*) FROM items` + where
	if err := q.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, wrapDBError("count items", err)
	}

	query := `SELECT ` + itemColumns + ` FROM items` + where + itemOrder(filter)
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", filter.Limit, filter.Offset)
	} else if filter.Offset > 0 {
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", filter.Offset)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, wrapDBError("list items", err)
	}
	items, err := scanItems(rows)
	if err != nil {
		return nil, 0, wrapDBError("list items", err)
	}
	return items, total, nil
}

func buildItemWhere(filter types.ItemFilter) (string, []any) {
	var conds []string
	var args []any

	if filter.SchemaUID != nil {
		conds = append(conds, "schema_uid = ?")
		args = append(args, filter.SchemaUID.String())
	}
	if filter.DatasetUID != nil {
		conds = append(conds, "dataset_uid = ?")
		args = append(args, filter.DatasetUID.String())
	}
	if filter.BatchUID != nil {
		conds = append(conds, "batch_uid = ?")
		args = append(args, filter.BatchUID.String())
	}
	if filter.Kind != nil {
		conds = append(conds, "kind = ?")
		args = append(args, string(*filter.Kind))
	}
	if filter.IdentifierContains != "" {
		conds = append(conds, "identifier LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(filter.IdentifierContains)+"%")
	}
	if filter.Selected != nil {
		conds = append(conds, "selected = ?")
		args = append(args, *filter.Selected)
	}
	if filter.Valid != nil {
		if *filter.Valid {
			conds = append(conds, "valid_attributes = 1 AND valid_relations = 1")
		} else {
			conds = append(conds, "(valid_attributes IS NOT 1 OR valid_relations IS NOT 1)")
		}
	}
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if len(filter.Statuses) > 0 {
		ph, sargs := statusPlaceholders(filter.Statuses)
		conds = append(conds, "status IN ("+ph+")")
		args = append(args, sargs...)
	}
	// Attribute filters match rendered display values through the stored
	// JSON, one json_extract per tag.
	for tag, substr := range filter.AttributeFilters {
		conds = append(conds,
			"json_extract(attributes, '$.\""+strings.ReplaceAll(tag, `"`, "")+"\".display_value') LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(substr)+"%")
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func itemOrder(filter types.ItemFilter) string {
	col := "identifier"
	switch filter.SortBy {
	case types.SortCreated:
		col = "created"
	case types.SortStatus:
		col = "status"
	}
	dir := "ASC"
	if filter.SortDesc {
		dir = "DESC"
	}
	// Secondary identifier sort keeps pagination stable.
	if col == "identifier" {
		return " ORDER BY identifier " + dir
	}
	return " ORDER BY " + col + " " + dir + ", identifier ASC"
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}
