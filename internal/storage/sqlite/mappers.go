package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/attr"
	"github.com/histoflow/histoflow/internal/storage"
	"github.com/histoflow/histoflow/internal/types"
)

// CreateMapper inserts a mapper and its initial rules. Mapper names are
// unique; a duplicate reports ErrConflict.
func (q *queries) CreateMapper(ctx context.Context, m *types.Mapper) error {
	if err := m.Validate(); err != nil {
		return fmt.Errorf("create mapper: %w", err)
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO mappers (uid, name, attribute_schema_uid, root_attribute_schema_uid)
		VALUES (?, ?, ?, ?)
	`, m.UID.String(), m.Name, m.AttributeSchemaUID.String(), m.RootAttributeSchema.String())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("create mapper %q: %w", m.Name, storage.ErrConflict)
		}
		return wrapDBErrorf(err, "create mapper %q", m.Name)
	}
	for i, mi := range m.Items {
		mi.MapperUID = m.UID
		if mi.Position == 0 {
			mi.Position = i
		}
		if err := q.AddMappingItem(ctx, mi); err != nil {
			return err
		}
	}
	return nil
}

func (q *queries) getMapper(ctx context.Context, where string, arg any) (*types.Mapper, error) {
	var (
		m            types.Mapper
		uid, attrUID string
		rootUID      string
	)
	err := q.db.QueryRowContext(ctx, `
		SELECT uid, name, attribute_schema_uid, root_attribute_schema_uid, created
		FROM mappers WHERE `+where,
		arg).Scan(&uid, &m.Name, &attrUID, &rootUID, &m.Created)
	if err != nil {
		return nil, err
	}
	if m.UID, err = uuid.Parse(uid); err != nil {
		return nil, fmt.Errorf("parse mapper uid: %w", err)
	}
	if m.AttributeSchemaUID, err = uuid.Parse(attrUID); err != nil {
		return nil, fmt.Errorf("parse mapper attribute schema uid: %w", err)
	}
	if m.RootAttributeSchema, err = uuid.Parse(rootUID); err != nil {
		return nil, fmt.Errorf("parse mapper root schema uid: %w", err)
	}
	if m.Items, err = q.mappingItems(ctx, m.UID); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMapper retrieves a mapper with its rules.
func (q *queries) GetMapper(ctx context.Context, uid uuid.UUID) (*types.Mapper, error) {
	m, err := q.getMapper(ctx, "uid = ?", uid.String())
	if err != nil {
		return nil, wrapDBErrorf(err, "get mapper %s", uid)
	}
	return m, nil
}

// GetMapperByName retrieves a mapper by its unique name.
func (q *queries) GetMapperByName(ctx context.Context, name string) (*types.Mapper, error) {
	m, err := q.getMapper(ctx, "name = ?", name)
	if err != nil {
		return nil, wrapDBErrorf(err, "get mapper %q", name)
	}
	return m, nil
}

// ListMappers returns all mappers with their rules, by name.
func (q *queries) ListMappers(ctx context.Context) ([]*types.Mapper, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT uid FROM mappers ORDER BY name`)
	if err != nil {
		return nil, wrapDBError("list mappers", err)
	}
	var uids []uuid.UUID
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			rows.Close()
			return nil, wrapDBError("list mappers", err)
		}
		uid, err := uuid.Parse(s)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("list mappers: parse uid: %w", err)
		}
		uids = append(uids, uid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("list mappers", err)
	}
	mappers := make([]*types.Mapper, 0, len(uids))
	for _, uid := range uids {
		m, err := q.GetMapper(ctx, uid)
		if err != nil {
			return nil, err
		}
		mappers = append(mappers, m)
	}
	return mappers, nil
}

// DeleteMapper removes a mapper and, through the foreign key, its rules.
func (q *queries) DeleteMapper(ctx context.Context, uid uuid.UUID) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM mappers WHERE uid = ?`, uid.String())
	if err != nil {
		return wrapDBErrorf(err, "delete mapper %s", uid)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete mapper %s: %w", uid, storage.ErrNotFound)
	}
	return nil
}

func (q *queries) mappingItems(ctx context.Context, mapperUID uuid.UUID) ([]*types.MappingItem, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT uid, mapper_uid, expression, attribute, hits, position
		FROM mapping_items WHERE mapper_uid = ?
		ORDER BY position
	`, mapperUID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*types.MappingItem
	for rows.Next() {
		mi, err := scanMappingItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, mi)
	}
	return items, rows.Err()
}

func scanMappingItem(row rowScanner) (*types.MappingItem, error) {
	var (
		mi             types.MappingItem
		uid, mapperUID string
		attrJSON       string
	)
	err := row.Scan(&uid, &mapperUID, &mi.Expression, &attrJSON, &mi.Hits, &mi.Position)
	if err != nil {
		return nil, err
	}
	if mi.UID, err = uuid.Parse(uid); err != nil {
		return nil, fmt.Errorf("parse mapping item uid: %w", err)
	}
	if mi.MapperUID, err = uuid.Parse(mapperUID); err != nil {
		return nil, fmt.Errorf("parse mapping item mapper uid: %w", err)
	}
	var a attr.Attribute
	if err := json.Unmarshal([]byte(attrJSON), &a); err != nil {
		return nil, fmt.Errorf("decode mapping item attribute: %w", err)
	}
	mi.Attribute = &a
	return &mi, nil
}

// AddMappingItem appends a rule to a mapper. A zero Position is assigned the
// next free slot.
func (q *queries) AddMappingItem(ctx context.Context, mi *types.MappingItem) error {
	if err := mi.Validate(); err != nil {
		return fmt.Errorf("add mapping item: %w", err)
	}
	attrJSON, err := json.Marshal(mi.Attribute)
	if err != nil {
		return fmt.Errorf("add mapping item: encode attribute: %w", err)
	}
	if mi.Position == 0 {
		var next sql.NullInt64
		err := q.db.QueryRowContext(ctx,
			`SELECT MAX(position) + 1 FROM mapping_items WHERE mapper_uid = ?`,
			mi.MapperUID.String()).Scan(&next)
		if err != nil {
			return wrapDBError("add mapping item", err)
		}
		if next.Valid {
			mi.Position = int(next.Int64)
		}
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO mapping_items (uid, mapper_uid, expression, attribute, hits, position)
		VALUES (?, ?, ?, ?, ?, ?)
	`, mi.UID.String(), mi.MapperUID.String(), mi.Expression, string(attrJSON),
		mi.Hits, mi.Position)
	return wrapDBErrorf(err, "add mapping item %q", mi.Expression)
}

// UpdateMappingItem overwrites a rule's expression and replacement.
func (q *queries) UpdateMappingItem(ctx context.Context, mi *types.MappingItem) error {
	if err := mi.Validate(); err != nil {
		return fmt.Errorf("update mapping item: %w", err)
	}
	attrJSON, err := json.Marshal(mi.Attribute)
	if err != nil {
		return fmt.Errorf("update mapping item: encode attribute: %w", err)
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE mapping_items SET expression = ?, attribute = ?, hits = ?
		WHERE uid = ?
	`, mi.Expression, string(attrJSON), mi.Hits, mi.UID.String())
	if err != nil {
		return wrapDBErrorf(err, "update mapping item %s", mi.UID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update mapping item %s: %w", mi.UID, storage.ErrNotFound)
	}
	return nil
}

// DeleteMappingItem removes a single rule.
func (q *queries) DeleteMappingItem(ctx context.Context, uid uuid.UUID) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM mapping_items WHERE uid = ?`, uid.String())
	if err != nil {
		return wrapDBErrorf(err, "delete mapping item %s", uid)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete mapping item %s: %w", uid, storage.ErrNotFound)
	}
	return nil
}

// IncrementMappingHits bumps a rule's hit counter by one.
func (q *queries) IncrementMappingHits(ctx context.Context, uid uuid.UUID) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE mapping_items SET hits = hits + 1 WHERE uid = ?`, uid.String())
	if err != nil {
		return wrapDBErrorf(err, "increment mapping hits %s", uid)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("increment mapping hits %s: %w", uid, storage.ErrNotFound)
	}
	return nil
}

// CreateMapperGroup inserts a group and its member links.
func (q *queries) CreateMapperGroup(ctx context.Context, g *types.MapperGroup) error {
	if g.Name == "" {
		return fmt.Errorf("create mapper group: name is required")
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO mapper_groups (uid, name) VALUES (?, ?)`,
		g.UID.String(), g.Name)
	if err != nil {
		return wrapDBErrorf(err, "create mapper group %q", g.Name)
	}
	for _, mUID := range g.MapperUIDs {
		if err := q.AddMapperToGroup(ctx, g.UID, mUID); err != nil {
			return err
		}
	}
	return nil
}

// GetMapperGroup retrieves a group with its member uids.
func (q *queries) GetMapperGroup(ctx context.Context, uid uuid.UUID) (*types.MapperGroup, error) {
	var (
		g      types.MapperGroup
		uidStr string
	)
	err := q.db.QueryRowContext(ctx,
		`SELECT uid, name FROM mapper_groups WHERE uid = ?`,
		uid.String()).Scan(&uidStr, &g.Name)
	if err != nil {
		return nil, wrapDBErrorf(err, "get mapper group %s", uid)
	}
	if g.UID, err = uuid.Parse(uidStr); err != nil {
		return nil, fmt.Errorf("parse mapper group uid: %w", err)
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT m.uid FROM mapper_group_members gm
		JOIN mappers m ON m.uid = gm.mapper_uid
		WHERE gm.group_uid = ? ORDER BY m.name
	`, uid.String())
	if err != nil {
		return nil, wrapDBErrorf(err, "get mapper group %s", uid)
	}
	defer rows.Close()
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, wrapDBErrorf(err, "get mapper group %s", uid)
		}
		mUID, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("get mapper group %s: parse member uid: %w", uid, err)
		}
		g.MapperUIDs = append(g.MapperUIDs, mUID)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapDBErrorf(err, "get mapper group %s", uid)
	}
	return &g, nil
}

// AddMapperToGroup links a mapper into a group; duplicates are no-ops.
func (q *queries) AddMapperToGroup(ctx context.Context, groupUID, mapperUID uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO mapper_group_members (group_uid, mapper_uid) VALUES (?, ?)
		ON CONFLICT (group_uid, mapper_uid) DO NOTHING
	`, groupUID.String(), mapperUID.String())
	return wrapDBErrorf(err, "add mapper %s to group %s", mapperUID, groupUID)
}
