package sqlite

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/types"
)

// AddEvent appends an audit trail entry.
func (q *queries) AddEvent(ctx context.Context, ev *types.Event) error {
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO events (item_uid, event_type, actor, old_value, new_value)
		VALUES (?, ?, ?, ?, ?)
	`, ev.ItemUID.String(), string(ev.Type), ev.Actor, ev.OldValue, ev.NewValue)
	if err != nil {
		return wrapDBError("add event", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

// ListEvents returns an item's audit trail, oldest first.
func (q *queries) ListEvents(ctx context.Context, itemUID uuid.UUID) ([]*types.Event, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, item_uid, event_type, actor, old_value, new_value, created_at
		FROM events WHERE item_uid = ? ORDER BY id
	`, itemUID.String())
	if err != nil {
		return nil, wrapDBErrorf(err, "list events for %s", itemUID)
	}
	defer rows.Close()
	var events []*types.Event
	for rows.Next() {
		var (
			ev  types.Event
			uid string
		)
		if err := rows.Scan(&ev.ID, &uid, &ev.Type, &ev.Actor,
			&ev.OldValue, &ev.NewValue, &ev.Created); err != nil {
			return nil, wrapDBError("list events", err)
		}
		if ev.ItemUID, err = uuid.Parse(uid); err != nil {
			return nil, fmt.Errorf("list events: parse item uid: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}
