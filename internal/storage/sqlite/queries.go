package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/histoflow/histoflow/internal/attr"
	"github.com/histoflow/histoflow/internal/types"
)

// dbtx abstracts *sql.DB and *sql.Conn so the same query implementations
// serve both the pooled store and a dedicated transaction connection.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds every query implementation over a dbtx.
type queries struct {
	db dbtx
}

// nullBool converts between *bool and sql.NullBool.
func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func fromNullBool(nb sql.NullBool) *bool {
	if !nb.Valid {
		return nil
	}
	b := nb.Bool
	return &b
}

// marshalAttrs serializes an attribute map, defaulting to "{}".
func marshalAttrs(attrs map[string]*attr.Attribute) (string, error) {
	b, err := attr.MarshalMap(attrs)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalAttrs(s string) (map[string]*attr.Attribute, error) {
	return attr.UnmarshalMap([]byte(s))
}

func marshalFiles(files []types.ImageFile) (string, error) {
	if files == nil {
		files = []types.ImageFile{}
	}
	b, err := json.Marshal(files)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalFiles(s string) ([]types.ImageFile, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var files []types.ImageFile
	if err := json.Unmarshal([]byte(s), &files); err != nil {
		return nil, err
	}
	return files, nil
}

func marshalUIDs(uids []uuid.UUID) (string, error) {
	if uids == nil {
		uids = []uuid.UUID{}
	}
	b, err := json.Marshal(uids)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalUIDs(s string) ([]uuid.UUID, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var uids []uuid.UUID
	if err := json.Unmarshal([]byte(s), &uids); err != nil {
		return nil, err
	}
	return uids, nil
}

// statusPlaceholders expands a status list into SQL placeholders and args.
func statusPlaceholders(statuses []types.ImageStatus) (string, []any) {
	ph := ""
	args := make([]any, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			ph += ", "
		}
		ph += "?"
		args = append(args, string(st))
	}
	return ph, args
}
