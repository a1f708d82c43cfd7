// Package idgen generates entity UIDs.
//
// Two flavors exist: random v4 UUIDs for entities created interactively
// (projects, batches, mappers), and deterministic v5 UUIDs derived from
// content for entities that must survive re-ingest (items, schemas).
// Deriving the item uid from (dataset, schema, identifier) makes metadata
// import idempotent: importing the same file twice produces the same uids
// and the store's uniqueness check turns the second pass into a no-op.
package idgen

import (
	"github.com/google/uuid"
)

// Namespace roots for v5 derivation. Fixed forever; changing one silently
// orphans every previously derived uid.
var (
	nsItem   = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	nsSchema = uuid.MustParse("6ba7b811-9dad-11d1-80b4-00c04fd430c8")
)

// New returns a random v4 UUID.
func New() uuid.UUID {
	return uuid.New()
}

// Item derives a deterministic uid for an item from its dataset, schema,
// and stable identifier.
func Item(datasetUID, schemaUID uuid.UUID, identifier string) uuid.UUID {
	buf := make([]byte, 0, 32+len(identifier))
	buf = append(buf, datasetUID[:]...)
	buf = append(buf, schemaUID[:]...)
	buf = append(buf, identifier...)
	return uuid.NewSHA1(nsItem, buf)
}

// Schema derives a deterministic uid for a schema element from the root
// schema name and the element's path within it (for schema files that omit
// explicit uids).
func Schema(rootName string, path ...string) uuid.UUID {
	buf := []byte(rootName)
	for _, p := range path {
		buf = append(buf, 0)
		buf = append(buf, p...)
	}
	return uuid.NewSHA1(nsSchema, buf)
}
