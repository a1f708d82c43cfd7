package sqlite

const ddl = `
-- Projects
CREATE TABLE IF NOT EXISTS projects (
    uid TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'in_progress',
    root_schema_uid TEXT NOT NULL,
    schema_uid TEXT NOT NULL,
    dataset_uid TEXT NOT NULL,
    default_batch_uid TEXT NOT NULL DEFAULT '',
    locked INTEGER NOT NULL DEFAULT 0,
    attributes TEXT NOT NULL DEFAULT '{}',
    mapper_group_uids TEXT NOT NULL DEFAULT '[]',
    created DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Datasets
CREATE TABLE IF NOT EXISTS datasets (
    uid TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    schema_uid TEXT NOT NULL,
    attributes TEXT NOT NULL DEFAULT '{}',
    valid_attributes INTEGER
);

-- Batches
CREATE TABLE IF NOT EXISTS batches (
    uid TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    project_uid TEXT NOT NULL REFERENCES projects(uid) ON DELETE CASCADE,
    status TEXT NOT NULL DEFAULT 'initialized',
    is_default INTEGER NOT NULL DEFAULT 0,
    created DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_batches_project ON batches(project_uid);

-- Items: one table for all kinds; image columns stay at their defaults for
-- the other kinds. The uniqueness constraint is what makes AddItem
-- idempotent.
CREATE TABLE IF NOT EXISTS items (
    uid TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    identifier TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    pseudonym TEXT NOT NULL DEFAULT '',
    selected INTEGER NOT NULL DEFAULT 1,
    locked INTEGER NOT NULL DEFAULT 0,
    schema_uid TEXT NOT NULL,
    dataset_uid TEXT NOT NULL,
    batch_uid TEXT NOT NULL,
    valid_attributes INTEGER,
    valid_relations INTEGER,
    attributes TEXT NOT NULL DEFAULT '{}',
    private_attributes TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT '',
    status_message TEXT NOT NULL DEFAULT '',
    folder_path TEXT NOT NULL DEFAULT '',
    thumbnail_path TEXT NOT NULL DEFAULT '',
    format TEXT NOT NULL DEFAULT '',
    files TEXT NOT NULL DEFAULT '[]',
    created DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (dataset_uid, schema_uid, identifier)
);

CREATE INDEX IF NOT EXISTS idx_items_batch ON items(batch_uid);
CREATE INDEX IF NOT EXISTS idx_items_schema ON items(schema_uid);
CREATE INDEX IF NOT EXISTS idx_items_status ON items(status);

-- Relations: directed edges, stored once. Kinds: sample-child (parent to
-- child), image-sample, annotation-image, observation-target. Both ends of
-- a sample edge are derived from this single row; the two directions are
-- never stored independently.
CREATE TABLE IF NOT EXISTS relations (
    from_uid TEXT NOT NULL REFERENCES items(uid) ON DELETE CASCADE,
    to_uid TEXT NOT NULL REFERENCES items(uid) ON DELETE CASCADE,
    kind TEXT NOT NULL,
    PRIMARY KEY (from_uid, to_uid, kind)
);

CREATE INDEX IF NOT EXISTS idx_relations_to ON relations(to_uid);

-- Mappers
CREATE TABLE IF NOT EXISTS mappers (
    uid TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    attribute_schema_uid TEXT NOT NULL,
    root_attribute_schema_uid TEXT NOT NULL,
    created DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS mapping_items (
    uid TEXT PRIMARY KEY,
    mapper_uid TEXT NOT NULL REFERENCES mappers(uid) ON DELETE CASCADE,
    expression TEXT NOT NULL,
    attribute TEXT NOT NULL,
    hits INTEGER NOT NULL DEFAULT 0,
    position INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_mapping_items_mapper ON mapping_items(mapper_uid);

CREATE TABLE IF NOT EXISTS mapper_groups (
    uid TEXT PRIMARY KEY,
    name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS mapper_group_members (
    group_uid TEXT NOT NULL REFERENCES mapper_groups(uid) ON DELETE CASCADE,
    mapper_uid TEXT NOT NULL REFERENCES mappers(uid) ON DELETE CASCADE,
    PRIMARY KEY (group_uid, mapper_uid)
);

-- Audit trail
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    item_uid TEXT NOT NULL,
    event_type TEXT NOT NULL,
    actor TEXT NOT NULL DEFAULT '',
    old_value TEXT NOT NULL DEFAULT '',
    new_value TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_events_item ON events(item_uid);

-- Engine housekeeping
CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`
