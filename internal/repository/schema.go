package repository

// Schema definitions for the clinscore database.
// Compatible with both SQLite and PostgreSQL.

// schemaDefinitions stores custom scoring definitions as JSON documents.
// tenant_id '*' holds definitions shared by every tenant.
const schemaDefinitions = `
CREATE TABLE IF NOT EXISTS definitions (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    title TEXT NOT NULL,
    version TEXT NOT NULL,
    document TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_definitions_tenant ON definitions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_definitions_enabled ON definitions(tenant_id, enabled);
`

const schemaEvaluations = `
CREATE TABLE IF NOT EXISTS evaluations (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    definition_id TEXT NOT NULL,
    definition_version TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    aggregate REAL NOT NULL,
    label TEXT NOT NULL,
    severity TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    inputs TEXT NOT NULL,
    result TEXT NOT NULL,
    highlights TEXT,
    metadata TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_tenant ON evaluations(tenant_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_definition ON evaluations(tenant_id, definition_id);
CREATE INDEX IF NOT EXISTS idx_evaluations_timestamp ON evaluations(tenant_id, timestamp);
`

const schemaNotes = `
CREATE TABLE IF NOT EXISTS notes (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    definition_id TEXT NOT NULL,
    body TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_notes_definition ON notes(tenant_id, definition_id, created_at);
`

// schemaUsage keeps one row per tenant and calculator for the recent list.
const schemaUsage = `
CREATE TABLE IF NOT EXISTS definition_usage (
    tenant_id TEXT NOT NULL,
    definition_id TEXT NOT NULL,
    use_count INTEGER NOT NULL DEFAULT 0,
    last_used_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, definition_id)
);

CREATE INDEX IF NOT EXISTS idx_usage_recent ON definition_usage(tenant_id, last_used_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaDefinitions,
		schemaEvaluations,
		schemaNotes,
		schemaUsage,
	}
}
