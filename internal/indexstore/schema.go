package indexstore

const SchemaVersion = 1

const schemaSQL = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY
);

-- Preparation runs, one row per spawned build process
CREATE TABLE IF NOT EXISTS prepare_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    target_id TEXT NOT NULL,
    run_destination TEXT,
    exit_code INTEGER NOT NULL,
    output TEXT,
    duration_ms INTEGER NOT NULL,
    recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_prepare_target ON prepare_results(target_id);
CREATE INDEX IF NOT EXISTS idx_prepare_recorded ON prepare_results(recorded_at);

-- Index units produced by the build, keyed by local source path
CREATE TABLE IF NOT EXISTS units (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_path TEXT UNIQUE NOT NULL,
    target_id TEXT NOT NULL,
    language TEXT,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_units_target ON units(target_id);
`

func GetSchema() string {
	return schemaSQL
}

func GetSchemaVersion() int {
	return SchemaVersion
}
