package database

// Migration represents a database migration
type Migration struct {
	Version string
	Up      string
	Down    string
}

// migrations contains all database migrations in order
var migrations = []Migration{
	{
		Version: "001_init",
		Up: `
-- Independently persisted engine state (target, selection, schedule)
CREATE TABLE settings (
    key TEXT PRIMARY KEY,
    value BLOB NOT NULL,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Operator and job activity
CREATE TABLE activity_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    actor TEXT NOT NULL DEFAULT 'operator',
    job_id TEXT,
    activity_type TEXT NOT NULL,        -- 'target.update', 'job.start', 'history.delete', etc.
    description TEXT,
    metadata TEXT,                       -- JSON for additional context
    success BOOLEAN DEFAULT 1,
    error_message TEXT NOT NULL DEFAULT ''
);

CREATE INDEX idx_activity_type_time ON activity_log(activity_type, timestamp DESC);
CREATE INDEX idx_activity_job ON activity_log(job_id);
`,
		Down: `
DROP TABLE IF EXISTS activity_log;
DROP TABLE IF EXISTS settings;
`,
	},
	{
		Version: "002_backup_history",
		Up: `
CREATE TABLE IF NOT EXISTS backup_history (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    job_id TEXT NOT NULL,
    filename TEXT NOT NULL DEFAULT '',
    completed_at TEXT NOT NULL,          -- fixed-width UTC, sorts lexically
    size_bytes INTEGER NOT NULL DEFAULT 0,
    status TEXT NOT NULL,                -- 'success', 'failed', 'cancelled'
    error_kind TEXT NOT NULL DEFAULT '',
    error_detail TEXT NOT NULL DEFAULT '',
    trigger_source TEXT NOT NULL DEFAULT 'manual',
    warnings TEXT,                       -- JSON array
    duration_ms INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_backup_history_completed ON backup_history(completed_at DESC);
CREATE INDEX IF NOT EXISTS idx_backup_history_status ON backup_history(status);
`,
		Down: `
DROP TABLE IF EXISTS backup_history;
`,
	},
}
