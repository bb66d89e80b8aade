package sqlite

const schema = `
-- Event type enumeration, seeded once and referenced by id
CREATE TABLE IF NOT EXISTS event_types (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE
);

-- Fact table. Rows are immutable once written except for deleted_at
-- (soft delete) and backfilled denormalized columns. Denormalized text
-- columns store '' when the payload lacks the value; NULL means the row
-- predates denormalization and is pending backfill.
CREATE TABLE IF NOT EXISTS telemetry_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id INTEGER NOT NULL REFERENCES event_types(id),
    area TEXT NOT NULL DEFAULT 'general',
    timestamp DATETIME NOT NULL,
    server_id TEXT,
    version TEXT,
    session_id TEXT,
    parent_session_id TEXT,
    user_id TEXT,
    data TEXT NOT NULL DEFAULT '{}',
    received_at DATETIME,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    org_id TEXT,
    user_name TEXT,
    tool_name TEXT,
    company_name TEXT,
    error_message TEXT,
    team_id INTEGER,
    deleted_at DATETIME,
    success INTEGER NOT NULL DEFAULT 1,
    telemetry_schema_version INTEGER NOT NULL DEFAULT 2
);

CREATE INDEX IF NOT EXISTS idx_events_event_created ON telemetry_events(event_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_user_created ON telemetry_events(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_team_created ON telemetry_events(team_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_deleted_created ON telemetry_events(deleted_at, created_at);
CREATE INDEX IF NOT EXISTS idx_events_parent_session_ts ON telemetry_events(parent_session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_session_ts ON telemetry_events(session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_payload_tool ON telemetry_events(json_extract(data, '$.data.toolName'));

-- Orgs, keyed by the server id clients report
CREATE TABLE IF NOT EXISTS orgs (
    server_id TEXT PRIMARY KEY,
    company_name TEXT,
    alias TEXT,
    color TEXT,
    team_id INTEGER
);

CREATE TABLE IF NOT EXISTS teams (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL UNIQUE,
    color TEXT,
    logo_data BLOB,
    logo_mime TEXT
);

CREATE TABLE IF NOT EXISTS people (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    email TEXT,
    initials TEXT
);

CREATE TABLE IF NOT EXISTS person_usernames (
    person_id INTEGER NOT NULL REFERENCES people(id) ON DELETE CASCADE,
    username TEXT NOT NULL,
    org_id TEXT,
    PRIMARY KEY (person_id, username)
);

CREATE INDEX IF NOT EXISTS idx_person_usernames_username ON person_usernames(username);

-- Telemetry user id to team mapping
CREATE TABLE IF NOT EXISTS event_user_teams (
    user_id TEXT PRIMARY KEY,
    team_id INTEGER NOT NULL
);

-- Operator accounts, unrelated to telemetry user ids
CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    username TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT 'basic',
    last_login DATETIME
);

CREATE TABLE IF NOT EXISTS remember_tokens (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    token_hash TEXT NOT NULL UNIQUE,
    expires_at DATETIME NOT NULL,
    revoked_at DATETIME,
    user_agent TEXT,
    ip TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_remember_tokens_user ON remember_tokens(user_id);

-- Append-only authentication log
CREATE TABLE IF NOT EXISTS login_audit (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    username TEXT,
    user_id INTEGER,
    success INTEGER NOT NULL DEFAULT 0,
    ip TEXT,
    user_agent TEXT,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_login_audit_created ON login_audit(created_at);

-- Rollup counters. count and last_event cover non-trash events only and
-- are reconstructable from the fact table.
CREATE TABLE IF NOT EXISTS user_event_stats (
    user_id TEXT PRIMARY KEY,
    count INTEGER NOT NULL DEFAULT 0,
    last_event DATETIME,
    display_name TEXT
);

CREATE TABLE IF NOT EXISTS org_event_stats (
    org_id TEXT PRIMARY KEY,
    count INTEGER NOT NULL DEFAULT 0,
    last_event DATETIME,
    display_name TEXT
);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

INSERT OR IGNORE INTO event_types (name) VALUES
    ('tool_call'),
    ('tool_error'),
    ('session_start'),
    ('session_end'),
    ('error'),
    ('custom');
`
