package postgres

// schema is the idempotent DDL. CREATE IF NOT EXISTS keeps reapplication
// safe; structural changes beyond this baseline live in migrate.go.
//
// Denormalized text columns hold '' when the payload lacked the value;
// NULL marks rows the startup backfill has not reached yet.
const schema = `
CREATE TABLE IF NOT EXISTS event_types (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS telemetry_events (
    id BIGSERIAL PRIMARY KEY,
    event_id BIGINT NOT NULL REFERENCES event_types(id),
    area TEXT NOT NULL DEFAULT 'general',
    timestamp TIMESTAMPTZ NOT NULL,
    server_id TEXT,
    version TEXT,
    session_id TEXT,
    parent_session_id TEXT,
    user_id TEXT,
    data JSONB NOT NULL DEFAULT '{}',
    received_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    org_id TEXT,
    user_name TEXT,
    tool_name TEXT,
    company_name TEXT,
    error_message TEXT,
    team_id BIGINT,
    deleted_at TIMESTAMPTZ,
    success BOOLEAN NOT NULL DEFAULT TRUE,
    telemetry_schema_version INTEGER DEFAULT 2
);

CREATE INDEX IF NOT EXISTS idx_events_event_created
    ON telemetry_events(event_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_user_created
    ON telemetry_events(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_team_created
    ON telemetry_events(team_id, created_at);
CREATE INDEX IF NOT EXISTS idx_events_parent_session_ts
    ON telemetry_events(parent_session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_session_ts
    ON telemetry_events(session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_events_deleted_created
    ON telemetry_events(deleted_at, created_at);

-- Default reads exclude trash; the partial index keeps them narrow.
CREATE INDEX IF NOT EXISTS idx_events_live_created
    ON telemetry_events(created_at) WHERE deleted_at IS NULL;

-- Payload lookups used by the backfill and legacy-row queries.
CREATE INDEX IF NOT EXISTS idx_events_payload_org
    ON telemetry_events((data->'data'->>'orgId'));
CREATE INDEX IF NOT EXISTS idx_events_payload_user
    ON telemetry_events((data->'data'->>'userName'));
CREATE INDEX IF NOT EXISTS idx_events_payload_tool
    ON telemetry_events((data->'data'->>'toolName'));

CREATE TABLE IF NOT EXISTS orgs (
    server_id TEXT PRIMARY KEY,
    company_name TEXT,
    alias TEXT,
    color TEXT,
    team_id BIGINT
);

CREATE TABLE IF NOT EXISTS teams (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    color TEXT,
    logo_data BYTEA,
    logo_mime TEXT
);

CREATE TABLE IF NOT EXISTS people (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL,
    email TEXT,
    initials TEXT
);

CREATE TABLE IF NOT EXISTS person_usernames (
    person_id BIGINT NOT NULL REFERENCES people(id) ON DELETE CASCADE,
    username TEXT NOT NULL,
    org_id TEXT,
    PRIMARY KEY (person_id, username)
);

CREATE INDEX IF NOT EXISTS idx_person_usernames_username ON person_usernames(username);

-- Telemetry user id to team mapping
CREATE TABLE IF NOT EXISTS event_user_teams (
    user_id TEXT PRIMARY KEY,
    team_id BIGINT NOT NULL
);

-- Operator accounts, unrelated to telemetry user ids
CREATE TABLE IF NOT EXISTS users (
    id BIGSERIAL PRIMARY KEY,
    username TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT 'basic',
    last_login TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS remember_tokens (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    token_hash TEXT NOT NULL UNIQUE,
    expires_at TIMESTAMPTZ NOT NULL,
    revoked_at TIMESTAMPTZ,
    user_agent TEXT,
    ip INET,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_remember_tokens_user ON remember_tokens(user_id);

-- Append-only authentication log
CREATE TABLE IF NOT EXISTS login_audit (
    id BIGSERIAL PRIMARY KEY,
    username TEXT,
    user_id BIGINT,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    ip INET,
    user_agent TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_login_audit_created ON login_audit(created_at);

-- Rollup counters. count and last_event cover non-trash events only and
-- are reconstructable from the fact table.
CREATE TABLE IF NOT EXISTS user_event_stats (
    user_id TEXT PRIMARY KEY,
    count BIGINT NOT NULL DEFAULT 0,
    last_event TIMESTAMPTZ,
    display_name TEXT
);

CREATE TABLE IF NOT EXISTS org_event_stats (
    org_id TEXT PRIMARY KEY,
    count BIGINT NOT NULL DEFAULT 0,
    last_event TIMESTAMPTZ,
    display_name TEXT
);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

INSERT INTO event_types (name) VALUES
    ('tool_call'), ('tool_error'), ('session_start'),
    ('session_end'), ('error'), ('custom')
ON CONFLICT (name) DO NOTHING;
`
