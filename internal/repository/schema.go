package repository

// Schema definitions for the LinkLock database.
// Compatible with both SQLite and PostgreSQL.
// Timestamps are stored as Unix milliseconds so aggregates compare and
// scan identically on both drivers.

// schemaEvents is append-only: the repository never issues UPDATE or DELETE on it.
const schemaEvents = `
CREATE TABLE IF NOT EXISTS events (
    id TEXT PRIMARY KEY,
    actor_id TEXT,
    kind TEXT NOT NULL,
    status TEXT NOT NULL,
    occurred_at BIGINT NOT NULL,
    ip_address TEXT NOT NULL,
    country TEXT,
    city TEXT,
    latitude DOUBLE PRECISION,
    longitude DOUBLE PRECISION,
    device_id TEXT NOT NULL,
    device_name TEXT,
    device_info TEXT,
    previous_at BIGINT,
    email TEXT,
    login_attempts BIGINT NOT NULL DEFAULT 0,
    amount DOUBLE PRECISION NOT NULL DEFAULT 0,
    category TEXT,
    description TEXT,
    merchant_id TEXT,
    elapsed_seconds DOUBLE PRECISION,
    risk_score INTEGER NOT NULL DEFAULT 0,
    rule_score INTEGER NOT NULL DEFAULT 0,
    external_score INTEGER,
    is_anomaly INTEGER NOT NULL DEFAULT 0,
    reasons TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_actor_time ON events(actor_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_events_actor_device ON events(actor_id, device_id);
CREATE INDEX IF NOT EXISTS idx_events_actor_kind ON events(actor_id, kind, occurred_at);
`

const schemaAnomalies = `
CREATE TABLE IF NOT EXISTS anomalies (
    id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL,
    actor_id TEXT,
    kind TEXT NOT NULL,
    score INTEGER NOT NULL,
    reasons TEXT NOT NULL,
    payload TEXT NOT NULL,
    enqueued_at BIGINT NOT NULL,
    persisted_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_anomalies_actor ON anomalies(actor_id);
CREATE INDEX IF NOT EXISTS idx_anomalies_score ON anomalies(score);
`

const schemaRuleConfigs = `
CREATE TABLE IF NOT EXISTS rule_configs (
    id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    bands TEXT NOT NULL,
    weight DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL,
    PRIMARY KEY (id, version)
);

CREATE INDEX IF NOT EXISTS idx_rule_configs_enabled ON rule_configs(enabled);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaEvents,
		schemaAnomalies,
		schemaRuleConfigs,
	}
}
