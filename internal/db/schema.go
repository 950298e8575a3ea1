package db

// SchemaVersion is stored in PRAGMA user_version after Schema is applied.
const SchemaVersion = 2

// upgrades bring a database created at version n-1 up to version n. Schema
// already contains every upgrade, so fresh databases skip them.
var upgrades = map[int]string{
	2: `ALTER TABLE payment_entitlements ADD COLUMN last_event_at TEXT`,
}

// Schema creates every table. All timestamps are ISO-8601 UTC TEXT written by
// FormatTime, which keeps lexical and chronological order identical.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    email TEXT NOT NULL,
    email_normalized TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL DEFAULT '',
    password_hash TEXT,
    provider TEXT NOT NULL CHECK (provider IN ('local', 'google', 'github')),
    provider_user_id TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    CHECK (
        (provider = 'local' AND password_hash IS NOT NULL AND provider_user_id IS NULL) OR
        (provider <> 'local' AND password_hash IS NULL AND provider_user_id IS NOT NULL)
    )
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_users_provider_identity
    ON users(provider, provider_user_id) WHERE provider_user_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS password_resets (
    token_hash TEXT PRIMARY KEY,
    user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    expires_at TEXT NOT NULL,
    used_at TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_password_resets_user ON password_resets(user_id);

CREATE TABLE IF NOT EXISTS oauth_states (
    state TEXT PRIMARY KEY,
    provider TEXT NOT NULL,
    redirect_uri TEXT NOT NULL,
    created_at TEXT NOT NULL,
    expires_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_oauth_states_expires ON oauth_states(expires_at);

CREATE TABLE IF NOT EXISTS cli_devices (
    id TEXT PRIMARY KEY,
    user_id TEXT REFERENCES users(id) ON DELETE CASCADE,
    device_name TEXT NOT NULL,
    device_fingerprint TEXT NOT NULL,
    last_used_at TEXT,
    created_at TEXT NOT NULL,
    revoked_at TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_cli_devices_user_fingerprint
    ON cli_devices(user_id, device_fingerprint)
    WHERE user_id IS NOT NULL AND revoked_at IS NULL;

CREATE TABLE IF NOT EXISTS cli_auth_flows (
    id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL REFERENCES cli_devices(id) ON DELETE CASCADE,
    state TEXT NOT NULL UNIQUE,
    code_challenge TEXT NOT NULL,
    challenge_method TEXT NOT NULL CHECK (challenge_method = 'S256'),
    status TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'expired')),
    user_id TEXT REFERENCES users(id) ON DELETE CASCADE,
    expires_at TEXT NOT NULL,
    completed_at TEXT,
    redeemed_at TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cli_auth_flows_expires ON cli_auth_flows(status, expires_at);

CREATE TRIGGER IF NOT EXISTS trg_cli_auth_flows_challenge_immutable
BEFORE UPDATE OF code_challenge, challenge_method ON cli_auth_flows
WHEN NEW.code_challenge IS NOT OLD.code_challenge OR NEW.challenge_method IS NOT OLD.challenge_method
BEGIN
    SELECT RAISE(ABORT, 'code_challenge is immutable');
END;

CREATE TRIGGER IF NOT EXISTS trg_cli_auth_flows_complete_once
BEFORE UPDATE OF status ON cli_auth_flows
WHEN OLD.status <> 'pending' AND NEW.status <> OLD.status
BEGIN
    SELECT RAISE(ABORT, 'flow already left pending');
END;

CREATE TABLE IF NOT EXISTS cli_refresh_tokens (
    id TEXT PRIMARY KEY,
    device_id TEXT NOT NULL REFERENCES cli_devices(id) ON DELETE CASCADE,
    user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    token_hash TEXT NOT NULL UNIQUE,
    expires_at TEXT NOT NULL,
    last_used_at TEXT,
    created_at TEXT NOT NULL,
    revoked_at TEXT,
    replaced_by TEXT
);
CREATE INDEX IF NOT EXISTS idx_cli_refresh_tokens_device ON cli_refresh_tokens(device_id);

CREATE TABLE IF NOT EXISTS invites (
    id TEXT PRIMARY KEY,
    email_normalized TEXT NOT NULL,
    expires_at TEXT NOT NULL,
    claimed_by_user_id TEXT REFERENCES users(id) ON DELETE SET NULL,
    claimed_at TEXT,
    revoked_at TEXT,
    created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invites_email ON invites(email_normalized);

CREATE TABLE IF NOT EXISTS payment_entitlements (
    user_id TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
    payment_status TEXT NOT NULL CHECK (payment_status IN ('pending', 'active', 'cancelled', 'expired', 'failed')),
    payment_type TEXT NOT NULL DEFAULT '',
    subscription_end_date TEXT,
    last_payment_date TEXT,
    stripe_customer_id TEXT UNIQUE,
    stripe_subscription_id TEXT,
    last_event_at TEXT,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_events (
    stripe_event_id TEXT PRIMARY KEY,
    event_type TEXT NOT NULL,
    processed INTEGER NOT NULL DEFAULT 0 CHECK (processed IN (0, 1)),
    processing_attempts INTEGER NOT NULL DEFAULT 0,
    event_data TEXT NOT NULL,
    last_error TEXT,
    created_at TEXT NOT NULL,
    processed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_webhook_events_unprocessed ON webhook_events(processed, created_at);
`
