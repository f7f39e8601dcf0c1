package store

// commonMigrations lists DDL shared between SQLite and PostgreSQL. Every
// stator-managed table carries the five universal workflow fields
// (state, state_changed, state_attempted, state_locked_until, state_ready)
// as its contract with internal/stator; nothing else is required of it.
//
// Any new migration must be appended here, never inserted or reordered,
// so that a fresh database and a long-lived one converge on the same
// schema.
var commonMigrations = []string{
	`CREATE TABLE IF NOT EXISTS domains (
		id             BIGINT PRIMARY KEY,
		domain         TEXT NOT NULL UNIQUE,
		service_domain TEXT,
		local          BOOLEAN NOT NULL DEFAULT FALSE,
		blocked        BOOLEAN NOT NULL DEFAULT FALSE,
		public         BOOLEAN NOT NULL DEFAULT TRUE,
		nodeinfo       TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS domains_service_domain ON domains(service_domain)`,

	`CREATE TABLE IF NOT EXISTS identities (
		id                          BIGINT PRIMARY KEY,
		actor_uri                   TEXT NOT NULL UNIQUE,
		username                    TEXT,
		domain_id                   BIGINT,
		local                       BOOLEAN NOT NULL DEFAULT FALSE,
		display_name                TEXT,
		summary                     TEXT,
		icon_url                    TEXT,
		image_url                   TEXT,
		inbox_uri                   TEXT,
		shared_inbox_uri            TEXT,
		outbox_uri                  TEXT,
		followers_uri                TEXT,
		following_uri                TEXT,
		featured_collection_uri     TEXT,
		public_key_pem              TEXT,
		private_key_pem             TEXT,
		public_key_id               TEXT,
		restriction                 TEXT NOT NULL DEFAULT 'none',
		discoverable                BOOLEAN NOT NULL DEFAULT TRUE,
		manually_approves_followers BOOLEAN NOT NULL DEFAULT FALSE,
		pinned_post_uris            TEXT NOT NULL DEFAULT '[]',
		metadata                    TEXT NOT NULL DEFAULT '[]',
		fetched_at                  TEXT,
		deleted_at                  TEXT,
		state                       TEXT NOT NULL,
		state_changed               TEXT NOT NULL,
		state_attempted             TEXT,
		state_locked_until          TEXT,
		state_ready                 BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE INDEX IF NOT EXISTS identities_username_domain ON identities(username, domain_id)`,
	`CREATE INDEX IF NOT EXISTS identities_state ON identities(state, state_ready, state_locked_until)`,

	`CREATE TABLE IF NOT EXISTS posts (
		id              BIGINT PRIMARY KEY,
		author_id       BIGINT NOT NULL,
		object_uri      TEXT NOT NULL UNIQUE,
		local           BOOLEAN NOT NULL DEFAULT FALSE,
		visibility      TEXT NOT NULL DEFAULT 'public',
		content         TEXT NOT NULL DEFAULT '',
		summary         TEXT,
		sensitive       BOOLEAN NOT NULL DEFAULT FALSE,
		url             TEXT,
		in_reply_to     TEXT,
		type            TEXT NOT NULL DEFAULT 'note',
		type_data       TEXT NOT NULL DEFAULT '{}',
		published_at    TEXT,
		edited_at       TEXT,
		state               TEXT NOT NULL,
		state_changed       TEXT NOT NULL,
		state_attempted     TEXT,
		state_locked_until  TEXT,
		state_ready         BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE INDEX IF NOT EXISTS posts_author ON posts(author_id)`,
	`CREATE INDEX IF NOT EXISTS posts_in_reply_to ON posts(in_reply_to)`,
	`CREATE INDEX IF NOT EXISTS posts_state ON posts(state, state_ready, state_locked_until)`,

	`CREATE TABLE IF NOT EXISTS post_mentions (
		post_id     BIGINT NOT NULL,
		identity_id BIGINT NOT NULL,
		UNIQUE(post_id, identity_id)
	)`,
	`CREATE TABLE IF NOT EXISTS post_to (
		post_id     BIGINT NOT NULL,
		identity_id BIGINT NOT NULL,
		UNIQUE(post_id, identity_id)
	)`,
	`CREATE INDEX IF NOT EXISTS post_mentions_identity ON post_mentions(identity_id)`,

	`CREATE TABLE IF NOT EXISTS post_interactions (
		id            BIGINT PRIMARY KEY,
		type          TEXT NOT NULL,
		identity_id   BIGINT NOT NULL,
		post_id       BIGINT NOT NULL,
		value         TEXT,
		object_uri    TEXT NOT NULL UNIQUE,
		published_at  TEXT,
		state               TEXT NOT NULL,
		state_changed       TEXT NOT NULL,
		state_attempted     TEXT,
		state_locked_until  TEXT,
		state_ready         BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE INDEX IF NOT EXISTS interactions_post ON post_interactions(post_id, type)`,
	`CREATE INDEX IF NOT EXISTS interactions_identity_post_type ON post_interactions(identity_id, post_id, type)`,
	`CREATE INDEX IF NOT EXISTS interactions_state ON post_interactions(state, state_ready, state_locked_until)`,

	`CREATE TABLE IF NOT EXISTS follows (
		id         BIGINT PRIMARY KEY,
		source_id  BIGINT NOT NULL,
		target_id  BIGINT NOT NULL,
		uri        TEXT,
		boosts     BOOLEAN NOT NULL DEFAULT TRUE,
		note       TEXT,
		state               TEXT NOT NULL,
		state_changed       TEXT NOT NULL,
		state_attempted     TEXT,
		state_locked_until  TEXT,
		state_ready         BOOLEAN NOT NULL DEFAULT TRUE,
		UNIQUE(source_id, target_id)
	)`,
	`CREATE INDEX IF NOT EXISTS follows_target ON follows(target_id)`,
	`CREATE INDEX IF NOT EXISTS follows_state ON follows(state, state_ready, state_locked_until)`,

	`CREATE TABLE IF NOT EXISTS blocks (
		id                    BIGINT PRIMARY KEY,
		source_id             BIGINT NOT NULL,
		target_id             BIGINT NOT NULL,
		mute                  BOOLEAN NOT NULL DEFAULT FALSE,
		include_notifications BOOLEAN NOT NULL DEFAULT FALSE,
		expires_at            TEXT,
		state               TEXT NOT NULL,
		state_changed       TEXT NOT NULL,
		state_attempted     TEXT,
		state_locked_until  TEXT,
		state_ready         BOOLEAN NOT NULL DEFAULT TRUE,
		UNIQUE(source_id, target_id, mute)
	)`,
	`CREATE INDEX IF NOT EXISTS blocks_state ON blocks(state, state_ready, state_locked_until)`,

	`CREATE TABLE IF NOT EXISTS timeline_events (
		id                         BIGINT PRIMARY KEY,
		identity_id                BIGINT NOT NULL,
		type                       TEXT NOT NULL,
		subject_post_id            BIGINT,
		subject_post_interaction_id BIGINT,
		subject_identity_id        BIGINT,
		created_at                 TEXT NOT NULL,
		UNIQUE(identity_id, type, subject_post_id, subject_post_interaction_id, subject_identity_id)
	)`,
	`CREATE INDEX IF NOT EXISTS timeline_identity_created ON timeline_events(identity_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS fan_outs (
		id                         BIGINT PRIMARY KEY,
		identity_id                BIGINT NOT NULL,
		type                       TEXT NOT NULL,
		subject_post_id            BIGINT,
		subject_post_interaction_id BIGINT,
		subject_identity_id        BIGINT,
		state               TEXT NOT NULL,
		state_changed       TEXT NOT NULL,
		state_attempted     TEXT,
		state_locked_until  TEXT,
		state_ready         BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE INDEX IF NOT EXISTS fan_outs_identity ON fan_outs(identity_id)`,
	`CREATE INDEX IF NOT EXISTS fan_outs_state ON fan_outs(state, state_ready, state_locked_until)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS fan_outs_dedup ON fan_outs(
		identity_id, type,
		COALESCE(subject_post_id, -1), COALESCE(subject_post_interaction_id, -1), COALESCE(subject_identity_id, -1)
	)`,

	`CREATE TABLE IF NOT EXISTS inbox_messages (
		id         BIGINT PRIMARY KEY,
		body       TEXT NOT NULL,
		sender     TEXT,
		state               TEXT NOT NULL,
		state_changed       TEXT NOT NULL,
		state_attempted     TEXT,
		state_locked_until  TEXT,
		state_ready         BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE INDEX IF NOT EXISTS inbox_messages_state ON inbox_messages(state, state_ready, state_locked_until)`,

	`CREATE TABLE IF NOT EXISTS post_attachments (
		id         BIGINT PRIMARY KEY,
		post_id    BIGINT NOT NULL,
		url        TEXT NOT NULL,
		media_type TEXT,
		name       TEXT,
		blurhash   TEXT,
		width      INTEGER,
		height     INTEGER,
		state               TEXT NOT NULL,
		state_changed       TEXT NOT NULL,
		state_attempted     TEXT,
		state_locked_until  TEXT,
		state_ready         BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE INDEX IF NOT EXISTS post_attachments_post ON post_attachments(post_id)`,

	`CREATE TABLE IF NOT EXISTS emojis (
		id         BIGINT PRIMARY KEY,
		shortcode  TEXT NOT NULL,
		domain_id  BIGINT,
		mimetype   TEXT,
		remote_url TEXT,
		local      BOOLEAN NOT NULL DEFAULT FALSE,
		state               TEXT NOT NULL,
		state_changed       TEXT NOT NULL,
		state_attempted     TEXT,
		state_locked_until  TEXT,
		state_ready         BOOLEAN NOT NULL DEFAULT TRUE,
		UNIQUE(shortcode, domain_id)
	)`,

	`CREATE TABLE IF NOT EXISTS hashtags (
		name       TEXT PRIMARY KEY,
		state               TEXT NOT NULL,
		state_changed       TEXT NOT NULL,
		state_attempted     TEXT,
		state_locked_until  TEXT,
		state_ready         BOOLEAN NOT NULL DEFAULT TRUE
	)`,

	`CREATE TABLE IF NOT EXISTS reports (
		id           BIGINT PRIMARY KEY,
		source_id    BIGINT NOT NULL,
		subject_id   BIGINT NOT NULL,
		subject_post_id BIGINT,
		comment      TEXT,
		forward      BOOLEAN NOT NULL DEFAULT FALSE,
		state               TEXT NOT NULL,
		state_changed       TEXT NOT NULL,
		state_attempted     TEXT,
		state_locked_until  TEXT,
		state_ready         BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE INDEX IF NOT EXISTS reports_state ON reports(state, state_ready, state_locked_until)`,

	`CREATE TABLE IF NOT EXISTS stats (
		model_label TEXT PRIMARY KEY,
		data        TEXT NOT NULL DEFAULT '{}'
	)`,

	// Three-scope configuration store (spec.md §2/§6): system-wide settings
	// have scope_id = '', user- and identity-scoped settings key off the
	// owning row's id.
	`CREATE TABLE IF NOT EXISTS settings (
		scope    TEXT NOT NULL,
		scope_id TEXT NOT NULL DEFAULT '',
		key      TEXT NOT NULL,
		value    TEXT NOT NULL,
		UNIQUE(scope, scope_id, key)
	)`,
}
