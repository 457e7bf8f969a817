package store

type migration struct {
	version int
	sql     string
}

// migrations must stay in ascending version order.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS folders (
	id                  TEXT PRIMARY KEY,
	account_id          TEXT NOT NULL,
	imap_path           TEXT NOT NULL,
	folder_type         TEXT NOT NULL DEFAULT 'other',
	uid_validity        INTEGER NOT NULL DEFAULT 0,
	forward_cursor_uid  INTEGER NOT NULL DEFAULT 0,
	backfill_cursor_uid INTEGER NOT NULL DEFAULT 0,
	bootstrap_complete  INTEGER NOT NULL DEFAULT 0,
	catch_up_status     TEXT NOT NULL DEFAULT 'idle',
	last_sync_date      DATETIME,
	UNIQUE (account_id, imap_path)
);

CREATE TABLE IF NOT EXISTS threads (
	id            TEXT PRIMARY KEY,
	account_id    TEXT NOT NULL,
	subject       TEXT NOT NULL DEFAULT '',
	snippet       TEXT NOT NULL DEFAULT '',
	latest_date   DATETIME,
	message_count INTEGER NOT NULL DEFAULT 0,
	unread_count  INTEGER NOT NULL DEFAULT 0,
	participants  TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS messages (
	id                 TEXT PRIMARY KEY,
	account_id         TEXT NOT NULL,
	thread_id          TEXT NOT NULL DEFAULT '',
	identity_key       TEXT NOT NULL,
	fallback_key       TEXT NOT NULL DEFAULT '',
	message_id_header  TEXT NOT NULL DEFAULT '',
	in_reply_to        TEXT NOT NULL DEFAULT '',
	refs               TEXT NOT NULL DEFAULT '[]',
	from_address       TEXT NOT NULL DEFAULT '',
	to_addresses       TEXT NOT NULL DEFAULT '[]',
	cc_addresses       TEXT NOT NULL DEFAULT '[]',
	bcc_addresses      TEXT NOT NULL DEFAULT '[]',
	subject            TEXT NOT NULL DEFAULT '',
	normalized_subject TEXT NOT NULL DEFAULT '',
	body_plain         TEXT,
	body_html          TEXT,
	date_sent          DATETIME,
	date_received      DATETIME,
	is_read            INTEGER NOT NULL DEFAULT 0,
	is_starred         INTEGER NOT NULL DEFAULT 0,
	is_draft           INTEGER NOT NULL DEFAULT 0,
	is_deleted         INTEGER NOT NULL DEFAULT 0,
	server_read        INTEGER NOT NULL DEFAULT 0,
	server_starred     INTEGER NOT NULL DEFAULT 0,
	size_bytes         INTEGER NOT NULL DEFAULT 0,
	send_state         TEXT NOT NULL DEFAULT 'none',
	send_retry_count   INTEGER NOT NULL DEFAULT 0,
	send_queued_at     DATETIME,
	send_due_at        DATETIME,
	send_error         TEXT NOT NULL DEFAULT '',
	raw_mime           BLOB,
	UNIQUE (account_id, identity_key)
);

CREATE TABLE IF NOT EXISTS message_refs (
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	ref_key    TEXT NOT NULL,
	PRIMARY KEY (message_id, ref_key)
);

CREATE TABLE IF NOT EXISTS folder_memberships (
	message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	folder_id  TEXT NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
	imap_uid   INTEGER NOT NULL,
	PRIMARY KEY (folder_id, imap_uid)
);

CREATE TABLE IF NOT EXISTS attachments (
	id                TEXT PRIMARY KEY,
	message_id        TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
	filename          TEXT NOT NULL DEFAULT '',
	mime_type         TEXT NOT NULL DEFAULT '',
	size_bytes        INTEGER NOT NULL DEFAULT 0,
	is_downloaded     INTEGER NOT NULL DEFAULT 0,
	local_path        TEXT,
	body_section      TEXT NOT NULL DEFAULT '',
	transfer_encoding TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS fetch_retries (
	folder_id  TEXT NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
	imap_uid   INTEGER NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (folder_id, imap_uid)
);

CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id);
CREATE INDEX IF NOT EXISTS idx_messages_subject ON messages(account_id, normalized_subject);
CREATE INDEX IF NOT EXISTS idx_messages_send_state ON messages(send_state);
CREATE INDEX IF NOT EXISTS idx_message_refs_key ON message_refs(ref_key);
CREATE INDEX IF NOT EXISTS idx_memberships_message ON folder_memberships(message_id);
CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);
CREATE INDEX IF NOT EXISTS idx_threads_account_latest ON threads(account_id, latest_date);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
ALTER TABLE messages ADD COLUMN archived INTEGER NOT NULL DEFAULT 0;

INSERT INTO schema_version (version) VALUES (2);
`,
	},
	{
		version: 3,
		sql: `
ALTER TABLE messages ADD COLUMN send_accepted_at DATETIME;

INSERT INTO schema_version (version) VALUES (3);
`,
	},
}
