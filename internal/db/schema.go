package db

// schema is portable across postgres and sqlite (>= 3.24 for ON CONFLICT).
var schema = []string{
	`CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL DEFAULT 'whatsapp',
		status TEXT NOT NULL DEFAULT 'DISCONNECTED',
		pairing_code TEXT,
		device_jid TEXT,
		config TEXT NOT NULL DEFAULT '{}',
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		phone TEXT NOT NULL,
		wire_identity TEXT,
		name TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT 'LEAD',
		profile_pic_url TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_contacts_tenant_phone ON contacts (tenant_id, phone)`,
	`CREATE TABLE IF NOT EXISTS tickets (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		contact_id TEXT NOT NULL REFERENCES contacts (id),
		connection_id TEXT NOT NULL,
		status TEXT NOT NULL,
		channel TEXT NOT NULL,
		is_group BOOLEAN NOT NULL DEFAULT FALSE,
		last_message TEXT NOT NULL DEFAULT '',
		last_activity_at TIMESTAMP NOT NULL,
		awaiting_reply BOOLEAN NOT NULL DEFAULT FALSE,
		unread_count INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_tickets_open ON tickets (tenant_id, contact_id, channel, status)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		ticket_id TEXT NOT NULL REFERENCES tickets (id),
		tenant_id TEXT NOT NULL,
		sender_type TEXT NOT NULL,
		content_type TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		media_path TEXT,
		media_mime TEXT,
		external_id TEXT,
		status TEXT NOT NULL,
		scheduled_at TIMESTAMP,
		read_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_messages_external_id ON messages (external_id)`,
	`CREATE INDEX IF NOT EXISTS ix_messages_scheduled ON messages (status, scheduled_at)`,
	`CREATE TABLE IF NOT EXISTS cases (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		number TEXT NOT NULL,
		group_jid TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS ix_cases_group ON cases (tenant_id, group_jid)`,
}
