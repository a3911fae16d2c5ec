package db

const (
	CreateSchemaMigrations = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`

	ListMigrations = `SELECT version FROM schema_migrations`

	InsertMigration = `INSERT INTO schema_migrations (version) VALUES (?)`
)

const (
	CreateQueueEntries = `
		CREATE TABLE queue_entries (
			seq INTEGER PRIMARY KEY,
			body TEXT NOT NULL
		)
	`

	CreateQueueEntriesKeyIndex = `
		ALTER TABLE queue_entries ADD COLUMN key TEXT NOT NULL DEFAULT '';
		CREATE INDEX idx_queue_entries_key ON queue_entries (key);
	`

	ListQueueEntries = `SELECT body FROM queue_entries ORDER BY seq ASC`

	InsertQueueEntry = `INSERT INTO queue_entries (seq, key, body) VALUES (?, ?, ?)`

	ClearQueueEntries = `DELETE FROM queue_entries`

	CountQueueEntries = `SELECT COUNT(*) FROM queue_entries`
)
