package database

// TableDefinitions contains the SQL statements creating the herald tables.
// Request ids come from a dedicated sequence starting at 1000. The
// dispatch_job table is a singleton: the CHECK pins the only legal primary
// key and the seed insert below guarantees the row exists, so the
// repository layer never inserts or deletes it.
var TableDefinitions = []string{
	`CREATE SEQUENCE IF NOT EXISTS requests_id_seq START WITH 1000`,
	`CREATE TABLE IF NOT EXISTS parties (
		id BIGINT PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		email VARCHAR(255),
		is_group BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS party_members (
		group_id BIGINT NOT NULL REFERENCES parties(id) ON DELETE CASCADE,
		member_id BIGINT NOT NULL REFERENCES parties(id) ON DELETE CASCADE,
		approved BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (group_id, member_id)
	)`,
	`CREATE TABLE IF NOT EXISTS requests (
		id BIGINT PRIMARY KEY DEFAULT nextval('requests_id_seq'),
		party_from BIGINT NOT NULL,
		party_to BIGINT NOT NULL,
		expand_group BOOLEAN NOT NULL DEFAULT FALSE,
		subject VARCHAR(1000) NOT NULL,
		message TEXT NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		max_retries INTEGER NOT NULL DEFAULT 3,
		request_date TIMESTAMP NOT NULL,
		fulfill_date TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_status ON requests(status)`,
	`CREATE TABLE IF NOT EXISTS queue_entries (
		request_id BIGINT NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
		party_to BIGINT NOT NULL,
		smtp_reply_code INTEGER,
		smtp_reply_message TEXT,
		retry_count INTEGER NOT NULL DEFAULT 0,
		is_successful BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (request_id, party_to)
	)`,
	`CREATE TABLE IF NOT EXISTS dispatch_job (
		id SMALLINT PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		job_id VARCHAR(36),
		last_run_date TIMESTAMP
	)`,
	`INSERT INTO dispatch_job (id) VALUES (1) ON CONFLICT (id) DO NOTHING`,
}
