package eventstore

// schema is executed once per store open. Two logical tables: an
// append-only events log keyed by (aggregateId, version), and a
// snapshots table keyed the same way.
const schema = `
CREATE TABLE IF NOT EXISTS events (
	aggregate_id TEXT NOT NULL,
	version      INTEGER NOT NULL,
	request_id   TEXT NOT NULL,
	type         TEXT NOT NULL,
	block_height INTEGER NOT NULL,
	payload      BLOB NOT NULL,
	status       TEXT NOT NULL DEFAULT 'UNPUBLISHED',
	timestamp    DATETIME NOT NULL,
	UNIQUE(aggregate_id, version)
);

CREATE INDEX IF NOT EXISTS events_aggregate_height ON events (aggregate_id, block_height);
CREATE INDEX IF NOT EXISTS events_status ON events (status);

CREATE TABLE IF NOT EXISTS snapshots (
	aggregate_id TEXT NOT NULL,
	version      INTEGER NOT NULL,
	block_height INTEGER NOT NULL,
	state        BLOB,
	UNIQUE(aggregate_id, version)
);

CREATE INDEX IF NOT EXISTS snapshots_aggregate_height ON snapshots (aggregate_id, block_height);
`
