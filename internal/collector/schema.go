package collector

// schema is applied once per database on open. Payload columns store the
// full JSON of the model row, matching §6's "read path does json_extract
// for query packs" requirement instead of a fully normalized relational
// layout.
const schema = `
CREATE TABLE IF NOT EXISTS connections (
	conn_id      TEXT PRIMARY KEY,
	process_name TEXT NOT NULL,
	pid          INTEGER NOT NULL,
	connected_at INTEGER NOT NULL,
	closed_at    INTEGER
);

CREATE TABLE IF NOT EXISTS module_manifest_entries (
	conn_id      TEXT NOT NULL,
	module_id    TEXT NOT NULL,
	module_path  TEXT NOT NULL,
	runtime_base INTEGER NOT NULL,
	identity     TEXT NOT NULL,
	arch         TEXT NOT NULL,
	PRIMARY KEY (conn_id, module_id)
);

CREATE TABLE IF NOT EXISTS entities (
	conn_id    TEXT NOT NULL,
	stream_id  TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	payload    TEXT NOT NULL,
	PRIMARY KEY (conn_id, stream_id, entity_id)
);

CREATE TABLE IF NOT EXISTS scopes (
	conn_id    TEXT NOT NULL,
	stream_id  TEXT NOT NULL,
	scope_id   TEXT NOT NULL,
	payload    TEXT NOT NULL,
	PRIMARY KEY (conn_id, stream_id, scope_id)
);

CREATE TABLE IF NOT EXISTS edges (
	conn_id    TEXT NOT NULL,
	stream_id  TEXT NOT NULL,
	src        TEXT NOT NULL,
	dst        TEXT NOT NULL,
	kind       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	PRIMARY KEY (conn_id, stream_id, src, dst, kind)
);

CREATE TABLE IF NOT EXISTS events (
	conn_id    TEXT NOT NULL,
	stream_id  TEXT NOT NULL,
	event_id   TEXT NOT NULL,
	payload    TEXT NOT NULL,
	PRIMARY KEY (conn_id, stream_id, event_id)
);

CREATE TABLE IF NOT EXISTS entity_scope_links (
	conn_id    TEXT NOT NULL,
	stream_id  TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	scope_id   TEXT NOT NULL,
	PRIMARY KEY (conn_id, stream_id, entity_id, scope_id)
);

CREATE TABLE IF NOT EXISTS backtrace_raw_frames (
	conn_id         TEXT NOT NULL,
	backtrace_id    TEXT NOT NULL,
	frame_index     INTEGER NOT NULL,
	module_path     TEXT NOT NULL,
	rel_pc          INTEGER NOT NULL,
	module_identity TEXT NOT NULL,
	PRIMARY KEY (conn_id, backtrace_id, frame_index)
);

CREATE TABLE IF NOT EXISTS symbolication_cache (
	module_identity   TEXT NOT NULL,
	rel_pc            INTEGER NOT NULL,
	function_name     TEXT,
	source_file_path  TEXT,
	source_line       INTEGER,
	source_col        INTEGER,
	status            TEXT NOT NULL,
	unresolved_reason TEXT,
	PRIMARY KEY (module_identity, rel_pc)
);
`
