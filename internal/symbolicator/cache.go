package symbolicator

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// cacheTableSchema creates just the symbolication_cache table, for
// callers (cmd/tracesym) that want a resolution cache without the rest of
// the collector's persisted layout.
const cacheTableSchema = `
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

// NewStandaloneCache opens (creating if absent) a SQLite database at path
// containing only the symbolication_cache table, for one-off tools like
// cmd/tracesym that have no collector database to share. Pass ":memory:"
// for a cache that doesn't persist across runs.
func NewStandaloneCache(path string) (*Cache, *sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	if path == ":memory:" {
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, err
	}
	if _, err := db.Exec(cacheTableSchema); err != nil {
		db.Close()
		return nil, nil, err
	}
	return NewCache(db), db, nil
}

// Cache is the persistent symbolication_cache table: a (module_identity,
// rel_pc) -> resolved-or-unresolved lookup so the same address is never
// walked through DWARF twice.
type Cache struct {
	db *sql.DB
}

// NewCache wraps an already-open *sql.DB whose schema includes the
// symbolication_cache table (owned by internal/collector's schema.go).
func NewCache(db *sql.DB) *Cache {
	return &Cache{db: db}
}

// Lookup returns a cached resolution for (moduleIdentity, relPC), if any.
func (c *Cache) Lookup(ctx context.Context, moduleIdentity string, relPC uint64) (ResolvedFrame, bool, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT function_name, source_file_path, source_line, source_col, status, unresolved_reason
		 FROM symbolication_cache WHERE module_identity = ? AND rel_pc = ?`,
		moduleIdentity, relPC)

	var (
		functionName, sourceFile, status, reason sql.NullString
		sourceLine, sourceCol                     sql.NullInt64
	)
	if err := row.Scan(&functionName, &sourceFile, &sourceLine, &sourceCol, &status, &reason); err != nil {
		if err == sql.ErrNoRows {
			return ResolvedFrame{}, false, nil
		}
		return ResolvedFrame{}, false, err
	}

	rf := ResolvedFrame{
		FunctionName:     functionName.String,
		SourceFilePath:   sourceFile.String,
		SourceLine:       int(sourceLine.Int64),
		SourceColumn:     int(sourceCol.Int64),
		UnresolvedReason: reason.String,
	}
	return rf, true, nil
}

// Store persists a resolution, overwriting any prior entry for the key.
func (c *Cache) Store(ctx context.Context, moduleIdentity string, relPC uint64, rf ResolvedFrame) error {
	status := "resolved"
	if !rf.ok() {
		status = "unresolved"
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO symbolication_cache
		 (module_identity, rel_pc, function_name, source_file_path, source_line, source_col, status, unresolved_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		moduleIdentity, relPC, rf.FunctionName, rf.SourceFilePath, rf.SourceLine, rf.SourceColumn, status, rf.UnresolvedReason,
	)
	return err
}
