package collector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "modernc.org/sqlite"

	"github.com/peepsnet/peepsd/internal/graphstore"
	"github.com/peepsnet/peepsd/internal/modmanifest"
)

// DB is the collector's SQLite-backed persistence layer. Grounded on the
// teacher's cmd/bd/migrate.go, which opens its local database with the
// pure-Go "sqlite" driver (modernc.org/sqlite) rather than the cgo
// mattn/go-sqlite3 driver or the dolt-backed dolthub/driver the teacher
// uses for its distributed backend — this collector has no distributed
// storage concern, so it keeps the plain local-file driver only.
type DB struct {
	sql  *sql.DB
	lock *os.File
}

// Open opens (creating if absent) the SQLite database at path and applies
// the schema. A sidecar path+".lock" file guards against a second
// collector process pointed at the same database, the same single-
// instance guard the teacher's internal/lockfile gives its daemon.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		lockFile, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("collector: open lock file: %w", err)
		}
		if err := flockExclusive(lockFile); err != nil {
			lockFile.Close()
			return nil, err
		}
		return openLocked(path, lockFile)
	}
	return openLocked(path, nil)
}

func openLocked(path string, lockFile *os.File) (*DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		if lockFile != nil {
			lockFile.Close()
		}
		return nil, err
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		sqlDB.Close()
		if lockFile != nil {
			lockFile.Close()
		}
		return nil, err
	}
	return &DB{sql: sqlDB, lock: lockFile}, nil
}

// Close closes the underlying database handle and releases the lock file.
func (d *DB) Close() error {
	err := d.sql.Close()
	if d.lock != nil {
		_ = flockUnlock(d.lock)
		_ = d.lock.Close()
	}
	return err
}

// SQL returns the underlying *sql.DB, for packages (internal/symbolicator's
// Cache) that share this same database file and schema rather than
// opening their own connection.
func (d *DB) SQL() *sql.DB { return d.sql }

// InsertConnection persists a newly-handshaken connection and its module
// manifest.
func (d *DB) InsertConnection(ctx context.Context, connID, processName string, pid uint32, entries []modmanifest.Entry) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO connections (conn_id, process_name, pid, connected_at) VALUES (?, ?, ?, ?)`,
		connID, processName, pid, time.Now().UnixNano(),
	); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO module_manifest_entries (conn_id, module_id, module_path, runtime_base, identity, arch) VALUES (?, ?, ?, ?, ?, ?)`,
			connID, string(e.ModuleID), e.ModulePath, e.RuntimeBase, string(e.Identity), e.Arch,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CloseConnection marks a connection as closed.
func (d *DB) CloseConnection(ctx context.Context, connID string) error {
	_, err := d.sql.ExecContext(ctx, `UPDATE connections SET closed_at = ? WHERE conn_id = ?`, time.Now().UnixNano(), connID)
	return err
}

// ApplyChanges persists every change in a DeltaBatch atomically, one
// transaction per batch per the spec's "atomic per-batch" requirement.
func (d *DB) ApplyChanges(ctx context.Context, connID string, streamID string, changes []graphstore.StampedChange) error {
	if len(changes) == 0 {
		return nil
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, sc := range changes {
		if err := applyOneChange(ctx, tx, connID, streamID, sc.Change); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func applyOneChange(ctx context.Context, tx *sql.Tx, connID, streamID string, c graphstore.Change) error {
	switch c.Kind {
	case graphstore.ChangeUpsertEntity:
		payload, err := json.Marshal(c.Entity)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO entities (conn_id, stream_id, entity_id, payload) VALUES (?, ?, ?, ?)`,
			connID, streamID, string(c.Entity.ID), payload)
		return err
	case graphstore.ChangeRemoveEntity:
		_, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE conn_id = ? AND stream_id = ? AND entity_id = ?`, connID, streamID, string(c.EntityID))
		return err
	case graphstore.ChangeUpsertScope:
		payload, err := json.Marshal(c.Scope)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO scopes (conn_id, stream_id, scope_id, payload) VALUES (?, ?, ?, ?)`,
			connID, streamID, string(c.Scope.ID), payload)
		return err
	case graphstore.ChangeRemoveScope:
		_, err := tx.ExecContext(ctx, `DELETE FROM scopes WHERE conn_id = ? AND stream_id = ? AND scope_id = ?`, connID, streamID, string(c.ScopeID))
		return err
	case graphstore.ChangeUpsertEntityScopeLink:
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO entity_scope_links (conn_id, stream_id, entity_id, scope_id) VALUES (?, ?, ?, ?)`,
			connID, streamID, string(c.Link.EntityID), string(c.Link.ScopeID))
		return err
	case graphstore.ChangeRemoveEntityScopeLink:
		_, err := tx.ExecContext(ctx,
			`DELETE FROM entity_scope_links WHERE conn_id = ? AND stream_id = ? AND entity_id = ? AND scope_id = ?`,
			connID, streamID, string(c.Link.EntityID), string(c.Link.ScopeID))
		return err
	case graphstore.ChangeUpsertEdge:
		payload, err := json.Marshal(c.Edge)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO edges (conn_id, stream_id, src, dst, kind, payload) VALUES (?, ?, ?, ?, ?, ?)`,
			connID, streamID, string(c.Edge.Src), string(c.Edge.Dst), string(c.Edge.Kind), payload)
		return err
	case graphstore.ChangeRemoveEdge:
		key := c.EdgeKey
		_, err := tx.ExecContext(ctx,
			`DELETE FROM edges WHERE conn_id = ? AND stream_id = ? AND src = ? AND dst = ? AND kind = ?`,
			connID, streamID, string(key.Src), string(key.Dst), string(key.Kind))
		return err
	case graphstore.ChangeAppendEvent:
		payload, err := json.Marshal(c.Event)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO events (conn_id, stream_id, event_id, payload) VALUES (?, ?, ?, ?)`,
			connID, streamID, string(c.Event.ID), payload)
		return err
	default:
		return fmt.Errorf("collector: unknown change kind %q", c.Kind)
	}
}

// InsertBacktraceFrames persists the raw (unsymbolicated) frames of one
// backtrace, keyed for later lookup by the snapshot frame catalog. It is
// idempotent: re-inserting the same backtrace id overwrites identical rows.
func (d *DB) InsertBacktraceFrames(ctx context.Context, connID string, rec wireRecord) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, f := range rec.Frames {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO backtrace_raw_frames (conn_id, backtrace_id, frame_index, module_path, rel_pc, module_identity) VALUES (?, ?, ?, ?, ?, ?)`,
			connID, string(rec.ID), i, f.ModulePath, f.RelPC, f.ModuleIdentity,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RawFrame is one persisted backtrace_raw_frames row.
type RawFrame struct {
	FrameIndex     int
	ModulePath     string
	RelPC          uint64
	ModuleIdentity string
}

// LoadBacktraceFrames loads the raw frames previously persisted for
// (connID, backtraceID) by InsertBacktraceFrames, ordered by frame_index,
// for the frame catalog to intern and the symbolicator to resolve
// (§4.I step 1).
func (d *DB) LoadBacktraceFrames(ctx context.Context, connID, backtraceID string) ([]RawFrame, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT frame_index, module_path, rel_pc, module_identity
		 FROM backtrace_raw_frames WHERE conn_id = ? AND backtrace_id = ? ORDER BY frame_index`,
		connID, backtraceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RawFrame
	for rows.Next() {
		var f RawFrame
		if err := rows.Scan(&f.FrameIndex, &f.ModulePath, &f.RelPC, &f.ModuleIdentity); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// wireRecord is the resolved (module path + identity attached) form of a
// wire.BacktraceRecordMsg, built by the dispatcher from the connection's
// stored module manifest before insertion.
type wireRecord struct {
	ID     string
	Frames []wireFrame
}

type wireFrame struct {
	ModulePath     string
	ModuleIdentity string
	RelPC          uint64
}
