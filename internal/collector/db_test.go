package collector

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peepsnet/peepsd/internal/graphstore"
	"github.com/peepsnet/peepsd/internal/ids"
	"github.com/peepsnet/peepsd/internal/modmanifest"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "collector.db")
	db, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestInsertConnectionAndManifest(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	entries := []modmanifest.Entry{
		{ModuleID: "MODULE#1", ModulePath: "/bin/demo", RuntimeBase: 0x1000, Identity: "buildid:abc", Arch: "x86_64"},
	}
	require.NoError(t, db.InsertConnection(ctx, "conn-1", "demo", 42, entries))

	var processName string
	require.NoError(t, db.sql.QueryRowContext(ctx, `SELECT process_name FROM connections WHERE conn_id = ?`, "conn-1").Scan(&processName))
	assert.Equal(t, "demo", processName)

	var modulePath string
	require.NoError(t, db.sql.QueryRowContext(ctx, `SELECT module_path FROM module_manifest_entries WHERE conn_id = ?`, "conn-1").Scan(&modulePath))
	assert.Equal(t, "/bin/demo", modulePath)
}

func TestApplyChangesPersistsEntityAndCascadeRemoval(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	entityID := ids.ID("ENTITY#1")
	entity := graphstore.Entity{ID: entityID, Name: "fut"}
	upsert := graphstore.StampedChange{SeqNo: 0, Change: graphstore.Change{Kind: graphstore.ChangeUpsertEntity, Entity: &entity}}
	require.NoError(t, db.ApplyChanges(ctx, "conn-1", "STREAM#1", []graphstore.StampedChange{upsert}))

	var count int
	require.NoError(t, db.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities WHERE conn_id = ? AND entity_id = ?`, "conn-1", string(entityID)).Scan(&count))
	assert.Equal(t, 1, count)

	remove := graphstore.StampedChange{SeqNo: 1, Change: graphstore.Change{Kind: graphstore.ChangeRemoveEntity, EntityID: entityID}}
	require.NoError(t, db.ApplyChanges(ctx, "conn-1", "STREAM#1", []graphstore.StampedChange{remove}))

	require.NoError(t, db.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities WHERE conn_id = ? AND entity_id = ?`, "conn-1", string(entityID)).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestApplyChangesEmptyBatchIsNoop(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.ApplyChanges(context.Background(), "conn-1", "STREAM#1", nil))
}

func TestOpenRejectsSecondProcessOnSamePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collector.db")
	first, err := Open(path)
	require.NoError(t, err)
	defer first.Close()

	_, err = Open(path)
	require.Error(t, err)
}

func TestOpenAllowsReopenAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collector.db")
	first, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(path)
	require.NoError(t, err)
	defer second.Close()
}
