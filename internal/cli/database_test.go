package cli

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInfo(t *testing.T) {
	w := newWorkspace(t, dogCUE, 1)
	w.seedDogs(t, "rex", "fido")

	out, _, err := execute(t, "info", "--config", w.config, "--format", "json")
	require.NoError(t, err)

	var info InfoResult
	resp := decodeData(t, out, &info)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, int64(1), info.SchemaVersion)
	assert.Equal(t, int64(2), info.Version, "schema creation then one write")
	assert.Equal(t, 1, info.Refs)
	require.Len(t, info.Configs, 1)
	assert.Contains(t, info.Configs[0], "version=1")
	assert.False(t, info.Encrypted)
	assert.NotEmpty(t, info.ModelHash)
	assert.Equal(t, []TableInfo{{Name: "Dog", Fields: 2, Rows: 2}}, info.Tables)
}

func TestInfoText(t *testing.T) {
	w := newWorkspace(t, dogCUE, 1)
	w.seedDogs(t, "rex")

	out, _, err := execute(t, "info", "-c", w.config)
	require.NoError(t, err)
	assert.Contains(t, out, "Schema version: 1")
	assert.Contains(t, out, "Dog")
	assert.Contains(t, out, "1 rows (2 fields)")
}

func TestInfoCreatesFreshFile(t *testing.T) {
	w := newWorkspace(t, dogCUE, 4)

	out, _, err := execute(t, "info", "--config", w.config, "--format", "json")
	require.NoError(t, err)

	var info InfoResult
	decodeData(t, out, &info)
	assert.Equal(t, int64(4), info.SchemaVersion)
	assert.Equal(t, []TableInfo{{Name: "Dog", Fields: 2, Rows: 0}}, info.Tables)
	assert.FileExists(t, w.dbPath())
}

func TestInfoMissingConfig(t *testing.T) {
	_, stderr, err := execute(t, "info", "--config", "/nonexistent/keel.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, stderr, "load config")
}

func TestMigrateFreshFile(t *testing.T) {
	w := newWorkspace(t, dogCUE, 1)

	out, _, err := execute(t, "migrate", "--config", w.config, "--format", "json")
	require.NoError(t, err)

	var res MigrateResult
	decodeData(t, out, &res)
	assert.True(t, res.Created)
	assert.Equal(t, int64(1), res.To)
}

func TestMigrateCurrentFile(t *testing.T) {
	w := newWorkspace(t, dogCUE, 1)
	w.seedDogs(t, "rex")

	out, _, err := execute(t, "migrate", "--config", w.config)
	require.NoError(t, err)
	assert.Contains(t, out, "schema version 1 is current")
}

func TestMigrateAddFields(t *testing.T) {
	w := newWorkspace(t, dogCUE, 1)
	w.seedDogs(t, "rex")

	w.writeFile(t, "models/dog.cue", dogWithAgeCUE)
	w.writeConfig(t, 2)

	_, stderr, err := execute(t, "migrate", "--config", w.config)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, stderr, "Error [MIGRATION_NEEDED]")

	out, _, err := execute(t, "migrate", "--config", w.config, "--add-fields", "--format", "json")
	require.NoError(t, err)
	var res MigrateResult
	decodeData(t, out, &res)
	assert.Equal(t, MigrateResult{Path: res.Path, From: 1, To: 2}, res)

	out, _, err = execute(t, "info", "--config", w.config, "--format", "json")
	require.NoError(t, err)
	var info InfoResult
	decodeData(t, out, &info)
	assert.Equal(t, []TableInfo{{Name: "Dog", Fields: 3, Rows: 1}}, info.Tables)
}

func TestMigrateDeleteOnMismatch(t *testing.T) {
	w := newWorkspace(t, dogCUE, 1)
	w.seedDogs(t, "rex", "fido")
	w.writeConfig(t, 2)

	_, _, err := execute(t, "migrate", "--config", w.config, "--delete-on-mismatch")
	require.NoError(t, err)

	out, _, err := execute(t, "info", "--config", w.config, "--format", "json")
	require.NoError(t, err)
	var info InfoResult
	decodeData(t, out, &info)
	assert.Equal(t, int64(2), info.SchemaVersion)
	assert.Equal(t, int64(0), info.Tables[0].Rows, "file was recreated")
}

func TestMigrateNewerFileIsRejected(t *testing.T) {
	w := newWorkspace(t, dogCUE, 3)
	w.seedDogs(t, "rex")
	w.writeConfig(t, 2)

	out, _, err := execute(t, "migrate", "--config", w.config, "--format", "json", "--add-fields")
	require.Error(t, err)
	resp := decodeData(t, out, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "SCHEMA_NEWER_THAN_CODE", resp.Error.Code)
}

func TestCompactAndDelete(t *testing.T) {
	w := newWorkspace(t, dogCUE, 1)
	w.seedDogs(t, "rex", "fido", "bo")

	out, _, err := execute(t, "compact", "--config", w.config)
	require.NoError(t, err)
	assert.Contains(t, out, "compacted")
	assert.FileExists(t, w.dbPath())
	assert.NoFileExists(t, w.dbPath()+".compact")

	out, _, err = execute(t, "info", "--config", w.config, "--format", "json")
	require.NoError(t, err)
	var info InfoResult
	decodeData(t, out, &info)
	assert.Equal(t, int64(3), info.Tables[0].Rows, "rows survive compaction")

	out, _, err = execute(t, "delete", "--config", w.config, "--format", "json")
	require.NoError(t, err)
	var res FileResult
	decodeData(t, out, &res)
	assert.Equal(t, "deleted", res.Action)
	assert.Zero(t, res.Size)

	_, err = os.Stat(w.dbPath())
	assert.True(t, os.IsNotExist(err))
	assert.NoFileExists(t, w.dbPath()+"-wal")
}

func TestDeleteMissingFileSucceeds(t *testing.T) {
	w := newWorkspace(t, dogCUE, 1)
	_, _, err := execute(t, "delete", "--config", w.config)
	require.NoError(t, err)
}
