package instance

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/schema"
)

func TestNewConfigDefaults(t *testing.T) {
	path := testDBPath(t)
	cfg := newTestConfig(t, path)

	canonical, err := CanonicalPath(path)
	require.NoError(t, err)
	assert.Equal(t, canonical, cfg.Path())
	assert.Equal(t, int64(0), cfg.SchemaVersion())
	assert.Nil(t, cfg.EncryptionKey())
	assert.False(t, cfg.DeleteOnMismatch())
	assert.False(t, cfg.HasMigration())

	names := make([]string, 0)
	for _, m := range cfg.Models() {
		names = append(names, m.Name)
	}
	assert.Equal(t, []string{"Dog", "Person"}, names, "models sorted by name")

	dog, ok := cfg.Model("Dog")
	require.True(t, ok)
	assert.Equal(t, dogModel, dog)
	_, ok = cfg.Model("Cat")
	assert.False(t, ok)
}

func TestNewConfigRejectsInvalid(t *testing.T) {
	path := testDBPath(t)
	models := WithModels(dogModel)

	tests := []struct {
		name string
		opts []Option
		want string
	}{
		{"negative version", []Option{models, WithSchemaVersion(-1)}, "negative schema version"},
		{"short key", []Option{models, WithKey([]byte("short"))}, "key must be 64 bytes"},
		{"both policies", []Option{models, WithDeleteOnMismatch(), WithMigration(func(context.Context, *Handle, int64) error { return nil })}, "mutually exclusive"},
		{"invalid model", []Option{WithModels(ir.ModelSpec{Name: "bad name"})}, "bad name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewConfig(path, tt.opts...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := NewConfig("", models)
	assert.Error(t, err)
}

func TestNewConfigUsesDefaultModule(t *testing.T) {
	path := testDBPath(t)

	_, ok := schema.Lookup(schema.DefaultModuleName)
	if !ok {
		_, err := NewConfig(path)
		assert.ErrorContains(t, err, "no models")
	}

	require.NoError(t, schema.Register(schema.Module{Name: schema.DefaultModuleName, Models: []ir.ModelSpec{dogModel}}))
	cfg, err := NewConfig(path)
	require.NoError(t, err)
	_, ok = cfg.Model("Dog")
	assert.True(t, ok)
}

func TestConfigKeyEquality(t *testing.T) {
	path := testDBPath(t)

	a := newTestConfig(t, path, WithModels(dogModel, personModel), WithSchemaVersion(2))
	b := newTestConfig(t, path, WithModels(personModel), WithModels(dogModel), WithSchemaVersion(2))
	assert.Equal(t, a.Key(), b.Key(), "model order and grouping do not matter")

	c := newTestConfig(t, path, WithModels(dogModel, personModel), WithSchemaVersion(3))
	assert.NotEqual(t, a.Key(), c.Key())

	d := newTestConfig(t, path, WithModels(dogModel, personModel), WithSchemaVersion(2), WithKey(testKey(1)))
	assert.NotEqual(t, a.Key(), d.Key())
	assert.Len(t, d.Key().KeyHash, 64)
	assert.NotContains(t, d.String(), string(testKey(1)))
}

func TestCanonicalPathResolvesSymlinks(t *testing.T) {
	dir := t.TempDir()
	realDir := filepath.Join(dir, "realDir")
	require.NoError(t, os.Mkdir(realDir, 0o755))
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(realDir, link))

	viaLink, err := CanonicalPath(filepath.Join(link, "app.db"))
	require.NoError(t, err)
	direct, err := CanonicalPath(filepath.Join(realDir, ".", "app.db"))
	require.NoError(t, err)

	assert.Equal(t, direct, viaLink)
	assert.True(t, filepath.IsAbs(viaLink))
}
