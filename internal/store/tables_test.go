package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/ir"
)

func TestSchemaVersion(t *testing.T) {
	f := createTestFile(t)
	s := createTestSession(t, f)
	ctx := context.Background()

	v, err := s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, ir.Unversioned, v)

	assert.ErrorIs(t, s.SetSchemaVersion(ctx, 3), ErrNotWriting)

	write(t, s, func(ctx context.Context) {
		require.NoError(t, s.SetSchemaVersion(ctx, 3))
	})
	v, err = s.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestCreateAndValidateTable(t *testing.T) {
	f := createTestFile(t)
	s := createTestSession(t, f)
	createTables(t, s, personSpec, dogSpec)
	ctx := context.Background()

	names, err := s.TableNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Dog", "Person"}, names)

	require.NoError(t, s.ValidateTable(ctx, personSpec))

	// field order does not matter
	reordered := personSpec
	reordered.Fields = []ir.FieldSpec{personSpec.Fields[4], personSpec.Fields[0], personSpec.Fields[1], personSpec.Fields[2], personSpec.Fields[3]}
	require.NoError(t, s.ValidateTable(ctx, reordered))

	changed := dogSpec
	changed.Fields = []ir.FieldSpec{{Name: "name", Type: ir.TypeInt}}
	err = s.ValidateTable(ctx, changed)
	assert.ErrorIs(t, err, ErrTableMismatch)
	assert.Contains(t, err.Error(), `field "name" is string, want int`)

	err = s.ValidateTable(ctx, ir.ModelSpec{Name: "Cat", Fields: []ir.FieldSpec{{Name: "x", Type: ir.TypeInt}}})
	assert.ErrorIs(t, err, ErrTableMismatch)

	require.NoError(t, s.BeginWrite(ctx))
	assert.Error(t, s.CreateTable(ctx, dogSpec), "duplicate table")
	require.NoError(t, s.Rollback(ctx))
}

func TestAlterFields(t *testing.T) {
	f := createTestFile(t)
	s := createTestSession(t, f)
	createTables(t, s, dogSpec)
	ctx := context.Background()

	var rex ir.Object
	write(t, s, func(ctx context.Context) {
		var err error
		rex, err = s.Create(ctx, "Dog", ir.Record{"name": ir.String("rex")})
		require.NoError(t, err)
	})

	write(t, s, func(ctx context.Context) {
		require.NoError(t, s.AddField(ctx, "Dog", ir.FieldSpec{Name: "age", Type: ir.TypeInt, Indexed: true}))
		require.NoError(t, s.AddField(ctx, "Dog", ir.FieldSpec{Name: "toys", Type: ir.TypeList}))
		require.NoError(t, s.RenameField(ctx, "Dog", "name", "title"))
		require.NoError(t, s.RenameField(ctx, "Dog", "age", "years"))
		require.NoError(t, s.RemoveField(ctx, "Dog", "toys"))
	})

	got, ok, err := s.Get(ctx, rex.Ref)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.Record{"title": ir.String("rex"), "years": ir.Int(0)}, got.Fields)

	want := ir.ModelSpec{Name: "Dog", Fields: []ir.FieldSpec{
		{Name: "title", Type: ir.TypeString},
		{Name: "years", Type: ir.TypeInt, Indexed: true},
	}}
	require.NoError(t, s.ValidateTable(ctx, want))

	require.NoError(t, s.BeginWrite(ctx))
	assert.ErrorIs(t, s.RemoveField(ctx, "Dog", "missing"), ErrNotFound)
	assert.Error(t, s.AddField(ctx, "Dog", ir.FieldSpec{Name: "title", Type: ir.TypeString}))
	assert.Error(t, s.RenameField(ctx, "Dog", "title", "years"))
	require.NoError(t, s.Rollback(ctx))
}

func TestDropTable(t *testing.T) {
	f := createTestFile(t)
	s := createTestSession(t, f)
	createTables(t, s, dogSpec)
	ctx := context.Background()

	var rex ir.Object
	write(t, s, func(ctx context.Context) {
		var err error
		rex, err = s.Create(ctx, "Dog", ir.Record{"name": ir.String("rex")})
		require.NoError(t, err)
	})

	write(t, s, func(ctx context.Context) {
		require.NoError(t, s.DropTable(ctx, "Dog"))
	})

	ok, err := s.HasTable(ctx, "Dog")
	require.NoError(t, err)
	assert.False(t, ok)

	_, found, err := s.Get(ctx, rex.Ref)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPrimaryKeyCannotBeRemoved(t *testing.T) {
	f := createTestFile(t)
	s := createTestSession(t, f)
	createTables(t, s, personSpec)
	ctx := context.Background()

	require.NoError(t, s.BeginWrite(ctx))
	assert.Error(t, s.RemoveField(ctx, "Person", "email"))
	require.NoError(t, s.Rollback(ctx))
}
