package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/ir"
)

var personSpec = ir.ModelSpec{
	Name:       "Person",
	PrimaryKey: "email",
	Fields: []ir.FieldSpec{
		{Name: "email", Type: ir.TypeString},
		{Name: "age", Type: ir.TypeInt, Indexed: true},
		{Name: "admin", Type: ir.TypeBool},
		{Name: "tags", Type: ir.TypeList},
		{Name: "meta", Type: ir.TypeRecord},
	},
}

var dogSpec = ir.ModelSpec{
	Name:   "Dog",
	Fields: []ir.FieldSpec{{Name: "name", Type: ir.TypeString}},
}

// createTestFile opens a fresh database in a temp dir.
func createTestFile(t *testing.T) *File {
	t.Helper()
	f, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

// createTestSession opens a session on f, closed at cleanup.
func createTestSession(t *testing.T, f *File) *Session {
	t.Helper()
	s, err := f.NewSession(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// createTables creates the test models in one committed write.
func createTables(t *testing.T, s *Session, specs ...ir.ModelSpec) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.BeginWrite(ctx))
	for _, spec := range specs {
		require.NoError(t, s.CreateTable(ctx, spec))
	}
	require.NoError(t, s.Commit(ctx))
}

// write runs fn in a committed write.
func write(t *testing.T, s *Session, fn func(ctx context.Context)) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.BeginWrite(ctx))
	fn(ctx)
	require.NoError(t, s.Commit(ctx))
}
