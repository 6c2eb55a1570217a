package testutil

import (
	"path/filepath"
	"testing"

	"github.com/roach88/keel/internal/ir"
)

// PersonModel is keyed by email with an indexed age.
var PersonModel = ir.ModelSpec{
	Name:       "Person",
	PrimaryKey: "email",
	Fields: []ir.FieldSpec{
		{Name: "email", Type: ir.TypeString},
		{Name: "name", Type: ir.TypeString},
		{Name: "age", Type: ir.TypeInt, Indexed: true},
	},
}

// DogModel has no primary key.
var DogModel = ir.ModelSpec{
	Name: "Dog",
	Fields: []ir.FieldSpec{
		{Name: "name", Type: ir.TypeString},
		{Name: "owner", Type: ir.TypeString},
	},
}

// DBPath returns a database path in a fresh temp dir.
func DBPath(t testing.TB) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// Key returns an encryption key of n bytes, all set to b.
func Key(n int, b byte) []byte {
	key := make([]byte, n)
	for i := range key {
		key[i] = b
	}
	return key
}
