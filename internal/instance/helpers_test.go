package instance

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/testutil"
)

var (
	personModel = testutil.PersonModel
	dogModel    = testutil.DogModel
)

// countingStorage is SQLite storage that counts physical opens and closes.
type countingStorage struct {
	SQLite

	mu     sync.Mutex
	opens  int
	closes int
}

func (s *countingStorage) Open(ctx context.Context, path string, key []byte) (File, error) {
	f, err := s.SQLite.Open(ctx, path, key)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.opens++
	s.mu.Unlock()
	return &countingFile{File: f, s: s}, nil
}

func (s *countingStorage) counts() (opens, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens, s.closes
}

type countingFile struct {
	File
	s *countingStorage
}

func (f *countingFile) Close() error {
	f.s.mu.Lock()
	f.s.closes++
	f.s.mu.Unlock()
	return f.File.Close()
}

// testDBPath returns a fresh database path in a temp dir.
func testDBPath(t *testing.T) string {
	t.Helper()
	return testutil.DBPath(t)
}

// newTestConfig builds a config over Person and Dog unless opts add
// other models.
func newTestConfig(t *testing.T, path string, opts ...Option) *Config {
	t.Helper()
	if len(opts) == 0 {
		opts = []Option{WithModels(personModel, dogModel)}
	}
	cfg, err := NewConfig(path, opts...)
	require.NoError(t, err)
	return cfg
}

// acquire gets a handle and releases everything o still holds at cleanup.
func acquire(t *testing.T, c *Cache, o *Owner, cfg *Config) *Handle {
	t.Helper()
	h, err := c.Acquire(context.Background(), o, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		for o.Refs(cfg) > 0 {
			_ = c.Release(o, cfg)
		}
	})
	return h
}

// createDog commits one Dog row.
func createDog(t *testing.T, h *Handle, name string) ir.Object {
	t.Helper()
	var obj ir.Object
	require.NoError(t, h.RunInTransaction(context.Background(), func(ctx context.Context) error {
		var err error
		obj, err = h.Create(ctx, "Dog", ir.Record{"name": ir.String(name)})
		return err
	}))
	return obj
}

func testKey(b byte) []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = b
	}
	return key
}
