package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/config"
	"github.com/roach88/keel/internal/instance"
	"github.com/roach88/keel/internal/ir"
)

const dogCUE = `package models

model: Dog: {
	fields: {
		name:  string
		owner: string
	}
}
`

const dogWithAgeCUE = `package models

model: Dog: {
	fields: {
		name:  string
		owner: string
		age:   int
	}
}
`

type workspace struct {
	dir    string
	config string
}

// newWorkspace writes a models directory and a keel.yaml describing
// app.db at the given schema version.
func newWorkspace(t *testing.T, models string, version int) *workspace {
	t.Helper()
	w := &workspace{dir: t.TempDir()}
	w.writeFile(t, "models/dog.cue", models)
	w.config = w.writeConfig(t, version)
	return w
}

func (w *workspace) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(w.dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (w *workspace) writeConfig(t *testing.T, version int) string {
	t.Helper()
	return w.writeFile(t, "keel.yaml", "path: app.db\nmodels_dir: models\nschema_version: "+strconv.Itoa(version)+"\n")
}

func (w *workspace) dbPath() string {
	return filepath.Join(w.dir, "app.db")
}

// seedDogs opens the workspace database in a separate cache, as another
// process would, and creates one Dog per name.
func (w *workspace) seedDogs(t *testing.T, names ...string) {
	t.Helper()
	f, err := config.Load(w.config)
	require.NoError(t, err)
	cfg, err := f.Build()
	require.NoError(t, err)

	ctx := context.Background()
	cache := instance.NewCache()
	owner := instance.NewOwner("seed")
	h, err := cache.Acquire(ctx, owner, cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, cache.Release(owner, cfg)) }()

	require.NoError(t, h.RunInTransaction(ctx, func(ctx context.Context) error {
		for _, name := range names {
			if _, err := h.Create(ctx, "Dog", ir.NewRecord(ir.F("name", ir.String(name)), ir.F("owner", ir.String("ada")))); err != nil {
				return err
			}
		}
		return nil
	}))
}

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (stdout, stderr string, err error) {
	t.Helper()
	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err = cmd.Execute()
	return out.String(), errOut.String(), err
}

// decodeData decodes a JSON CLIResponse and its data into v.
func decodeData(t *testing.T, output string, v any) CLIResponse {
	t.Helper()
	var resp struct {
		CLIResponse
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(output), &resp), output)
	if v != nil {
		require.NoError(t, json.Unmarshal(resp.Data, v))
	}
	return resp.CLIResponse
}

// syncBuffer is a bytes.Buffer safe for one writer and concurrent readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
