package cli

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/queryir"
)

func watchEvents(t *testing.T, output string) []WatchEvent {
	t.Helper()
	var events []WatchEvent
	dec := json.NewDecoder(strings.NewReader(output))
	for dec.More() {
		var resp struct {
			Status string     `json:"status"`
			Data   WatchEvent `json:"data"`
		}
		require.NoError(t, dec.Decode(&resp))
		require.Equal(t, "ok", resp.Status)
		events = append(events, resp.Data)
	}
	return events
}

func TestWatchQuery(t *testing.T) {
	opts := &WatchOptions{
		Model: "Dog",
		Where: []string{"owner=ada", "age=3"},
		Sort:  []string{"-name", "age"},
	}
	q, err := watchQuery(opts)
	require.NoError(t, err)

	assert.Equal(t, "Dog", q.From)
	assert.Equal(t, queryir.And{Predicates: []queryir.Predicate{
		queryir.Equals{Field: "owner", Value: ir.String("ada")},
		queryir.Equals{Field: "age", Value: ir.Int(3)},
	}}, q.Filter)
	assert.Equal(t, []queryir.SortKey{{Field: "name", Desc: true}, {Field: "age"}}, q.Sort)

	_, err = watchQuery(&WatchOptions{Model: "Dog", Where: []string{"owner"}})
	assert.ErrorContains(t, err, "want field=value")
}

func TestWatchPrintsCurrentResult(t *testing.T) {
	w := newWorkspace(t, dogCUE, 1)
	w.seedDogs(t, "rex")

	out, _, err := execute(t, "watch", "--config", w.config, "--model", "Dog", "--count", "1", "--format", "json")
	require.NoError(t, err)

	events := watchEvents(t, out)
	require.Len(t, events, 1)
	assert.Equal(t, int64(2), events[0].Version)
	require.Len(t, events[0].Objects, 1)
	assert.Equal(t, ir.String("rex"), events[0].Objects[0].Get("name"))
}

func TestWatchText(t *testing.T) {
	w := newWorkspace(t, dogCUE, 1)
	w.seedDogs(t, "rex", "fido")

	out, _, err := execute(t, "watch", "-c", w.config, "-m", "Dog", "--sort", "name", "--count", "1")
	require.NoError(t, err)
	assert.Equal(t, "version 2: 2 row(s)\n"+
		"  Dog#2 {\"name\":\"fido\",\"owner\":\"ada\"}\n"+
		"  Dog#1 {\"name\":\"rex\",\"owner\":\"ada\"}\n", out)
}

func TestWatchSeesWritesFromAnotherProcess(t *testing.T) {
	w := newWorkspace(t, dogCUE, 1)
	w.seedDogs(t, "rex")

	out := &syncBuffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&syncBuffer{})
	cmd.SetArgs([]string{"watch", "--config", w.config, "--model", "Dog",
		"--count", "2", "--interval", "10ms", "--format", "json"})

	done := make(chan error, 1)
	go func() { done <- cmd.Execute() }()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"version":2`)
	}, 5*time.Second, 10*time.Millisecond)

	// seedDogs uses its own cache, so the change arrives through the
	// file watcher.
	w.seedDogs(t, "fido")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("watch did not see the second write")
	}

	events := watchEvents(t, out.String())
	require.Len(t, events, 2)
	assert.Len(t, events[0].Objects, 1)
	assert.Equal(t, int64(3), events[1].Version)
	assert.Len(t, events[1].Objects, 2)
}

func TestWatchUnknownModel(t *testing.T) {
	w := newWorkspace(t, dogCUE, 1)

	_, stderr, err := execute(t, "watch", "--config", w.config, "--model", "Cat", "--count", "1")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, stderr, "watch Cat")
}
