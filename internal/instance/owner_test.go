package instance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/queryir"
)

func TestOwnerRunsTasksInOrder(t *testing.T) {
	o := NewOwner("main")
	var got []int
	for i := range 5 {
		require.True(t, o.Post(func(context.Context) { got = append(got, i) }))
	}
	assert.Equal(t, 5, o.Pending())

	assert.Equal(t, 5, o.Drain(context.Background()))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
	assert.Zero(t, o.Pending())
}

func TestOwnerDrainRunsPostedTasks(t *testing.T) {
	o := NewOwner("main")
	var got []string
	o.Post(func(context.Context) {
		got = append(got, "outer")
		o.Post(func(context.Context) { got = append(got, "inner") })
	})

	assert.Equal(t, 2, o.Drain(context.Background()))
	assert.Equal(t, []string{"outer", "inner"}, got)
}

func TestOwnerSurvivesPanic(t *testing.T) {
	o := NewOwner("main")
	ran := false
	o.Post(func(context.Context) { panic("task bug") })
	o.Post(func(context.Context) { ran = true })

	assert.Equal(t, 2, o.Drain(context.Background()))
	assert.True(t, ran)
}

func TestOwnerRunStops(t *testing.T) {
	t.Run("stop", func(t *testing.T) {
		o := NewOwner("main")
		done := make(chan error, 1)
		go func() { done <- o.Run(context.Background()) }()

		ran := make(chan struct{})
		o.Post(func(context.Context) { close(ran) })
		<-ran

		o.Stop()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after Stop")
		}
		assert.False(t, o.Post(func(context.Context) {}), "post after stop")
	})

	t.Run("context", func(t *testing.T) {
		o := NewOwner("main")
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- o.Run(ctx) }()

		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
	})
}

func TestOwnerRunDeliversRefreshes(t *testing.T) {
	c := NewCache()
	cfg := newTestConfig(t, testDBPath(t))
	writer := acquire(t, c, NewOwner("writer"), cfg)

	readerOwner := NewOwner("reader")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The reader's handle lives on its owner's goroutine.
	results := make(chan int, 4)
	ready := make(chan struct{})
	go func() { _ = readerOwner.Run(ctx) }()
	readerOwner.Post(func(ctx context.Context) {
		h, err := c.Acquire(ctx, readerOwner, cfg)
		if !assert.NoError(t, err) {
			close(ready)
			return
		}
		_, err = h.ObserveQuery(ctx, queryir.All("Dog"), func(r QueryResult) { results <- len(r.Objects) })
		assert.NoError(t, err)
		close(ready)
	})
	<-ready

	createDog(t, writer, "rex")
	select {
	case n := <-results:
		assert.Equal(t, 1, n)
	case <-time.After(5 * time.Second):
		t.Fatal("no refresh delivered")
	}

	released := make(chan struct{})
	readerOwner.Post(func(context.Context) {
		assert.NoError(t, c.Release(readerOwner, cfg))
		close(released)
	})
	<-released
}
