package instance

import (
	"context"
	"fmt"

	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/queryir"
)

// ObjectChanges streams the row at ref: first its current state, then each
// change. Only the latest undelivered change is kept, so a slow reader sees
// the newest state rather than every step. The channel is closed after the
// Removed change, when ctx is done, or when the handle closes.
//
// Cancelling ctx posts the unsubscribe onto the owner; the channel closes
// once the owner runs it.
func (h *Handle) ObjectChanges(ctx context.Context, ref ir.RowRef) (<-chan ObjectChange, error) {
	obj, ok, err := h.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("object changes %s: row does not exist", ref)
	}

	ch := make(chan ObjectChange, 1)
	ch <- ObjectChange{Object: obj, Version: h.session.Version()}

	done := make(chan struct{})
	token, err := h.observeObject(ctx, ref,
		func(c ObjectChange) { offer(ch, c) },
		func() { close(ch); close(done) })
	if err != nil {
		return nil, err
	}
	h.unsubscribeOnDone(ctx, token, done)
	return ch, nil
}

// QueryChanges streams q's result: first the current result, then a fresh
// result after each change to the models q reads. Delivery and closing work
// as for ObjectChanges.
func (h *Handle) QueryChanges(ctx context.Context, q queryir.Query) (<-chan QueryResult, error) {
	objs, err := h.Find(ctx, q)
	if err != nil {
		return nil, err
	}

	ch := make(chan QueryResult, 1)
	ch <- QueryResult{Objects: objs, Version: h.session.Version()}

	done := make(chan struct{})
	token, err := h.observeQuery(ctx, q,
		func(r QueryResult) { offer(ch, r) },
		func() { close(ch); close(done) })
	if err != nil {
		return nil, err
	}
	h.unsubscribeOnDone(ctx, token, done)
	return ch, nil
}

// unsubscribeOnDone ends the registration when ctx is done. done is closed
// when the registration ends some other way.
func (h *Handle) unsubscribeOnDone(ctx context.Context, token Token, done <-chan struct{}) {
	if ctx.Done() == nil || h.owner == nil {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			h.owner.Post(func(context.Context) { h.Unobserve(token) })
		case <-done:
		}
	}()
}

// offer sends v, replacing an undelivered value if the buffer is full.
// Only the owner's goroutine sends, so the loop ends.
func offer[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
