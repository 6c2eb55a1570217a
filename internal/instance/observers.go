package instance

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/queryir"
	"github.com/roach88/keel/internal/store"
)

// ObjectChange is delivered to object observers.
type ObjectChange struct {
	// Object is the row's current state; zero when Removed.
	Object ir.Object
	// Removed is set once, when the row was deleted. The observer is
	// evicted right after.
	Removed bool
	// Version is the commit version of the latest change seen.
	Version int64
}

// QueryResult is delivered to query observers. Objects may be empty when
// the result shrank to nothing.
type QueryResult struct {
	Objects []ir.Object
	Version int64
}

// ObjectFunc receives object changes.
type ObjectFunc func(ObjectChange)

// QueryFunc receives fresh query results.
type QueryFunc func(QueryResult)

// ChangeFunc receives the commit version a handle advanced to.
type ChangeFunc func(version int64)

type observerKind uint8

const (
	objectObserver observerKind = iota + 1
	queryObserver
	changeObserver
)

// observer is one registration: a tagged union of object, query and
// handle-wide change observers.
type observer struct {
	token Token
	kind  observerKind
	// since is the snapshot version at registration; only newer changes
	// are delivered.
	since int64

	ref      ir.RowRef
	onObject ObjectFunc

	query   queryir.Query
	tables  []string
	onQuery QueryFunc

	onChange ChangeFunc

	// inWrite marks an object observer registered during a write that has
	// not committed yet; its row may not survive a rollback.
	inWrite bool

	// onRemove runs once when the registration ends for any reason.
	onRemove func()
	removed  bool
}

// observerSet is the arena of a handle's observers, keyed by token.
//
// Removal during dispatch only marks the entry; slices are compacted before
// the next dispatch so indices taken at dispatch start stay valid.
type observerSet struct {
	objects []*observer
	queries []*observer
	changes []*observer
	byToken map[Token]*observer
}

func newObserverSet() observerSet {
	return observerSet{byToken: make(map[Token]*observer)}
}

func (s *observerSet) add(o *observer) {
	s.byToken[o.token] = o
	switch o.kind {
	case objectObserver:
		s.objects = append(s.objects, o)
	case queryObserver:
		s.queries = append(s.queries, o)
	case changeObserver:
		s.changes = append(s.changes, o)
	}
}

// remove ends a registration. Reports whether it was live.
func (s *observerSet) remove(t Token) bool {
	o, ok := s.byToken[t]
	if !ok {
		return false
	}
	s.end(o)
	return true
}

// evictObjectAt removes objects[i]. Callers going through several indices
// must go in reverse.
func (s *observerSet) evictObjectAt(i int) {
	o := s.objects[i]
	s.objects = slices.Delete(s.objects, i, i+1)
	s.end(o)
}

func (s *observerSet) end(o *observer) {
	if o.removed {
		return
	}
	o.removed = true
	delete(s.byToken, o.token)
	if o.onRemove != nil {
		o.onRemove()
	}
}

func (s *observerSet) compact() {
	gone := func(o *observer) bool { return o.removed }
	s.objects = slices.DeleteFunc(s.objects, gone)
	s.queries = slices.DeleteFunc(s.queries, gone)
	s.changes = slices.DeleteFunc(s.changes, gone)
}

func (s *observerSet) clear() {
	for _, o := range s.objects {
		s.end(o)
	}
	for _, o := range s.queries {
		s.end(o)
	}
	for _, o := range s.changes {
		s.end(o)
	}
	s.objects, s.queries, s.changes = nil, nil, nil
	clear(s.byToken)
}

func (s *observerSet) len() int {
	return len(s.byToken)
}

// ObserveObject registers fn for changes to the row at ref. The row must
// exist. fn runs on the owner's goroutine after each advance that changed
// the row, and once more with Removed set when the row is deleted.
func (h *Handle) ObserveObject(ctx context.Context, ref ir.RowRef, fn ObjectFunc) (Token, error) {
	return h.observeObject(ctx, ref, fn, nil)
}

func (h *Handle) observeObject(ctx context.Context, ref ir.RowRef, fn ObjectFunc, onRemove func()) (Token, error) {
	if err := h.checkOpen(); err != nil {
		return 0, err
	}
	if fn == nil {
		return 0, fmt.Errorf("observe %s: nil callback", ref)
	}
	if _, err := h.Table(ctx, ref.Model); err != nil {
		return 0, err
	}
	_, ok, err := h.session.Get(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("observe %s: %w", ref, err)
	}
	if !ok {
		return 0, fmt.Errorf("observe %s: %w", ref, store.ErrNotFound)
	}

	o := &observer{
		token:    h.cache.tokens.next(),
		kind:     objectObserver,
		since:    h.session.Version(),
		ref:      ref,
		onObject: fn,
		onRemove: onRemove,
		inWrite:  h.writing,
	}
	h.observers.add(o)
	slog.Debug("object observer added",
		"path", h.config.path,
		"handle", h.id,
		"token", o.token,
		"row", ref.String(),
	)
	return o.token, nil
}

// ObserveQuery registers fn for changes to q's result. fn runs on the
// owner's goroutine with a freshly computed result after each advance that
// touched any model q reads.
func (h *Handle) ObserveQuery(ctx context.Context, q queryir.Query, fn QueryFunc) (Token, error) {
	return h.observeQuery(ctx, q, fn, nil)
}

func (h *Handle) observeQuery(_ context.Context, q queryir.Query, fn QueryFunc, onRemove func()) (Token, error) {
	if err := h.checkOpen(); err != nil {
		return 0, err
	}
	if fn == nil {
		return 0, fmt.Errorf("observe query: nil callback")
	}
	if err := queryir.Validate(q, h.modelMap()); err != nil {
		return 0, fmt.Errorf("observe query: %w", err)
	}

	o := &observer{
		token:    h.cache.tokens.next(),
		kind:     queryObserver,
		since:    h.session.Version(),
		query:    q,
		tables:   h.cache.queries.Tables(q),
		onQuery:  fn,
		onRemove: onRemove,
	}
	h.observers.add(o)
	slog.Debug("query observer added",
		"path", h.config.path,
		"handle", h.id,
		"token", o.token,
		"tables", o.tables,
	)
	return o.token, nil
}

// ObserveChanges registers fn for every advance of the handle's snapshot,
// whatever changed. fn runs on the owner's goroutine after the object and
// query observers of the same advance.
func (h *Handle) ObserveChanges(fn ChangeFunc) (Token, error) {
	if err := h.checkOpen(); err != nil {
		return 0, err
	}
	if fn == nil {
		return 0, fmt.Errorf("observe changes: nil callback")
	}

	o := &observer{
		token:    h.cache.tokens.next(),
		kind:     changeObserver,
		since:    h.session.Version(),
		onChange: fn,
	}
	h.observers.add(o)
	slog.Debug("change observer added",
		"path", h.config.path,
		"handle", h.id,
		"token", o.token,
	)
	return o.token, nil
}

// Unobserve ends a registration. Reports whether the token was live.
// Safe to call from inside a callback.
func (h *Handle) Unobserve(t Token) bool {
	return h.observers.remove(t)
}

// Observers returns the number of live registrations.
func (h *Handle) Observers() int {
	return h.observers.len()
}
