package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/roach88/keel/internal/compiler"
	"github.com/roach88/keel/internal/instance"
	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/queryir"
	"github.com/roach88/keel/internal/testutil"
)

// Harness runs one scenario. It holds the shared cache, one handle per
// declared name and the names bound by steps.
type Harness struct {
	cache   *instance.Cache
	config  *instance.Config
	handles map[string]*scenarioHandle
	first   string

	seq    *testutil.Sequence
	result *Result
	step   int

	rows      map[string]ir.RowRef
	observers map[string]boundObserver
}

type scenarioHandle struct {
	name   string
	owner  *instance.Owner
	handle *instance.Handle
}

type boundObserver struct {
	handle string
	token  instance.Token
}

// Run executes a scenario on a fresh database file and returns the result.
//
// Execution flow:
//  1. Collect inline and CUE models
//  2. Open one handle per declared name on a fresh file
//  3. Run the steps, recording notifications in the trace
//  4. Evaluate the assertions against the trace and a fresh snapshot
//
// An error is returned only when the scenario could not be set up; step and
// assertion failures are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	models, err := loadModels(scenario)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp("", "keel-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scenario directory: %w", err)
	}
	defer os.RemoveAll(dir)

	cfg, err := instance.NewConfig(filepath.Join(dir, "scenario.db"),
		instance.WithSchemaVersion(scenario.SchemaVersion),
		instance.WithModels(models...),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build config: %w", err)
	}

	h := &Harness{
		cache:     instance.NewCache(),
		config:    cfg,
		handles:   make(map[string]*scenarioHandle),
		seq:       testutil.NewSequence(),
		result:    NewResult(),
		rows:      make(map[string]ir.RowRef),
		observers: make(map[string]boundObserver),
	}
	defer h.close()

	for _, name := range scenario.handles() {
		owner := instance.NewOwner(name)
		handle, err := h.cache.Acquire(ctx, owner, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open handle %q: %w", name, err)
		}
		h.handles[name] = &scenarioHandle{name: name, owner: owner, handle: handle}
		if h.first == "" {
			h.first = name
		}
	}

	for i, step := range scenario.Steps {
		h.step = i
		err := h.execute(ctx, step)
		if !h.checkOutcome(i, step, err) {
			break
		}
	}

	verifier := instance.NewOwner("assertions")
	view, err := h.cache.Acquire(ctx, verifier, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open assertion handle: %w", err)
	}
	defer h.cache.Release(verifier, cfg)

	actx := &AssertionContext{Handle: view, Ctx: ctx}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

// checkOutcome compares a step's error with its expect_error. Reports
// whether the scenario should continue.
func (h *Harness) checkOutcome(i int, step Step, err error) bool {
	if step.ExpectError == "" {
		if err != nil {
			h.result.AddError(fmt.Sprintf("step %d (%s): unexpected error: %v", i, step.Op, err))
			return false
		}
		return true
	}

	if err == nil {
		h.result.AddError(fmt.Sprintf("step %d (%s): expected error %s, got success", i, step.Op, step.ExpectError))
		return false
	}
	code := string(instance.CodeOf(err))
	if code != step.ExpectError {
		h.result.AddError(fmt.Sprintf("step %d (%s): expected error %s, got %v", i, step.Op, step.ExpectError, err))
		return false
	}
	h.result.AddEvent(TraceEvent{
		Seq:    h.seq.Next(),
		Step:   i,
		Kind:   EventError,
		Handle: h.handleName(step),
		Code:   code,
	})
	return true
}

func (h *Harness) close() {
	for _, sh := range h.handles {
		for sh.owner.Refs(h.config) > 0 {
			if err := h.cache.Release(sh.owner, h.config); err != nil {
				slog.Warn("releasing scenario handle failed", "handle", sh.name, "err", err)
				break
			}
		}
	}
}

func (h *Harness) handleName(step Step) string {
	if step.Handle != "" {
		return step.Handle
	}
	return h.first
}

// execute runs one step on its handle.
func (h *Harness) execute(ctx context.Context, step Step) error {
	sh := h.handles[h.handleName(step)]
	handle := sh.handle

	switch step.Op {
	case OpBegin:
		return handle.Begin(ctx)
	case OpCommit:
		return handle.Commit(ctx)
	case OpCancel:
		return handle.Cancel(ctx)
	case OpRefresh:
		return handle.Refresh(ctx)
	case OpDrain:
		sh.owner.Drain(ctx)
		return nil

	case OpCreate, OpUpsert:
		fields, err := ir.RecordFromGo(step.Fields)
		if err != nil {
			return fmt.Errorf("fields: %w", err)
		}
		return h.write(ctx, handle, func(ctx context.Context) error {
			var obj ir.Object
			var err error
			if step.Op == OpCreate {
				obj, err = handle.Create(ctx, step.Model, fields)
			} else {
				obj, err = handle.CreateOrUpdate(ctx, step.Model, fields)
			}
			if err != nil {
				return err
			}
			if step.As != "" {
				h.rows[step.As] = obj.Ref
			}
			return nil
		})
	case OpUpdate:
		fields, err := ir.RecordFromGo(step.Fields)
		if err != nil {
			return fmt.Errorf("fields: %w", err)
		}
		return h.write(ctx, handle, func(ctx context.Context) error {
			_, err := handle.Update(ctx, h.rows[step.Row], fields)
			return err
		})
	case OpDelete:
		return h.write(ctx, handle, func(ctx context.Context) error {
			return handle.Delete(ctx, h.rows[step.Row])
		})
	case OpClear:
		return h.write(ctx, handle, func(ctx context.Context) error {
			return handle.Clear(ctx, step.Model)
		})

	case OpObserveObject:
		name := step.As
		token, err := handle.ObserveObject(ctx, h.rows[step.Row], func(c instance.ObjectChange) {
			e := h.event(sh.name, name, EventObject, c.Version)
			if c.Removed {
				e.Kind = EventRemoved
			} else {
				e.Objects = []ir.Object{c.Object}
			}
			h.result.AddEvent(e)
		})
		if err != nil {
			return err
		}
		h.observers[name] = boundObserver{handle: sh.name, token: token}
		return nil
	case OpObserveQuery:
		q, err := buildQuery(step)
		if err != nil {
			return err
		}
		name := step.As
		token, err := handle.ObserveQuery(ctx, q, func(r instance.QueryResult) {
			e := h.event(sh.name, name, EventQuery, r.Version)
			e.Objects = r.Objects
			h.result.AddEvent(e)
		})
		if err != nil {
			return err
		}
		h.observers[name] = boundObserver{handle: sh.name, token: token}
		return nil
	case OpUnobserve:
		bound := h.observers[step.Observer]
		if !h.handles[bound.handle].handle.Unobserve(bound.token) {
			return fmt.Errorf("observer %q is no longer registered", step.Observer)
		}
		return nil
	}
	return fmt.Errorf("unknown op %q", step.Op)
}

// write runs fn inside the handle's open transaction, or in a transaction of
// its own when none is open.
func (h *Harness) write(ctx context.Context, handle *instance.Handle, fn func(context.Context) error) error {
	if handle.InTransaction() {
		return fn(ctx)
	}
	return handle.RunInTransaction(ctx, fn)
}

func (h *Harness) event(handle, observer, kind string, version int64) TraceEvent {
	return TraceEvent{
		Seq:      h.seq.Next(),
		Step:     h.step,
		Kind:     kind,
		Handle:   handle,
		Observer: observer,
		Version:  version,
	}
}

// loadModels merges inline models with the models compiled from ModelsDir.
func loadModels(s *Scenario) ([]ir.ModelSpec, error) {
	models := append([]ir.ModelSpec(nil), s.Models...)
	if s.ModelsDir == "" {
		return models, nil
	}
	compiled, errs := compiler.LoadModels(s.ModelsDir)
	if len(errs) > 0 {
		return nil, fmt.Errorf("failed to load models from %s: %w", s.ModelsDir, errors.Join(errs...))
	}
	return append(models, compiled...), nil
}

// buildQuery turns an observe_query step into a query. Where keys are
// sorted so the same step always builds the same query.
func buildQuery(step Step) (queryir.Select, error) {
	keys := make([]string, 0, len(step.Where))
	for k := range step.Where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	preds := make([]queryir.Predicate, 0, len(keys))
	for _, k := range keys {
		v, err := ir.FromGo(step.Where[k])
		if err != nil {
			return queryir.Select{}, fmt.Errorf("where %q: %w", k, err)
		}
		preds = append(preds, queryir.Equals{Field: k, Value: v})
	}

	q := queryir.All(step.Model)
	if len(preds) > 0 {
		q = queryir.Where(step.Model, preds...)
	}
	for _, s := range step.Sort {
		field, desc := strings.CutPrefix(s, "-")
		q.Sort = append(q.Sort, queryir.SortKey{Field: field, Desc: desc})
	}
	return q, nil
}
