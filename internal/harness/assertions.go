package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/keel/internal/instance"
	"github.com/roach88/keel/internal/ir"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] step %d %s %s", event.Seq, event.Step, event.Handle, event.Kind)
			if event.Observer != "" {
				fmt.Fprintf(&buf, " %s (%d objects)", event.Observer, len(event.Objects))
			}
			if event.Code != "" {
				fmt.Fprintf(&buf, " %s", event.Code)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// AssertionContext gives final_state assertions a snapshot to read.
type AssertionContext struct {
	Handle *instance.Handle
	Ctx    context.Context
}

// EvaluateAssertions runs every assertion and returns the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertNotificationCount:
			err = assertNotificationCount(result, a)
		case AssertNotificationOrder:
			err = assertNotificationOrder(result, a)
		case AssertLastResult:
			err = assertLastResult(result, a)
		case AssertFinalState:
			if actx == nil || actx.Handle == nil {
				err = fmt.Errorf("final_state assertion needs a handle")
			} else {
				err = assertFinalState(actx.Ctx, actx.Handle, a)
			}
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return errs
}

func assertNotificationCount(result *Result, a Assertion) error {
	got := len(result.Notifications(a.Observer))
	if got != a.Count {
		return &AssertionError{
			Type:     AssertNotificationCount,
			Expected: fmt.Sprintf("%d notifications to %s", a.Count, a.Observer),
			Actual:   fmt.Sprintf("%d notifications", got),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertNotificationOrder checks that each observer's first notification
// comes after the previous observer's. Other events may come in between.
func assertNotificationOrder(result *Result, a Assertion) error {
	first := make(map[string]int64)
	for _, e := range result.Trace {
		if e.Observer == "" || e.Kind == EventError {
			continue
		}
		if _, seen := first[e.Observer]; !seen {
			first[e.Observer] = e.Seq
		}
	}

	for _, o := range a.Observers {
		if _, ok := first[o]; !ok {
			return &AssertionError{
				Type:     AssertNotificationOrder,
				Expected: fmt.Sprintf("all observers notified: %v", a.Observers),
				Actual:   fmt.Sprintf("%s was never notified", o),
				Trace:    result.Trace,
			}
		}
	}
	for i := 1; i < len(a.Observers); i++ {
		prev, curr := a.Observers[i-1], a.Observers[i]
		if first[prev] >= first[curr] {
			return &AssertionError{
				Type:     AssertNotificationOrder,
				Expected: fmt.Sprintf("observers notified in order: %v", a.Observers),
				Actual: fmt.Sprintf("%s (seq %d) should be before %s (seq %d)",
					prev, first[prev], curr, first[curr]),
				Trace: result.Trace,
			}
		}
	}
	return nil
}

func assertLastResult(result *Result, a Assertion) error {
	events := result.Notifications(a.Observer)
	if len(events) == 0 {
		return &AssertionError{
			Type:     AssertLastResult,
			Expected: fmt.Sprintf("a notification to %s", a.Observer),
			Actual:   "none",
			Trace:    result.Trace,
		}
	}
	last := events[len(events)-1]
	if len(last.Objects) != a.Count {
		return &AssertionError{
			Type:     AssertLastResult,
			Expected: fmt.Sprintf("%d objects in the last notification to %s", a.Count, a.Observer),
			Actual:   fmt.Sprintf("%d objects", len(last.Objects)),
			Trace:    result.Trace,
		}
	}
	return nil
}

// assertFinalState finds the single row of a.Model matching a.Where and
// checks the fields in a.Expect (subset semantics).
func assertFinalState(ctx context.Context, h *instance.Handle, a Assertion) error {
	q, err := buildQuery(Step{Model: a.Model, Where: a.Where})
	if err != nil {
		return err
	}
	rows, err := h.Find(ctx, q)
	if err != nil {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("query %s", a.Model),
			Actual:   fmt.Sprintf("query error: %v", err),
		}
	}

	switch len(rows) {
	case 1:
	case 0:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row in %s where %s", a.Model, formatWhere(a.Where)),
			Actual:   "row not found",
		}
	default:
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("exactly one row in %s where %s", a.Model, formatWhere(a.Where)),
			Actual:   fmt.Sprintf("%d rows matched (assertion is ambiguous)", len(rows)),
		}
	}

	row := rows[0]
	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		want, err := ir.FromGo(a.Expect[key])
		if err != nil {
			return fmt.Errorf("expect %q: %w", key, err)
		}
		got, ok := row.Fields[key]
		if !ok {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("fields of %s: %v", row.Ref, row.Fields.SortedKeys()),
			}
		}
		if !ir.Equal(want, got) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v", key, want),
				Actual:   fmt.Sprintf("field %q = %v", key, got),
			}
		}
	}
	return nil
}

func formatWhere(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}
	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}
