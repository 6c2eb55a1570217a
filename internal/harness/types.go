package harness

import "github.com/roach88/keel/internal/ir"

// Trace event kinds.
const (
	EventObject  = "object"
	EventRemoved = "removed"
	EventQuery   = "query"
	EventError   = "error"
)

// TraceEvent is one notification, or one expected error, observed while a
// scenario ran.
type TraceEvent struct {
	Seq      int64       `json:"seq"`
	Step     int         `json:"step"`
	Kind     string      `json:"kind"`
	Handle   string      `json:"handle"`
	Observer string      `json:"observer,omitempty"`
	Version  int64       `json:"version,omitempty"`
	Objects  []ir.Object `json:"objects,omitempty"`
	Code     string      `json:"code,omitempty"`
}

// Result is the outcome of a scenario.
type Result struct {
	// Pass is true when every step behaved as scripted and every assertion
	// held.
	Pass bool `json:"pass"`

	// Trace holds notifications in delivery order.
	Trace []TraceEvent `json:"trace"`

	// Errors is empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddEvent appends a trace event.
func (r *Result) AddEvent(e TraceEvent) {
	r.Trace = append(r.Trace, e)
}

// Notifications returns the events delivered to one observer.
func (r *Result) Notifications(observer string) []TraceEvent {
	var out []TraceEvent
	for _, e := range r.Trace {
		if e.Observer == observer && e.Kind != EventError {
			out = append(out, e)
		}
	}
	return out
}
