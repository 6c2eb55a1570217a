package queryir

import (
	"errors"
	"fmt"

	"github.com/roach88/keel/internal/ir"
)

// Validate checks a query against the permitted model set.
// Returns every problem found, joined (does not fail-fast).
//
// Validate is a pure function with no side effects.
func Validate(q Query, models map[string]ir.ModelSpec) error {
	v := &validator{models: models}
	v.validateQuery(q)
	return errors.Join(v.errs...)
}

type validator struct {
	models map[string]ir.ModelSpec
	errs   []error
}

func (v *validator) addError(format string, args ...any) {
	v.errs = append(v.errs, fmt.Errorf(format, args...))
}

func (v *validator) validateQuery(q Query) {
	switch query := q.(type) {
	case nil:
		v.addError("nil query")
	case Select:
		v.validateSelect(query)
	case Join:
		v.validateSelect(query.Left)
		v.validateSelect(query.Right)
		v.validateJoinField(query.Left.From, query.LeftField)
		v.validateJoinField(query.Right.From, query.RightField)
	default:
		v.addError("unknown query type: %T", q)
	}
}

func (v *validator) validateSelect(sel Select) {
	model, ok := v.models[sel.From]
	if !ok {
		v.addError("unknown model %q", sel.From)
		return
	}
	if sel.Limit < 0 {
		v.addError("%s: negative limit %d", sel.From, sel.Limit)
	}
	for _, key := range sel.Sort {
		f, ok := model.Field(key.Field)
		if !ok {
			v.addError("%s: unknown sort field %q", sel.From, key.Field)
			continue
		}
		if f.Type == ir.TypeList || f.Type == ir.TypeRecord {
			v.addError("%s.%s: cannot sort by %s field", sel.From, key.Field, f.Type)
		}
	}
	if sel.Filter != nil {
		v.validatePredicate(model, sel.Filter)
	}
}

func (v *validator) validateJoinField(model, field string) {
	spec, ok := v.models[model]
	if !ok {
		return
	}
	if _, ok := spec.Field(field); !ok {
		v.addError("%s: unknown join field %q", model, field)
	}
}

func (v *validator) validatePredicate(model ir.ModelSpec, p Predicate) {
	switch pred := p.(type) {
	case Equals:
		v.validateLiteral(model, pred.Field, pred.Value)
	case NotEquals:
		v.validateLiteral(model, pred.Field, pred.Value)
	case Compare:
		f, ok := v.validateLiteral(model, pred.Field, pred.Value)
		if ok && f.Type != ir.TypeString && f.Type != ir.TypeInt {
			v.addError("%s.%s: cannot compare %s field", model.Name, pred.Field, f.Type)
		}
		switch pred.Op {
		case Less, LessEqual, Greater, GreaterEqual:
		default:
			v.addError("%s.%s: invalid operator %q", model.Name, pred.Field, pred.Op)
		}
	case And:
		for _, sub := range pred.Predicates {
			v.validatePredicate(model, sub)
		}
	case Or:
		for _, sub := range pred.Predicates {
			v.validatePredicate(model, sub)
		}
	default:
		v.addError("unknown predicate type: %T", p)
	}
}

func (v *validator) validateLiteral(model ir.ModelSpec, field string, value ir.Value) (ir.FieldSpec, bool) {
	f, ok := model.Field(field)
	if !ok {
		v.addError("%s: unknown field %q", model.Name, field)
		return f, false
	}
	if !f.Type.Accepts(value) {
		v.addError("%s.%s: %T literal does not match %s field", model.Name, field, value, f.Type)
		return f, false
	}
	return f, true
}
