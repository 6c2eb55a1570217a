package queryir

import (
	"fmt"

	"github.com/roach88/keel/internal/ir"
)

// Describe returns a canonical record for a query, suitable for
// ir.QueryFingerprint. Equal queries describe equally.
func Describe(q Query) (ir.Record, error) {
	switch query := q.(type) {
	case Select:
		return describeSelect(query)
	case Join:
		left, err := describeSelect(query.Left)
		if err != nil {
			return nil, err
		}
		right, err := describeSelect(query.Right)
		if err != nil {
			return nil, err
		}
		return ir.Record{
			"join":        ir.String("semi"),
			"left":        left,
			"right":       right,
			"left_field":  ir.String(query.LeftField),
			"right_field": ir.String(query.RightField),
		}, nil
	default:
		return nil, fmt.Errorf("unknown query type: %T", q)
	}
}

func describeSelect(s Select) (ir.Record, error) {
	rec := ir.Record{"from": ir.String(s.From)}
	if s.Filter != nil {
		pred, err := describePredicate(s.Filter)
		if err != nil {
			return nil, err
		}
		rec["filter"] = pred
	}
	if len(s.Sort) > 0 {
		keys := make(ir.List, len(s.Sort))
		for i, k := range s.Sort {
			keys[i] = ir.Record{"field": ir.String(k.Field), "desc": ir.Bool(k.Desc)}
		}
		rec["sort"] = keys
	}
	if s.Limit > 0 {
		rec["limit"] = ir.Int(s.Limit)
	}
	return rec, nil
}

func describePredicate(p Predicate) (ir.Value, error) {
	switch pred := p.(type) {
	case Equals:
		return ir.Record{"op": ir.String("="), "field": ir.String(pred.Field), "value": pred.Value}, nil
	case NotEquals:
		return ir.Record{"op": ir.String("!="), "field": ir.String(pred.Field), "value": pred.Value}, nil
	case Compare:
		return ir.Record{"op": ir.String(string(pred.Op)), "field": ir.String(pred.Field), "value": pred.Value}, nil
	case And:
		return describeList("and", pred.Predicates)
	case Or:
		return describeList("or", pred.Predicates)
	default:
		return nil, fmt.Errorf("unknown predicate type: %T", p)
	}
}

func describeList(op string, preds []Predicate) (ir.Value, error) {
	list := make(ir.List, len(preds))
	for i, p := range preds {
		d, err := describePredicate(p)
		if err != nil {
			return nil, err
		}
		list[i] = d
	}
	return ir.Record{"op": ir.String(op), "args": list}, nil
}
