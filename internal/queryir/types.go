package queryir

import (
	"slices"

	"github.com/roach88/keel/internal/ir"
)

// Query represents an abstract query.
//
// This is a sealed interface - only types in this package implement it.
type Query interface {
	queryNode()
	// Tables returns the models the query reads, sorted and deduplicated.
	Tables() []string
}

// Predicate represents a filter condition.
//
// This is a sealed interface - only types in this package implement it.
type Predicate interface {
	predicateNode()
}

// Select reads objects of one model.
//
//	SELECT * FROM <From> WHERE <Filter> ORDER BY <Sort>, row LIMIT <Limit>
//
// A nil Filter matches every row; Limit <= 0 means unlimited.
type Select struct {
	From   string
	Filter Predicate
	Sort   []SortKey
	Limit  int
}

func (Select) queryNode() {}

// Tables implements Query.
func (s Select) Tables() []string {
	return []string{s.From}
}

// Join returns the Left rows that have at least one Right row where
// Left.LeftField equals Right.RightField (a semi-join). The result holds only
// Left objects, but both models are dependencies.
type Join struct {
	Left       Select
	Right      Select
	LeftField  string
	RightField string
}

func (Join) queryNode() {}

// Tables implements Query.
func (j Join) Tables() []string {
	tables := []string{j.Left.From, j.Right.From}
	slices.Sort(tables)
	return slices.Compact(tables)
}

// SortKey orders results by one field.
type SortKey struct {
	Field string
	Desc  bool
}

// Equals matches rows whose field equals the literal.
type Equals struct {
	Field string
	Value ir.Value
}

func (Equals) predicateNode() {}

// NotEquals matches rows whose field differs from the literal.
type NotEquals struct {
	Field string
	Value ir.Value
}

func (NotEquals) predicateNode() {}

// Op is a comparison operator for Compare.
type Op string

const (
	Less         Op = "<"
	LessEqual    Op = "<="
	Greater      Op = ">"
	GreaterEqual Op = ">="
)

// Compare matches rows whose field is ordered against the literal.
// Only string and int fields can be compared.
type Compare struct {
	Field string
	Op    Op
	Value ir.Value
}

func (Compare) predicateNode() {}

// And is a conjunction; empty means always true.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Or is a disjunction; empty means always false.
type Or struct {
	Predicates []Predicate
}

func (Or) predicateNode() {}

// All returns a Select over every row of a model.
func All(model string) Select {
	return Select{From: model}
}

// Where returns a Select filtered by the conjunction of preds.
func Where(model string, preds ...Predicate) Select {
	if len(preds) == 1 {
		return Select{From: model, Filter: preds[0]}
	}
	return Select{From: model, Filter: And{Predicates: preds}}
}
