package querysql

import (
	"context"
	"fmt"

	"github.com/roach88/keel/internal/ir"
	"github.com/roach88/keel/internal/queryir"
)

// Reader runs compiled SQL against a read snapshot and decodes the rows as
// objects of the given model.
type Reader interface {
	QueryObjects(ctx context.Context, model, query string, args ...any) ([]ir.Object, error)
}

// Engine executes queryir queries through a Reader.
type Engine struct {
	compiler *SQLCompiler
}

// NewEngine creates an Engine.
func NewEngine() *Engine {
	return &Engine{compiler: NewSQLCompiler()}
}

// Tables returns the models a query depends on.
func (e *Engine) Tables(q queryir.Query) []string {
	if q == nil {
		return nil
	}
	return q.Tables()
}

// Execute runs a query and returns the matching objects in result order.
func (e *Engine) Execute(ctx context.Context, r Reader, q queryir.Query) ([]ir.Object, error) {
	sql, params, err := e.compiler.Compile(q)
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}

	objs, err := r.QueryObjects(ctx, resultModel(q), sql, params...)
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}
	return objs, nil
}

func resultModel(q queryir.Query) string {
	switch query := q.(type) {
	case queryir.Select:
		return query.From
	case queryir.Join:
		return query.Left.From
	default:
		return ""
	}
}
