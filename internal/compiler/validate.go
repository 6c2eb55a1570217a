package compiler

import (
	"fmt"

	"github.com/roach88/keel/internal/ir"
)

// Validation error codes (E100-E199)
const (
	ErrInvalidModel      = "E101" // descriptor fails ir.ModelSpec.Validate
	ErrDuplicateModel    = "E102" // same model name declared twice
	ErrInvalidFieldType  = "E104" // invalid type string
	ErrInvalidPrimaryKey = "E105" // primary key missing or wrong type
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks a set of model descriptors.
// Returns all errors found (does not fail-fast).
func Validate(models []ir.ModelSpec) []ValidationError {
	var errs []ValidationError

	seen := make(map[string]bool)
	for i, m := range models {
		if seen[m.Name] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("models[%d].name", i),
				Message: fmt.Sprintf("duplicate model name: %q", m.Name),
				Code:    ErrDuplicateModel,
			})
		}
		seen[m.Name] = true

		for _, ve := range m.Validate() {
			errs = append(errs, ValidationError{
				Field:   ve.Field,
				Message: ve.Message,
				Code:    codeFor(m, ve),
			})
		}
	}

	return errs
}

func codeFor(m ir.ModelSpec, ve ir.ValidationError) string {
	if ve.Field == m.Name+".primary_key" {
		return ErrInvalidPrimaryKey
	}
	for i, f := range m.Fields {
		if ve.Field == fmt.Sprintf("%s.fields[%d]", m.Name, i) && !ir.ValidTypes[f.Type] {
			return ErrInvalidFieldType
		}
	}
	return ErrInvalidModel
}
