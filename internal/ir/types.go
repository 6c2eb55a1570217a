package ir

import (
	"fmt"
	"regexp"
	"slices"
)

// FieldType names the storable type of a model field.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeBool   FieldType = "bool"
	TypeList   FieldType = "array"
	TypeRecord FieldType = "object"
)

// ValidTypes defines the allowed field types.
// NO "float" - numbers are int64 only.
var ValidTypes = map[FieldType]bool{
	TypeString: true,
	TypeInt:    true,
	TypeBool:   true,
	TypeList:   true,
	TypeRecord: true,
}

// FieldSpec describes one field of a model.
type FieldSpec struct {
	Name    string    `json:"name" yaml:"name"`
	Type    FieldType `json:"type" yaml:"type"`
	Indexed bool      `json:"indexed,omitempty" yaml:"indexed,omitempty"`
}

// ModelSpec is a model descriptor: the shape of one table.
type ModelSpec struct {
	Name       string      `json:"name" yaml:"name"`
	Fields     []FieldSpec `json:"fields" yaml:"fields"`
	PrimaryKey string      `json:"primary_key,omitempty" yaml:"primary_key,omitempty"`
}

// Field returns the named field.
func (m ModelSpec) Field(name string) (FieldSpec, bool) {
	for _, f := range m.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// FieldNames returns field names in declaration order.
func (m ModelSpec) FieldNames() []string {
	names := make([]string, len(m.Fields))
	for i, f := range m.Fields {
		names[i] = f.Name
	}
	return names
}

// Zero returns the default value for a field type.
func (t FieldType) Zero() Value {
	switch t {
	case TypeString:
		return String("")
	case TypeInt:
		return Int(0)
	case TypeBool:
		return Bool(false)
	case TypeList:
		return List{}
	case TypeRecord:
		return Record{}
	default:
		return Null{}
	}
}

// Accepts reports whether v is storable in a field of this type.
func (t FieldType) Accepts(v Value) bool {
	switch v.(type) {
	case String:
		return t == TypeString
	case Int:
		return t == TypeInt
	case Bool:
		return t == TypeBool
	case List:
		return t == TypeList
	case Record:
		return t == TypeRecord
	default:
		return false
	}
}

var identRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// ValidIdent reports whether s can be used as a model or field name.
func ValidIdent(s string) bool {
	return identRe.MatchString(s)
}

// ValidationError represents a validation error with field path and message.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a model descriptor.
// Returns all errors (not fail-fast).
func (m ModelSpec) Validate() []ValidationError {
	var errs []ValidationError

	if !ValidIdent(m.Name) {
		errs = append(errs, ValidationError{Field: "name", Message: fmt.Sprintf("invalid model name %q", m.Name)})
	}
	if len(m.Fields) == 0 {
		errs = append(errs, ValidationError{Field: m.Name + ".fields", Message: "at least one field is required"})
	}

	seen := make(map[string]bool)
	for i, f := range m.Fields {
		path := fmt.Sprintf("%s.fields[%d]", m.Name, i)
		if !ValidIdent(f.Name) {
			errs = append(errs, ValidationError{Field: path, Message: fmt.Sprintf("invalid field name %q", f.Name)})
		}
		if seen[f.Name] {
			errs = append(errs, ValidationError{Field: path, Message: fmt.Sprintf("duplicate field %q", f.Name)})
		}
		seen[f.Name] = true
		if !ValidTypes[f.Type] {
			errs = append(errs, ValidationError{
				Field:   path,
				Message: fmt.Sprintf("invalid type %q for field %q, must be one of: string, int, bool, array, object", f.Type, f.Name),
			})
		}
	}

	if m.PrimaryKey != "" {
		pk, ok := m.Field(m.PrimaryKey)
		switch {
		case !ok:
			errs = append(errs, ValidationError{Field: m.Name + ".primary_key", Message: fmt.Sprintf("unknown field %q", m.PrimaryKey)})
		case pk.Type != TypeString && pk.Type != TypeInt:
			errs = append(errs, ValidationError{Field: m.Name + ".primary_key", Message: "primary key must be a string or int field"})
		}
	}

	return errs
}

// Normalize returns a copy with fields sorted by name, so two descriptors that
// differ only in declaration order compare equal.
func (m ModelSpec) Normalize() ModelSpec {
	out := m
	out.Fields = slices.Clone(m.Fields)
	slices.SortFunc(out.Fields, func(a, b FieldSpec) int { return compareKeysRFC8785(a.Name, b.Name) })
	return out
}

// RowRef identifies one row: the model it belongs to and its row id.
type RowRef struct {
	Model string `json:"model"`
	ID    int64  `json:"id"`
}

func (r RowRef) String() string {
	return fmt.Sprintf("%s#%d", r.Model, r.ID)
}

// Object is a row read from a snapshot.
type Object struct {
	Ref    RowRef `json:"ref"`
	Fields Record `json:"fields"`
}

// Get returns a field value, or Null when the field is absent.
func (o Object) Get(field string) Value {
	if v, ok := o.Fields[field]; ok {
		return v
	}
	return Null{}
}

// TablePrefix prefixes every model table in the database file.
const TablePrefix = "class_"

// TableName returns the storage table backing a model.
func TableName(model string) string {
	return TablePrefix + model
}
