package instance

import (
	"errors"
	"fmt"
)

// Code categorizes coordination errors.
type Code string

const (
	// CodeConfigConflict indicates two configurations for one path disagree.
	CodeConfigConflict Code = "CONFIG_CONFLICT"

	// CodeSchemaIncompatible indicates the file's schema cannot be used.
	CodeSchemaIncompatible Code = "SCHEMA_INCOMPATIBLE"

	// CodeSchemaNewerThanCode indicates the file is at a newer schema version
	// than requested.
	CodeSchemaNewerThanCode Code = "SCHEMA_NEWER_THAN_CODE"

	// CodeMigrationNeeded indicates the file is at an older schema version and
	// no migration policy was configured.
	CodeMigrationNeeded Code = "MIGRATION_NEEDED"

	// CodeNestedTransaction indicates Begin on a handle that is writing.
	CodeNestedTransaction Code = "NESTED_TRANSACTION"

	// CodeNoActiveTransaction indicates Commit or Cancel without Begin.
	CodeNoActiveTransaction Code = "NO_ACTIVE_TRANSACTION"

	// CodeDoubleClose indicates a release beyond the reference count.
	CodeDoubleClose Code = "DOUBLE_CLOSE"

	// CodeHandleClosed indicates use of a closed handle.
	CodeHandleClosed Code = "HANDLE_CLOSED"

	// CodeNotInTransaction indicates a write outside a write transaction.
	CodeNotInTransaction Code = "NOT_IN_TRANSACTION"

	// CodeNoDefaultConfig indicates AcquireDefault without a default.
	CodeNoDefaultConfig Code = "NO_DEFAULT_CONFIG"

	// CodePathInUse indicates a file operation on a path with open handles.
	CodePathInUse Code = "PATH_IN_USE"
)

// Error is a coordination error. Errors match the sentinel of their code
// with errors.Is; MigrationNeeded and SchemaNewerThanCode also match
// ErrSchemaIncompatible.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Path is the canonical database path, if known.
	Path string

	// Err is the underlying cause, if any.
	Err error
}

// Sentinels for errors.Is.
var (
	ErrConfigConflict      = &Error{Code: CodeConfigConflict, Message: "conflicting configuration"}
	ErrSchemaIncompatible  = &Error{Code: CodeSchemaIncompatible, Message: "schema incompatible"}
	ErrSchemaNewerThanCode = &Error{Code: CodeSchemaNewerThanCode, Message: "schema newer than code"}
	ErrMigrationNeeded     = &Error{Code: CodeMigrationNeeded, Message: "migration needed"}
	ErrNestedTransaction   = &Error{Code: CodeNestedTransaction, Message: "transaction already in progress"}
	ErrNoActiveTransaction = &Error{Code: CodeNoActiveTransaction, Message: "no active transaction"}
	ErrDoubleClose         = &Error{Code: CodeDoubleClose, Message: "handle released more times than acquired"}
	ErrHandleClosed        = &Error{Code: CodeHandleClosed, Message: "handle is closed"}
	ErrNotInTransaction    = &Error{Code: CodeNotInTransaction, Message: "write outside a transaction"}
	ErrNoDefaultConfig     = &Error{Code: CodeNoDefaultConfig, Message: "no default configuration"}
	ErrPathInUse           = &Error{Code: CodePathInUse, Message: "path has open handles"}
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Path != "" {
		msg += fmt.Sprintf(" (path=%s)", e.Path)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == e.Code {
		return true
	}
	return t.Code == CodeSchemaIncompatible &&
		(e.Code == CodeMigrationNeeded || e.Code == CodeSchemaNewerThanCode)
}

func newError(code Code, path string, format string, args ...any) *Error {
	return &Error{Code: code, Path: path, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code Code, path string, err error, format string, args ...any) *Error {
	return &Error{Code: code, Path: path, Message: fmt.Sprintf(format, args...), Err: err}
}

// IsSchemaError reports whether err prevents opening a file because of its
// schema version or layout.
func IsSchemaError(err error) bool {
	return errors.Is(err, ErrSchemaIncompatible)
}

// IsTransactionError reports whether err is a transaction protocol misuse.
func IsTransactionError(err error) bool {
	return errors.Is(err, ErrNestedTransaction) ||
		errors.Is(err, ErrNoActiveTransaction) ||
		errors.Is(err, ErrNotInTransaction)
}

// CodeOf returns the code of the first Error in err's chain, or "".
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
