// Package ir provides the value and model-descriptor types shared by every
// keel package.
//
// This package contains type definitions and their canonical encoding only.
// All other internal packages import ir; ir imports nothing internal, so it
// stays the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - NO float types anywhere - use int64 for numbers
//   - Record keys are ordered by UTF-16 code units (RFC 8785) when encoded
//   - Model, field and table names are ASCII identifiers
//   - Row identity is (table, row id) and never reused within a file
package ir
