// Package queryir is the query descriptor handed to the query engine.
//
// A query names the models it reads, so the change-notification engine can
// decide whether a commit touched any of them without running it. Execution
// is left to a backend (see package querysql).
//
// Query and Predicate are sealed interfaces using the marker method pattern:
// only types in this package implement them, which keeps backend type
// switches exhaustive.
//
//	switch q := query.(type) {
//	case Select:
//	    // single model
//	case Join:
//	    // left rows with a matching right row
//	}
//
// Literal values are ir.Value (no floats, no null). Results are always in a
// deterministic order: the explicit sort keys, then row id ascending.
package queryir
