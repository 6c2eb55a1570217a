// Package harness runs scripted scenarios against real database handles and
// records the change notifications they produce.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: rename_dog
//	description: "A renamed row notifies its observers once"
//	schema_version: 1
//	models:
//	  - name: Dog
//	    fields:
//	      - {name: name, type: string}
//	handles: [main]
//	steps:
//	  - op: create
//	    model: Dog
//	    fields: {name: rex}
//	    as: rex
//	  - op: observe_object
//	    row: rex
//	    as: watch
//	  - op: begin
//	  - op: update
//	    row: rex
//	    fields: {name: max}
//	  - op: commit
//	assertions:
//	  - type: notification_count
//	    observer: watch
//	    count: 1
//
// Models come from the inline list, from CUE files in models_dir (relative
// to the scenario file), or both. Every handle named in handles gets its own
// owner on one shared cache, so commits on one handle queue refreshes on the
// others until a drain step runs them.
//
// Steps create, upsert, update, delete and clear outside a begin/commit pair
// run in their own transaction. A step with expect_error must fail with that
// error code.
//
// # Assertion Types
//
//   - notification_count: an observer was notified exactly count times
//   - notification_order: observers were first notified in the given order
//   - last_result: an observer's latest notification held count objects
//   - final_state: the row matching where has the expected field values
//
// # Determinism
//
// Each scenario runs on a fresh file in a temp directory. Row ids, commit
// versions and trace sequence numbers start from the same values on every
// run, so traces are byte-identical and suitable for golden files.
package harness
