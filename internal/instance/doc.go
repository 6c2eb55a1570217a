// Package instance coordinates handles to shared keel database files.
//
// A Cache hands out owner-confined Handles for a Config. An Owner is the
// unit of confinement: it carries the owner-local handle map and a task queue
// that other handles post cross-handle notifications onto. Handles are not
// safe for concurrent use; every call on a Handle must come from its Owner's
// goroutine.
//
// LIFECYCLE:
//
// The first Acquire for a path in the process opens the physical file and
// runs the schema migration state machine. Later acquisitions by the same
// owner return the cached handle and only bump a count. When the last handle
// for a path is released, the file is closed and the path's validation state
// is forgotten.
//
// TRANSACTIONS:
//
// A handle reads from a pinned snapshot. Begin promotes it to the single
// writer for the file; Commit publishes the write, advances the handle to the
// new snapshot, notifies the handle's own observers synchronously and posts a
// refresh to every other handle on the path.
//
// NOTIFICATIONS:
//
// Within one advance, object observers fire before query observers, each
// observer fires at most once, and observers only hear about changes newer
// than the snapshot they were registered at. Observers of deleted rows get a
// single Removed change and are evicted.
package instance
