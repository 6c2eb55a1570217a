package ir

// Version constants for the on-disk layout and the library.
const (
	// FormatVersion is the layout version of keel's internal tables.
	// Stored in PRAGMA user_version.
	FormatVersion = 1

	// LibraryVersion is the keel library version.
	LibraryVersion = "0.1.0"
)

// Unversioned is the schema version reported for a file that has never been
// stamped with a schema version.
const Unversioned int64 = -1
