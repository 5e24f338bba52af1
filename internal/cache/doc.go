// Package cache persists replayable origin responses in a single SQLite file.
// Every row is loaded into an in-memory index when the store opens, so reads
// never touch the database; writes go to SQLite first and are swapped into the
// index only after the transaction commits. A missing file yields an empty
// store, which makes deleting the file the explicit way to reset the cache
// between runs.
package cache
