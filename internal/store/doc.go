// Package store provides the durable persistence layer shared by all
// scheduler components.
//
// It models a small set of named JSON records living in one directory.
// Every mutation runs as an exclusive read-modify-write cycle: an advisory
// flock on a dedicated lock file, a full read of the record, an in-memory
// mutation, a write to a temp file, and an atomic rename over the record.
// Readers therefore never observe partial writes, and two cooperating
// processes (the CLI and the background loop) cannot race on a mutation.
//
// Blobs are single-file artifacts (incremental snapshots) that are replaced
// whole via temp-file + rename; they do not take the lock.
package store
