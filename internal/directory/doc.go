// Package directory owns the durable device directory contract.
//
// Ownership boundary:
// - device record shape and defaults
// - partial updates with optional firmware-url precondition
// - backends: in-memory, NATS JetStream KV, Postgres
//
// Every Update is an atomic read-modify-write of one record. Backends differ
// only in how they make it atomic (mutex, KV revision, row lock).
package directory
