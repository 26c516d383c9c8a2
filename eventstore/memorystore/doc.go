// Package memorystore implements eventstore.Store in process memory.
//
// Streams live in an LRU cache bounded by WithMaxStreams; metadata and events
// expire according to eventstore.Options, evaluated against an injectable
// clock so tests can advance time deterministically. Waiting readers are
// woken through a per-stream channel that is closed and replaced on every
// change.
//
// Use memorystore for single-instance deployments and tests; use redisstore
// where several processes serve the same sessions.
package memorystore
