// Package cncqueue stores exchange records produced by CNC data acquisition
// modules until an analysis service consumes them.
//
// Every (machine, machine module) identity owns one FIFO queue of Records.
// The backend of a queue is chosen by a small XML configuration document
// resolved from, in order, an inline payload, a synchronized remote file, a
// local override file and a local default file. When none is usable the
// default SQLite backend is used.
//
// # Backends
//
// The following backends are registered when this package is imported:
//   - sqlite: durable single-file database, safe across processes
//   - postgres: shared PostgreSQL table, one advisory lock per queue
//   - file: append-only JSON lines with a compaction generation
//   - memory: process-local store for tests and short-lived tools
//   - multi: composite writing to the first sub-queue that accepts
//
// # Usage
//
// A minimal host fills Config, calls OpenQueue with its identity and then
// enqueues Records built with NewRecordBuilder. Consumers peek a batch,
// forward it and acknowledge it with UnsafeDequeue, or pop records one by
// one with Dequeue.
//
// Values carried by records are encoded by a ValueCodec: native scalars are
// stored as text, registered structs as JSON, protobuf messages as protojson
// and anything else through the configured binary fallback (CBOR, or gob for
// legacy stores). Register application types with RegisterValueType before
// opening queues so consumers can decode them.
package cncqueue
