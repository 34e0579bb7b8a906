// Package valuecodec carries the dynamically typed Value of an exchange
// record across process and version boundaries without a shared schema.
//
// An encoded value is a tagged union decided at encode time:
//
//   - native: one of the scalar kinds int32, int16, int64, int, bool,
//     float64 or string, formatted with strconv.
//   - json / protojson: the structured-text form, tagged with the fully
//     qualified type name (import/path.Type, or the protobuf full name).
//   - cbor / gob / protobuf: the binary fallback used when the structured
//     text encoding fails, hex encoded so it stays embeddable in text.
//
// Decoding never fails: a value that cannot be reconstructed is logged and
// decoded as nil, so one bad payload never interrupts a record stream.
// Values persisted without a format tag go through DecodeUntagged, which
// tries native, structured text, CBOR and finally the legacy gob codec.
//
// Go cannot resolve a type from its name at runtime, so structured types
// must be registered in a TypeRegistry on both the producer and consumer
// side. Protobuf messages resolve through the global protobuf registry.
package valuecodec
