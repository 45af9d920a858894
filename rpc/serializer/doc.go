// Package serializer provides the body encodings of the HTTP api. It defines a common interface
// and two implementations, selected per request by the Content-Type and Accept headers.
//
// Key Components:
//
//   - IRPCSerializer: Core interface that all serializer implementations must satisfy.
//
//   - jsonSerializerImpl: JSON encoding, the default. Numbers are decoded as json.Number.
//
//   - msgpackSerializerImpl: msgpack encoding for clients that prefer a compact binary format.
//     The wire types are shared with JSON: the json struct tags name the msgpack fields.
//
// Thread Safety:
//
//	All serializer implementations are stateless and safe for concurrent use
//	across multiple goroutines without additional synchronization.
//
// Usage:
//
//	s, ok := serializer.ByContentType(r.Header.Get("Content-Type"))
//	var req common.QueryRequest
//	err := s.Deserialize(body, &req)
package serializer
