// Package rpc provides the api layer of dKB: the HTTP server that exposes the replicated document
// and the knowledge base, and the client used by the command line interface.
//
// The package is organized into several subpackages:
//
//   - common: configuration structures, logging and the wire messages of the api.
//
//   - transport: transport abstractions with an HTTP implementation that listens on tcp
//     addresses or unix sockets.
//
//   - serializer: body encodings (JSON, msgpack).
//
//   - server: the routes of the api.
//
//   - client: the client for the api.
package rpc
