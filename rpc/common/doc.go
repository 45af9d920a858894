// Package common provides data structures and utilities shared by the server, the client and the
// command line interface.
//
// Key Components:
//
//   - ServerConfig: configuration of a dKB server (watched directory, knowledge base, HTTP
//     endpoint, logging).
//
//   - ClientConfig: configuration of the HTTP client used by the CLI (endpoints, timeouts,
//     retries).
//
//   - Routes and wire messages: the request and response bodies of the HTTP api.
//
//   - Logger: logger factory that integrates with dragonboat's logger facade and prints
//     colored level tags when writing to a terminal.
package common
