// Package http implements the transport layer of the dKB api on top of net/http.
//
// The server transport listens on a tcp address ("0.0.0.0:3000") or a unix socket
// ("unix:///run/dkb.sock" or a plain path), serves a registered http.Handler and supports a
// graceful shutdown. With log level debug every request is logged with its status and duration.
//
// The client transport sends requests to one or more endpoints. Endpoints are selected
// round-robin and failed attempts are retried on the next endpoint.
//
// Thread Safety:
//
//	The client transport is thread-safe and can be used concurrently. It uses
//	atomic operations for the round-robin counter.
package http
