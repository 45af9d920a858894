// Package transport defines the interfaces of the transport layer of the dKB api.
//
// Key Components:
//
//   - IRPCServerTransport: Interface for server-side transports that accept connections and pass
//     every request to a registered http.Handler.
//
//   - IRPCClientTransport: Interface for client-side transports that handle connection management
//     and request sending.
//
// The implementation lives in the http subpackage. It listens on a TCP address or a unix socket.
package transport
