package transport

import (
	"context"
	"net"
	"net/http"

	"github.com/ValentinKolb/dKB/rpc/common"
)

// --------------------------------------------------------------------------
// Server Transport
// --------------------------------------------------------------------------

// IRPCServerTransport is the interface for the server side of the transport layer
type IRPCServerTransport interface {
	// RegisterHandler registers the handler that serves all requests
	// It must be called before Listen
	RegisterHandler(handler http.Handler)
	// Listen starts the transport layer and blocks until it is shut down
	// It returns nil after a graceful shutdown
	Listen(config common.ServerConfig) error
	// Ready is closed as soon as the transport accepts connections
	Ready() <-chan struct{}
	// Addr returns the address the transport listens on (nil before Ready is closed)
	Addr() net.Addr
	// Shutdown stops accepting new connections and waits for active requests until ctx is done
	Shutdown(ctx context.Context) error
}

// --------------------------------------------------------------------------
// Client Transport
// --------------------------------------------------------------------------

// Request is a single request sent by a client transport
type Request struct {
	Method      string
	Path        string
	ContentType string
	Body        []byte
}

// Response is the raw answer of the server
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// IRPCClientTransport is the interface for the RPC client transport
type IRPCClientTransport interface {
	// Connect initializes the transport with the given configuration
	Connect(config common.ClientConfig) error
	// Send sends a request to one of the servers and returns the response
	// Responses with an error status are no transport error
	Send(ctx context.Context, req Request) (Response, error)
	// Close closes the transport connection
	Close() error
}
