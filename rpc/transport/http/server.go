package http

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ValentinKolb/dKB/rpc/common"
	"github.com/ValentinKolb/dKB/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transport/http")

func NewHttpServerTransport() transport.IRPCServerTransport {
	return &httpServerTransport{ready: make(chan struct{})}
}

type httpServerTransport struct {
	handler http.Handler
	config  common.ServerConfig

	mu        sync.Mutex
	server    *http.Server
	listener  net.Listener
	ready     chan struct{}
	readyOnce sync.Once
}

// --------------------------------------------------------------------------
// Interface Methods (docu see transport.IRPCServerTransport)
// --------------------------------------------------------------------------

func (t *httpServerTransport) RegisterHandler(handler http.Handler) {
	t.handler = handler
}

func (t *httpServerTransport) Listen(config common.ServerConfig) error {
	t.config = config

	if t.handler == nil {
		return fmt.Errorf("no handler registered")
	}

	network, address, err := parseListenEndpoint(config.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}

	// Remove a stale socket file of a previous run
	if network == "unix" {
		if err := os.RemoveAll(address); err != nil {
			return fmt.Errorf("failed to remove existing socket: %v", err)
		}
	}

	listener, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", config.Endpoint, err)
	}

	// Register handler
	handler := t.handler
	if t.config.LogLevel == "debug" {
		handler = loggerMiddleware(handler)
	}

	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	t.mu.Lock()
	t.server = server
	t.listener = listener
	t.mu.Unlock()
	t.readyOnce.Do(func() { close(t.ready) })

	Logger.Infof("Starting HTTP server on %s (%s)", listener.Addr(), network)

	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (t *httpServerTransport) Ready() <-chan struct{} {
	return t.ready
}

func (t *httpServerTransport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *httpServerTransport) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	server := t.server
	t.mu.Unlock()

	if server == nil {
		return nil
	}

	Logger.Infof("Shutting down HTTP server")
	if err := server.Shutdown(ctx); err != nil {
		// Graceful shutdown timed out, drop the remaining connections
		_ = server.Close()
		return err
	}
	return nil
}

// --------------------------------------------------------------------------
// Middleware (logging)
// --------------------------------------------------------------------------

// responseWriter is a custom ResponseWriter that captures status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

// WriteHeader captures the status code before writing it
func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggerMiddleware is a middleware that logs HTTP requests
func loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create custom response writer to capture status code
		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		// Process request
		next.ServeHTTP(rw, r)

		// Log the request
		duration := time.Since(start)
		Logger.Debugf("%s %s => %d took %s", r.Method, r.URL.Path, rw.statusCode, duration)
	})
}
