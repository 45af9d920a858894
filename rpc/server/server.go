package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ValentinKolb/dKB/rpc/common"
	"github.com/ValentinKolb/dKB/rpc/transport"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("rpc")

// NewRPCServer creates the HTTP api server of dKB
// It takes a config, a transport, the document and the knowledge base as parameters
//
// Usage:
//
//	s := server.NewRPCServer(
//		*config,
//		http.NewHttpServerTransport(),
//		engine,
//		rebuilder,
//	)
//
//	if err := s.Serve(); err != nil {
//		panic(err)
//	}
func NewRPCServer(
	config common.ServerConfig,
	transport transport.IRPCServerTransport,
	doc IDocument,
	kb IKnowledgeBase,
) *RPCServer {
	if config.SourceField == "" {
		config.SourceField = "prolog"
	}

	s := &RPCServer{
		config:    config,
		transport: transport,
		doc:       doc,
		kb:        kb,
		metrics:   metrics.NewSet(),
		mux:       http.NewServeMux(),
	}

	s.metrics.NewGauge(`dkb_document_entries`, func() float64 {
		return float64(len(s.doc.Snapshot().Entries))
	})
	s.metrics.NewGauge(`dkb_sync_pending_commands`, func() float64 {
		return float64(s.doc.Pending())
	})

	s.routes()

	Logger.Infof("Created HTTP api server")
	return s
}

// RPCServer serves the query and mutation api
type RPCServer struct {
	config    common.ServerConfig
	transport transport.IRPCServerTransport
	doc       IDocument
	kb        IKnowledgeBase
	metrics   *metrics.Set
	mux       *http.ServeMux
}

// routes registers all handlers
func (s *RPCServer) routes() {
	s.handle("POST "+common.RouteSubmit, s.handleSubmit)
	s.handle("POST "+common.RouteAlias, s.handleSubmit)
	s.handle("POST "+common.RouteRules, s.handleRule)
	s.handle("PATCH "+common.RouteSubmit+"/{id}", s.handlePatch)
	s.handle("DELETE "+common.RouteSubmit+"/{id}", s.handleDelete)
	s.handle("POST "+common.RouteQuery, s.handleQuery)
	s.handle("GET "+common.RouteEntries, s.handleEntries)
	s.handle("GET "+common.RouteStatus, s.handleStatus)
	s.mux.HandleFunc("GET "+common.RouteMetrics, s.handleMetrics)
	s.mux.HandleFunc("GET "+common.RouteHealth, s.handleHealth)
}

// handle registers a handler and counts its requests and duration
func (s *RPCServer) handle(pattern string, h http.HandlerFunc) {
	duration := s.metrics.NewHistogram(fmt.Sprintf(`dkb_http_request_duration_seconds{route=%q}`, pattern))
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		duration.UpdateDuration(start)
		s.metrics.GetOrCreateCounter(fmt.Sprintf(`dkb_http_requests_total{route=%q,code="%d"}`, pattern, sw.status)).Inc()
	})
}

// Handler returns the http.Handler that serves the api
func (s *RPCServer) Handler() http.Handler {
	return s.mux
}

// Serve registers the api at the transport and blocks until the transport is shut down
func (s *RPCServer) Serve() error {
	s.transport.RegisterHandler(s.mux)
	return s.transport.Listen(s.config)
}

// Shutdown gracefully stops the transport
func (s *RPCServer) Shutdown(ctx context.Context) error {
	return s.transport.Shutdown(ctx)
}

// Transport returns the transport the server listens on
func (s *RPCServer) Transport() transport.IRPCServerTransport {
	return s.transport
}
