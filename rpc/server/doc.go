// Package server implements the HTTP api of dKB: submissions and rule mutations that are
// applied to the replicated document, queries against the active knowledge base, a snapshot
// of the document, status, metrics and a liveness probe.
//
// Routes:
//
//	POST   /api/prolog        store the body as api entry (alias POST /api/submit)
//	POST   /api/rules         store {"rule": "..."} as api entry
//	PATCH  /api/prolog/{id}   merge patch of an api entry
//	DELETE /api/prolog/{id}   delete an api entry
//	POST   /api/query         {"query": "..."} => {"result": ...}
//	GET    /api/entries       snapshot of the document
//	GET    /api/status        state of the document and the knowledge base
//	GET    /metrics           Prometheus metrics
//	GET    /health            liveness probe
//
// Bodies are JSON by default, msgpack is used if the request says so in its Content-Type
// (see package serializer). Mutations never wait for the knowledge base to be rebuilt.
//
// Usage Example:
//
//	engine := syncer.NewEngine(ostore.NewOrderedStore(replicaID))
//	engine.Start()
//	rebuilder, _ := kb.NewRebuilder(engine, kb.Config{})
//	rebuilder.Start(ctx)
//
//	s := server.NewRPCServer(config, http.NewHttpServerTransport(), engine, rebuilder)
//	if err := s.Serve(); err != nil {
//	  log.Fatalf("Server error: %v", err)
//	}
//
// Thread Safety:
//
//	All handlers may run concurrently. Mutations are serialized by the sync engine.
package server
