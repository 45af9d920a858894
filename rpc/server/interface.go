package server

import (
	"context"
	"encoding/json"

	"github.com/ValentinKolb/dKB/lib/kb"
	"github.com/ValentinKolb/dKB/lib/store"
	"github.com/ValentinKolb/dKB/lib/syncer"
)

// IDocument is the write and read access to the replicated document the server needs.
// It is implemented by *syncer.Engine.
type IDocument interface {
	// ApplyAPISubmission upserts an entry submitted via the api
	ApplyAPISubmission(ctx context.Context, sub syncer.APISubmission) (syncer.Result, error)
	// ApplyAPIPatch merges a patch into an existing api entry
	ApplyAPIPatch(ctx context.Context, id string, patch json.RawMessage) (syncer.Result, error)
	// DeleteAPIEntry deletes an api entry
	DeleteAPIEntry(ctx context.Context, id string) (syncer.Result, error)
	// Snapshot returns a consistent copy of the document
	Snapshot() store.Snapshot
	// Pending returns the number of mutations waiting to be applied
	Pending() int
}

// IKnowledgeBase is the read access to the knowledge base. It is implemented by *kb.Rebuilder.
type IKnowledgeBase interface {
	// Query runs a query against the active knowledge base
	Query(ctx context.Context, text string) (kb.QueryResult, error)
	// Status returns the state of the knowledge base
	Status() kb.Status
}
