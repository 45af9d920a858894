package common

import (
	"encoding/json"
	"time"
)

// --------------------------------------------------------------------------
// Routes
// --------------------------------------------------------------------------

const (
	RouteSubmit  = "/api/prolog"
	RouteAlias   = "/api/submit"
	RouteRules   = "/api/rules"
	RouteQuery   = "/api/query"
	RouteEntries = "/api/entries"
	RouteStatus  = "/api/status"
	RouteMetrics = "/metrics"
	RouteHealth  = "/health"
)

// Error messages returned to callers for invalid requests
const (
	ErrMsgInvalidSubmission = "Invalid prolog rule format"
	ErrMsgInvalidRule       = "Invalid rule format"
	ErrMsgInvalidQuery      = "Invalid query format"
	ErrMsgInvalidPatch      = "Invalid patch format"
	ErrMsgNotFound          = "Entry not found"
)

// EntryRoute returns the route of a single API entry.
func EntryRoute(id string) string {
	return RouteSubmit + "/" + id
}

// --------------------------------------------------------------------------
// Requests
// --------------------------------------------------------------------------

// RuleRequest stores a single rule, the rule is wrapped into an object with the source field.
type RuleRequest struct {
	ID   string `json:"id,omitempty"`
	Rule string `json:"rule"`
}

// QueryRequest is the body of a query.
type QueryRequest struct {
	Query string `json:"query"`
}

// --------------------------------------------------------------------------
// Responses
// --------------------------------------------------------------------------

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// SubmitResponse is returned for every successful mutation.
type SubmitResponse struct {
	Message  string `json:"message"`
	Key      string `json:"key"`
	Position int    `json:"position"`
	Inserted bool   `json:"inserted"`
	Version  uint64 `json:"version,omitempty"` // document version after the mutation
}

// DeleteResponse reports whether a deleted entry existed.
type DeleteResponse struct {
	Key   string `json:"key"`
	Found bool   `json:"found"`
}

// QueryResponse contains the bindings of a query.
// Result is null if the query has no solution or no knowledge base was built yet, a single
// object of bindings for the first solution, or a list of objects if all solutions are requested.
type QueryResponse struct {
	Result        any    `json:"result"`
	SourceVersion uint64 `json:"sourceVersion,omitempty"`
}

// EntryView is the representation of a single document entry.
type EntryView struct {
	Key       string          `json:"key"`
	Origin    string          `json:"origin"`
	FileName  string          `json:"fileName,omitempty"`
	Action    string          `json:"action,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
	Payload   json.RawMessage `json:"payload"`
}

// EntriesResponse is a snapshot of the document.
type EntriesResponse struct {
	Version uint64      `json:"version"`
	Entries []EntryView `json:"entries"`
}

// KnowledgeBaseStatus is the state of the knowledge base rebuilder.
type KnowledgeBaseStatus struct {
	State         string    `json:"state"`
	SourceVersion uint64    `json:"sourceVersion"`
	LatestVersion uint64    `json:"latestVersion"`
	Entries       int       `json:"entries"`
	Skipped       int       `json:"skipped"`
	Rejected      []string  `json:"rejected,omitempty"`
	BuiltAt       time.Time `json:"builtAt"`
	LastError     string    `json:"lastError,omitempty"`
	Builds        uint64    `json:"builds"`
	Failures      uint64    `json:"failures"`
}

// StatusResponse combines the state of the document and the knowledge base.
type StatusResponse struct {
	ReplicaID     uint64              `json:"replicaId"`
	Version       uint64              `json:"version"`
	Documents     int                 `json:"documents"`
	Pending       int                 `json:"pending"`
	KnowledgeBase KnowledgeBaseStatus `json:"knowledgeBase"`
}

// HealthResponse is returned by the liveness probe.
type HealthResponse struct {
	Status string `json:"status"`
}
