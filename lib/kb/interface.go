package kb

import (
	"context"
	"errors"
	"time"

	"github.com/ValentinKolb/dKB/lib/store"
	"github.com/ValentinKolb/dKB/lib/syncer"
)

var (
	// ErrNotReady is returned by queries while no knowledge base was compiled yet.
	ErrNotReady = errors.New("knowledge base not ready")
	// ErrCompileTimeout is returned if loading the source did not finish in time.
	ErrCompileTimeout = errors.New("knowledge base compilation timed out")
	// ErrInvalidQuery is returned for queries that can not be parsed.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrQueryFailed is returned if the executor raised an error while solving a query,
	// e.g. a call of an unknown predicate.
	ErrQueryFailed = errors.New("query failed")
)

// --------------------------------------------------------------------------
// Interface Definitions
// --------------------------------------------------------------------------

// IExecutor is a loaded logic program. A new executor is created for every compilation,
// an executor is never loaded twice.
type IExecutor interface {
	// Load consults the source text. It must be called once, before any query.
	Load(ctx context.Context, source string) error
	// Query runs a query and returns at most limit solutions (all solutions if limit <= 0).
	// An empty result means the query has no solution.
	Query(ctx context.Context, query string, limit int) ([]Bindings, error)
}

// IChecker is implemented by executors that can validate the source of a single entry
// without loading it. Entries that fail the check are excluded from the compilation.
// Check returns the indicators (name/arity) of the predicates the source defines, predicates
// defined by more than one entry are declared discontiguous in the compiled source.
type IChecker interface {
	Check(ctx context.Context, source string) ([]string, error)
}

// ISource is the document the knowledge base is derived from.
type ISource interface {
	Snapshot() store.Snapshot
	Subscribe(buffer int) *syncer.Subscription
}

// --------------------------------------------------------------------------
// Data Types
// --------------------------------------------------------------------------

// Bindings maps the variable names of a query to the (formatted) terms of one solution.
type Bindings map[string]string

// KnowledgeBase is an immutable compiled artifact. It is replaced as a whole by every successful build.
type KnowledgeBase struct {
	SourceVersion uint64    // store version the artifact was built from
	SourceHash    uint64    // xxhash of Source
	Entries       int       // number of entries that contributed source
	Skipped       int       // number of entries without (valid) source
	Rejected      []string  // keys of entries whose source failed the check
	BuiltAt       time.Time // time of the compilation
	Source        string    // concatenated source text

	executor IExecutor
}

// State is the state of the rebuilder.
type State int32

const (
	StateUninitialized State = iota // no artifact compiled yet
	StateReady                      // the active artifact reflects the latest build attempt
	StateStale                      // the latest build failed, the previous artifact is still active
	StateStopped                    // the rebuilder was stopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateStale:
		return "stale"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its string representation.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Status is a point-in-time view of the rebuilder.
type Status struct {
	State         State     `json:"state"`
	SourceVersion uint64    `json:"sourceVersion"` // store version of the active artifact
	LatestVersion uint64    `json:"latestVersion"` // latest store version seen
	Entries       int       `json:"entries"`
	Skipped       int       `json:"skipped"`
	Rejected      []string  `json:"rejected,omitempty"`
	BuiltAt       time.Time `json:"builtAt"`
	LastError     string    `json:"lastError,omitempty"`
	Builds        uint64    `json:"builds"`
	Failures      uint64    `json:"failures"`
}

// QueryResult is the result of a query against the active artifact.
type QueryResult struct {
	Solutions     []Bindings
	All           bool   // all solutions were requested
	SourceVersion uint64 // store version of the artifact that answered
}

// Value returns the result as it is sent to clients: the first solution or nil in single mode,
// the (possibly empty) list of solutions in all mode.
func (r QueryResult) Value() any {
	if r.All {
		if r.Solutions == nil {
			return []Bindings{}
		}
		return r.Solutions
	}
	if len(r.Solutions) == 0 {
		return nil
	}
	return r.Solutions[0]
}
