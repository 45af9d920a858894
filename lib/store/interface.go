package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IOrderedStore is the interface of the replicated document: an ordered collection of entries,
// each identified by a stable key. The store is expected to be mutated by exactly one writer
// (the sync engine), while Snapshot, Get and Len may be called from any goroutine.
type IOrderedStore interface {
	// Upsert inserts or replaces the entry with entry.Key.
	// A new key is appended to the end of the collection. An existing key is replaced
	// at the same position, the position of an entry never changes on update.
	// The returned position is the zero based index of the entry after the mutation.
	Upsert(entry Entry) (position int, err error)
	// Delete removes the entry with the given key.
	// Deleting a key that does not exist is not an error, found is false in that case.
	Delete(key string) (found bool, err error)
	// Snapshot returns a consistent point-in-time copy of all entries in store order.
	// A snapshot never observes a half-applied mutation.
	Snapshot() Snapshot
	// Get returns the live entry for a key.
	Get(key string) (entry Entry, ok bool)
	// Len returns the number of live entries.
	Len() int
	// Observe registers fn to be called exactly once per committed mutation, after the mutation
	// is visible to Snapshot. Observers are called in commit order. The returned function removes the observer.
	Observe(fn func(Update)) (cancel func())
	// ApplyUpdate merges an encoded update produced by a replica (see Update.Data).
	// Duplicate deliveries are ignored. applied is false if the update did not change the document.
	ApplyUpdate(data []byte) (applied bool, err error)
	// ReplicaID returns the id of this replica.
	ReplicaID() uint64
}

// --------------------------------------------------------------------------
// Data Types
// --------------------------------------------------------------------------

// Origin describes where an entry came from. It does not influence merge semantics.
type Origin uint8

const (
	OriginUnknown Origin = iota
	OriginFile           // Entry was read from a file in the watched directory
	OriginAPI            // Entry was submitted via the API
)

func (o Origin) String() string {
	switch o {
	case OriginFile:
		return "filesystem"
	case OriginAPI:
		return "api"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the origin as its string representation.
func (o Origin) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// OpID identifies a single operation of a replica.
// Ops are totally ordered by (Clock, Replica).
type OpID struct {
	Clock   uint64 `msgpack:"c" json:"clock"`
	Replica uint64 `msgpack:"r" json:"replica"`
}

// Less reports whether id was produced before other.
func (id OpID) Less(other OpID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Replica < other.Replica
}

// IsZero reports whether the id is unset.
func (id OpID) IsZero() bool {
	return id.Clock == 0 && id.Replica == 0
}

func (id OpID) String() string {
	return fmt.Sprintf("%d@%d", id.Clock, id.Replica)
}

// Entry is a single keyed record in the document.
type Entry struct {
	Key       string          `msgpack:"k" json:"key"`
	Origin    Origin          `msgpack:"o" json:"origin"`
	FileName  string          `msgpack:"fn,omitempty" json:"fileName,omitempty"`
	FilePath  string          `msgpack:"fp,omitempty" json:"filePath,omitempty"`
	Action    string          `msgpack:"a,omitempty" json:"action,omitempty"`
	Payload   json.RawMessage `msgpack:"p" json:"payload"`
	UpdatedAt time.Time       `msgpack:"t" json:"updatedAt"`
	Version   OpID            `msgpack:"v" json:"version"`
	// Created is the id of the operation that first inserted the key. Replicas order
	// entries by it, so it is kept on update.
	Created OpID `msgpack:"ci" json:"created"`
}

// Snapshot is a point-in-time copy of the document.
type Snapshot struct {
	// Version is incremented by every committed mutation.
	Version uint64
	Entries []Entry
}

// Keys returns the keys of the snapshot in store order.
func (s Snapshot) Keys() []string {
	keys := make([]string, len(s.Entries))
	for i, e := range s.Entries {
		keys[i] = e.Key
	}
	return keys
}

// UpdateKind is the kind of committed mutation.
type UpdateKind uint8

const (
	UpdateUpsert UpdateKind = iota + 1
	UpdateDelete
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateUpsert:
		return "upsert"
	case UpdateDelete:
		return "delete"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Update describes a committed mutation of the document.
type Update struct {
	Kind     UpdateKind
	Key      string
	Origin   Origin
	Position int    // index of the entry after an upsert, or the index it was removed from
	Inserted bool   // true if an upsert inserted a new key
	Version  uint64 // document version after the mutation
	Op       OpID
	Data     []byte // encoded op, can be passed to ApplyUpdate of another replica
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	errorCode := ""
	switch e.Code {
	case RetCInternalError:
		errorCode = "InternalError"
	case RetCInvalidOperation:
		errorCode = "InvalidOperation"
	case RetCMalformedUpdate:
		errorCode = "MalformedUpdate"
	default:
		errorCode = "Unknown"
	}

	return fmt.Sprintf("StoreError (code %s): %s", errorCode, e.Msg)
}

// NewError creates a new store error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess          RetCode = iota // 0: Operation executed successfully.
	RetCInternalError                   // 1: Operation failed due to an internal error.
	RetCInvalidOperation                // 2: Invalid operation (e.g. empty key).
	RetCMalformedUpdate                 // 3: An encoded update could not be decoded.
)
