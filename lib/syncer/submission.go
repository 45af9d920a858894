package syncer

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ValentinKolb/dKB/lib/watcher"
	"github.com/puzpuzpuz/xsync/v3"
)

const (
	filePrefix = "file:"
	apiPrefix  = "api:"
)

// --------------------------------------------------------------------------
// Submissions
// --------------------------------------------------------------------------

// Submission is a mutation request from one of the two sources (filesystem or API).
// The concrete type decides how the key is derived.
type Submission interface {
	isSubmission()
}

// FileSubmission is a normalized filesystem event.
type FileSubmission struct {
	Path    string
	Action  watcher.Action
	Payload json.RawMessage // nil for unlink
	ModTime time.Time
}

// APISubmission is an entry submitted via the API.
// If ID is empty a new id is generated. Key, if set, is the full key of the entry to write
// (file:<path> or api:<id>) and takes precedence over ID.
type APISubmission struct {
	ID      string
	Key     string
	Payload json.RawMessage
}

func (FileSubmission) isSubmission() {}
func (APISubmission) isSubmission()  {}

// FileKey returns the key of the entry for a file path.
func FileKey(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidSubmission)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	return filePrefix + filepath.Clean(abs), nil
}

// APIKey returns the key of the entry for an API id.
func APIKey(id string) string {
	return apiPrefix + id
}

// ResolveKey derives the stable key of a submission.
// The same logical source always resolves to the same key.
func ResolveKey(sub Submission) (string, error) {
	switch s := sub.(type) {
	case FileSubmission:
		return FileKey(s.Path)
	case *FileSubmission:
		return FileKey(s.Path)
	case APISubmission:
		return apiSubmissionKey(s)
	case *APISubmission:
		return apiSubmissionKey(*s)
	default:
		return "", fmt.Errorf("%w: unknown submission type %T", ErrInvalidSubmission, sub)
	}
}

func apiSubmissionKey(s APISubmission) (string, error) {
	switch {
	case s.Key == "":
		if s.ID == "" {
			return "", fmt.Errorf("%w: empty id", ErrInvalidSubmission)
		}
		return APIKey(s.ID), nil
	case strings.HasPrefix(s.Key, filePrefix):
		return FileKey(strings.TrimPrefix(s.Key, filePrefix))
	case strings.HasPrefix(s.Key, apiPrefix) && len(s.Key) > len(apiPrefix):
		return s.Key, nil
	default:
		return "", fmt.Errorf("%w: unknown key %q", ErrInvalidSubmission, s.Key)
	}
}

// --------------------------------------------------------------------------
// Resolver
// --------------------------------------------------------------------------

// Resolver caches the key of every file path that currently has an entry.
// It is safe for concurrent use.
type Resolver struct {
	keys *xsync.MapOf[string, string]
}

// NewResolver creates an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{keys: xsync.NewMapOf[string, string]()}
}

// Resolve returns the key for a path and remembers the mapping.
func (r *Resolver) Resolve(path string) (string, error) {
	key, err := FileKey(path)
	if err != nil {
		return "", err
	}
	actual, _ := r.keys.LoadOrStore(key[len(filePrefix):], key)
	return actual, nil
}

// Lookup returns the key of a path if the path was resolved before.
func (r *Resolver) Lookup(path string) (string, bool) {
	key, err := FileKey(path)
	if err != nil {
		return "", false
	}
	return r.keys.Load(key[len(filePrefix):])
}

// Forget removes the mapping of a path.
func (r *Resolver) Forget(path string) {
	key, err := FileKey(path)
	if err != nil {
		return
	}
	r.keys.Delete(key[len(filePrefix):])
}

// Len returns the number of known paths.
func (r *Resolver) Len() int {
	return r.keys.Size()
}
