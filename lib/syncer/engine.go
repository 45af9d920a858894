package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dKB/lib/store"
	"github.com/ValentinKolb/dKB/lib/util"
	"github.com/ValentinKolb/dKB/lib/watcher"
	"github.com/VictoriaMetrics/metrics"
	jsonpatch "github.com/evanphx/json-patch"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("sync")

var (
	// ErrClosed is returned for mutations submitted after the engine was stopped.
	ErrClosed = errors.New("sync engine is closed")
	// ErrNotFound is returned if a mutation refers to an entry that does not exist.
	ErrNotFound = errors.New("entry not found")
	// ErrInvalidSubmission is returned for submissions that can not be applied (e.g. invalid JSON).
	ErrInvalidSubmission = errors.New("invalid submission")
)

// Result describes the outcome of a mutation.
type Result struct {
	Key      string
	Position int    // position of the entry after an upsert, -1 for deletes
	Inserted bool   // the upsert created a new entry
	Found    bool   // the key existed (deletes) or the remote update changed the document
	Version  uint64 // document version after the mutation, 0 if the document did not change
}

type reply struct {
	res Result
	err error
}

// command is a mutation waiting for the single writer goroutine.
type command struct {
	ctx   context.Context
	name  string
	apply func() (Result, error)
	reply chan reply
}

// Engine serializes all mutations of the document. File events, API submissions and remote
// updates are pushed to a lock-free queue and applied by one goroutine, so the commit order is
// the order in which the queue delivers them.
type Engine struct {
	store    store.IOrderedStore
	resolver *Resolver
	queue    *util.CommandQueue[command]

	subs    *xsync.MapOf[uint64, *Subscription]
	nextSub atomic.Uint64

	cancelObserve func()
	started       atomic.Bool
	stopOnce      sync.Once
	stopCh        chan struct{}
	done          chan struct{}

	now func() time.Time

	// committed is the version of the last committed mutation (writer goroutine only)
	committed uint64
}

// NewEngine creates a new engine for the given store. The engine must be the only writer of the store.
func NewEngine(s store.IOrderedStore) *Engine {
	e := &Engine{
		store:    s,
		resolver: NewResolver(),
		queue:    util.NewCommandQueue[command](),
		subs:     xsync.NewMapOf[uint64, *Subscription](),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}
	e.cancelObserve = s.Observe(e.publish)
	return e
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Start launches the writer goroutine. Mutations submitted before Start are queued.
func (e *Engine) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}
	go e.run()
	Logger.Infof("sync engine started (replica=%d)", e.store.ReplicaID())
}

// Stop stops accepting mutations, applies the ones already accepted and closes all subscriptions.
// Deliveries to subscribers that do not read anymore are abandoned.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.queue.Close()
		if e.started.CompareAndSwap(false, true) {
			// never started, nobody else closes done
			close(e.done)
		} else {
			<-e.done
		}
		e.cancelObserve()

		e.subs.Range(func(id uint64, sub *Subscription) bool {
			e.subs.Delete(id)
			sub.finish()
			return true
		})
		Logger.Infof("sync engine stopped")
	})
}

func (e *Engine) run() {
	defer close(e.done)

	for cmd := range e.queue.Recv() {
		// the caller already gave up, do not apply the mutation
		if err := cmd.ctx.Err(); err != nil {
			cmd.reply <- reply{err: err}
			continue
		}
		res, err := cmd.apply()
		if err != nil {
			Logger.Warningf("%s failed: %v", cmd.name, err)
		}
		cmd.reply <- reply{res: res, err: err}
	}
}

// submit pushes a mutation to the writer goroutine and waits for its result.
func (e *Engine) submit(ctx context.Context, name string, fn func() (Result, error)) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	cmd := &command{ctx: ctx, name: name, apply: fn, reply: make(chan reply, 1)}
	if !e.queue.Push(cmd) {
		return Result{}, ErrClosed
	}

	select {
	case r := <-cmd.reply:
		return r.res, r.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-e.done:
		select {
		case r := <-cmd.reply:
			return r.res, r.err
		default:
			return Result{}, ErrClosed
		}
	}
}

// --------------------------------------------------------------------------
// Mutations
// --------------------------------------------------------------------------

// Apply applies a submission of any type.
func (e *Engine) Apply(ctx context.Context, sub Submission) (Result, error) {
	switch s := sub.(type) {
	case FileSubmission:
		return e.applyFile(ctx, s)
	case *FileSubmission:
		return e.applyFile(ctx, *s)
	case APISubmission:
		return e.ApplyAPISubmission(ctx, s)
	case *APISubmission:
		return e.ApplyAPISubmission(ctx, *s)
	default:
		return Result{}, fmt.Errorf("%w: unknown submission type %T", ErrInvalidSubmission, sub)
	}
}

// ApplyFileEvent applies a filesystem event. add and change upsert the entry of the path (a change
// of an unknown path inserts it), unlink deletes it. Unlinking a path without entry is a no-op.
func (e *Engine) ApplyFileEvent(ctx context.Context, path string, action watcher.Action, payload json.RawMessage) (Result, error) {
	return e.applyFile(ctx, FileSubmission{Path: path, Action: action, Payload: payload})
}

// applyFile applies a file submission. The modification time of the file, if known, becomes
// the update time of the entry.
func (e *Engine) applyFile(ctx context.Context, sub FileSubmission) (Result, error) {
	path, action, payload := sub.Path, sub.Action, sub.Payload
	if _, err := FileKey(path); err != nil {
		return Result{}, err
	}

	switch action {
	case watcher.ActionAdd, watcher.ActionChange:
		if !json.Valid(payload) {
			return Result{}, fmt.Errorf("%w: payload of %s is not valid json", ErrInvalidSubmission, path)
		}
		return e.submit(ctx, "file "+string(action), func() (Result, error) {
			key, err := e.resolver.Resolve(path)
			if err != nil {
				return Result{}, err
			}
			abs := key[len(filePrefix):]
			return e.upsert(store.Entry{
				Key:       key,
				Origin:    store.OriginFile,
				FileName:  filepath.Base(abs),
				FilePath:  abs,
				Action:    string(action),
				Payload:   payload,
				UpdatedAt: sub.ModTime,
			})
		})

	case watcher.ActionUnlink:
		return e.submit(ctx, "file unlink", func() (Result, error) {
			key, ok := e.resolver.Lookup(path)
			if !ok {
				Logger.Infof("removed file %s has no entry, nothing to delete", path)
				return Result{Position: -1}, nil
			}
			e.resolver.Forget(path)
			return e.delete(key)
		})

	default:
		return Result{}, fmt.Errorf("%w: unknown file action %q", ErrInvalidSubmission, action)
	}
}

// ApplyAPISubmission upserts an API entry. A missing id is generated.
// If sub.Key names a file entry, the entry of that file is replaced, a later event of the file
// replaces it again.
func (e *Engine) ApplyAPISubmission(ctx context.Context, sub APISubmission) (Result, error) {
	if sub.ID == "" && sub.Key == "" {
		sub.ID = uuid.NewString()
	}
	if !json.Valid(sub.Payload) {
		return Result{}, fmt.Errorf("%w: payload is not valid json", ErrInvalidSubmission)
	}
	key, err := ResolveKey(sub)
	if err != nil {
		return Result{}, err
	}

	return e.submit(ctx, "api submit", func() (Result, error) {
		entry := store.Entry{
			Key:     key,
			Origin:  store.OriginAPI,
			Action:  "submit",
			Payload: sub.Payload,
		}
		if path, ok := strings.CutPrefix(key, filePrefix); ok {
			// the file watcher must find the entry by path
			resolved, err := e.resolver.Resolve(path)
			if err != nil {
				return Result{}, err
			}
			entry.Key = resolved
			entry.FileName = filepath.Base(path)
			entry.FilePath = path
		}
		return e.upsert(entry)
	})
}

// ApplyAPIPatch applies a JSON merge patch (RFC 7386) to the payload of an existing API entry.
func (e *Engine) ApplyAPIPatch(ctx context.Context, id string, patch json.RawMessage) (Result, error) {
	if id == "" {
		return Result{}, fmt.Errorf("%w: empty id", ErrInvalidSubmission)
	}
	if !json.Valid(patch) {
		return Result{}, fmt.Errorf("%w: patch is not valid json", ErrInvalidSubmission)
	}
	key := APIKey(id)

	return e.submit(ctx, "api patch", func() (Result, error) {
		current, ok := e.store.Get(key)
		if !ok {
			return Result{Key: key, Position: -1}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		merged, err := jsonpatch.MergePatch(current.Payload, patch)
		if err != nil {
			return Result{Key: key, Position: -1}, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
		}
		current.Payload = merged
		current.Action = "patch"
		current.UpdatedAt = time.Time{}
		return e.upsert(current)
	})
}

// DeleteAPIEntry deletes an API entry. Deleting an unknown id is a no-op.
func (e *Engine) DeleteAPIEntry(ctx context.Context, id string) (Result, error) {
	if id == "" {
		return Result{}, fmt.Errorf("%w: empty id", ErrInvalidSubmission)
	}
	key := APIKey(id)
	return e.submit(ctx, "api delete", func() (Result, error) {
		return e.delete(key)
	})
}

// ApplyRemoteUpdate merges an encoded update of another replica (see Change.Data).
func (e *Engine) ApplyRemoteUpdate(ctx context.Context, data []byte) (Result, error) {
	return e.submit(ctx, "remote update", func() (Result, error) {
		applied, err := e.store.ApplyUpdate(data)
		if err != nil {
			return Result{Position: -1}, err
		}
		if !applied {
			return Result{Position: -1}, nil
		}
		return Result{Position: -1, Found: true, Version: e.committed}, nil
	})
}

// --------------------------------------------------------------------------
// Subscriptions
// --------------------------------------------------------------------------

// Subscribe registers a new subscriber with the given channel buffer.
func (e *Engine) Subscribe(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	sub := &Subscription{
		id:     e.nextSub.Add(1),
		ch:     make(chan Change, buffer),
		closed: make(chan struct{}),
		engine: e,
	}

	select {
	case <-e.stopCh:
		sub.finish()
		return sub
	default:
	}
	e.subs.Store(sub.id, sub)
	return sub
}

// publish is the store observer. It runs on the writer goroutine and blocks until every
// subscriber received the change.
func (e *Engine) publish(u store.Update) {
	e.committed = u.Version
	c := changeFromUpdate(u)
	mutationCounter(c.Origin, c.Kind).Inc()
	Logger.Debugf("committed %s of %s at %d (version %d)", c.Kind, c.Key, c.Position, c.Version)

	e.subs.Range(func(_ uint64, sub *Subscription) bool {
		select {
		case sub.ch <- c:
		case <-sub.closed:
		case <-e.stopCh:
		}
		return true
	})
}

// --------------------------------------------------------------------------
// Accessors
// --------------------------------------------------------------------------

// Store returns the underlying store (for reads only).
func (e *Engine) Store() store.IOrderedStore {
	return e.store
}

// Snapshot returns a consistent copy of the document.
func (e *Engine) Snapshot() store.Snapshot {
	return e.store.Snapshot()
}

// Resolver returns the path resolver of the engine.
func (e *Engine) Resolver() *Resolver {
	return e.resolver
}

// Pending returns the number of queued mutations.
func (e *Engine) Pending() int {
	return e.queue.Len()
}

// --------------------------------------------------------------------------
// Helper Methods (writer goroutine only)
// --------------------------------------------------------------------------

func (e *Engine) upsert(entry store.Entry) (Result, error) {
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = e.now()
	}
	_, existed := e.store.Get(entry.Key)
	pos, err := e.store.Upsert(entry)
	if err != nil {
		return Result{Key: entry.Key, Position: -1}, err
	}
	return Result{Key: entry.Key, Position: pos, Inserted: !existed, Found: existed, Version: e.committed}, nil
}

func (e *Engine) delete(key string) (Result, error) {
	found, err := e.store.Delete(key)
	if err != nil {
		return Result{Key: key, Position: -1}, err
	}
	if !found {
		Logger.Infof("delete of %s ignored, no such entry", key)
		return Result{Key: key, Position: -1}, nil
	}
	return Result{Key: key, Position: -1, Found: true, Version: e.committed}, nil
}

func mutationCounter(origin store.Origin, kind store.UpdateKind) *metrics.Counter {
	return metrics.GetOrCreateCounter(fmt.Sprintf(`dkb_sync_mutations_total{origin=%q,kind=%q}`, origin.String(), kind.String()))
}
