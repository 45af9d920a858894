package watcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/fsnotify/fsnotify"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("watcher")

var droppedEvents = metrics.NewCounter(`dkb_watcher_dropped_events_total`)

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// Mode selects how the directory is observed.
type Mode string

const (
	ModeNotify Mode = "notify" // kernel notifications (fsnotify)
	ModePoll   Mode = "poll"   // periodic directory scans
)

// Action is the kind of a file event.
type Action string

const (
	ActionAdd    Action = "add"
	ActionChange Action = "change"
	ActionUnlink Action = "unlink"
)

// FileEvent is a normalized filesystem event.
type FileEvent struct {
	Path    string          // absolute and cleaned path of the file
	Name    string          // base name of the file
	Action  Action          // add, change or unlink
	Payload json.RawMessage // compact JSON content, nil for unlink
	ModTime time.Time
}

// Handler is called for every file event. It is called from the watcher goroutine,
// the next event is processed after the handler returned.
type Handler func(ctx context.Context, ev FileEvent)

// Config holds the configuration of a Watcher.
type Config struct {
	Dir                string        // watched directory, created if missing
	Suffix             string        // only files with this suffix are reported (default .json)
	Mode               Mode          // notify or poll (default notify)
	PollInterval       time.Duration // scan / stability check interval (default 100ms)
	StabilityThreshold time.Duration // time size and mtime must stay unchanged before a file is read (default 300ms)
	IgnoreInitial      bool          // do not report files that exist when the watcher starts
	EnableDeletion     bool          // report removed files as unlink events
	Lenient            bool          // accept comments and trailing commas
}

func (c Config) withDefaults() Config {
	if c.Suffix == "" {
		c.Suffix = ".json"
	}
	if c.Mode == "" {
		c.Mode = ModeNotify
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.StabilityThreshold < 0 {
		c.StabilityThreshold = 0
	}
	return c
}

// fileState is what the watcher compares to detect modifications.
type fileState struct {
	size  int64
	mtime int64 // unix nanoseconds
}

type knownFile struct {
	state   fileState
	emitted bool // an add event was delivered (or the file was skipped by the initial scan)
}

type pendingFile struct {
	state fileState
	since time.Time
}

// Watcher observes a directory and reports JSON files.
type Watcher struct {
	cfg     Config
	dir     string
	handler Handler

	// only accessed by the run goroutine (and Start before it is launched)
	known   map[string]knownFile
	pending map[string]*pendingFile

	fsw     *fsnotify.Watcher
	ready   chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
	started atomic.Bool
	stop    sync.Once

	now func() time.Time
}

// New creates a new watcher. The handler must not be nil.
func New(cfg Config, handler Handler) *Watcher {
	return &Watcher{
		cfg:     cfg.withDefaults(),
		handler: handler,
		known:   make(map[string]knownFile),
		pending: make(map[string]*pendingFile),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Start creates the directory if needed, performs the initial scan in the background and starts
// watching. An error is returned if the directory can not be created or accessed.
func (w *Watcher) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("watcher already started")
	}

	dir, err := filepath.Abs(w.cfg.Dir)
	if err != nil {
		return fmt.Errorf("invalid watch directory %q: %w", w.cfg.Dir, err)
	}
	w.dir = filepath.Clean(dir)

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create watch directory: %w", err)
	}
	if _, err := os.ReadDir(w.dir); err != nil {
		return fmt.Errorf("failed to access watch directory: %w", err)
	}

	switch w.cfg.Mode {
	case ModeNotify:
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create fsnotify watcher: %w", err)
		}
		if err := fsw.Add(w.dir); err != nil {
			_ = fsw.Close()
			return fmt.Errorf("failed to watch %s: %w", w.dir, err)
		}
		w.fsw = fsw
	case ModePoll:
	default:
		return fmt.Errorf("unknown watch mode %q", w.cfg.Mode)
	}

	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)

	Logger.Infof("watching %s for *%s files (mode=%s)", w.dir, w.cfg.Suffix, w.cfg.Mode)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
// A handler call in progress is completed first.
func (w *Watcher) Stop() {
	if !w.started.Load() {
		return
	}
	w.stop.Do(func() {
		// Start failed before the loop was launched
		if w.cancel == nil {
			return
		}
		w.cancel()
		<-w.done
		Logger.Infof("watcher for %s stopped", w.dir)
	})
}

// Ready is closed after the initial scan was delivered.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Dir returns the absolute watched directory (empty before Start).
func (w *Watcher) Dir() string {
	return w.dir
}

// --------------------------------------------------------------------------
// Event Loop
// --------------------------------------------------------------------------

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	if w.fsw != nil {
		defer w.fsw.Close()
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.initialScan()
	w.settle(ctx, ticker.C)
	close(w.ready)
	Logger.Infof("initial scan of %s complete, %d files known", w.dir, len(w.known))

	var events <-chan fsnotify.Event
	var errs <-chan error
	if w.fsw != nil {
		events = w.fsw.Events
		errs = w.fsw.Errors
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			w.handleNotify(ctx, ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			Logger.Errorf("watcher error: %v", err)
		case <-ticker.C:
			if w.cfg.Mode == ModePoll {
				w.scan(ctx)
			}
			w.flushPending(ctx)
		}
	}
}

// initialScan records the files already in the directory. Unless they are ignored, they are
// read like new files once they are stable.
func (w *Watcher) initialScan() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		Logger.Errorf("initial scan of %s failed: %v", w.dir, err)
		return
	}

	for _, e := range entries {
		if e.IsDir() || !w.matches(e.Name()) {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		st, ok := statFile(path)
		if !ok {
			continue
		}
		if w.cfg.IgnoreInitial {
			w.known[path] = knownFile{state: st, emitted: true}
			continue
		}
		w.pending[path] = &pendingFile{state: st, since: w.now()}
	}
}

// settle flushes the pending files of the initial scan until all of them were delivered.
func (w *Watcher) settle(ctx context.Context, tick <-chan time.Time) {
	for len(w.pending) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			w.flushPending(ctx)
		}
	}
}

func (w *Watcher) handleNotify(ctx context.Context, ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	if filepath.Dir(path) != w.dir || !w.matches(filepath.Base(path)) {
		return
	}
	Logger.Debugf("event %s on %s", ev.Op, path)

	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		w.removed(ctx, path)
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write), ev.Has(fsnotify.Chmod):
		w.touch(ctx, path)
	}
}

// scan lists the directory and detects new, modified and removed files (poll mode).
func (w *Watcher) scan(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		Logger.Errorf("scan of %s failed: %v", w.dir, err)
		return
	}

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.IsDir() || !w.matches(e.Name()) {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		seen[path] = struct{}{}
		w.touch(ctx, path)
	}

	for _, path := range slices.Sorted(maps.Keys(w.known)) {
		if _, ok := seen[path]; !ok {
			w.forget(ctx, path)
		}
	}
	for path := range w.pending {
		if _, ok := seen[path]; !ok {
			delete(w.pending, path)
		}
	}
}

// touch records a possibly modified file. It is read once it is stable.
func (w *Watcher) touch(ctx context.Context, path string) {
	st, ok := statFile(path)
	if !ok {
		w.forget(ctx, path)
		return
	}

	if p, ok := w.pending[path]; ok {
		if p.state != st {
			p.state = st
			p.since = w.now()
		}
		return
	}
	if k, ok := w.known[path]; ok && k.state == st {
		return
	}
	w.pending[path] = &pendingFile{state: st, since: w.now()}
}

// flushPending reads all files that did not change for the stability threshold.
func (w *Watcher) flushPending(ctx context.Context) {
	if len(w.pending) == 0 {
		return
	}
	now := w.now()

	for _, path := range slices.Sorted(maps.Keys(w.pending)) {
		p := w.pending[path]
		st, ok := statFile(path)
		if !ok {
			delete(w.pending, path)
			w.forget(ctx, path)
			continue
		}
		if st != p.state {
			p.state = st
			p.since = now
			continue
		}
		if now.Sub(p.since) < w.cfg.StabilityThreshold {
			continue
		}
		delete(w.pending, path)
		w.emitFile(ctx, path, st)
	}
}

// removed handles a remove or rename notification. A file that was replaced in place
// (e.g. by an atomic rename) still exists and is treated as modified.
func (w *Watcher) removed(ctx context.Context, path string) {
	if _, ok := statFile(path); ok {
		w.touch(ctx, path)
		return
	}
	w.forget(ctx, path)
}

// forget drops all state of a file that no longer exists and reports the deletion.
func (w *Watcher) forget(ctx context.Context, path string) {
	delete(w.pending, path)
	k, ok := w.known[path]
	if !ok {
		return
	}
	delete(w.known, path)
	if !k.emitted {
		return
	}

	if !w.cfg.EnableDeletion {
		Logger.Infof("file %s removed, deletion sync is disabled", path)
		return
	}
	w.handler(ctx, FileEvent{
		Path:   path,
		Name:   filepath.Base(path),
		Action: ActionUnlink,
	})
}

// emitFile reads and parses a file and delivers an add or change event.
func (w *Watcher) emitFile(ctx context.Context, path string, st fileState) {
	prev, wasKnown := w.known[path]
	// recorded even on failure, so the same broken content is not parsed again
	w.known[path] = knownFile{state: st, emitted: prev.emitted}

	data, err := os.ReadFile(path)
	if err != nil {
		droppedEvents.Inc()
		Logger.Warningf("failed to read %s: %v", path, err)
		return
	}
	payload, err := parsePayload(data, w.cfg.Lenient)
	if err != nil {
		droppedEvents.Inc()
		Logger.Warningf("skipping %s: %v", path, err)
		return
	}

	action := ActionAdd
	if wasKnown && prev.emitted {
		action = ActionChange
	}
	w.known[path] = knownFile{state: st, emitted: true}

	w.handler(ctx, FileEvent{
		Path:    path,
		Name:    filepath.Base(path),
		Action:  action,
		Payload: payload,
		ModTime: time.Unix(0, st.mtime),
	})
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

func (w *Watcher) matches(name string) bool {
	return strings.HasSuffix(name, w.cfg.Suffix) && len(name) > len(w.cfg.Suffix)
}

// statFile returns the state of a regular file, ok is false if it does not exist or is no regular file.
func statFile(path string) (fileState, bool) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return fileState{}, false
	}
	return fileState{size: info.Size(), mtime: info.ModTime().UnixNano()}, true
}
