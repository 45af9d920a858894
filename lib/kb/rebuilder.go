package kb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dKB/lib/store"
	"github.com/ValentinKolb/dKB/lib/syncer"
	"github.com/VictoriaMetrics/metrics"
	"github.com/cespare/xxhash/v2"
	"github.com/lni/dragonboat/v4/logger"
	fileatomic "github.com/natefinch/atomic"
	"github.com/sergi/go-diff/diffmatchpatch"
)

var Logger = logger.GetLogger("kb")

var (
	buildsOK        = metrics.NewCounter(`dkb_kb_rebuilds_total{result="ok"}`)
	buildsFailed    = metrics.NewCounter(`dkb_kb_rebuilds_total{result="failed"}`)
	buildsUnchanged = metrics.NewCounter(`dkb_kb_rebuilds_total{result="unchanged"}`)
	compileDuration = metrics.NewHistogram(`dkb_kb_compile_duration_seconds`)
	queriesTotal    = metrics.NewCounter(`dkb_kb_queries_total`)
)

// Config holds the configuration of a Rebuilder.
type Config struct {
	Debounce       time.Duration          // quiet period after the last change before a build (default 200ms)
	MaxWait        time.Duration          // maximum delay of a build under a constant stream of changes (default 2s)
	CompileTimeout time.Duration          // maximum duration of a single load (default 5s)
	QueryTimeout   time.Duration          // maximum duration of a query, 0 means no limit
	QueryAll       bool                   // return all solutions instead of the first one
	QueryLimit     int                    // maximum number of solutions in all mode (default 100)
	SourceExpr     string                 // extraction expression (default payload.prolog)
	OutputFile     string                 // if set, the source of every successful build is written to this file
	ChangeBuffer   int                    // buffer of the change subscription (default 256)
	NewExecutor    func() IExecutor       // executor factory (default NewPrologExecutor)
	Now            func() time.Time       // clock, for tests
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = 200 * time.Millisecond
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 2 * time.Second
	}
	if c.MaxWait < c.Debounce {
		c.MaxWait = c.Debounce
	}
	if c.CompileTimeout <= 0 {
		c.CompileTimeout = 5 * time.Second
	}
	if c.QueryLimit <= 0 {
		c.QueryLimit = 100
	}
	if c.ChangeBuffer <= 0 {
		c.ChangeBuffer = 256
	}
	if c.NewExecutor == nil {
		c.NewExecutor = NewPrologExecutor
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Rebuilder derives the knowledge base from the document. Changes are debounced (trailing edge,
// bounded by MaxWait), every build compiles into a fresh executor and the result is swapped in
// atomically. A failed build keeps the previous artifact active.
type Rebuilder struct {
	cfg       Config
	source    ISource
	extractor *Extractor
	checker   IChecker // nil if the executor can not check single entries

	active atomic.Pointer[KnowledgeBase]
	state  atomic.Int32
	latest atomic.Uint64

	mu        sync.Mutex // protects lastError
	lastError string
	builds    atomic.Uint64
	failures  atomic.Uint64

	// checked caches the result of IChecker.Check by source hash (builder goroutine only)
	checked map[uint64]checkResult

	kick    chan struct{}
	sub     *syncer.Subscription
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stop    sync.Once
}

// NewRebuilder creates a new rebuilder. It fails if the source expression does not compile.
func NewRebuilder(source ISource, cfg Config) (*Rebuilder, error) {
	cfg = cfg.withDefaults()
	extractor, err := NewExtractor(cfg.SourceExpr)
	if err != nil {
		return nil, err
	}
	checker, _ := cfg.NewExecutor().(IChecker)
	return &Rebuilder{
		cfg:       cfg,
		source:    source,
		extractor: extractor,
		checker:   checker,
		checked:   make(map[uint64]checkResult),
		kick:      make(chan struct{}, 1),
	}, nil
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Start subscribes to the changes of the document and starts the build loop.
// If the document already has entries, an initial build is done right away (in the background).
func (r *Rebuilder) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.sub = r.source.Subscribe(r.cfg.ChangeBuffer)

	r.wg.Add(2)
	go r.drain()
	go r.loop(ctx)

	Logger.Infof("rebuilder started (expr=%q, debounce=%s, max-wait=%s)", r.extractor, r.cfg.Debounce, r.cfg.MaxWait)
}

// Stop stops the rebuilder. A compilation that ignores cancellation is abandoned.
func (r *Rebuilder) Stop() {
	if !r.started.Load() {
		return
	}
	r.stop.Do(func() {
		r.cancel()
		r.sub.Close()
		// the drain goroutine exits once the engine closes the channel or the subscription is gone
		r.wg.Wait()
		r.state.Store(int32(StateStopped))
		Logger.Infof("rebuilder stopped")
	})
}

// drain reads the change subscription and signals the build loop. It never blocks on a build.
func (r *Rebuilder) drain() {
	defer r.wg.Done()
	for {
		select {
		case c, ok := <-r.sub.C():
			if !ok {
				return
			}
			r.latest.Store(c.Version)
			select {
			case r.kick <- struct{}{}:
			default:
			}
		case <-r.sub.Done():
			return
		}
	}
}

func (r *Rebuilder) loop(ctx context.Context) {
	defer r.wg.Done()

	if snap := r.source.Snapshot(); len(snap.Entries) > 0 {
		Logger.Infof("document has %d entries, running initial build", len(snap.Entries))
		r.latest.Store(snap.Version)
		r.rebuild(ctx)
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	var timerC <-chan time.Time
	var firstChange time.Time

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return

		case <-r.kick:
			now := r.cfg.Now()
			if firstChange.IsZero() {
				firstChange = now
			}
			delay := r.cfg.Debounce
			if left := r.cfg.MaxWait - now.Sub(firstChange); left < delay {
				delay = max(left, 0)
			}
			timer.Stop()
			timer.Reset(delay)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			firstChange = time.Time{}
			r.rebuild(ctx)
		}
	}
}

// Trigger requests a build, subject to the debounce.
func (r *Rebuilder) Trigger() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// --------------------------------------------------------------------------
// Build
// --------------------------------------------------------------------------

// rebuild compiles the current snapshot and swaps the artifact on success.
func (r *Rebuilder) rebuild(ctx context.Context) {
	snap := r.source.Snapshot()
	if snap.Version > r.latest.Load() {
		r.latest.Store(snap.Version)
	}
	prev := r.active.Load()
	if prev != nil && prev.SourceVersion == snap.Version && r.State() == StateReady {
		return
	}

	src, included, skipped, rejected := r.compose(ctx, snap)
	hash := xxhash.Sum64String(src)

	// the source did not change (e.g. an update of a payload field that is not compiled)
	if prev != nil && prev.SourceHash == hash {
		restamped := *prev
		restamped.SourceVersion = snap.Version
		restamped.Skipped = skipped
		restamped.Rejected = rejected
		r.active.Store(&restamped)
		r.setReady()
		buildsUnchanged.Inc()
		Logger.Debugf("source unchanged, knowledge base now at version %d", snap.Version)
		return
	}

	start := r.cfg.Now()
	exec := r.cfg.NewExecutor()
	loadCtx, cancel := context.WithTimeout(ctx, r.cfg.CompileTimeout)
	err := r.load(loadCtx, exec, src)
	cancel()
	compileDuration.UpdateDuration(start)

	if err != nil && ctx.Err() != nil {
		// stopped while compiling
		return
	}
	if err != nil {
		r.failures.Add(1)
		buildsFailed.Inc()
		r.setError(err)
		if prev != nil {
			r.state.Store(int32(StateStale))
			Logger.Errorf("rebuild of version %d failed, keeping version %d: %v", snap.Version, prev.SourceVersion, err)
		} else {
			r.state.Store(int32(StateUninitialized))
			Logger.Errorf("rebuild of version %d failed, no knowledge base available: %v", snap.Version, err)
		}
		return
	}

	next := &KnowledgeBase{
		SourceVersion: snap.Version,
		SourceHash:    hash,
		Entries:       included,
		Skipped:       skipped,
		Rejected:      rejected,
		BuiltAt:       r.cfg.Now(),
		Source:        src,
		executor:      exec,
	}
	// the previous executor is released once no query holds it anymore
	r.active.Store(next)
	r.builds.Add(1)
	buildsOK.Inc()
	r.setReady()

	Logger.Infof("knowledge base rebuilt: version=%d entries=%d skipped=%d took=%s",
		next.SourceVersion, next.Entries, next.Skipped, r.cfg.Now().Sub(start))
	if prev != nil {
		logDiff(prev.Source, src)
	}
	r.export(src)
}

// checkResult is the cached outcome of IChecker.Check for one source text.
type checkResult struct {
	predicates []string
	err        error
}

// compose extracts the source of every entry in store order.
// Entries without source or with invalid source are skipped. Predicates whose clauses are spread
// over several entries are declared discontiguous at the top of the source.
func (r *Rebuilder) compose(ctx context.Context, snap store.Snapshot) (src string, included, skipped int, rejected []string) {
	checked := make(map[uint64]checkResult, len(snap.Entries))

	var body strings.Builder
	var order []string              // predicate indicators in order of first appearance
	entries := make(map[string]int) // number of entries defining a predicate
	for _, entry := range snap.Entries {
		text, err := r.extractor.Extract(entry)
		if err != nil {
			skipped++
			if !errors.Is(err, errNoSource) {
				Logger.Warningf("skipping %s: %v", entry.Key, err)
			}
			continue
		}

		if r.checker != nil {
			h := xxhash.Sum64String(text)
			res, ok := r.checked[h]
			if !ok {
				checkCtx, cancel := context.WithTimeout(ctx, r.cfg.CompileTimeout)
				res.predicates, res.err = r.checker.Check(checkCtx, text)
				cancel()
			}
			checked[h] = res
			if res.err != nil {
				skipped++
				rejected = append(rejected, entry.Key)
				Logger.Warningf("excluding %s from the knowledge base: %v", entry.Key, res.err)
				continue
			}
			for _, pi := range res.predicates {
				if entries[pi] == 0 {
					order = append(order, pi)
				}
				entries[pi]++
			}
		}

		body.WriteString("% ")
		body.WriteString(entry.Key)
		body.WriteByte('\n')
		body.WriteString(text)
		body.WriteByte('\n')
		included++
	}

	// only keep the results of the current entries
	r.checked = checked

	var b strings.Builder
	for _, pi := range order {
		if entries[pi] > 1 {
			fmt.Fprintf(&b, ":- discontiguous(%s).\n", pi)
		}
	}
	b.WriteString(body.String())
	return b.String(), included, skipped, rejected
}

// load runs Load in its own goroutine so a load that ignores the context can be abandoned.
func (r *Rebuilder) load(ctx context.Context, exec IExecutor, src string) error {
	done := make(chan error, 1)
	go func() {
		done <- exec.Load(ctx, src)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrCompileTimeout, r.cfg.CompileTimeout)
		}
		return ctx.Err()
	}
}

// export writes the source atomically to the output file.
func (r *Rebuilder) export(src string) {
	if r.cfg.OutputFile == "" {
		return
	}
	if err := fileatomic.WriteFile(r.cfg.OutputFile, strings.NewReader(src)); err != nil {
		Logger.Warningf("failed to write knowledge base to %s: %v", r.cfg.OutputFile, err)
	}
}

func logDiff(prev, next string) {
	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(prev, next)
	if len(patches) == 0 {
		return
	}
	Logger.Debugf("knowledge base source changed:\n%s", dmp.PatchToText(patches))
}

func (r *Rebuilder) setReady() {
	r.state.Store(int32(StateReady))
	r.mu.Lock()
	r.lastError = ""
	r.mu.Unlock()
}

func (r *Rebuilder) setError(err error) {
	r.mu.Lock()
	r.lastError = err.Error()
	r.mu.Unlock()
}

// --------------------------------------------------------------------------
// Read Access
// --------------------------------------------------------------------------

// Query runs a query against the active artifact. It never waits for a build.
func (r *Rebuilder) Query(ctx context.Context, text string) (QueryResult, error) {
	active := r.active.Load()
	if active == nil {
		return QueryResult{All: r.cfg.QueryAll}, ErrNotReady
	}
	queriesTotal.Inc()

	text = strings.TrimSpace(text)
	if text == "" {
		return QueryResult{}, fmt.Errorf("%w: empty query", ErrInvalidQuery)
	}
	if !strings.HasSuffix(text, ".") {
		text += "."
	}

	if r.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.QueryTimeout)
		defer cancel()
	}

	limit := 1
	if r.cfg.QueryAll {
		limit = r.cfg.QueryLimit
	}
	sols, err := active.executor.Query(ctx, text, limit)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return QueryResult{}, ctxErr
		}
		if errors.Is(err, ErrInvalidQuery) {
			return QueryResult{}, err
		}
		return QueryResult{}, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return QueryResult{Solutions: sols, All: r.cfg.QueryAll, SourceVersion: active.SourceVersion}, nil
}

// Active returns the active artifact, nil if there is none.
func (r *Rebuilder) Active() *KnowledgeBase {
	return r.active.Load()
}

// State returns the current state.
func (r *Rebuilder) State() State {
	return State(r.state.Load())
}

// Status returns a point-in-time view of the rebuilder.
func (r *Rebuilder) Status() Status {
	r.mu.Lock()
	lastError := r.lastError
	r.mu.Unlock()

	s := Status{
		State:         r.State(),
		LatestVersion: r.latest.Load(),
		LastError:     lastError,
		Builds:        r.builds.Load(),
		Failures:      r.failures.Load(),
	}
	if active := r.active.Load(); active != nil {
		s.SourceVersion = active.SourceVersion
		s.Entries = active.Entries
		s.Skipped = active.Skipped
		s.Rejected = active.Rejected
		s.BuiltAt = active.BuiltAt
	}
	return s
}
