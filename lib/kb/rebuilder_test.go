package kb

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dKB/lib/store/ostore"
	"github.com/ValentinKolb/dKB/lib/syncer"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Test Helpers
// --------------------------------------------------------------------------

// stubExecutor fails to load sources containing "FAIL" and hangs (ignoring the context)
// on sources containing "HANG". Queries return the loaded source.
type stubExecutor struct {
	loads  *atomic.Int64
	source string
}

func (s *stubExecutor) Load(_ context.Context, source string) error {
	s.loads.Add(1)
	if strings.Contains(source, "HANG") {
		time.Sleep(time.Second)
	}
	if strings.Contains(source, "FAIL") {
		return assert.AnError
	}
	s.source = source
	return nil
}

func (s *stubExecutor) Query(_ context.Context, _ string, _ int) ([]Bindings, error) {
	return []Bindings{{"source": s.source}}, nil
}

func stubFactory(loads *atomic.Int64) func() IExecutor {
	return func() IExecutor { return &stubExecutor{loads: loads} }
}

func newEngine(t *testing.T) *syncer.Engine {
	t.Helper()
	e := syncer.NewEngine(ostore.NewOrderedStore(1))
	e.Start()
	t.Cleanup(e.Stop)
	return e
}

func newRebuilder(t *testing.T, e *syncer.Engine, cfg Config) *Rebuilder {
	t.Helper()
	if cfg.Debounce == 0 {
		cfg.Debounce = 20 * time.Millisecond
	}
	r, err := NewRebuilder(e, cfg)
	require.NoError(t, err)
	r.Start(context.Background())
	t.Cleanup(r.Stop)
	return r
}

func submit(t *testing.T, e *syncer.Engine, id string, payload string) {
	t.Helper()
	_, err := e.ApplyAPISubmission(context.Background(), syncer.APISubmission{ID: id, Payload: json.RawMessage(payload)})
	require.NoError(t, err)
}

func rule(r string) string {
	b, _ := json.Marshal(map[string]string{"prolog": r})
	return string(b)
}

// waitForVersion waits until the status reports that the latest store version was processed.
func waitForVersion(t *testing.T, r *Rebuilder, e *syncer.Engine) Status {
	t.Helper()
	want := e.Snapshot().Version
	require.Eventually(t, func() bool {
		s := r.Status()
		return s.LatestVersion >= want && (s.SourceVersion >= want || s.State == StateStale || s.Failures > 0)
	}, 3*time.Second, 5*time.Millisecond)
	return r.Status()
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestQueryBeforeFirstBuild(t *testing.T) {
	e := newEngine(t)
	r := newRebuilder(t, e, Config{})

	_, err := r.Query(context.Background(), "true.")
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Equal(t, StateUninitialized, r.State())
}

func TestDebouncedConvergence(t *testing.T) {
	e := newEngine(t)
	var loads atomic.Int64
	r := newRebuilder(t, e, Config{Debounce: 100 * time.Millisecond, NewExecutor: stubFactory(&loads)})

	for i := 0; i < 20; i++ {
		submit(t, e, string(rune('a'+i)), rule("f"+string(rune('a'+i))+"."))
	}

	s := waitForVersion(t, r, e)
	assert.Equal(t, StateReady, s.State)
	assert.Equal(t, 20, s.Entries)
	assert.Less(t, loads.Load(), int64(5), "burst must be coalesced")

	// the active artifact contains the last state of every entry
	src := r.Active().Source
	for i := 0; i < 20; i++ {
		assert.Contains(t, src, "f"+string(rune('a'+i))+".")
	}
}

func TestMaxWaitBoundsDelay(t *testing.T) {
	e := newEngine(t)
	var loads atomic.Int64
	r := newRebuilder(t, e, Config{
		Debounce:    100 * time.Millisecond,
		MaxWait:     150 * time.Millisecond,
		NewExecutor: stubFactory(&loads),
	})

	// changes every 20ms never leave a quiet period of 100ms
	deadline := time.Now().Add(600 * time.Millisecond)
	for i := 0; time.Now().Before(deadline); i++ {
		submit(t, e, "x", rule("v("+string(rune('a'+i%26))+")."))
		time.Sleep(20 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, r.Status().Builds, uint64(2))
}

func TestStaleOnFailure(t *testing.T) {
	e := newEngine(t)
	var loads atomic.Int64
	r := newRebuilder(t, e, Config{NewExecutor: stubFactory(&loads)})

	submit(t, e, "a", rule("ok."))
	s := waitForVersion(t, r, e)
	require.Equal(t, StateReady, s.State)
	good := s.SourceVersion

	submit(t, e, "b", rule("FAIL"))
	require.Eventually(t, func() bool { return r.State() == StateStale }, time.Second, 5*time.Millisecond)

	s = r.Status()
	assert.Equal(t, good, s.SourceVersion)
	assert.NotEmpty(t, s.LastError)
	assert.Equal(t, uint64(1), s.Failures)

	// queries are answered by the last good artifact
	res, err := r.Query(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, good, res.SourceVersion)
	assert.Equal(t, map[string]string{"source": "% api:a\nok.\n"}, map[string]string(res.Value().(Bindings)))

	// removing the broken entry recovers
	_, err = e.DeleteAPIEntry(context.Background(), "b")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.State() == StateReady }, time.Second, 5*time.Millisecond)
	assert.Empty(t, r.Status().LastError)
}

func TestCompileTimeout(t *testing.T) {
	e := newEngine(t)
	var loads atomic.Int64
	r := newRebuilder(t, e, Config{CompileTimeout: 50 * time.Millisecond, NewExecutor: stubFactory(&loads)})

	submit(t, e, "a", rule("HANG"))
	require.Eventually(t, func() bool { return r.Status().Failures == 1 }, time.Second, 5*time.Millisecond)

	s := r.Status()
	assert.Equal(t, StateUninitialized, s.State)
	assert.Contains(t, s.LastError, ErrCompileTimeout.Error())

	_, err := r.Query(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestUnchangedSourceIsRestamped(t *testing.T) {
	e := newEngine(t)
	var loads atomic.Int64
	r := newRebuilder(t, e, Config{NewExecutor: stubFactory(&loads)})

	submit(t, e, "a", `{"prolog":"a.","note":"v1"}`)
	waitForVersion(t, r, e)
	require.Equal(t, int64(1), loads.Load())

	_, err := e.ApplyAPIPatch(context.Background(), "a", json.RawMessage(`{"note":"v2"}`))
	require.NoError(t, err)
	s := waitForVersion(t, r, e)

	assert.Equal(t, e.Snapshot().Version, s.SourceVersion)
	assert.Equal(t, int64(1), loads.Load(), "no recompilation for an unchanged source")
	assert.Equal(t, uint64(1), s.Builds)
}

func TestInitialBuild(t *testing.T) {
	e := newEngine(t)
	submit(t, e, "a", rule("a."))

	var loads atomic.Int64
	r := newRebuilder(t, e, Config{NewExecutor: stubFactory(&loads)})
	require.Eventually(t, func() bool { return r.State() == StateReady }, time.Second, 5*time.Millisecond)
	assert.Equal(t, e.Snapshot().Version, r.Status().SourceVersion)
}

func TestMalformedEntryIsolation(t *testing.T) {
	e := newEngine(t)
	r := newRebuilder(t, e, Config{})

	submit(t, e, "good1", rule("parent(tom, bob)."))
	submit(t, e, "bad", rule("parent(bob, ann"))
	submit(t, e, "noprolog", `{"title":"just data"}`)
	submit(t, e, "good2", rule("parent(bob, liz)."))

	s := waitForVersion(t, r, e)
	require.Equal(t, StateReady, s.State)
	assert.Equal(t, 2, s.Entries)
	assert.Equal(t, 2, s.Skipped)
	assert.Equal(t, []string{"api:bad"}, s.Rejected)

	res, err := r.Query(context.Background(), "parent(bob, X)")
	require.NoError(t, err)
	assert.Equal(t, Bindings{"X": "liz"}, res.Value())
}

func TestPredicatesSpreadOverEntries(t *testing.T) {
	e := newEngine(t)
	r := newRebuilder(t, e, Config{QueryAll: true})

	submit(t, e, "a", rule("parent(a, b).\nlikes(x, y)."))
	submit(t, e, "b", rule("parent(b, c)."))
	submit(t, e, "c", rule("likes(y, z).\nancestor(X, Y) :- parent(X, Y).\nancestor(X, Z) :- parent(X, Y), ancestor(Y, Z)."))

	s := waitForVersion(t, r, e)
	require.Equal(t, StateReady, s.State, s.LastError)
	assert.Equal(t, 3, s.Entries)
	assert.Empty(t, s.Rejected)
	assert.True(t, strings.HasPrefix(r.Active().Source, ":- discontiguous(parent/2).\n:- discontiguous(likes/2).\n% api:a\n"))

	res, err := r.Query(context.Background(), "ancestor(a, X)")
	require.NoError(t, err)
	assert.Equal(t, []Bindings{{"X": "b"}, {"X": "c"}}, res.Value())

	res, err = r.Query(context.Background(), "likes(X, Y)")
	require.NoError(t, err)
	assert.Equal(t, []Bindings{{"X": "x", "Y": "y"}, {"X": "y", "Y": "z"}}, res.Value())

	// the header follows the entries
	_, err = e.DeleteAPIEntry(context.Background(), "b")
	require.NoError(t, err)
	s = waitForVersion(t, r, e)
	require.Equal(t, StateReady, s.State)
	assert.True(t, strings.HasPrefix(r.Active().Source, ":- discontiguous(likes/2).\n% api:a\n"))
}

func TestHaltIsRejected(t *testing.T) {
	e := newEngine(t)
	r := newRebuilder(t, e, Config{})

	submit(t, e, "good", rule("ok."))
	submit(t, e, "halt0", rule(":- halt."))
	submit(t, e, "halt1", rule("x. :- halt(3)."))

	s := waitForVersion(t, r, e)
	require.Equal(t, StateReady, s.State)
	assert.Equal(t, 1, s.Entries)
	assert.Equal(t, []string{"api:halt0", "api:halt1"}, s.Rejected)

	res, err := r.Query(context.Background(), "ok")
	require.NoError(t, err)
	assert.Equal(t, Bindings{}, res.Value())
}

func TestDefinedPredicates(t *testing.T) {
	tests := []struct {
		name   string
		source string
		want   []string
	}{
		{name: "facts", source: "a. b(1). b(2).", want: []string{"a/0", "b/1"}},
		{name: "rules", source: "p(X) :- q(X). q(1).", want: []string{"p/1", "q/1"}},
		{name: "directives are skipped", source: ":- dynamic(d/1). d(1).", want: []string{"d/1"}},
		{name: "grammar rules", source: "greeting --> [hello].", want: []string{"greeting/2"}},
		{name: "quoted names", source: "'Big'(1). 'a b'.", want: []string{"'Big'/1", "'a b'/0"}},
		{name: "empty", source: "", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewPrologExecutor().(IChecker).Check(context.Background(), tt.source)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestQueryModes(t *testing.T) {
	tests := []struct {
		name    string
		all     bool
		query   string
		want    any
		wantErr error
	}{
		{name: "first solution", query: "parent(tom, X).", want: Bindings{"X": "bob"}},
		{name: "no solution", query: "parent(ann, X).", want: nil},
		{name: "ground goal", query: "parent(tom, bob)", want: Bindings{}},
		{name: "all solutions", all: true, query: "parent(tom, X).", want: []Bindings{{"X": "bob"}, {"X": "liz"}}},
		{name: "all without solution", all: true, query: "parent(ann, X).", want: []Bindings{}},
		{name: "malformed", query: "parent(tom, ", wantErr: ErrInvalidQuery},
		{name: "unknown predicate", query: "sibling(tom, X).", wantErr: ErrQueryFailed},
		{name: "halt", query: "halt.", wantErr: ErrQueryFailed},
		{name: "empty", query: "  ", wantErr: ErrInvalidQuery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEngine(t)
			r := newRebuilder(t, e, Config{QueryAll: tt.all})
			submit(t, e, "a", rule("parent(tom, bob).\nparent(tom, liz)."))
			waitForVersion(t, r, e)

			res, err := r.Query(context.Background(), tt.query)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Value())
		})
	}
}

func TestSourceGolden(t *testing.T) {
	e := newEngine(t)
	out := filepath.Join(t.TempDir(), "knowledge_base.pl")
	r := newRebuilder(t, e, Config{OutputFile: out})

	submit(t, e, "a1", rule("parent(tom, bob)."))
	submit(t, e, "a2", `{"prolog":["parent(bob, ann).","grandparent(X, Z) :- parent(X, Y), parent(Y, Z)."]}`)
	submit(t, e, "a3", `{"note":"no rules"}`)
	submit(t, e, "a4", rule("  likes(ann, prolog).  "))

	s := waitForVersion(t, r, e)
	require.Equal(t, StateReady, s.State)

	src := r.Active().Source
	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"))
	g.Assert(t, "knowledge_base", []byte(src))

	written, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, src, string(written))

	res, err := r.Query(context.Background(), "grandparent(tom, W)")
	require.NoError(t, err)
	assert.Equal(t, Bindings{"W": "ann"}, res.Value())
}
