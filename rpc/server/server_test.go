package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dKB/lib/kb"
	"github.com/ValentinKolb/dKB/lib/store"
	"github.com/ValentinKolb/dKB/lib/store/ostore"
	"github.com/ValentinKolb/dKB/lib/syncer"
	"github.com/ValentinKolb/dKB/lib/watcher"
	"github.com/ValentinKolb/dKB/rpc/common"
	"github.com/ValentinKolb/dKB/rpc/serializer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --------------------------------------------------------------------------
// Test Helpers
// --------------------------------------------------------------------------

type testServer struct {
	engine    *syncer.Engine
	rebuilder *kb.Rebuilder
	handler   http.Handler
}

func newTestServer(t *testing.T, cfg kb.Config) *testServer {
	t.Helper()

	engine := syncer.NewEngine(ostore.NewOrderedStore(1))
	engine.Start()
	t.Cleanup(engine.Stop)

	if cfg.Debounce == 0 {
		cfg.Debounce = 10 * time.Millisecond
	}
	rebuilder, err := kb.NewRebuilder(engine, cfg)
	require.NoError(t, err)
	rebuilder.Start(context.Background())
	t.Cleanup(rebuilder.Stop)

	s := NewRPCServer(common.ServerConfig{ReplicaID: 1}, nil, engine, rebuilder)
	return &testServer{engine: engine, rebuilder: rebuilder, handler: s.Handler()}
}

// do sends a JSON request and decodes the JSON response into out (if not nil)
func (ts *testServer) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

// waitForKB waits until the knowledge base reflects the latest document version
func (ts *testServer) waitForKB(t *testing.T) {
	t.Helper()
	want := ts.engine.Snapshot().Version
	require.Eventually(t, func() bool {
		return ts.rebuilder.Status().SourceVersion >= want
	}, 3*time.Second, 5*time.Millisecond)
}

// --------------------------------------------------------------------------
// Tests
// --------------------------------------------------------------------------

func TestSubmitValidation(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   string
		status int
		errMsg string
	}{
		{name: "valid", path: common.RouteSubmit, body: `{"prolog":"a."}`, status: http.StatusOK},
		{name: "alias", path: common.RouteAlias, body: `{"prolog":"a.","id":"x"}`, status: http.StatusOK},
		{name: "numeric id", path: common.RouteSubmit, body: `{"prolog":"a.","id":7}`, status: http.StatusOK},
		{name: "missing field", path: common.RouteSubmit, body: `{"other":"a."}`, status: http.StatusBadRequest, errMsg: common.ErrMsgInvalidSubmission},
		{name: "field not a string", path: common.RouteSubmit, body: `{"prolog":1}`, status: http.StatusBadRequest, errMsg: common.ErrMsgInvalidSubmission},
		{name: "invalid id", path: common.RouteSubmit, body: `{"prolog":"a.","id":{}}`, status: http.StatusBadRequest, errMsg: common.ErrMsgInvalidSubmission},
		{name: "key not a string", path: common.RouteSubmit, body: `{"prolog":"a.","key":1}`, status: http.StatusBadRequest, errMsg: common.ErrMsgInvalidSubmission},
		{name: "unknown key scheme", path: common.RouteSubmit, body: `{"prolog":"a.","key":"other:1"}`, status: http.StatusBadRequest, errMsg: common.ErrMsgInvalidSubmission},
		{name: "malformed json", path: common.RouteSubmit, body: `{"prolog":`, status: http.StatusBadRequest, errMsg: common.ErrMsgInvalidSubmission},
		{name: "array body", path: common.RouteSubmit, body: `["a."]`, status: http.StatusBadRequest, errMsg: common.ErrMsgInvalidSubmission},
		{name: "rule", path: common.RouteRules, body: `{"rule":"a."}`, status: http.StatusOK},
		{name: "rule not a string", path: common.RouteRules, body: `{"rule":["a."]}`, status: http.StatusBadRequest, errMsg: common.ErrMsgInvalidRule},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, kb.Config{})

			if tt.errMsg != "" {
				var resp common.ErrorResponse
				assert.Equal(t, tt.status, ts.do(t, http.MethodPost, tt.path, tt.body, &resp))
				assert.Equal(t, tt.errMsg, resp.Error)
				assert.Equal(t, 0, ts.engine.Store().Len(), "invalid submissions must not change the document")
				return
			}

			var resp common.SubmitResponse
			assert.Equal(t, tt.status, ts.do(t, http.MethodPost, tt.path, tt.body, &resp))
			assert.True(t, strings.HasPrefix(resp.Key, "api:"))
			assert.True(t, resp.Inserted)
			assert.Equal(t, 0, resp.Position)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestSubmitAndQuery(t *testing.T) {
	ts := newTestServer(t, kb.Config{})

	// before the first build the result is null
	var q common.QueryResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, common.RouteQuery, `{"query":"parent(tom, X)."}`, &q))
	assert.Nil(t, q.Result)

	ts.do(t, http.MethodPost, common.RouteSubmit, `{"prolog":"parent(tom, bob).","id":"p1"}`, nil)
	ts.do(t, http.MethodPost, common.RouteRules, `{"rule":"parent(bob, ann)."}`, nil)
	ts.waitForKB(t)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, common.RouteQuery, `{"query":"parent(tom, X)."}`, &q))
	assert.Equal(t, map[string]any{"X": "bob"}, q.Result)

	// updating the same id replaces the entry
	var sub common.SubmitResponse
	ts.do(t, http.MethodPost, common.RouteSubmit, `{"prolog":"parent(tom, liz).","id":"p1"}`, &sub)
	assert.False(t, sub.Inserted)
	assert.Equal(t, 0, sub.Position)
	ts.waitForKB(t)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, common.RouteQuery, `{"query":"parent(tom, X)"}`, &q))
	assert.Equal(t, map[string]any{"X": "liz"}, q.Result)

	// no solution
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, common.RouteQuery, `{"query":"parent(ann, X)."}`, &q))
	assert.Nil(t, q.Result)
}

func TestQueryAll(t *testing.T) {
	ts := newTestServer(t, kb.Config{QueryAll: true})
	ts.do(t, http.MethodPost, common.RouteSubmit, `{"prolog":"n(1). n(2). n(3)."}`, nil)
	ts.waitForKB(t)

	var q common.QueryResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, common.RouteQuery, `{"query":"n(X)."}`, &q))
	assert.Equal(t, []any{
		map[string]any{"X": "1"},
		map[string]any{"X": "2"},
		map[string]any{"X": "3"},
	}, q.Result)
}

func TestQueryValidation(t *testing.T) {
	ts := newTestServer(t, kb.Config{})
	ts.do(t, http.MethodPost, common.RouteSubmit, `{"prolog":"a."}`, nil)
	ts.waitForKB(t)

	var resp common.ErrorResponse
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, common.RouteQuery, `{"query":42}`, &resp))
	assert.Equal(t, common.ErrMsgInvalidQuery, resp.Error)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, common.RouteQuery, `{}`, &resp))
	assert.Equal(t, common.ErrMsgInvalidQuery, resp.Error)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, common.RouteQuery, `{"query":"a("}`, &resp))
	assert.NotEmpty(t, resp.Error)

	// a well-formed query of an unknown predicate is an error of the query, not of the request
	assert.Equal(t, http.StatusInternalServerError, ts.do(t, http.MethodPost, common.RouteQuery, `{"query":"sibling(a, X)"}`, &resp))
	assert.Contains(t, resp.Error, "existence_error")

	assert.Equal(t, http.StatusInternalServerError, ts.do(t, http.MethodPost, common.RouteQuery, `{"query":"halt."}`, &resp))
	assert.Contains(t, resp.Error, "permission_error")
}

func TestPatchAndDelete(t *testing.T) {
	ts := newTestServer(t, kb.Config{})
	ts.do(t, http.MethodPost, common.RouteSubmit, `{"prolog":"a.","id":"e1","note":"x"}`, nil)

	var sub common.SubmitResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPatch, common.EntryRoute("e1"), `{"prolog":"b.","note":null}`, &sub))
	assert.Equal(t, "api:e1", sub.Key)

	entry, ok := ts.engine.Store().Get("api:e1")
	require.True(t, ok)
	assert.JSONEq(t, `{"prolog":"b.","id":"e1"}`, string(entry.Payload))

	var errResp common.ErrorResponse
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPatch, common.EntryRoute("nope"), `{"prolog":"c."}`, &errResp))
	assert.Equal(t, common.ErrMsgNotFound, errResp.Error)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPatch, common.EntryRoute("e1"), `{"prolog":3}`, &errResp))

	var del common.DeleteResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, common.EntryRoute("e1"), "", &del))
	assert.True(t, del.Found)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodDelete, common.EntryRoute("e1"), "", &del))
	assert.False(t, del.Found)
}

func TestEntriesAndStatus(t *testing.T) {
	ts := newTestServer(t, kb.Config{})
	ts.do(t, http.MethodPost, common.RouteSubmit, `{"prolog":"a.","id":"1"}`, nil)
	ts.do(t, http.MethodPost, common.RouteSubmit, `{"prolog":"b.","id":"2"}`, nil)
	ts.waitForKB(t)

	var entries common.EntriesResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, common.RouteEntries, "", &entries))
	require.Len(t, entries.Entries, 2)
	assert.Equal(t, "api:1", entries.Entries[0].Key)
	assert.Equal(t, "api:2", entries.Entries[1].Key)
	assert.Equal(t, "api", entries.Entries[0].Origin)
	assert.JSONEq(t, `{"prolog":"b.","id":"2"}`, string(entries.Entries[1].Payload))

	var status common.StatusResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, common.RouteStatus, "", &status))
	assert.Equal(t, 2, status.Documents)
	assert.Equal(t, entries.Version, status.Version)
	assert.Equal(t, "ready", status.KnowledgeBase.State)
	assert.Equal(t, 2, status.KnowledgeBase.Entries)
}

func TestMsgpackBodies(t *testing.T) {
	ts := newTestServer(t, kb.Config{})
	mp := serializer.NewMsgpackSerializer()

	body, err := mp.Serialize(map[string]any{"prolog": "likes(ann, go).", "id": "m1"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, common.RouteSubmit, bytes.NewReader(body))
	req.Header.Set("Content-Type", mp.ContentType())
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, mp.ContentType(), rec.Header().Get("Content-Type"))

	var resp common.SubmitResponse
	require.NoError(t, mp.Deserialize(rec.Body.Bytes(), &resp))
	assert.Equal(t, "api:m1", resp.Key)

	entry, ok := ts.engine.Store().Get("api:m1")
	require.True(t, ok)
	assert.JSONEq(t, `{"prolog":"likes(ann, go).","id":"m1"}`, string(entry.Payload))
}

func TestMsgpackNumericIDs(t *testing.T) {
	ts := newTestServer(t, kb.Config{})
	mp := serializer.NewMsgpackSerializer()

	for _, id := range []any{int8(7), uint16(300), int64(-5), uint64(1 << 40), 2.0} {
		body, err := mp.Serialize(map[string]any{"prolog": "a.", "id": id})
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, common.RouteSubmit, bytes.NewReader(body))
		req.Header.Set("Content-Type", mp.ContentType())
		rec := httptest.NewRecorder()
		ts.handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, "id %v (%T)", id, id)
	}

	for _, key := range []string{"api:7", "api:300", "api:-5", "api:1099511627776", "api:2"} {
		_, ok := ts.engine.Store().Get(key)
		assert.True(t, ok, key)
	}
}

func TestSubmitReplacesFileEntry(t *testing.T) {
	ts := newTestServer(t, kb.Config{})
	path := filepath.Join(t.TempDir(), "rules.json")

	res, err := ts.engine.ApplyFileEvent(context.Background(), path, watcher.ActionAdd, json.RawMessage(`{"prolog":"from(file)."}`))
	require.NoError(t, err)

	var sub common.SubmitResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, common.RouteSubmit, `{"prolog":"from(api).","key":"`+res.Key+`"}`, &sub))
	assert.Equal(t, res.Key, sub.Key)
	assert.False(t, sub.Inserted)
	assert.Equal(t, ts.engine.Snapshot().Version, sub.Version)

	snap := ts.engine.Snapshot()
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, store.OriginAPI, snap.Entries[0].Origin)
	assert.JSONEq(t, `{"prolog":"from(api).","key":"`+res.Key+`"}`, string(snap.Entries[0].Payload))
}

func TestUnsupportedMediaType(t *testing.T) {
	ts := newTestServer(t, kb.Config{})

	req := httptest.NewRequest(http.MethodPost, common.RouteSubmit, strings.NewReader("prolog=a."))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, kb.Config{})
	ts.do(t, http.MethodPost, common.RouteSubmit, `{"prolog":"a."}`, nil)

	var health common.HealthResponse
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, common.RouteHealth, "", &health))
	assert.Equal(t, "ok", health.Status)

	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, common.RouteMetrics, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dkb_document_entries 1")
	assert.Contains(t, rec.Body.String(), `dkb_http_requests_total{route="POST /api/prolog",code="200"} 1`)
}
