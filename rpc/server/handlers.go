package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ValentinKolb/dKB/lib/kb"
	"github.com/ValentinKolb/dKB/lib/syncer"
	"github.com/ValentinKolb/dKB/rpc/common"
	"github.com/ValentinKolb/dKB/rpc/serializer"
	"github.com/VictoriaMetrics/metrics"
)

// maxBodySize limits the size of request bodies
const maxBodySize = 8 << 20

var errUnsupportedMediaType = errors.New("unsupported media type")

// --------------------------------------------------------------------------
// Mutations
// --------------------------------------------------------------------------

// handleSubmit stores the request body as an api entry.
// The body must be an object whose source field is a string, an optional "id" selects the entry.
// An optional "key" names any entry of the document, e.g. file:<path> to replace the entry of a file.
func (s *RPCServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if !s.decode(w, r, &body, common.ErrMsgInvalidSubmission) {
		return
	}

	if _, ok := body[s.config.SourceField].(string); !ok {
		s.writeError(w, r, http.StatusBadRequest, common.ErrMsgInvalidSubmission)
		return
	}
	id, ok := entryID(body["id"])
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, common.ErrMsgInvalidSubmission)
		return
	}
	key, ok := entryKey(body["key"])
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, common.ErrMsgInvalidSubmission)
		return
	}

	payload, err := json.Marshal(body)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, common.ErrMsgInvalidSubmission)
		return
	}

	res, err := s.doc.ApplyAPISubmission(r.Context(), syncer.APISubmission{ID: id, Key: key, Payload: payload})
	switch {
	case errors.Is(err, syncer.ErrInvalidSubmission):
		s.writeError(w, r, http.StatusBadRequest, common.ErrMsgInvalidSubmission)
	case err != nil:
		s.writeInternalError(w, r, err)
	default:
		s.write(w, r, http.StatusOK, submitResponse("Prolog rule added successfully", res))
	}
}

// handleRule stores a single rule as an api entry
func (s *RPCServer) handleRule(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if !s.decode(w, r, &body, common.ErrMsgInvalidRule) {
		return
	}

	rule, ok := body["rule"].(string)
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, common.ErrMsgInvalidRule)
		return
	}
	id, ok := entryID(body["id"])
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, common.ErrMsgInvalidRule)
		return
	}

	payload, err := json.Marshal(map[string]string{s.config.SourceField: rule})
	if err != nil {
		s.writeInternalError(w, r, err)
		return
	}

	res, err := s.doc.ApplyAPISubmission(r.Context(), syncer.APISubmission{ID: id, Payload: payload})
	if err != nil {
		s.writeInternalError(w, r, err)
		return
	}
	s.write(w, r, http.StatusOK, submitResponse("Rule added successfully", res))
}

// handlePatch merges the request body into an existing api entry
func (s *RPCServer) handlePatch(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if !s.decode(w, r, &body, common.ErrMsgInvalidPatch) {
		return
	}
	if v, present := body[s.config.SourceField]; present && v != nil {
		if _, ok := v.(string); !ok {
			s.writeError(w, r, http.StatusBadRequest, common.ErrMsgInvalidPatch)
			return
		}
	}

	patch, err := json.Marshal(body)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, common.ErrMsgInvalidPatch)
		return
	}

	res, err := s.doc.ApplyAPIPatch(r.Context(), r.PathValue("id"), patch)
	switch {
	case errors.Is(err, syncer.ErrNotFound):
		s.writeError(w, r, http.StatusNotFound, common.ErrMsgNotFound)
	case errors.Is(err, syncer.ErrInvalidSubmission):
		s.writeError(w, r, http.StatusBadRequest, common.ErrMsgInvalidPatch)
	case err != nil:
		s.writeInternalError(w, r, err)
	default:
		s.write(w, r, http.StatusOK, submitResponse("Prolog rule patched successfully", res))
	}
}

// handleDelete deletes an api entry, deleting an unknown entry is no error
func (s *RPCServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	res, err := s.doc.DeleteAPIEntry(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeInternalError(w, r, err)
		return
	}
	s.write(w, r, http.StatusOK, common.DeleteResponse{Key: res.Key, Found: res.Found})
}

// --------------------------------------------------------------------------
// Queries
// --------------------------------------------------------------------------

// handleQuery runs a query against the active knowledge base.
// Until the first successful build the result is null.
func (s *RPCServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if !s.decode(w, r, &body, common.ErrMsgInvalidQuery) {
		return
	}
	query, ok := body["query"].(string)
	if !ok {
		s.writeError(w, r, http.StatusBadRequest, common.ErrMsgInvalidQuery)
		return
	}

	res, err := s.kb.Query(r.Context(), query)
	switch {
	case errors.Is(err, kb.ErrNotReady):
		s.write(w, r, http.StatusOK, common.QueryResponse{Result: nil})
	case errors.Is(err, kb.ErrInvalidQuery):
		s.writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, kb.ErrQueryFailed):
		Logger.Debugf("query %q failed: %v", query, err)
		s.writeError(w, r, http.StatusInternalServerError, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, r, http.StatusGatewayTimeout, "query timed out")
	case err != nil:
		s.writeInternalError(w, r, err)
	default:
		s.write(w, r, http.StatusOK, common.QueryResponse{Result: res.Value(), SourceVersion: res.SourceVersion})
	}
}

// handleEntries returns a snapshot of the document
func (s *RPCServer) handleEntries(w http.ResponseWriter, r *http.Request) {
	snap := s.doc.Snapshot()
	resp := common.EntriesResponse{
		Version: snap.Version,
		Entries: make([]common.EntryView, len(snap.Entries)),
	}
	for i, e := range snap.Entries {
		resp.Entries[i] = common.EntryView{
			Key:       e.Key,
			Origin:    e.Origin.String(),
			FileName:  e.FileName,
			Action:    e.Action,
			UpdatedAt: e.UpdatedAt,
			Payload:   e.Payload,
		}
	}
	s.write(w, r, http.StatusOK, resp)
}

// handleStatus reports the state of the document and the knowledge base
func (s *RPCServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.doc.Snapshot()
	st := s.kb.Status()
	s.write(w, r, http.StatusOK, common.StatusResponse{
		ReplicaID: s.config.ReplicaID,
		Version:   snap.Version,
		Documents: len(snap.Entries),
		Pending:   s.doc.Pending(),
		KnowledgeBase: common.KnowledgeBaseStatus{
			State:         st.State.String(),
			SourceVersion: st.SourceVersion,
			LatestVersion: st.LatestVersion,
			Entries:       st.Entries,
			Skipped:       st.Skipped,
			Rejected:      st.Rejected,
			BuiltAt:       st.BuiltAt,
			LastError:     st.LastError,
			Builds:        st.Builds,
			Failures:      st.Failures,
		},
	})
}

// handleMetrics writes all metrics in the Prometheus text format
func (s *RPCServer) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	metrics.WritePrometheus(w, true)
	s.metrics.WritePrometheus(w)
}

// handleHealth is the liveness probe
func (s *RPCServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.write(w, r, http.StatusOK, common.HealthResponse{Status: "ok"})
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// entryID converts the optional id of a request body. Numbers are accepted as ids.
func entryID(v any) (string, bool) {
	switch id := v.(type) {
	case nil:
		return "", true
	case string:
		return strings.TrimSpace(id), true
	case json.Number:
		return id.String(), true
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		// msgpack bodies decode integers to the smallest fitting type
		return fmt.Sprint(id), true
	case float32:
		return strconv.FormatFloat(float64(id), 'f', -1, 32), true
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64), true
	default:
		return "", false
	}
}

// entryKey converts the optional key of a request body.
func entryKey(v any) (string, bool) {
	switch key := v.(type) {
	case nil:
		return "", true
	case string:
		return strings.TrimSpace(key), true
	default:
		return "", false
	}
}

func submitResponse(msg string, res syncer.Result) common.SubmitResponse {
	return common.SubmitResponse{
		Message:  msg,
		Key:      res.Key,
		Position: res.Position,
		Inserted: res.Inserted,
		Version:  res.Version,
	}
}

// requestSerializer returns the serializer for the request body
func requestSerializer(r *http.Request) (serializer.IRPCSerializer, error) {
	s, ok := serializer.ByContentType(r.Header.Get("Content-Type"))
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnsupportedMediaType, r.Header.Get("Content-Type"))
	}
	return s, nil
}

// responseSerializer returns the serializer for the response, it follows the Accept header
// and falls back to the encoding of the request
func responseSerializer(r *http.Request) serializer.IRPCSerializer {
	if accept := r.Header.Get("Accept"); accept != "" {
		if s, ok := serializer.ByContentType(accept); ok {
			return s
		}
	}
	if s, err := requestSerializer(r); err == nil {
		return s
	}
	return serializer.Default()
}

// decode reads and deserializes the request body into v.
// It writes an error response and returns false if the body is invalid.
func (s *RPCServer) decode(w http.ResponseWriter, r *http.Request, v any, invalidMsg string) bool {
	ser, err := requestSerializer(r)
	if err != nil {
		s.writeError(w, r, http.StatusUnsupportedMediaType, err.Error())
		return false
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, invalidMsg)
		return false
	}

	if err := ser.Deserialize(body, v); err != nil {
		Logger.Debugf("invalid request body for %s %s: %v", r.Method, r.URL.Path, err)
		s.writeError(w, r, http.StatusBadRequest, invalidMsg)
		return false
	}
	return true
}

// write serializes v and writes it with the given status
func (s *RPCServer) write(w http.ResponseWriter, r *http.Request, status int, v any) {
	ser := responseSerializer(r)
	data, err := ser.Serialize(v)
	if err != nil {
		Logger.Errorf("failed to serialize response: %v", err)
		http.Error(w, "failed to serialize response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", ser.ContentType())
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		Logger.Debugf("failed to write response: %v", err)
	}
}

// writeError writes an error response
func (s *RPCServer) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.write(w, r, status, common.ErrorResponse{Error: msg})
}

// writeInternalError logs err and writes it as internal server error
func (s *RPCServer) writeInternalError(w http.ResponseWriter, r *http.Request, err error) {
	Logger.Errorf("%s %s failed: %v", r.Method, r.URL.Path, err)
	s.writeError(w, r, http.StatusInternalServerError, err.Error())
}

// statusWriter captures the status code of a response
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
