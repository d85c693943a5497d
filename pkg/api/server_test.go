package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/veorc/veorc/pkg/statestore"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "state.db")
	store, err := statestore.Open("sqlite3", dsn)
	if err != nil {
		t.Fatalf("statestore.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, nil, nil, t.TempDir(), nil)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateAndGetWorkUnit(t *testing.T) {
	s := newTestServer(t)
	h := s.Router()

	rec := doJSON(t, h, http.MethodPost, "/work-units", map[string]any{"chunk": "01-parser", "priority": 3})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: got status %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodGet, "/work-units/01-parser", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: got status %d, body %s", rec.Code, rec.Body.String())
	}
	var u statestore.WorkUnit
	if err := json.Unmarshal(rec.Body.Bytes(), &u); err != nil {
		t.Fatalf("decode work unit: %v", err)
	}
	if u.Chunk != "01-parser" || u.Priority != 3 {
		t.Errorf("unexpected work unit: %+v", u)
	}
}

func TestCreateWorkUnitDuplicateConflicts(t *testing.T) {
	s := newTestServer(t)
	h := s.Router()

	body := map[string]any{"chunk": "dup", "priority": 0}
	if rec := doJSON(t, h, http.MethodPost, "/work-units", body); rec.Code != http.StatusCreated {
		t.Fatalf("first create: got status %d", rec.Code)
	}
	rec := doJSON(t, h, http.MethodPost, "/work-units", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("duplicate create: got status %d, want 409", rec.Code)
	}
}

func TestGetWorkUnitNotFound(t *testing.T) {
	s := newTestServer(t)
	h := s.Router()

	rec := doJSON(t, h, http.MethodGet, "/work-units/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", rec.Code)
	}
}

func TestHandleAnswerSecondCallReturns400(t *testing.T) {
	s := newTestServer(t)
	h := s.Router()

	if rec := doJSON(t, h, http.MethodPost, "/work-units", map[string]any{"chunk": "needs-answer", "priority": 0}); rec.Code != http.StatusCreated {
		t.Fatalf("create: got status %d", rec.Code)
	}

	_, err := s.Store.UpdateWorkUnit(t.Context(), "needs-answer", func(w *statestore.WorkUnit) error {
		w.Status = statestore.StatusNeedsAttention
		reason := "ambiguous requirement"
		w.AttentionReason = &reason
		return nil
	})
	if err != nil {
		t.Fatalf("move to NEEDS_ATTENTION: %v", err)
	}

	rec := doJSON(t, h, http.MethodPost, "/work-units/needs-answer/answer", map[string]any{"answer": "use option B"})
	if rec.Code != http.StatusOK {
		t.Fatalf("first answer: got status %d, body %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, h, http.MethodPost, "/work-units/needs-answer/answer", map[string]any{"answer": "use option C"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("second answer: got status %d, want 400, body %s", rec.Code, rec.Body.String())
	}
}

func TestHandleAnswerMissingChunkReturns404(t *testing.T) {
	s := newTestServer(t)
	h := s.Router()

	rec := doJSON(t, h, http.MethodPost, "/work-units/ghost/answer", map[string]any{"answer": "x"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", rec.Code)
	}
}

func TestHandleResolveRejectsUnknownVerdict(t *testing.T) {
	s := newTestServer(t)
	h := s.Router()

	if rec := doJSON(t, h, http.MethodPost, "/work-units", map[string]any{"chunk": "a", "priority": 0}); rec.Code != http.StatusCreated {
		t.Fatalf("create: got status %d", rec.Code)
	}

	rec := doJSON(t, h, http.MethodPost, "/work-units/a/resolve", map[string]any{"other_chunk": "b", "verdict": "bogus"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400, body %s", rec.Code, rec.Body.String())
	}
}

func TestHandleInjectRejectsMissingChunkDirectory(t *testing.T) {
	s := newTestServer(t)
	h := s.Router()

	rec := doJSON(t, h, http.MethodPost, "/work-units/inject", map[string]any{"chunk": "never-created", "priority": 0})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404 (chunk directory does not exist)", rec.Code)
	}
}

func TestHandleInjectRejectsInvalidChunkName(t *testing.T) {
	s := newTestServer(t)
	h := s.Router()

	rec := doJSON(t, h, http.MethodPost, "/work-units/inject", map[string]any{"chunk": "Not A Valid Name!", "priority": 0})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400, body %s", rec.Code, rec.Body.String())
	}
}

func TestHandleDeleteWorkUnit(t *testing.T) {
	s := newTestServer(t)
	h := s.Router()

	if rec := doJSON(t, h, http.MethodPost, "/work-units", map[string]any{"chunk": "gone", "priority": 0}); rec.Code != http.StatusCreated {
		t.Fatalf("create: got status %d", rec.Code)
	}
	rec := doJSON(t, h, http.MethodDelete, "/work-units/gone", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: got status %d, want 204", rec.Code)
	}
	rec = doJSON(t, h, http.MethodGet, "/work-units/gone", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: got status %d, want 404", rec.Code)
	}
}
