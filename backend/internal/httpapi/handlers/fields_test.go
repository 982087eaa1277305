package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"otServer/backend/internal/cache"
	"otServer/backend/internal/collab"
	"otServer/backend/internal/httpapi/middleware"
	"otServer/backend/internal/ot"
)

var testSecret = []byte("test-secret")

type testAPI struct {
	t      *testing.T
	router *gin.Engine
	token  string
}

func newTestAPI(t *testing.T, opt collab.Options) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	engine := collab.NewEngine(cache.NewMemorySessionStore(ctx, time.Hour), nil, nil, opt)

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(testSecret))
	NewFieldHandler(engine).Register(v1)

	token, _, err := middleware.SignAccessToken(testSecret, 42, "alice", time.Minute)
	if err != nil {
		t.Fatalf("SignAccessToken error: %v", err)
	}
	return &testAPI{t: t, router: r, token: token}
}

// as 返回以另一个用户身份发请求的副本
func (a *testAPI) as(userID uint64, username string) *testAPI {
	a.t.Helper()
	token, _, err := middleware.SignAccessToken(testSecret, userID, username, time.Minute)
	if err != nil {
		a.t.Fatalf("SignAccessToken error: %v", err)
	}
	return &testAPI{t: a.t, router: a.router, token: token}
}

func (a *testAPI) do(method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			a.t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, "/v1/documents/doc-1/fields/body"+path, &buf)
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) submit(base uint64, op map[string]any) *httptest.ResponseRecorder {
	a.t.Helper()
	return a.do(http.MethodPost, "/operations", map[string]any{"baseVersion": base, "operation": op})
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %s: %v", w.Body.String(), err)
	}
}

func TestPostOperationAndState(t *testing.T) {
	api := newTestAPI(t, collab.Options{})

	w := api.submit(0, map[string]any{"id": "op-1", "kind": "insert", "position": 0, "content": "Hello", "author": "mallory"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var applied struct {
		Version   uint64       `json:"version"`
		Operation ot.Operation `json:"operation"`
	}
	decode(t, w, &applied)
	if applied.Version != 1 || applied.Operation.Author != "42" {
		t.Fatalf("applied = %+v, want version 1 by author 42", applied)
	}

	w = api.submit(1, map[string]any{"id": "op-2", "kind": "replace", "position": 0, "length": 5, "content": "Howdy"})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	w = api.do(http.MethodGet, "/state", nil)
	var st stateResp
	decode(t, w, &st)
	if w.Code != http.StatusOK || st.Content != "Howdy" || st.Version != 2 {
		t.Fatalf("state = %d %+v", w.Code, st)
	}

	w = api.do(http.MethodGet, "/content", nil)
	var content struct {
		Content string `json:"content"`
	}
	decode(t, w, &content)
	if content.Content != "Howdy" {
		t.Fatalf("content = %q", content.Content)
	}
}

func TestPostOperationErrors(t *testing.T) {
	api := newTestAPI(t, collab.Options{})
	if w := api.submit(0, map[string]any{"id": "op-1", "kind": "insert", "position": 0, "content": "abc"}); w.Code != http.StatusOK {
		t.Fatalf("seed status = %d", w.Code)
	}

	tests := []struct {
		name   string
		base   uint64
		op     map[string]any
		status int
		code   string
	}{
		{name: "position out of range", base: 1, op: map[string]any{"kind": "delete", "position": 2, "length": 5}, status: http.StatusBadRequest, code: "VALIDATION_FAILED"},
		{name: "unknown kind", base: 1, op: map[string]any{"kind": "move", "position": 0}, status: http.StatusBadRequest, code: "VALIDATION_FAILED"},
		{name: "base ahead", base: 9, op: map[string]any{"kind": "insert", "position": 0, "content": "x"}, status: http.StatusBadRequest, code: "VALIDATION_FAILED"},
		{name: "duplicate id", base: 0, op: map[string]any{"id": "op-1", "kind": "insert", "position": 0, "content": "abc"}, status: http.StatusConflict, code: "DUPLICATE_OPERATION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := api.submit(tt.base, tt.op)
			var body struct {
				Code string `json:"code"`
			}
			decode(t, w, &body)
			if w.Code != tt.status || body.Code != tt.code {
				t.Fatalf("got %d %q, want %d %q (body %s)", w.Code, body.Code, tt.status, tt.code, w.Body.String())
			}
		})
	}

	w := api.do(http.MethodGet, "/state", nil)
	var st stateResp
	decode(t, w, &st)
	if st.Content != "abc" || st.Version != 1 {
		t.Fatalf("rejected submissions mutated the field: %+v", st)
	}
}

func TestDuplicateReturnsLoggedOperation(t *testing.T) {
	api := newTestAPI(t, collab.Options{})
	api.submit(0, map[string]any{"id": "op-1", "kind": "insert", "position": 0, "content": "abc"})

	w := api.submit(0, map[string]any{"id": "op-1", "kind": "insert", "position": 0, "content": "abc"})
	var body struct {
		Operation ot.Operation `json:"operation"`
	}
	decode(t, w, &body)
	if w.Code != http.StatusConflict || body.Operation.ID != "op-1" || body.Operation.Version != 1 {
		t.Fatalf("duplicate response = %d %s", w.Code, w.Body.String())
	}
}

func TestPostOperationReportsSwallowedText(t *testing.T) {
	api := newTestAPI(t, collab.Options{})
	bob := api.as(43, "bob")
	api.submit(0, map[string]any{"kind": "insert", "position": 0, "content": "abcdef"})
	api.submit(1, map[string]any{"kind": "delete", "position": 1, "length": 4})

	type result struct {
		Version   uint64 `json:"version"`
		Swallowed bool   `json:"swallowed"`
	}
	var got result
	w := bob.submit(1, map[string]any{"kind": "insert", "position": 3, "content": "X"})
	decode(t, w, &got)
	if w.Code != http.StatusOK || !got.Swallowed || got.Version != 3 {
		t.Fatalf("insert inside deleted range = %d %s", w.Code, w.Body.String())
	}

	got = result{}
	w = bob.submit(3, map[string]any{"kind": "insert", "position": 2, "content": "Y"})
	decode(t, w, &got)
	if w.Code != http.StatusOK || got.Swallowed {
		t.Fatalf("plain insert = %d %s", w.Code, w.Body.String())
	}
}

func TestHistoryAndOperationsSince(t *testing.T) {
	api := newTestAPI(t, collab.Options{LogCapacity: 2})
	for i := 0; i < 3; i++ {
		w := api.submit(uint64(i), map[string]any{"id": fmt.Sprintf("op-%d", i), "kind": "insert", "position": i, "content": "x"})
		if w.Code != http.StatusOK {
			t.Fatalf("submit %d status = %d", i, w.Code)
		}
	}

	w := api.do(http.MethodGet, "/history?limit=1", nil)
	var hist struct {
		Operations []ot.Operation `json:"operations"`
	}
	decode(t, w, &hist)
	if len(hist.Operations) != 1 || hist.Operations[0].ID != "op-2" {
		t.Fatalf("history = %s", w.Body.String())
	}

	w = api.do(http.MethodGet, "/operations?since=1", nil)
	var since struct {
		Version    uint64         `json:"version"`
		Operations []ot.Operation `json:"operations"`
	}
	decode(t, w, &since)
	if w.Code != http.StatusOK || since.Version != 3 || len(since.Operations) != 2 {
		t.Fatalf("operations since 1 = %d %s", w.Code, w.Body.String())
	}

	// 只保留两条，version 0 之后的历史已经不完整
	if w := api.do(http.MethodGet, "/operations?since=0", nil); w.Code != http.StatusGone {
		t.Fatalf("operations since 0 status = %d, want 410", w.Code)
	}
	if w := api.submit(0, map[string]any{"kind": "insert", "position": 0, "content": "y"}); w.Code != http.StatusGone {
		t.Fatalf("stale submit status = %d, want 410", w.Code)
	}
	if w := api.do(http.MethodGet, "/history?limit=abc", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", w.Code)
	}
}

func TestResetAndCleanup(t *testing.T) {
	api := newTestAPI(t, collab.Options{})
	api.submit(0, map[string]any{"kind": "insert", "position": 0, "content": "old", "timestamp": 1})

	w := api.do(http.MethodPost, "/cleanup", map[string]any{"maxAgeSeconds": 60})
	var cleaned struct {
		Removed int `json:"removed"`
	}
	decode(t, w, &cleaned)
	if w.Code != http.StatusOK || cleaned.Removed != 1 {
		t.Fatalf("cleanup = %d %s", w.Code, w.Body.String())
	}

	w = api.do(http.MethodPost, "/reset", map[string]any{"content": "fresh"})
	var st stateResp
	decode(t, w, &st)
	if w.Code != http.StatusOK || st.Content != "fresh" || st.Version != 0 {
		t.Fatalf("reset = %d %+v", w.Code, st)
	}
}

func TestSnapshotsDisabled(t *testing.T) {
	api := newTestAPI(t, collab.Options{})
	if w := api.do(http.MethodPost, "/snapshot", nil); w.Code != http.StatusNotImplemented {
		t.Fatalf("snapshot status = %d, want 501", w.Code)
	}
	if w := api.do(http.MethodPost, "/snapshot/restore", nil); w.Code != http.StatusNotImplemented {
		t.Fatalf("restore status = %d, want 501", w.Code)
	}
}

func TestUnauthenticated(t *testing.T) {
	api := newTestAPI(t, collab.Options{})
	api.token = ""
	if w := api.do(http.MethodGet, "/state", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&ot.ValidationError{Field: "position", Reason: "bad"}, http.StatusBadRequest},
		{fmt.Errorf("%w: x", collab.ErrHistoryUnavailable), http.StatusGone},
		{fmt.Errorf("%w: x", collab.ErrVersionConflict), http.StatusConflict},
		{fmt.Errorf("%w: load: %w", collab.ErrStoreUnavailable, errors.New("dial tcp")), http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
