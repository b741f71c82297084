// ABOUTME: Tests for the thread state HTTP API handlers
// ABOUTME: Drives the full handler stack with httptest against a real SQLite store

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-state/internal/auth"
	"github.com/2389/coven-state/internal/codec"
	"github.com/2389/coven-state/internal/execution"
	"github.com/2389/coven-state/internal/keyspace"
	"github.com/2389/coven-state/internal/store"
)

const (
	tenantA = "tenant-a"
	tenantB = "tenant-b"
)

// newTestGateway creates a gateway that is never started; tests call its handler directly.
func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	gw, err := New(testConfig(t), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw
}

func newRecorder() *httptest.ResponseRecorder {
	return httptest.NewRecorder()
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

// do sends a request as tenant; body may be nil, a string, or a value to marshal.
func do(t *testing.T, gw *Gateway, method, path, tenant string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if tenant != "" {
		req.Header.Set(auth.DefaultTenantHeader, tenant)
	}
	rec := newRecorder()
	gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, rec)["error"]
}

func putChatbot(t *testing.T, gw *Gateway, tenant, assistantID string) {
	t.Helper()
	rec := do(t, gw, http.MethodPut, "/assistants/"+assistantID, tenant, map[string]any{
		"name":   "Chat",
		"config": map[string]any{"configurable": map[string]any{"type": "chatbot"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func humanMessage(content string) map[string]any {
	return map[string]any{
		"values": []map[string]any{{"type": "human", "content": content}},
	}
}

func TestAPI_RequiresTenant(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(t, gw, http.MethodGet, "/threads", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_ThreadLifecycle(t *testing.T) {
	gw := newTestGateway(t)
	putChatbot(t, gw, tenantA, "bot")

	rec := do(t, gw, http.MethodPut, "/threads/t1", tenantA, map[string]string{"name": "first", "assistant_id": "bot"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[ThreadResponse](t, rec)
	assert.Equal(t, "t1", created.ThreadID)
	assert.Equal(t, "bot", created.AssistantID)
	assert.Equal(t, "chatbot", created.Metadata[store.MetadataAssistantType])
	_, err := time.Parse(time.RFC3339Nano, created.UpdatedAt)
	assert.NoError(t, err)

	rec = do(t, gw, http.MethodPut, "/threads/t1", tenantA, map[string]string{"name": "renamed", "assistant_id": "bot"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "renamed", decode[ThreadResponse](t, rec).Name)

	rec = do(t, gw, http.MethodGet, "/threads/t1", tenantA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "renamed", decode[ThreadResponse](t, rec).Name)

	rec = do(t, gw, http.MethodGet, "/threads", tenantA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]ThreadResponse](t, rec), 1)

	rec = do(t, gw, http.MethodDelete, "/threads/t1", tenantA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])

	rec = do(t, gw, http.MethodGet, "/threads/t1", tenantA, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "thread not found", errorMessage(t, rec))

	rec = do(t, gw, http.MethodDelete, "/threads/t1", tenantA, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "deleting an unknown thread succeeds")
}

func TestAPI_CreateThreadGeneratesID(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(t, gw, http.MethodPost, "/threads", tenantA, map[string]string{"name": "new", "assistant_id": ""})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	thread := decode[ThreadResponse](t, rec)
	assert.NotEmpty(t, thread.ThreadID)

	rec = do(t, gw, http.MethodGet, "/threads/"+thread.ThreadID, tenantA, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_ThreadBodyValidation(t *testing.T) {
	gw := newTestGateway(t)

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{name: "no body", body: nil, status: http.StatusUnprocessableEntity},
		{name: "missing assistant_id", body: map[string]string{"name": "x"}, status: http.StatusUnprocessableEntity},
		{name: "missing name", body: map[string]string{"assistant_id": "x"}, status: http.StatusUnprocessableEntity},
		{name: "malformed JSON", body: "{not json", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, gw, http.MethodPut, "/threads/t1", tenantA, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestAPI_OversizedBody(t *testing.T) {
	gw := newTestGateway(t)
	putChatbot(t, gw, tenantA, "bot")
	do(t, gw, http.MethodPut, "/threads/t1", tenantA, map[string]string{"name": "chat", "assistant_id": "bot"})

	huge := `{"name": "` + strings.Repeat("x", maxBodyBytes) + `", "assistant_id": "bot"}`
	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPut, "/threads/t2"},
		{http.MethodPost, "/threads"},
		{http.MethodPost, "/threads/t1/state"},
		{http.MethodPut, "/assistants/big"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := do(t, gw, tt.method, tt.path, tenantA, huge)
			assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, errorMessage(t, rec))
		})
	}

	rec := do(t, gw, http.MethodGet, "/threads/t2", tenantA, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "rejected PUT creates nothing")
}

func TestTenantOf(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/threads", nil)
	assert.Equal(t, "", tenantOf(req))

	req = req.WithContext(auth.WithAuth(req.Context(), &auth.AuthContext{TenantID: tenantA, Method: auth.MethodHeader}))
	assert.Equal(t, tenantA, tenantOf(req))
}

func TestAPI_HandlerWithoutAuthContext(t *testing.T) {
	gw := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/threads/t1", nil)
	req.SetPathValue("tid", "t1")
	rec := newRecorder()
	assert.NotPanics(t, func() { gw.handleGetThread(rec, req) })
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_InvalidThreadID(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(t, gw, http.MethodGet, "/threads/"+strings.Repeat("x", keyspace.MaxIDLength+1), tenantA, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_StateReadWriteHistory(t *testing.T) {
	gw := newTestGateway(t)
	putChatbot(t, gw, tenantA, "bot")
	rec := do(t, gw, http.MethodPut, "/threads/t1", tenantA, map[string]string{"name": "chat", "assistant_id": "bot"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, gw, http.MethodGet, "/threads/t1/state", tenantA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"values": null, "next": []}`, rec.Body.String())

	rec = do(t, gw, http.MethodGet, "/threads/t1/history", tenantA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	for _, text := range []string{"hello", "again", "third"} {
		rec = do(t, gw, http.MethodPost, "/threads/t1/state", tenantA, humanMessage(text))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec = do(t, gw, http.MethodGet, "/threads/t1/state", tenantA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state struct {
		Values []codec.Message `json:"values"`
		Next   []string        `json:"next"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.Len(t, state.Values, 3)
	assert.Equal(t, "hello", state.Values[0].Content)
	assert.Equal(t, "third", state.Values[2].Content)
	assert.NotNil(t, state.Next)

	// History spans more than one store page.
	rec = do(t, gw, http.MethodGet, "/threads/t1/history", tenantA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var history []struct {
		Values []codec.Message `json:"values"`
		Config map[string]any  `json:"config"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &history))
	require.Len(t, history, 3)
	for i, st := range history {
		assert.Len(t, st.Values, i+1, "history is oldest first")
		assert.Equal(t, map[string]any{"configurable": map[string]any{"thread_id": "t1"}}, st.Config)
	}
}

func TestAPI_PostStateKeepsConfig(t *testing.T) {
	gw := newTestGateway(t)
	putChatbot(t, gw, tenantA, "bot")
	do(t, gw, http.MethodPut, "/threads/t1", tenantA, map[string]string{"name": "chat", "assistant_id": "bot"})

	body := humanMessage("hi")
	body["config"] = map[string]any{"configurable": map[string]any{"thread_id": "t1", "user": "u1"}}
	rec := do(t, gw, http.MethodPost, "/threads/t1/state", tenantA, body)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, gw, http.MethodGet, "/threads/t1/history", tenantA, nil)
	assert.Contains(t, rec.Body.String(), `"user":"u1"`)
}

func TestAPI_LargeIntegersSurviveStorage(t *testing.T) {
	gw := newTestGateway(t)
	putChatbot(t, gw, tenantA, "bot")
	do(t, gw, http.MethodPut, "/threads/t1", tenantA, map[string]string{"name": "chat", "assistant_id": "bot"})

	body := `{"values": [{"type": "human", "content": "hi", "usage_metadata": {"total": 9007199254740993}}],` +
		` "config": {"configurable": {"seed": 12345678901234567891}}}`
	rec := do(t, gw, http.MethodPost, "/threads/t1/state", tenantA, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, gw, http.MethodGet, "/threads/t1/history", tenantA, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":9007199254740993`)
	assert.Contains(t, rec.Body.String(), `"seed":12345678901234567891`)
}

func TestAPI_PostStateValidation(t *testing.T) {
	gw := newTestGateway(t)
	putChatbot(t, gw, tenantA, "bot")
	do(t, gw, http.MethodPut, "/threads/t1", tenantA, map[string]string{"name": "chat", "assistant_id": "bot"})

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{name: "no body", body: nil, status: http.StatusUnprocessableEntity},
		{name: "missing values", body: map[string]any{"config": map[string]any{}}, status: http.StatusUnprocessableEntity},
		{name: "null values", body: `{"values": null}`, status: http.StatusUnprocessableEntity},
		{name: "scalar values", body: map[string]any{"values": 42}, status: http.StatusUnprocessableEntity},
		{name: "malformed JSON", body: `{"values": [`, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, gw, http.MethodPost, "/threads/t1/state", tenantA, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	rec := do(t, gw, http.MethodGet, "/threads/t1/history", tenantA, nil)
	assert.JSONEq(t, `[]`, rec.Body.String(), "rejected writes store nothing")
}

func TestAPI_ObjectState(t *testing.T) {
	gw := newTestGateway(t)
	putChatbot(t, gw, tenantA, "bot")
	do(t, gw, http.MethodPut, "/threads/t1", tenantA, map[string]string{"name": "chat", "assistant_id": "bot"})

	rec := do(t, gw, http.MethodPost, "/threads/t1/state", tenantA, map[string]any{"values": map[string]any{"a": 1}})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, gw, http.MethodPost, "/threads/t1/state", tenantA, map[string]any{"values": map[string]any{"b": 2}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, gw, http.MethodGet, "/threads/t1/state", tenantA, nil)
	assert.JSONEq(t, `{"values": {"a": 1, "b": 2}, "next": []}`, rec.Body.String())
}

func TestAPI_TenantIsolation(t *testing.T) {
	gw := newTestGateway(t)
	putChatbot(t, gw, tenantA, "bot")
	do(t, gw, http.MethodPut, "/threads/t1", tenantA, map[string]string{"name": "chat", "assistant_id": "bot"})
	rec := do(t, gw, http.MethodPost, "/threads/t1/state", tenantA, humanMessage("private"))
	require.Equal(t, http.StatusOK, rec.Code)

	for _, path := range []string{"/threads/t1", "/threads/t1/state", "/threads/t1/history"} {
		rec := do(t, gw, http.MethodGet, path, tenantB, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
		assert.NotContains(t, rec.Body.String(), "private")
	}

	rec = do(t, gw, http.MethodPost, "/threads/t1/state", tenantB, humanMessage("intrude"))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, gw, http.MethodGet, "/threads", tenantB, nil)
	assert.JSONEq(t, `[]`, rec.Body.String())

	// Deleting by the other tenant is a no-op.
	rec = do(t, gw, http.MethodDelete, "/threads/t1", tenantB, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, gw, http.MethodGet, "/threads/t1/state", tenantA, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "private")
}

func TestAPI_UnboundAssistant(t *testing.T) {
	gw := newTestGateway(t)
	rec := do(t, gw, http.MethodPut, "/threads/t1", tenantA, map[string]string{"name": "orphan", "assistant_id": "missing"})
	require.Equal(t, http.StatusCreated, rec.Code)

	for _, req := range []struct {
		method, path string
		body         any
	}{
		{http.MethodGet, "/threads/t1/state", nil},
		{http.MethodPost, "/threads/t1/state", humanMessage("x")},
		{http.MethodGet, "/threads/t1/history", nil},
	} {
		rec := do(t, gw, req.method, req.path, tenantA, req.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, req.path)
		assert.Equal(t, "thread has no assistant", errorMessage(t, rec))
	}
}

func TestAPI_UnknownThreadState(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(t, gw, http.MethodGet, "/threads/nope/state", tenantA, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, gw, http.MethodPost, "/threads/nope/state", tenantA, humanMessage("x"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_Assistants(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(t, gw, http.MethodPut, "/assistants/shared", tenantA, map[string]any{
		"name":   "Shared",
		"config": map[string]any{"configurable": map[string]any{"type": "echo"}},
		"public": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	putChatbot(t, gw, tenantA, "private")

	rec = do(t, gw, http.MethodGet, "/assistants", tenantB, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]AssistantResponse](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "shared", list[0].AssistantID)
	assert.True(t, list[0].Public)

	rec = do(t, gw, http.MethodGet, "/assistants/private", tenantB, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "assistant not found", errorMessage(t, rec))

	// A thread in tenant B can run on tenant A's public assistant.
	do(t, gw, http.MethodPut, "/threads/t1", tenantB, map[string]string{"name": "b", "assistant_id": "shared"})
	rec = do(t, gw, http.MethodPost, "/threads/t1/state", tenantB, map[string]any{"values": map[string]any{"k": "v"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"values": {"k": "v"}, "next": []}`, rec.Body.String())
}

func TestAPI_MethodNotAllowed(t *testing.T) {
	gw := newTestGateway(t)

	rec := do(t, gw, http.MethodPatch, "/threads/t1", tenantA, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAPI_JWTAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "api-test-secret-that-is-32-bytes"
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	require.NoError(t, err)
	token, err := verifier.Generate(tenantA, time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/threads", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := newRecorder()
	gw.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// The tenant header alone is not enough once JWT auth is on.
	rec = do(t, gw, http.MethodGet, "/threads", tenantA, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWriteServiceError(t *testing.T) {
	gw := newTestGateway(t)

	tests := []struct {
		err    error
		status int
		msg    string
	}{
		{store.ErrNotFound, http.StatusNotFound, "thread not found"},
		{fmt.Errorf("wrapped: %w", keyspace.ErrInvalidID), http.StatusBadRequest, ""},
		{execution.ErrUnboundAssistant, http.StatusBadRequest, "thread has no assistant"},
		{execution.ErrConflict, http.StatusConflict, ""},
		{store.ErrHistoryChanged, http.StatusConflict, ""},
		{fmt.Errorf("append: %w", store.ErrUnavailable), http.StatusServiceUnavailable, "storage unavailable"},
		{fmt.Errorf("%w: boom", execution.ErrExecutionFailed), http.StatusBadGateway, "execution failed"},
		{&codec.Error{Op: "decode", Err: errors.New("bad")}, http.StatusInternalServerError, "snapshot data corrupt"},
		{errors.New("something else"), http.StatusInternalServerError, "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			rec := newRecorder()
			gw.writeServiceError(rec, httptest.NewRequest(http.MethodGet, "/threads/t1", nil), tt.err)
			assert.Equal(t, tt.status, rec.Code)
			if tt.msg != "" {
				assert.Equal(t, tt.msg, errorMessage(t, rec))
			}
		})
	}
}
