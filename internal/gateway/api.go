// ABOUTME: HTTP API handlers for threads, thread state, history, and assistants
// ABOUTME: Every route is tenant-scoped through the auth middleware

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-state/internal/auth"
	"github.com/2389/coven-state/internal/codec"
	"github.com/2389/coven-state/internal/execution"
	"github.com/2389/coven-state/internal/keyspace"
	"github.com/2389/coven-state/internal/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 8 << 20

// ThreadPutRequest is the JSON request body for POST /threads and PUT /threads/{tid}.
type ThreadPutRequest struct {
	Name        *string `json:"name"`
	AssistantID *string `json:"assistant_id"`
}

// StatePostRequest is the JSON request body for POST /threads/{tid}/state.
type StatePostRequest struct {
	Values json.RawMessage `json:"values"`
	Config map[string]any  `json:"config,omitempty"`
}

// AssistantPutRequest is the JSON request body for PUT /assistants/{aid}.
type AssistantPutRequest struct {
	Name   string         `json:"name"`
	Config map[string]any `json:"config"`
	Public bool           `json:"public"`
}

// ThreadResponse is the JSON representation of a thread.
type ThreadResponse struct {
	ThreadID    string         `json:"thread_id"`
	Name        string         `json:"name"`
	AssistantID string         `json:"assistant_id"`
	Metadata    map[string]any `json:"metadata"`
	UpdatedAt   string         `json:"updated_at"`
}

// AssistantResponse is the JSON representation of an assistant.
type AssistantResponse struct {
	AssistantID string         `json:"assistant_id"`
	Name        string         `json:"name"`
	Config      map[string]any `json:"config"`
	Public      bool           `json:"public"`
	UpdatedAt   string         `json:"updated_at"`
}

// errValidation marks request bodies that parse but are unusable.
var errValidation = errors.New("validation failed")

// registerAPIRoutes registers the tenant-scoped API on mux.
func (g *Gateway) registerAPIRoutes(mux *http.ServeMux, authMiddleware func(http.Handler) http.Handler) {
	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, authMiddleware(h))
	}

	api("GET /threads", g.handleListThreads)
	api("POST /threads", g.handleCreateThread)
	api("GET /threads/{tid}", g.handleGetThread)
	api("PUT /threads/{tid}", g.handlePutThread)
	api("DELETE /threads/{tid}", g.handleDeleteThread)
	api("GET /threads/{tid}/state", g.handleGetState)
	api("POST /threads/{tid}/state", g.handlePostState)
	api("GET /threads/{tid}/history", g.handleGetHistory)

	api("GET /assistants", g.handleListAssistants)
	api("GET /assistants/{aid}", g.handleGetAssistant)
	api("PUT /assistants/{aid}", g.handlePutAssistant)
}

// handleListThreads handles GET /threads, optionally limited by ?limit=N.
func (g *Gateway) handleListThreads(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 {
			g.sendJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	threads, err := g.service.ListThreads(r.Context(), tenantOf(r), limit)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}

	response := make([]ThreadResponse, len(threads))
	for i, t := range threads {
		response[i] = threadResponse(t)
	}
	g.sendJSON(w, http.StatusOK, response)
}

// handleCreateThread handles POST /threads with a generated thread id.
func (g *Gateway) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	req, err := parseThreadPutRequest(w, r)
	if err != nil {
		g.writeRequestError(w, err)
		return
	}

	thread, err := g.service.CreateThread(r.Context(), tenantOf(r), *req.Name, *req.AssistantID)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, threadResponse(thread))
}

// handleGetThread handles GET /threads/{tid}.
func (g *Gateway) handleGetThread(w http.ResponseWriter, r *http.Request) {
	thread, err := g.service.GetThread(r.Context(), tenantOf(r), r.PathValue("tid"))
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, threadResponse(thread))
}

// handlePutThread handles PUT /threads/{tid}: 201 when created, 200 when updated.
func (g *Gateway) handlePutThread(w http.ResponseWriter, r *http.Request) {
	req, err := parseThreadPutRequest(w, r)
	if err != nil {
		g.writeRequestError(w, err)
		return
	}

	thread, created, err := g.service.PutThread(r.Context(), tenantOf(r), r.PathValue("tid"), *req.Name, *req.AssistantID)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	g.sendJSON(w, status, threadResponse(thread))
}

// handleDeleteThread handles DELETE /threads/{tid}. Unknown threads succeed.
func (g *Gateway) handleDeleteThread(w http.ResponseWriter, r *http.Request) {
	if err := g.service.DeleteThread(r.Context(), tenantOf(r), r.PathValue("tid")); err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetState handles GET /threads/{tid}/state.
func (g *Gateway) handleGetState(w http.ResponseWriter, r *http.Request) {
	state, err := g.service.ReadState(r.Context(), tenantOf(r), r.PathValue("tid"))
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, state)
}

// handlePostState handles POST /threads/{tid}/state.
func (g *Gateway) handlePostState(w http.ResponseWriter, r *http.Request) {
	var req StatePostRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.writeRequestError(w, err)
		return
	}
	if len(req.Values) == 0 {
		g.sendJSONError(w, http.StatusUnprocessableEntity, "values is required")
		return
	}
	values, err := codec.Parse(req.Values)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid values")
		return
	}
	if k := values.Kind(); k != codec.KindMessages && k != codec.KindObject {
		g.sendJSONError(w, http.StatusUnprocessableEntity, "values must be a list of messages or an object")
		return
	}

	state, err := g.service.WriteState(r.Context(), tenantOf(r), r.PathValue("tid"), values, req.Config)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, state)
}

// handleGetHistory handles GET /threads/{tid}/history, oldest state first.
func (g *Gateway) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	states, err := g.service.ReadHistory(r.Context(), tenantOf(r), r.PathValue("tid"))
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, states)
}

// handleListAssistants handles GET /assistants.
func (g *Gateway) handleListAssistants(w http.ResponseWriter, r *http.Request) {
	assistants, err := g.service.ListAssistants(r.Context(), tenantOf(r))
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}

	response := make([]AssistantResponse, len(assistants))
	for i, a := range assistants {
		response[i] = assistantResponse(a)
	}
	g.sendJSON(w, http.StatusOK, response)
}

// handleGetAssistant handles GET /assistants/{aid}.
func (g *Gateway) handleGetAssistant(w http.ResponseWriter, r *http.Request) {
	a, err := g.service.GetAssistant(r.Context(), tenantOf(r), r.PathValue("aid"))
	if errors.Is(err, store.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, "assistant not found")
		return
	}
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, assistantResponse(a))
}

// handlePutAssistant handles PUT /assistants/{aid}.
func (g *Gateway) handlePutAssistant(w http.ResponseWriter, r *http.Request) {
	var req AssistantPutRequest
	if err := decodeBody(w, r, &req); err != nil {
		g.writeRequestError(w, err)
		return
	}
	if req.Config == nil {
		req.Config = map[string]any{}
	}

	a, err := g.service.PutAssistant(r.Context(), tenantOf(r), r.PathValue("aid"), req.Name, req.Config, req.Public)
	if err != nil {
		g.writeServiceError(w, r, err)
		return
	}
	g.sendJSON(w, http.StatusOK, assistantResponse(a))
}

// tenantOf returns the tenant established by the auth middleware. A request
// that skipped the middleware gets "", which keyspace validation rejects.
func tenantOf(r *http.Request) string {
	return auth.TenantFromContext(r.Context())
}

// decodeBody reads a JSON object body. An empty body is a validation error.
// Numbers decode as json.Number so large integers in configs stay exact.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return errValidation
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(dst)
}

// parseThreadPutRequest decodes and validates a thread body; name and
// assistant_id must both be present.
func parseThreadPutRequest(w http.ResponseWriter, r *http.Request) (*ThreadPutRequest, error) {
	var req ThreadPutRequest
	if err := decodeBody(w, r, &req); err != nil {
		return nil, err
	}
	if req.Name == nil || req.AssistantID == nil {
		return nil, errValidation
	}
	return &req, nil
}

// writeRequestError reports a body that could not be used.
func (g *Gateway) writeRequestError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, errValidation):
		g.sendJSONError(w, http.StatusUnprocessableEntity, "request body is missing required fields")
	case errors.As(err, &maxErr):
		g.sendJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
	default:
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
	}
}

// writeServiceError maps service and store errors onto HTTP statuses.
func (g *Gateway) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, keyspace.ErrInvalidID):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, "thread not found")
	case errors.Is(err, execution.ErrUnboundAssistant):
		g.sendJSONError(w, http.StatusBadRequest, "thread has no assistant")
	case errors.Is(err, execution.ErrConflict):
		g.sendJSONError(w, http.StatusConflict, "thread was modified concurrently, retry")
	case errors.Is(err, store.ErrHistoryChanged):
		g.sendJSONError(w, http.StatusConflict, "thread history changed during read, retry")
	case errors.Is(err, store.ErrUnavailable):
		g.logger.Warn("storage unavailable", "path", r.URL.Path, "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "storage unavailable")
	case errors.Is(err, execution.ErrExecutionFailed):
		g.logger.Error("executor failed", "path", r.URL.Path, "error", err)
		g.sendJSONError(w, http.StatusBadGateway, "execution failed")
	case codec.IsError(err):
		g.logger.Error("corrupt snapshot", "path", r.URL.Path, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "snapshot data corrupt")
	case errors.Is(err, context.Canceled):
		g.logger.Debug("request canceled", "path", r.URL.Path)
	default:
		g.logger.Error("request failed", "path", r.URL.Path, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// sendJSON writes a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func threadResponse(t *store.Thread) ThreadResponse {
	metadata := t.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return ThreadResponse{
		ThreadID:    t.ID,
		Name:        t.Name,
		AssistantID: t.AssistantID,
		Metadata:    metadata,
		UpdatedAt:   t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func assistantResponse(a *store.Assistant) AssistantResponse {
	cfg := a.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	return AssistantResponse{
		AssistantID: a.ID,
		Name:        a.Name,
		Config:      cfg,
		Public:      a.Public,
		UpdatedAt:   a.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}
