package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rand/council/internal/budget"
	"github.com/rand/council/internal/config"
	"github.com/rand/council/internal/council"
	"github.com/rand/council/internal/gateway"
	"github.com/rand/council/internal/pipeline"
	"github.com/rand/council/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoInvoker struct {
	calls atomic.Int32
	delay time.Duration
}

func (e *echoInvoker) Invoke(ctx context.Context, m council.Member, messages []council.ChatMessage, _ string) council.ModelResponse {
	e.calls.Add(1)
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	last := messages[len(messages)-1].Content
	switch {
	case m.ID == "title":
		return council.Succeeded(m, "Test Title", council.Usage{})
	case strings.HasPrefix(last, "You are reviewing"):
		return council.Succeeded(m, "FINAL RANKING:\n1. Response A\n2. Response B", council.Usage{})
	default:
		return council.Succeeded(m, "answer from "+m.ID, council.Usage{})
	}
}

func testRoster() council.Roster {
	b := council.Binding{Provider: council.ProviderOpenRouter, Model: "openai/gpt-4o"}
	return council.Roster{
		Members: []council.Member{
			{ID: "academic", Name: "The Academic", Binding: b},
			{ID: "clinical", Name: "The Clinical Mentor", Binding: b},
		},
		Chairman: council.Member{ID: "chairman", Name: "Head of Nursing Education", Binding: b},
		Title:    b,
		Custom:   b,
	}
}

type testEnv struct {
	server  *Server
	store   store.Store
	invoker *echoInvoker
	http    *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	inv := &echoInvoker{}
	orch, err := pipeline.New(testRoster(), inv, st, pipeline.Options{})
	require.NoError(t, err)

	gw := gateway.New(gateway.Options{Factory: func(context.Context, council.Binding) (gateway.Backend, error) {
		return nil, nil
	}})
	srv, err := New(Options{
		Orchestrator: orch,
		Store:        st,
		Breakers:     gw.Breakers(),
		Config:       config.ServerConfig{AllowedOrigins: []string{"http://localhost:5173"}},
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{server: srv, store: st, invoker: inv, http: ts}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) createConversation(t *testing.T) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decode[council.Conversation](t, resp).ID
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, healthResponse{Status: "ok", Members: 2}, decode[healthResponse](t, resp))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestHealth_ReportsBudget(t *testing.T) {
	env := newTestEnv(t)
	tracker := budget.NewTracker(budget.Limits{MaxCalls: 2})
	srv, err := New(Options{Orchestrator: env.server.orch, Store: env.store, Budget: tracker})
	require.NoError(t, err)

	get := func() healthResponse {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		var h healthResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
		return h
	}

	tracker.Record(council.ProviderOpenRouter, council.Usage{InputTokens: 7, OutputTokens: 3, TotalTokens: 10}, false)
	h := get()
	assert.Equal(t, "ok", h.Status)
	require.NotNil(t, h.Budget)
	assert.Equal(t, 1, h.Budget.State.Calls)
	assert.Equal(t, int64(7), h.Budget.State.InputTokens)

	tracker.Record(council.ProviderOpenRouter, council.Usage{}, true)
	assert.Equal(t, "budget_exhausted", get().Status)
}

func TestConversationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := env.createConversation(t)

	list := decode[[]council.Summary](t, env.do(t, http.MethodGet, "/api/conversations", nil))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, council.DefaultTitle, list[0].Title)

	resp := env.do(t, http.MethodGet, "/api/conversations/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)
	conv := decode[council.Conversation](t, resp)
	assert.Equal(t, id, conv.ID)
	assert.Empty(t, conv.Messages)

	req, err := http.NewRequest(http.MethodGet, env.http.URL+"/api/conversations/"+id, nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", etag)
	cached, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	cached.Body.Close()
	assert.Equal(t, http.StatusNotModified, cached.StatusCode)

	resp = env.do(t, http.MethodDelete, "/api/conversations/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, deleteResponse{Deleted: id}, decode[deleteResponse](t, resp))

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/conversations/"+id, nil).StatusCode)
	resp = env.do(t, http.MethodDelete, "/api/conversations/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decode[errorResponse](t, resp).Code)
}

func TestGetConversation_InvalidID(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodGet, "/api/conversations/.hidden", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendMessage(t *testing.T) {
	env := newTestEnv(t)
	id := env.createConversation(t)

	resp := env.do(t, http.MethodPost, "/api/conversations/"+id+"/message", map[string]any{"content": "How do we teach handovers?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	turn := decode[map[string]json.RawMessage](t, resp)
	for _, key := range []string{"stage1", "stage2", "stage3", "metadata"} {
		assert.Contains(t, turn, key)
	}
	var final council.FinalSynthesis
	require.NoError(t, json.Unmarshal(turn["stage3"], &final))
	assert.Equal(t, "answer from chairman", final.Content)

	conv, err := env.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Test Title", conv.Title)
	assert.Len(t, conv.Messages, 2)
}

func TestSendMessage_Errors(t *testing.T) {
	env := newTestEnv(t)
	id := env.createConversation(t)

	tests := []struct {
		name   string
		path   string
		body   any
		status int
	}{
		{name: "empty content", path: "/api/conversations/" + id + "/message", body: map[string]any{"content": "  "}, status: http.StatusBadRequest},
		{name: "missing body", path: "/api/conversations/" + id + "/message", body: nil, status: http.StatusBadRequest},
		{name: "unknown conversation", path: "/api/conversations/nope/message", body: map[string]any{"content": "q"}, status: http.StatusNotFound},
		{
			name:   "bad provider",
			path:   "/api/conversations/" + id + "/message",
			body:   map[string]any{"content": "q", "llm_config": map[string]any{"provider": "bogus", "model": "x"}},
			status: http.StatusBadRequest,
		},
		{
			name:   "duplicate custom role",
			path:   "/api/conversations/" + id + "/message",
			body:   map[string]any{"content": "q", "custom_roles": []map[string]any{{"id": "academic", "name": "Clash"}}},
			status: http.StatusBadRequest,
		},
		{name: "unknown stream conversation", path: "/api/conversations/nope/message/stream", body: map[string]any{"content": "q"}, status: http.StatusNotFound},
		{name: "empty stream content", path: "/api/conversations/" + id + "/message/stream", body: map[string]any{"content": ""}, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.NotEmpty(t, decode[errorResponse](t, resp).Message)
		})
	}
}

func TestToRequest_Override(t *testing.T) {
	req, apiErr := toRequest("c1", messageRequest{
		Content:   "q",
		LLMConfig: &llmConfig{Provider: "Gemini", Model: "gemini-2.5-pro", APIKey: "k"},
	})
	require.Nil(t, apiErr)
	require.NotNil(t, req.Override)
	assert.Equal(t, council.ProviderGoogle, req.Override.Provider)

	_, apiErr = toRequest("c1", messageRequest{
		Content:   "q",
		LLMConfig: &llmConfig{Provider: "azure", Model: "gpt-4o"},
	})
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
}

func readSSEEvents(t *testing.T, resp *http.Response) []pipeline.Event {
	t.Helper()
	var events []pipeline.Event
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var e pipeline.Event
		require.NoError(t, json.Unmarshal([]byte(data), &e))
		events = append(events, e)
	}
	return events
}

func TestStreamMessage(t *testing.T) {
	env := newTestEnv(t)
	id := env.createConversation(t)

	resp := env.do(t, http.MethodPost, "/api/conversations/"+id+"/message/stream", map[string]any{"content": "q"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	events := readSSEEvents(t, resp)
	var types []pipeline.EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []pipeline.EventType{
		pipeline.EventStage1Start, pipeline.EventStage1Complete,
		pipeline.EventStage2Start, pipeline.EventStage2Complete,
		pipeline.EventStage3Start, pipeline.EventStage3Complete,
		pipeline.EventTitleComplete, pipeline.EventComplete,
	}, types)

	require.NotNil(t, events[3].Metadata)
	assert.Len(t, events[3].Metadata.AggregateRanking, 2)
	assert.Equal(t, map[string]any{"title": "Test Title"}, events[6].Data)
}

func TestStreamMessage_Heartbeat(t *testing.T) {
	env := newTestEnv(t)
	env.server.heartbeat = 5 * time.Millisecond
	env.invoker.delay = 30 * time.Millisecond
	id := env.createConversation(t)

	resp := env.do(t, http.MethodPost, "/api/conversations/"+id+"/message/stream", map[string]any{"content": "q"})
	body, err := bufio.NewReader(resp.Body).ReadString(0)
	require.Error(t, err)
	assert.Contains(t, body, ": ping")
	assert.Contains(t, body, `"type":"complete"`)
}

func TestWebSocket(t *testing.T) {
	env := newTestEnv(t)
	id := env.createConversation(t)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/conversations/" + id + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(messageRequest{Content: "q"}))

	var types []pipeline.EventType
	for {
		var e pipeline.Event
		if err := conn.ReadJSON(&e); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		types = append(types, e.Type)
	}
	require.NotEmpty(t, types)
	assert.Equal(t, pipeline.EventStage1Start, types[0])
	assert.Equal(t, pipeline.EventComplete, types[len(types)-1])
}

func TestWebSocket_UnknownConversation(t *testing.T) {
	env := newTestEnv(t)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/conversations/missing/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(messageRequest{Content: "q"}))
	var e pipeline.Event
	require.NoError(t, conn.ReadJSON(&e))
	assert.Equal(t, pipeline.EventError, e.Type)
	assert.Equal(t, "conversation not found", e.Message)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "unexpected error: %v", err)
	assert.Zero(t, env.invoker.calls.Load())
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	env := newTestEnv(t)
	id := env.createConversation(t)

	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/api/conversations/" + id + "/ws"
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodOptions, env.http.URL+"/api/conversations", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestIsOriginAllowed(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		host    string
		allowed []string
		want    bool
	}{
		{name: "no origin", host: "api.local", want: true},
		{name: "same host", origin: "http://api.local:3000", host: "api.local:8001", want: true},
		{name: "other host", origin: "http://evil.example", host: "api.local", want: false},
		{name: "listed origin", origin: "http://localhost:5173", host: "api.local", allowed: []string{"http://localhost:5173"}, want: true},
		{name: "listed host", origin: "https://app.example", host: "api.local", allowed: []string{"app.example"}, want: true},
		{name: "wildcard", origin: "https://anything.example", host: "api.local", allowed: []string{"*"}, want: true},
		{name: "not listed", origin: "http://api.local", host: "api.local", allowed: []string{"http://localhost:5173"}, want: false},
		{name: "garbage", origin: "://", host: "api.local", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, isOriginAllowed(r, tt.allowed))
		})
	}
}

func TestRecoverMiddleware(t *testing.T) {
	handler := recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("handler exploded")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal_error")
}

func TestWriteSSEData(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeSSEData(&buf, []byte("line1\nline2")))
	assert.Equal(t, "data: line1\ndata: line2\n\n", buf.String())

	buf.Reset()
	require.NoError(t, writeSSEData(&buf, nil))
	assert.Equal(t, "data:\n\n", buf.String())
}

func TestServeShutsDownOnCancel(t *testing.T) {
	env := newTestEnv(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.server.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/api/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
