package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// fakeServer simulates one MCP endpoint: initialize hands out a session,
// tools/list returns the catalog SSE-framed, tools/call echoes back.
type fakeServer struct {
	t *testing.T

	initCount  atomic.Int32
	callCount  atomic.Int32
	sessionSeq atomic.Int32

	tools []map[string]any

	// expireFirstSession makes the first tools/call after a handshake fail
	// with a session error, exercising the re-initialize path.
	expireFirstSession bool
	expired            atomic.Bool

	srv *httptest.Server
}

func newFakeServer(t *testing.T, tools []map[string]any) *fakeServer {
	f := &fakeServer{t: t, tools: tools}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		f.t.Errorf("bad request body: %v", err)
		return
	}

	switch req.Method {
	case "initialize":
		f.initCount.Add(1)
		n := f.sessionSeq.Add(1)
		w.Header().Set("mcp-session-id", fmt.Sprintf("sess-%d", n))
		writeRPC(w, req.ID, map[string]any{"protocolVersion": protocolVersion}, nil)

	case "tools/list":
		if r.Header.Get("mcp-session-id") == "" {
			writeRPC(w, req.ID, nil, &RPCError{Code: -32000, Message: "missing session"})
			return
		}
		// SSE framing, as streamable HTTP servers respond.
		w.Header().Set("Content-Type", "text/event-stream")
		envelope, _ := json.Marshal(rpcResponse{
			JSONRPC: "2.0", ID: req.ID,
			Result: mustMarshal(map[string]any{"tools": f.tools}),
		})
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", envelope)

	case "tools/call":
		f.callCount.Add(1)
		if f.expireFirstSession && !f.expired.Load() {
			f.expired.Store(true)
			writeRPC(w, req.ID, nil, &RPCError{Code: -32000, Message: "session expired"})
			return
		}
		params, _ := req.Params.(map[string]any)
		writeRPC(w, req.ID, map[string]any{
			"called": params["name"],
			"rows":   []any{float64(42)},
		}, nil)

	default:
		writeRPC(w, req.ID, nil, &RPCError{Code: -32601, Message: "method not found"})
	}
}

func writeRPC(w http.ResponseWriter, id string, result any, rpcErr *RPCError) {
	resp := rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if result != nil {
		resp.Result = mustMarshal(result)
	}
	json.NewEncoder(w).Encode(resp)
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

func defaultTools() []map[string]any {
	return []map[string]any{
		{
			"name":        "execute_query",
			"description": "Run a SQL query",
			"inputSchema": map[string]any{
				"type":       "object",
				"properties": map[string]any{"sql": map[string]any{"type": "string"}},
				"required":   []any{"sql"},
			},
		},
		{"name": "show_tables"},
	}
}

func newTestClient(t *testing.T, f *fakeServer) *Client {
	c := NewClient([]ServerConfig{
		{ServerID: "postgres-mcp", URL: f.srv.URL, Enabled: true},
	}, 5*time.Second, nil)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return c
}

func TestInitializeBuildsCatalog(t *testing.T) {
	f := newFakeServer(t, defaultTools())
	c := newTestClient(t, f)

	tools := c.Tools()
	if len(tools) != 2 {
		t.Fatalf("tools = %d, want 2", len(tools))
	}
	if tools[0].FullName() != "postgres-mcp__execute_query" {
		t.Errorf("full name = %q", tools[0].FullName())
	}
	if tools[1].Description != "Tool: show_tables" {
		t.Errorf("description fallback = %q", tools[1].Description)
	}

	conn := c.Connectivity()
	if conn.TotalTools != 2 || !conn.Servers[0].Connected {
		t.Errorf("connectivity = %+v", conn)
	}
}

func TestDisabledServerIsSkipped(t *testing.T) {
	f := newFakeServer(t, defaultTools())
	c := NewClient([]ServerConfig{
		{ServerID: "postgres-mcp", URL: f.srv.URL, Enabled: false},
	}, 5*time.Second, nil)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(c.Tools()) != 0 {
		t.Fatal("disabled server contributed tools")
	}
	if f.initCount.Load() != 0 {
		t.Fatal("disabled server was contacted")
	}
}

func TestCallToolReturnsPayload(t *testing.T) {
	f := newFakeServer(t, defaultTools())
	c := newTestClient(t, f)

	result := c.CallTool(context.Background(), "postgres-mcp__execute_query",
		map[string]any{"sql": "SELECT 1"})
	if result["called"] != "execute_query" {
		t.Fatalf("result = %v", result)
	}
}

func TestCallToolUnknownToolIsErrorValue(t *testing.T) {
	f := newFakeServer(t, defaultTools())
	c := newTestClient(t, f)

	result := c.CallTool(context.Background(), "postgres-mcp__no_such_tool", nil)
	if _, ok := result["error"]; !ok {
		t.Fatalf("expected error payload, got %v", result)
	}
	if f.callCount.Load() != 0 {
		t.Fatal("unknown tool reached the server")
	}
}

func TestCallToolValidatesArguments(t *testing.T) {
	f := newFakeServer(t, defaultTools())
	c := newTestClient(t, f)

	// sql is required and must be a string.
	result := c.CallTool(context.Background(), "postgres-mcp__execute_query",
		map[string]any{"sql": 7})
	if _, ok := result["error"]; !ok {
		t.Fatalf("expected validation error, got %v", result)
	}
	if f.callCount.Load() != 0 {
		t.Fatal("invalid arguments reached the server")
	}
}

func TestCallToolRecoversExpiredSession(t *testing.T) {
	f := newFakeServer(t, defaultTools())
	f.expireFirstSession = true
	c := newTestClient(t, f)

	result := c.CallTool(context.Background(), "postgres-mcp__execute_query",
		map[string]any{"sql": "SELECT 1"})
	if _, failed := result["error"]; failed {
		t.Fatalf("expected recovery, got %v", result)
	}
	if got := f.initCount.Load(); got != 2 {
		t.Errorf("initialize count = %d, want 2 (handshake + refresh)", got)
	}
	if got := f.callCount.Load(); got != 2 {
		t.Errorf("call count = %d, want 2 (failed + retried)", got)
	}
}

func TestParseToolName(t *testing.T) {
	cases := []struct {
		in         string
		server, to string
	}{
		{"postgres-mcp__execute_query", "postgres-mcp", "execute_query"},
		{"synth-mcp__search_tables", "synth-mcp", "search_tables"},
		{"a__b__c", "a", "b__c"},
		{"bare_tool", "default", "bare_tool"},
	}
	for _, tc := range cases {
		server, tool := ParseToolName(tc.in)
		if server != tc.server || tool != tc.to {
			t.Errorf("ParseToolName(%q) = (%q, %q), want (%q, %q)",
				tc.in, server, tool, tc.server, tc.to)
		}
	}
}

func TestExtractEnvelope(t *testing.T) {
	sse := []byte("event: message\ndata: {\"jsonrpc\":\"2.0\"}\n\n")
	if got := string(extractEnvelope(sse)); got != `{"jsonrpc":"2.0"}` {
		t.Errorf("sse envelope = %q", got)
	}
	plain := []byte(`{"jsonrpc":"2.0"}`)
	if got := string(extractEnvelope(plain)); got != string(plain) {
		t.Errorf("plain envelope = %q", got)
	}
}
