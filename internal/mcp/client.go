package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Client multiplexes JSON-RPC tool calls across the configured MCP servers.
// Sessions are negotiated per server and transparently re-established once
// when a tools/call hits a transport or session error.
type Client struct {
	servers map[string]ServerConfig
	order   []string // server ids in configuration order
	http    *http.Client
	logger  *slog.Logger

	sessionMu sync.Mutex
	sessions  map[string]string // server_id -> session token

	catalogMu  sync.RWMutex
	tools      map[string]Tool // full_name -> Tool
	validators map[string]*jsonschema.Schema
}

// NewClient builds a client over the enabled servers. Call Initialize before
// dispatching tools.
func NewClient(servers []ServerConfig, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	c := &Client{
		servers:    map[string]ServerConfig{},
		http:       &http.Client{Timeout: timeout},
		logger:     logger.With("component", "mcp"),
		sessions:   map[string]string{},
		tools:      map[string]Tool{},
		validators: map[string]*jsonschema.Schema{},
	}
	for _, s := range servers {
		if !s.Enabled {
			continue
		}
		c.servers[s.ServerID] = s
		c.order = append(c.order, s.ServerID)
	}
	return c
}

// DefaultServers returns the standard schema-discovery and SQL-execution
// pair for the given base URLs.
func DefaultServers(synthURL, postgresURL string) []ServerConfig {
	return []ServerConfig{
		{
			ServerID:    "synth-mcp",
			URL:         synthURL,
			Description: "Schema context and documentation",
			Enabled:     true,
		},
		{
			ServerID:    "postgres-mcp",
			URL:         postgresURL,
			Description: "SQL execution (read-only)",
			Enabled:     true,
		},
	}
}

// Initialize opens a session with every enabled server and populates the
// tool catalog. Servers whose handshake fails are logged and excluded; their
// absence is not fatal.
func (c *Client) Initialize(ctx context.Context) error {
	for _, serverID := range c.order {
		server := c.servers[serverID]

		sessionID, err := c.initializeSession(ctx, server)
		if err != nil {
			c.logger.Warn("failed to connect to MCP server",
				"server", serverID, "error", err)
			continue
		}
		c.sessionMu.Lock()
		c.sessions[serverID] = sessionID
		c.sessionMu.Unlock()

		tools, err := c.fetchTools(ctx, server, sessionID)
		if err != nil {
			c.logger.Warn("failed to list tools",
				"server", serverID, "error", err)
			continue
		}

		c.catalogMu.Lock()
		for _, tool := range tools {
			c.tools[tool.FullName()] = tool
			if schema := compileSchema(tool); schema != nil {
				c.validators[tool.FullName()] = schema
			}
		}
		c.catalogMu.Unlock()

		c.logger.Info("connected to MCP server",
			"server", serverID, "tools", len(tools))
	}
	return nil
}

// Close drops sessions and idle HTTP connections.
func (c *Client) Close() {
	c.sessionMu.Lock()
	c.sessions = map[string]string{}
	c.sessionMu.Unlock()

	c.catalogMu.Lock()
	c.tools = map[string]Tool{}
	c.validators = map[string]*jsonschema.Schema{}
	c.catalogMu.Unlock()

	c.http.CloseIdleConnections()
}

// Tools returns the catalog ordered by server configuration order, then tool
// name, so prompts and listings are stable across runs.
func (c *Client) Tools() []Tool {
	c.catalogMu.RLock()
	defer c.catalogMu.RUnlock()

	tools := make([]Tool, 0, len(c.tools))
	for _, t := range c.tools {
		tools = append(tools, t)
	}

	rank := map[string]int{}
	for i, id := range c.order {
		rank[id] = i
	}
	sort.Slice(tools, func(i, j int) bool {
		if tools[i].ServerID != tools[j].ServerID {
			return rank[tools[i].ServerID] < rank[tools[j].ServerID]
		}
		return tools[i].Name < tools[j].Name
	})
	return tools
}

// Tool looks up a catalog entry by full name.
func (c *Client) Tool(fullName string) (Tool, bool) {
	c.catalogMu.RLock()
	defer c.catalogMu.RUnlock()
	t, ok := c.tools[fullName]
	return t, ok
}

// CallTool invokes a tool by its full name. Failures are returned as error
// payloads, not Go errors, so the agent loop can hand them back to the model.
func (c *Client) CallTool(ctx context.Context, fullName string, arguments map[string]any) map[string]any {
	tool, ok := c.Tool(fullName)
	if !ok {
		return errorPayload(fmt.Sprintf("unknown tool: %s", fullName))
	}
	server, ok := c.servers[tool.ServerID]
	if !ok {
		return errorPayload(fmt.Sprintf("unknown server: %s", tool.ServerID))
	}

	if err := c.validateArguments(fullName, arguments); err != nil {
		return errorPayload(fmt.Sprintf("invalid arguments for %s: %v", fullName, err))
	}

	sessionID, err := c.session(ctx, server)
	if err != nil {
		return errorPayload(fmt.Sprintf("failed to connect to %s: %v", tool.ServerID, err))
	}

	params := map[string]any{
		"name":      tool.Name, // unnamespaced: the server knows nothing of prefixes
		"arguments": arguments,
	}

	result, rpcErr, err := c.rpcCall(ctx, server, sessionID, "tools/call", params)
	if err != nil || isSessionError(rpcErr) {
		// One transparent re-initialize, then one retry.
		refreshed, refreshErr := c.refreshSession(ctx, server)
		if refreshErr != nil {
			if err != nil {
				return errorPayload(err.Error())
			}
			return errorPayload(rpcErr.Message)
		}
		result, rpcErr, err = c.rpcCall(ctx, server, refreshed, "tools/call", params)
	}
	if err != nil {
		c.logger.Error("tool call failed", "tool", fullName, "error", err)
		return errorPayload(err.Error())
	}
	if rpcErr != nil {
		c.logger.Warn("tool returned error",
			"tool", fullName, "code", rpcErr.Code, "message", rpcErr.Message)
		return errorPayload(rpcErr.Message)
	}

	var payload map[string]any
	if err := json.Unmarshal(result, &payload); err != nil {
		// Non-object results still get surfaced to the model verbatim.
		return map[string]any{"result": string(result)}
	}
	return payload
}

// Connectivity reports per-server session state and tool counts.
func (c *Client) Connectivity() Connectivity {
	c.sessionMu.Lock()
	sessions := make(map[string]string, len(c.sessions))
	for k, v := range c.sessions {
		sessions[k] = v
	}
	c.sessionMu.Unlock()

	byServer := map[string]int{}
	for _, t := range c.Tools() {
		byServer[t.ServerID]++
	}

	report := Connectivity{}
	for _, serverID := range c.order {
		session := sessions[serverID]
		status := ServerStatus{
			ServerID:  serverID,
			URL:       c.servers[serverID].URL,
			Connected: session != "",
			ToolCount: byServer[serverID],
		}
		if len(session) > 16 {
			status.SessionID = session[:16] + "..."
		} else {
			status.SessionID = session
		}
		report.Servers = append(report.Servers, status)
		report.TotalTools += byServer[serverID]
	}
	return report
}

func (c *Client) session(ctx context.Context, server ServerConfig) (string, error) {
	c.sessionMu.Lock()
	sessionID := c.sessions[server.ServerID]
	c.sessionMu.Unlock()
	if sessionID != "" {
		return sessionID, nil
	}
	return c.refreshSession(ctx, server)
}

func (c *Client) refreshSession(ctx context.Context, server ServerConfig) (string, error) {
	sessionID, err := c.initializeSession(ctx, server)
	if err != nil {
		return "", err
	}
	c.sessionMu.Lock()
	c.sessions[server.ServerID] = sessionID
	c.sessionMu.Unlock()
	c.logger.Info("refreshed MCP session", "server", server.ServerID)
	return sessionID, nil
}

// initializeSession runs the initialize handshake and returns the session
// token from the response headers.
func (c *Client) initializeSession(ctx context.Context, server ServerConfig) (string, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  "initialize",
		Params: map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo": map[string]any{
				"name":    "tribalbot",
				"version": "1.0.0",
			},
		},
	}

	resp, err := c.post(ctx, server.URL, "", req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	// The handshake result body is not needed; the token rides the headers.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	sessionID := resp.Header.Get("mcp-session-id")
	if sessionID == "" {
		return "", fmt.Errorf("no session id from %s", server.ServerID)
	}
	c.logger.Debug("session initialized",
		"server", server.ServerID, "session", sessionID[:min(16, len(sessionID))])
	return sessionID, nil
}

func (c *Client) fetchTools(ctx context.Context, server ServerConfig, sessionID string) ([]Tool, error) {
	result, rpcErr, err := c.rpcCall(ctx, server, sessionID, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}
	if rpcErr != nil {
		return nil, fmt.Errorf("tools/list error %d: %s", rpcErr.Code, rpcErr.Message)
	}

	var listed listToolsResult
	if err := json.Unmarshal(result, &listed); err != nil {
		return nil, fmt.Errorf("parse tools/list result: %w", err)
	}

	tools := make([]Tool, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		desc := t.Description
		if desc == "" {
			desc = "Tool: " + t.Name
		}
		tools = append(tools, Tool{
			Name:        t.Name,
			Description: desc,
			InputSchema: t.InputSchema,
			ServerID:    server.ServerID,
			ServerURL:   server.URL,
		})
	}
	return tools, nil
}

// rpcCall posts one JSON-RPC request and decodes the (possibly SSE-framed)
// response envelope.
func (c *Client) rpcCall(ctx context.Context, server ServerConfig, sessionID, method string, params any) (json.RawMessage, *RPCError, error) {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  method,
		Params:  params,
	}

	resp, err := c.post(ctx, server.URL, sessionID, req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, nil, fmt.Errorf("HTTP %d from %s: %s",
			resp.StatusCode, server.ServerID, truncateBody(body))
	}

	envelope := extractEnvelope(body)
	var rpcResp rpcResponse
	if err := json.Unmarshal(envelope, &rpcResp); err != nil {
		return nil, nil, fmt.Errorf("decode response from %s: %w", server.ServerID, err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error, nil
	}
	return rpcResp.Result, nil, nil
}

func (c *Client) post(ctx context.Context, url, sessionID string, req rpcRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		httpReq.Header.Set("mcp-session-id", sessionID)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	return resp, nil
}

// extractEnvelope pulls the JSON-RPC envelope out of an SSE-framed body: the
// first "data: " line wins. Plain JSON bodies pass through unchanged.
func extractEnvelope(body []byte) []byte {
	for _, line := range strings.Split(string(body), "\n") {
		if rest, ok := strings.CutPrefix(line, "data: "); ok {
			return []byte(strings.TrimRight(rest, "\r"))
		}
	}
	return body
}

func (c *Client) validateArguments(fullName string, arguments map[string]any) error {
	c.catalogMu.RLock()
	schema := c.validators[fullName]
	c.catalogMu.RUnlock()
	if schema == nil {
		return nil
	}

	// Round-trip through JSON so the validator sees plain decoded values.
	data, err := json.Marshal(arguments)
	if err != nil {
		return err
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	return schema.Validate(decoded)
}

func compileSchema(tool Tool) *jsonschema.Schema {
	if len(tool.InputSchema) == 0 {
		return nil
	}
	schema, err := jsonschema.CompileString(tool.FullName()+".schema.json", string(tool.InputSchema))
	if err != nil {
		// A broken schema disables validation for that tool, not the tool.
		slog.Debug("failed to compile tool schema", "tool", tool.FullName(), "error", err)
		return nil
	}
	return schema
}

func isSessionError(rpcErr *RPCError) bool {
	return rpcErr != nil && strings.Contains(strings.ToLower(rpcErr.Message), "session")
}

func errorPayload(msg string) map[string]any {
	return map[string]any{"error": msg}
}

func truncateBody(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
