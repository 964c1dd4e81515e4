// Package mcp implements a multi-server Model Context Protocol client over
// HTTP JSON-RPC with session headers and SSE-framed responses.
package mcp

import (
	"encoding/json"
	"strings"
)

// protocolVersion is the MCP protocol revision this client declares.
const protocolVersion = "2024-11-05"

// ServerConfig describes one MCP server endpoint.
type ServerConfig struct {
	ServerID    string
	URL         string
	Description string
	Enabled     bool
}

// Tool is one entry in the catalog, namespaced by its owning server.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	ServerID    string
	ServerURL   string
}

// FullName returns the model-facing name "<server_id>__<name>".
func (t Tool) FullName() string {
	return t.ServerID + "__" + t.Name
}

// ParseToolName splits a full tool name on the first "__". Names without a
// server prefix resolve to the "default" server, matching dispatch of tools
// the model invented or mangled.
func ParseToolName(fullName string) (serverID, toolName string) {
	if i := strings.Index(fullName, "__"); i >= 0 {
		return fullName[:i], fullName[i+2:]
	}
	return "default", fullName
}

// JSON-RPC 2.0 envelope types.

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type listToolsResult struct {
	Tools []struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"inputSchema"`
	} `json:"tools"`
}

// ServerStatus is one server's connectivity snapshot.
type ServerStatus struct {
	ServerID  string
	URL       string
	Connected bool
	SessionID string // truncated for logging
	ToolCount int
}

// Connectivity is the status report used by the startup probe and home tab.
type Connectivity struct {
	Servers    []ServerStatus
	TotalTools int
}
