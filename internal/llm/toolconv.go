package llm

import (
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tribalhq/tribalbot/internal/mcp"
)

// emptyObjectSchema stands in for tools whose server declared no inputSchema.
var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// ToolDefinitions converts the MCP catalog into the function-calling format
// both backends accept. Names are the namespaced full names so the loop can
// route each call back to its server.
func ToolDefinitions(tools []mcp.Tool) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = emptyObjectSchema
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.FullName(),
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}
	return out
}
