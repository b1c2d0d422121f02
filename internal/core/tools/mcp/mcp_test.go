package mcp

import (
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
)

func TestSchemaToParamsRoundTripsJSONSchema(t *testing.T) {
	schema := mcp.ToolInputSchema{
		Type:       "object",
		Properties: map[string]any{"query": map[string]any{"type": "string"}},
		Required:   []string{"query"},
	}

	out := schemaToParams(schema)

	assert.Equal(t, "object", out["type"])
	props, ok := out["properties"].(map[string]any)
	assert.True(t, ok)
	assert.Contains(t, props, "query")
}
