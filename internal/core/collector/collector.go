// Package collector implements the Execution Data Collector (§4.6): it walks a finished
// agent conversation and extracts one learning tuple per tool call, ready for
// memory.Service.MemoryLearn.
package collector

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/AriseOS/ami-desktop-sub002/internal/agent/driver"
	"github.com/AriseOS/ami-desktop-sub002/internal/memory"
)

const (
	thinkingTruncate = 500
	inputTruncate    = 300
	resultTruncate   = 300
	judgmentTruncate = 500
	fieldTruncate    = 100
)

// currentURLPattern extracts a URL printed by a tool result in the "URL: https://..." shape
// the browser toolkit's results use (§4.6 "current_url").
var currentURLPattern = regexp.MustCompile(`URL:\*?\*?\s*(https?://\S+)`)

// Config controls which tool calls are skipped and which argument keys survive compression,
// loaded from the ambient config so new tools can be classified without a rebuild.
type Config struct {
	// OptOutTools is the set of tool names skipped entirely (page snapshots, meta tools
	// like inject_message/replan_task).
	OptOutTools map[string]bool
	// InputWhitelist maps a tool name to the argument keys retained in input_summary; a
	// tool absent from this map keeps every key but truncates each string value.
	InputWhitelist map[string][]string
}

// DefaultConfig is the collector's out-of-the-box classification, matching the teacher's own
// browser/document/code toolkits.
func DefaultConfig() Config {
	return Config{
		OptOutTools: map[string]bool{
			"browser_get_page_snapshot": true,
			"browser_screenshot":        true,
			"inject_message":            true,
			"replan_task":               true,
			"split_and_handoff":         true,
			"review_context":            true,
		},
		InputWhitelist: map[string][]string{
			"browser_visit_page":  {"url"},
			"browser_click":       {"selector"},
			"browser_type":        {"selector", "text"},
			"code_run_script":     {"language"},
			"document_write_file": {"path"},
		},
	}
}

// Collector extracts (thinking, tool_name, input_summary, success, result_summary, judgment,
// current_url) tuples from a driven conversation's message log.
type Collector struct {
	cfg Config
}

// New creates a Collector with cfg.
func New(cfg Config) *Collector {
	return &Collector{cfg: cfg}
}

// Collect walks messages and returns one ExecutionDatum per non-opted-out tool call.
func (c *Collector) Collect(messages []driver.Message) []memory.ExecutionDatum {
	var out []memory.ExecutionDatum

	for i, msg := range messages {
		if msg.Role != driver.RoleAssistant {
			continue
		}
		precedingText := ""
		for _, part := range msg.Content {
			switch part.Kind {
			case driver.PartText, driver.PartThinking:
				precedingText = part.Text
			case driver.PartToolCall:
				if c.cfg.OptOutTools[part.ToolName] {
					continue
				}
				result, resultIdx := findToolResult(messages, i, part.ToolCallID)
				datum := memory.ExecutionDatum{
					Thinking:      truncate(precedingText, thinkingTruncate),
					ToolName:      part.ToolName,
					InputSummary:  truncate(c.compressInput(part.ToolName, part.ToolArgsJSON), inputTruncate),
					Success:       result != nil && !result.IsError,
					ResultSummary: truncate(resultText(result), resultTruncate),
					Judgment:      truncate(nextAssistantText(messages, resultIdx), judgmentTruncate),
					CurrentURL:    extractCurrentURL(result),
				}
				out = append(out, datum)
			}
		}
	}
	return out
}

// compressInput whitelists argument keys for a known tool, or truncates every string value
// for an unlisted one (§4.6).
func (c *Collector) compressInput(toolName, argsJSON string) string {
	var args map[string]any
	if argsJSON != "" {
		_ = json.Unmarshal([]byte(argsJSON), &args)
	}
	if args == nil {
		return "{}"
	}

	keys, whitelisted := c.cfg.InputWhitelist[toolName]
	kept := make(map[string]any, len(args))
	if whitelisted {
		for _, k := range keys {
			if v, ok := args[k]; ok {
				kept[k] = v
			}
		}
	} else {
		for k, v := range args {
			if s, ok := v.(string); ok {
				kept[k] = truncate(s, fieldTruncate)
			} else {
				kept[k] = v
			}
		}
	}

	body, err := json.Marshal(kept)
	if err != nil {
		return "{}"
	}
	return string(body)
}

// findToolResult locates the toolResult entry matching toolCallID, searching forward from
// the assistant message that issued the call, and returns its index in messages.
func findToolResult(messages []driver.Message, fromIdx int, toolCallID string) (*driver.Message, int) {
	for i := fromIdx + 1; i < len(messages); i++ {
		if messages[i].Role == driver.RoleToolResult && messages[i].ToolCallID == toolCallID {
			return &messages[i], i
		}
	}
	return nil, -1
}

// nextAssistantText returns the first text block of the assistant message immediately
// following fromIdx (the judgment the model made about the tool result).
func nextAssistantText(messages []driver.Message, fromIdx int) string {
	if fromIdx < 0 {
		return ""
	}
	for i := fromIdx + 1; i < len(messages); i++ {
		if messages[i].Role != driver.RoleAssistant {
			continue
		}
		for _, part := range messages[i].Content {
			if part.Kind == driver.PartText {
				return part.Text
			}
		}
		return ""
	}
	return ""
}

func resultText(result *driver.Message) string {
	if result == nil {
		return ""
	}
	return result.ResultText
}

func extractCurrentURL(result *driver.Message) string {
	if result == nil {
		return ""
	}
	m := currentURLPattern.FindStringSubmatch(result.ResultText)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n]
}
