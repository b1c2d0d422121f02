package planner

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/AriseOS/ami-desktop-sub002/internal/core/task"
)

// ErrEmptyDecomposition is returned when no parser could extract any subtask (§4.3 step 8,
// §8 boundary behaviour "Empty decomposition response -> Planner raises").
var ErrEmptyDecomposition = fmt.Errorf("decomposition response contained no subtasks")

// rawTask is one <task> element, used by both the attributed and positional XML parsers.
type rawTask struct {
	XMLName   xml.Name `xml:"task"`
	ID        string   `xml:"id,attr"`
	Type      string   `xml:"type,attr"`
	DependsOn string   `xml:"depends_on,attr"`
	Content   string   `xml:",chardata"`
}

type rawTasks struct {
	XMLName xml.Name  `xml:"tasks"`
	Tasks   []rawTask `xml:"task"`
}

type jsonSubtask struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Type      string `json:"type"`
	DependsOn any    `json:"depends_on"`
}

type jsonDecomposition struct {
	Subtasks []jsonSubtask `json:"subtasks"`
}

// ParseDecomposition tries, in order: the primary <tasks><task id=... type=... depends_on=...>
// parser, a positional <task>body</task> fallback, and a {"subtasks": [...]} JSON fallback.
// If all fail, it returns ErrEmptyDecomposition.
func ParseDecomposition(text string) ([]*task.Subtask, error) {
	if subs, ok := parsePrimaryXML(text); ok && len(subs) > 0 {
		return subs, nil
	}
	if subs, ok := parsePositionalXML(text); ok && len(subs) > 0 {
		return subs, nil
	}
	if subs, ok := parseJSONFallback(text); ok && len(subs) > 0 {
		return subs, nil
	}
	return nil, ErrEmptyDecomposition
}

func extractBlock(text, open, close string) (string, bool) {
	start := strings.Index(text, open)
	if start < 0 {
		return "", false
	}
	end := strings.Index(text[start:], close)
	if end < 0 {
		return "", false
	}
	return text[start : start+end+len(close)], true
}

func parsePrimaryXML(text string) ([]*task.Subtask, bool) {
	block, ok := extractBlock(text, "<tasks>", "</tasks>")
	if !ok {
		return nil, false
	}
	var parsed rawTasks
	if err := xml.Unmarshal([]byte(block), &parsed); err != nil {
		return nil, false
	}

	var out []*task.Subtask
	for _, rt := range parsed.Tasks {
		if rt.ID == "" {
			return nil, false // attributed parser requires ids; fall through to positional
		}
		content := strings.TrimSpace(rt.Content)
		out = append(out, &task.Subtask{
			ID:        rt.ID,
			Content:   content,
			AgentType: resolveType(rt.Type, content),
			DependsOn: splitDeps(rt.DependsOn),
			State:     task.StatePending,
		})
	}
	return out, true
}

// parsePositionalXML handles bare <task>body</task> elements with no attributes: ids are
// assigned by position (1-based, as strings) and type is always inferred.
func parsePositionalXML(text string) ([]*task.Subtask, bool) {
	var out []*task.Subtask
	remaining := text
	pos := 1
	for {
		start := strings.Index(remaining, "<task>")
		if start < 0 {
			break
		}
		afterOpen := remaining[start+len("<task>"):]
		end := strings.Index(afterOpen, "</task>")
		if end < 0 {
			break
		}
		content := strings.TrimSpace(afterOpen[:end])
		out = append(out, &task.Subtask{
			ID:        fmt.Sprintf("%d", pos),
			Content:   content,
			AgentType: InferAgentType(content),
			State:     task.StatePending,
		})
		pos++
		remaining = afterOpen[end+len("</task>"):]
	}
	return out, len(out) > 0
}

// parseJSONFallback extracts the first {"subtasks": [...]} object in text.
func parseJSONFallback(text string) ([]*task.Subtask, bool) {
	idx := strings.Index(text, `"subtasks"`)
	if idx < 0 {
		return nil, false
	}
	// walk back to the enclosing '{' and forward to its matching '}'.
	start := strings.LastIndex(text[:idx], "{")
	if start < 0 {
		return nil, false
	}
	depth := 0
	end := -1
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				end = i
			}
		}
		if end >= 0 {
			break
		}
	}
	if end < 0 {
		return nil, false
	}

	var parsed jsonDecomposition
	if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err != nil {
		return nil, false
	}

	var out []*task.Subtask
	for i, s := range parsed.Subtasks {
		id := s.ID
		if id == "" {
			id = fmt.Sprintf("%d", i+1)
		}
		content := strings.TrimSpace(s.Content)
		out = append(out, &task.Subtask{
			ID:        id,
			Content:   content,
			AgentType: resolveType(s.Type, content),
			DependsOn: splitDepsAny(s.DependsOn),
			State:     task.StatePending,
		})
	}
	return out, true
}

func resolveType(typ, content string) task.AgentType {
	switch task.AgentType(typ) {
	case task.AgentTypeBrowser, task.AgentTypeDocument, task.AgentTypeCode, task.AgentTypeMultiModal:
		return task.AgentType(typ)
	default:
		return InferAgentType(content)
	}
}

func splitDeps(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func splitDepsAny(v any) []string {
	switch val := v.(type) {
	case string:
		return splitDeps(val)
	case []any:
		out := make([]string, 0, len(val))
		for _, e := range val {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
