package planner

import (
	"strings"

	"github.com/AriseOS/ami-desktop-sub002/internal/core/task"
)

// agentTypeOrder is the tie-break enumeration order (§4.3): browser, document, code, multi_modal.
var agentTypeOrder = []task.AgentType{
	task.AgentTypeBrowser,
	task.AgentTypeDocument,
	task.AgentTypeCode,
	task.AgentTypeMultiModal,
}

// keywords maps each agent type to the keyword list that scores a lowercased content string.
var keywords = map[task.AgentType][]string{
	task.AgentTypeBrowser:    {"search", "click", "navigate", "browse", "visit", "website", "login", "scroll"},
	task.AgentTypeDocument:   {"write", "report", "excel", "spreadsheet", "document", "summarize", "pdf", "slide"},
	task.AgentTypeCode:       {"code", "script", "deploy", "compile", "test", "function", "repository", "bug"},
	task.AgentTypeMultiModal: {"image", "audio", "ocr", "video", "transcribe", "photo", "voice"},
}

// InferAgentType scores each of the four types by counting keyword hits in a lowercased
// content string. The highest-scoring type wins; ties are resolved by agentTypeOrder; a
// zero score for every type defaults to browser (§4.3).
func InferAgentType(content string) task.AgentType {
	lower := strings.ToLower(content)

	best := task.AgentTypeBrowser
	bestScore := -1
	for _, t := range agentTypeOrder {
		score := 0
		for _, kw := range keywords[t] {
			score += strings.Count(lower, kw)
		}
		if score > bestScore {
			bestScore = score
			best = t
		}
	}
	if bestScore <= 0 {
		return task.AgentTypeBrowser
	}
	return best
}
