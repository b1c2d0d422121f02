// Package memory defines the external memory service interface the planner and collector
// consume (§6). It is an explicit external collaborator (Non-goals): this package only
// describes the contract; internal/memory/httpclient supplies one concrete, deliberately
// thin implementation.
package memory

import (
	"context"

	"github.com/AriseOS/ami-desktop-sub002/internal/core/task"
)

// Service is the memory service the planner queries and the collector uploads to.
type Service interface {
	// PlanTask asks memory for prior workflow guidance for the given free-form task text.
	PlanTask(ctx context.Context, text string) (*PlanResult, error)

	// MemoryAdd records operations observed during a session (browser actions, etc.).
	MemoryAdd(ctx context.Context, operations []Operation, sessionID string) error

	// MemoryLearn uploads execution data collected from a finished agent conversation.
	MemoryLearn(ctx context.Context, executionData []ExecutionDatum) error
}

// PlanResult is the memory service's planTask response.
type PlanResult struct {
	Steps       []task.MemoryPlanStep
	Preferences []string
	Coverage    float64
}

// Operation is one recorded browser/tool operation, forwarded to MemoryAdd.
type Operation struct {
	Kind string
	Args map[string]any
}

// ExecutionDatum is one tuple the collector extracts from a finished conversation (§4.6).
type ExecutionDatum struct {
	Thinking       string
	ToolName       string
	InputSummary   string
	Success        bool
	ResultSummary  string
	Judgment       string
	CurrentURL     string
}
