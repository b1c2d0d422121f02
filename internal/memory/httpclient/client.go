// Package httpclient is a thin net/http implementation of memory.Service. The memory
// service is an explicit external collaborator (top-level Non-goals), so this client
// deliberately has no domain-library dependency beyond the standard library's http/json.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/AriseOS/ami-desktop-sub002/internal/core/task"
	"github.com/AriseOS/ami-desktop-sub002/internal/memory"
)

// Client is a memory.Service backed by an HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a Client pointed at baseURL, using a default request timeout. Callers that
// need a tighter bound (e.g. the planner's independent memory-query timeout, §4.3) should
// pass a context with its own deadline to each call; the client's own timeout is a backstop.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

type planTaskRequest struct {
	Text string `json:"text"`
}

type planTaskResponse struct {
	MemoryPlan struct {
		Steps []struct {
			Index         int    `json:"index"`
			Content       string `json:"content"`
			Source        string `json:"source"`
			PhraseID      string `json:"phrase_id,omitempty"`
			WorkflowGuide string `json:"workflow_guide,omitempty"`
		} `json:"steps"`
		Preferences []string `json:"preferences"`
		Coverage    float64  `json:"coverage"`
	} `json:"memory_plan"`
}

// PlanTask implements memory.Service.
func (c *Client) PlanTask(ctx context.Context, text string) (*memory.PlanResult, error) {
	body, err := json.Marshal(planTaskRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("marshal planTask request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/planTask", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build planTask request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call planTask: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("planTask returned %d: %s", resp.StatusCode, string(data))
	}

	var out planTaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode planTask response: %w", err)
	}

	result := &memory.PlanResult{Preferences: out.MemoryPlan.Preferences, Coverage: out.MemoryPlan.Coverage}
	for _, s := range out.MemoryPlan.Steps {
		result.Steps = append(result.Steps, task.MemoryPlanStep{
			Index:         s.Index,
			Content:       s.Content,
			Source:        s.Source,
			PhraseID:      s.PhraseID,
			WorkflowGuide: s.WorkflowGuide,
		})
	}
	return result, nil
}

// MemoryAdd implements memory.Service.
func (c *Client) MemoryAdd(ctx context.Context, operations []memory.Operation, sessionID string) error {
	body, err := json.Marshal(map[string]any{"operations": operations, "session_id": sessionID})
	if err != nil {
		return fmt.Errorf("marshal memoryAdd request: %w", err)
	}
	return c.post(ctx, "/memoryAdd", body)
}

// MemoryLearn implements memory.Service.
func (c *Client) MemoryLearn(ctx context.Context, executionData []memory.ExecutionDatum) error {
	body, err := json.Marshal(map[string]any{"execution_data": executionData})
	if err != nil {
		return fmt.Errorf("marshal memoryLearn request: %w", err)
	}
	return c.post(ctx, "/memoryLearn", body)
}

func (c *Client) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, string(data))
	}
	return nil
}
