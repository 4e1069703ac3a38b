package workerpool

import (
	"context"
	"path/filepath"
	"strings"
)

// promptDisplayLimit is the longest system prompt shown in user-facing
// text before truncation.
const promptDisplayLimit = 100

// SpawnToolParams is the parameter surface of the spawn tool invoked by
// the outer agent. MCPServers accepts either a JSON string array or a
// single comma-separated string.
type SpawnToolParams struct {
	TaskID        string `json:"taskId"`
	WorkspacePath string `json:"workspacePath"`
	SystemPrompt  string `json:"systemPrompt"`
	MCPServers    any    `json:"mcpServers,omitempty"`
	WorkerType    string `json:"workerType,omitempty"`
	Provider      string `json:"provider,omitempty"`
}

// SpawnToolResult is the tool's return shape.
type SpawnToolResult struct {
	WorkerID  string `json:"workerId"`
	Status    string `json:"status"` // "spawned" or "error"
	Workspace string `json:"workspace"`
	Error     string `json:"error,omitempty"`
}

// SpawnTool validates the tool parameters and spawns a worker through the
// pool. Validation failures and spawn failures both surface as an "error"
// result rather than a Go error, matching the tool-call contract.
func (p *Pool) SpawnTool(ctx context.Context, params SpawnToolParams) SpawnToolResult {
	if params.TaskID == "" {
		return SpawnToolResult{Status: "error", Error: "taskId is required"}
	}
	if params.WorkspacePath == "" {
		return SpawnToolResult{WorkerID: params.TaskID, Status: "error", Error: "workspacePath is required"}
	}
	if params.SystemPrompt == "" {
		return SpawnToolResult{WorkerID: params.TaskID, Status: "error", Error: "systemPrompt is required"}
	}

	workspace := params.WorkspacePath
	if !filepath.IsAbs(workspace) {
		if abs, err := filepath.Abs(workspace); err == nil {
			workspace = abs
		}
	}

	worker, err := p.Spawn(ctx, SpawnRequest{
		TaskID:       params.TaskID,
		WorkingDir:   workspace,
		SystemPrompt: params.SystemPrompt,
		WorkerType:   params.WorkerType,
		Provider:     params.Provider,
		MCPServers:   ParseMCPServers(params.MCPServers),
	})
	if err != nil {
		return SpawnToolResult{
			WorkerID:  params.TaskID,
			Status:    "error",
			Workspace: workspace,
			Error:     err.Error(),
		}
	}

	return SpawnToolResult{
		WorkerID:  worker.ID,
		Status:    "spawned",
		Workspace: worker.WorkingDir,
	}
}

// ParseMCPServers accepts either a slice of names or a comma-separated
// string, trims whitespace, and drops empties.
func ParseMCPServers(raw any) []string {
	var candidates []string
	switch v := raw.(type) {
	case nil:
		return nil
	case []string:
		candidates = v
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				candidates = append(candidates, s)
			}
		}
	case string:
		candidates = strings.Split(v, ",")
	default:
		return nil
	}

	var servers []string
	for _, c := range candidates {
		if trimmed := strings.TrimSpace(c); trimmed != "" {
			servers = append(servers, trimmed)
		}
	}
	return servers
}

// truncatePrompt shortens a system prompt to the display limit, appending
// "..." when truncated.
func truncatePrompt(prompt string) string {
	runes := []rune(prompt)
	if len(runes) <= promptDisplayLimit {
		return prompt
	}
	return string(runes[:promptDisplayLimit]) + "..."
}
