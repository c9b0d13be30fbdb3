package executor

import (
	"strings"

	"github.com/agentoven/dispatcher/pkg/models"
)

// PermissionMode keeps the reasoning-model binary from prompting.
const PermissionMode = "dontAsk"

// resolved holds the request fields after project defaults are applied.
type resolved struct {
	workingDir      string
	allowedTools    []string
	disallowedTools []string
}

// BuildArgs returns the argv (without the binary) for one request. The user
// message is always the last positional argument.
func BuildArgs(req *models.ExecutionRequest, allowed, disallowed []string) []string {
	args := []string{"--print", "--output-format", "json"}

	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.FallbackModel != "" {
		args = append(args, "--fallback-model", req.FallbackModel)
	}
	if len(allowed) > 0 {
		args = append(args, "--allowed-tools", strings.Join(allowed, " "))
	}
	if len(disallowed) > 0 {
		args = append(args, "--disallowed-tools", strings.Join(disallowed, " "))
	}

	args = append(args, "--permission-mode", PermissionMode)

	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}

	if req.SessionID != "" {
		args = append(args, "--session-id", req.SessionID)
	}
	if req.ContinueSession {
		args = append(args, "--continue")
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}

	for _, dir := range req.AddDirs {
		args = append(args, "--add-dir", dir)
	}

	if len(req.MCPConfig) > 0 {
		args = append(args, "--mcp-config", string(req.MCPConfig))
	}
	if len(req.Agents) > 0 {
		args = append(args, "--agents", string(req.Agents))
	}

	return append(args, req.UserMessage)
}
