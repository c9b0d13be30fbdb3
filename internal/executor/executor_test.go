package executor_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentoven/dispatcher/internal/executor"
	"github.com/agentoven/dispatcher/internal/process"
	"github.com/agentoven/dispatcher/internal/process/processtest"
	"github.com/agentoven/dispatcher/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const structuredOutput = `{
  "type": "result",
  "subtype": "success",
  "is_error": false,
  "duration_ms": 1520,
  "duration_api_ms": 1400,
  "num_turns": 2,
  "result": "Done: 3 files changed",
  "session_id": "sess-1",
  "total_cost_usd": 0.0123,
  "usage": {"input_tokens": 100, "output_tokens": 40, "cache_read_input_tokens": 7},
  "modelUsage": {"claude-haiku": {"inputTokens": 100, "outputTokens": 40, "costUSD": 0.0123}}
}`

func newTestDispatcher(t *testing.T, runner process.Runner) *executor.Dispatcher {
	t.Helper()
	return executor.NewDispatcher(runner, executor.Config{
		DefaultWorkingDir:      t.TempDir(),
		DefaultDisallowedTools: []string{"Write", "Edit"},
	}, nil)
}

func TestBuildArgs_Order(t *testing.T) {
	req := &models.ExecutionRequest{
		UserMessage:     "fix the build",
		Model:           "sonnet",
		FallbackModel:   "haiku",
		SystemPrompt:    "be brief",
		SessionID:       "s1",
		ContinueSession: true,
		ResumeSessionID: "r1",
		AddDirs:         []string{"/a", "/b"},
		MCPConfig:       json.RawMessage(`{"servers":{}}`),
		Agents:          json.RawMessage(`{"x":1}`),
	}

	got := executor.BuildArgs(req, []string{"Read", "Grep"}, []string{"Write"})
	want := []string{
		"--print", "--output-format", "json",
		"--model", "sonnet",
		"--fallback-model", "haiku",
		"--allowed-tools", "Read Grep",
		"--disallowed-tools", "Write",
		"--permission-mode", "dontAsk",
		"--append-system-prompt", "be brief",
		"--session-id", "s1",
		"--continue",
		"--resume", "r1",
		"--add-dir", "/a",
		"--add-dir", "/b",
		"--mcp-config", `{"servers":{}}`,
		"--agents", `{"x":1}`,
		"fix the build",
	}
	assert.Equal(t, want, got)
}

func TestBuildArgs_Minimal(t *testing.T) {
	got := executor.BuildArgs(&models.ExecutionRequest{UserMessage: "hi"}, nil, nil)
	assert.Equal(t, []string{"--print", "--output-format", "json", "--permission-mode", "dontAsk", "hi"}, got)
}

func TestExecute_InvalidWorkingDir(t *testing.T) {
	runner := processtest.NewFakeRunner()
	d := newTestDispatcher(t, runner)

	res := d.Execute(context.Background(), &models.ExecutionRequest{
		UserMessage: "hi",
		WorkingDir:  filepath.Join(t.TempDir(), "missing"),
	})

	assert.Equal(t, models.StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, models.ErrCodeInvalidWorkingDir, res.Error.Code)
	assert.Empty(t, runner.Calls(), "no process may be spawned")
	assert.NotEmpty(t, res.ID)
}

func TestExecute_StructuredSuccess(t *testing.T) {
	runner := processtest.NewFakeRunner(processtest.Response{Stdout: structuredOutput})
	d := newTestDispatcher(t, runner)

	res := d.Execute(context.Background(), &models.ExecutionRequest{UserMessage: "go", Project: "web"})

	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, "Done: 3 files changed", res.Result)
	assert.Equal(t, "web", res.Project)
	assert.Nil(t, res.Error)
	require.NotNil(t, res.Output)
	assert.Equal(t, "sess-1", res.Output.SessionID)
	require.NotNil(t, res.Output.TotalCostUSD)
	assert.InDelta(t, 0.0123, *res.Output.TotalCostUSD, 1e-9)
	require.NotNil(t, res.Output.Usage)
	assert.Equal(t, int64(7), res.Output.Usage.CacheReadInputTokens)
	assert.Contains(t, res.Output.ModelUsage, "claude-haiku")

	call := runner.LastCall()
	assert.Equal(t, executor.DefaultBinary, call.Name)
	assert.Equal(t, "go", call.Args[len(call.Args)-1])
	assert.Contains(t, call.Args, "Write Edit", "project default disallowed tools apply")
}

func TestExecute_UnstructuredSuccess(t *testing.T) {
	runner := processtest.NewFakeRunner(processtest.Response{Stdout: "plain text answer"})
	d := newTestDispatcher(t, runner)

	res := d.Execute(context.Background(), &models.ExecutionRequest{UserMessage: "go"})

	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, "plain text answer", res.Result)
	assert.Nil(t, res.Output)
	assert.Nil(t, res.Error)
	assert.Equal(t, "default", res.Project)
}

func TestExecute_JSONMissingRequiredFieldsIsUnstructured(t *testing.T) {
	runner := processtest.NewFakeRunner(processtest.Response{Stdout: `{"result":"x"}`})
	d := newTestDispatcher(t, runner)

	res := d.Execute(context.Background(), &models.ExecutionRequest{UserMessage: "go"})

	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, `{"result":"x"}`, res.Result)
	assert.Nil(t, res.Output)
}

func TestExecute_NonZeroExit(t *testing.T) {
	t.Run("stderr", func(t *testing.T) {
		runner := processtest.NewFakeRunner(processtest.Response{Stderr: "boom\n", ExitCode: 1})
		d := newTestDispatcher(t, runner)

		res := d.Execute(context.Background(), &models.ExecutionRequest{UserMessage: "go"})

		assert.Equal(t, models.StatusFailed, res.Status)
		require.NotNil(t, res.Error)
		assert.Equal(t, models.ErrCodeExecutionFailed, res.Error.Code)
		assert.Equal(t, "boom", res.Error.Message)
		assert.Empty(t, res.Result)
	})

	t.Run("structured error payload", func(t *testing.T) {
		stdout := `{"type":"result","is_error":true,"duration_ms":5,"result":"credit balance too low","session_id":"s"}`
		runner := processtest.NewFakeRunner(processtest.Response{Stdout: stdout, Stderr: "ignored", ExitCode: 1})
		d := newTestDispatcher(t, runner)

		res := d.Execute(context.Background(), &models.ExecutionRequest{UserMessage: "go"})

		require.NotNil(t, res.Error)
		assert.Equal(t, "credit balance too low", res.Error.Message)
		assert.Nil(t, res.Output)
	})
}

func TestExecute_SpawnFailed(t *testing.T) {
	runner := processtest.NewFakeRunner(processtest.Response{
		Err: &process.SpawnError{Name: "claude", Err: os.ErrNotExist},
	})
	d := newTestDispatcher(t, runner)

	res := d.Execute(context.Background(), &models.ExecutionRequest{UserMessage: "go"})

	assert.Equal(t, models.StatusFailed, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, models.ErrCodeSpawnFailed, res.Error.Code)
}

func TestExecute_TimeoutFromRunner(t *testing.T) {
	runner := processtest.NewFakeRunner(processtest.Response{Err: process.ErrTimeout})
	d := newTestDispatcher(t, runner)

	res := d.Execute(context.Background(), &models.ExecutionRequest{UserMessage: "go", Timeout: 1})

	assert.Equal(t, models.StatusTimeout, res.Status)
	assert.Empty(t, res.Result)
	require.NotNil(t, res.Error)
	assert.Equal(t, models.ErrCodeTimeout, res.Error.Code)
}

func TestExecute_ExplicitEmptyDisallowedOverridesDefaults(t *testing.T) {
	runner := processtest.NewFakeRunner(processtest.Response{Stdout: structuredOutput})
	d := newTestDispatcher(t, runner)

	d.Execute(context.Background(), &models.ExecutionRequest{UserMessage: "go", DisallowedTools: []string{}})

	assert.NotContains(t, runner.LastCall().Args, "--disallowed-tools")
}

func TestExecute_RealProcessTimeout(t *testing.T) {
	if _, ok := process.LookPath("sh"); !ok {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "slow-model")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\nexec sleep 10\n"), 0o755))

	d := executor.NewDispatcher(&process.ExecRunner{GracePeriod: 200 * time.Millisecond}, executor.Config{
		Binary:            bin,
		DefaultWorkingDir: dir,
	}, nil)

	start := time.Now()
	res := d.Execute(context.Background(), &models.ExecutionRequest{UserMessage: "go", Timeout: 1})

	assert.Equal(t, models.StatusTimeout, res.Status)
	assert.Empty(t, res.Result)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.GreaterOrEqual(t, res.DurationMs, int64(900))
}
