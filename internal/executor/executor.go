// Package executor runs one request through the external reasoning-model
// binary:
//
//	resolve working dir and tools → check dir exists → build argv →
//	spawn under deadline → parse structured stdout → ExecutionResult
//
// Execute never returns an error. Every failure is a terminal status with an
// error code on the result.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/agentoven/dispatcher/internal/metrics"
	"github.com/agentoven/dispatcher/internal/process"
	"github.com/agentoven/dispatcher/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// DefaultBinary is resolved through PATH.
	DefaultBinary = "claude"

	// DefaultTimeout applies when the request sets none.
	DefaultTimeout = 300 * time.Second

	defaultProject = "default"
)

var tracer = otel.Tracer("dispatcher/executor")

// Config holds dispatcher defaults.
type Config struct {
	Binary                 string
	DefaultTimeout         time.Duration
	DefaultWorkingDir      string
	DefaultDisallowedTools []string
}

// Dispatcher spawns the reasoning-model binary for each request.
type Dispatcher struct {
	cfg     Config
	runner  process.Runner
	metrics *metrics.Metrics
}

// NewDispatcher creates a dispatcher. m may be nil.
func NewDispatcher(runner process.Runner, cfg Config, m *metrics.Metrics) *Dispatcher {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.DefaultWorkingDir == "" {
		cfg.DefaultWorkingDir = "."
	}
	return &Dispatcher{cfg: cfg, runner: runner, metrics: m}
}

// Execute runs req to a terminal status.
func (d *Dispatcher) Execute(ctx context.Context, req *models.ExecutionRequest) *models.ExecutionResult {
	start := time.Now()
	res := &models.ExecutionResult{
		ID:      uuid.NewString(),
		Created: start.Unix(),
		Project: req.Project,
	}
	if res.Project == "" {
		res.Project = defaultProject
	}

	ctx, span := tracer.Start(ctx, "executor.Execute",
		trace.WithAttributes(
			attribute.String("execution.id", res.ID),
			attribute.String("execution.project", res.Project),
			attribute.String("execution.model", req.Model),
		),
	)
	defer span.End()

	defer func() {
		res.DurationMs = time.Since(start).Milliseconds()
		code := ""
		if res.Error != nil {
			code = res.Error.Code
			span.SetStatus(codes.Error, res.Error.Message)
		}
		span.SetAttributes(attribute.String("execution.status", string(res.Status)))
		d.metrics.RecordExecution(string(res.Status), code, time.Since(start))
	}()

	r := d.resolve(req)
	if _, err := os.Stat(r.workingDir); err != nil {
		log.Warn().Str("project", res.Project).Str("dir", r.workingDir).Msg("Working directory does not exist")
		return fail(res, models.StatusFailed, models.ErrCodeInvalidWorkingDir,
			fmt.Sprintf("Working directory does not exist: %s", r.workingDir))
	}

	timeout := d.cfg.DefaultTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}
	args := BuildArgs(req, r.allowedTools, r.disallowedTools)

	log.Info().
		Str("id", res.ID).
		Str("project", res.Project).
		Str("dir", r.workingDir).
		Dur("timeout", timeout).
		Strs("allowed_tools", r.allowedTools).
		Msg("Executing reasoning model")
	log.Debug().Strs("args", args).Msg("Reasoning model argv")

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := d.runner.Run(runCtx, process.Command{
		Name: d.cfg.Binary,
		Args: args,
		Dir:  r.workingDir,
	})

	var spawnErr *process.SpawnError
	switch {
	case errors.Is(err, process.ErrTimeout):
		log.Error().Str("id", res.ID).Dur("timeout", timeout).Msg("Execution timed out")
		return fail(res, models.StatusTimeout, models.ErrCodeTimeout,
			fmt.Sprintf("Execution timed out after %s", timeout))
	case errors.As(err, &spawnErr):
		log.Error().Err(err).Str("id", res.ID).Msg("Failed to spawn reasoning model")
		return fail(res, models.StatusFailed, models.ErrCodeSpawnFailed,
			fmt.Sprintf("Failed to spawn %s: %v", d.cfg.Binary, spawnErr.Err))
	case errors.Is(err, context.Canceled):
		return fail(res, models.StatusFailed, models.ErrCodeCanceled, "Execution canceled")
	case err != nil:
		log.Error().Err(err).Str("id", res.ID).Msg("Execution failed")
		return fail(res, models.StatusFailed, models.ErrCodeExecutionFailed, err.Error())
	}

	if out.ExitCode != 0 {
		msg := strings.TrimSpace(string(out.Stderr))
		if parsed, perr := ParseOutput(out.Stdout); perr == nil && parsed.IsError {
			msg = parsed.Result
		}
		log.Error().Str("id", res.ID).Int("exit_code", out.ExitCode).Str("message", msg).Msg("Execution failed")
		return fail(res, models.StatusFailed, models.ErrCodeExecutionFailed, msg)
	}

	res.Status = models.StatusCompleted
	parsed, perr := ParseOutput(out.Stdout)
	if perr != nil {
		log.Warn().Err(perr).Str("id", res.ID).Msg("Unstructured model output, returning raw stdout")
		res.Result = string(out.Stdout)
		return res
	}

	res.Result = parsed.Result
	res.Output = parsed
	log.Info().
		Str("id", res.ID).
		Dur("elapsed", time.Since(start)).
		Int64("api_ms", parsed.DurationAPIMs).
		Msg("Execution completed")
	return res
}

func (d *Dispatcher) resolve(req *models.ExecutionRequest) resolved {
	r := resolved{
		workingDir:      req.WorkingDir,
		allowedTools:    req.AllowedTools,
		disallowedTools: req.DisallowedTools,
	}
	if r.workingDir == "" {
		r.workingDir = d.cfg.DefaultWorkingDir
	}
	if r.disallowedTools == nil {
		r.disallowedTools = d.cfg.DefaultDisallowedTools
	}
	return r
}

func fail(res *models.ExecutionResult, status models.ExecutionStatus, code, msg string) *models.ExecutionResult {
	res.Status = status
	res.Result = ""
	res.Output = nil
	res.Error = &models.ErrorInfo{Code: code, Message: msg}
	return res
}
