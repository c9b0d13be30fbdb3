// Package pipeline is the request composition root:
//
//	admission check → classification (classify calls) or agent merge and
//	prompt assembly (chat calls) → dispatch → best-effort persistence
//
// No step is rolled back when a later one fails; a consumed admission token
// is not refunded.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/dispatcher/internal/ratelimit"
	"github.com/agentoven/dispatcher/internal/router"
	"github.com/agentoven/dispatcher/internal/semantic"
	"github.com/agentoven/dispatcher/internal/store"
	"github.com/agentoven/dispatcher/internal/summarylock"
	"github.com/agentoven/dispatcher/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrRateLimited is returned when the project's admission bucket is empty.
	ErrRateLimited = ratelimit.ErrRateLimited

	// ErrLockContention is returned when another holder owns a live summary lock.
	ErrLockContention = errors.New("summary lock held by another holder")

	// ErrSemanticDisabled is returned by SyncProject without a semantic index.
	ErrSemanticDisabled = errors.New("semantic search is disabled")

	// ErrEmptyText is returned for a classify call without text.
	ErrEmptyText = errors.New("text is required")
)

// Config holds pipeline defaults.
type Config struct {
	// IsolatedDir is the working directory for isolated agents and for
	// classification and summarization runs.
	IsolatedDir string

	// BaseURL prefixes execution detail links in user context.
	BaseURL string

	SummaryModel   string
	SummaryTimeout time.Duration
}

// Pipeline glues admission, routing, dispatch and storage together.
type Pipeline struct {
	store      store.Store
	limiter    *ratelimit.Limiter
	router     *router.Router
	dispatcher router.Dispatcher
	locker     *summarylock.Locker
	indexer    semantic.Indexer
	cfg        Config
	now        func() time.Time

	background sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithIndexer enables SyncProject.
func WithIndexer(ix semantic.Indexer) Option {
	return func(p *Pipeline) { p.indexer = ix }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a pipeline.
func New(st store.Store, limiter *ratelimit.Limiter, r *router.Router, d router.Dispatcher, locker *summarylock.Locker, cfg Config, opts ...Option) *Pipeline {
	if cfg.SummaryModel == "" {
		cfg.SummaryModel = models.DefaultClassifyModel
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = 120 * time.Second
	}
	p := &Pipeline{
		store:      st,
		limiter:    limiter,
		router:     r,
		dispatcher: d,
		locker:     locker,
		cfg:        cfg,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Wait blocks until background summarization jobs finish.
func (p *Pipeline) Wait() { p.background.Wait() }

// WaitContext is Wait bounded by ctx. Jobs still running when ctx ends are
// left to finish on their own.
func (p *Pipeline) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background summarization still running: %w", ctx.Err())
	}
}

// ── Classify ────────────────────────────────────────────────

// ClassifyRequest is the input of a classify call.
type ClassifyRequest struct {
	Text      string `json:"text"`
	Source    string `json:"source,omitempty"`
	Requester string `json:"requester,omitempty"`
}

// Classify routes text to one of the project's agents. Router faults never
// surface; only an unknown project, an empty agent set, admission and
// storage reads fail the call.
func (p *Pipeline) Classify(ctx context.Context, projectID string, req ClassifyRequest) (*models.ClassificationResult, error) {
	if req.Text == "" {
		return nil, ErrEmptyText
	}
	project, err := p.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := p.limiter.Check(project.ID, project.RateLimitRPM); err != nil {
		return nil, err
	}

	agents, err := p.store.ListAgents(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	if len(agents) == 0 {
		return nil, &store.ErrNotFound{Entity: "agents for project", Key: projectID}
	}

	res := p.router.Classify(ctx, req.Text, projectID, agents, router.SettingsFor(project))

	entry := &models.ClassificationLog{
		ProjectID:      projectID,
		Source:         req.Source,
		Requester:      req.Requester,
		Text:           req.Text,
		Agent:          res.Agent,
		Method:         res.Method,
		Confidence:     res.Confidence,
		MatchedKeyword: res.MatchedKeyword,
		Reasoning:      res.Reasoning,
		Model:          res.Model,
		DurationMs:     res.DurationMs,
	}
	if err := p.store.CreateClassificationLog(ctx, entry); err != nil {
		log.Error().Err(err).Str("agent", res.Agent).Msg("Failed to save classification log")
	}
	return res, nil
}

// ── Chat ────────────────────────────────────────────────────

// Chat dispatches one request on behalf of a project. An unknown project
// runs unlimited and without project defaults. The returned result always
// carries a terminal status; the error is non-nil only when admission or a
// storage read fails.
func (p *Pipeline) Chat(ctx context.Context, projectID string, in *models.ExecutionRequest) (*models.ExecutionResult, error) {
	req := *in
	originalMessage := req.UserMessage

	project, err := p.store.GetProject(ctx, projectID)
	switch {
	case store.IsNotFound(err):
		project = nil
	case err != nil:
		return nil, fmt.Errorf("get project: %w", err)
	default:
		if err := p.limiter.Check(project.ID, project.RateLimitRPM); err != nil {
			return nil, err
		}
	}

	var (
		agentTools []string
		isolated   bool
	)
	if req.Agent != "" {
		agent, err := p.store.GetAgent(ctx, projectID, req.Agent)
		switch {
		case err == nil:
			if agent.StaticResponse {
				return p.staticResponse(ctx, projectID, &req, agent), nil
			}
			mergeAgent(&req, agent)
			agentTools = agent.Tools
			isolated = agent.Isolated
		case !store.IsNotFound(err):
			return nil, fmt.Errorf("get agent: %w", err)
		}
	}

	if req.WorkingDir == "" && isolated {
		req.WorkingDir = p.cfg.IsolatedDir
	}
	if project != nil {
		applyProjectDefaults(&req, project, agentTools)
	} else if req.AllowedTools == nil {
		req.AllowedTools = agentTools
	}

	var uc *models.UserContext
	contextText := ""
	if req.IncludeContext && req.Requester != "" && project != nil && project.EnableUserContext {
		uc, err = p.UserContext(ctx, req.Requester)
		if err != nil {
			log.Warn().Err(err).Str("user", req.Requester).Msg("Failed to load user context")
		} else {
			contextText = FormatUserContext(uc, p.cfg.BaseURL, p.now())
		}
	}

	instruction := req.Instruction
	req.UserMessage = FormatStructuredMessage(instruction, contextText, originalMessage)
	req.Instruction = ""
	req.Project = projectID

	res := p.dispatcher.Execute(ctx, &req)

	p.saveExecution(ctx, &req, res, instruction, originalMessage)

	if uc != nil && uc.NeedsSummary {
		p.summarizeInBackground(req.Requester)
	}
	return res, nil
}

// mergeAgent folds a routed agent's settings into the request. Request
// values win; the agent instruction is prepended.
func mergeAgent(req *models.ExecutionRequest, agent *models.Agent) {
	if agent.Instruction != "" {
		if req.Instruction != "" {
			req.Instruction = agent.Instruction + "\n\n" + req.Instruction
		} else {
			req.Instruction = agent.Instruction
		}
	}
	if req.Model == "" {
		req.Model = agent.Model
	}
	if req.Timeout == 0 && agent.Timeout > 0 {
		req.Timeout = agent.Timeout
	}
}

func applyProjectDefaults(req *models.ExecutionRequest, project *models.Project, agentTools []string) {
	if req.WorkingDir == "" {
		req.WorkingDir = project.WorkingDir
	}
	if req.AllowedTools == nil {
		req.AllowedTools = unionTools(agentTools, project.AllowedTools)
	}
	if req.DisallowedTools == nil {
		req.DisallowedTools = project.DisallowedTools
	}
	if req.SystemPrompt == "" {
		req.SystemPrompt = project.SystemPrompt
	}
}

// unionTools keeps agent order and appends unseen project tools. Nil when
// both are nil.
func unionTools(agent, project []string) []string {
	if agent == nil {
		return project
	}
	merged := append([]string(nil), agent...)
	for _, t := range project {
		found := false
		for _, m := range merged {
			if m == t {
				found = true
				break
			}
		}
		if !found {
			merged = append(merged, t)
		}
	}
	return merged
}

func (p *Pipeline) staticResponse(ctx context.Context, projectID string, req *models.ExecutionRequest, agent *models.Agent) *models.ExecutionResult {
	now := p.now()
	res := &models.ExecutionResult{
		ID:      uuid.NewString(),
		Status:  models.StatusCompleted,
		Created: now.Unix(),
		Result:  agent.Instruction,
		Project: projectID,
	}
	req.Project = projectID
	p.saveExecution(ctx, req, res, "", req.UserMessage)
	return res
}

func (p *Pipeline) saveExecution(ctx context.Context, req *models.ExecutionRequest, res *models.ExecutionResult, instruction, message string) {
	exec := &models.Execution{
		ID:          res.ID,
		ProjectID:   res.Project,
		Source:      req.Source,
		Requester:   req.Requester,
		Agent:       req.Agent,
		Instruction: instruction,
		UserMessage: message,
		Response:    res.Result,
		Status:      res.Status,
		Model:       req.Model,
		DurationMs:  res.DurationMs,
		Metadata:    req.Metadata,
		CreatedAt:   time.Unix(res.Created, 0).UTC(),
	}
	if res.Error != nil {
		exec.ErrorMessage = res.Error.Message
	}
	if out := res.Output; out != nil {
		if m := firstModel(out.ModelUsage); m != "" {
			exec.Model = m
		}
		exec.SessionID = out.SessionID
		if out.TotalCostUSD != nil {
			exec.CostUSD = *out.TotalCostUSD
		}
		if out.Usage != nil {
			exec.InputTokens = out.Usage.InputTokens
			exec.OutputTokens = out.Usage.OutputTokens
		}
	}
	if err := p.store.CreateExecution(ctx, exec); err != nil {
		log.Error().Err(err).Str("execution_id", res.ID).Msg("Failed to save execution")
	}
}

// firstModel returns the lexically first model name so the choice is
// stable across runs.
func firstModel(usage map[string]models.ModelUsage) string {
	if len(usage) == 0 {
		return ""
	}
	names := make([]string, 0, len(usage))
	for name := range usage {
		names = append(names, name)
	}
	sort.Strings(names)
	return names[0]
}

// ── Semantic index ──────────────────────────────────────────

// SyncProject pushes the project's agent examples into the semantic index.
func (p *Pipeline) SyncProject(ctx context.Context, projectID string) (int, error) {
	if p.indexer == nil {
		return 0, ErrSemanticDisabled
	}
	if _, err := p.store.GetProject(ctx, projectID); err != nil {
		return 0, err
	}
	agents, err := p.store.ListAgents(ctx, projectID)
	if err != nil {
		return 0, fmt.Errorf("list agents: %w", err)
	}
	return p.indexer.Sync(ctx, projectID, agents)
}

// GetExecution returns a persisted execution record.
func (p *Pipeline) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	return p.store.GetExecution(ctx, id)
}
