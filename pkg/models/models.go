// Package models holds the domain types shared by the dispatcher's
// components and its storage and HTTP collaborators.
package models

import (
	"encoding/json"
	"time"
)

// ── Defaults ─────────────────────────────────────────────────

const (
	DefaultAgentModel      = "haiku"
	DefaultAgentPriority   = 50
	DefaultAgentTimeout    = 300
	DefaultFallbackAgent   = "general"
	DefaultClassifyModel   = "haiku"
	DefaultClassifyTimeout = 30
)

// ── Project ──────────────────────────────────────────────────

// Project is a tenant: an isolated configuration scope owning its agents,
// rate limit and execution defaults.
type Project struct {
	ID                string    `json:"id" yaml:"id"`
	Name              string    `json:"name" yaml:"name"`
	SystemPrompt      string    `json:"system_prompt,omitempty" yaml:"system_prompt"`
	AllowedTools      []string  `json:"allowed_tools,omitempty" yaml:"allowed_tools"`
	DisallowedTools   []string  `json:"disallowed_tools,omitempty" yaml:"disallowed_tools"`
	WorkingDir        string    `json:"working_dir,omitempty" yaml:"working_dir"`
	IsDefault         bool      `json:"is_default" yaml:"is_default"`
	EnableUserContext bool      `json:"enable_user_context" yaml:"enable_user_context"`
	FallbackAgent     string    `json:"fallback_agent" yaml:"fallback_agent"`
	ClassifyModel     string    `json:"classify_model" yaml:"classify_model"`
	ClassifyTimeout   int       `json:"classify_timeout" yaml:"classify_timeout"` // seconds
	RateLimitRPM      int       `json:"rate_limit_rpm" yaml:"rate_limit_rpm"`     // 0 = unlimited
	CreatedAt         time.Time `json:"created_at" yaml:"-"`
	UpdatedAt         time.Time `json:"updated_at" yaml:"-"`
}

// ApplyDefaults fills unset classification settings.
func (p *Project) ApplyDefaults() {
	if p.Name == "" {
		p.Name = p.ID
	}
	if p.FallbackAgent == "" {
		p.FallbackAgent = DefaultFallbackAgent
	}
	if p.ClassifyModel == "" {
		p.ClassifyModel = DefaultClassifyModel
	}
	if p.ClassifyTimeout <= 0 {
		p.ClassifyTimeout = DefaultClassifyTimeout
	}
}

// ── Agent ────────────────────────────────────────────────────

// Agent is a task handler a request can be routed to.
//
// Keywords are plain substrings or /regex/ rules. Examples feed the semantic
// index. Position is the declared order inside the project and breaks
// priority ties.
type Agent struct {
	ID             string    `json:"id" yaml:"id"`
	ProjectID      string    `json:"project_id" yaml:"-"`
	Name           string    `json:"name" yaml:"name"`
	Description    string    `json:"description,omitempty" yaml:"description"`
	Model          string    `json:"model" yaml:"model"`
	Priority       int       `json:"priority" yaml:"priority"`
	Position       int       `json:"position" yaml:"-"`
	Keywords       []string  `json:"keywords,omitempty" yaml:"keywords"`
	Examples       []string  `json:"examples,omitempty" yaml:"examples"`
	Instruction    string    `json:"instruction,omitempty" yaml:"instruction"`
	Tools          []string  `json:"tools,omitempty" yaml:"tools"`
	Timeout        int       `json:"timeout" yaml:"timeout"` // seconds
	StaticResponse bool      `json:"static_response" yaml:"static_response"`
	Isolated       bool      `json:"isolated" yaml:"isolated"`
	CreatedAt      time.Time `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time `json:"updated_at" yaml:"-"`
}

// ApplyDefaults fills unset model, priority and timeout.
// A priority of zero is a valid configured value, so it is only defaulted
// through the catalog loader, not here.
func (a *Agent) ApplyDefaults() {
	if a.Model == "" {
		a.Model = DefaultAgentModel
	}
	if a.Timeout <= 0 {
		a.Timeout = DefaultAgentTimeout
	}
	if a.ID == "" {
		a.ID = a.ProjectID + "-" + a.Name
	}
}

// ── Classification ───────────────────────────────────────────

// ClassificationMethod names the tier that produced a result.
type ClassificationMethod string

const (
	MethodKeyword  ClassificationMethod = "keyword"
	MethodSemantic ClassificationMethod = "semantic"
	MethodLLM      ClassificationMethod = "llm"
	MethodFallback ClassificationMethod = "fallback"
)

// ClassificationResult is produced once per classify call and never mutated
// afterwards. Agent is the chosen agent name. For static-response agents the
// instruction is returned in StaticResponse instead of Instruction.
type ClassificationResult struct {
	Agent          string               `json:"agent"`
	Confidence     float64              `json:"confidence"`
	Method         ClassificationMethod `json:"method"`
	Reasoning      string               `json:"reasoning,omitempty"`
	MatchedKeyword string               `json:"matched_keyword,omitempty"`
	DurationMs     int64                `json:"duration_ms"`

	Instruction    string   `json:"instruction,omitempty"`
	Model          string   `json:"model,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
	Timeout        int      `json:"timeout,omitempty"`
	StaticResponse string   `json:"static_response,omitempty"`
}

// ClassificationLog is the persisted record of a classify call.
type ClassificationLog struct {
	ID             string               `json:"id"`
	ProjectID      string               `json:"project_id"`
	Source         string               `json:"source,omitempty"`
	Requester      string               `json:"requester,omitempty"`
	Text           string               `json:"text"`
	Agent          string               `json:"agent"`
	Method         ClassificationMethod `json:"method"`
	Confidence     float64              `json:"confidence"`
	MatchedKeyword string               `json:"matched_keyword,omitempty"`
	Reasoning      string               `json:"reasoning,omitempty"`
	Model          string               `json:"model,omitempty"` // the chosen agent's model
	DurationMs     int64                `json:"duration_ms"`
	CreatedAt      time.Time            `json:"created_at"`
}

// ── Execution ────────────────────────────────────────────────

// ExecutionRequest is read-only input to the dispatcher. Timeout is in
// seconds; zero means the dispatcher default.
type ExecutionRequest struct {
	UserMessage     string          `json:"user_message"`
	Instruction     string          `json:"instruction,omitempty"`
	Project         string          `json:"project,omitempty"`
	Requester       string          `json:"requester,omitempty"`
	Source          string          `json:"source,omitempty"`
	Agent           string          `json:"agent,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	Model           string          `json:"model,omitempty"`
	FallbackModel   string          `json:"fallback_model,omitempty"`
	AllowedTools    []string        `json:"allowed_tools,omitempty"`
	DisallowedTools []string        `json:"disallowed_tools,omitempty"`
	SystemPrompt    string          `json:"system_prompt,omitempty"`
	WorkingDir      string          `json:"working_dir,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	ContinueSession bool            `json:"continue_session,omitempty"`
	ResumeSessionID string          `json:"resume_session_id,omitempty"`
	AddDirs         []string        `json:"add_dirs,omitempty"`
	MCPConfig       json.RawMessage `json:"mcp_config,omitempty"`
	Agents          json.RawMessage `json:"agents,omitempty"`
	Timeout         int             `json:"timeout,omitempty"`
	IncludeContext  bool            `json:"include_context,omitempty"`
}

// ExecutionStatus is the terminal state of one dispatch.
type ExecutionStatus string

const (
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusTimeout   ExecutionStatus = "timeout"
)

// Error codes carried in ErrorInfo.
const (
	ErrCodeInvalidWorkingDir = "invalid_working_dir"
	ErrCodeSpawnFailed       = "spawn_failed"
	ErrCodeExecutionFailed   = "execution_failed"
	ErrCodeTimeout           = "timeout"
	ErrCodeCanceled          = "canceled"
)

// ErrorInfo describes a failed or timed-out execution.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ExecutionResult has exactly one terminal status. Output is set only when
// the process printed parseable structured JSON.
type ExecutionResult struct {
	ID         string          `json:"id"`
	Status     ExecutionStatus `json:"status"`
	Created    int64           `json:"created"`
	Result     string          `json:"result,omitempty"`
	Output     *ModelOutput    `json:"model_output,omitempty"`
	Error      *ErrorInfo      `json:"error,omitempty"`
	Project    string          `json:"project,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

// ModelOutput is the structured JSON the reasoning-model binary prints
// on stdout.
type ModelOutput struct {
	Type          string                `json:"type"`
	Subtype       string                `json:"subtype,omitempty"`
	IsError       bool                  `json:"is_error"`
	DurationMs    int64                 `json:"duration_ms"`
	DurationAPIMs int64                 `json:"duration_api_ms,omitempty"`
	NumTurns      int                   `json:"num_turns,omitempty"`
	Result        string                `json:"result"`
	SessionID     string                `json:"session_id"`
	TotalCostUSD  *float64              `json:"total_cost_usd,omitempty"`
	Usage         *Usage                `json:"usage,omitempty"`
	ModelUsage    map[string]ModelUsage `json:"modelUsage,omitempty"`
	UUID          string                `json:"uuid,omitempty"`
}

// Usage is the aggregate token accounting of one run.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
}

// ModelUsage is the per-model token accounting of one run.
type ModelUsage struct {
	InputTokens              int64   `json:"inputTokens"`
	OutputTokens             int64   `json:"outputTokens"`
	CacheReadInputTokens     int64   `json:"cacheReadInputTokens,omitempty"`
	CacheCreationInputTokens int64   `json:"cacheCreationInputTokens,omitempty"`
	CostUSD                  float64 `json:"costUSD,omitempty"`
}

// Execution is the persisted record of one chat dispatch.
type Execution struct {
	ID           string          `json:"id"`
	ProjectID    string          `json:"project_id"`
	Source       string          `json:"source,omitempty"`
	Requester    string          `json:"requester,omitempty"`
	Agent        string          `json:"agent,omitempty"`
	Instruction  string          `json:"instruction,omitempty"`
	UserMessage  string          `json:"user_message"`
	Response     string          `json:"response,omitempty"`
	Status       ExecutionStatus `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Model        string          `json:"model,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
	CostUSD      float64         `json:"cost_usd,omitempty"`
	InputTokens  int64           `json:"input_tokens,omitempty"`
	OutputTokens int64           `json:"output_tokens,omitempty"`
	DurationMs   int64           `json:"duration_ms"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// ── User context ─────────────────────────────────────────────

// UserRule is a standing preference for one end user.
type UserRule struct {
	ID        string    `json:"id"`
	Rule      string    `json:"rule"`
	CreatedAt time.Time `json:"created_at"`
}

// UserSummary is the rolling summary of an end user's past requests.
type UserSummary struct {
	UserID           string     `json:"user_id"`
	Summary          string     `json:"summary,omitempty"`
	LastSummarizedAt *time.Time `json:"last_summarized_at,omitempty"`
}

// SummaryLock is the advisory lock guarding one user's summarization job.
type SummaryLock struct {
	UserID     string    `json:"user_id"`
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// UserContext is everything the pipeline knows about an end user when
// assembling a prompt.
type UserContext struct {
	UserID         string       `json:"user_id"`
	Summary        string       `json:"summary,omitempty"`
	Rules          []UserRule   `json:"rules,omitempty"`
	RecentRequests []Execution  `json:"recent_requests,omitempty"`
	NeedsSummary   bool         `json:"needs_summary"`
	Lock           *SummaryLock `json:"lock,omitempty"`
}
