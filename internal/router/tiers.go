package router

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/agentoven/dispatcher/internal/pattern"
	"github.com/agentoven/dispatcher/internal/semantic"
	"github.com/agentoven/dispatcher/pkg/models"
	"github.com/rs/zerolog/log"
)

const (
	KeywordConfidence = 0.95
	LLMConfidence     = 0.80
)

// ── Keyword tier ─────────────────────────────────────────────

// KeywordTier scans agents in priority order and their rules in declared
// order. The first matching rule wins.
type KeywordTier struct {
	patterns *pattern.Cache
}

// NewKeywordTier creates the keyword tier over a shared pattern cache.
func NewKeywordTier(patterns *pattern.Cache) *KeywordTier {
	return &KeywordTier{patterns: patterns}
}

func (t *KeywordTier) Name() string { return string(models.MethodKeyword) }

func (t *KeywordTier) Classify(_ context.Context, req *Request) (*models.ClassificationResult, bool) {
	for i := range req.Agents {
		agent := &req.Agents[i]
		for _, kw := range agent.Keywords {
			if t.patterns.Match(kw, req.Text, req.Lower) {
				reasoning := fmt.Sprintf("Matched '%s' → %s", kw, agent.Name)
				return resultFor(agent, KeywordConfidence, models.MethodKeyword, reasoning, kw), true
			}
		}
	}
	return nil, false
}

// ── Semantic tier ────────────────────────────────────────────

// SemanticTier asks a Searcher for similar examples and boosts each
// candidate by its agent's priority.
type SemanticTier struct {
	searcher semantic.Searcher
}

// NewSemanticTier creates the semantic tier.
func NewSemanticTier(s semantic.Searcher) *SemanticTier {
	return &SemanticTier{searcher: s}
}

func (t *SemanticTier) Name() string { return string(models.MethodSemantic) }

func (t *SemanticTier) Classify(ctx context.Context, req *Request) (*models.ClassificationResult, bool) {
	matches, err := t.searcher.Search(ctx, req.Text, req.ProjectID)
	if err != nil {
		log.Debug().Err(err).Str("project", req.ProjectID).Msg("Semantic search unavailable, skipping tier")
		return nil, false
	}

	var (
		best      *models.Agent
		bestMatch semantic.Match
		bestScore float64
	)
	for _, m := range matches {
		agent := findByID(req.Agents, m.AgentID)
		if agent == nil {
			continue
		}
		adjusted := AdjustedScore(m.Score, agent.Priority)
		if best == nil || adjusted > bestScore {
			best, bestMatch, bestScore = agent, m, adjusted
		}
	}
	if best == nil {
		return nil, false
	}

	reasoning := fmt.Sprintf("Semantic match (raw: %.2f, adjusted: %.2f, priority: %d) → '%s'",
		bestMatch.Score, bestScore, best.Priority, bestMatch.Example)
	return resultFor(best, math.Min(bestScore, 1.0), models.MethodSemantic, reasoning, ""), true
}

// AdjustedScore boosts a raw similarity by priority/1000. Negative
// priorities get no boost.
func AdjustedScore(raw float64, priority int) float64 {
	return raw * (1 + float64(max(priority, 0))/1000)
}

// ── Model-assisted tier ──────────────────────────────────────

// Dispatcher runs an execution request to completion.
type Dispatcher interface {
	Execute(ctx context.Context, req *models.ExecutionRequest) *models.ExecutionResult
}

// ModelTier asks the reasoning model to pick an agent by description.
type ModelTier struct {
	dispatcher Dispatcher
	workDir    string
}

// NewModelTier creates the model-assisted tier. workDir is the isolated
// directory the classification process runs in.
func NewModelTier(d Dispatcher, workDir string) *ModelTier {
	return &ModelTier{dispatcher: d, workDir: workDir}
}

func (t *ModelTier) Name() string { return string(models.MethodLLM) }

func (t *ModelTier) Classify(ctx context.Context, req *Request) (*models.ClassificationResult, bool) {
	exec := t.dispatcher.Execute(ctx, &models.ExecutionRequest{
		UserMessage: BuildPrompt(req.Text, req.Agents, req.Settings.FallbackAgent),
		Project:     req.ProjectID,
		Model:       req.Settings.Model,
		Timeout:     timeoutSeconds(req.Settings.Timeout),
		WorkingDir:  t.workDir,
	})
	if exec.Status != models.StatusCompleted || exec.Result == "" {
		ev := log.Debug().Str("project", req.ProjectID).Str("status", string(exec.Status))
		if exec.Error != nil {
			ev = ev.Str("code", exec.Error.Code)
		}
		ev.Msg("Model classification unavailable, skipping tier")
		return nil, false
	}

	agent, reasoning := ParseChoice(exec.Result, req.Agents)
	if agent == nil {
		return nil, false
	}
	return resultFor(agent, LLMConfidence, models.MethodLLM, reasoning, ""), true
}

// timeoutSeconds rounds up so a sub-second timeout does not become 0,
// which the dispatcher reads as "use the default".
func timeoutSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// BuildPrompt lists every described agent except the fallback, then the
// fallback as the catch-all option.
func BuildPrompt(text string, agents []models.Agent, fallback string) string {
	var lines []string
	for _, a := range agents {
		if a.Description == "" || a.Name == fallback {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s: %s", a.Name, a.Description))
	}

	var b strings.Builder
	b.WriteString("Classify the request into the most appropriate agent.\n\n")
	fmt.Fprintf(&b, "Request: %s\n\n", text)
	b.WriteString("Available agents:\n")
	b.WriteString(strings.Join(lines, "\n"))
	fmt.Fprintf(&b, "\n- %s: General tasks not matching above categories\n\n", fallback)
	b.WriteString(`Respond ONLY with JSON: {"agent": "NAME", "reasoning": "brief reason"}`)
	return b.String()
}

// ParseChoice extracts the chosen agent from model output. Output without
// both braces yields no choice. Otherwise the span between the first '{'
// and the last '}' is parsed as JSON; when the span is reversed, fails to
// parse or names an unknown agent, the first agent whose name appears in
// the text wins.
func ParseChoice(text string, agents []models.Agent) (*models.Agent, string) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < 0 {
		return nil, ""
	}
	if end > start {
		var parsed struct {
			Agent     *string `json:"agent"`
			Reasoning string  `json:"reasoning"`
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err == nil && parsed.Agent != nil {
			if agent := findByName(agents, *parsed.Agent); agent != nil {
				return agent, parsed.Reasoning
			}
		}
	}

	for i := range agents {
		if agents[i].Name != "" && strings.Contains(text, agents[i].Name) {
			return &agents[i], ""
		}
	}
	return nil, ""
}

func findByID(agents []models.Agent, id string) *models.Agent {
	for i := range agents {
		if agents[i].ID == id {
			return &agents[i]
		}
	}
	return nil
}

func findByName(agents []models.Agent, name string) *models.Agent {
	for i := range agents {
		if agents[i].Name == name {
			return &agents[i]
		}
	}
	return nil
}
