// Package router picks the agent for a free-text request.
//
// Tiers run in order and the first one that produces a result wins:
//
//	keyword (substring or /regex/ rules) → semantic retrieval →
//	model-assisted classification → fixed fallback
//
// Classify never fails. A tier that errors internally is logged and skipped.
package router

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/agentoven/dispatcher/internal/metrics"
	"github.com/agentoven/dispatcher/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	// FallbackConfidence is reported when no tier matched.
	FallbackConfidence = 0.5
	// FallbackReasoning is reported when no tier matched.
	FallbackReasoning = "No match found"
)

var tracer = otel.Tracer("dispatcher/router")

// Settings are the per-project classification knobs.
type Settings struct {
	FallbackAgent string
	Model         string
	Timeout       time.Duration
}

// SettingsFor derives classification settings from a project.
func SettingsFor(p *models.Project) Settings {
	s := Settings{
		FallbackAgent: p.FallbackAgent,
		Model:         p.ClassifyModel,
		Timeout:       time.Duration(p.ClassifyTimeout) * time.Second,
	}
	if s.FallbackAgent == "" {
		s.FallbackAgent = models.DefaultFallbackAgent
	}
	if s.Model == "" {
		s.Model = models.DefaultClassifyModel
	}
	if s.Timeout <= 0 {
		s.Timeout = models.DefaultClassifyTimeout * time.Second
	}
	return s
}

// Request is the input every tier sees. Agents are already sorted.
type Request struct {
	Text      string
	Lower     string
	ProjectID string
	Agents    []models.Agent
	Settings  Settings
}

// Tier is one classification strategy. ok is false when the tier has no
// opinion and the next tier should run.
type Tier interface {
	Name() string
	Classify(ctx context.Context, req *Request) (res *models.ClassificationResult, ok bool)
}

// Router runs tiers in order.
type Router struct {
	tiers   []Tier
	metrics *metrics.Metrics
}

// New creates a router over the given tiers. m may be nil.
func New(m *metrics.Metrics, tiers ...Tier) *Router {
	return &Router{tiers: tiers, metrics: m}
}

// Classify returns the first tier's result, or the project's fallback agent.
func (r *Router) Classify(ctx context.Context, text, projectID string, agents []models.Agent, settings Settings) *models.ClassificationResult {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "router.Classify",
		trace.WithAttributes(
			attribute.String("classify.project", projectID),
			attribute.Int("classify.agents", len(agents)),
		),
	)
	defer span.End()

	req := &Request{
		Text:      text,
		Lower:     strings.ToLower(text),
		ProjectID: projectID,
		Agents:    SortAgents(agents),
		Settings:  settings,
	}

	res := r.runTiers(ctx, req)
	if res == nil {
		res = &models.ClassificationResult{
			Agent:      settings.FallbackAgent,
			Confidence: FallbackConfidence,
			Method:     models.MethodFallback,
			Reasoning:  FallbackReasoning,
		}
	}
	res.DurationMs = time.Since(start).Milliseconds()

	span.SetAttributes(
		attribute.String("classify.agent", res.Agent),
		attribute.String("classify.method", string(res.Method)),
		attribute.Float64("classify.confidence", res.Confidence),
	)
	r.metrics.RecordClassification(string(res.Method))
	log.Debug().
		Str("project", projectID).
		Str("agent", res.Agent).
		Str("method", string(res.Method)).
		Float64("confidence", res.Confidence).
		Int64("duration_ms", res.DurationMs).
		Msg("Classified request")
	return res
}

func (r *Router) runTiers(ctx context.Context, req *Request) *models.ClassificationResult {
	for _, tier := range r.tiers {
		tierCtx, span := tracer.Start(ctx, "router.tier."+tier.Name())
		t0 := time.Now()
		res, ok := tier.Classify(tierCtx, req)
		r.metrics.ObserveTier(tier.Name(), ok, time.Since(t0))
		span.SetAttributes(attribute.Bool("tier.matched", ok))
		span.End()
		if ok && res != nil {
			return res
		}
	}
	return nil
}

// SortAgents returns a copy ordered by priority descending. Equal priorities
// keep declared order (Position, then input order).
func SortAgents(agents []models.Agent) []models.Agent {
	sorted := make([]models.Agent, len(agents))
	copy(sorted, agents)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority > sorted[j].Priority
		}
		return sorted[i].Position < sorted[j].Position
	})
	return sorted
}

// resultFor builds a result carrying the agent's execution fields.
func resultFor(agent *models.Agent, confidence float64, method models.ClassificationMethod, reasoning, keyword string) *models.ClassificationResult {
	res := &models.ClassificationResult{
		Agent:          agent.Name,
		Confidence:     confidence,
		Method:         method,
		Reasoning:      reasoning,
		MatchedKeyword: keyword,
		Model:          agent.Model,
		AllowedTools:   agent.Tools,
		Timeout:        agent.Timeout,
	}
	if agent.StaticResponse {
		res.StaticResponse = agent.Instruction
	} else {
		res.Instruction = agent.Instruction
	}
	return res
}
