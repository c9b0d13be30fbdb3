package router_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/agentoven/dispatcher/internal/executor"
	"github.com/agentoven/dispatcher/internal/pattern"
	"github.com/agentoven/dispatcher/internal/process/processtest"
	"github.com/agentoven/dispatcher/internal/router"
	"github.com/agentoven/dispatcher/internal/semantic"
	"github.com/agentoven/dispatcher/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSearcher struct {
	matches []semantic.Match
	err     error
	calls   int
}

func (f *fakeSearcher) Search(_ context.Context, _, _ string) ([]semantic.Match, error) {
	f.calls++
	return f.matches, f.err
}

type fakeDispatcher struct {
	result *models.ExecutionResult
	reqs   []*models.ExecutionRequest
}

func (f *fakeDispatcher) Execute(_ context.Context, req *models.ExecutionRequest) *models.ExecutionResult {
	f.reqs = append(f.reqs, req)
	if f.result == nil {
		return &models.ExecutionResult{Status: models.StatusFailed, Error: &models.ErrorInfo{Code: "x"}}
	}
	return f.result
}

func completed(text string) *models.ExecutionResult {
	return &models.ExecutionResult{Status: models.StatusCompleted, Result: text}
}

var settings = router.Settings{FallbackAgent: "general", Model: "haiku", Timeout: 30 * time.Second}

func testAgents() []models.Agent {
	return []models.Agent{
		{ID: "p-reviewer", Name: "reviewer", Description: "Reviews merge requests", Priority: 50, Position: 0,
			Keywords: []string{"review", "/\\bMR\\s*!\\d+/"}, Instruction: "/mr --review", Model: "sonnet", Timeout: 120},
		{ID: "p-deployer", Name: "deployer", Description: "Deploys services", Priority: 80, Position: 1,
			Keywords: []string{"deploy"}, Tools: []string{"Bash"}},
		{ID: "p-faq", Name: "faq", Description: "", Priority: 10, Position: 2,
			Keywords: []string{"office hours"}, Instruction: "Office hours are 9-5.", StaticResponse: true},
		{ID: "p-general", Name: "general", Description: "Anything else", Priority: 0, Position: 3},
	}
}

type testRouter struct {
	*router.Router
	searcher   *fakeSearcher
	dispatcher *fakeDispatcher
}

func newTestRouter(t *testing.T) *testRouter {
	t.Helper()
	s := &fakeSearcher{}
	d := &fakeDispatcher{}
	r := router.New(nil,
		router.NewKeywordTier(pattern.NewCache(nil)),
		router.NewSemanticTier(s),
		router.NewModelTier(d, "/tmp/isolated"),
	)
	return &testRouter{Router: r, searcher: s, dispatcher: d}
}

// ── Keyword tier ─────────────────────────────────────────────

func TestKeyword_WinsRegardlessOfOtherTiers(t *testing.T) {
	r := newTestRouter(t)
	r.searcher.matches = []semantic.Match{{AgentID: "p-general", Score: 0.99}}
	r.dispatcher.result = completed(`{"agent":"general"}`)

	res := r.Classify(context.Background(), "please REVIEW my change", "p", testAgents(), settings)

	assert.Equal(t, models.MethodKeyword, res.Method)
	assert.Equal(t, router.KeywordConfidence, res.Confidence)
	assert.Equal(t, "reviewer", res.Agent)
	assert.Equal(t, "review", res.MatchedKeyword)
	assert.Equal(t, "Matched 'review' → reviewer", res.Reasoning)
	assert.Equal(t, "/mr --review", res.Instruction)
	assert.Equal(t, "sonnet", res.Model)
	assert.Equal(t, 120, res.Timeout)
	assert.Zero(t, r.searcher.calls)
	assert.Empty(t, r.dispatcher.reqs)
}

func TestKeyword_PriorityOrder(t *testing.T) {
	r := newTestRouter(t)

	// both reviewer and deployer match; deployer has higher priority
	res := r.Classify(context.Background(), "review and deploy", "p", testAgents(), settings)

	assert.Equal(t, "deployer", res.Agent)
	assert.Equal(t, "deploy", res.MatchedKeyword)
	assert.Equal(t, []string{"Bash"}, res.AllowedTools)
}

func TestKeyword_TieBrokenByDeclaredOrder(t *testing.T) {
	r := newTestRouter(t)
	agents := []models.Agent{
		{ID: "b", Name: "second", Priority: 10, Position: 1, Keywords: []string{"help"}},
		{ID: "a", Name: "first", Priority: 10, Position: 0, Keywords: []string{"help"}},
	}

	res := r.Classify(context.Background(), "help me", "p", agents, settings)

	assert.Equal(t, "first", res.Agent)
}

func TestKeyword_Regex(t *testing.T) {
	r := newTestRouter(t)

	res := r.Classify(context.Background(), "can you look at mr !123", "p", testAgents(), settings)

	assert.Equal(t, models.MethodKeyword, res.Method)
	assert.Equal(t, "reviewer", res.Agent)
	assert.Equal(t, "/\\bMR\\s*!\\d+/", res.MatchedKeyword)
}

func TestKeyword_MalformedRegexNeverMatches(t *testing.T) {
	r := newTestRouter(t)
	agents := []models.Agent{{ID: "x", Name: "broken", Priority: 99, Keywords: []string{"/([bad/"}}}

	for i := 0; i < 3; i++ {
		res := r.Classify(context.Background(), "([bad", "p", agents, settings)
		assert.Equal(t, models.MethodFallback, res.Method)
	}
}

func TestKeyword_StaticResponse(t *testing.T) {
	r := newTestRouter(t)

	res := r.Classify(context.Background(), "what are the office hours?", "p", testAgents(), settings)

	assert.Equal(t, "faq", res.Agent)
	assert.Equal(t, "Office hours are 9-5.", res.StaticResponse)
	assert.Empty(t, res.Instruction)
}

// ── Semantic tier ────────────────────────────────────────────

func TestAdjustedScore(t *testing.T) {
	assert.InDelta(t, 0.624, router.AdjustedScore(0.6, 40), 1e-9)
	assert.InDelta(t, 0.6, router.AdjustedScore(0.6, -20), 1e-9)
	assert.Greater(t, router.AdjustedScore(0.99, 500), 1.0)
}

func TestSemantic_BestAdjustedScoreWins(t *testing.T) {
	r := newTestRouter(t)
	r.searcher.matches = []semantic.Match{
		{AgentID: "p-reviewer", Score: 0.70, Example: "check my MR"},    // 0.70 * 1.05 = 0.735
		{AgentID: "p-deployer", Score: 0.69, Example: "ship to prod"},   // 0.69 * 1.08 = 0.7452
		{AgentID: "unknown-agent", Score: 0.95, Example: "ignored"},
	}

	res := r.Classify(context.Background(), "something vague", "p", testAgents(), settings)

	assert.Equal(t, models.MethodSemantic, res.Method)
	assert.Equal(t, "deployer", res.Agent)
	assert.InDelta(t, 0.7452, res.Confidence, 1e-9)
	assert.Equal(t, "Semantic match (raw: 0.69, adjusted: 0.75, priority: 80) → 'ship to prod'", res.Reasoning)
	assert.Empty(t, res.MatchedKeyword)
	assert.Empty(t, r.dispatcher.reqs)
}

func TestSemantic_ConfidenceCapped(t *testing.T) {
	r := newTestRouter(t)
	agents := []models.Agent{{ID: "hot", Name: "hot", Priority: 500}}
	r.searcher.matches = []semantic.Match{{AgentID: "hot", Score: 0.99, Example: "x"}}

	res := r.Classify(context.Background(), "anything", "p", agents, settings)

	assert.Equal(t, models.MethodSemantic, res.Method)
	assert.Equal(t, 1.0, res.Confidence)
}

func TestSemantic_TieKeepsFirstSeen(t *testing.T) {
	r := newTestRouter(t)
	agents := []models.Agent{
		{ID: "a", Name: "a", Priority: 10},
		{ID: "b", Name: "b", Priority: 10},
	}
	r.searcher.matches = []semantic.Match{{AgentID: "b", Score: 0.8}, {AgentID: "a", Score: 0.8}}

	res := r.Classify(context.Background(), "anything", "p", agents, settings)

	assert.Equal(t, "b", res.Agent)
}

func TestSemantic_ErrorSkipsTier(t *testing.T) {
	r := newTestRouter(t)
	r.searcher.err = errors.New("ssearch: connection refused")
	r.dispatcher.result = completed(`{"agent": "deployer", "reasoning": "mentions prod"}`)

	res := r.Classify(context.Background(), "something vague", "p", testAgents(), settings)

	assert.Equal(t, models.MethodLLM, res.Method)
	assert.Equal(t, 1, r.searcher.calls)
}

// ── Model-assisted tier ──────────────────────────────────────

func TestModel_ParsesJSONChoice(t *testing.T) {
	r := newTestRouter(t)
	r.dispatcher.result = completed("Sure!\n```json\n{\"agent\": \"reviewer\", \"reasoning\": \"asks for a review\"}\n```")

	res := r.Classify(context.Background(), "have a look at this", "p", testAgents(), settings)

	assert.Equal(t, models.MethodLLM, res.Method)
	assert.Equal(t, router.LLMConfidence, res.Confidence)
	assert.Equal(t, "reviewer", res.Agent)
	assert.Equal(t, "asks for a review", res.Reasoning)

	require.Len(t, r.dispatcher.reqs, 1)
	req := r.dispatcher.reqs[0]
	assert.Equal(t, "haiku", req.Model)
	assert.Equal(t, 30, req.Timeout)
	assert.Equal(t, "/tmp/isolated", req.WorkingDir)
}

func TestModel_SubSecondTimeoutRoundsUp(t *testing.T) {
	r := newTestRouter(t)
	r.dispatcher.result = completed(`{"agent": "reviewer"}`)

	tests := []struct {
		timeout time.Duration
		want    int
	}{
		{500 * time.Millisecond, 1},
		{1500 * time.Millisecond, 2},
		{2 * time.Second, 2},
	}
	for _, tt := range tests {
		r.dispatcher.reqs = nil
		s := settings
		s.Timeout = tt.timeout
		r.Classify(context.Background(), "have a look at this", "p", testAgents(), s)

		require.Len(t, r.dispatcher.reqs, 1)
		if got := r.dispatcher.reqs[0].Timeout; got != tt.want {
			t.Errorf("Timeout for %v = %d, want %d", tt.timeout, got, tt.want)
		}
	}
}

func TestModel_UnknownAgentFallsBackToNameScan(t *testing.T) {
	r := newTestRouter(t)
	r.dispatcher.result = completed(`{"agent": "release-bot"} but the deployer could do it`)

	res := r.Classify(context.Background(), "have a look at this", "p", testAgents(), settings)

	assert.Equal(t, models.MethodLLM, res.Method)
	assert.Equal(t, "deployer", res.Agent)
	assert.Empty(t, res.Reasoning)
}

func TestModel_FailureFallsThrough(t *testing.T) {
	r := newTestRouter(t)
	r.dispatcher.result = &models.ExecutionResult{Status: models.StatusTimeout, Error: &models.ErrorInfo{Code: models.ErrCodeTimeout}}

	res := r.Classify(context.Background(), "have a look at this", "p", testAgents(), settings)

	assert.Equal(t, models.MethodFallback, res.Method)
	assert.Equal(t, "general", res.Agent)
}

func TestBuildPrompt(t *testing.T) {
	prompt := router.BuildPrompt("fix CI", router.SortAgents(testAgents()), "general")

	assert.Contains(t, prompt, "Request: fix CI")
	assert.Contains(t, prompt, "- deployer: Deploys services\n- reviewer: Reviews merge requests\n- general: General tasks")
	assert.NotContains(t, prompt, "- faq")
	assert.NotContains(t, prompt, "Anything else")
	assert.True(t, strings.HasSuffix(prompt, `{"agent": "NAME", "reasoning": "brief reason"}`))
}

func TestParseChoice(t *testing.T) {
	agents := router.SortAgents(testAgents())

	tests := []struct {
		name      string
		text      string
		want      string
		reasoning string
	}{
		{"strict json", `{"agent":"faq","reasoning":"r"}`, "faq", "r"},
		{"no braces, name present", "I would route this to reviewer.", "", ""},
		{"only opening brace", "{ reviewer", "", ""},
		{"reversed braces", "} deployer {", "deployer", ""},
		{"invalid json, name present", `{agent: faq}`, "faq", ""},
		{"unknown agent, name in reasoning", `{"agent":"nobody","reasoning":"deployer fits"}`, "deployer", ""},
		{"nothing", "no idea", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent, reasoning := router.ParseChoice(tt.text, agents)
			if tt.want == "" {
				assert.Nil(t, agent)
				return
			}
			require.NotNil(t, agent)
			assert.Equal(t, tt.want, agent.Name)
			assert.Equal(t, tt.reasoning, reasoning)
		})
	}
}

// ── Fallback ─────────────────────────────────────────────────

func TestFallback_EmptyAgentsUnparsableModelOutput(t *testing.T) {
	runner := processtest.NewFakeRunner(processtest.Response{Stdout: "I am not sure what you mean"})
	dispatcher := executor.NewDispatcher(runner, executor.Config{}, nil)
	r := router.New(nil,
		router.NewKeywordTier(pattern.NewCache(nil)),
		router.NewSemanticTier(&fakeSearcher{}),
		router.NewModelTier(dispatcher, t.TempDir()),
	)

	res := r.Classify(context.Background(), "hello", "p", nil, router.Settings{FallbackAgent: "helpdesk", Model: "haiku", Timeout: time.Second})

	assert.Equal(t, models.MethodFallback, res.Method)
	assert.Equal(t, router.FallbackConfidence, res.Confidence)
	assert.Equal(t, "helpdesk", res.Agent)
	assert.Equal(t, router.FallbackReasoning, res.Reasoning)
	assert.Len(t, runner.Calls(), 1)
}

func TestSettingsFor(t *testing.T) {
	s := router.SettingsFor(&models.Project{})
	assert.Equal(t, "general", s.FallbackAgent)
	assert.Equal(t, "haiku", s.Model)
	assert.Equal(t, 30*time.Second, s.Timeout)

	s = router.SettingsFor(&models.Project{FallbackAgent: "ops", ClassifyModel: "sonnet", ClassifyTimeout: 5})
	assert.Equal(t, router.Settings{FallbackAgent: "ops", Model: "sonnet", Timeout: 5 * time.Second}, s)
}
