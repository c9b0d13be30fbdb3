package semantic_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/agentoven/dispatcher/internal/process"
	"github.com/agentoven/dispatcher/internal/process/processtest"
	"github.com/agentoven/dispatcher/internal/semantic"
	"github.com/agentoven/dispatcher/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const searchJSON = `{"results":[
  {"content":"deploy the service","score":0.91,"tags":[{"key":"type","value":"agent-routing"},{"key":"agent","value":"web-deployer"}]},
  {"content":"too weak","score":0.30,"tags":[{"key":"agent","value":"web-deployer"}]},
  {"content":"untagged","score":0.99,"tags":[{"key":"project","value":"web"}]},
  {"content":"review this MR","score":0.5,"tags":[{"key":"agent","value":"web-reviewer"}]}
]}`

func TestCLISearcher_Search(t *testing.T) {
	runner := processtest.NewFakeRunner(processtest.Response{Stdout: searchJSON})
	s := semantic.NewCLISearcher(runner, "", semantic.Config{MinScore: 0.5, TopK: 3})

	matches, err := s.Search(context.Background(), "ship it", "web")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, semantic.Match{AgentID: "web-deployer", Score: 0.91, Example: "deploy the service"}, matches[0])
	assert.Equal(t, "web-reviewer", matches[1].AgentID, "score equal to the minimum is kept")

	call := runner.LastCall()
	assert.Equal(t, "ssearch", call.Name)
	assert.Equal(t, []string{
		"search", "ship it",
		"--tags", "type:agent-routing,project:web",
		"--format", "json",
		"--limit", "3",
	}, call.Args)
}

func TestCLISearcher_ZeroMinScoreKeepsAll(t *testing.T) {
	runner := processtest.NewFakeRunner(processtest.Response{Stdout: searchJSON})
	s := semantic.NewCLISearcher(runner, "", semantic.Config{MinScore: 0, TopK: 5})

	matches, err := s.Search(context.Background(), "ship it", "web")
	require.NoError(t, err)
	require.Len(t, matches, 3, "only the untagged result is dropped")
	var scores []float64
	for _, m := range matches {
		scores = append(scores, m.Score)
	}
	assert.Contains(t, scores, 0.30)
}

func TestCLISearcher_SearchFailures(t *testing.T) {
	tests := []struct {
		name string
		resp processtest.Response
	}{
		{"non-zero exit", processtest.Response{Stderr: "index missing", ExitCode: 2}},
		{"malformed json", processtest.Response{Stdout: "not json"}},
		{"spawn failure", processtest.Response{Err: &process.SpawnError{Name: "ssearch", Err: errors.New("not found")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := semantic.NewCLISearcher(processtest.NewFakeRunner(tt.resp), "", semantic.Config{})
			_, err := s.Search(context.Background(), "x", "web")
			assert.Error(t, err)
		})
	}
}

func TestCLISearcher_Sync(t *testing.T) {
	var imported []string
	runner := processtest.NewFakeRunner()
	runner.Handler = func(_ context.Context, cmd process.Command) processtest.Response {
		if len(cmd.Args) > 1 && cmd.Args[0] == "import" {
			data, err := os.ReadFile(cmd.Args[1])
			if err != nil {
				t.Errorf("import file unreadable: %v", err)
			}
			imported = append(imported, string(data))
		}
		return processtest.Response{}
	}
	s := semantic.NewCLISearcher(runner, "ssearch", semantic.Config{})

	agents := []models.Agent{
		{ID: "a1", Name: "deployer", Priority: 10, Examples: []string{"deploy web", "ship it"}},
		{ID: "a2", Name: "hidden", Priority: -1, Examples: []string{"secret"}},
		{ID: "a3", Name: "empty", Priority: 5},
	}
	n, err := s.Sync(context.Background(), "web", agents)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	calls := runner.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"tags", "delete", "project:web", "-y"}, calls[0].Args)
	assert.Equal(t, "import", calls[1].Args[0])
	assert.Equal(t, []string{"--tags", "type:agent-routing,agent:a1,project:web", "--source", "dispatcher"}, calls[1].Args[2:])

	require.Len(t, imported, 1)
	lines := strings.Split(strings.TrimSpace(imported[0]), "\n")
	require.Len(t, lines, 2)
	var doc struct {
		Content string `json:"content"`
		URL     string `json:"url"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &doc))
	assert.Equal(t, "ship it", doc.Content)
	assert.Equal(t, "agent://a1/1", doc.URL)

	_, statErr := os.Stat(calls[1].Args[1])
	assert.True(t, os.IsNotExist(statErr), "temp file must be removed after import")
}

// keywordEmbedder maps texts onto axes by keyword so similarity is predictable.
type keywordEmbedder struct {
	axes  []string
	calls int
}

func (e *keywordEmbedder) Kind() string      { return "keyword" }
func (e *keywordEmbedder) MaxBatchSize() int { return 2 }

func (e *keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	e.calls++
	out := make([][]float64, len(texts))
	for i, text := range texts {
		v := make([]float64, len(e.axes))
		for j, axis := range e.axes {
			if strings.Contains(text, axis) {
				v[j] = 1
			}
		}
		out[i] = v
	}
	return out, nil
}

func TestIndexSearcher_SyncAndSearch(t *testing.T) {
	emb := &keywordEmbedder{axes: []string{"deploy", "review", "bug"}}
	s := semantic.NewIndexSearcher(emb, semantic.Config{MinScore: 0.5, TopK: 2})
	ctx := context.Background()

	n, err := s.Sync(ctx, "web", []models.Agent{
		{ID: "deployer", Priority: 10, Examples: []string{"deploy prod", "deploy staging"}},
		{ID: "reviewer", Priority: 10, Examples: []string{"review my change"}},
		{ID: "off", Priority: -5, Examples: []string{"deploy everything"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, emb.calls, "three examples with batch size two take two calls")

	matches, err := s.Search(ctx, "please deploy", "web")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	for _, m := range matches {
		assert.Equal(t, "deployer", m.AgentID)
		assert.InDelta(t, 1.0, m.Score, 1e-9)
	}

	matches, err = s.Search(ctx, "fix bug", "web")
	require.NoError(t, err)
	assert.Empty(t, matches)

	matches, err = s.Search(ctx, "please deploy", "other-project")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestOllamaEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/embed", r.URL.Path)
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "nomic-embed-text", req.Model)

		vecs := make([][]float64, len(req.Input))
		for i := range vecs {
			vecs[i] = []float64{float64(i), 1}
		}
		json.NewEncoder(w).Encode(map[string]any{"embeddings": vecs})
	}))
	defer srv.Close()

	e, err := semantic.NewEmbedder("ollama", "", srv.URL, "")
	require.NoError(t, err)

	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{0, 1}, {1, 1}}, vecs)
}

func TestOpenAIEmbedder_ReordersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		w.Write([]byte(`{"data":[{"embedding":[2],"index":1},{"embedding":[1],"index":0}]}`))
	}))
	defer srv.Close()

	e, err := semantic.NewEmbedder("openai", "", srv.URL, "sk-test")
	require.NoError(t, err)

	vecs, err := e.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1}, {2}}, vecs)
}

func TestNewEmbedder_Errors(t *testing.T) {
	_, err := semantic.NewEmbedder("openai", "", "", "")
	assert.Error(t, err)
	_, err = semantic.NewEmbedder("bogus", "", "", "")
	assert.Error(t, err)
}
