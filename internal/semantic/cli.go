package semantic

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/agentoven/dispatcher/internal/process"
	"github.com/agentoven/dispatcher/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultBinary is the semantic search CLI resolved through PATH.
const DefaultBinary = "ssearch"

// CLISearcher talks to the ssearch command-line tool.
type CLISearcher struct {
	binary string
	runner process.Runner
	cfg    Config
}

// NewCLISearcher creates a CLI backend. An empty binary means DefaultBinary.
func NewCLISearcher(runner process.Runner, binary string, cfg Config) *CLISearcher {
	if binary == "" {
		binary = DefaultBinary
	}
	return &CLISearcher{binary: binary, runner: runner, cfg: cfg.withDefaults()}
}

type searchOutput struct {
	Results []searchHit `json:"results"`
}

type searchHit struct {
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	Tags    []struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"tags"`
}

type importDoc struct {
	Content string `json:"content"`
	URL     string `json:"url"`
}

// Search runs `ssearch search` and keeps hits carrying an agent tag with a
// score at or above the minimum.
func (s *CLISearcher) Search(ctx context.Context, text, projectID string) ([]Match, error) {
	tags := RoutingTag
	if projectID != "" {
		tags += "," + projectTag(projectID)
	}

	res, err := s.runner.Run(ctx, process.Command{
		Name: s.binary,
		Args: []string{"search", text, "--tags", tags, "--format", "json", "--limit", strconv.Itoa(s.cfg.TopK)},
	})
	if err != nil {
		return nil, fmt.Errorf("run %s search: %w", s.binary, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%s search exited %d: %s", s.binary, res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}

	var out searchOutput
	if err := json.Unmarshal(res.Stdout, &out); err != nil {
		return nil, fmt.Errorf("parse %s output: %w", s.binary, err)
	}

	var matches []Match
	for _, hit := range out.Results {
		agentID := ""
		for _, tag := range hit.Tags {
			if tag.Key == "agent" {
				agentID = tag.Value
				break
			}
		}
		if agentID == "" || hit.Score < s.cfg.MinScore {
			continue
		}
		matches = append(matches, Match{AgentID: agentID, Score: hit.Score, Example: hit.Content})
	}
	return matches, nil
}

// Sync drops the project's indexed documents and re-imports the examples of
// every indexable agent. An agent whose import fails is skipped.
func (s *CLISearcher) Sync(ctx context.Context, projectID string, agents []models.Agent) (int, error) {
	log.Info().Str("project", projectID).Msg("Syncing agent examples")

	del, err := s.runner.Run(ctx, process.Command{
		Name: s.binary,
		Args: []string{"tags", "delete", projectTag(projectID), "-y"},
	})
	switch {
	case err != nil:
		log.Warn().Err(err).Str("project", projectID).Msg("Failed to delete existing index")
	case del.ExitCode != 0:
		log.Debug().Str("stderr", string(del.Stderr)).Msg("Index delete returned non-zero (may be empty)")
	}

	total := 0
	for _, agent := range agents {
		if !indexable(agent) {
			continue
		}
		n, err := s.importAgent(ctx, projectID, agent)
		if err != nil {
			log.Warn().Err(err).Str("agent", agent.Name).Msg("Failed to index agent")
			continue
		}
		total += n
	}

	log.Info().Str("project", projectID).Int("examples", total).Msg("Agent sync complete")
	return total, nil
}

func (s *CLISearcher) importAgent(ctx context.Context, projectID string, agent models.Agent) (int, error) {
	f, err := os.CreateTemp("", "dispatcher-sync-*.jsonl")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(f.Name())

	enc := json.NewEncoder(f)
	for i, example := range agent.Examples {
		if err := enc.Encode(importDoc{Content: example, URL: fmt.Sprintf("agent://%s/%d", agent.ID, i)}); err != nil {
			f.Close()
			return 0, fmt.Errorf("write example: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close temp file: %w", err)
	}

	tags := fmt.Sprintf("%s,agent:%s,%s", RoutingTag, agent.ID, projectTag(projectID))
	res, err := s.runner.Run(ctx, process.Command{
		Name: s.binary,
		Args: []string{"import", f.Name(), "--tags", tags, "--source", IndexSource},
	})
	if err != nil {
		return 0, err
	}
	if res.ExitCode != 0 {
		return 0, fmt.Errorf("%s import exited %d", s.binary, res.ExitCode)
	}

	log.Debug().Str("agent", agent.Name).Int("examples", len(agent.Examples)).Msg("Indexed agent examples")
	return len(agent.Examples), nil
}
