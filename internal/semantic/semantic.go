// Package semantic retrieves the agent whose example utterances are closest
// to a request. Two backends share the Searcher and Indexer contracts:
// CLISearcher shells out to the ssearch tool, IndexSearcher embeds examples
// in process and ranks them by cosine similarity.
package semantic

import (
	"context"

	"github.com/agentoven/dispatcher/pkg/models"
)

const (
	// RoutingTag marks indexed documents that exist for agent routing.
	RoutingTag = "type:agent-routing"

	// IndexSource labels documents this service imports.
	IndexSource = "dispatcher"

	DefaultMinScore = 0.5
	DefaultTopK     = 5
)

// Match is one retrieved example. AgentID refers to models.Agent.ID.
type Match struct {
	AgentID string
	Score   float64 // raw similarity in [0,1]
	Example string
}

// Searcher returns candidate matches at or above the configured minimum
// score, scoped to one project.
type Searcher interface {
	Search(ctx context.Context, text, projectID string) ([]Match, error)
}

// Indexer replaces a project's indexed examples and returns how many were
// indexed.
type Indexer interface {
	Sync(ctx context.Context, projectID string, agents []models.Agent) (int, error)
}

// Remover is implemented by indexes that can drop a project outright
// instead of syncing it to an empty agent set.
type Remover interface {
	Remove(projectID string)
}

// Backend is both a Searcher and an Indexer.
type Backend interface {
	Searcher
	Indexer
}

// Config controls result filtering. MinScore 0 keeps every scored result;
// a negative MinScore selects DefaultMinScore.
type Config struct {
	MinScore float64
	TopK     int
}

func (c Config) withDefaults() Config {
	if c.MinScore < 0 {
		c.MinScore = DefaultMinScore
	}
	if c.TopK <= 0 {
		c.TopK = DefaultTopK
	}
	return c
}

// indexable reports whether an agent's examples belong in the index.
// Negative priority opts an agent out of semantic routing.
func indexable(a models.Agent) bool {
	return a.Priority >= 0 && len(a.Examples) > 0
}

func projectTag(projectID string) string {
	return "project:" + projectID
}
