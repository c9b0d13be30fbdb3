package semantic

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/agentoven/dispatcher/pkg/models"
	"github.com/rs/zerolog/log"
)

type indexedExample struct {
	agentID string
	text    string
	vector  []float64
}

// IndexSearcher keeps example embeddings in memory and ranks them by brute
// force cosine similarity. Suited to the few hundred examples a project
// typically declares.
type IndexSearcher struct {
	embedder Embedder
	cfg      Config

	mu       sync.RWMutex
	projects map[string][]indexedExample
}

// NewIndexSearcher creates an empty index.
func NewIndexSearcher(embedder Embedder, cfg Config) *IndexSearcher {
	return &IndexSearcher{
		embedder: embedder,
		cfg:      cfg.withDefaults(),
		projects: make(map[string][]indexedExample),
	}
}

// Sync embeds the examples of every indexable agent and replaces the
// project's entries. On error the previous entries are kept.
func (s *IndexSearcher) Sync(ctx context.Context, projectID string, agents []models.Agent) (int, error) {
	var pending []indexedExample
	for _, a := range agents {
		if !indexable(a) {
			continue
		}
		for _, ex := range a.Examples {
			pending = append(pending, indexedExample{agentID: a.ID, text: ex})
		}
	}

	batch := s.embedder.MaxBatchSize()
	if batch <= 0 {
		batch = len(pending)
	}
	for start := 0; start < len(pending); start += batch {
		end := min(start+batch, len(pending))
		texts := make([]string, 0, end-start)
		for _, p := range pending[start:end] {
			texts = append(texts, p.text)
		}
		vectors, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("embed examples for %s: %w", projectID, err)
		}
		if len(vectors) != len(texts) {
			return 0, fmt.Errorf("embedder returned %d vectors for %d examples", len(vectors), len(texts))
		}
		for i, v := range vectors {
			pending[start+i].vector = v
		}
	}

	s.mu.Lock()
	s.projects[projectID] = pending
	s.mu.Unlock()

	log.Info().
		Str("project", projectID).
		Str("embedder", s.embedder.Kind()).
		Int("examples", len(pending)).
		Msg("Semantic index rebuilt")
	return len(pending), nil
}

// Search embeds text and returns up to TopK examples scoring at or above
// MinScore, best first.
func (s *IndexSearcher) Search(ctx context.Context, text, projectID string) ([]Match, error) {
	s.mu.RLock()
	entries := s.projects[projectID]
	s.mu.RUnlock()
	if len(entries) == 0 {
		return nil, nil
	}

	vectors, err := s.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for 1 query", len(vectors))
	}
	query := vectors[0]

	var matches []Match
	for _, e := range entries {
		if len(e.vector) != len(query) {
			continue
		}
		score := clamp01(cosineSimilarity(query, e.vector))
		if score < s.cfg.MinScore {
			continue
		}
		matches = append(matches, Match{AgentID: e.agentID, Score: score, Example: e.text})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > s.cfg.TopK {
		matches = matches[:s.cfg.TopK]
	}
	return matches, nil
}

// Remove drops a project's entries.
func (s *IndexSearcher) Remove(projectID string) {
	s.mu.Lock()
	delete(s.projects, projectID)
	s.mu.Unlock()
}

func cosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
