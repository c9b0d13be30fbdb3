package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Embedder turns texts into vectors for IndexSearcher.
type Embedder interface {
	Kind() string
	MaxBatchSize() int
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// NewEmbedder builds the embedder for a provider name ("ollama" or "openai").
func NewEmbedder(provider, model, endpoint, apiKey string) (Embedder, error) {
	switch provider {
	case "", "ollama":
		if model == "" {
			model = "nomic-embed-text"
		}
		return NewOllamaEmbedder(endpoint, model), nil
	case "openai":
		if apiKey == "" {
			return nil, fmt.Errorf("openai embeddings require an API key")
		}
		if model == "" {
			model = "text-embedding-3-small"
		}
		return NewOpenAIEmbedder(apiKey, model, endpoint), nil
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", provider)
	}
}

// ── Ollama ───────────────────────────────────────────────────

// OllamaEmbedder calls a local Ollama server's /api/embed endpoint.
type OllamaEmbedder struct {
	endpoint  string
	model     string
	batchSize int
	client    *http.Client
}

// NewOllamaEmbedder creates an Ollama embedder. An empty endpoint means
// http://localhost:11434.
func NewOllamaEmbedder(endpoint, model string) *OllamaEmbedder {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	return &OllamaEmbedder{
		endpoint:  endpoint,
		model:     model,
		batchSize: 512,
		client:    &http.Client{Timeout: 120 * time.Second},
	}
}

func (e *OllamaEmbedder) Kind() string      { return "ollama" }
func (e *OllamaEmbedder) MaxBatchSize() int { return e.batchSize }

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// Embed generates one vector per text.
func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > e.batchSize {
		return nil, fmt.Errorf("batch size %d exceeds max %d", len(texts), e.batchSize)
	}

	var result ollamaEmbedResponse
	err := postJSON(ctx, e.client, e.endpoint+"/api/embed", "", ollamaEmbedRequest{Model: e.model, Input: texts}, &result)
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Embeddings))
	}
	return result.Embeddings, nil
}

// ── OpenAI ───────────────────────────────────────────────────

// OpenAIEmbedder calls the OpenAI embeddings API or a compatible proxy.
type OpenAIEmbedder struct {
	apiKey    string
	model     string
	endpoint  string
	batchSize int
	client    *http.Client
}

// NewOpenAIEmbedder creates an OpenAI embedder. An empty endpoint means
// the public API.
func NewOpenAIEmbedder(apiKey, model, endpoint string) *OpenAIEmbedder {
	if endpoint == "" {
		endpoint = "https://api.openai.com/v1/embeddings"
	}
	return &OpenAIEmbedder{
		apiKey:    apiKey,
		model:     model,
		endpoint:  endpoint,
		batchSize: 2048,
		client:    &http.Client{Timeout: 60 * time.Second},
	}
}

func (e *OpenAIEmbedder) Kind() string      { return "openai" }
func (e *OpenAIEmbedder) MaxBatchSize() int { return e.batchSize }

type openAIEmbedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type openAIEmbedResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Embed generates one vector per text, reordered by the response index.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if len(texts) > e.batchSize {
		return nil, fmt.Errorf("batch size %d exceeds max %d", len(texts), e.batchSize)
	}

	var result openAIEmbedResponse
	if err := postJSON(ctx, e.client, e.endpoint, e.apiKey, openAIEmbedRequest{Input: texts, Model: e.model}, &result); err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if result.Error != nil {
		return nil, fmt.Errorf("openai error: %s (%s)", result.Error.Message, result.Error.Type)
	}

	vectors := make([][]float64, len(texts))
	for _, d := range result.Data {
		if d.Index >= 0 && d.Index < len(vectors) {
			vectors[d.Index] = d.Embedding
		}
	}
	return vectors, nil
}

func postJSON(ctx context.Context, client *http.Client, url, bearer string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
