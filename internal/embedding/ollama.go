package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/engramd/engram/internal/apperr"
)

// OllamaClient generates embeddings via a local Ollama server.
type OllamaClient struct {
	baseURL string
	model   string
	dims    int
	client  *http.Client
}

// NewOllamaClient creates an Ollama embedding client.
func NewOllamaClient(baseURL, model string) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text" // good default, 768 dims
	}
	return &OllamaClient{
		baseURL: baseURL,
		model:   model,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// embeddingRequest is the Ollama API request format
type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// embeddingResponse is the Ollama API response format
type embeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

// Embed generates an embedding for the given text.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: empty text", apperr.ErrValidation)
	}

	jsonBody, err := json.Marshal(embeddingRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/embeddings", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: ollama request: %v", apperr.ErrProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: ollama status %d: %s", apperr.ErrProvider, resp.StatusCode, string(body))
	}

	var result embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", apperr.ErrProvider, err)
	}
	if len(result.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding returned", apperr.ErrProvider)
	}

	if c.dims == 0 {
		c.dims = len(result.Embedding)
	}
	return result.Embedding, nil
}

// EmbedBatch embeds texts sequentially. The Ollama embeddings endpoint takes
// one prompt per call; the first failure aborts the batch.
func (c *OllamaClient) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	vectors := make([][]float64, 0, len(texts))
	for _, text := range texts {
		v, err := c.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, v)
	}
	return vectors, nil
}

// Name returns the provider identifier.
func (c *OllamaClient) Name() string {
	return "ollama/" + c.model
}

// Dimensions returns the embedding dimension, or 0 before the first
// successful Embed call.
func (c *OllamaClient) Dimensions() int {
	return c.dims
}
