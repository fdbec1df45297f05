package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/TobiSchelling/postpipe/internal/config"
)

// ErrUnavailable wraps failures to reach a provider at all (connection
// refused, timeouts, 5xx). Callers treat it as a stage-level problem rather
// than a bad answer for one item.
var ErrUnavailable = errors.New("llm provider unavailable")

// ErrRejected wraps 4xx responses other than 429: a bad key, an unknown
// model, a malformed request. Retrying the next item will not help.
var ErrRejected = errors.New("llm provider rejected request")

// Provider is the interface for LLM providers.
type Provider interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
	IsConfigured() bool
}

// Embedder is the interface for generating embeddings.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float64, error)
}

// OllamaProvider is a local Ollama LLM provider.
type OllamaProvider struct {
	Model   string
	BaseURL string
	client  *http.Client
}

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(model, baseURL string) *OllamaProvider {
	return &OllamaProvider{
		Model:   model,
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

// IsConfigured checks if Ollama is running and the model is pulled.
func (o *OllamaProvider) IsConfigured() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := doJSON(ctx, o.client, http.MethodGet, o.BaseURL+"/api/tags", nil, nil, &tags); err != nil {
		return false
	}

	modelBase := strings.SplitN(o.Model, ":", 2)[0]
	for _, m := range tags.Models {
		if strings.Contains(m.Name, modelBase) {
			return true
		}
	}
	log.Printf("Ollama model %q not found", o.Model)
	return false
}

// Generate sends a prompt to Ollama's chat endpoint and returns the reply.
func (o *OllamaProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	body := map[string]any{
		"model":    o.Model,
		"messages": []map[string]string{{"role": "user", "content": prompt}},
		"stream":   false,
		"format":   "json",
		"options": map[string]any{
			"num_predict": maxTokens,
			"temperature": 0.2,
		},
	}

	var result struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	if err := doJSON(ctx, o.client, http.MethodPost, o.BaseURL+"/api/chat", nil, body, &result); err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	return result.Message.Content, nil
}

// OllamaEmbedder generates embeddings via the Ollama API.
type OllamaEmbedder struct {
	Model   string
	BaseURL string
	client  *http.Client
}

// NewOllamaEmbedder creates a new Ollama embedder.
func NewOllamaEmbedder(model, baseURL string) *OllamaEmbedder {
	return &OllamaEmbedder{
		Model:   model,
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

// Embed returns one vector per input text, in order.
func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	body := map[string]any{
		"model": e.Model,
		"input": texts,
	}
	var result struct {
		Embeddings [][]float64 `json:"embeddings"`
	}
	if err := doJSON(ctx, e.client, http.MethodPost, e.BaseURL+"/api/embed", nil, body, &result); err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	return result.Embeddings, nil
}

// OpenAIProvider is an OpenAI API provider.
type OpenAIProvider struct {
	Model   string
	APIKey  string
	BaseURL string
	client  *http.Client
}

// NewOpenAIProvider creates a new OpenAI provider reading its key from apiKeyEnv.
func NewOpenAIProvider(model, apiKeyEnv string) *OpenAIProvider {
	return &OpenAIProvider{
		Model:   model,
		APIKey:  os.Getenv(apiKeyEnv),
		BaseURL: "https://api.openai.com/v1",
		client:  &http.Client{Timeout: 120 * time.Second},
	}
}

// IsConfigured checks if the API key is set.
func (o *OpenAIProvider) IsConfigured() bool {
	return o.APIKey != ""
}

// Generate sends a prompt to the chat completions endpoint.
func (o *OpenAIProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if o.APIKey == "" {
		return "", fmt.Errorf("openai: %w: API key not configured", ErrUnavailable)
	}

	body := map[string]any{
		"model":           o.Model,
		"messages":        []map[string]string{{"role": "user", "content": prompt}},
		"max_tokens":      maxTokens,
		"temperature":     0.2,
		"response_format": map[string]string{"type": "json_object"},
	}
	headers := map[string]string{"Authorization": "Bearer " + o.APIKey}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := doJSON(ctx, o.client, http.MethodPost, o.BaseURL+"/chat/completions", headers, body, &result); err != nil {
		return "", fmt.Errorf("openai chat: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices in OpenAI response", ErrMalformed)
	}
	return result.Choices[0].Message.Content, nil
}

// CreateProvider picks the configured provider, falling back from Ollama to
// OpenAI. It returns nil when neither is usable.
func CreateProvider(cfg config.LLM) Provider {
	if strings.ToLower(cfg.Provider) == "ollama" {
		p := NewOllamaProvider(cfg.Model, cfg.OllamaURL)
		if p.IsConfigured() {
			log.Printf("Using Ollama with model: %s", cfg.Model)
			return p
		}
		log.Println("Ollama not available, trying OpenAI fallback...")
	}

	p := NewOpenAIProvider(cfg.OpenAIModel, cfg.APIKeyEnv)
	if p.IsConfigured() {
		log.Printf("Using OpenAI with model: %s", cfg.OpenAIModel)
		return p
	}

	log.Printf("No LLM provider available. Check Ollama is running or set %s.", cfg.APIKeyEnv)
	return nil
}

// CreateEmbedder returns the Ollama embedder for the configured model.
func CreateEmbedder(cfg config.LLM) Embedder {
	return NewOllamaEmbedder(cfg.EmbeddingModel, cfg.OllamaURL)
}

// doJSON performs a JSON request. Transport failures, 429 and 5xx responses
// wrap ErrUnavailable; other non-200 responses wrap ErrRejected.
func doJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
