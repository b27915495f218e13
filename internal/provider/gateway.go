package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds a single upstream call. Per-feature routing retries
// happen above this layer; one call never hangs past this.
const DefaultTimeout = 60 * time.Second

// Gateway dispatches calls to an OpenAI-compatible endpoint.
type Gateway struct {
	baseURL string
	client  *http.Client
	models  *ModelTable
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithTimeout overrides the default upstream timeout.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.client.Timeout = d }
}

// WithHTTPClient replaces the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(g *Gateway) { g.client = c }
}

// NewGateway creates a gateway against an OpenAI-compatible base URL
// (e.g. "https://openrouter.ai/api").
func NewGateway(baseURL string, models *ModelTable, opts ...Option) *Gateway {
	g := &Gateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: DefaultTimeout},
		models:  models,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func authHeaders(apiKey string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + apiKey}
}

// chatResponse is the subset of the chat-completions response we consume.
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

// chatPayload assembles the chat-completions request body. Messages carrying
// an image are encoded as multimodal content parts.
func (g *Gateway) chatPayload(req Request) map[string]any {
	messages := make([]map[string]any, len(req.Messages))
	for i, m := range req.Messages {
		if m.ImageDataURI != "" {
			messages[i] = map[string]any{
				"role": m.Role,
				"content": []map[string]any{
					{"type": "text", "text": m.Content},
					{"type": "image_url", "image_url": map[string]string{"url": m.ImageDataURI}},
				},
			}
			continue
		}
		messages[i] = map[string]any{"role": m.Role, "content": m.Content}
	}

	payload := map[string]any{
		"model":    g.models.Model(req.Feature),
		"messages": messages,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	return payload
}

// Call performs a chat completion with the given API key.
func (g *Gateway) Call(ctx context.Context, apiKey string, req Request) (*Result, error) {
	model := g.models.Model(req.Feature)
	payload := g.chatPayload(req)

	body, err := doRequest(ctx, g.client, g.baseURL+"/v1/chat/completions", payload, authHeaders(apiKey))
	if err != nil {
		return nil, err
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat response has no choices")
	}
	modelID := resp.Model
	if modelID == "" {
		modelID = model
	}
	return &Result{
		Content:    resp.Choices[0].Message.Content,
		TokensUsed: resp.Usage.TotalTokens,
		ModelID:    modelID,
	}, nil
}

// streamChunk is the subset of one streamed chat-completions event we
// consume. Usage arrives on the final event when the vendor supports it.
type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

// CallStream performs a chat completion over server-sent events, passing
// content deltas to emit as they arrive, and returns the assembled result.
// An emit error aborts the stream.
func (g *Gateway) CallStream(ctx context.Context, apiKey string, req Request, emit func(delta string) error) (*Result, error) {
	model := g.models.Model(req.Feature)
	payload := g.chatPayload(req)
	payload["stream"] = true
	payload["stream_options"] = map[string]any{"include_usage": true}

	body, err := openStream(ctx, g.client, g.baseURL+"/v1/chat/completions", payload, authHeaders(apiKey))
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()

	var content strings.Builder
	var tokens int64
	modelID := ""

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, fmt.Errorf("parse stream event: %w", err)
		}
		if chunk.Model != "" {
			modelID = chunk.Model
		}
		if chunk.Usage != nil {
			tokens = chunk.Usage.TotalTokens
		}
		for _, c := range chunk.Choices {
			if c.Delta.Content == "" {
				continue
			}
			content.WriteString(c.Delta.Content)
			if err := emit(c.Delta.Content); err != nil {
				return nil, fmt.Errorf("stream consumer: %w", err)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	if modelID == "" {
		modelID = model
	}
	return &Result{
		Content:    content.String(),
		TokensUsed: tokens,
		ModelID:    modelID,
	}, nil
}

// embedResponse is the subset of the embeddings response we consume.
type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// Embed returns one vector per input string, in input order.
func (g *Gateway) Embed(ctx context.Context, apiKey string, inputs []string) ([][]float32, error) {
	payload := map[string]any{
		"model": g.models.Model("embedding"),
		"input": inputs,
	}
	body, err := doRequest(ctx, g.client, g.baseURL+"/v1/embeddings", payload, authHeaders(apiKey))
	if err != nil {
		return nil, err
	}
	var resp embedResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse embeddings response: %w", err)
	}
	if len(resp.Data) != len(inputs) {
		return nil, fmt.Errorf("embeddings response has %d vectors for %d inputs", len(resp.Data), len(inputs))
	}
	vectors := make([][]float32, len(inputs))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("embeddings response index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// Probe issues a minimal completion to verify the key still works. Returns
// the round-trip latency.
func (g *Gateway) Probe(ctx context.Context, apiKey string) (time.Duration, error) {
	start := time.Now()
	_, err := g.Call(ctx, apiKey, Request{
		Feature:   "probe",
		Messages:  []Message{{Role: "user", Content: "ping"}},
		MaxTokens: 8,
	})
	return time.Since(start), err
}
