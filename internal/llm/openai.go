package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/powermem/powermem/internal/pkg/httpx"
	"github.com/powermem/powermem/internal/platform/logger"
	"github.com/powermem/powermem/internal/types"
)

// OpenAIConfig configures the OpenAI-compatible client. BaseURL may point at
// any endpoint that speaks the chat-completions and embeddings protocols.
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	EmbedModel  string
	EmbedDims   int
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	MaxRetries  int
}

func (c *OpenAIConfig) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com"
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.EmbedModel == "" {
		c.EmbedModel = "text-embedding-3-small"
	}
	if c.EmbedDims <= 0 {
		c.EmbedDims = 1536
	}
	if c.Timeout <= 0 {
		c.Timeout = 180 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
}

// OpenAIClient implements Provider and Embedder against one endpoint.
type OpenAIClient struct {
	log        *logger.Logger
	cfg        OpenAIConfig
	httpClient *http.Client
}

var (
	_ Provider = (*OpenAIClient)(nil)
	_ Embedder = (*OpenAIClient)(nil)
)

func NewOpenAIClient(log *logger.Logger, cfg OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, types.E(types.KindValidation, "llm.NewOpenAIClient", "api key is required", nil)
	}
	cfg.applyDefaults()
	return &OpenAIClient{
		log:        log.With("client", "OpenAIClient"),
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

func (c *OpenAIClient) Dims() int { return c.cfg.EmbedDims }

func (c *OpenAIClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    *float64       `json:"temperature,omitempty"`
	MaxTokens      int            `json:"max_tokens,omitempty"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type embedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (c *OpenAIClient) GenerateText(ctx context.Context, system, user string) (string, error) {
	return c.complete(ctx, system, user, nil)
}

func (c *OpenAIClient) GenerateJSON(ctx context.Context, system, user string) (map[string]any, error) {
	content, err := c.complete(ctx, system, user, map[string]any{"type": "json_object"})
	if err != nil {
		return nil, err
	}
	return DecodeJSONObject(content)
}

func (c *OpenAIClient) complete(ctx context.Context, system, user string, responseFormat map[string]any) (string, error) {
	const op = "llm.OpenAIClient.complete"
	messages := make([]chatMessage, 0, 2)
	if strings.TrimSpace(system) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: system})
	}
	messages = append(messages, chatMessage{Role: "user", Content: user})

	req := chatRequest{
		Model:          c.cfg.Model,
		Messages:       messages,
		MaxTokens:      c.cfg.MaxTokens,
		ResponseFormat: responseFormat,
	}
	if c.cfg.Temperature > 0 {
		t := c.cfg.Temperature
		req.Temperature = &t
	}

	var out chatResponse
	if err := c.doJSON(ctx, "/v1/chat/completions", req, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 {
		return "", types.E(types.KindParseWarning, op, "response has no choices", nil)
	}
	return out.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	const op = "llm.OpenAIClient.Embed"
	if len(inputs) == 0 {
		return nil, nil
	}
	req := embedRequest{Model: c.cfg.EmbedModel, Input: inputs}
	// text-embedding-3-* accepts a dimensions override; older models reject
	// it, so only send when it differs from the model default.
	if strings.HasPrefix(c.cfg.EmbedModel, "text-embedding-3") {
		req.Dimensions = c.cfg.EmbedDims
	}

	var out embedResponse
	if err := c.doJSON(ctx, "/v1/embeddings", req, &out); err != nil {
		return nil, err
	}
	if len(out.Data) != len(inputs) {
		return nil, types.E(types.KindBackendUnavailable, op,
			fmt.Sprintf("embedding count mismatch: want=%d got=%d", len(inputs), len(out.Data)), nil)
	}
	vectors := make([][]float32, len(inputs))
	for _, item := range out.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, types.E(types.KindBackendUnavailable, op,
				fmt.Sprintf("embedding index out of range: %d", item.Index), nil)
		}
		vectors[item.Index] = item.Embedding
	}
	for i, vec := range vectors {
		if len(vec) != c.cfg.EmbedDims {
			return nil, types.E(types.KindFatal, op,
				fmt.Sprintf("embedding %d dimension mismatch: expected=%d got=%d", i, c.cfg.EmbedDims, len(vec)), nil)
		}
	}
	return vectors, nil
}

type apiError struct {
	StatusCode int
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("llm http %d: %s", e.StatusCode, e.Body)
}

func (e *apiError) HTTPStatusCode() int { return e.StatusCode }

// doJSON posts the request with exponential-backoff retries on transient
// failures. Parse errors and 4xx rejections are never retried.
func (c *OpenAIClient) doJSON(ctx context.Context, path string, body, out any) error {
	const op = "llm.OpenAIClient.doJSON"
	payload, err := json.Marshal(body)
	if err != nil {
		return types.E(types.KindFatal, op, "encode request", err)
	}

	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		raw, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return nil, readErr
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			callErr := &apiError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 512)}
			if !httpx.IsRetryableError(callErr) {
				return nil, backoff.Permanent(callErr)
			}
			if ra := httpx.RetryAfterDuration(resp, 0, 30*time.Second); ra > 0 {
				return nil, backoff.RetryAfter(int(ra / time.Second))
			}
			return nil, callErr
		}
		return raw, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = time.Second
	raw, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(c.cfg.MaxRetries)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn("llm request retrying", "path", path, "sleep", next.String(), "error", err.Error())
		}),
	)
	if err != nil {
		return types.E(types.KindBackendUnavailable, op, "call "+path, err)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return types.E(types.KindParseWarning, op, "decode response", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
