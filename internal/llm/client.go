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

	"mopkit/internal/config"
	"mopkit/internal/logging"
)

// Client implements Executor against an OpenAI-compatible chat-completions
// endpoint. Tier selects between the configured cheap and capable models.
type Client struct {
	apiKey       string
	baseURL      string
	cheapModel   string
	capableModel string
	httpClient   *http.Client
	sem          chan struct{} // caps concurrent in-flight requests
}

// NewClient creates a production client from config.
func NewClient(cfg config.LLMConfig) *Client {
	return &Client{
		apiKey:       cfg.APIKey,
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		cheapModel:   cfg.CheapModel,
		capableModel: cfg.CapableModel,
		httpClient: &http.Client{
			Timeout: cfg.GetTimeout(),
		},
		sem: make(chan struct{}, cfg.MaxConcurrent),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Execute sends one prompt to the model selected by tier.
func (c *Client) Execute(ctx context.Context, prompt string, tier Tier) (Result, error) {
	if c.apiKey == "" {
		return Result{}, fmt.Errorf("API key not configured")
	}
	if !tier.Valid() {
		return Result{}, fmt.Errorf("unknown model tier %q", tier)
	}

	model := c.cheapModel
	if tier == TierCapable {
		model = c.capableModel
	}

	// Acquire concurrency semaphore.
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	reqBody := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "user", Content: prompt},
		},
		Temperature: 0.1,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	logging.APIDebug("Executing %s-tier call (model=%s, prompt=%d bytes)", tier, model, len(prompt))

	// Retry loop for 429 and transient transport errors.
	maxRetries := 3
	var lastErr error

	for i := 0; i <= maxRetries; i++ {
		if i > 0 {
			// Exponential backoff: 1s, 2s, 4s
			select {
			case <-time.After(time.Duration(1<<uint(i-1)) * time.Second):
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
		if err != nil {
			return Result{}, fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = fmt.Errorf("rate limit exceeded (429)")
			continue
		}

		if resp.StatusCode != http.StatusOK {
			return Result{}, fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
		}

		var chatResp chatResponse
		if err := json.Unmarshal(body, &chatResp); err != nil {
			return Result{}, fmt.Errorf("failed to parse response: %w", err)
		}

		if chatResp.Error != nil {
			return Result{}, fmt.Errorf("API error: %s", chatResp.Error.Message)
		}

		if len(chatResp.Choices) == 0 {
			return Result{}, fmt.Errorf("no completion returned")
		}

		return Result{
			Text:         strings.TrimSpace(chatResp.Choices[0].Message.Content),
			Model:        model,
			InputTokens:  chatResp.Usage.PromptTokens,
			OutputTokens: chatResp.Usage.CompletionTokens,
		}, nil
	}

	logging.APIError("%s-tier call failed after retries: %v", tier, lastErr)
	return Result{}, fmt.Errorf("max retries exceeded: %w", lastErr)
}
