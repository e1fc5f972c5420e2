package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

var (
	ErrNotConfigured = errors.New("llm api key is not configured")
	ErrEmptyResponse = errors.New("llm returned no choices")
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type CompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
}

type CompletionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type Completion struct {
	Text       string
	TokensUsed int
}

type Config struct {
	APIURL  string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// Client - клиент OpenAI-совместимого chat completions API
type Client struct {
	apiURL     string
	apiKey     string
	model      string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	settings := gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Interval:    10 * time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "circuit_breaker", name, "from", from.String(), "to", to.String())
		},
	}

	return &Client{
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		httpClient: &http.Client{Timeout: timeout},
		breaker:    gobreaker.NewCircuitBreaker(settings),
	}
}

func (c *Client) IsConfigured() bool {
	return c.apiKey != "" && c.apiURL != ""
}

func (c *Client) Model() string {
	return c.model
}

// Complete отправляет системный и пользовательский промпт и возвращает ответ модели
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string) (*Completion, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	req := &CompletionRequest{
		Model: c.model,
		Messages: []Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		MaxTokens:   4000,
		Temperature: 0.1,
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.do(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Completion), nil
}

// Ping проверяет доступность API коротким запросом
func (c *Client) Ping(ctx context.Context) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+"/models", nil)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("llm ping failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("llm ping returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) do(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var completion CompletionResponse
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return nil, fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode, err)
	}

	if completion.Error != nil {
		return nil, fmt.Errorf("llm api error: %s", completion.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm api returned status %d", resp.StatusCode)
	}
	if len(completion.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	text := completion.Choices[0].Message.Content
	slog.Info("LLM completion received",
		"model", req.Model,
		"chars", len(text),
		"tokens", completion.Usage.TotalTokens,
		"duration", time.Since(start))

	return &Completion{Text: text, TokensUsed: completion.Usage.TotalTokens}, nil
}
