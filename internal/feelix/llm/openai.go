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
	"sync/atomic"
	"time"

	"github.com/bdobrica/feelix/internal/feelix/dialog"
)

const (
	defaultModel   = "llama-3.3-70b-versatile"
	defaultTimeout = 60 * time.Second
	maxErrorBody   = 512
)

// ErrNoKeys is returned by New when no API key is configured.
var ErrNoKeys = errors.New("llm: at least one API key is required")

// GatewayURL returns the Groq endpoint behind a Cloudflare AI gateway.
func GatewayURL(accountID, gatewayID string) string {
	return fmt.Sprintf("https://gateway.ai.cloudflare.com/v1/%s/%s/groq", accountID, gatewayID)
}

// Config configures the chat-completions client.
type Config struct {
	// APIKeys are used in round-robin order, one per request.
	APIKeys []string

	// BaseURL is the API root; "/chat/completions" is appended.
	BaseURL string

	// Model defaults to llama-3.3-70b-versatile.
	Model string

	// Timeout is the HTTP request timeout. Defaults to 60 s.
	Timeout time.Duration

	Logger *slog.Logger
}

// Client is a Completer backed by an OpenAI-compatible HTTP API. It is
// safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	next   atomic.Uint64
	logger *slog.Logger
}

// New returns a Client.
func New(cfg Config) (*Client, error) {
	keys := make([]string, 0, len(cfg.APIKeys))
	for _, k := range cfg.APIKeys {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("llm: base URL is required")
	}
	cfg.APIKeys = keys
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.cfg.Model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Complete sends the conversation and returns the first choice's content.
func (c *Client) Complete(ctx context.Context, msgs []dialog.Message, p Params) (string, error) {
	body := chatRequest{
		Model:       c.cfg.Model,
		Messages:    make([]chatMessage, 0, len(msgs)),
		Temperature: p.Temperature,
		TopP:        p.TopP,
		MaxTokens:   p.MaxTokens,
	}
	for _, m := range msgs {
		body.Messages = append(body.Messages, chatMessage{Role: m.Role.String(), Content: m.Content})
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("llm: create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.key())

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llm: read response body: %w", err)
	}
	c.logger.Debug("llm: completion", "model", c.cfg.Model, "status", resp.StatusCode,
		"messages", len(msgs), "duration", time.Since(start))

	var out chatResponse
	decodeErr := json.Unmarshal(raw, &out)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && out.Error != nil {
			msg = out.Error.Message
		}
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return "", &UpstreamError{Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return "", fmt.Errorf("llm: decode response: %w", decodeErr)
	}
	if out.Error != nil {
		return "", &UpstreamError{Message: out.Error.Message}
	}
	if len(out.Choices) == 0 {
		return "", &UpstreamError{Status: resp.StatusCode, Message: "no choices returned"}
	}
	return out.Choices[0].Message.Content, nil
}

func (c *Client) key() string {
	n := c.next.Add(1) - 1
	return c.cfg.APIKeys[n%uint64(len(c.cfg.APIKeys))]
}
