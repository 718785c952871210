package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

const (
	anthropicURL     = "https://api.anthropic.com/v1/messages"
	anthropicVersion = "2023-06-01"
	anthropicModel   = "claude-haiku-4-5-20251001"

	narrativeMaxTokens = 2000
)

// Anthropic wraps the Anthropic Messages API.
type Anthropic struct {
	apiKey     string
	url        string
	model      string
	httpClient *http.Client
	delay      time.Duration

	// Local call budget: max calls per minute across all sessions.
	mu        sync.Mutex
	callCount int
	resetAt   time.Time
	maxPerMin int
}

// NewAnthropic creates an Anthropic client. Returns nil if apiKey is empty
// (the backend is simply unavailable).
func NewAnthropic(apiKey string) *Anthropic {
	if apiKey == "" {
		return nil
	}
	return &Anthropic{
		apiKey: apiKey,
		url:    anthropicURL,
		model:  anthropicModel,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		delay:     defaultRetryDelay,
		maxPerMin: 30,
	}
}

// Name implements Generator.
func (c *Anthropic) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []Message `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Generate implements Generator. The Messages API carries the system prompt
// out of band, so leading system entries are split off the list.
func (c *Anthropic) Generate(messages []Message) (string, error) {
	if err := c.checkBudget(); err != nil {
		return "", err
	}

	system, rest := splitSystem(messages)
	body, err := json.Marshal(anthropicRequest{
		Model:     c.model,
		MaxTokens: narrativeMaxTokens,
		System:    system,
		Messages:  rest,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	return withRetries(func() (string, error) {
		return c.call(body)
	}, c.delay)
}

func (c *Anthropic) call(body []byte) (string, error) {
	req, err := http.NewRequest(http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &TransportError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransportError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		return "", &TransportError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("anthropic: %s", truncate(string(respBody), 200)),
		}
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if len(apiResp.Content) == 0 {
		return "", errors.New("empty response")
	}

	return apiResp.Content[0].Text, nil
}

// checkBudget enforces the local per-minute call cap.
func (c *Anthropic) checkBudget() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if now.After(c.resetAt) {
		c.callCount = 0
		c.resetAt = now.Add(time.Minute)
	}
	if c.callCount >= c.maxPerMin {
		return fmt.Errorf("local rate limit exceeded (%d calls/min)", c.maxPerMin)
	}
	c.callCount++
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
