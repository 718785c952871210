package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	openaiURL   = "https://api.openai.com/v1/chat/completions"
	openaiModel = "gpt-4o-mini"
)

// OpenAI wraps an OpenAI-compatible chat-completions API.
type OpenAI struct {
	apiKey     string
	url        string
	model      string
	httpClient *http.Client
	delay      time.Duration
}

// NewOpenAI creates an OpenAI client. Returns nil if apiKey is empty.
func NewOpenAI(apiKey string) *OpenAI {
	if apiKey == "" {
		return nil
	}
	return &OpenAI{
		apiKey: apiKey,
		url:    openaiURL,
		model:  openaiModel,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		delay: defaultRetryDelay,
	}
}

// Name implements Generator.
func (c *OpenAI) Name() string { return "openai" }

type openaiRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens,omitempty"`
	Messages  []Message `json:"messages"`
}

type openaiResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Generate implements Generator. Chat completions take the system prompt as
// a regular message, so the list ships unchanged.
func (c *OpenAI) Generate(messages []Message) (string, error) {
	body, err := json.Marshal(openaiRequest{
		Model:     c.model,
		MaxTokens: narrativeMaxTokens,
		Messages:  messages,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	return withRetries(func() (string, error) {
		return c.call(body)
	}, c.delay)
}

func (c *OpenAI) call(body []byte) (string, error) {
	req, err := http.NewRequest(http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

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
			Err:    fmt.Errorf("openai: %s", truncate(string(respBody), 200)),
		}
	}

	var apiResp openaiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return "", errors.New("empty response")
	}

	return apiResp.Choices[0].Message.Content, nil
}
