package llm

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSystem(t *testing.T) {
	system, rest := splitSystem([]Message{
		{Role: RoleSystem, Content: "you are the narrator"},
		{Role: RoleUser, Content: "day 1"},
		{Role: RoleAssistant, Content: "{}"},
	})
	assert.Equal(t, "you are the narrator", system)
	require.Len(t, rest, 2)
	assert.Equal(t, RoleUser, rest[0].Role)
}

func TestSplitSystemNoSystem(t *testing.T) {
	system, rest := splitSystem([]Message{{Role: RoleUser, Content: "day 1"}})
	assert.Empty(t, system)
	assert.Len(t, rest, 1)
}

func anthropicTestClient(url string) *Anthropic {
	return &Anthropic{
		apiKey:     "test-key",
		url:        url,
		model:      anthropicModel,
		httpClient: &http.Client{Timeout: time.Second},
		maxPerMin:  1000,
	}
}

func TestAnthropicGenerate(t *testing.T) {
	var gotSystem string
	var gotMessages []Message

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotSystem = req.System
		gotMessages = req.Messages

		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"text": `{"title": "ok"}`}},
		})
	}))
	defer srv.Close()

	c := anthropicTestClient(srv.URL)
	text, err := c.Generate([]Message{
		{Role: RoleSystem, Content: "narrator"},
		{Role: RoleUser, Content: "day 1"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"title": "ok"}`, text)
	assert.Equal(t, "narrator", gotSystem)
	require.Len(t, gotMessages, 1)
	assert.Equal(t, RoleUser, gotMessages[0].Role)
}

func TestAnthropicRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]string{{"text": "recovered"}},
		})
	}))
	defer srv.Close()

	c := anthropicTestClient(srv.URL)
	text, err := c.Generate([]Message{{Role: RoleUser, Content: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "recovered", text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAnthropicRetryBudgetExhausted(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := anthropicTestClient(srv.URL)
	_, err := c.Generate([]Message{{Role: RoleUser, Content: "hi"}})
	require.Error(t, err)
	assert.Equal(t, int32(maxAttempts), calls.Load())

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusTooManyRequests, te.Status)
}

func TestAnthropicClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := anthropicTestClient(srv.URL)
	_, err := c.Generate([]Message{{Role: RoleUser, Content: "hi"}})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestOpenAIGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req openaiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		// System prompt travels as a regular message here.
		require.Len(t, req.Messages, 2)
		assert.Equal(t, RoleSystem, req.Messages[0].Role)

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": `{"title": "ok"}`}},
			},
		})
	}))
	defer srv.Close()

	c := &OpenAI{
		apiKey:     "test-key",
		url:        srv.URL,
		model:      openaiModel,
		httpClient: &http.Client{Timeout: time.Second},
	}
	text, err := c.Generate([]Message{
		{Role: RoleSystem, Content: "narrator"},
		{Role: RoleUser, Content: "day 1"},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"title": "ok"}`, text)
}

func TestTransportErrorRetryable(t *testing.T) {
	cases := []struct {
		status int
		want   bool
	}{
		{0, true},
		{429, true},
		{500, true},
		{503, true},
		{400, false},
		{401, false},
		{404, false},
	}
	for _, tc := range cases {
		te := &TransportError{Status: tc.status}
		assert.Equal(t, tc.want, te.Retryable(), "status %d", tc.status)
	}
}

func TestNewClientsRequireKey(t *testing.T) {
	assert.Nil(t, NewAnthropic(""))
	assert.Nil(t, NewOpenAI(""))
}
