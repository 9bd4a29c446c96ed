package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mineclover/autobe/internal/config"
	"github.com/mineclover/autobe/internal/domain"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) listen(a Agent, kinds ...domain.EventType) {
	if len(kinds) == 0 {
		kinds = domain.EventTypes()
	}
	for _, k := range kinds {
		a.On(k, func(ev domain.Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		})
	}
}

func (r *recorder) kinds() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind()
	}
	return out
}

func TestEmitterDeliversInSubscriptionOrder(t *testing.T) {
	var e Emitter
	var calls []string
	e.On(domain.EventTypeUserMessage, func(domain.Event) { calls = append(calls, "first") })
	e.On(domain.EventTypeUserMessage, func(domain.Event) { calls = append(calls, "second") })
	e.On(domain.EventTypeAssistantMessage, func(domain.Event) { calls = append(calls, "other") })

	e.Emit(&domain.UserMessageEvent{Contents: "hi"})
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestUsageCounter(t *testing.T) {
	var c UsageCounter
	c.Add(domain.TokenUsage{Input: 5, Total: 5})
	c.Add(domain.TokenUsage{Output: 3, Total: 3})
	assert.Equal(t, domain.TokenUsage{Input: 5, Output: 3, Total: 8}, c.Snapshot())

	c.Assign(domain.TokenUsage{Total: 1})
	assert.Equal(t, domain.TokenUsage{Total: 1}, c.Snapshot())
}

func TestSimulatorPlaysDefaultScenario(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{})
	rec := &recorder{}
	rec.listen(sim)

	histories, err := sim.Conversate(context.Background(), "build a todo app")
	require.NoError(t, err)

	kinds := rec.kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, domain.EventTypeUserMessage, kinds[0])
	assert.Equal(t, domain.EventTypeAssistantMessage, kinds[len(kinds)-1])
	assert.Contains(t, kinds, domain.EventTypeJSONValidateError)
	assert.Equal(t, string(domain.PhaseRealize), sim.Phase())

	require.Len(t, histories, 7)
	assert.Equal(t, domain.HistoryTypeUserMessage, histories[0].Type)
	assert.Equal(t, domain.HistoryTypeAnalyze, histories[1].Type)
	assert.Equal(t, domain.HistoryTypeAssistantMessage, histories[6].Type)

	usage := sim.Usage().Snapshot()
	assert.Equal(t, usage.Input+usage.Output, usage.Total)
	assert.Positive(t, usage.Reasoning)
}

func TestSimulatorHonoursCancellation(t *testing.T) {
	sim := NewSimulator(SimulatorOptions{DelayScale: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sim.Conversate(ctx, "hi")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseScenarioRejectsUnknownEvents(t *testing.T) {
	_, err := ParseScenario([]byte("steps:\n  - event: deployStart\n"))
	assert.Error(t, err)

	_, err = ParseScenario([]byte("steps:\n  - event: userMessage\n"))
	assert.Error(t, err)

	sc, err := ParseScenario([]byte("name: tiny\nsteps:\n  - event: testStart\n  - event: testComplete\n"))
	require.NoError(t, err)
	assert.Len(t, sc.Steps, 2)
}

func TestFactoryResolve(t *testing.T) {
	f := NewFactory(&config.Config{
		OpenAIAPIKey:         "sk-openai",
		OpenRouterAPIKey:     "sk-router",
		OpenRouterBaseURL:    "https://openrouter.ai/api/v1",
		ClaudeCodeCLIBaseURL: "http://cli-bridge:8080/v1",
		RemoteAgentURL:       "http://agent:9000",
		Semaphore:            2,
	})

	tests := []struct {
		model string
		want  Route
	}{
		{"openai/gpt-4.1", Route{APIKey: "sk-openai", Model: "gpt-4.1"}},
		{"qwen/qwen3-coder", Route{APIKey: "sk-router", BaseURL: "https://openrouter.ai/api/v1", Model: "qwen/qwen3-coder"}},
		{"claude-code-cli", Route{APIKey: "sk-router", BaseURL: "http://cli-bridge:8080/v1", Model: "claude-code-cli"}},
		{"remote/autobe", Route{Remote: true, BaseURL: "http://agent:9000", Model: "autobe"}},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got, err := f.Resolve(tt.model)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFactoryMissingCredentials(t *testing.T) {
	f := NewFactory(&config.Config{})
	for _, model := range []string{"openai/gpt-4.1", "qwen/qwen3-coder", "remote/x"} {
		_, err := f.New(context.Background(), domain.Session{ID: "s1", Model: model}, nil)
		assert.True(t, errors.Is(err, domain.ErrMissingCredentials), model)
	}

	f = NewFactory(&config.Config{OpenRouterAPIKey: "sk"})
	_, err := f.Resolve("claude-code-cli")
	assert.True(t, errors.Is(err, domain.ErrMissingCredentials))
}

func TestLLMAgentConversate(t *testing.T) {
	var captured struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"), r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &captured))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4.1",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "I will build a todo API."}}],
			"usage": {"prompt_tokens": 40, "completion_tokens": 12, "total_tokens": 52,
				"prompt_tokens_details": {"cached_tokens": 8},
				"completion_tokens_details": {"reasoning_tokens": 3}}
		}`)
	}))
	defer srv.Close()

	seeded := []domain.History{
		{Type: domain.HistoryTypeUserMessage, Data: json.RawMessage(`{"contents":"hello"}`)},
		{Type: domain.HistoryTypeAssistantMessage, Data: json.RawMessage(`{"text":"hi there"}`)},
		{Type: domain.HistoryTypeAnalyze, Data: json.RawMessage(`{"step":1}`)},
	}
	a := NewLLMAgent(LLMConfig{APIKey: "sk-test", BaseURL: srv.URL, Model: "gpt-4.1", Timezone: "UTC", Timeout: 5 * time.Second}, seeded)
	rec := &recorder{}
	rec.listen(a)

	histories, err := a.Conversate(context.Background(), "a todo app please")
	require.NoError(t, err)

	assert.Equal(t, "gpt-4.1", captured.Model)
	require.Len(t, captured.Messages, 4)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "hello", captured.Messages[1].Content)
	assert.Equal(t, "a todo app please", captured.Messages[3].Content)

	assert.Equal(t, []domain.EventType{
		domain.EventTypeUserMessage,
		domain.EventTypeAnalyzeStart,
		domain.EventTypeAssistantMessage,
		domain.EventTypeAnalyzeComplete,
	}, rec.kinds())
	require.Len(t, histories, 3)
	assert.Equal(t, domain.HistoryTypeAnalyze, histories[2].Type)
	assert.Equal(t, domain.TokenUsage{Input: 40, CachedInput: 8, Output: 12, Reasoning: 3, Total: 52}, a.Usage().Snapshot())
	assert.Equal(t, "analyze", a.Phase())
}

func TestLLMAgentPropagatesVendorErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad model","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	a := NewLLMAgent(LLMConfig{APIKey: "sk", BaseURL: srv.URL, Model: "nope"}, nil)
	_, err := a.Conversate(context.Background(), "hi")
	assert.Error(t, err)
}

func TestRemoteAgentStreamsEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversate", r.URL.Path)
		assert.Equal(t, "s1", r.Header.Get("X-Session-ID"))
		var req remoteRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "make it faster", req.Content)
		assert.Len(t, req.Histories, 1)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: userMessage\ndata: {\"id\":\"e1\",\"contents\":\"make it faster\"}\n\n")
		fmt.Fprint(w, "event: realizeStart\ndata: {\"id\":\"e2\",\"step\":2}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "event: usage\ndata: {\"input\":10,\"output\":4,\"total\":14}\n\n")
		fmt.Fprint(w, "event: jsonParseError\ndata: {\"id\":\"e3\",\"function\":\"write\"}\n\n")
		fmt.Fprint(w, "event: realizeComplete\ndata: {\"id\":\"e4\",\"step\":2}\n\n")
		fmt.Fprint(w, "event: history\ndata: {\"id\":\"h1\",\"type\":\"realize\"}\n\n")
		fmt.Fprint(w, "event: done\ndata: {}\n\n")
	}))
	defer srv.Close()

	a := NewRemoteAgent(RemoteConfig{Endpoint: srv.URL + "/", SessionID: "s1", Model: "autobe"},
		[]domain.History{{ID: "h0", Type: domain.HistoryTypeUserMessage}})
	rec := &recorder{}
	rec.listen(a)

	histories, err := a.Conversate(context.Background(), "make it faster")
	require.NoError(t, err)
	assert.Equal(t, []domain.EventType{
		domain.EventTypeUserMessage,
		domain.EventTypeRealizeStart,
		domain.EventTypeJSONParseError,
		domain.EventTypeRealizeComplete,
	}, rec.kinds())
	require.Len(t, histories, 1)
	assert.Equal(t, "h1", histories[0].ID)
	assert.Equal(t, int64(14), a.Usage().Snapshot().Total)
	assert.Equal(t, "realize", a.Phase())
}

func TestRemoteAgentErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("X-Session-ID") {
		case "fail":
			fmt.Fprint(w, "event: error\ndata: {\"message\":\"compiler crashed\"}\n\n")
		case "short":
			fmt.Fprint(w, "event: userMessage\ndata: {\"contents\":\"x\"}\n\n")
		default:
			http.Error(w, "nope", http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	for _, sid := range []string{"fail", "short", "status"} {
		a := NewRemoteAgent(RemoteConfig{Endpoint: srv.URL, SessionID: sid}, nil)
		_, err := a.Conversate(context.Background(), "x")
		assert.Error(t, err, sid)
	}
}

func TestParseSSEFlushesTrailingEvent(t *testing.T) {
	var got []SSEEvent
	err := parseSSE(strings.NewReader("event: a\ndata: 1\ndata: 2\n\nevent: b\ndata: 3"), func(e SSEEvent) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []SSEEvent{{Event: "a", Data: "1\n2"}, {Event: "b", Data: "3"}}, got)
}
