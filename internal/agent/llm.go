package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/mineclover/autobe/internal/domain"
)

const systemPrompt = "You are a backend engineering agent. Analyze the user's request and describe the service you will build."

// LLMConfig configures an LLMAgent.
type LLMConfig struct {
	APIKey   string
	BaseURL  string
	Model    string
	Timezone string
	// Timeout bounds one turn. Zero means no limit.
	Timeout   time.Duration
	Semaphore *semaphore.Weighted
	Options   []option.RequestOption
	Now       func() time.Time
}

// LLMAgent talks to an OpenAI-compatible chat completion endpoint.
type LLMAgent struct {
	base
	client   openai.Client
	model    string
	timezone string
	timeout  time.Duration
	sem      *semaphore.Weighted

	transcript []openai.ChatCompletionMessageParamUnion
}

var _ Agent = (*LLMAgent)(nil)

// NewLLMAgent creates an agent seeded with earlier histories.
func NewLLMAgent(cfg LLMConfig, histories []domain.History) *LLMAgent {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, cfg.Options...)

	a := &LLMAgent{
		client:   openai.NewClient(opts...),
		model:    cfg.Model,
		timezone: cfg.Timezone,
		timeout:  cfg.Timeout,
		sem:      cfg.Semaphore,
	}
	a.init(cfg.Now)
	a.transcript = transcriptOf(histories)
	return a
}

// transcriptOf rebuilds the chat transcript from archived message histories.
func transcriptOf(histories []domain.History) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	for _, h := range histories {
		var data messageData
		if err := json.Unmarshal(h.Data, &data); err != nil {
			continue
		}
		switch h.Type {
		case domain.HistoryTypeUserMessage:
			out = append(out, openai.UserMessage(data.Contents))
		case domain.HistoryTypeAssistantMessage:
			out = append(out, openai.AssistantMessage(data.Text))
		}
	}
	return out
}

// Conversate sends the turn to the model and reports it as an analyze phase.
func (a *LLMAgent) Conversate(ctx context.Context, content string) ([]domain.History, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	step := a.nextStep()
	histories := []domain.History{a.history(domain.HistoryTypeUserMessage, messageData{Contents: content})}
	a.Emit(&domain.UserMessageEvent{EventMeta: a.meta(), Contents: content})

	started := a.now()
	a.setPhase(domain.PhaseAnalyze)
	a.Emit(&domain.PhaseStartEvent{EventMeta: a.meta(), Phase: domain.PhaseAnalyze, Step: step, Reason: "conversation"})

	text, err := a.complete(ctx, content)
	if err != nil {
		return nil, err
	}

	elapsed := a.now().Sub(started).Milliseconds()
	a.Emit(&domain.AssistantMessageEvent{EventMeta: a.meta(), Text: text})
	a.Emit(&domain.PhaseCompleteEvent{EventMeta: a.meta(), Phase: domain.PhaseAnalyze, Step: step, ElapsedMs: elapsed, Summary: summarize(text)})

	a.transcript = append(a.transcript, openai.UserMessage(content), openai.AssistantMessage(text))
	histories = append(histories,
		a.history(domain.HistoryTypeAssistantMessage, messageData{Text: text}),
		a.history(domain.HistoryTypeAnalyze, phaseData{Step: step, ElapsedMs: elapsed, Summary: summarize(text)}),
	)
	return histories, nil
}

func (a *LLMAgent) complete(ctx context.Context, content string) (string, error) {
	if a.sem != nil {
		if err := a.sem.Acquire(ctx, 1); err != nil {
			return "", errors.Wrap(err, "failed to acquire vendor semaphore")
		}
		defer a.sem.Release(1)
	}

	prompt := systemPrompt
	if a.timezone != "" {
		prompt += " The user's timezone is " + a.timezone + "."
	}
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(a.transcript)+2)
	messages = append(messages, openai.SystemMessage(prompt))
	messages = append(messages, a.transcript...)
	messages = append(messages, openai.UserMessage(content))

	resp, err := a.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(a.model),
		Messages: messages,
	})
	if err != nil {
		return "", errors.Wrap(err, "chat completion failed")
	}
	a.usage.Add(domain.TokenUsage{
		Input:       resp.Usage.PromptTokens,
		CachedInput: resp.Usage.PromptTokensDetails.CachedTokens,
		Output:      resp.Usage.CompletionTokens,
		Reasoning:   resp.Usage.CompletionTokensDetails.ReasoningTokens,
		Total:       resp.Usage.TotalTokens,
	})
	if len(resp.Choices) == 0 {
		return "", errors.New("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func summarize(text string) string {
	const limit = 120
	r := []rune(text)
	if len(r) <= limit {
		return text
	}
	return string(r[:limit]) + "…"
}
