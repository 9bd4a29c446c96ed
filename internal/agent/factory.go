package agent

import (
	"context"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/mineclover/autobe/internal/config"
	"github.com/mineclover/autobe/internal/domain"
)

const (
	openAIPrefix       = "openai/"
	remotePrefix       = "remote/"
	claudeCodeCLIModel = "claude-code-cli"
)

// Factory builds agents for sessions. All LLM agents share one semaphore.
type Factory struct {
	cfg        *config.Config
	sem        *semaphore.Weighted
	httpClient *http.Client
}

// NewFactory creates a factory from configuration.
func NewFactory(cfg *config.Config) *Factory {
	f := &Factory{cfg: cfg}
	if cfg.Semaphore > 0 {
		f.sem = semaphore.NewWeighted(int64(cfg.Semaphore))
	}
	return f
}

// WithHTTPClient sets the client used by remote agents.
func (f *Factory) WithHTTPClient(c *http.Client) *Factory {
	f.httpClient = c
	return f
}

// Route describes which vendor serves a model.
type Route struct {
	Remote  bool
	APIKey  string
	BaseURL string
	Model   string
}

// Resolve maps a session model onto its vendor.
//
// "openai/<m>" goes to OpenAI, "claude-code-cli" to the configured CLI
// bridge, "remote/<m>" to the remote agent endpoint, anything else to
// OpenRouter.
func (f *Factory) Resolve(model string) (Route, error) {
	switch {
	case strings.HasPrefix(model, remotePrefix):
		if f.cfg.RemoteAgentURL == "" {
			return Route{}, errors.Wrap(domain.ErrMissingCredentials, "REMOTE_AGENT_URL is not set")
		}
		return Route{Remote: true, BaseURL: f.cfg.RemoteAgentURL, Model: strings.TrimPrefix(model, remotePrefix)}, nil
	case strings.HasPrefix(model, openAIPrefix):
		if f.cfg.OpenAIAPIKey == "" {
			return Route{}, errors.Wrap(domain.ErrMissingCredentials, "OPENAI_API_KEY is not set")
		}
		parts := strings.Split(model, "/")
		return Route{APIKey: f.cfg.OpenAIAPIKey, Model: parts[len(parts)-1]}, nil
	}

	if f.cfg.OpenRouterAPIKey == "" {
		return Route{}, errors.Wrap(domain.ErrMissingCredentials, "OPENROUTER_API_KEY is not set")
	}
	route := Route{APIKey: f.cfg.OpenRouterAPIKey, BaseURL: f.cfg.OpenRouterBaseURL, Model: model}
	if model == claudeCodeCLIModel {
		if f.cfg.ClaudeCodeCLIBaseURL == "" {
			return Route{}, errors.Wrap(domain.ErrMissingCredentials, "CLAUDE_CODE_CLI_BASE_URL is not set")
		}
		route.BaseURL = f.cfg.ClaudeCodeCLIBaseURL
	}
	return route, nil
}

// New builds the agent for a session, seeded with its archived histories.
func (f *Factory) New(_ context.Context, session domain.Session, histories []domain.History) (Agent, error) {
	route, err := f.Resolve(session.Model)
	if err != nil {
		return nil, err
	}
	if route.Remote {
		return NewRemoteAgent(RemoteConfig{
			Endpoint:   route.BaseURL,
			SessionID:  session.ID,
			Model:      route.Model,
			HTTPClient: f.httpClient,
		}, histories), nil
	}
	return NewLLMAgent(LLMConfig{
		APIKey:    route.APIKey,
		BaseURL:   route.BaseURL,
		Model:     route.Model,
		Timezone:  session.Timezone,
		Timeout:   f.cfg.AgentTimeout,
		Semaphore: f.sem,
	}, histories), nil
}

// Simulator builds an ephemeral scripted agent.
func (f *Factory) Simulator(_ context.Context) (Agent, error) {
	return NewSimulator(SimulatorOptions{DelayScale: f.cfg.SimulatorDelayScale}), nil
}
