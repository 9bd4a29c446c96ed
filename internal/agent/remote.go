package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/mineclover/autobe/internal/domain"
)

// SSE control events sent by a remote agent besides domain events.
const (
	sseEventUsage   = "usage"
	sseEventHistory = "history"
	sseEventDone    = "done"
	sseEventError   = "error"
)

// SSEEvent represents a parsed SSE event.
type SSEEvent struct {
	Event string
	Data  string
}

// RemoteConfig configures a RemoteAgent.
type RemoteConfig struct {
	Endpoint   string
	SessionID  string
	Model      string
	HTTPClient *http.Client
	Now        func() time.Time
}

// RemoteAgent delegates turns to an agent process reachable over HTTP and
// relays the events it streams back.
type RemoteAgent struct {
	base
	endpoint   string
	sessionID  string
	model      string
	httpClient *http.Client
	histories  []domain.History
}

var _ Agent = (*RemoteAgent)(nil)

type remoteRequest struct {
	SessionID string           `json:"session_id"`
	Model     string           `json:"model"`
	Content   string           `json:"content"`
	Histories []domain.History `json:"histories"`
}

// NewRemoteAgent creates a remote agent seeded with earlier histories.
func NewRemoteAgent(cfg RemoteConfig, histories []domain.History) *RemoteAgent {
	client := cfg.HTTPClient
	if client == nil {
		// Long timeout for streaming
		client = &http.Client{Timeout: 30 * time.Minute}
	}
	a := &RemoteAgent{
		endpoint:   strings.TrimSuffix(cfg.Endpoint, "/"),
		sessionID:  cfg.SessionID,
		model:      cfg.Model,
		httpClient: client,
		histories:  append([]domain.History(nil), histories...),
	}
	a.init(cfg.Now)
	return a
}

// Conversate posts the turn and streams events until the agent reports done.
func (a *RemoteAgent) Conversate(ctx context.Context, content string) ([]domain.History, error) {
	body, err := json.Marshal(remoteRequest{
		SessionID: a.sessionID,
		Model:     a.model,
		Content:   content,
		Histories: a.histories,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/conversate", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-Session-ID", a.sessionID)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to invoke remote agent")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("remote agent returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var produced []domain.History
	done := false
	err = parseSSE(resp.Body, func(e SSEEvent) error {
		if done {
			return nil
		}
		switch e.Event {
		case sseEventUsage:
			var usage domain.TokenUsage
			if err := json.Unmarshal([]byte(e.Data), &usage); err != nil {
				return errors.Wrap(err, "failed to parse usage event")
			}
			a.usage.Assign(usage)
		case sseEventHistory:
			var h domain.History
			if err := json.Unmarshal([]byte(e.Data), &h); err != nil {
				return errors.Wrap(err, "failed to parse history event")
			}
			produced = append(produced, h)
		case sseEventDone:
			done = true
		case sseEventError:
			var payload struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal([]byte(e.Data), &payload)
			return fmt.Errorf("remote agent failed: %s", payload.Message)
		default:
			ev, err := domain.DecodeEvent(domain.EventType(e.Event), []byte(e.Data))
			if err != nil {
				return err
			}
			a.observe(ev)
			a.Emit(ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !done {
		return nil, errors.New("remote agent stream ended without done event")
	}
	a.histories = append(a.histories, produced...)
	return produced, nil
}

// parseSSE parses an SSE stream and calls the handler for each event.
func parseSSE(reader io.Reader, handler func(SSEEvent) error) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var event SSEEvent

	for scanner.Scan() {
		line := scanner.Text()

		// Empty line marks end of event
		if line == "" {
			if event.Event != "" || event.Data != "" {
				if err := handler(event); err != nil {
					return err
				}
				event = SSEEvent{}
			}
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if event.Data != "" {
				event.Data += "\n" + data
			} else {
				event.Data = data
			}
		}
	}

	if event.Event != "" || event.Data != "" {
		if err := handler(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}
