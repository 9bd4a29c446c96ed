package main

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mineclover/autobe/internal/agent"
	"github.com/mineclover/autobe/internal/config"
	"github.com/mineclover/autobe/internal/domain"
	"github.com/mineclover/autobe/internal/service"
	"github.com/mineclover/autobe/internal/testutil"
	server "github.com/mineclover/autobe/internal/transport/http"
	"github.com/mineclover/autobe/internal/transport/ws"
)

func newTestServer(t *testing.T) string {
	t.Helper()
	cfg := &config.Config{
		OpenAIAPIKey:         "sk-test",
		Semaphore:            1,
		CatchupPollInterval:  20 * time.Millisecond,
		ReplayDelay:          time.Millisecond,
		PingInterval:         time.Second,
		SendTimeout:          time.Second,
		SendBuffer:           64,
		SnapshotQueueSize:    64,
		ConnectionStaleAfter: time.Minute,
	}
	db := testutil.NewTestSQLiteStore(t)
	reg := prometheus.NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	svc := service.New(db, db, agent.NewFactory(cfg), cfg, nil, nil)
	srv := httptest.NewServer(server.NewServer(ctx, svc, cfg, reg))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestClientSimulatesTurn(t *testing.T) {
	client, err := NewClient(newTestServer(t))
	require.NoError(t, err)

	session, err := client.CreateSession("openai/gpt-4.1", "UTC", "todo")
	require.NoError(t, err)
	assert.Equal(t, "todo", session.Title)

	require.NoError(t, client.Dial(session.ID, domain.ConnectionModeSimulate))
	defer client.Close()

	frames := make(chan ws.Frame, 256)
	go client.Read(func(f ws.Frame) { frames <- f })

	select {
	case f := <-frames:
		require.Equal(t, ws.TypeEnable, f.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no enable frame")
	}

	id, err := client.Call(ws.MethodConversate, ws.ConversateParams{Content: "build a todo app"})
	require.NoError(t, err)

	var events int
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f := <-frames:
			if f.Type == ws.TypeEvent {
				events++
			}
			if f.ID == id {
				assert.Equal(t, ws.TypeResult, f.Type, f.Error)
				assert.Positive(t, events)
				return
			}
		case <-timeout:
			t.Fatal("no result frame")
		}
	}
}

func TestClientCreateSessionReportsStatus(t *testing.T) {
	client, err := NewClient(newTestServer(t))
	require.NoError(t, err)

	_, err = client.CreateSession("", "UTC", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}

func TestClientDialUnknownSession(t *testing.T) {
	client, err := NewClient(newTestServer(t))
	require.NoError(t, err)

	err = client.Dial("missing", domain.ConnectionModeConnect)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "[enable] input enabled", Format(ws.Frame{Type: ws.TypeEnable, Params: json.RawMessage("true")}))
	assert.Equal(t, "[enable] read only", Format(ws.Frame{Type: ws.TypeEnable, Params: json.RawMessage("false")}))
	assert.Equal(t, `[userMessage] {"contents":"hi"}`, Format(ws.Frame{Type: ws.TypeEvent, Method: "userMessage", Params: json.RawMessage(`{"contents":"hi"}`)}))
	assert.Equal(t, "[error #3] busy", Format(ws.Frame{Type: ws.TypeError, ID: "3", Error: "busy"}))
	assert.Equal(t, "[result #2] ok", Format(ws.Frame{Type: ws.TypeResult, ID: "2"}))
}
