package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/mineclover/autobe/internal/domain"
	"github.com/mineclover/autobe/internal/transport/ws"
)

// Client talks to a hackathon server over HTTP and one websocket.
type Client struct {
	base   *url.URL
	http   *http.Client
	conn   *websocket.Conn
	nextID atomic.Int64

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// NewClient creates a client for the server at base, e.g. http://localhost:37001.
func NewClient(base string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "invalid server address")
	}
	return &Client{base: u, http: http.DefaultClient, done: make(chan struct{})}, nil
}

// CreateSession creates a session and returns it.
func (c *Client) CreateSession(model, timezone, title string) (*domain.Session, error) {
	body, _ := json.Marshal(map[string]string{"model": model, "timezone": timezone, "title": title})
	resp, err := c.http.Post(c.base.String()+"/v1/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session")
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("create session: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, errors.Wrap(err, "failed to decode session")
	}
	return &session, nil
}

// Dial opens the session socket in the given mode.
func (c *Client) Dial(sessionID string, mode domain.ConnectionMode) error {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/v1/sessions/" + url.PathEscape(sessionID) + "/socket"
	u.RawQuery = url.Values{"mode": {string(mode)}}.Encode()

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial: %s", resp.Status)
		}
		return errors.Wrap(err, "dial")
	}
	c.conn = conn
	return nil
}

// Call sends a call frame and returns its id. The reply arrives through Read.
func (c *Client) Call(method string, params interface{}) (string, error) {
	id := strconv.FormatInt(c.nextID.Add(1), 10)
	f := ws.Frame{Type: ws.TypeCall, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return "", err
		}
		f.Params = raw
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(f); err != nil {
		return "", errors.Wrap(err, "write call")
	}
	return id, nil
}

// Read delivers frames to fn until the socket closes.
func (c *Client) Read(fn func(ws.Frame)) error {
	for {
		var f ws.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		fn(f)
	}
}

// Close closes the socket.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Format renders a frame as a single line for the terminal.
func Format(f ws.Frame) string {
	switch f.Type {
	case ws.TypeEvent:
		return fmt.Sprintf("[%s] %s", f.Method, string(f.Params))
	case ws.TypeEnable:
		if string(f.Params) == "true" {
			return "[enable] input enabled"
		}
		return "[enable] read only"
	case ws.TypeResult:
		if len(f.Result) == 0 {
			return fmt.Sprintf("[result #%s] ok", f.ID)
		}
		return fmt.Sprintf("[result #%s] %s", f.ID, string(f.Result))
	case ws.TypeError:
		return fmt.Sprintf("[error #%s] %s", f.ID, f.Error)
	default:
		raw, _ := json.Marshal(f)
		return string(raw)
	}
}
