package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/mineclover/autobe/internal/domain"
	"github.com/mineclover/autobe/internal/observability"
	"github.com/mineclover/autobe/internal/rpc"
)

var errSendTimeout = errors.New("send timed out")

// Options tune one accepted connection.
type Options struct {
	SendBuffer     int
	SendTimeout    time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
	// RunContext scopes conversate turns. Turns outlive the socket.
	RunContext context.Context
	// OnPong is called for every heartbeat answered by the client.
	OnPong func()
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 256
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 1 << 20
	}
	if o.RunContext == nil {
		o.RunContext = context.Background()
	}
	if o.Logger == nil {
		o.Logger = observability.Logger()
	}
}

// Acceptor is one accepted websocket client.
type Acceptor struct {
	conn *websocket.Conn
	opts Options

	sendCh chan []byte
	done   chan struct{}
	once   sync.Once

	enabled atomic.Bool
	pinging atomic.Bool

	mu  sync.Mutex
	svc rpc.Service
}

var _ rpc.Acceptor = (*Acceptor)(nil)

// New wraps an upgraded connection and starts its write pump.
func New(conn *websocket.Conn, opts Options) *Acceptor {
	opts.defaults()
	a := &Acceptor{
		conn:   conn,
		opts:   opts,
		sendCh: make(chan []byte, opts.SendBuffer),
		done:   make(chan struct{}),
	}
	conn.SetReadLimit(opts.MaxMessageSize)
	observability.Go(opts.Logger, "ws.write", a.writePump)
	return a
}

// Driver returns the listener that pushes frames to the client.
func (a *Acceptor) Driver() rpc.Listener {
	return driver{a}
}

// Enabled reports whether the client may start a new turn.
func (a *Acceptor) Enabled() bool {
	return a.enabled.Load()
}

// Accept binds svc and starts serving client calls.
func (a *Acceptor) Accept(svc rpc.Service) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.svc != nil {
		return errors.New("service already accepted")
	}
	select {
	case <-a.done:
		return domain.ErrConnectionClosed
	default:
	}
	a.svc = svc
	observability.Go(a.opts.Logger, "ws.read", a.readPump)
	return nil
}

// Ping sends a ping control frame every interval until the connection closes.
func (a *Acceptor) Ping(interval time.Duration) {
	if interval <= 0 || !a.pinging.CompareAndSwap(false, true) {
		return
	}
	observability.Go(a.opts.Logger, "ws.ping", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-a.done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(a.opts.WriteTimeout)
				if err := a.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					a.Close()
					return
				}
			}
		}
	})
}

// Join is closed once the connection has terminated.
func (a *Acceptor) Join() <-chan struct{} {
	return a.done
}

// Close terminates the connection. Safe to call more than once.
func (a *Acceptor) Close() {
	a.once.Do(func() {
		close(a.done)
		_ = a.conn.Close()
	})
}

// CloseWithError tells the client why the connection is refused, then closes it.
func (a *Acceptor) CloseWithError(err error) {
	reason := err.Error()
	// control frame payloads are capped at 125 bytes
	if len(reason) > 120 {
		reason = reason[:120]
	}
	msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, reason)
	_ = a.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(a.opts.WriteTimeout))
	a.Close()
}

func (a *Acceptor) writePump() {
	defer a.Close()
	for {
		select {
		case <-a.done:
			return
		case data := <-a.sendCh:
			_ = a.conn.SetWriteDeadline(time.Now().Add(a.opts.WriteTimeout))
			if err := a.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					a.opts.Logger.Debug("websocket write failed", "error", err)
				}
				return
			}
		}
	}
}

func (a *Acceptor) readPump() {
	defer a.Close()

	if a.opts.ReadTimeout > 0 {
		_ = a.conn.SetReadDeadline(time.Now().Add(a.opts.ReadTimeout))
	}
	a.conn.SetPongHandler(func(string) error {
		if a.opts.ReadTimeout > 0 {
			_ = a.conn.SetReadDeadline(time.Now().Add(a.opts.ReadTimeout))
		}
		if a.opts.OnPong != nil {
			a.opts.OnPong()
		}
		return nil
	})

	for {
		_, data, err := a.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				a.opts.Logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		a.handle(data)
	}
}

func (a *Acceptor) handle(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		a.reply(context.Background(), Frame{Type: TypeError, Error: "invalid frame"})
		return
	}
	if f.Type != TypeCall {
		a.reply(context.Background(), Frame{Type: TypeError, ID: f.ID, Error: "unknown frame type: " + f.Type})
		return
	}

	a.mu.Lock()
	svc := a.svc
	a.mu.Unlock()

	switch f.Method {
	case MethodConversate:
		if !a.enabled.Load() {
			a.replyErr(f.ID, domain.ErrReadOnly)
			return
		}
		content, err := decodeContent(f.Params)
		if err != nil {
			a.replyErr(f.ID, errors.Wrap(err, "invalid conversate params"))
			return
		}
		id := f.ID
		observability.Go(a.opts.Logger, "ws.conversate", func() {
			if err := svc.Conversate(a.opts.RunContext, content); err != nil {
				a.replyErr(id, err)
				return
			}
			a.replyResult(id, nil)
		})
	case MethodGetTokenUsage:
		a.replyResult(f.ID, svc.TokenUsage())
	case MethodGetPhase:
		a.replyResult(f.ID, svc.Phase())
	default:
		a.replyErr(f.ID, errors.Errorf("unknown method: %s", f.Method))
	}
}

func (a *Acceptor) replyResult(id string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		a.replyErr(id, err)
		return
	}
	a.reply(context.Background(), Frame{Type: TypeResult, ID: id, Result: data})
}

func (a *Acceptor) replyErr(id string, err error) {
	a.reply(context.Background(), Frame{Type: TypeError, ID: id, Error: err.Error()})
}

func (a *Acceptor) reply(ctx context.Context, f Frame) {
	if err := a.send(ctx, f); err != nil {
		a.opts.Logger.Debug("websocket reply dropped", "id", f.ID, "error", err)
	}
}

// send queues a frame for the write pump, waiting at most SendTimeout.
func (a *Acceptor) send(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "marshal frame")
	}
	select {
	case <-a.done:
		return domain.ErrConnectionClosed
	default:
	}

	timer := time.NewTimer(a.opts.SendTimeout)
	defer timer.Stop()
	select {
	case a.sendCh <- data:
		return nil
	case <-a.done:
		return domain.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errSendTimeout
	}
}

type driver struct {
	a *Acceptor
}

func (d driver) event(ctx context.Context, ev domain.Event) error {
	params, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", ev.Kind())
	}
	return d.a.send(ctx, Frame{Type: TypeEvent, Method: string(ev.Kind()), Params: params})
}

func (d driver) UserMessage(ctx context.Context, ev *domain.UserMessageEvent) error {
	return d.event(ctx, ev)
}

func (d driver) AssistantMessage(ctx context.Context, ev *domain.AssistantMessageEvent) error {
	return d.event(ctx, ev)
}

func (d driver) PhaseStart(ctx context.Context, ev *domain.PhaseStartEvent) error {
	return d.event(ctx, ev)
}

func (d driver) PhaseComplete(ctx context.Context, ev *domain.PhaseCompleteEvent) error {
	return d.event(ctx, ev)
}

func (d driver) JSONParseError(ctx context.Context, ev *domain.JSONParseErrorEvent) error {
	return d.event(ctx, ev)
}

func (d driver) JSONValidateError(ctx context.Context, ev *domain.JSONValidateErrorEvent) error {
	return d.event(ctx, ev)
}

func (d driver) Enable(ctx context.Context, enabled bool) error {
	d.a.enabled.Store(enabled)
	params, _ := json.Marshal(enabled)
	return d.a.send(ctx, Frame{Type: TypeEnable, Params: params})
}
