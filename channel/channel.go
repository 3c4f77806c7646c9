// Package channel is the client side of the session channel: one
// authenticated JSON-RPC connection per user, re-established in the
// background after every drop, with inbound events fanned out to
// subscription handles.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/clock"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/rpc"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/settings"
	"github.com/sourcegraph/jsonrpc2"
)

var (
	ErrNotConnected = errors.New("channel is not connected")
	ErrUnauthorized = errors.New("channel token was rejected")
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Conn is what the room, message, call and meeting components need from
// a channel.
type Conn interface {
	Emit(ctx context.Context, event string, params any) error
	Subscribe(event string, h Handler) *Subscription
	OnState(fn func(State)) *Subscription
	UserID() string
}

type Config struct {
	// URL is the websocket endpoint, e.g. ws://host:8080/ws.
	URL   string
	Token string

	MinBackoff  time.Duration // default 500ms
	MaxBackoff  time.Duration // default 10s
	AuthTimeout time.Duration // dial plus auth, default 10s

	Clock clock.Clock
	Log   *slog.Logger
}

type Channel struct {
	*Bus

	cfg      Config
	log      *slog.Logger
	settings Listeners[settings.Settings]

	mu      sync.Mutex
	token   string
	state   State
	conn    *jsonrpc2.Conn
	userID  string
	current settings.Settings
	authErr error
	cancel  context.CancelFunc
	done    chan struct{}
}

var _ Conn = (*Channel)(nil)

func New(cfg Config) *Channel {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	c := &Channel{
		Bus:     NewBus(),
		cfg:     cfg,
		log:     cfg.Log.With("module", "channel"),
		token:   cfg.Token,
		current: settings.Default(),
	}
	c.Subscribe(rpc.SettingsChanged, c.handleSettingsChanged)
	return c
}

// Connect starts the connection loop and waits until the first
// successful authentication, a rejected token, or ctx expiry. After a ctx
// expiry the loop keeps retrying in the background. Calling Connect
// while the loop runs is a no-op.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ready := make(chan error, 1)
	c.cancel = cancel
	c.done = done
	c.authErr = nil
	c.mu.Unlock()

	go c.run(runCtx, done, ready)

	select {
	case err := <-ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect stops the loop and closes the connection. Safe to call when
// not connected.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// SetToken replaces the token used by the next authentication.
func (c *Channel) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID is the identity bound by the last successful authentication.
func (c *Channel) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Settings returns the server settings received at auth time or pushed
// since.
func (c *Channel) Settings() settings.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Channel) OnSettings(fn func(settings.Settings)) *Subscription {
	return c.settings.Add(fn)
}

// Emit sends event as a notification. Events emitted while the
// connection is down are not queued.
func (c *Channel) Emit(ctx context.Context, event string, params any) error {
	c.mu.Lock()
	conn, authErr := c.conn, c.authErr
	c.mu.Unlock()

	if authErr != nil {
		return authErr
	}
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Notify(ctx, event, params); err != nil {
		if errors.Is(err, jsonrpc2.ErrClosed) {
			return ErrNotConnected
		}
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (c *Channel) run(ctx context.Context, done chan struct{}, ready chan error) {
	defer close(done)

	report := func(err error) {
		select {
		case ready <- err:
		default:
		}
	}

	backoff := c.cfg.MinBackoff
	for {
		connected, err := c.serve(ctx, report)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrUnauthorized) {
			c.log.Warn("token rejected, giving up")
			c.mu.Lock()
			c.authErr = err
			if c.done == done {
				c.cancel, c.done = nil, nil
			}
			c.mu.Unlock()
			report(err)
			return
		}
		if connected {
			backoff = c.cfg.MinBackoff
		}

		c.log.Info("connection lost, retrying", "in", backoff, "error", err)
		if !c.sleep(ctx, backoff) {
			return
		}
		backoff = min(backoff*2, c.cfg.MaxBackoff)
	}
}

// serve runs one connection until it drops. It reports whether
// authentication succeeded.
func (c *Channel) serve(ctx context.Context, report func(error)) (bool, error) {
	c.setState(Connecting)
	defer c.setState(Disconnected)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.AuthTimeout)
	defer cancel()

	wsConn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}

	conn := jsonrpc2.NewConn(ctx, rpc.NewWebSocketStream(wsConn), &dispatcher{c: c})

	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	var res rpc.AuthResult
	if err := conn.Call(dialCtx, rpc.MethodAuth, rpc.AuthParams{Token: token}, &res); err != nil {
		conn.Close()
		var rpcErr *jsonrpc2.Error
		if errors.As(err, &rpcErr) && rpcErr.Code == rpc.CodeUnauthorized {
			return false, ErrUnauthorized
		}
		return false, fmt.Errorf("auth: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.userID = res.UserID
	c.current = res.Settings
	c.mu.Unlock()

	c.log.Info("connected", "userId", res.UserID, "serverVersion", res.Version)
	c.settings.Emit(res.Settings)
	c.setState(Connected)
	report(nil)

	select {
	case <-conn.DisconnectNotify():
	case <-ctx.Done():
		conn.Close()
	}

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
	return true, errors.New("connection closed")
}

func (c *Channel) sleep(ctx context.Context, d time.Duration) bool {
	fired := make(chan struct{})
	t := c.cfg.Clock.AfterFunc(d, func() { close(fired) })
	select {
	case <-fired:
		return true
	case <-ctx.Done():
		t.Stop()
		return false
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.log.Debug("state changed", "state", s)
	c.PublishState(s)
}

func (c *Channel) handleSettingsChanged(raw json.RawMessage) {
	var params rpc.SettingsChangedParams
	if err := json.Unmarshal(raw, &params); err != nil {
		c.log.Warn("invalid settings_changed", "error", err)
		return
	}
	c.mu.Lock()
	c.current = params.Settings
	c.mu.Unlock()
	c.settings.Emit(params.Settings)
}

// dispatcher runs on the connection's read goroutine, so events are
// published one at a time in arrival order.
type dispatcher struct {
	c *Channel
}

func (d *dispatcher) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	if !req.Notif {
		err := &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: "client accepts notifications only"}
		if replyErr := conn.ReplyWithError(ctx, req.ID, err); replyErr != nil {
			d.c.log.Debug("failed to send error response", "error", replyErr)
		}
		return
	}

	var params json.RawMessage
	if req.Params != nil {
		params = *req.Params
	}
	if !d.c.Publish(req.Method, params) {
		d.c.log.Debug("unhandled event", "method", req.Method)
	}
}
