// Package client assembles the realtime stack of one signed-in user: the
// REST client, the session channel, the room multiplexer, and the message,
// call, meeting, and notification components on top of it.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/apiclient"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/call"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/channel"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/clock"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/notify"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/pipeline"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/rooms"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/scheduling"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/settings"
)

var ErrInvalidBaseURL = errors.New("base url must be http or https")

// historyPage is how many messages are loaded when a surface opens.
const historyPage = 50

type Config struct {
	// BaseURL is the server root, e.g. http://localhost:8080.
	BaseURL string
	Token   string

	Media         call.MediaSource
	OnRemoteTrack func(callID string, track *webrtc.TrackRemote)

	Clock clock.Clock
	Log   *slog.Logger
}

type Client struct {
	log *slog.Logger

	api      *apiclient.Client
	channel  *channel.Channel
	rooms    *rooms.Multiplexer
	notify   *notify.Orchestrator
	messages *pipeline.Pipeline
	calls    *call.Manager
	meetings *scheduling.Workflow

	subs channel.Group
	wg   sync.WaitGroup

	mu      sync.Mutex
	members map[string]*rooms.Membership // open surface → room membership
	closed  bool
}

func New(cfg Config) (*Client, error) {
	wsURL, err := channelURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	defaults := settings.Default()

	c := &Client{
		log:     cfg.Log.With("module", "client"),
		api:     apiclient.NewClient(cfg.BaseURL, cfg.Token),
		members: make(map[string]*rooms.Membership),
	}
	c.channel = channel.New(channel.Config{URL: wsURL, Token: cfg.Token, Clock: cfg.Clock, Log: cfg.Log})
	c.rooms = rooms.New(c.channel, rooms.Config{
		TypingExpiry: time.Duration(defaults.TypingTimeoutMs) * time.Millisecond,
		Clock:        cfg.Clock,
		Log:          cfg.Log,
	})
	c.notify = notify.New(notify.Config{MaxSurfaces: defaults.MaxSurfaces, Clock: cfg.Clock, Log: cfg.Log})
	c.messages = pipeline.New(c.rooms, c.api, c.notify, pipeline.Config{Clock: cfg.Clock, Log: cfg.Log})
	c.calls = call.NewManager(c.rooms, call.Config{
		Media:      cfg.Media,
		NewPeer:    call.NewPionFactory(cfg.OnRemoteTrack),
		ICEServers: func() []settings.ICEServer { return c.channel.Settings().ICEServers },
		Recorder:   c.messages,
		Clock:      cfg.Clock,
		Log:        cfg.Log,
	})
	c.meetings = scheduling.New(c.rooms, c.api, scheduling.Config{Clock: cfg.Clock, Log: cfg.Log})

	c.subs.Add(
		c.channel.OnSettings(c.applySettings),
		c.calls.OnChange(c.notify.HandleCall),
		c.notify.OnChange(c.surfaceChanged),
	)
	return c, nil
}

// channelURL maps the server root to its websocket endpoint.
func channelURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", ErrInvalidBaseURL
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	u.RawQuery, u.Fragment = "", ""
	return u.String(), nil
}

// Start connects the channel and waits for the first authentication.
func (c *Client) Start(ctx context.Context) error {
	return c.channel.Connect(ctx)
}

// Close tears the stack down from the top. Open calls are ended.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	members := c.members
	c.members = make(map[string]*rooms.Membership)
	c.mu.Unlock()

	c.subs.Close()
	c.meetings.Close()
	c.calls.Close()
	c.messages.Close()
	c.notify.Close()
	c.wg.Wait()
	for _, ms := range members {
		ms.Close()
	}
	c.rooms.Close()
	c.channel.Disconnect()
}

func (c *Client) UserID() string { return c.channel.UserID() }
func (c *Client) API() *apiclient.Client { return c.api }
func (c *Client) Channel() *channel.Channel { return c.channel }
func (c *Client) Rooms() *rooms.Multiplexer { return c.rooms }
func (c *Client) Messages() *pipeline.Pipeline { return c.messages }
func (c *Client) Calls() *call.Manager { return c.calls }
func (c *Client) Meetings() *scheduling.Workflow { return c.meetings }
func (c *Client) Surfaces() *notify.Orchestrator { return c.notify }

// Opener is the capability to bring a conversation up. Hand it to views
// that need to open conversations instead of the whole client.
func (c *Client) Opener() notify.Opener { return c.notify }

func (c *Client) applySettings(s settings.Settings) {
	if s.TypingTimeoutMs > 0 {
		c.rooms.SetTypingExpiry(time.Duration(s.TypingTimeoutMs) * time.Millisecond)
	}
	c.notify.SetMaxSurfaces(s.MaxSurfaces)
}

func (c *Client) surfaceChanged(ch notify.Change) {
	switch ch.Kind {
	case notify.SurfaceOpened:
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.wg.Add(1)
		c.mu.Unlock()
		go func() {
			defer c.wg.Done()
			c.attach(ch.ConversationID)
		}()
	case notify.SurfaceClosed:
		c.mu.Lock()
		ms := c.members[ch.ConversationID]
		delete(c.members, ch.ConversationID)
		c.mu.Unlock()
		if ms != nil {
			ms.Close()
		}
	}
}

// attach joins the room of a newly opened surface, loads its history and
// meetings, and marks it read.
func (c *Client) attach(conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	log := c.log.With("conversationId", conversationID)

	ms, err := c.rooms.Join(ctx, conversationID)
	if err != nil {
		log.Warn("failed to join room", "error", err)
		return
	}
	c.mu.Lock()
	if c.closed || !c.notify.IsOpen(conversationID) || c.members[conversationID] != nil {
		c.mu.Unlock()
		ms.Close()
		return
	}
	c.members[conversationID] = ms
	c.mu.Unlock()

	if err := c.messages.Load(ctx, conversationID, historyPage); err != nil {
		log.Warn("failed to load messages", "error", err)
	}
	if err := c.meetings.Load(ctx, conversationID); err != nil {
		log.Warn("failed to load meetings", "error", err)
	}
	if err := c.messages.MarkRead(ctx, conversationID); err != nil {
		log.Debug("failed to mark read", "error", err)
	}
}
