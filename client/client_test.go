package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/api"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/auth"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/events"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/hub"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/logger"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/middleware"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/notify"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/pipeline"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/settings"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/store"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/ws"
)

const testSecret = "test-secret"

func startServer(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "realtime.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	settingsStore, err := settings.NewStore(dir)
	if err != nil {
		t.Fatalf("failed to create settings store: %v", err)
	}
	uploads, err := api.NewUploadStore(filepath.Join(dir, "uploads"))
	if err != nil {
		t.Fatal(err)
	}

	tokens := auth.NewJWT(testSecret)
	h := hub.New()
	emitter := events.NewEmitter(events.Nop{}, logger.Discard())

	mux := http.NewServeMux()
	api.Register(mux,
		api.NewConversationHandler(st, uploads, h, emitter),
		api.NewMeetingHandler(st, emitter),
		uploads,
	)
	rpcHandler := ws.NewRPCHandler(tokens, st, h, settingsStore, ws.Options{Version: "test", DevMode: true})
	mux.Handle("GET /ws", rpcHandler)
	t.Cleanup(rpcHandler.Stop)

	srv := httptest.NewServer(middleware.Auth(tokens)(mux))
	t.Cleanup(srv.Close)
	return srv.URL
}

func newTestClient(t *testing.T, baseURL, userID string) *Client {
	t.Helper()
	token, err := auth.NewJWT(testSecret).Sign(userID, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	c, err := New(Config{BaseURL: baseURL, Token: token, Log: logger.Discard()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestChannelURL(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws", false},
		{"https://chat.example.com/", "wss://chat.example.com/ws", false},
		{"https://example.com/realtime?x=1", "wss://example.com/realtime/ws", false},
		{"ftp://example.com", "", true},
		{"://bad", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := channelURL(tt.base)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNew_InvalidBaseURL(t *testing.T) {
	if _, err := New(Config{BaseURL: "ws://example.com"}); !errors.Is(err, ErrInvalidBaseURL) {
		t.Errorf("got %v, want ErrInvalidBaseURL", err)
	}
}

func TestClient_MessageToClosedConversation(t *testing.T) {
	baseURL := startServer(t)
	seller := newTestClient(t, baseURL, "seller")
	buyer := newTestClient(t, baseURL, "buyer")

	if seller.UserID() != "seller" {
		t.Fatalf("UserID = %q", seller.UserID())
	}
	if got := seller.Channel().Settings().MaxSurfaces; got != settings.Default().MaxSurfaces {
		t.Errorf("MaxSurfaces = %d", got)
	}

	ctx := context.Background()
	conv, err := buyer.API().CreateConversation(ctx, "seller")
	if err != nil {
		t.Fatalf("CreateConversation: %v", err)
	}

	msg, err := buyer.Messages().Send(ctx, conv.ID, "is this still available?", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	log := buyer.Messages().Log(conv.ID)
	if len(log) != 1 || log[0].Status != pipeline.StatusSent || log[0].Message.ID != msg.ID {
		t.Fatalf("buyer log = %+v", log)
	}

	// The seller has no surface for the conversation, so the message
	// becomes a notification.
	waitFor(t, "notification", func() bool { return len(seller.Surfaces().Notifications()) == 1 })
	n := seller.Surfaces().Notifications()[0]
	if n.Kind != notify.KindMessage || n.From != "buyer" || n.ConversationID != conv.ID {
		t.Fatalf("notification = %+v", n)
	}
	if got := seller.Messages().Unread(conv.ID); got != 1 {
		t.Errorf("unread = %d, want 1", got)
	}

	// Clicking opens the conversation: the room is joined and the
	// message marked read, which the buyer hears about.
	if _, err := seller.Surfaces().Click(n.ID); err != nil {
		t.Fatalf("Click: %v", err)
	}
	waitFor(t, "room join", func() bool { return seller.Rooms().Joined(conv.ID) })
	waitFor(t, "read receipt", func() bool {
		_, ok := buyer.Messages().ReadAt(conv.ID)
		return ok
	})
	if got := seller.Messages().Unread(conv.ID); got != 0 {
		t.Errorf("unread after open = %d", got)
	}
	if log := seller.Messages().Log(conv.ID); len(log) != 1 || log[0].Message.Text != "is this still available?" {
		t.Errorf("seller log = %+v", log)
	}

	// Closing the surface leaves the room; the next message notifies again.
	if err := seller.Surfaces().CloseConversation(conv.ID); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "room leave", func() bool { return !seller.Rooms().Joined(conv.ID) })
	if _, err := buyer.Messages().Send(ctx, conv.ID, "hello?", nil); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second notification", func() bool { return len(seller.Surfaces().Notifications()) == 1 })
}

func TestClient_OpenerJoinsRoom(t *testing.T) {
	baseURL := startServer(t)
	seller := newTestClient(t, baseURL, "seller")

	conv, err := seller.API().CreateConversation(context.Background(), "buyer")
	if err != nil {
		t.Fatal(err)
	}
	var opener notify.Opener = seller.Opener()
	s, err := opener.OpenConversation(conv.ID, "buyer")
	if err != nil {
		t.Fatalf("OpenConversation: %v", err)
	}
	if s.Counterpart != "buyer" {
		t.Errorf("Counterpart = %q", s.Counterpart)
	}
	waitFor(t, "room join", func() bool { return seller.Rooms().Joined(conv.ID) })
}
