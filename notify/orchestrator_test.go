package notify

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/call"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/chat"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/clock"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/logger"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu      sync.Mutex
	changes []Change
}

func (r *recorder) add(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *recorder) count(kind ChangeKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.changes {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *clock.FakeClock, *recorder) {
	t.Helper()
	clk := clock.Fake(epoch)
	o := New(Config{Clock: clk, Log: logger.Discard()})
	rec := &recorder{}
	sub := o.OnChange(rec.add)
	t.Cleanup(func() {
		sub.Close()
		o.Close()
	})
	return o, clk, rec
}

func message(conv, from string) chat.Message {
	return chat.Message{ID: conv + "-" + from, ConversationID: conv, SenderID: from, Text: "hello", CreatedAt: epoch}
}

func TestOrchestrator_SurfaceLimit(t *testing.T) {
	o, _, rec := newTestOrchestrator(t)

	for _, conv := range []string{"c1", "c2", "c3"} {
		if _, err := o.OpenConversation(conv, "them"); err != nil {
			t.Fatalf("open %s: %v", conv, err)
		}
	}
	if _, err := o.OpenConversation("c4", "them"); !errors.Is(err, ErrSurfaceLimit) {
		t.Fatalf("fourth open: got %v, want ErrSurfaceLimit", err)
	}
	if got := len(o.Surfaces()); got != 3 {
		t.Fatalf("surfaces = %d, want 3", got)
	}

	// Reopening an open conversation restores it instead of counting again.
	if err := o.Minimize("c2"); err != nil {
		t.Fatalf("Minimize: %v", err)
	}
	s, err := o.OpenConversation("c2", "them")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if s.Minimized {
		t.Error("reopened surface still minimized")
	}

	if err := o.CloseConversation("c1"); err != nil {
		t.Fatalf("CloseConversation: %v", err)
	}
	if _, err := o.OpenConversation("c4", "them"); err != nil {
		t.Fatalf("open after close: %v", err)
	}
	if err := o.CloseConversation("c1"); !errors.Is(err, ErrNotOpen) {
		t.Errorf("second close: got %v, want ErrNotOpen", err)
	}

	if got := rec.count(SurfaceOpened); got != 4 {
		t.Errorf("opened changes = %d, want 4", got)
	}
	if got := rec.count(SurfaceClosed); got != 1 {
		t.Errorf("closed changes = %d, want 1", got)
	}

	var order []string
	for _, s := range o.Surfaces() {
		order = append(order, s.ConversationID)
	}
	if want := []string{"c2", "c3", "c4"}; len(order) != 3 || order[0] != want[0] || order[1] != want[1] || order[2] != want[2] {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestOrchestrator_OpenValidation(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	if _, err := o.OpenConversation("", "them"); !errors.Is(err, ErrNoConversation) {
		t.Errorf("got %v, want ErrNoConversation", err)
	}
	if err := o.Minimize("nope"); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Minimize: got %v, want ErrNotOpen", err)
	}
}

func TestOrchestrator_SetMaxSurfaces(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	o.SetMaxSurfaces(1)
	o.SetMaxSurfaces(0) // ignored

	if _, err := o.OpenConversation("c1", "them"); err != nil {
		t.Fatal(err)
	}
	if _, err := o.OpenConversation("c2", "them"); !errors.Is(err, ErrSurfaceLimit) {
		t.Fatalf("got %v, want ErrSurfaceLimit", err)
	}
}

func TestOrchestrator_MessageAutoDismiss(t *testing.T) {
	o, clk, rec := newTestOrchestrator(t)

	o.RouteMessage(message("c1", "them"))
	list := o.Notifications()
	if len(list) != 1 {
		t.Fatalf("notifications = %d, want 1", len(list))
	}
	n := list[0]
	if n.Kind != KindMessage || n.From != "them" || n.Message == nil || n.Message.Text != "hello" {
		t.Errorf("notification = %+v", n)
	}
	if !n.CreatedAt.Equal(epoch) {
		t.Errorf("CreatedAt = %v", n.CreatedAt)
	}

	clk.Advance(4 * time.Second)
	if len(o.Notifications()) != 1 {
		t.Fatal("dismissed too early")
	}
	clk.Advance(time.Second)
	if len(o.Notifications()) != 0 {
		t.Fatal("not dismissed after 5s")
	}
	if rec.count(NotificationRemoved) != 1 {
		t.Errorf("removed changes = %d, want 1", rec.count(NotificationRemoved))
	}
	if clk.Pending() != 0 {
		t.Errorf("pending timers = %d", clk.Pending())
	}
}

func TestOrchestrator_Click(t *testing.T) {
	o, clk, _ := newTestOrchestrator(t)

	o.RouteMessage(message("c1", "them"))
	o.RouteMessage(message("c1", "them-again"))
	o.RouteMessage(message("c2", "other"))
	id := o.Notifications()[0].ID

	s, err := o.Click(id)
	if err != nil {
		t.Fatalf("Click: %v", err)
	}
	if s.ConversationID != "c1" || s.Counterpart != "them" || s.Minimized {
		t.Errorf("surface = %+v", s)
	}
	if !o.IsOpen("c1") {
		t.Error("c1 not open after click")
	}

	// Both c1 notifications went away with the click; c2 is untouched.
	list := o.Notifications()
	if len(list) != 1 || list[0].ConversationID != "c2" {
		t.Fatalf("notifications = %+v", list)
	}
	if clk.Pending() != 1 {
		t.Errorf("pending timers = %d, want 1", clk.Pending())
	}

	if _, err := o.Click(id); !errors.Is(err, ErrUnknownNotification) {
		t.Errorf("second click: got %v", err)
	}
	if err := o.Dismiss("n-404"); !errors.Is(err, ErrUnknownNotification) {
		t.Errorf("Dismiss: got %v", err)
	}
}

func TestOrchestrator_ClickWhenFull(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	o.SetMaxSurfaces(1)
	if _, err := o.OpenConversation("c1", "them"); err != nil {
		t.Fatal(err)
	}

	o.RouteMessage(message("c2", "other"))
	id := o.Notifications()[0].ID
	if _, err := o.Click(id); !errors.Is(err, ErrSurfaceLimit) {
		t.Fatalf("got %v, want ErrSurfaceLimit", err)
	}
	if len(o.Notifications()) != 1 {
		t.Error("notification lost after failed click")
	}
}

func TestOrchestrator_OpenWithdrawsMessages(t *testing.T) {
	o, clk, _ := newTestOrchestrator(t)

	o.RouteMessage(message("c1", "them"))
	if _, err := o.OpenConversation("c1", "them"); err != nil {
		t.Fatal(err)
	}
	if len(o.Notifications()) != 0 {
		t.Error("message notification survived opening its conversation")
	}
	if clk.Pending() != 0 {
		t.Errorf("pending timers = %d", clk.Pending())
	}
}

func incoming(callID, conv string) call.Snapshot {
	return call.Snapshot{
		CallID:         callID,
		ConversationID: conv,
		PeerID:         "them",
		Type:           chat.CallVideo,
		Direction:      call.DirectionIncoming,
		State:          call.Incoming,
		StartedAt:      epoch,
	}
}

func TestOrchestrator_IncomingCallOpensSurface(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	snap := incoming("call-1", "c1")
	o.HandleCall(snap)

	s, ok := o.Surface("c1")
	if !ok {
		t.Fatal("incoming call did not open a surface")
	}
	if s.Counterpart != "them" || s.Call == nil || s.Call.CallID != "call-1" {
		t.Fatalf("surface = %+v", s)
	}

	snap.State = call.Connected
	snap.Duration = 3
	o.HandleCall(snap)
	s, _ = o.Surface("c1")
	if s.Call == nil || s.Call.State != call.Connected || s.Call.Duration != 3 {
		t.Fatalf("call not updated: %+v", s.Call)
	}

	snap.State = call.Ended
	o.HandleCall(snap)
	s, ok = o.Surface("c1")
	if !ok {
		t.Fatal("surface closed with the call")
	}
	if s.Call != nil {
		t.Errorf("call still attached: %+v", s.Call)
	}
}

func TestOrchestrator_IncomingCallRestoresMinimized(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	if _, err := o.OpenConversation("c1", "them"); err != nil {
		t.Fatal(err)
	}
	if err := o.Minimize("c1"); err != nil {
		t.Fatal(err)
	}

	o.HandleCall(incoming("call-1", "c1"))
	s, _ := o.Surface("c1")
	if s.Minimized {
		t.Error("surface still minimized on incoming call")
	}
	if len(o.Surfaces()) != 1 {
		t.Errorf("surfaces = %d, want 1", len(o.Surfaces()))
	}
}

func TestOrchestrator_IncomingCallWhenFull(t *testing.T) {
	o, clk, _ := newTestOrchestrator(t)
	for _, conv := range []string{"c1", "c2", "c3"} {
		if _, err := o.OpenConversation(conv, "x"); err != nil {
			t.Fatal(err)
		}
	}

	snap := incoming("call-9", "c9")
	o.HandleCall(snap)
	o.HandleCall(snap) // repeated snapshot updates, not duplicates

	list := o.Notifications()
	if len(list) != 1 || list[0].Kind != KindCall || list[0].Call.CallID != "call-9" {
		t.Fatalf("notifications = %+v", list)
	}

	// Call notifications do not auto-dismiss.
	clk.Advance(time.Minute)
	if len(o.Notifications()) != 1 {
		t.Fatal("call notification expired")
	}

	// Clicking it after making room carries the call onto the surface.
	if err := o.CloseConversation("c1"); err != nil {
		t.Fatal(err)
	}
	s, err := o.Click(list[0].ID)
	if err != nil {
		t.Fatalf("Click: %v", err)
	}
	if s.Call == nil || s.Call.CallID != "call-9" {
		t.Errorf("surface call = %+v", s.Call)
	}

	snap.State = call.Ended
	o.HandleCall(snap)
	if s, _ := o.Surface("c9"); s.Call != nil {
		t.Error("call still attached after end")
	}
}

func TestOrchestrator_EndedCallWithdrawsNotification(t *testing.T) {
	o, _, rec := newTestOrchestrator(t)
	o.SetMaxSurfaces(1)
	if _, err := o.OpenConversation("c1", "x"); err != nil {
		t.Fatal(err)
	}

	snap := incoming("call-2", "c2")
	o.HandleCall(snap)
	snap.State = call.Ended
	snap.Result = chat.CallMissed
	o.HandleCall(snap)

	if len(o.Notifications()) != 0 {
		t.Errorf("notifications = %+v", o.Notifications())
	}
	if rec.count(NotificationRemoved) != 1 {
		t.Errorf("removed changes = %d, want 1", rec.count(NotificationRemoved))
	}
}

func TestOrchestrator_OutgoingCallWithoutSurface(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	snap := incoming("call-3", "c3")
	snap.Direction = call.DirectionOutgoing
	snap.State = call.Calling
	o.HandleCall(snap)

	if o.IsOpen("c3") {
		t.Error("outgoing call opened a surface")
	}
	if len(o.Notifications()) != 0 {
		t.Error("outgoing call raised a notification")
	}
}
