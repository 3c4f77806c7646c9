// Package notify decides how inbound activity reaches the user: the set
// of open conversation surfaces (capped, each full or minimized) and the
// transient notifications raised for conversations that have none. The
// Orchestrator is also the Opener handed to anything that needs to bring
// a conversation up.
package notify

import (
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/call"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/channel"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/chat"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/clock"
)

var (
	ErrSurfaceLimit        = errors.New("too many conversations open")
	ErrNoConversation      = errors.New("conversation id is required")
	ErrNotOpen             = errors.New("conversation is not open")
	ErrUnknownNotification = errors.New("no such notification")
)

const (
	DefaultMaxSurfaces = 3
	DefaultAutoDismiss = 5 * time.Second
)

// Opener brings a conversation up on screen.
type Opener interface {
	OpenConversation(conversationID, counterpart string) (Surface, error)
}

// Surface is one open conversation. Call is set while a call of that
// conversation is ringing or in progress.
type Surface struct {
	ConversationID string         `json:"conversation_id"`
	Counterpart    string         `json:"counterpart"`
	Minimized      bool           `json:"minimized"`
	Call           *call.Snapshot `json:"call,omitempty"`
	OpenedAt       time.Time      `json:"opened_at"`
}

type Kind string

const (
	KindMessage Kind = "message"
	KindCall    Kind = "call"
)

type Notification struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	From           string         `json:"from"`
	Kind           Kind           `json:"kind"`
	Message        *chat.Message  `json:"message,omitempty"`
	Call           *call.Snapshot `json:"call,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

type ChangeKind int

const (
	SurfaceOpened ChangeKind = iota
	SurfaceUpdated
	SurfaceClosed
	NotificationAdded
	NotificationRemoved
)

type Change struct {
	Kind           ChangeKind
	ConversationID string
	NotificationID string
}

type Config struct {
	MaxSurfaces int
	AutoDismiss time.Duration
	Clock       clock.Clock
	Log         *slog.Logger
}

type Orchestrator struct {
	clock       clock.Clock
	log         *slog.Logger
	autoDismiss time.Duration
	changes     channel.Listeners[Change]

	mu            sync.Mutex
	max           int
	surfaces      []*Surface
	notifications []*pending
	nextID        int
	pendingEmit   []Change
}

type pending struct {
	n     Notification
	timer *clock.Timer
}

var _ Opener = (*Orchestrator)(nil)

func New(cfg Config) *Orchestrator {
	if cfg.MaxSurfaces <= 0 {
		cfg.MaxSurfaces = DefaultMaxSurfaces
	}
	if cfg.AutoDismiss <= 0 {
		cfg.AutoDismiss = DefaultAutoDismiss
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Orchestrator{
		clock:       cfg.Clock,
		log:         cfg.Log.With("module", "notify"),
		autoDismiss: cfg.AutoDismiss,
		max:         cfg.MaxSurfaces,
	}
}

// Close cancels every auto-dismiss timer.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.notifications {
		p.timer.Stop()
	}
}

func (o *Orchestrator) OnChange(fn func(Change)) *channel.Subscription {
	return o.changes.Add(fn)
}

// SetMaxSurfaces changes the cap. Surfaces already open stay open.
func (o *Orchestrator) SetMaxSurfaces(n int) {
	if n < 1 {
		return
	}
	o.mu.Lock()
	o.max = n
	o.mu.Unlock()
}

// OpenConversation shows a conversation. An open one is restored if
// minimized; a new one is refused with ErrSurfaceLimit when the cap is
// reached. Pending notifications for the conversation are withdrawn.
func (o *Orchestrator) OpenConversation(conversationID, counterpart string) (Surface, error) {
	if conversationID == "" {
		return Surface{}, ErrNoConversation
	}
	o.mu.Lock()
	defer o.unlock()

	s, err := o.open(conversationID, counterpart)
	if err != nil {
		return Surface{}, err
	}
	o.withdraw(func(n Notification) bool { return n.ConversationID == conversationID && n.Kind == KindMessage })
	return copySurface(s), nil
}

func (o *Orchestrator) open(conversationID, counterpart string) (*Surface, error) {
	if s := o.find(conversationID); s != nil {
		if s.Minimized {
			s.Minimized = false
			o.emit(Change{Kind: SurfaceUpdated, ConversationID: conversationID})
		}
		return s, nil
	}
	if len(o.surfaces) >= o.max {
		o.log.Info("surface limit reached", "conversationId", conversationID, "max", o.max)
		return nil, ErrSurfaceLimit
	}
	s := &Surface{ConversationID: conversationID, Counterpart: counterpart, OpenedAt: o.clock.Now()}
	o.surfaces = append(o.surfaces, s)
	o.emit(Change{Kind: SurfaceOpened, ConversationID: conversationID})
	return s, nil
}

func (o *Orchestrator) Minimize(conversationID string) error {
	o.mu.Lock()
	defer o.unlock()
	s := o.find(conversationID)
	if s == nil {
		return ErrNotOpen
	}
	if !s.Minimized {
		s.Minimized = true
		o.emit(Change{Kind: SurfaceUpdated, ConversationID: conversationID})
	}
	return nil
}

func (o *Orchestrator) CloseConversation(conversationID string) error {
	o.mu.Lock()
	defer o.unlock()
	for i, s := range o.surfaces {
		if s.ConversationID == conversationID {
			o.surfaces = append(o.surfaces[:i:i], o.surfaces[i+1:]...)
			o.emit(Change{Kind: SurfaceClosed, ConversationID: conversationID})
			return nil
		}
	}
	return ErrNotOpen
}

// IsOpen reports whether the conversation has a surface, minimized or not.
func (o *Orchestrator) IsOpen(conversationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.find(conversationID) != nil
}

func (o *Orchestrator) Surface(conversationID string) (Surface, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.find(conversationID)
	if s == nil {
		return Surface{}, false
	}
	return copySurface(s), true
}

// Surfaces returns the open surfaces in opening order.
func (o *Orchestrator) Surfaces() []Surface {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Surface, len(o.surfaces))
	for i, s := range o.surfaces {
		out[i] = copySurface(s)
	}
	return out
}

func (o *Orchestrator) Notifications() []Notification {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Notification, len(o.notifications))
	for i, p := range o.notifications {
		out[i] = p.n
	}
	return out
}

// RouteMessage raises a notification for a message whose conversation is
// not open. It disappears after the auto-dismiss delay unless clicked.
func (o *Orchestrator) RouteMessage(msg chat.Message) {
	o.mu.Lock()
	defer o.unlock()

	m := msg
	p := o.add(Notification{
		ConversationID: msg.ConversationID,
		From:           msg.SenderID,
		Kind:           KindMessage,
		Message:        &m,
	})
	id := p.n.ID
	p.timer = o.clock.AfterFunc(o.autoDismiss, func() {
		if err := o.Dismiss(id); err == nil {
			o.log.Debug("notification expired", "id", id)
		}
	})
}

// Click opens the notification's conversation and removes the
// notification. If the conversation cannot be opened it stays.
func (o *Orchestrator) Click(id string) (Surface, error) {
	o.mu.Lock()
	defer o.unlock()

	i := o.index(id)
	if i < 0 {
		return Surface{}, ErrUnknownNotification
	}
	n := o.notifications[i].n
	s, err := o.open(n.ConversationID, n.From)
	if err != nil {
		return Surface{}, err
	}
	if n.Call != nil {
		snap := *n.Call
		s.Call = &snap
	}
	o.withdraw(func(other Notification) bool {
		return other.ID == id || (other.ConversationID == n.ConversationID && other.Kind == KindMessage)
	})
	return copySurface(s), nil
}

func (o *Orchestrator) Dismiss(id string) error {
	o.mu.Lock()
	defer o.unlock()
	if o.index(id) < 0 {
		return ErrUnknownNotification
	}
	o.withdraw(func(n Notification) bool { return n.ID == id })
	return nil
}

// HandleCall follows call state. A ringing incoming call is attached to
// its conversation's surface, opening one if needed; when the cap leaves
// no room it becomes a call notification that stays until the call ends.
func (o *Orchestrator) HandleCall(snap call.Snapshot) {
	o.mu.Lock()
	defer o.unlock()

	if snap.State == call.Ended {
		if s := o.find(snap.ConversationID); s != nil && s.Call != nil && s.Call.CallID == snap.CallID {
			s.Call = nil
			o.emit(Change{Kind: SurfaceUpdated, ConversationID: s.ConversationID})
		}
		o.withdraw(func(n Notification) bool { return n.Call != nil && n.Call.CallID == snap.CallID })
		return
	}

	s := o.find(snap.ConversationID)
	if s == nil && snap.State == call.Incoming {
		var err error
		s, err = o.open(snap.ConversationID, snap.PeerID)
		if err != nil {
			if o.updateCallNotification(snap) {
				return
			}
			c := snap
			o.add(Notification{
				ConversationID: snap.ConversationID,
				From:           snap.PeerID,
				Kind:           KindCall,
				Call:           &c,
			})
			return
		}
	}
	if s == nil {
		return
	}
	if snap.State == call.Incoming {
		s.Minimized = false
	}
	c := snap
	s.Call = &c
	o.emit(Change{Kind: SurfaceUpdated, ConversationID: s.ConversationID})
}

func (o *Orchestrator) updateCallNotification(snap call.Snapshot) bool {
	for _, p := range o.notifications {
		if p.n.Call != nil && p.n.Call.CallID == snap.CallID {
			c := snap
			p.n.Call = &c
			return true
		}
	}
	return false
}

func (o *Orchestrator) add(n Notification) *pending {
	o.nextID++
	n.ID = "n-" + strconv.Itoa(o.nextID)
	n.CreatedAt = o.clock.Now()
	p := &pending{n: n}
	o.notifications = append(o.notifications, p)
	o.emit(Change{Kind: NotificationAdded, ConversationID: n.ConversationID, NotificationID: n.ID})
	return p
}

func (o *Orchestrator) withdraw(match func(Notification) bool) {
	kept := o.notifications[:0]
	for _, p := range o.notifications {
		if match(p.n) {
			p.timer.Stop()
			o.emit(Change{Kind: NotificationRemoved, ConversationID: p.n.ConversationID, NotificationID: p.n.ID})
			continue
		}
		kept = append(kept, p)
	}
	clear(o.notifications[len(kept):])
	o.notifications = kept
}

func (o *Orchestrator) find(conversationID string) *Surface {
	for _, s := range o.surfaces {
		if s.ConversationID == conversationID {
			return s
		}
	}
	return nil
}

func (o *Orchestrator) index(id string) int {
	for i, p := range o.notifications {
		if p.n.ID == id {
			return i
		}
	}
	return -1
}

// emit queues c for delivery once the lock is released.
func (o *Orchestrator) emit(c Change) {
	o.pendingEmit = append(o.pendingEmit, c)
}

func (o *Orchestrator) unlock() {
	changes := o.pendingEmit
	o.pendingEmit = nil
	o.mu.Unlock()
	for _, c := range changes {
		o.changes.Emit(c)
	}
}

func copySurface(s *Surface) Surface {
	out := *s
	if s.Call != nil {
		c := *s.Call
		out.Call = &c
	}
	return out
}
