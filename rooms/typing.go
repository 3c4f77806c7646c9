package rooms

import (
	"sync"
	"time"

	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/channel"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/clock"
)

// TypingChange is published when a remote user starts or stops typing.
type TypingChange struct {
	ConversationID string
	UserID         string
	Typing         bool
}

type typingKey struct {
	conversationID string
	userID         string
}

// typingTracker holds remote typing flags. Every flag owns an expiry
// timer so it clears even if stop_typing is lost.
type typingTracker struct {
	clock     clock.Clock
	listeners channel.Listeners[TypingChange]

	mu     sync.Mutex
	expiry time.Duration
	flags  map[typingKey]*clock.Timer
}

func newTypingTracker(c clock.Clock, expiry time.Duration) *typingTracker {
	return &typingTracker{clock: c, expiry: expiry, flags: make(map[typingKey]*clock.Timer)}
}

func (t *typingTracker) setExpiry(d time.Duration) {
	t.mu.Lock()
	t.expiry = d
	t.mu.Unlock()
}

func (t *typingTracker) set(conversationID, userID string) {
	key := typingKey{conversationID, userID}

	t.mu.Lock()
	prev, existed := t.flags[key]
	if existed {
		prev.Stop()
	}
	var timer *clock.Timer
	timer = t.clock.AfterFunc(t.expiry, func() {
		t.mu.Lock()
		current, ok := t.flags[key]
		if !ok || current != timer {
			t.mu.Unlock()
			return
		}
		delete(t.flags, key)
		t.mu.Unlock()
		t.listeners.Emit(TypingChange{ConversationID: conversationID, UserID: userID})
	})
	t.flags[key] = timer
	t.mu.Unlock()

	if !existed {
		t.listeners.Emit(TypingChange{ConversationID: conversationID, UserID: userID, Typing: true})
	}
}

func (t *typingTracker) clear(conversationID, userID string) {
	key := typingKey{conversationID, userID}

	t.mu.Lock()
	timer, ok := t.flags[key]
	if ok {
		timer.Stop()
		delete(t.flags, key)
	}
	t.mu.Unlock()

	if ok {
		t.listeners.Emit(TypingChange{ConversationID: conversationID, UserID: userID})
	}
}

func (t *typingTracker) clearUser(userID string) {
	t.mu.Lock()
	var cleared []typingKey
	for key, timer := range t.flags {
		if key.userID == userID {
			timer.Stop()
			delete(t.flags, key)
			cleared = append(cleared, key)
		}
	}
	t.mu.Unlock()

	for _, key := range cleared {
		t.listeners.Emit(TypingChange{ConversationID: key.conversationID, UserID: key.userID})
	}
}

func (t *typingTracker) isTyping(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.flags[typingKey{conversationID, userID}]
	return ok
}

// reset drops every flag and cancels its timer.
func (t *typingTracker) reset() {
	t.mu.Lock()
	var cleared []typingKey
	for key, timer := range t.flags {
		timer.Stop()
		delete(t.flags, key)
		cleared = append(cleared, key)
	}
	t.mu.Unlock()

	for _, key := range cleared {
		t.listeners.Emit(TypingChange{ConversationID: key.conversationID, UserID: key.userID})
	}
}
