package rooms

import (
	"sort"
	"sync"
	"time"

	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/channel"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/clock"
)

// PresenceState is what this client knows about another user. It is only
// meaningful while our own channel is connected.
type PresenceState struct {
	UserID   string    `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

type Presence struct {
	clock     clock.Clock
	listeners channel.Listeners[PresenceState]

	mu    sync.Mutex
	users map[string]PresenceState
}

func newPresence(c clock.Clock) *Presence {
	return &Presence{clock: c, users: make(map[string]PresenceState)}
}

func (p *Presence) Get(userID string) PresenceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.users[userID]; ok {
		return st
	}
	return PresenceState{UserID: userID}
}

func (p *Presence) IsOnline(userID string) bool {
	return p.Get(userID).Online
}

// Online returns the ids of users currently online, sorted.
func (p *Presence) Online() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for id, st := range p.users {
		if st.Online {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (p *Presence) OnChange(fn func(PresenceState)) *channel.Subscription {
	return p.listeners.Add(fn)
}

func (p *Presence) set(userID string, online bool, lastSeen time.Time) {
	if lastSeen.IsZero() {
		lastSeen = p.clock.Now()
	}
	st := PresenceState{UserID: userID, Online: online, LastSeen: lastSeen}

	p.mu.Lock()
	prev, known := p.users[userID]
	p.users[userID] = st
	p.mu.Unlock()

	if !known || prev.Online != online {
		p.listeners.Emit(st)
	}
}

// touch records activity without changing the online flag.
func (p *Presence) touch(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.users[userID]
	st.UserID = userID
	st.Online = true
	st.LastSeen = p.clock.Now()
	p.users[userID] = st
}

func (p *Presence) clear() {
	p.mu.Lock()
	users := p.users
	p.users = make(map[string]PresenceState)
	p.mu.Unlock()

	for id, st := range users {
		if st.Online {
			p.listeners.Emit(PresenceState{UserID: id, LastSeen: st.LastSeen})
		}
	}
}
