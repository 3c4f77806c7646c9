// Package channeltest provides an in-memory channel.Conn for tests of the
// components built on top of the session channel.
package channeltest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/channel"
)

// Emitted is one event sent through the fake.
type Emitted struct {
	Event  string
	Params json.RawMessage
}

// Fake records emitted events and lets tests deliver inbound ones.
type Fake struct {
	*channel.Bus

	mu      sync.Mutex
	userID  string
	err     error
	emitted []Emitted
}

var _ channel.Conn = (*Fake)(nil)

func New(userID string) *Fake {
	return &Fake{Bus: channel.NewBus(), userID: userID}
}

func (f *Fake) UserID() string { return f.userID }

// SetEmitError makes every following Emit fail with err (nil restores).
func (f *Fake) SetEmitError(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *Fake) Emit(_ context.Context, event string, params any) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.emitted = append(f.emitted, Emitted{Event: event, Params: data})
	return nil
}

// Deliver publishes params as an inbound event, synchronously.
func (f *Fake) Deliver(event string, params any) {
	data, err := json.Marshal(params)
	if err != nil {
		panic(err)
	}
	f.Publish(event, data)
}

// SetState publishes a connection state change.
func (f *Fake) SetState(s channel.State) {
	f.PublishState(s)
}

// Emitted returns every event sent so far, in order.
func (f *Fake) Emitted() []Emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Emitted, len(f.emitted))
	copy(out, f.emitted)
	return out
}

// Events returns the emitted events named event.
func (f *Fake) Events(event string) []Emitted {
	var out []Emitted
	for _, e := range f.Emitted() {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

// Last decodes the params of the last emitted event named event into v
// and reports whether there was one.
func (f *Fake) Last(event string, v any) bool {
	events := f.Events(event)
	if len(events) == 0 {
		return false
	}
	if err := json.Unmarshal(events[len(events)-1].Params, v); err != nil {
		panic(err)
	}
	return true
}

// Reset forgets the recorded events.
func (f *Fake) Reset() {
	f.mu.Lock()
	f.emitted = nil
	f.mu.Unlock()
}
