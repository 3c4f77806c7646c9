package events

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/logger"
)

type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
	envs []Envelope
	err  error
	done chan struct{}
}

func (p *recordingPublisher) Publish(_ context.Context, key string, env Envelope) error {
	p.mu.Lock()
	p.keys = append(p.keys, key)
	p.envs = append(p.envs, env)
	p.mu.Unlock()
	p.done <- struct{}{}
	return p.err
}

func (p *recordingPublisher) Close() error { return nil }

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope(MessageCreated, map[string]string{"id": "m1"})

	if env.Meta.ID == "" {
		t.Error("missing event id")
	}
	if env.Meta.Type != "message.created.v1" {
		t.Errorf("type = %q", env.Meta.Type)
	}

	b, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"producer":"realtime"`) {
		t.Errorf("unexpected json %s", b)
	}
}

func TestEmitter_PublishesInBackground(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"success", nil},
		{"broker down", errors.New("connection refused")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &recordingPublisher{err: tt.err, done: make(chan struct{}, 1)}
			NewEmitter(pub, logger.Discard()).Emit(CallRecorded, "payload")

			select {
			case <-pub.done:
			case <-time.After(time.Second):
				t.Fatal("publish not attempted")
			}

			pub.mu.Lock()
			defer pub.mu.Unlock()
			if len(pub.keys) != 1 || pub.keys[0] != CallRecorded {
				t.Errorf("keys = %v", pub.keys)
			}
		})
	}
}

func TestNop(t *testing.T) {
	var p Publisher = Nop{}
	if err := p.Publish(context.Background(), MeetingUpdated, NewEnvelope(MeetingUpdated, nil)); err != nil {
		t.Errorf("Nop.Publish = %v", err)
	}
}
