package ws

import (
	"context"
	"log/slog"

	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/hub"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/rpc"
	"github.com/rifff-fin/KAAJ-KAAM-A-Remote-job-portal-for-Bangladesh-sub001/settings"
)

// settingsBroadcaster pushes settings changes to every connection.
// Uses a channel-based async notification pattern so the settings store
// never waits on network I/O.
type settingsBroadcaster struct {
	hub     *hub.Hub
	eventCh chan settings.Settings
	ctx     context.Context
	cancel  context.CancelFunc
}

var _ settings.OnChangeListener = (*settingsBroadcaster)(nil)

func newSettingsBroadcaster(h *hub.Hub) *settingsBroadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	return &settingsBroadcaster{
		hub:     h,
		eventCh: make(chan settings.Settings, 16),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (b *settingsBroadcaster) Start() {
	go b.eventLoop()
}

func (b *settingsBroadcaster) Stop() {
	b.cancel()
}

func (b *settingsBroadcaster) eventLoop() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case s := <-b.eventCh:
			n := b.hub.Notify(b.ctx, hub.Target{All: true}, rpc.SettingsChanged, rpc.SettingsChangedParams{Settings: s})
			slog.Debug("notified settings change", "connections", n)
		}
	}
}

// OnSettingsChange implements settings.OnChangeListener. It must not block.
func (b *settingsBroadcaster) OnSettingsChange(s settings.Settings) {
	if b.ctx.Err() != nil {
		return
	}

	select {
	case b.eventCh <- s:
	default:
		slog.Warn("settings change event dropped (buffer full)")
	}
}
