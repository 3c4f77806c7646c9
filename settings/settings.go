// Package settings provides the hot-reloadable server settings that are
// advertised to clients on connect.
package settings

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidSettings = errors.New("invalid settings")

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Settings struct {
	ICEServers      []ICEServer `json:"ice_servers"`
	MaxSurfaces     int         `json:"max_surfaces"`
	TypingTimeoutMs int         `json:"typing_timeout_ms"`
}

func Default() Settings {
	return Settings{
		ICEServers: []ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
			{URLs: []string{"stun:stun1.l.google.com:19302"}},
		},
		MaxSurfaces:     3,
		TypingTimeoutMs: 3000,
	}
}

func (s Settings) Validate() error {
	if s.MaxSurfaces < 1 {
		return fmt.Errorf("%w: max_surfaces must be at least 1", ErrInvalidSettings)
	}
	if s.TypingTimeoutMs < 1000 {
		return fmt.Errorf("%w: typing_timeout_ms must be at least 1000", ErrInvalidSettings)
	}
	for i, srv := range s.ICEServers {
		if len(srv.URLs) == 0 {
			return fmt.Errorf("%w: ice_servers[%d] has no urls", ErrInvalidSettings, i)
		}
		for _, u := range srv.URLs {
			if !strings.HasPrefix(u, "stun:") && !strings.HasPrefix(u, "turn:") && !strings.HasPrefix(u, "turns:") {
				return fmt.Errorf("%w: ice_servers[%d] url %q", ErrInvalidSettings, i, u)
			}
		}
	}
	return nil
}
