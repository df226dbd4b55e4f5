package config

import (
	"os"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	ICEModeSTUNTURN = "stun-turn"
	ICEModeTURNOnly = "turn-only"
	ICEModeSTUNOnly = "stun-only"
)

var defaultSTUN = []string{"stun:stun.l.google.com:19302"}

// mergeICEEnv lets STUN_URLS, TURN_URLS, TURN_USERNAME, TURN_PASSWORD and
// ICE_MODE override the file configuration.
func mergeICEEnv(c ICEConfig) ICEConfig {
	if v := strings.TrimSpace(os.Getenv("ICE_MODE")); v != "" {
		c.Mode = v
	}
	if v := strings.TrimSpace(os.Getenv("STUN_URLS")); v != "" {
		c.STUNURLs = splitAndClean(v)
	}
	if v := strings.TrimSpace(os.Getenv("TURN_URLS")); v != "" {
		c.TURNURLs = splitAndClean(v)
	}
	if v := strings.TrimSpace(os.Getenv("TURN_USERNAME")); v != "" {
		c.TURNUsername = v
	}
	if v := strings.TrimSpace(os.Getenv("TURN_PASSWORD")); v != "" {
		c.TURNPassword = v
	}
	return c
}

// Servers turns the ICE configuration into pion ICE servers.
func (c ICEConfig) Servers() []webrtc.ICEServer {
	mode := c.Mode
	if mode == "" {
		mode = ICEModeSTUNTURN
	}
	turnOnly := strings.EqualFold(mode, ICEModeTURNOnly)
	stunOnly := strings.EqualFold(mode, ICEModeSTUNOnly)

	var servers []webrtc.ICEServer
	if !turnOnly {
		stun := c.STUNURLs
		if len(stun) == 0 {
			stun = defaultSTUN
		}
		servers = append(servers, webrtc.ICEServer{URLs: stun})
	}
	if !stunOnly && len(c.TURNURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{
			URLs:       c.TURNURLs,
			Username:   c.TURNUsername,
			Credential: c.TURNPassword,
		})
	}
	if turnOnly && len(servers) == 0 {
		log.Warn().Str("module", "config.ice").Msg("turn-only mode without TURN servers, falling back to default STUN")
		servers = append(servers, webrtc.ICEServer{URLs: defaultSTUN})
	}
	return servers
}

func splitAndClean(csv string) []string {
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
