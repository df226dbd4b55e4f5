package config

import (
	"testing"
	"time"
)

func TestICEServersModes(t *testing.T) {
	tests := []struct {
		name      string
		cfg       ICEConfig
		wantCount int
		wantFirst string
	}{
		{"defaults to public stun", ICEConfig{}, 1, "stun:stun.l.google.com:19302"},
		{"stun and turn", ICEConfig{STUNURLs: []string{"stun:a"}, TURNURLs: []string{"turn:b"}}, 2, "stun:a"},
		{"turn only", ICEConfig{Mode: ICEModeTURNOnly, TURNURLs: []string{"turn:b"}}, 1, "turn:b"},
		{"turn only without turn", ICEConfig{Mode: ICEModeTURNOnly}, 1, "stun:stun.l.google.com:19302"},
		{"stun only ignores turn", ICEConfig{Mode: ICEModeSTUNOnly, TURNURLs: []string{"turn:b"}}, 1, "stun:stun.l.google.com:19302"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.cfg.Servers()
			if len(got) != tt.wantCount {
				t.Fatalf("got %d servers, want %d: %+v", len(got), tt.wantCount, got)
			}
			if got[0].URLs[0] != tt.wantFirst {
				t.Fatalf("first url = %q, want %q", got[0].URLs[0], tt.wantFirst)
			}
		})
	}
}

func TestICEEnvOverrides(t *testing.T) {
	t.Setenv("STUN_URLS", " stun:x , ,stun:y")
	t.Setenv("TURN_URLS", "turn:z")
	t.Setenv("TURN_USERNAME", "u")
	t.Setenv("TURN_PASSWORD", "p")
	t.Setenv("ICE_MODE", ICEModeSTUNTURN)

	c := mergeICEEnv(ICEConfig{STUNURLs: []string{"stun:file"}})
	if len(c.STUNURLs) != 2 || c.STUNURLs[0] != "stun:x" || c.STUNURLs[1] != "stun:y" {
		t.Fatalf("stun urls = %v", c.STUNURLs)
	}
	servers := c.Servers()
	if len(servers) != 2 || servers[1].Username != "u" || servers[1].Credential != "p" {
		t.Fatalf("servers = %+v", servers)
	}
}

func TestLoadClientDefaultsAndEnv(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing-env")
	t.Setenv("MEET_ROOM", "standup")
	t.Setenv("MEET_MODE", "voice")
	t.Setenv("MEET_RECORDER_SEGMENT", "3s")

	cfg, err := LoadClient()
	if err != nil {
		t.Fatalf("LoadClient: %v", err)
	}
	if cfg.Room != "standup" {
		t.Fatalf("room = %q", cfg.Room)
	}
	if !cfg.VoiceOnly() {
		t.Fatal("expected voice-only mode")
	}
	if cfg.Recorder.Segment != 3*time.Second {
		t.Fatalf("segment = %v", cfg.Recorder.Segment)
	}
	if cfg.Negotiation.StallTimeout != 0 {
		t.Fatalf("stall timeout = %v", cfg.Negotiation.StallTimeout)
	}
}

func TestLoadRelayDefaults(t *testing.T) {
	t.Setenv("CONFIG_ENV", "missing-env")
	cfg, err := LoadRelay()
	if err != nil {
		t.Fatalf("LoadRelay: %v", err)
	}
	if cfg.Port != 8080 || cfg.ChatRateLimit != 5 || cfg.PingPeriod != 54*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
