package rtc

import (
	"fmt"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Factory builds pion peer connections. ICEServers is read on every build.
type Factory struct {
	ICEServers func() []webrtc.ICEServer
}

var _ core.ConnectionFactory = (*Factory)(nil)

func NewFactory(servers func() []webrtc.ICEServer) *Factory {
	return &Factory{ICEServers: servers}
}

func (f *Factory) configuration(p core.Profile) webrtc.Configuration {
	var servers []webrtc.ICEServer
	if f.ICEServers != nil {
		servers = f.ICEServers()
	}
	cfg := webrtc.Configuration{ICEServers: servers}
	if p == core.ProfileFull {
		cfg.BundlePolicy = webrtc.BundlePolicyMaxBundle
	}
	return cfg
}

// NewConnection uses default codecs plus the default interceptors for the full
// profile, and a bare API for the reduced one.
func (f *Factory) NewConnection(peer domain.PeerID, p core.Profile) (core.MediaConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	opts := []func(*webrtc.API){webrtc.WithMediaEngine(m)}
	if p == core.ProfileFull {
		ir := &interceptor.Registry{}
		if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
			return nil, fmt.Errorf("register interceptors: %w", err)
		}
		opts = append(opts, webrtc.WithInterceptorRegistry(ir))
	}
	api := webrtc.NewAPI(opts...)

	pc, err := api.NewPeerConnection(f.configuration(p))
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "webrtc").Str("peer", string(peer)).Str("profile", p.String()).Msg("peer connection created")
	return newConnection(pc, peer), nil
}
