// Meet joins a room as a headless participant with synthetic media.
//
// Lines typed on stdin are sent as chat. Commands:
//
//	/mic      toggle the microphone
//	/cam      toggle the camera
//	/peers    print the participant list
//	/leave    leave and exit
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/adapters/meetings"
	"github.com/dkeye/voicemesh/internal/adapters/rtc"
	"github.com/dkeye/voicemesh/internal/adapters/transcribe"
	"github.com/dkeye/voicemesh/internal/adapters/wsclient"
	"github.com/dkeye/voicemesh/internal/app/orch"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/identity"
	"github.com/dkeye/voicemesh/internal/media"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	cfg, err := config.LoadClient()
	if err != nil {
		pterm.Error.Println(fmt.Sprintf("failed to load config: %v", err))
		os.Exit(1)
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && cfg.LogLevel != "" {
		zerolog.SetGlobalLevel(lvl)
	}

	raw := cfg.Room
	if len(os.Args) > 1 {
		raw = os.Args[1]
	}
	room, err := domain.ParseRoomToken(raw)
	if err != nil {
		pterm.Error.Println("a room token is required (argument or MEET_ROOM)")
		os.Exit(1)
	}

	sess := orch.New(buildDeps(cfg), orch.Options{
		SignalURL:    cfg.SignalURL,
		ChatURL:      cfg.ChatURL,
		DisplayName:  cfg.DisplayName,
		VoiceOnly:    cfg.VoiceOnly(),
		StallTimeout: cfg.Negotiation.StallTimeout,
		Record:       cfg.Recorder.Enabled,
		Segment:      cfg.Recorder.Segment,
	}, orch.Hooks{
		OnRemoteTrack: func(peer domain.PeerID, track *webrtc.TrackRemote) {
			pterm.Info.Println(fmt.Sprintf("receiving %s from %s", track.Kind(), peer))
			go drain(track)
		},
		OnPeerFailed: func(peer domain.PeerID, err error) {
			pterm.Warning.Println(fmt.Sprintf("connection to %s failed: %v", peer, err))
		},
		OnRosterChanged: printRoster,
		OnMessage: func(msg domain.ChatMessage) {
			pterm.Println(fmt.Sprintf("%s %s: %s", msg.ReceivedAt.Format("15:04"), pterm.Bold.Sprint(msg.Author), msg.Text))
		},
		OnSignalingLost: func(err error) {
			pterm.Warning.Println(fmt.Sprintf("signaling lost, existing calls continue: %v", err))
		},
	})

	if err := sess.Join(ctx, room); err != nil {
		pterm.Error.Println(fmt.Sprintf("join %s: %v", room, err))
		os.Exit(1)
	}
	pterm.Success.Println(fmt.Sprintf("joined %s as %s (%s)", room, sess.DisplayName(), sess.LocalID()))

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		defer close(lines)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok || !command(sess, strings.TrimSpace(line)) {
				break loop
			}
		}
	}

	cancel()
	sess.Leave()
	sess.Wait()
	pterm.Info.Println("left the meeting")
}

// command runs one stdin line and reports whether to keep going.
func command(sess *orch.Session, line string) bool {
	switch line {
	case "":
	case "/leave":
		return false
	case "/peers":
		printRoster(sess.Roster())
	case "/mic":
		if err := sess.SetMicEnabled(!sess.MicEnabled()); err != nil {
			pterm.Warning.Println(err.Error())
		}
	case "/cam":
		if err := sess.SetCameraEnabled(!sess.CameraEnabled()); err != nil {
			pterm.Warning.Println(err.Error())
		}
	default:
		if err := sess.SendChat(line); err != nil {
			pterm.Warning.Println(err.Error())
		}
	}
	return true
}

func buildDeps(cfg *config.ClientConfig) orch.Deps {
	deps := orch.Deps{
		Dialer:  wsclient.Dialer{Token: cfg.Token},
		Device:  media.SyntheticDevice{},
		Factory: rtc.NewFactory(cfg.ICE.Servers),
	}
	if cfg.Token != "" && cfg.JWTSecret != "" {
		deps.Identity = identity.TokenProvider{Token: cfg.Token, Secret: cfg.JWTSecret}
	}
	if cfg.RegistryURL != "" {
		c := meetings.NewClient(cfg.RegistryURL)
		c.Token = cfg.Token
		deps.Meetings = c
	}
	if cfg.Recorder.Enabled && cfg.Recorder.UploadURL != "" {
		deps.Uploader = transcribe.NewUploader(cfg.Recorder.UploadURL)
	}
	return deps
}

func printRoster(ps []domain.Participant) {
	data := pterm.TableData{{"Peer", "Name", "Mic", "Camera"}}
	for _, p := range ps {
		data = append(data, []string{string(p.ID), p.DisplayName, onOff(p.IsMicOn), onOff(p.IsCameraOn)})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// drain reads a remote track until it ends so its buffers do not fill.
func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
