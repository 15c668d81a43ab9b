// Package media owns the WebRTC peer side of a call: local capture,
// description negotiation, and connection-state reporting.
package media

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/loqui-im/callsig/internal/config"
	"github.com/loqui-im/callsig/internal/signaling"
)

var (
	// ErrPermissionDenied means the capture device exists but access was
	// refused. Surfaced before any negotiation traffic is sent.
	ErrPermissionDenied = errors.New("media: capture permission denied")

	// ErrDeviceUnavailable means no usable capture device could be opened.
	ErrDeviceUnavailable = errors.New("media: no capture device available")
)

// ConnState mirrors the peer connection lifecycle.
type ConnState string

const (
	ConnStateNew          ConnState = "new"
	ConnStateConnecting   ConnState = "connecting"
	ConnStateConnected    ConnState = "connected"
	ConnStateDisconnected ConnState = "disconnected"
	ConnStateFailed       ConnState = "failed"
	ConnStateClosed       ConnState = "closed"
)

func connStateFromPion(s webrtc.PeerConnectionState) ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return ConnStateNew
	case webrtc.PeerConnectionStateConnecting:
		return ConnStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnStateFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnStateClosed
	default:
		return ConnStateNew
	}
}

// Handlers receive peer events. All callbacks fire on pion goroutines; the
// consumer is responsible for serializing them.
type Handlers struct {
	OnICECandidate          func(signaling.Candidate)
	OnConnectionStateChange func(ConnState)
	OnTrack                 func(kind string)
}

// Peer is the negotiation surface a call session drives. CreateOffer and
// CreateAnswer also set the local description.
type Peer interface {
	CreateOffer() (signaling.SDP, error)
	CreateAnswer() (signaling.SDP, error)
	SetRemoteDescription(desc signaling.SDP) error
	AddICECandidate(cand signaling.Candidate) error
	ConnectionState() ConnState
	Close() error
}

// capture is the result of acquiring local media: zero or more outgoing
// tracks plus a release hook for the underlying devices.
type capture struct {
	tracks  []webrtc.TrackLocal
	release func()
}

type capturer interface {
	acquire(kind signaling.MediaKind) (capture, error)
}

// Factory builds Peers from one shared webrtc.API.
type Factory struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	cap        capturer
	log        *slog.Logger
}

func NewFactory(cfg config.Config, logger *slog.Logger) (*Factory, error) {
	if logger == nil {
		logger = slog.Default()
	}

	mediaEngine, cap, err := newPlatformEngine(logger)
	if err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{
		LoggerFactory: newSlogLoggerFactory(logger),
	}
	if err := applyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return &Factory{
		api:        api,
		iceServers: cfg.ICEServers,
		cap:        cap,
		log:        logger.With("component", "media"),
	}, nil
}

func applyNetworkSettings(se *webrtc.SettingEngine, cfg config.Config) error {
	if cfg.WebRTCUDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.WebRTCUDPPortRange.Min, cfg.WebRTCUDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(cfg.WebRTCNAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch cfg.WebRTCNAT1To1IPCandidateType {
		case config.NAT1To1CandidateTypeHost:
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", cfg.WebRTCNAT1To1IPCandidateType)
		}
		se.SetNAT1To1IPs(cfg.WebRTCNAT1To1IPs, candidateType)
	}

	// SettingEngine doesn't expose a "bind to 0.0.0.0" toggle; restrict
	// candidate gathering and socket binding via IPFilter instead.
	if !config.IsUnspecifiedIP(cfg.WebRTCUDPListenIP) {
		listenIP := cfg.WebRTCUDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	return nil
}

// NewPeer acquires local media for kind, then builds a peer connection with
// the capture tracks attached. Acquisition failure aborts before any network
// activity, classified as ErrPermissionDenied or ErrDeviceUnavailable.
func (f *Factory) NewPeer(callID string, kind signaling.MediaKind, h Handlers) (Peer, error) {
	cap, err := f.cap.acquire(kind)
	if err != nil {
		return nil, err
	}

	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: f.iceServers,
	})
	if err != nil {
		if cap.release != nil {
			cap.release()
		}
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	log := f.log.With("callId", callID)

	var haveVideo, haveAudio bool
	for _, track := range cap.tracks {
		if _, err := pc.AddTrack(track); err != nil {
			log.Warn("failed to add local track", "err", err)
			continue
		}
		switch track.Kind() {
		case webrtc.RTPCodecTypeVideo:
			haveVideo = true
		case webrtc.RTPCodecTypeAudio:
			haveAudio = true
		}
	}

	// Every negotiated kind needs an m-line even when we have nothing to
	// send, so remote media still flows on a degraded capture.
	if kind == signaling.MediaKindVideo && !haveVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warn("failed to add recvonly video transceiver", "err", err)
		}
	}
	if !haveAudio {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warn("failed to add recvonly audio transceiver", "err", err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || h.OnICECandidate == nil {
			return
		}
		h.OnICECandidate(signaling.CandidateFromPion(c.ToJSON()))
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if h.OnConnectionStateChange != nil {
			h.OnConnectionStateChange(connStateFromPion(s))
		}
	})

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Debug("remote track added", "kind", tr.Kind().String(), "ssrc", tr.SSRC())
		// Drain RTP so the interceptor chain (NACK/RTCP) keeps running.
		go func() {
			for {
				if _, _, err := tr.ReadRTP(); err != nil {
					return
				}
			}
		}()
		if h.OnTrack != nil {
			h.OnTrack(tr.Kind().String())
		}
	})

	return &peer{
		pc:      pc,
		release: cap.release,
		log:     log,
	}, nil
}

type peer struct {
	pc      *webrtc.PeerConnection
	release func()
	log     *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

func (p *peer) CreateOffer() (signaling.SDP, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return signaling.SDP{}, fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return signaling.SDP{}, fmt.Errorf("set local description: %w", err)
	}
	return signaling.SDPFromPion(offer), nil
}

func (p *peer) CreateAnswer() (signaling.SDP, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return signaling.SDP{}, fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return signaling.SDP{}, fmt.Errorf("set local description: %w", err)
	}
	return signaling.SDPFromPion(answer), nil
}

func (p *peer) SetRemoteDescription(desc signaling.SDP) error {
	pionDesc, err := desc.ToPion()
	if err != nil {
		return err
	}
	return p.pc.SetRemoteDescription(pionDesc)
}

func (p *peer) AddICECandidate(cand signaling.Candidate) error {
	return p.pc.AddICECandidate(cand.ToPion())
}

func (p *peer) ConnectionState() ConnState {
	return connStateFromPion(p.pc.ConnectionState())
}

func (p *peer) Close() error {
	p.closeOnce.Do(func() {
		if p.release != nil {
			p.release()
		}
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}

// classifyCaptureError maps an opaque capture failure onto the error
// taxonomy. Driver errors don't expose structured causes, so this keys off
// the message.
func classifyCaptureError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "permission denied") || strings.Contains(msg, "access denied") || strings.Contains(msg, "operation not permitted") {
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
}
