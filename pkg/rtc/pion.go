package rtc

import (
	"fmt"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// PionConfig configures the production link factory.
type PionConfig struct {
	STUNURLs []string
	Log      *zap.Logger
}

// NewPionFactory returns a LinkFactory backed by pion PeerConnections.
func NewPionFactory(cfg PionConfig) LinkFactory {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}

	return func(remoteUserID string, events LinkEvents) (PeerLink, error) {
		pcConfig := webrtc.Configuration{}
		if len(cfg.STUNURLs) > 0 {
			pcConfig.ICEServers = []webrtc.ICEServer{{URLs: cfg.STUNURLs}}
		}

		pc, err := webrtc.NewPeerConnection(pcConfig)
		if err != nil {
			return nil, fmt.Errorf("new peer connection for %s: %w", remoteUserID, err)
		}

		if events.OnNegotiationNeeded != nil {
			pc.OnNegotiationNeeded(events.OnNegotiationNeeded)
		}
		pc.OnICECandidate(func(c *webrtc.ICECandidate) {
			if c == nil || events.OnICECandidate == nil {
				return
			}
			events.OnICECandidate(c.ToJSON())
		})
		if events.OnConnectionStateChange != nil {
			pc.OnConnectionStateChange(events.OnConnectionStateChange)
		}
		if events.OnICEConnectionStateChange != nil {
			pc.OnICEConnectionStateChange(events.OnICEConnectionStateChange)
		}
		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			if events.OnTrack != nil {
				events.OnTrack(remoteTrackInfo(track))
			}
			// Keep the RTP stream flowing; a headless engine has no
			// renderer, so packets are read and discarded.
			go drainTrack(track, log)
		})

		return &pionLink{pc: pc}, nil
	}
}

func remoteTrackInfo(track *webrtc.TrackRemote) TrackInfo {
	kind := TrackKindVideo
	if track.Kind() == webrtc.RTPCodecTypeAudio {
		kind = TrackKindAudio
	}
	return TrackInfo{
		ID:       track.ID(),
		StreamID: track.StreamID(),
		Kind:     kind,
		Label:    track.StreamID(),
	}
}

func drainTrack(track *webrtc.TrackRemote, log *zap.Logger) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			if err != io.EOF {
				log.Debug("remote track closed", zap.String("track_id", track.ID()), zap.Error(err))
			}
			return
		}
	}
}

type pionLink struct {
	pc *webrtc.PeerConnection

	mu      sync.Mutex
	senders []*webrtc.RTPSender
}

func (l *pionLink) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	var opts *webrtc.OfferOptions
	if iceRestart {
		opts = &webrtc.OfferOptions{ICERestart: true}
	}
	return l.pc.CreateOffer(opts)
}

func (l *pionLink) CreateAnswer() (webrtc.SessionDescription, error) {
	return l.pc.CreateAnswer(nil)
}

func (l *pionLink) SetLocalDescription(desc webrtc.SessionDescription) error {
	return l.pc.SetLocalDescription(desc)
}

func (l *pionLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return l.pc.SetRemoteDescription(desc)
}

func (l *pionLink) Rollback() error {
	return l.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
}

func (l *pionLink) AddICECandidate(cand webrtc.ICECandidateInit) error {
	return l.pc.AddICECandidate(cand)
}

func (l *pionLink) HasRemoteDescription() bool {
	return l.pc.RemoteDescription() != nil
}

func (l *pionLink) SignalingState() webrtc.SignalingState {
	return l.pc.SignalingState()
}

func (l *pionLink) ConnectionState() webrtc.PeerConnectionState {
	return l.pc.ConnectionState()
}

func (l *pionLink) AddLocalTracks(tracks []webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, track := range tracks {
		sender, err := l.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add track %s: %w", track.ID(), err)
		}
		l.senders = append(l.senders, sender)
		// RTCP must be consumed for interceptors to run.
		go drainRTCP(sender)
	}
	return nil
}

func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (l *pionLink) Close() error {
	return l.pc.Close()
}
