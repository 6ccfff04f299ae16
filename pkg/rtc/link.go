package rtc

import (
	"github.com/pion/webrtc/v4"
)

// PeerLink is the seam between the engine and the RTC runtime. The
// pion adapter implements it in production; tests script it.
type PeerLink interface {
	// CreateOffer builds an offer, optionally flagged for ICE restart.
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error

	// Rollback discards the pending local offer, returning the
	// signaling state to stable before a colliding remote offer is
	// applied.
	Rollback() error

	AddICECandidate(cand webrtc.ICECandidateInit) error
	HasRemoteDescription() bool

	SignalingState() webrtc.SignalingState
	ConnectionState() webrtc.PeerConnectionState

	// AddLocalTracks attaches the local media source to the link.
	AddLocalTracks(tracks []webrtc.TrackLocal) error

	Close() error
}

// LinkEvents are the callbacks a PeerLink fires into the engine. Any
// field may be nil.
type LinkEvents struct {
	OnNegotiationNeeded        func()
	OnICECandidate             func(cand webrtc.ICECandidateInit)
	OnConnectionStateChange    func(state webrtc.PeerConnectionState)
	OnICEConnectionStateChange func(state webrtc.ICEConnectionState)
	OnTrack                    func(info TrackInfo)
}

// LinkFactory builds a PeerLink for a remote user with the given
// callbacks installed before any track is attached.
type LinkFactory func(remoteUserID string, events LinkEvents) (PeerLink, error)
