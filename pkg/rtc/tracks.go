package rtc

import (
	"strings"
	"sync"
)

// TrackKind distinguishes audio from video tracks.
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// Resolution above which an unlabeled video track is assumed to be a
// screen capture rather than a camera.
const (
	screenHeuristicWidth  = 1000
	screenHeuristicHeight = 700
)

var screenLabelHints = []string{"screen", "window", "tab", "display"}

// TrackInfo describes an inbound remote track at arrival time.
type TrackInfo struct {
	ID             string
	StreamID       string
	Kind           TrackKind
	Label          string
	DisplaySurface string
	Width          int
	Height         int
}

// IsScreenShare classifies a video track as a screen capture. A label
// hint or an explicit display surface wins outright; otherwise large
// resolutions are assumed to be captures since cameras rarely open
// that wide by default.
func (t TrackInfo) IsScreenShare() bool {
	if t.Kind != TrackKindVideo {
		return false
	}
	label := strings.ToLower(t.Label)
	for _, hint := range screenLabelHints {
		if strings.Contains(label, hint) {
			return true
		}
	}
	if t.DisplaySurface != "" {
		return true
	}
	return t.Width > screenHeuristicWidth && t.Height > screenHeuristicHeight
}

// RemoteTrack is a routed track slot on a peer's remote stream.
type RemoteTrack struct {
	Info    TrackInfo
	Enabled bool
}

// RemoteStream holds one peer's inbound media as three stable slots.
// Renegotiations replace slots in place; consumers keep a single
// stream reference per peer for the connection's lifetime.
type RemoteStream struct {
	mu     sync.RWMutex
	audio  *RemoteTrack
	camera *RemoteTrack
	screen *RemoteTrack
}

// NewRemoteStream returns an empty remote stream.
func NewRemoteStream() *RemoteStream {
	return &RemoteStream{}
}

// Accept routes an arriving track onto its slot. Audio replaces audio,
// camera video replaces camera video, screen shares replace only prior
// screen shares so a capture never clobbers the camera slot. Tracks
// arrive enabled.
func (s *RemoteStream) Accept(info TrackInfo) RemoteTrack {
	track := RemoteTrack{Info: info, Enabled: true}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case info.Kind == TrackKindAudio:
		s.audio = &track
	case info.IsScreenShare():
		s.screen = &track
	default:
		s.camera = &track
	}
	return track
}

// SetEnabled flips the enabled flag on the slot holding trackID.
func (s *RemoteStream) SetEnabled(trackID string, enabled bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, slot := range []*RemoteTrack{s.audio, s.camera, s.screen} {
		if slot != nil && slot.Info.ID == trackID {
			slot.Enabled = enabled
			return true
		}
	}
	return false
}

// Audio returns the audio slot.
func (s *RemoteStream) Audio() (RemoteTrack, bool) { return s.slot(&s.audio) }

// Camera returns the camera video slot.
func (s *RemoteStream) Camera() (RemoteTrack, bool) { return s.slot(&s.camera) }

// Screen returns the screen-share slot.
func (s *RemoteStream) Screen() (RemoteTrack, bool) { return s.slot(&s.screen) }

func (s *RemoteStream) slot(p **RemoteTrack) (RemoteTrack, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if *p == nil {
		return RemoteTrack{}, false
	}
	return **p, true
}
