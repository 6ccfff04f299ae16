package rtc

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// mockLink is a scriptable PeerLink tracking every call the engine
// makes. Signaling state transitions follow the standard machine so
// the negotiator sees realistic answers to its queries.
type mockLink struct {
	mu sync.Mutex

	signalingState webrtc.SignalingState
	connState      webrtc.PeerConnectionState
	remoteSet      bool

	offersCreated   int
	lastOfferWasICE bool
	answersCreated  int
	rollbacks       int

	remoteDescs []webrtc.SessionDescription
	localDescs  []webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	localTracks []webrtc.TrackLocal

	closed bool

	offerErr  error
	answerErr error
	candErr   error
}

func newMockLink() *mockLink {
	return &mockLink{
		signalingState: webrtc.SignalingStateStable,
		connState:      webrtc.PeerConnectionStateNew,
	}
}

func (l *mockLink) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.offerErr != nil {
		return webrtc.SessionDescription{}, l.offerErr
	}
	l.offersCreated++
	l.lastOfferWasICE = iceRestart
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("offer-%d", l.offersCreated),
	}, nil
}

func (l *mockLink) CreateAnswer() (webrtc.SessionDescription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.answerErr != nil {
		return webrtc.SessionDescription{}, l.answerErr
	}
	l.answersCreated++
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  fmt.Sprintf("answer-%d", l.answersCreated),
	}, nil
}

func (l *mockLink) SetLocalDescription(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.localDescs = append(l.localDescs, desc)
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		l.signalingState = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		l.signalingState = webrtc.SignalingStateStable
	}
	return nil
}

func (l *mockLink) SetRemoteDescription(desc webrtc.SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remoteDescs = append(l.remoteDescs, desc)
	l.remoteSet = true
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		l.signalingState = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		l.signalingState = webrtc.SignalingStateStable
	}
	return nil
}

func (l *mockLink) Rollback() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollbacks++
	l.signalingState = webrtc.SignalingStateStable
	return nil
}

func (l *mockLink) AddICECandidate(cand webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.candErr != nil {
		return l.candErr
	}
	l.candidates = append(l.candidates, cand)
	return nil
}

func (l *mockLink) HasRemoteDescription() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteSet
}

func (l *mockLink) SignalingState() webrtc.SignalingState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.signalingState
}

func (l *mockLink) ConnectionState() webrtc.PeerConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connState
}

func (l *mockLink) setConnectionState(s webrtc.PeerConnectionState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connState = s
}

func (l *mockLink) AddLocalTracks(tracks []webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.localTracks = append(l.localTracks, tracks...)
	return nil
}

func (l *mockLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *mockLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *mockLink) remoteDescriptions() []webrtc.SessionDescription {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]webrtc.SessionDescription, len(l.remoteDescs))
	copy(out, l.remoteDescs)
	return out
}

func (l *mockLink) attachedTracks() []webrtc.TrackLocal {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]webrtc.TrackLocal, len(l.localTracks))
	copy(out, l.localTracks)
	return out
}

func (l *mockLink) appliedCandidates() []webrtc.ICECandidateInit {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(l.candidates))
	copy(out, l.candidates)
	return out
}

func (l *mockLink) stats() (offers, answers, rollbacks int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.offersCreated, l.answersCreated, l.rollbacks
}

type sentSignal struct {
	to  string
	sig Signal
}

// mockSender collects everything the engine pushes to the signaling
// channel.
type mockSender struct {
	mu   sync.Mutex
	sent []sentSignal
	ch   chan sentSignal
}

func newMockSender() *mockSender {
	return &mockSender{ch: make(chan sentSignal, 64)}
}

func (s *mockSender) SendSignal(to string, raw json.RawMessage) error {
	var sig Signal
	if err := json.Unmarshal(raw, &sig); err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, sentSignal{to: to, sig: sig})
	s.mu.Unlock()
	s.ch <- sentSignal{to: to, sig: sig}
	return nil
}

// waitFor blocks until a signal of the given type is sent.
func (s *mockSender) waitFor(sigType string, timeout time.Duration) (sentSignal, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case got := <-s.ch:
			if got.sig.Type == sigType {
				return got, true
			}
		case <-deadline:
			return sentSignal{}, false
		}
	}
}

func (s *mockSender) count(sigType string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.sent {
		if m.sig.Type == sigType {
			n++
		}
	}
	return n
}

// mockFactory builds mockLinks and remembers each link plus the engine
// callbacks bound to it.
type mockFactory struct {
	mu      sync.Mutex
	links   map[string][]*mockLink
	events  map[string][]LinkEvents
	failFor map[string]error
}

func newMockFactory() *mockFactory {
	return &mockFactory{
		links:   make(map[string][]*mockLink),
		events:  make(map[string][]LinkEvents),
		failFor: make(map[string]error),
	}
}

func (f *mockFactory) factory(remoteUserID string, events LinkEvents) (PeerLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[remoteUserID]; err != nil {
		return nil, err
	}
	link := newMockLink()
	f.links[remoteUserID] = append(f.links[remoteUserID], link)
	f.events[remoteUserID] = append(f.events[remoteUserID], events)
	return link, nil
}

// latest returns the most recent link built for a remote, or nil.
func (f *mockFactory) latest(remoteUserID string) *mockLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	links := f.links[remoteUserID]
	if len(links) == 0 {
		return nil
	}
	return links[len(links)-1]
}

// latestEvents returns the callbacks bound to the most recent link.
func (f *mockFactory) latestEvents(remoteUserID string) (LinkEvents, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	events := f.events[remoteUserID]
	if len(events) == 0 {
		return LinkEvents{}, false
	}
	return events[len(events)-1], true
}

func (f *mockFactory) linkCount(remoteUserID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links[remoteUserID])
}
