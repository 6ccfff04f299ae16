package rtc

import (
	"sync"

	"github.com/bep/debounce"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

type eventKind int

const (
	evNegotiationNeeded eventKind = iota
	evNegotiateFire
	evRemoteOffer
	evRemoteAnswer
	evRemoteCandidate
	evICERestart
)

type peerEvent struct {
	kind eventKind
	desc webrtc.SessionDescription
	cand webrtc.ICECandidateInit
}

// Negotiator runs perfect negotiation against one remote peer. All
// negotiation state lives on a single goroutine consuming the event
// channel, so offers, answers and candidates for a peer are applied
// strictly in order and glare is resolved without locks.
type Negotiator struct {
	remoteID string
	polite   bool
	link     PeerLink
	sender   SignalSender
	log      *zap.Logger

	events    chan peerEvent
	done      chan struct{}
	closeOnce sync.Once
	debounced func(func())

	// Owned by the event loop.
	makingOffer bool
	pendingICE  []webrtc.ICECandidateInit
}

func newNegotiator(selfID, remoteID string, link PeerLink, sender SignalSender, log *zap.Logger) *Negotiator {
	n := &Negotiator{
		remoteID:  remoteID,
		polite:    Polite(selfID, remoteID),
		link:      link,
		sender:    sender,
		log:       log.With(zap.String("remote_user_id", remoteID)),
		events:    make(chan peerEvent, 64),
		done:      make(chan struct{}),
		debounced: debounce.New(NegotiationDebounce),
	}
	go n.loop()
	return n
}

// NegotiationNeeded requests an offer attempt. Bursts within the
// debounce window collapse into one attempt.
func (n *Negotiator) NegotiationNeeded() {
	n.push(peerEvent{kind: evNegotiationNeeded})
}

// RestartICE drives an immediate offer flagged for ICE restart.
func (n *Negotiator) RestartICE() {
	n.push(peerEvent{kind: evICERestart})
}

// HandleRemoteSignal enqueues a decoded signal from the remote peer.
// Unknown signal types are dropped.
func (n *Negotiator) HandleRemoteSignal(sig Signal) {
	switch sig.Type {
	case SignalTypeOffer:
		n.push(peerEvent{kind: evRemoteOffer, desc: webrtc.SessionDescription{
			Type: webrtc.SDPTypeOffer, SDP: sig.SDP,
		}})
	case SignalTypeAnswer:
		n.push(peerEvent{kind: evRemoteAnswer, desc: webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer, SDP: sig.SDP,
		}})
	case SignalTypeCandidate:
		if sig.Candidate == nil {
			return
		}
		n.push(peerEvent{kind: evRemoteCandidate, cand: *sig.Candidate})
	default:
		n.log.Warn("dropping unknown signal type", zap.String("type", sig.Type))
	}
}

// Close stops the event loop. Buffered ICE candidates are discarded.
// Safe to call more than once.
func (n *Negotiator) Close() {
	n.closeOnce.Do(func() { close(n.done) })
}

func (n *Negotiator) push(ev peerEvent) {
	select {
	case n.events <- ev:
	case <-n.done:
	}
}

func (n *Negotiator) loop() {
	for {
		select {
		case <-n.done:
			n.pendingICE = nil
			return
		case ev := <-n.events:
			n.handle(ev)
		}
	}
}

func (n *Negotiator) handle(ev peerEvent) {
	switch ev.kind {
	case evNegotiationNeeded:
		n.debounced(func() { n.push(peerEvent{kind: evNegotiateFire}) })
	case evNegotiateFire:
		if n.makingOffer || n.link.SignalingState() != webrtc.SignalingStateStable {
			return
		}
		n.sendOffer(false)
	case evRemoteOffer:
		n.handleOffer(ev.desc)
	case evRemoteAnswer:
		n.handleAnswer(ev.desc)
	case evRemoteCandidate:
		n.handleCandidate(ev.cand)
	case evICERestart:
		n.sendOffer(true)
	}
}

func (n *Negotiator) handleOffer(desc webrtc.SessionDescription) {
	collision := n.makingOffer || n.link.SignalingState() != webrtc.SignalingStateStable

	if collision && !n.polite {
		// Our own offer stays on the wire; the polite peer will roll
		// back and answer it.
		n.log.Debug("glare: ignoring remote offer")
		if !n.makingOffer && n.link.SignalingState() == webrtc.SignalingStateStable {
			n.sendOffer(false)
		}
		return
	}

	if collision {
		n.log.Debug("glare: rolling back local offer")
		if err := n.link.Rollback(); err != nil {
			n.log.Warn("rollback failed", zap.Error(err))
			return
		}
		n.makingOffer = false
	}

	if err := n.link.SetRemoteDescription(desc); err != nil {
		n.log.Warn("applying remote offer failed", zap.Error(err))
		return
	}
	n.drainPendingICE()

	answer, err := n.link.CreateAnswer()
	if err != nil {
		n.log.Warn("creating answer failed", zap.Error(err))
		return
	}
	if err := n.link.SetLocalDescription(answer); err != nil {
		n.log.Warn("setting local answer failed", zap.Error(err))
		return
	}
	n.sendSignal(Signal{Type: SignalTypeAnswer, SDP: answer.SDP})
}

func (n *Negotiator) handleAnswer(desc webrtc.SessionDescription) {
	if n.link.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		n.log.Debug("ignoring answer with no offer outstanding")
		return
	}
	if err := n.link.SetRemoteDescription(desc); err != nil {
		n.log.Warn("applying remote answer failed", zap.Error(err))
		return
	}
	n.makingOffer = false
	n.drainPendingICE()
}

func (n *Negotiator) handleCandidate(cand webrtc.ICECandidateInit) {
	if !n.link.HasRemoteDescription() {
		n.pendingICE = append(n.pendingICE, cand)
		return
	}
	if err := n.link.AddICECandidate(cand); err != nil {
		n.log.Warn("adding ICE candidate failed", zap.Error(err))
	}
}

// drainPendingICE applies buffered candidates in arrival order. Each
// is attempted exactly once; failures are logged and dropped.
func (n *Negotiator) drainPendingICE() {
	for _, cand := range n.pendingICE {
		if err := n.link.AddICECandidate(cand); err != nil {
			n.log.Warn("adding buffered ICE candidate failed", zap.Error(err))
		}
	}
	n.pendingICE = nil
}

func (n *Negotiator) sendOffer(iceRestart bool) {
	n.makingOffer = true
	before := n.link.SignalingState()

	offer, err := n.link.CreateOffer(iceRestart)
	if err != nil {
		n.makingOffer = false
		n.log.Warn("creating offer failed", zap.Error(err))
		return
	}
	if n.link.SignalingState() != before {
		// A remote description landed while the offer was built.
		n.makingOffer = false
		return
	}
	if err := n.link.SetLocalDescription(offer); err != nil {
		n.makingOffer = false
		n.log.Warn("setting local offer failed", zap.Error(err))
		return
	}
	n.sendSignal(Signal{Type: SignalTypeOffer, SDP: offer.SDP})
}

func (n *Negotiator) sendSignal(sig Signal) {
	raw, err := sig.Encode()
	if err != nil {
		n.log.Error("encoding signal failed", zap.Error(err))
		return
	}
	if err := n.sender.SendSignal(n.remoteID, raw); err != nil {
		n.log.Warn("sending signal failed", zap.String("type", sig.Type), zap.Error(err))
	}
}
