// Package rtc implements the peer-side mesh engine: per-peer perfect
// negotiation, a bounded peer table with stale-connection GC and
// reconnect backoff, and routing of inbound tracks onto a stable remote
// stream per peer.
//
// The engine drives an RTC runtime through the PeerLink seam; the pion
// adapter is the production implementation.
package rtc

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	// MaxPeerConnections bounds the peer table; the oldest connection
	// is evicted into the pending set when a new peer would exceed it.
	MaxPeerConnections = 10

	// CleanupInterval is the period of the stale-connection sweep.
	CleanupInterval = 30 * time.Second

	// StaleThreshold is the minimum age before a disconnected or
	// failed connection is swept.
	StaleThreshold = 60 * time.Second

	// NegotiationDebounce coalesces bursts of negotiation-needed
	// events before an offer is attempted.
	NegotiationDebounce = 300 * time.Millisecond

	// DisconnectGrace is how long a disconnected peer may recover
	// before being torn down.
	DisconnectGrace = 5 * time.Second

	// ReconnectDelay is the pause before re-initiating a removed peer.
	ReconnectDelay = 2 * time.Second

	// StreamSwapDelay is the settle time between tearing peers down
	// for a local stream swap and re-initiating them.
	StreamSwapDelay = 500 * time.Millisecond
)

// Signal payload type tags.
const (
	SignalTypeOffer     = "offer"
	SignalTypeAnswer    = "answer"
	SignalTypeCandidate = "candidate"
)

// Signal is the payload exchanged between peers through the signaling
// server. The server never inspects it.
type Signal struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// Encode serializes a Signal for the signaling channel.
func (s Signal) Encode() (json.RawMessage, error) {
	return json.Marshal(s)
}

// SignalSender delivers opaque signaling payloads to a remote user.
// pkg/signal's Client satisfies it.
type SignalSender interface {
	SendSignal(to string, signal json.RawMessage) error
}

// Polite reports whether self yields on glare against remote. The peer
// with the lexicographically smaller user id is polite; both sides
// agree without coordination.
func Polite(selfID, remoteID string) bool {
	return selfID < remoteID
}
