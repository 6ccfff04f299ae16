package rtc

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Peer is one live entry in the peer table.
type Peer struct {
	remoteID  string
	gen       uint64
	link      PeerLink
	neg       *Negotiator
	remote    *RemoteStream
	createdAt time.Time
}

// RemoteID returns the peer's user id.
func (p *Peer) RemoteID() string { return p.remoteID }

// Manager owns the peer table for one local user: it creates and tears
// down peer links, enforces the connection cap, sweeps stale
// connections, and retries failed peers. Every link gets its own
// Negotiator; the manager never touches negotiation state directly.
type Manager struct {
	selfID  string
	sender  SignalSender
	factory LinkFactory
	log     *zap.Logger

	mu          sync.Mutex
	peers       map[string]*Peer
	pending     map[string]struct{}
	localTracks []webrtc.TrackLocal
	gen         uint64
	closed      bool

	swapDebounce func(func())

	// Injected in tests.
	clock     func() time.Time
	afterFunc func(time.Duration, func()) *time.Timer
}

// NewManager creates a peer manager for the given local user id.
func NewManager(selfID string, sender SignalSender, factory LinkFactory, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		selfID:       selfID,
		sender:       sender,
		factory:      factory,
		log:          log.With(zap.String("self_user_id", selfID)),
		peers:        make(map[string]*Peer),
		pending:      make(map[string]struct{}),
		swapDebounce: debounce.New(StreamSwapDelay),
		clock:        time.Now,
		afterFunc:    time.AfterFunc,
	}
}

// Run drives the stale-connection sweep until the context is
// cancelled, then tears down every peer.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Close()
			return
		case <-ticker.C:
			m.sweepStale(m.clock())
		}
	}
}

// SetLocalTracks installs the local media source used for peers
// created from now on. It does not touch existing peers; use
// SwapLocalStream for that.
func (m *Manager) SetLocalTracks(tracks []webrtc.TrackLocal) {
	m.mu.Lock()
	m.localTracks = tracks
	m.mu.Unlock()
}

// Initiate connects to a remote user. No-op if the peer already
// exists. With no local stream installed the peer is parked in the
// pending set instead. At capacity the oldest peer is evicted to
// pending to make room.
func (m *Manager) Initiate(remoteID string) {
	if remoteID == m.selfID || remoteID == "" {
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, ok := m.peers[remoteID]; ok {
		m.mu.Unlock()
		return
	}
	if len(m.localTracks) == 0 {
		m.pending[remoteID] = struct{}{}
		m.mu.Unlock()
		return
	}
	peer, evicted := m.createPeerLocked(remoteID)
	m.mu.Unlock()

	m.teardown(evicted)
	if peer == nil {
		return
	}
	if !Polite(m.selfID, remoteID) {
		// The impolite side drives the first offer; under glare it
		// would win anyway, so this avoids a redundant exchange.
		peer.neg.NegotiationNeeded()
	}
}

// IngestSignal feeds a signal received from a remote user into that
// peer's negotiator, creating the peer first if needed. Undecodable
// payloads are dropped.
func (m *Manager) IngestSignal(from string, raw json.RawMessage) {
	var sig Signal
	if err := json.Unmarshal(raw, &sig); err != nil {
		m.log.Warn("dropping undecodable signal", zap.String("from", from), zap.Error(err))
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	peer, ok := m.peers[from]
	var evicted []*Peer
	if !ok {
		// An inbound signal means the remote wants a connection; create
		// the peer even before the local stream is ready.
		peer, evicted = m.createPeerLocked(from)
	}
	m.mu.Unlock()

	m.teardown(evicted)
	if peer != nil {
		peer.neg.HandleRemoteSignal(sig)
	}
}

// Remove tears down a peer, if present. Used when a remote leaves the
// room; no reconnect is scheduled.
func (m *Manager) Remove(remoteID string) {
	m.mu.Lock()
	peer := m.peers[remoteID]
	delete(m.peers, remoteID)
	delete(m.pending, remoteID)
	m.mu.Unlock()

	if peer != nil {
		m.teardown([]*Peer{peer})
		m.log.Info("peer removed", zap.String("remote_user_id", remoteID))
	}
}

// SwapLocalStream replaces the local media source. Every current and
// pending peer is torn down and re-initiated once the swap settles, so
// all remotes renegotiate against the new stream. Rapid swaps collapse
// into one rebuild.
func (m *Manager) SwapLocalStream(tracks []webrtc.TrackLocal) {
	m.mu.Lock()
	m.localTracks = tracks
	torn := make([]*Peer, 0, len(m.peers))
	for id, peer := range m.peers {
		torn = append(torn, peer)
		m.pending[id] = struct{}{}
	}
	m.peers = make(map[string]*Peer)
	m.mu.Unlock()

	m.teardown(torn)
	m.swapDebounce(m.retryPending)
}

// Close tears everything down and rejects further peer creation.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.CloseAll()
}

// CloseAll tears down every peer and clears the pending set. The
// manager stays usable; call it again freely.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	torn := make([]*Peer, 0, len(m.peers))
	for _, peer := range m.peers {
		torn = append(torn, peer)
	}
	m.peers = make(map[string]*Peer)
	m.pending = make(map[string]struct{})
	m.mu.Unlock()

	m.teardown(torn)
}

// Peers returns the connected remote user ids, sorted.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PendingPeers returns the deferred remote user ids, sorted.
func (m *Manager) PendingPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RemoteStream returns the remote media slots for a connected peer.
func (m *Manager) RemoteStream(remoteID string) (*RemoteStream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	peer, ok := m.peers[remoteID]
	if !ok {
		return nil, false
	}
	return peer.remote, true
}

// createPeerLocked builds a peer and its negotiator, evicting the
// oldest peer first when the table is full. Caller holds m.mu and must
// teardown the returned eviction slice after unlocking.
func (m *Manager) createPeerLocked(remoteID string) (*Peer, []*Peer) {
	var evicted []*Peer
	for len(m.peers) >= MaxPeerConnections {
		oldest := ""
		var oldestAt time.Time
		for id, peer := range m.peers {
			if oldest == "" || peer.createdAt.Before(oldestAt) {
				oldest, oldestAt = id, peer.createdAt
			}
		}
		evicted = append(evicted, m.peers[oldest])
		delete(m.peers, oldest)
		m.pending[oldest] = struct{}{}
		m.log.Info("evicting oldest peer at capacity", zap.String("remote_user_id", oldest))
	}

	m.gen++
	gen := m.gen
	link, err := m.factory(remoteID, m.linkEvents(remoteID, gen))
	if err != nil {
		m.log.Error("creating peer link failed", zap.String("remote_user_id", remoteID), zap.Error(err))
		m.pending[remoteID] = struct{}{}
		return nil, evicted
	}

	peer := &Peer{
		remoteID:  remoteID,
		gen:       gen,
		link:      link,
		neg:       newNegotiator(m.selfID, remoteID, link, m.sender, m.log),
		remote:    NewRemoteStream(),
		createdAt: m.clock(),
	}
	if len(m.localTracks) > 0 {
		if err := link.AddLocalTracks(m.localTracks); err != nil {
			m.log.Warn("attaching local tracks failed", zap.String("remote_user_id", remoteID), zap.Error(err))
		}
	}
	m.peers[remoteID] = peer
	delete(m.pending, remoteID)
	m.log.Info("peer created", zap.String("remote_user_id", remoteID))
	return peer, evicted
}

// linkEvents binds runtime callbacks to a specific peer generation so
// a late event from a torn-down link cannot act on its replacement.
func (m *Manager) linkEvents(remoteID string, gen uint64) LinkEvents {
	return LinkEvents{
		OnNegotiationNeeded: func() {
			m.withPeer(remoteID, gen, func(p *Peer) { p.neg.NegotiationNeeded() })
		},
		OnICECandidate: func(cand webrtc.ICECandidateInit) {
			m.withPeer(remoteID, gen, func(p *Peer) {
				c := cand
				p.neg.sendSignal(Signal{Type: SignalTypeCandidate, Candidate: &c})
			})
		},
		OnConnectionStateChange: func(state webrtc.PeerConnectionState) {
			m.handleConnState(remoteID, gen, state)
		},
		OnICEConnectionStateChange: func(state webrtc.ICEConnectionState) {
			if state == webrtc.ICEConnectionStateFailed {
				m.withPeer(remoteID, gen, func(p *Peer) { p.neg.RestartICE() })
			}
		},
		OnTrack: func(info TrackInfo) {
			m.withPeer(remoteID, gen, func(p *Peer) { p.remote.Accept(info) })
		},
	}
}

func (m *Manager) withPeer(remoteID string, gen uint64, fn func(*Peer)) {
	m.mu.Lock()
	peer, ok := m.peers[remoteID]
	if !ok || peer.gen != gen {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	fn(peer)
}

func (m *Manager) handleConnState(remoteID string, gen uint64, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateDisconnected:
		m.log.Warn("peer disconnected, starting grace period", zap.String("remote_user_id", remoteID))
		m.afterFunc(DisconnectGrace, func() {
			m.withPeer(remoteID, gen, func(p *Peer) {
				s := p.link.ConnectionState()
				if s == webrtc.PeerConnectionStateDisconnected || s == webrtc.PeerConnectionStateFailed {
					m.retire(remoteID, gen)
				}
			})
		})
	case webrtc.PeerConnectionStateFailed:
		m.log.Warn("peer connection failed", zap.String("remote_user_id", remoteID))
		m.retire(remoteID, gen)
	}
}

// retire removes a specific peer generation and schedules a
// re-initiation attempt.
func (m *Manager) retire(remoteID string, gen uint64) {
	m.mu.Lock()
	peer, ok := m.peers[remoteID]
	if !ok || peer.gen != gen || m.closed {
		m.mu.Unlock()
		return
	}
	delete(m.peers, remoteID)
	m.pending[remoteID] = struct{}{}
	m.mu.Unlock()

	m.teardown([]*Peer{peer})
	m.afterFunc(ReconnectDelay, func() {
		m.mu.Lock()
		_, still := m.pending[remoteID]
		m.mu.Unlock()
		if still {
			m.Initiate(remoteID)
		}
	})
}

// sweepStale removes peers stuck in disconnected or failed past the
// stale threshold. Swept peers are not retried.
func (m *Manager) sweepStale(now time.Time) {
	m.mu.Lock()
	var stale []*Peer
	for id, peer := range m.peers {
		s := peer.link.ConnectionState()
		bad := s == webrtc.PeerConnectionStateDisconnected || s == webrtc.PeerConnectionStateFailed
		if bad && now.Sub(peer.createdAt) > StaleThreshold {
			stale = append(stale, peer)
			delete(m.peers, id)
		}
	}
	m.mu.Unlock()

	for _, peer := range stale {
		m.log.Info("sweeping stale peer", zap.String("remote_user_id", peer.remoteID))
	}
	m.teardown(stale)
}

func (m *Manager) retryPending() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Strings(ids)
	for _, id := range ids {
		m.Initiate(id)
	}
}

// teardown closes peers outside the table lock; link callbacks fired
// during close re-enter the manager.
func (m *Manager) teardown(peers []*Peer) {
	for _, peer := range peers {
		peer.neg.Close()
		if err := peer.link.Close(); err != nil {
			m.log.Warn("closing peer link failed", zap.String("remote_user_id", peer.remoteID), zap.Error(err))
		}
	}
}
