package parley

import (
	"errors"
	"log/slog"
	"sync"
)

// A Room is the registry of peers belonging to one logical collaborative
// session. It enforces at most one live peer per identity: registering a
// peer for an identity that is already present closes and evicts the stale
// entry first.
//
// The map mutations a Room performs are internally synchronized, but callers
// that must make "look up, then create" atomic across concurrent connection
// attempts should serialize those operations through a taskqueue.Queue; see
// the session subpackage.
type Room struct {
	log      *slog.Logger
	popts    *PeerOptions
	maxPeers int

	μ      sync.Mutex
	closed bool
	peers  map[string]*Peer

	closeEvent Event[struct{}]
}

// RoomOptions customize a Room. A nil *RoomOptions is ready for use and
// provides defaults.
type RoomOptions struct {
	// Log receives room diagnostics. If nil, slog.Default is used.
	Log *slog.Logger

	// Peer is applied to peers created in the room.
	Peer *PeerOptions

	// MaxPeers caps the number of live peers in the room. Zero means no
	// limit. Registration beyond the cap fails with ErrRoomFull, except that
	// a peer reclaiming its own identity is always admitted.
	MaxPeers int
}

func (o *RoomOptions) logger() *slog.Logger {
	if o == nil || o.Log == nil {
		return slog.Default()
	}
	return o.Log
}

func (o *RoomOptions) peerOptions() *PeerOptions {
	if o == nil {
		return nil
	}
	return o.Peer
}

func (o *RoomOptions) maxPeers() int {
	if o == nil {
		return 0
	}
	return o.MaxPeers
}

// NewRoom constructs an empty room.
func NewRoom(opts *RoomOptions) *Room {
	return &Room{
		log:      opts.logger(),
		popts:    opts.peerOptions(),
		maxPeers: opts.maxPeers(),
		peers:    make(map[string]*Peer),
	}
}

// Closed reports whether the room has closed.
func (r *Room) Closed() bool {
	r.μ.Lock()
	defer r.μ.Unlock()
	return r.closed
}

// OnClose registers fn to run when the room closes.
func (r *Room) OnClose(fn func()) { r.closeEvent.Subscribe(func(struct{}) { fn() }) }

// CreatePeer registers a new peer for peerID over tr and returns it. If a
// live peer already holds peerID, that peer is closed and evicted before the
// replacement is registered, so a returning party keeps its identity across
// reconnects. If eviction does not clear the entry, CreatePeer closes tr and
// reports ErrDuplicateIdentity.
//
// An empty peerID or a nil transport is rejected; on an empty peerID the
// transport is closed before returning.
func (r *Room) CreatePeer(peerID string, tr Transport) (*Peer, error) {
	if tr == nil {
		return nil, errors.New("no transport given")
	}
	if peerID == "" {
		tr.Close()
		return nil, errors.New("empty peer id")
	}

	r.μ.Lock()
	if r.closed {
		r.μ.Unlock()
		tr.Close()
		return nil, errors.New("room closed")
	}
	stale := r.peers[peerID]
	r.μ.Unlock()

	if stale != nil {
		r.log.Info("replacing stale peer", "peer", peerID)
		stale.Close() // its close hook removes it from the map
	}

	r.μ.Lock()
	if r.closed {
		r.μ.Unlock()
		tr.Close()
		return nil, errors.New("room closed")
	}
	if _, busy := r.peers[peerID]; busy {
		r.μ.Unlock()
		tr.Close()
		return nil, ErrDuplicateIdentity
	}
	if r.maxPeers > 0 && len(r.peers) >= r.maxPeers {
		r.μ.Unlock()
		tr.Close()
		return nil, ErrRoomFull
	}

	peer := NewPeer(peerID, tr, r.popts)
	r.peers[peerID] = peer
	r.μ.Unlock()

	// Registered outside the lock: if the transport died during
	// registration the hook fires immediately and must be able to take it.
	peer.OnClose(func() { r.removePeer(peerID, peer) })
	return peer, nil
}

// GetPeer returns the live peer registered for peerID, or nil.
func (r *Room) GetPeer(peerID string) *Peer {
	r.μ.Lock()
	defer r.μ.Unlock()
	return r.peers[peerID]
}

// HasPeer reports whether a live peer is registered for peerID.
func (r *Room) HasPeer(peerID string) bool { return r.GetPeer(peerID) != nil }

// Peers returns a snapshot of the live peers in the room.
func (r *Room) Peers() []*Peer {
	r.μ.Lock()
	defer r.μ.Unlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Close closes the room and every peer it contains. It is idempotent.
func (r *Room) Close() {
	r.μ.Lock()
	if r.closed {
		r.μ.Unlock()
		return
	}
	r.closed = true
	peers := r.peers
	r.peers = make(map[string]*Peer)
	r.μ.Unlock()

	r.log.Debug("room closed", "peers", len(peers))
	for _, p := range peers {
		p.Close()
	}
	r.closeEvent.Emit(r.log, struct{}{})
}

func (r *Room) removePeer(peerID string, peer *Peer) {
	r.μ.Lock()
	defer r.μ.Unlock()
	if cur, ok := r.peers[peerID]; ok && cur == peer {
		delete(r.peers, peerID)
	}
}
