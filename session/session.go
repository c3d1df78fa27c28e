// Package session maintains the directory of active rooms for a signaling
// server: it maps room ids to live rooms, creates rooms on first join, and
// funnels all joins through a single FIFO queue so that "look up or create"
// is atomic across concurrent connection attempts.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/parleyproto/parley"
	"github.com/parleyproto/parley/taskqueue"
)

// ErrDirectoryClosed is reported by joins against a closed directory.
var ErrDirectoryClosed = errors.New("session directory closed")

// An Identity names the party and room a connection wants to join. The
// directory treats all three fields as opaque strings.
type Identity struct {
	PeerID   string // required
	RoomID   string // required
	RoomName string // informational only
}

// ParseIdentity extracts an identity from the query parameters of an upgrade
// request. It fails if peerId or roomId is missing or empty; roomName is
// optional.
func ParseIdentity(query url.Values) (Identity, error) {
	id := Identity{
		PeerID:   query.Get("peerId"),
		RoomID:   query.Get("roomId"),
		RoomName: query.Get("roomName"),
	}
	if id.PeerID == "" {
		return Identity{}, errors.New("missing peerId parameter")
	}
	if id.RoomID == "" {
		return Identity{}, errors.New("missing roomId parameter")
	}
	return id, nil
}

// DirectoryOptions customize a Directory. A nil *DirectoryOptions is ready
// for use and provides defaults.
type DirectoryOptions struct {
	// Log receives directory diagnostics. If nil, slog.Default is used.
	Log *slog.Logger

	// Room is applied to rooms created by joins.
	Room *parley.RoomOptions
}

func (o *DirectoryOptions) logger() *slog.Logger {
	if o == nil || o.Log == nil {
		return slog.Default()
	}
	return o.Log
}

func (o *DirectoryOptions) roomOptions() *parley.RoomOptions {
	if o == nil {
		return nil
	}
	return o.Room
}

// A Directory is the registry of live rooms, keyed by room id. A room is
// created on the first join naming its id and evicted from the directory
// when it closes.
type Directory struct {
	log   *slog.Logger
	ropts *parley.RoomOptions
	queue *taskqueue.Queue

	μ      sync.Mutex
	closed bool
	rooms  map[string]*parley.Room
}

// NewDirectory constructs an empty directory.
func NewDirectory(opts *DirectoryOptions) *Directory {
	return &Directory{
		log:   opts.logger(),
		ropts: opts.roomOptions(),
		queue: taskqueue.New(&taskqueue.Options{
			ClosedErr: ErrDirectoryClosed,
		}),
		rooms: make(map[string]*parley.Room),
	}
}

// A Membership is the result of a successful join: the peer created for the
// joining party and the room it now belongs to.
type Membership struct {
	Room *parley.Room
	Peer *parley.Peer
}

// Join registers a peer for id over tr, creating the room on first use. It
// blocks until earlier joins have settled; concurrent joins with the same
// identity resolve in arrival order, each later one evicting the earlier
// peer. On failure the transport has been closed.
func (d *Directory) Join(id Identity, tr parley.Transport) (*Membership, error) {
	if tr == nil {
		return nil, errors.New("no transport given")
	}
	v, err := d.queue.Push(func() (any, error) {
		return d.join(id, tr)
	})
	if err != nil {
		tr.Close()
		return nil, err
	}
	return v.(*Membership), nil
}

// join runs on the directory queue, so at most one runs at a time.
func (d *Directory) join(id Identity, tr parley.Transport) (*Membership, error) {
	room, created, err := d.getOrCreateRoom(id.RoomID)
	if err != nil {
		tr.Close()
		return nil, err
	}
	if created {
		d.log.Info("room created", "room", id.RoomID, "name", id.RoomName)
	}

	peer, err := room.CreatePeer(id.PeerID, tr)
	if err != nil {
		return nil, fmt.Errorf("join room %q: %w", id.RoomID, err)
	}
	d.log.Info("peer joined", "room", id.RoomID, "peer", id.PeerID)
	return &Membership{Room: room, Peer: peer}, nil
}

func (d *Directory) getOrCreateRoom(roomID string) (*parley.Room, bool, error) {
	d.μ.Lock()
	defer d.μ.Unlock()
	if d.closed {
		return nil, false, ErrDirectoryClosed
	}
	if room, ok := d.rooms[roomID]; ok {
		return room, false, nil
	}

	room := parley.NewRoom(d.ropts)
	d.rooms[roomID] = room
	room.OnClose(func() { d.removeRoom(roomID, room) })
	return room, true, nil
}

// GetRoom returns the live room registered for roomID, or nil.
func (d *Directory) GetRoom(roomID string) *parley.Room {
	d.μ.Lock()
	defer d.μ.Unlock()
	return d.rooms[roomID]
}

// RoomCount reports the number of live rooms.
func (d *Directory) RoomCount() int {
	d.μ.Lock()
	defer d.μ.Unlock()
	return len(d.rooms)
}

// Close closes the directory and every room it contains. Joins already
// queued and joins arriving afterward fail with ErrDirectoryClosed. It is
// idempotent.
func (d *Directory) Close() {
	d.μ.Lock()
	if d.closed {
		d.μ.Unlock()
		return
	}
	d.closed = true
	rooms := d.rooms
	d.rooms = make(map[string]*parley.Room)
	d.μ.Unlock()

	d.queue.Close()
	d.log.Debug("directory closed", "rooms", len(rooms))
	for _, room := range rooms {
		room.Close()
	}
}

func (d *Directory) removeRoom(roomID string, room *parley.Room) {
	d.μ.Lock()
	defer d.μ.Unlock()
	if cur, ok := d.rooms[roomID]; ok && cur == room {
		delete(d.rooms, roomID)
		d.log.Info("room removed", "room", roomID)
	}
}
