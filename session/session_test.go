package session_test

import (
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/parleyproto/parley"
	"github.com/parleyproto/parley/session"
)

func TestParseIdentity(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  session.Identity // zero means an error is expected
	}{
		{"Full", "peerId=alice&roomId=r1&roomName=Budget",
			session.Identity{PeerID: "alice", RoomID: "r1", RoomName: "Budget"}},
		{"NoName", "peerId=alice&roomId=r1",
			session.Identity{PeerID: "alice", RoomID: "r1"}},
		{"MissingPeer", "roomId=r1", session.Identity{}},
		{"EmptyPeer", "peerId=&roomId=r1", session.Identity{}},
		{"MissingRoom", "peerId=alice", session.Identity{}},
		{"EmptyRoom", "peerId=alice&roomId=", session.Identity{}},
		{"Empty", "", session.Identity{}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			query, err := url.ParseQuery(test.query)
			if err != nil {
				t.Fatalf("ParseQuery(%q): unexpected error: %v", test.query, err)
			}
			got, err := session.ParseIdentity(query)
			if test.want == (session.Identity{}) {
				if err == nil {
					t.Fatalf("ParseIdentity(%q): got %+v, want error", test.query, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseIdentity(%q): unexpected error: %v", test.query, err)
			}
			if diff := cmp.Diff(test.want, got); diff != "" {
				t.Errorf("ParseIdentity(%q): (-want, +got)\n%s", test.query, diff)
			}
		})
	}
}

func mustJoin(t *testing.T, d *session.Directory, roomID, peerID string) *session.Membership {
	t.Helper()
	ta, tb := parley.Pipe()
	t.Cleanup(tb.Close)
	m, err := d.Join(session.Identity{PeerID: peerID, RoomID: roomID}, ta)
	if err != nil {
		t.Fatalf("Join %s/%s: unexpected error: %v", roomID, peerID, err)
	}
	return m
}

func TestDirectoryJoin(t *testing.T) {
	defer leaktest.Check(t)()
	d := session.NewDirectory(nil)
	defer d.Close()

	m1 := mustJoin(t, d, "r1", "alice")
	m2 := mustJoin(t, d, "r1", "bob")
	m3 := mustJoin(t, d, "r2", "carol")

	if m1.Room != m2.Room {
		t.Error("Peers of the same room id got different rooms")
	}
	if m1.Room == m3.Room {
		t.Error("Peers of different room ids share a room")
	}
	if got := d.RoomCount(); got != 2 {
		t.Errorf("RoomCount = %d, want 2", got)
	}
	if got := d.GetRoom("r1"); got != m1.Room {
		t.Errorf("GetRoom(r1) = %v, want %v", got, m1.Room)
	}
	if !m1.Room.HasPeer("alice") || !m1.Room.HasPeer("bob") {
		t.Error("Room r1 is missing a joined peer")
	}
}

func TestDirectoryRejoinReplaces(t *testing.T) {
	defer leaktest.Check(t)()
	d := session.NewDirectory(nil)
	defer d.Close()

	m1 := mustJoin(t, d, "r1", "alice")
	m2 := mustJoin(t, d, "r1", "alice")

	if !m1.Peer.Closed() {
		t.Error("First peer not closed after rejoin")
	}
	if m2.Peer.Closed() {
		t.Error("Second peer is closed")
	}
	if got := m1.Room.GetPeer("alice"); got != m2.Peer {
		t.Errorf("GetPeer(alice) = %v, want the rejoined peer", got)
	}
}

func TestDirectoryConcurrentJoins(t *testing.T) {
	defer leaktest.Check(t)()
	d := session.NewDirectory(nil)
	defer d.Close()

	const numJoins = 16
	g := taskgroup.New(nil)
	for i := range numJoins {
		g.Go(func() error {
			ta, tb := parley.Pipe()
			t.Cleanup(tb.Close)
			_, err := d.Join(session.Identity{PeerID: fmt.Sprint("p", i), RoomID: "shared"}, ta)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Join: unexpected error: %v", err)
	}

	if got := d.RoomCount(); got != 1 {
		t.Errorf("RoomCount = %d, want 1", got)
	}
	if got := len(d.GetRoom("shared").Peers()); got != numJoins {
		t.Errorf("len(Peers) = %d, want %d", got, numJoins)
	}
}

func TestDirectoryRoomCloseEvicts(t *testing.T) {
	defer leaktest.Check(t)()
	d := session.NewDirectory(nil)
	defer d.Close()

	m := mustJoin(t, d, "r1", "alice")
	m.Room.Close()

	deadline := time.Now().Add(5 * time.Second)
	for d.GetRoom("r1") != nil {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for the closed room to be evicted")
		}
		time.Sleep(time.Millisecond)
	}

	// A later join under the same id gets a fresh room.
	m2 := mustJoin(t, d, "r1", "alice")
	if m2.Room == m.Room {
		t.Error("Join after room close reused the closed room")
	}
}

func TestDirectoryJoinInvalid(t *testing.T) {
	defer leaktest.Check(t)()
	d := session.NewDirectory(nil)
	defer d.Close()

	if _, err := d.Join(session.Identity{PeerID: "x", RoomID: "r"}, nil); err == nil {
		t.Error("Join with nil transport: got nil, want error")
	}

	ta, tb := parley.Pipe()
	defer tb.Close()
	if _, err := d.Join(session.Identity{RoomID: "r"}, ta); err == nil {
		t.Error("Join with empty peer id: got nil, want error")
	}
	if !ta.Closed() {
		t.Error("Transport not closed after rejected join")
	}
}

func TestDirectoryClose(t *testing.T) {
	defer leaktest.Check(t)()
	d := session.NewDirectory(nil)

	m := mustJoin(t, d, "r1", "alice")
	d.Close()
	d.Close() // idempotent

	if !m.Peer.Closed() {
		t.Error("Peer not closed by directory close")
	}
	if got := d.RoomCount(); got != 0 {
		t.Errorf("RoomCount = %d, want 0", got)
	}

	ta, tb := parley.Pipe()
	defer tb.Close()
	_, err := d.Join(session.Identity{PeerID: "late", RoomID: "r1"}, ta)
	if !errors.Is(err, session.ErrDirectoryClosed) {
		t.Errorf("Join after close: got error %v, want ErrDirectoryClosed", err)
	}
	if !ta.Closed() {
		t.Error("Transport not closed after rejected join")
	}
}
