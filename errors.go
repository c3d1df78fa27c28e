package parley

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidMessage is reported by ParseMessage when a frame does not decode
// to one of the three message shapes. Transports absorb this error locally;
// it never reaches application code.
var ErrInvalidMessage = errors.New("invalid message")

// ErrTransportClosed is reported by Transport.Send after the transport has
// closed.
var ErrTransportClosed = errors.New("transport closed")

// ErrPeerClosed is the failure delivered to every request still pending when
// its peer closes.
var ErrPeerClosed = errors.New("peer closed")

// ErrDuplicateIdentity is reported by Room.CreatePeer when a live peer with
// the requested identity remains registered even after the stale entry was
// asked to close.
var ErrDuplicateIdentity = errors.New("duplicate peer identity")

// ErrRoomFull is reported by Room.CreatePeer when the room has reached its
// configured capacity. Reclaiming an identity already present in the room is
// not affected by the capacity limit.
var ErrRoomFull = errors.New("room full")

// A TimeoutError is the failure delivered to a request that received no
// response within its deadline.
type TimeoutError struct {
	Method  string        // the method of the timed-out request
	Timeout time.Duration // the deadline that elapsed
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %q timed out after %v", e.Method, e.Timeout)
}

// A RemoteError is the failure delivered to a request that the remote peer
// answered with ok:false. It carries the remote error code and reason
// verbatim.
type RemoteError struct {
	Code   int
	Reason string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Reason)
}
