// Package transport abstracts the asynchronous links (GATT, RFCOMM, L2CAP) used to carry a
// profile connection. Implementations report link state changes through a channel rather than
// through return values: connect and disconnect requests return as soon as the operation is in
// flight, and their outcome arrives later as a LinkState event.
package transport

import (
	"errors"
	"fmt"
)

// ErrNoSession indicates an operation that requires a live session was invoked for a device that
// has none.
var ErrNoSession = errors.New("transport: no live session for device")

// LinkState describes the state of the underlying link as reported by a transport.
type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkConnected
	LinkDisconnecting
)

func (s LinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "disconnected"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkDisconnecting:
		return "disconnecting"
	}
	return fmt.Sprintf("LinkState(%d)", int(s))
}

// EventBufferSize is the number of link events a Handle can queue before the transport is allowed
// to drop them.
const EventBufferSize = 8

// Transport opens sessions to remote devices.
type Transport interface {
	// Dial allocates a session for the device and begins an asynchronous connection attempt. A
	// nil error means the attempt is now in flight; its outcome is reported on the returned
	// Handle's event channel. A non-nil error means no session was created and nothing further
	// will happen.
	Dial(deviceID string) (Handle, error)
}

// Handle is a live transport session. A Handle is owned by exactly one caller, which is
// responsible for calling Close once the session is no longer needed.
type Handle interface {
	// Disconnect asks the transport to tear the link down. A nil error means the request is in
	// flight; completion is reported as a LinkDisconnected event.
	Disconnect() error

	// Events delivers link state changes for this session. The channel is closed by Close.
	// Implementations must never block on delivery; see EventBufferSize.
	Events() <-chan LinkState

	// Close releases local resources held by the session. Safe to call more than once, and safe
	// to call on a session whose link is still up (the link is abandoned, not gracefully torn
	// down).
	Close()
}

// InboundHandler accepts sessions initiated by the remote device. Transports that support
// peer-initiated connections deliver them here together with the link state observed so far
// (LinkConnecting for an in-progress indication, LinkConnected if the link raced all the way up).
type InboundHandler interface {
	HandleInbound(deviceID string, h Handle, state LinkState)
}
