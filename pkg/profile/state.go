package profile

import (
	"fmt"

	"github.com/bluekit/btprofile/pkg/transport"
)

// State is the connection state of a profile on a remote device. Exactly one State holds per
// device at any time.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// transient reports whether s is expected to resolve on its own and is therefore guarded by the
// connection timeout.
func (s State) transient() bool {
	return s == Connecting || s == Disconnecting
}

func stateFromLink(s transport.LinkState) State {
	switch s {
	case transport.LinkConnecting:
		return Connecting
	case transport.LinkConnected:
		return Connected
	case transport.LinkDisconnecting:
		return Disconnecting
	}
	return Disconnected
}
