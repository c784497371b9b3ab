package profile

// Observer receives connection state change notifications. Observers are invoked synchronously
// from the controller's event goroutine: a notification is delivered exactly once per committed
// transition, and no further events are processed for the device until the Observer returns.
// Long-running work belongs in the Observer's own goroutine.
type Observer interface {
	ConnectionStateChanged(deviceID string, previous, next State)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(deviceID string, previous, next State)

func (f ObserverFunc) ConnectionStateChanged(deviceID string, previous, next State) {
	f(deviceID, previous, next)
}

// Hooks attaches profile-specific side effects to connection state changes. PostConnect runs when
// a device reaches Connected (the usual place to start service or characteristic discovery);
// PostDisconnect runs when a device leaves Connected (the usual place to reset cached values).
// Every notification is then forwarded to Next, if set.
type Hooks struct {
	PostConnect    func(deviceID string)
	PostDisconnect func(deviceID string)
	Next           Observer
}

func (h *Hooks) ConnectionStateChanged(deviceID string, previous, next State) {
	if previous == Connected && h.PostDisconnect != nil {
		h.PostDisconnect(deviceID)
	}
	if next == Connected && h.PostConnect != nil {
		h.PostConnect(deviceID)
	}
	if h.Next != nil {
		h.Next.ConnectionStateChanged(deviceID, previous, next)
	}
}
