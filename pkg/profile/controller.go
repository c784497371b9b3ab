// Package profile implements the per-device connection lifecycle shared by Bluetooth profile
// clients: a four-state machine (Disconnected, Connecting, Connected, Disconnecting) driven by
// local requests, transport events, and timeouts, with one controller per remote device.
//
// Each Controller processes its events on a single goroutine, so no two events for the same
// device are ever handled concurrently. Requests are fire-and-forget; outcomes surface through
// the Observer as state change notifications.
package profile

import (
	"fmt"
	"sync"
	"time"

	"github.com/bluekit/btprofile/internal/log"
	"github.com/bluekit/btprofile/pkg/policy"
	"github.com/bluekit/btprofile/pkg/transport"
)

// requestQueueSize is the number of pending local requests a controller can hold.
const requestQueueSize = 16

type requestKind int

const (
	reqConnect requestKind = iota
	reqDisconnect
)

func (r requestKind) String() string {
	if r == reqConnect {
		return "CONNECT"
	}
	return "DISCONNECT"
}

// inboundSession carries a peer-initiated transport session into the controller.
type inboundSession struct {
	handle transport.Handle
	link   transport.LinkState
}

// Config assembles a Controller's collaborators.
type Config struct {
	DeviceID  string
	Transport transport.Transport
	Gate      policy.Gate
	Observer  Observer

	// Timeout guards the Connecting and Disconnecting states. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Controller manages the profile connection lifecycle for a single remote device.
type Controller struct {
	deviceID  string
	transport transport.Transport
	gate      policy.Gate
	observer  Observer
	timeout   time.Duration

	requests chan requestKind
	inbound  chan inboundSession
	quit     chan struct{}
	done     chan struct{}
	stop     sync.Once

	stateLock sync.Mutex
	state     State

	// The fields below are owned by the event goroutine and never touched elsewhere.
	handle       transport.Handle
	timer        *time.Timer
	timerC       <-chan time.Time
	deferred     []requestKind
	lastReported State
	hasReported  bool
}

// NewController creates and starts a controller for config.DeviceID. The controller begins in
// Disconnected; no notification is emitted for this initial state.
func NewController(config Config) (*Controller, error) {
	if config.DeviceID == "" {
		return nil, fmt.Errorf("profile: missing device ID")
	}
	if config.Transport == nil {
		return nil, fmt.Errorf("profile: missing transport")
	}
	if config.Gate == nil {
		config.Gate = policy.AllowAll()
	}
	timeout := config.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	c := &Controller{
		deviceID:  config.DeviceID,
		transport: config.Transport,
		gate:      config.Gate,
		observer:  config.Observer,
		timeout:   timeout,
		requests:  make(chan requestKind, requestQueueSize),
		inbound:   make(chan inboundSession, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		state:     Disconnected,
	}
	go c.loop()
	return c, nil
}

// DeviceID returns the identifier of the remote device this controller manages.
func (c *Controller) DeviceID() string {
	return c.deviceID
}

// State returns the current connection state. Safe to call from any goroutine.
func (c *Controller) State() State {
	c.stateLock.Lock()
	defer c.stateLock.Unlock()
	return c.state
}

func (c *Controller) String() string {
	return fmt.Sprintf("%s: %s", c.deviceID, c.State())
}

// Connect asks the controller to establish the profile connection. The request is queued and the
// call returns immediately; the outcome is observed via ConnectionStateChanged notifications.
func (c *Controller) Connect() error {
	return c.submit(reqConnect)
}

// Disconnect asks the controller to tear the profile connection down. Like Connect, the request
// is queued and the outcome arrives as notifications.
func (c *Controller) Disconnect() error {
	return c.submit(reqDisconnect)
}

func (c *Controller) submit(req requestKind) error {
	select {
	case <-c.quit:
		return ErrStopped
	default:
	}
	select {
	case c.requests <- req:
		return nil
	case <-c.quit:
		return ErrStopped
	default:
		log.Error("%s: dropping %s request: queue full", c.deviceID, req)
		return ErrQueueFull
	}
}

// deliverInbound hands a peer-initiated session to the controller. Called by the Registry.
func (c *Controller) deliverInbound(h transport.Handle, link transport.LinkState) {
	select {
	case c.inbound <- inboundSession{handle: h, link: link}:
	case <-c.quit:
		_ = h.Disconnect()
		h.Close()
	}
}

// Shutdown forces the connection down and stops the controller. It blocks until the event
// goroutine has drained and all transport resources are released. Safe to call more than once.
func (c *Controller) Shutdown() {
	c.stop.Do(func() { close(c.quit) })
	<-c.done
}

func (c *Controller) loop() {
	defer close(c.done)
	for {
		var events <-chan transport.LinkState
		if c.handle != nil {
			events = c.handle.Events()
		}
		select {
		case <-c.quit:
			c.teardown()
			return
		case req := <-c.requests:
			c.processRequest(req)
		case in := <-c.inbound:
			c.processInbound(in)
		case link, ok := <-events:
			if !ok {
				// The transport closed the session underneath us; treat it as a lost link.
				link = transport.LinkDisconnected
			}
			c.processLink(link)
		case <-c.timerC:
			c.processTimeout()
		}
	}
}

// teardown force-transitions to Disconnected, passing through Disconnecting when a live link must
// be torn down, so observers see an orderly exit and the transport handle is always released.
func (c *Controller) teardown() {
	log.Info("%s: shutting down in state %s", c.deviceID, c.state)
	c.deferred = nil
	switch c.state {
	case Disconnected:
	case Connected:
		if c.handle != nil {
			_ = c.handle.Disconnect()
		}
		c.transitionTo(Disconnecting)
		c.transitionTo(Disconnected)
	default:
		if c.handle != nil {
			_ = c.handle.Disconnect()
		}
		c.transitionTo(Disconnected)
	}
	c.stopTimer()
}

// processRequest handles a local connect/disconnect request in the current state.
func (c *Controller) processRequest(req requestKind) {
	log.Debug("%s: processing %s in state %s", c.deviceID, req, c.state)
	switch c.state {
	case Disconnected:
		switch req {
		case reqConnect:
			c.dial()
		case reqDisconnect:
			// Already disconnected.
			log.Debug("%s: ignoring DISCONNECT while disconnected", c.deviceID)
		}
	case Connecting:
		switch req {
		case reqConnect:
			// A duplicate connect during an in-flight attempt is the caller racing us; hold on
			// to it rather than dropping their intent.
			c.defer_(req)
		case reqDisconnect:
			// The link never reached Connected, so there is no teardown to wait for.
			log.Info("%s: connection attempt canceled", c.deviceID)
			if c.handle != nil {
				_ = c.handle.Disconnect()
			}
			c.transitionTo(Disconnected)
		}
	case Connected:
		switch req {
		case reqConnect:
			// Already connected.
			log.Debug("%s: ignoring CONNECT while connected", c.deviceID)
		case reqDisconnect:
			if err := c.handle.Disconnect(); err != nil {
				// No teardown will complete, so don't wait for one.
				log.Warning("%s: disconnect failed synchronously: %s", c.deviceID, err)
				c.transitionTo(Disconnected)
			} else {
				c.transitionTo(Disconnecting)
			}
		}
	case Disconnecting:
		c.defer_(req)
	}
}

// dial consults the policy gate and starts an outbound connection attempt. Stays in Disconnected
// on rejection or synchronous dial failure.
func (c *Controller) dial() {
	if !c.gate.IsConnectionAllowed(c.deviceID) {
		log.Warning("%s: connect request rejected by policy", c.deviceID)
		return
	}
	h, err := c.transport.Dial(c.deviceID)
	if err != nil {
		log.Warning("%s: connect request rejected by transport: %s", c.deviceID, err)
		return
	}
	c.handle = h
	c.transitionTo(Connecting)
}

// processLink handles an asynchronous link state report from the live transport session.
func (c *Controller) processLink(link transport.LinkState) {
	log.Debug("%s: transport reported %s in state %s", c.deviceID, link, c.state)
	switch c.state {
	case Disconnected:
		// No session should exist here; a late event from a closed handle is harmless.
		log.Warning("%s: unexpected transport event %s while disconnected", c.deviceID, link)
	case Connecting:
		switch link {
		case transport.LinkDisconnected:
			log.Warning("%s: connection attempt failed", c.deviceID)
			c.transitionTo(Disconnected)
		case transport.LinkConnected:
			c.transitionTo(Connected)
		case transport.LinkDisconnecting:
			c.transitionTo(Disconnecting)
		case transport.LinkConnecting:
			// Progress report; nothing to do.
		}
	case Connected:
		switch link {
		case transport.LinkDisconnected:
			log.Info("%s: link lost", c.deviceID)
			c.transitionTo(Disconnected)
		case transport.LinkDisconnecting:
			c.transitionTo(Disconnecting)
		default:
			log.Warning("%s: unexpected transport event %s while connected", c.deviceID, link)
		}
	case Disconnecting:
		switch link {
		case transport.LinkDisconnected:
			c.transitionTo(Disconnected)
		case transport.LinkConnected, transport.LinkConnecting:
			// The peer brought the link back up mid-teardown.
			if c.gate.IsConnectionAllowed(c.deviceID) {
				c.transitionTo(stateFromLink(link))
			} else {
				log.Warning("%s: peer %s during teardown rejected by policy", c.deviceID, link)
				_ = c.handle.Disconnect()
			}
		}
	}
}

// processInbound handles a peer-initiated session delivered by the registry.
func (c *Controller) processInbound(in inboundSession) {
	log.Debug("%s: inbound session (%s) in state %s", c.deviceID, in.link, c.state)
	if c.state != Disconnected {
		// A session is already live; the transport should have routed events through it.
		log.Warning("%s: rejecting concurrent inbound session while %s", c.deviceID, c.state)
		c.reject(in.handle)
		return
	}
	if !c.gate.IsConnectionAllowed(c.deviceID) {
		log.Warning("%s: inbound connection rejected by policy", c.deviceID)
		c.reject(in.handle)
		return
	}
	switch in.link {
	case transport.LinkConnecting:
		c.handle = in.handle
		c.transitionTo(Connecting)
	case transport.LinkConnected:
		// The peer raced all the way up before we saw a Connecting indication.
		c.handle = in.handle
		c.transitionTo(Connected)
	default:
		log.Warning("%s: dropping inbound session in link state %s", c.deviceID, in.link)
		in.handle.Close()
	}
}

// reject explicitly tears down an unwanted session so no half-established link lingers.
func (c *Controller) reject(h transport.Handle) {
	_ = h.Disconnect()
	h.Close()
}

// processTimeout fires when a transient state outlived its guard. Both cases resolve toward
// Disconnected.
func (c *Controller) processTimeout() {
	switch c.state {
	case Connecting:
		log.Warning("%s: connection timeout", c.deviceID)
		if c.handle != nil {
			_ = c.handle.Disconnect()
		}
		c.transitionTo(Disconnected)
	case Disconnecting:
		log.Warning("%s: disconnection timeout", c.deviceID)
		c.transitionTo(Disconnected)
	default:
		// The timer is stopped and drained on state exit, so this should be unreachable.
		log.Error("%s: stray timeout in state %s", c.deviceID, c.state)
	}
}

// transitionTo commits a state change: runs exit actions for the old state, entry actions for the
// new one, emits the observer notification, and replays any deferred requests.
func (c *Controller) transitionTo(next State) {
	prev := c.state
	if prev == next {
		return
	}
	log.Debug("%s: %s -> %s", c.deviceID, prev, next)

	if prev.transient() {
		c.stopTimer()
	}

	c.setState(next)

	switch next {
	case Disconnected:
		c.releaseHandle()
		// A deferred disconnect is now redundant.
		c.pruneDeferred(reqDisconnect)
	case Connecting, Disconnecting:
		c.armTimer()
	case Connected:
		// A deferred connect is now redundant.
		c.pruneDeferred(reqConnect)
	}

	c.notify(next)
	c.replayDeferred()
}

func (c *Controller) setState(next State) {
	c.stateLock.Lock()
	c.state = next
	c.stateLock.Unlock()
}

// notify reports a committed transition exactly once. The previous state passed to the observer
// is the last state actually reported, and the very first Disconnected entry after creation is
// suppressed since there is no prior observed state to transition from.
func (c *Controller) notify(next State) {
	if !c.hasReported && next == Disconnected {
		return
	}
	previous := Disconnected
	if c.hasReported {
		previous = c.lastReported
	}
	if previous == next {
		return
	}
	c.lastReported = next
	c.hasReported = true
	log.Info("%s: connection state %s -> %s", c.deviceID, previous, next)
	if c.observer != nil {
		c.observer.ConnectionStateChanged(c.deviceID, previous, next)
	}
}

func (c *Controller) releaseHandle() {
	if c.handle == nil {
		return
	}
	c.handle.Close()
	c.handle = nil
}

func (c *Controller) armTimer() {
	c.timer = time.NewTimer(c.timeout)
	c.timerC = c.timer.C
}

// stopTimer cancels the transient-state guard. Runs on the event goroutine, so draining the
// channel here guarantees no stale expiry can be observed after a state exit.
func (c *Controller) stopTimer() {
	if c.timer == nil {
		return
	}
	if !c.timer.Stop() {
		select {
		case <-c.timer.C:
		default:
		}
	}
	c.timer = nil
	c.timerC = nil
}

func (c *Controller) defer_(req requestKind) {
	log.Debug("%s: deferring %s in state %s", c.deviceID, req, c.state)
	c.deferred = append(c.deferred, req)
}

func (c *Controller) pruneDeferred(drop requestKind) {
	kept := c.deferred[:0]
	for _, req := range c.deferred {
		if req != drop {
			kept = append(kept, req)
		}
	}
	c.deferred = kept
}

// replayDeferred re-submits requests that arrived during a transient state, in their original
// order. A replayed request may land in another transient state and be deferred again; the
// snapshot keeps the replay finite.
func (c *Controller) replayDeferred() {
	if len(c.deferred) == 0 {
		return
	}
	pending := c.deferred
	c.deferred = nil
	for _, req := range pending {
		log.Debug("%s: replaying deferred %s", c.deviceID, req)
		c.processRequest(req)
	}
}
