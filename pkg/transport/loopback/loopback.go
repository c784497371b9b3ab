// Package loopback provides an in-memory transport that simulates a remote peer. It is used by
// tests and by the CLI's demo mode to exercise connection controllers without Bluetooth hardware.
package loopback

import (
	"sync"
	"time"

	"github.com/bluekit/btprofile/internal/log"
	"github.com/bluekit/btprofile/pkg/transport"
)

const defaultConnectDelay = 10 * time.Millisecond

// Transport simulates peers that accept connections after a configurable delay. Faults can be
// injected per call: a synchronous dial failure, or an attempt that never completes.
type Transport struct {
	lock         sync.Mutex
	connectDelay time.Duration
	dialErr      error
	holdNext     bool
	inbound      transport.InboundHandler
	sessions     map[string]*session
}

func New() *Transport {
	return &Transport{
		connectDelay: defaultConnectDelay,
		sessions:     make(map[string]*session),
	}
}

// SetConnectDelay adjusts how long the simulated peer takes to complete a connection.
func (t *Transport) SetConnectDelay(d time.Duration) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.connectDelay = d
}

// FailNextDial makes the next Dial fail synchronously with err.
func (t *Transport) FailNextDial(err error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.dialErr = err
}

// HoldNextDial makes the next Dial start an attempt that never completes, leaving the caller to
// its connection timeout.
func (t *Transport) HoldNextDial() {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.holdNext = true
}

// SetInboundHandler registers the consumer of peer-initiated sessions.
func (t *Transport) SetInboundHandler(h transport.InboundHandler) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.inbound = h
}

// Dial implements transport.Transport.
func (t *Transport) Dial(deviceID string) (transport.Handle, error) {
	t.lock.Lock()
	if err := t.dialErr; err != nil {
		t.dialErr = nil
		t.lock.Unlock()
		return nil, err
	}
	hold := t.holdNext
	t.holdNext = false
	delay := t.connectDelay
	s := t.newSessionLocked(deviceID)
	t.lock.Unlock()

	if !hold {
		time.AfterFunc(delay, func() { s.emit(transport.LinkConnected) })
	}
	return s, nil
}

// PushInbound simulates a peer-initiated session in the given link state. A LinkConnecting
// session completes to LinkConnected after the connect delay, as a real peer would.
func (t *Transport) PushInbound(deviceID string, link transport.LinkState) {
	t.lock.Lock()
	handler := t.inbound
	delay := t.connectDelay
	s := t.newSessionLocked(deviceID)
	t.lock.Unlock()

	if handler == nil {
		log.Warning("loopback: dropping inbound session for %s: no handler", deviceID)
		s.Close()
		return
	}
	if link == transport.LinkConnecting {
		time.AfterFunc(delay, func() { s.emit(transport.LinkConnected) })
	}
	handler.HandleInbound(deviceID, s, link)
}

// DropLink simulates an unsolicited link loss for the device's live session, if any.
func (t *Transport) DropLink(deviceID string) {
	t.lock.Lock()
	s := t.sessions[deviceID]
	t.lock.Unlock()
	if s != nil {
		s.emit(transport.LinkDisconnected)
	}
}

func (t *Transport) newSessionLocked(deviceID string) *session {
	s := &session{
		transport: t,
		deviceID:  deviceID,
		events:    make(chan transport.LinkState, transport.EventBufferSize),
	}
	t.sessions[deviceID] = s
	return s
}

func (t *Transport) forget(s *session) {
	t.lock.Lock()
	if t.sessions[s.deviceID] == s {
		delete(t.sessions, s.deviceID)
	}
	t.lock.Unlock()
}

type session struct {
	transport *Transport
	deviceID  string

	lock   sync.Mutex
	events chan transport.LinkState
	closed bool
}

func (s *session) Disconnect() error {
	// Teardown completes on the next tick, like a real link.
	time.AfterFunc(time.Millisecond, func() { s.emit(transport.LinkDisconnected) })
	return nil
}

func (s *session) Events() <-chan transport.LinkState {
	return s.events
}

func (s *session) Close() {
	s.lock.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.lock.Unlock()
	s.transport.forget(s)
}

func (s *session) emit(link transport.LinkState) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- link:
	default:
		log.Error("loopback: dropping %s event for %s: queue full", link, s.deviceID)
	}
}
