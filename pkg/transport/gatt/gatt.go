// Package gatt implements the transport capability over a BLE GATT central role. Dialing is
// asynchronous: the attempt runs on its own goroutine and its outcome arrives on the session's
// event channel, which also carries unsolicited disconnects reported by the controller hardware.
package gatt

import (
	"context"
	"sync"

	"github.com/bluekit/btprofile/internal/log"
	"github.com/bluekit/btprofile/pkg/transport"
)

// Transport dials GATT connections through a local BLE adapter.
type Transport struct {
	adapter     Adapter
	serviceUUID string

	lock     sync.Mutex
	sessions map[string]*session
}

// New wraps an already-open adapter. serviceUUID identifies the profile's primary service and is
// used by Discover.
func New(adapter Adapter, serviceUUID string) *Transport {
	return &Transport{
		adapter:     adapter,
		serviceUUID: serviceUUID,
		sessions:    make(map[string]*session),
	}
}

// NewDefault opens the platform adapter identified by adapterID and wraps it.
func NewDefault(adapterID, serviceUUID string) (*Transport, error) {
	adapter, err := NewAdapter(adapterID)
	if err != nil {
		return nil, err
	}
	return New(adapter, serviceUUID), nil
}

// Dial implements transport.Transport. The returned handle's event channel reports
// LinkConnected once the link is up, or LinkDisconnected if the attempt fails or is canceled.
func (t *Transport) Dial(deviceID string) (transport.Handle, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		transport: t,
		deviceID:  deviceID,
		cancel:    cancel,
		events:    make(chan transport.LinkState, transport.EventBufferSize),
	}
	t.lock.Lock()
	t.sessions[deviceID] = s
	t.lock.Unlock()

	go s.run(ctx)
	return s, nil
}

// Discover performs primary service discovery on the device's live link. Intended to be called
// from a post-connect hook.
func (t *Transport) Discover(deviceID string) error {
	t.lock.Lock()
	s := t.sessions[deviceID]
	t.lock.Unlock()
	if s == nil {
		return transport.ErrNoSession
	}
	p := s.livePeripheral()
	if p == nil {
		return transport.ErrNoSession
	}
	return p.DiscoverService(t.serviceUUID)
}

// Close releases the underlying adapter. Live sessions are abandoned.
func (t *Transport) Close() error {
	return t.adapter.Close()
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
	cancel    context.CancelFunc

	lock       sync.Mutex
	events     chan transport.LinkState
	peripheral Peripheral
	closed     bool
}

func (s *session) run(ctx context.Context) {
	p, err := s.transport.adapter.Connect(ctx, s.deviceID)
	if err != nil {
		log.Warning("gatt: connection attempt to %s failed: %s", s.deviceID, err)
		s.emit(transport.LinkDisconnected)
		return
	}

	s.lock.Lock()
	if s.closed {
		s.lock.Unlock()
		// The owner gave up while we were dialing.
		if err := p.CancelConnection(); err != nil {
			log.Warning("gatt: failed to drop abandoned link to %s: %s", s.deviceID, err)
		}
		return
	}
	s.peripheral = p
	s.lock.Unlock()

	s.emit(transport.LinkConnected)
	<-p.Disconnected()
	s.emit(transport.LinkDisconnected)
}

func (s *session) livePeripheral() Peripheral {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.peripheral
}

// Disconnect implements transport.Handle. Completion is reported as a LinkDisconnected event
// once the controller confirms the link is down.
func (s *session) Disconnect() error {
	s.cancel()
	if p := s.livePeripheral(); p != nil {
		return p.CancelConnection()
	}
	return nil
}

func (s *session) Events() <-chan transport.LinkState {
	return s.events
}

func (s *session) Close() {
	s.cancel()
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
		log.Error("gatt: dropping %s event for %s: queue full", link, s.deviceID)
	}
}
