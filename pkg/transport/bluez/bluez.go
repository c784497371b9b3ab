//go:build linux

// Package bluez implements the transport capability for classic (RFCOMM-based) profiles through
// the BlueZ D-Bus API. Outbound connections use Device1.ConnectProfile; link state is tracked by
// watching the Connected property, which also surfaces peer-initiated connections and unsolicited
// link losses.
package bluez

import (
	"fmt"
	"strings"
	"sync"

	dbus "github.com/godbus/dbus/v5"

	"github.com/bluekit/btprofile/internal/log"
	"github.com/bluekit/btprofile/pkg/transport"
)

const (
	bluezService = "org.bluez"
	deviceIface  = "org.bluez.Device1"
	propsIface   = "org.freedesktop.DBus.Properties"
)

// Transport drives profile connections for one adapter and one profile UUID.
type Transport struct {
	conn        *dbus.Conn
	profileUUID string
	adapterPath dbus.ObjectPath
	signals     chan *dbus.Signal

	lock     sync.Mutex
	inbound  transport.InboundHandler
	sessions map[string]*session
	closed   bool
}

// New connects to the system bus and starts watching device property changes on the given
// adapter ("" selects hci0). profileUUID is the remote service to connect to.
func New(adapterID, profileUUID string) (*Transport, error) {
	if adapterID == "" {
		adapterID = "hci0"
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: failed to connect to system bus: %w", err)
	}
	t := &Transport{
		conn:        conn,
		profileUUID: profileUUID,
		adapterPath: dbus.ObjectPath("/org/bluez/" + adapterID),
		signals:     make(chan *dbus.Signal, 32),
		sessions:    make(map[string]*session),
	}
	err = conn.AddMatchSignal(
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchArg(0, deviceIface),
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bluez: failed to subscribe to device signals: %w", err)
	}
	conn.Signal(t.signals)
	go t.watch()
	return t, nil
}

// SetInboundHandler registers the consumer of peer-initiated connections.
func (t *Transport) SetInboundHandler(h transport.InboundHandler) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.inbound = h
}

// Dial implements transport.Transport.
func (t *Transport) Dial(deviceID string) (transport.Handle, error) {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil, fmt.Errorf("bluez: transport closed")
	}
	s := t.newSessionLocked(deviceID)
	t.lock.Unlock()

	go func() {
		obj := t.conn.Object(bluezService, t.devicePath(deviceID))
		if err := obj.Call(deviceIface+".ConnectProfile", 0, t.profileUUID).Err; err != nil {
			log.Warning("bluez: ConnectProfile(%s) failed for %s: %s", t.profileUUID, deviceID, err)
			s.emit(transport.LinkDisconnected)
			return
		}
		s.emit(transport.LinkConnected)
	}()
	return s, nil
}

// Close stops the signal watcher and releases the bus connection. Live sessions are abandoned.
func (t *Transport) Close() error {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return nil
	}
	t.closed = true
	t.lock.Unlock()
	t.conn.RemoveSignal(t.signals)
	return t.conn.Close()
}

// watch tracks the Connected property across all devices on the adapter and converts changes
// into link events, creating inbound sessions for connections we did not initiate.
func (t *Transport) watch() {
	for sig := range t.signals {
		if sig.Name != propsIface+".PropertiesChanged" || len(sig.Body) < 2 {
			continue
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			continue
		}
		connectedVar, ok := changed["Connected"]
		if !ok {
			continue
		}
		connected, _ := connectedVar.Value().(bool)
		deviceID := macFromPath(sig.Path)
		if deviceID == "" {
			continue
		}
		t.handleConnectedChange(deviceID, connected)
	}
}

func (t *Transport) handleConnectedChange(deviceID string, connected bool) {
	t.lock.Lock()
	s := t.sessions[deviceID]
	handler := t.inbound
	var inbound *session
	if s == nil && connected && handler != nil {
		inbound = t.newSessionLocked(deviceID)
	}
	t.lock.Unlock()

	switch {
	case s != nil && connected:
		s.emit(transport.LinkConnected)
	case s != nil:
		s.emit(transport.LinkDisconnected)
	case inbound != nil:
		log.Info("bluez: peer-initiated connection from %s", deviceID)
		handler.HandleInbound(deviceID, inbound, transport.LinkConnected)
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

// devicePath maps a device address to its BlueZ object path, e.g.
// AA:BB:CC:DD:EE:FF -> /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF.
func (t *Transport) devicePath(deviceID string) dbus.ObjectPath {
	return t.adapterPath + dbus.ObjectPath("/dev_"+strings.ReplaceAll(deviceID, ":", "_"))
}

func macFromPath(path dbus.ObjectPath) string {
	parts := strings.Split(string(path), "/")
	last := parts[len(parts)-1]
	if !strings.HasPrefix(last, "dev_") {
		return ""
	}
	return strings.ReplaceAll(strings.TrimPrefix(last, "dev_"), "_", ":")
}

type session struct {
	transport *Transport
	deviceID  string

	lock     sync.Mutex
	events   chan transport.LinkState
	lastLink transport.LinkState
	reported bool
	closed   bool
}

// Disconnect implements transport.Handle. Completion arrives as a LinkDisconnected event once
// BlueZ reports the Connected property cleared.
func (s *session) Disconnect() error {
	obj := s.transport.conn.Object(bluezService, s.transport.devicePath(s.deviceID))
	go func() {
		if err := obj.Call(deviceIface+".DisconnectProfile", 0, s.transport.profileUUID).Err; err != nil {
			log.Warning("bluez: DisconnectProfile failed for %s: %s", s.deviceID, err)
			// The property watcher won't fire if BlueZ refused; report the teardown ourselves
			// so the owner is not left waiting on its guard timer.
			s.emit(transport.LinkDisconnected)
		}
	}()
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

// emit forwards a link state change, suppressing consecutive duplicates (ConnectProfile's return
// value and the property watcher both report the same link coming up).
func (s *session) emit(link transport.LinkState) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.closed {
		return
	}
	if s.reported && s.lastLink == link {
		return
	}
	s.lastLink = link
	s.reported = true
	select {
	case s.events <- link:
	default:
		log.Error("bluez: dropping %s event for %s: queue full", link, s.deviceID)
	}
}
