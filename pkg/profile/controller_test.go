package profile

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bluekit/btprofile/pkg/policy"
	"github.com/bluekit/btprofile/pkg/transport"
)

const (
	testDevice     = "AA:BB:CC:DD:EE:FF"
	testTimeout    = 100 * time.Millisecond
	quiescentDelay = 150 * time.Millisecond
)

var errDialRefused = errors.New("test: dial refused")

type fakeHandle struct {
	lock          sync.Mutex
	events        chan transport.LinkState
	closed        bool
	closeCount    int
	disconnects   int
	disconnectErr error
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{events: make(chan transport.LinkState, transport.EventBufferSize)}
}

func (h *fakeHandle) Disconnect() error {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.disconnects++
	return h.disconnectErr
}

func (h *fakeHandle) Events() <-chan transport.LinkState {
	return h.events
}

func (h *fakeHandle) Close() {
	h.lock.Lock()
	defer h.lock.Unlock()
	h.closeCount++
	h.closed = true
}

func (h *fakeHandle) push(link transport.LinkState) {
	h.events <- link
}

func (h *fakeHandle) disconnectCount() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.disconnects
}

func (h *fakeHandle) isClosed() bool {
	h.lock.Lock()
	defer h.lock.Unlock()
	return h.closed
}

type fakeTransport struct {
	lock    sync.Mutex
	dialErr error
	handles []*fakeHandle
}

func (t *fakeTransport) Dial(deviceID string) (transport.Handle, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	h := newFakeHandle()
	t.handles = append(t.handles, h)
	return h, nil
}

func (t *fakeTransport) dialCount() int {
	t.lock.Lock()
	defer t.lock.Unlock()
	return len(t.handles)
}

func (t *fakeTransport) handle(i int) *fakeHandle {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.handles[i]
}

type observedTransition struct {
	device   string
	previous State
	next     State
}

type recordingObserver struct {
	lock        sync.Mutex
	transitions []observedTransition
}

func (o *recordingObserver) ConnectionStateChanged(deviceID string, previous, next State) {
	o.lock.Lock()
	defer o.lock.Unlock()
	o.transitions = append(o.transitions, observedTransition{deviceID, previous, next})
}

func (o *recordingObserver) recorded() []observedTransition {
	o.lock.Lock()
	defer o.lock.Unlock()
	out := make([]observedTransition, len(o.transitions))
	copy(out, o.transitions)
	return out
}

func (o *recordingObserver) count() int {
	o.lock.Lock()
	defer o.lock.Unlock()
	return len(o.transitions)
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func waitForState(t *testing.T, c *Controller, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return c.State() == want })
}

func checkTransitions(t *testing.T, observer *recordingObserver, want []observedTransition) {
	t.Helper()
	got := observer.recorded()
	if len(got) != len(want) {
		t.Fatalf("recorded %d transitions, expected %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d: got %v, expected %v", i, got[i], want[i])
		}
	}
}

type testEnv struct {
	transport *fakeTransport
	observer  *recordingObserver
	ctrl      *Controller

	gateLock sync.Mutex
	allowed  bool
}

func (e *testEnv) setAllowed(allowed bool) {
	e.gateLock.Lock()
	defer e.gateLock.Unlock()
	e.allowed = allowed
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{
		transport: &fakeTransport{},
		observer:  &recordingObserver{},
		allowed:   true,
	}
	c, err := NewController(Config{
		DeviceID:  testDevice,
		Transport: e.transport,
		Gate: policy.GateFunc(func(string) bool {
			e.gateLock.Lock()
			defer e.gateLock.Unlock()
			return e.allowed
		}),
		Observer: e.observer,
		Timeout:  testTimeout,
	})
	if err != nil {
		t.Fatalf("failed to create controller: %s", err)
	}
	e.ctrl = c
	t.Cleanup(c.Shutdown)
	return e
}

// connectTo drives the controller into the Connected state and returns the live handle.
func (e *testEnv) connectTo(t *testing.T) *fakeHandle {
	t.Helper()
	if err := e.ctrl.Connect(); err != nil {
		t.Fatalf("connect request failed: %s", err)
	}
	waitForState(t, e.ctrl, Connecting)
	h := e.transport.handle(e.transport.dialCount() - 1)
	h.push(transport.LinkConnected)
	waitForState(t, e.ctrl, Connected)
	return h
}

func TestConnectLifecycle(t *testing.T) {
	e := newTestEnv(t)

	if err := e.ctrl.Connect(); err != nil {
		t.Fatalf("connect request failed: %s", err)
	}
	waitForState(t, e.ctrl, Connecting)
	if e.transport.dialCount() != 1 {
		t.Fatalf("expected one dial, got %d", e.transport.dialCount())
	}

	e.transport.handle(0).push(transport.LinkConnected)
	waitForState(t, e.ctrl, Connected)

	checkTransitions(t, e.observer, []observedTransition{
		{testDevice, Disconnected, Connecting},
		{testDevice, Connecting, Connected},
	})
}

func TestConnectRejectedByPolicy(t *testing.T) {
	e := newTestEnv(t)
	e.setAllowed(false)

	if err := e.ctrl.Connect(); err != nil {
		t.Fatalf("connect request failed: %s", err)
	}
	time.Sleep(quiescentDelay)

	if state := e.ctrl.State(); state != Disconnected {
		t.Errorf("expected Disconnected, got %s", state)
	}
	if e.transport.dialCount() != 0 {
		t.Errorf("transport dialed despite policy rejection")
	}
	if e.observer.count() != 0 {
		t.Errorf("expected no notifications, got %v", e.observer.recorded())
	}
}

func TestDialSynchronousFailure(t *testing.T) {
	e := newTestEnv(t)
	e.transport.dialErr = errDialRefused

	if err := e.ctrl.Connect(); err != nil {
		t.Fatalf("connect request failed: %s", err)
	}
	time.Sleep(quiescentDelay)

	if state := e.ctrl.State(); state != Disconnected {
		t.Errorf("expected Disconnected after dial failure, got %s", state)
	}
	if e.observer.count() != 0 {
		t.Errorf("expected no notifications, got %v", e.observer.recorded())
	}
}

func TestConnectTimeout(t *testing.T) {
	e := newTestEnv(t)

	if err := e.ctrl.Connect(); err != nil {
		t.Fatalf("connect request failed: %s", err)
	}
	waitForState(t, e.ctrl, Connecting)
	// No transport event arrives; the guard must resolve toward Disconnected.
	waitForState(t, e.ctrl, Disconnected)

	h := e.transport.handle(0)
	if h.disconnectCount() == 0 {
		t.Errorf("expected a corrective disconnect on timeout")
	}
	waitFor(t, "handle release", h.isClosed)
	checkTransitions(t, e.observer, []observedTransition{
		{testDevice, Disconnected, Connecting},
		{testDevice, Connecting, Disconnected},
	})
}

func TestDisconnectLifecycle(t *testing.T) {
	e := newTestEnv(t)
	h := e.connectTo(t)

	if err := e.ctrl.Disconnect(); err != nil {
		t.Fatalf("disconnect request failed: %s", err)
	}
	waitForState(t, e.ctrl, Disconnecting)
	if h.disconnectCount() != 1 {
		t.Fatalf("expected one transport disconnect, got %d", h.disconnectCount())
	}

	h.push(transport.LinkDisconnected)
	waitForState(t, e.ctrl, Disconnected)
	waitFor(t, "handle release", h.isClosed)

	checkTransitions(t, e.observer, []observedTransition{
		{testDevice, Disconnected, Connecting},
		{testDevice, Connecting, Connected},
		{testDevice, Connected, Disconnecting},
		{testDevice, Disconnecting, Disconnected},
	})
}

func TestDisconnectSynchronousFailure(t *testing.T) {
	e := newTestEnv(t)
	h := e.connectTo(t)
	h.lock.Lock()
	h.disconnectErr = errors.New("test: stack refused")
	h.lock.Unlock()

	if err := e.ctrl.Disconnect(); err != nil {
		t.Fatalf("disconnect request failed: %s", err)
	}
	// No teardown confirmation will arrive, so the controller must not wait for one.
	waitForState(t, e.ctrl, Disconnected)
	waitFor(t, "handle release", h.isClosed)
}

func TestDisconnectTimeout(t *testing.T) {
	e := newTestEnv(t)
	h := e.connectTo(t)

	if err := e.ctrl.Disconnect(); err != nil {
		t.Fatalf("disconnect request failed: %s", err)
	}
	waitForState(t, e.ctrl, Disconnecting)
	// The transport never confirms; teardown is assumed after the guard expires.
	waitForState(t, e.ctrl, Disconnected)
	waitFor(t, "handle release", h.isClosed)
}

func TestCancelDuringConnecting(t *testing.T) {
	e := newTestEnv(t)

	if err := e.ctrl.Connect(); err != nil {
		t.Fatalf("connect request failed: %s", err)
	}
	waitForState(t, e.ctrl, Connecting)
	if err := e.ctrl.Disconnect(); err != nil {
		t.Fatalf("disconnect request failed: %s", err)
	}
	// The link never reached Connected, so no Disconnecting phase is needed.
	waitForState(t, e.ctrl, Disconnected)

	h := e.transport.handle(0)
	if h.disconnectCount() != 1 {
		t.Errorf("expected one transport disconnect, got %d", h.disconnectCount())
	}
	checkTransitions(t, e.observer, []observedTransition{
		{testDevice, Disconnected, Connecting},
		{testDevice, Connecting, Disconnected},
	})
}

func TestIdempotentRequests(t *testing.T) {
	e := newTestEnv(t)

	// Disconnect while already disconnected is absorbed.
	if err := e.ctrl.Disconnect(); err != nil {
		t.Fatalf("disconnect request failed: %s", err)
	}
	time.Sleep(quiescentDelay)
	if e.observer.count() != 0 {
		t.Fatalf("expected no notifications, got %v", e.observer.recorded())
	}

	// Connect while already connected is absorbed.
	e.connectTo(t)
	before := e.observer.count()
	if err := e.ctrl.Connect(); err != nil {
		t.Fatalf("connect request failed: %s", err)
	}
	time.Sleep(quiescentDelay)
	if e.observer.count() != before {
		t.Errorf("duplicate connect produced notifications: %v", e.observer.recorded())
	}
	if e.transport.dialCount() != 1 {
		t.Errorf("duplicate connect dialed the transport again")
	}
}

func TestDuplicateConnectWhileConnectingIsDeferred(t *testing.T) {
	e := newTestEnv(t)

	if err := e.ctrl.Connect(); err != nil {
		t.Fatalf("connect request failed: %s", err)
	}
	waitForState(t, e.ctrl, Connecting)
	if err := e.ctrl.Connect(); err != nil {
		t.Fatalf("duplicate connect request failed: %s", err)
	}

	e.transport.handle(0).push(transport.LinkConnected)
	waitForState(t, e.ctrl, Connected)
	time.Sleep(quiescentDelay)

	// The deferred duplicate became redundant on entering Connected.
	if e.transport.dialCount() != 1 {
		t.Errorf("deferred duplicate connect dialed again")
	}
	if state := e.ctrl.State(); state != Connected {
		t.Errorf("expected Connected, got %s", state)
	}
}

func TestConnectDeferredDuringDisconnecting(t *testing.T) {
	e := newTestEnv(t)
	h := e.connectTo(t)

	if err := e.ctrl.Disconnect(); err != nil {
		t.Fatalf("disconnect request failed: %s", err)
	}
	waitForState(t, e.ctrl, Disconnecting)
	if err := e.ctrl.Connect(); err != nil {
		t.Fatalf("connect request failed: %s", err)
	}
	time.Sleep(quiescentDelay / 3)
	if e.transport.dialCount() != 1 {
		t.Fatalf("deferred connect dialed before teardown resolved")
	}

	h.push(transport.LinkDisconnected)
	// The deferred request replays once teardown resolves.
	waitFor(t, "replayed dial", func() bool { return e.transport.dialCount() == 2 })
	waitForState(t, e.ctrl, Connecting)

	e.transport.handle(1).push(transport.LinkConnected)
	waitForState(t, e.ctrl, Connected)

	checkTransitions(t, e.observer, []observedTransition{
		{testDevice, Disconnected, Connecting},
		{testDevice, Connecting, Connected},
		{testDevice, Connected, Disconnecting},
		{testDevice, Disconnecting, Disconnected},
		{testDevice, Disconnected, Connecting},
		{testDevice, Connecting, Connected},
	})
}

func TestUnsolicitedLinkLoss(t *testing.T) {
	e := newTestEnv(t)
	h := e.connectTo(t)

	h.push(transport.LinkDisconnected)
	waitForState(t, e.ctrl, Disconnected)
	waitFor(t, "handle release", h.isClosed)
}

func TestInboundConnectionAllowed(t *testing.T) {
	e := newTestEnv(t)

	h := newFakeHandle()
	e.ctrl.deliverInbound(h, transport.LinkConnecting)
	waitForState(t, e.ctrl, Connecting)

	h.push(transport.LinkConnected)
	waitForState(t, e.ctrl, Connected)
	checkTransitions(t, e.observer, []observedTransition{
		{testDevice, Disconnected, Connecting},
		{testDevice, Connecting, Connected},
	})
}

func TestInboundConnectedRace(t *testing.T) {
	e := newTestEnv(t)

	// The peer raced all the way up before any Connecting indication was seen.
	h := newFakeHandle()
	e.ctrl.deliverInbound(h, transport.LinkConnected)
	waitForState(t, e.ctrl, Connected)
	checkTransitions(t, e.observer, []observedTransition{
		{testDevice, Disconnected, Connected},
	})
}

func TestInboundRejectedByPolicy(t *testing.T) {
	e := newTestEnv(t)
	e.setAllowed(false)

	h := newFakeHandle()
	e.ctrl.deliverInbound(h, transport.LinkConnecting)
	waitFor(t, "corrective disconnect", func() bool { return h.disconnectCount() == 1 })
	waitFor(t, "handle release", h.isClosed)

	if state := e.ctrl.State(); state != Disconnected {
		t.Errorf("expected Disconnected, got %s", state)
	}
	if e.observer.count() != 0 {
		t.Errorf("expected no notifications, got %v", e.observer.recorded())
	}
}

func TestPeerReconnectDuringDisconnecting(t *testing.T) {
	e := newTestEnv(t)
	h := e.connectTo(t)

	if err := e.ctrl.Disconnect(); err != nil {
		t.Fatalf("disconnect request failed: %s", err)
	}
	waitForState(t, e.ctrl, Disconnecting)

	h.push(transport.LinkConnected)
	waitForState(t, e.ctrl, Connected)
}

func TestPeerReconnectDuringDisconnectingRejected(t *testing.T) {
	e := newTestEnv(t)
	h := e.connectTo(t)

	if err := e.ctrl.Disconnect(); err != nil {
		t.Fatalf("disconnect request failed: %s", err)
	}
	waitForState(t, e.ctrl, Disconnecting)
	before := h.disconnectCount()

	e.setAllowed(false)
	h.push(transport.LinkConnected)
	waitFor(t, "corrective disconnect", func() bool { return h.disconnectCount() == before+1 })

	if state := e.ctrl.State(); state != Disconnecting {
		t.Errorf("expected to remain Disconnecting, got %s", state)
	}
}

func TestShutdownReleasesTransport(t *testing.T) {
	e := newTestEnv(t)
	h := e.connectTo(t)

	e.ctrl.Shutdown()

	if !h.isClosed() {
		t.Errorf("shutdown leaked the transport handle")
	}
	if h.disconnectCount() == 0 {
		t.Errorf("shutdown did not tear the link down")
	}
	if state := e.ctrl.State(); state != Disconnected {
		t.Errorf("expected Disconnected after shutdown, got %s", state)
	}
	got := e.observer.recorded()
	if len(got) == 0 || got[len(got)-1].next != Disconnected {
		t.Errorf("expected a final Disconnected notification, got %v", got)
	}

	if err := e.ctrl.Connect(); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped after shutdown, got %v", err)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	e := newTestEnv(t)
	e.ctrl.Shutdown()
	e.ctrl.Shutdown()
}
