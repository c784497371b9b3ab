package profile

import (
	"sort"
	"sync"

	"github.com/bluekit/btprofile/internal/log"
	"github.com/bluekit/btprofile/pkg/policy"
	"github.com/bluekit/btprofile/pkg/transport"
)

// Registry maps remote devices to their connection controllers for one profile. It creates a
// controller the first time a device is seen (a local connect request or an inbound session) and
// destroys it when the device is removed. The Registry also implements transport.InboundHandler
// so transports can route peer-initiated sessions to the right controller.
type Registry struct {
	profile   Profile
	transport transport.Transport
	gate      policy.Gate
	observer  Observer

	lock        sync.Mutex
	controllers map[string]*Controller
	stopped     bool
}

// NewRegistry creates a registry for the given profile. gate may be nil to admit all devices;
// observer may be nil to discard notifications.
func NewRegistry(p Profile, t transport.Transport, gate policy.Gate, observer Observer) *Registry {
	return &Registry{
		profile:     p,
		transport:   t,
		gate:        gate,
		observer:    observer,
		controllers: make(map[string]*Controller),
	}
}

// Profile returns the profile descriptor this registry manages connections for.
func (r *Registry) Profile() Profile {
	return r.profile
}

// Connect queues a connect request for the device, creating its controller if needed.
func (r *Registry) Connect(deviceID string) error {
	c, err := r.getOrCreate(deviceID)
	if err != nil {
		return err
	}
	return c.Connect()
}

// Disconnect queues a disconnect request for the device. Unknown devices are already
// disconnected, so the request is absorbed as a no-op.
func (r *Registry) Disconnect(deviceID string) error {
	r.lock.Lock()
	c, ok := r.controllers[deviceID]
	r.lock.Unlock()
	if !ok {
		log.Debug("%s/%s: disconnect for unknown device", r.profile.Name, deviceID)
		return nil
	}
	return c.Disconnect()
}

// State returns the device's connection state. Unknown devices report Disconnected.
func (r *Registry) State(deviceID string) State {
	r.lock.Lock()
	c, ok := r.controllers[deviceID]
	r.lock.Unlock()
	if !ok {
		return Disconnected
	}
	return c.State()
}

// Devices returns the devices with a live controller, sorted for stable output.
func (r *Registry) Devices() []string {
	r.lock.Lock()
	out := make([]string, 0, len(r.controllers))
	for id := range r.controllers {
		out = append(out, id)
	}
	r.lock.Unlock()
	sort.Strings(out)
	return out
}

// Remove shuts down and destroys the device's controller, forcing any live connection to tear
// down. Blocks until the controller has drained.
func (r *Registry) Remove(deviceID string) {
	r.lock.Lock()
	c, ok := r.controllers[deviceID]
	delete(r.controllers, deviceID)
	r.lock.Unlock()
	if ok {
		c.Shutdown()
	}
}

// Shutdown destroys all controllers and stops accepting new devices.
func (r *Registry) Shutdown() {
	r.lock.Lock()
	r.stopped = true
	controllers := r.controllers
	r.controllers = make(map[string]*Controller)
	r.lock.Unlock()
	for _, c := range controllers {
		c.Shutdown()
	}
}

// HandleInbound implements transport.InboundHandler. Policy is enforced by the controller, which
// tears the session down if the device is not allowed to connect.
func (r *Registry) HandleInbound(deviceID string, h transport.Handle, link transport.LinkState) {
	c, err := r.getOrCreate(deviceID)
	if err != nil {
		log.Warning("%s/%s: dropping inbound session: %s", r.profile.Name, deviceID, err)
		_ = h.Disconnect()
		h.Close()
		return
	}
	c.deliverInbound(h, link)
}

func (r *Registry) getOrCreate(deviceID string) (*Controller, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.stopped {
		return nil, ErrStopped
	}
	if c, ok := r.controllers[deviceID]; ok {
		return c, nil
	}
	c, err := NewController(Config{
		DeviceID:  deviceID,
		Transport: r.transport,
		Gate:      r.gate,
		Observer:  r.observer,
		Timeout:   r.profile.Timeout,
	})
	if err != nil {
		return nil, err
	}
	log.Info("%s/%s: controller created", r.profile.Name, deviceID)
	r.controllers[deviceID] = c
	return c, nil
}
