package gatt

import (
	"context"
	"fmt"

	"github.com/go-ble/ble"
)

// Adapter abstracts the local BLE controller so tests can substitute a fake and platforms can
// differ in how the underlying device is created.
type Adapter interface {
	// Connect dials the peripheral with the given address and blocks until the link is up, an
	// error occurs, or ctx is canceled.
	Connect(ctx context.Context, addr string) (Peripheral, error)
	Close() error
}

// Peripheral is an established BLE link to a remote device.
type Peripheral interface {
	// DiscoverService performs primary service discovery for the given UUID.
	DiscoverService(uuid string) error

	// Disconnected returns a channel that is closed when the link goes down for any reason.
	Disconnected() <-chan struct{}

	// CancelConnection tears the link down.
	CancelConnection() error
}

// NewAdapter opens the platform BLE device identified by id ("" selects the default controller).
func NewAdapter(id string) (Adapter, error) {
	device, err := newDevice(id)
	if err != nil {
		return nil, fmt.Errorf("gatt: failed to open adapter %q: %w", id, err)
	}
	return &adapter{device: device}, nil
}

type adapter struct {
	device ble.Device
}

func (a *adapter) Connect(ctx context.Context, addr string) (Peripheral, error) {
	client, err := a.device.Dial(ctx, ble.NewAddr(addr))
	if err != nil {
		return nil, err
	}
	return &peripheral{client: client}, nil
}

func (a *adapter) Close() error {
	if a.device == nil {
		return nil
	}
	device := a.device
	a.device = nil
	return device.Stop()
}

type peripheral struct {
	client ble.Client
}

func (p *peripheral) DiscoverService(uuid string) error {
	parsed, err := ble.Parse(uuid)
	if err != nil {
		return fmt.Errorf("gatt: invalid service UUID %q: %w", uuid, err)
	}
	services, err := p.client.DiscoverServices([]ble.UUID{parsed})
	if err != nil {
		return fmt.Errorf("gatt: service discovery failed: %w", err)
	}
	if len(services) == 0 {
		return fmt.Errorf("gatt: device does not expose service %s", uuid)
	}
	return nil
}

func (p *peripheral) Disconnected() <-chan struct{} {
	return p.client.Disconnected()
}

func (p *peripheral) CancelConnection() error {
	return p.client.CancelConnection()
}
