package gatt

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/darwin"
)

func newDevice(_ string) (ble.Device, error) {
	return darwin.NewDevice()
}
