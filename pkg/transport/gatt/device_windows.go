package gatt

import (
	"errors"

	"github.com/go-ble/ble"
)

func newDevice(_ string) (ble.Device, error) {
	return nil, errors.New("gatt: not supported on Windows")
}
