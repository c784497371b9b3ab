package gatt

import (
	"strconv"
	"strings"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
)

func newDevice(id string) (ble.Device, error) {
	var opts []ble.Option
	// Accept "hci0" as well as a bare index.
	if trimmed := strings.TrimPrefix(id, "hci"); trimmed != "" {
		if n, err := strconv.Atoi(trimmed); err == nil {
			opts = append(opts, ble.OptDeviceID(n))
		}
	}
	return linux.NewDevice(opts...)
}
