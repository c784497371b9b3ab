package main

import (
	"github.com/bluekit/btprofile/pkg/transport"
	"github.com/bluekit/btprofile/pkg/transport/bluez"
)

func newBluezTransport(adapterID, profileUUID string) (transport.Transport, error) {
	return bluez.New(adapterID, profileUUID)
}
