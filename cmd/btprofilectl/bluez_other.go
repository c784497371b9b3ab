//go:build !linux

package main

import (
	"errors"

	"github.com/bluekit/btprofile/pkg/transport"
)

func newBluezTransport(_, _ string) (transport.Transport, error) {
	return nil, errors.New("the bluez transport is only available on Linux")
}
