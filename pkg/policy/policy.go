// Package policy decides whether a device may hold a profile connection. Gates are consulted on
// every connect attempt, whether locally requested or initiated by the peer.
package policy

import (
	"sort"
	"sync"
)

//go:generate mockgen -destination ../../mocks/policy.go -package mocks -mock_names Gate=PolicyGate github.com/bluekit/btprofile/pkg/policy Gate

// Gate answers whether a device is currently allowed to connect. Implementations must be
// side-effect free and safe for concurrent use; a Gate may be consulted from multiple controller
// goroutines at once.
type Gate interface {
	IsConnectionAllowed(deviceID string) bool
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(deviceID string) bool

func (f GateFunc) IsConnectionAllowed(deviceID string) bool {
	return f(deviceID)
}

// AllowAll admits every device.
func AllowAll() Gate {
	return GateFunc(func(string) bool { return true })
}

// Allowlist admits only devices that have been explicitly added. The zero value is unusable; use
// NewAllowlist.
type Allowlist struct {
	lock    sync.Mutex
	devices map[string]struct{}
}

func NewAllowlist(deviceIDs ...string) *Allowlist {
	l := &Allowlist{devices: make(map[string]struct{})}
	for _, id := range deviceIDs {
		l.devices[id] = struct{}{}
	}
	return l
}

func (l *Allowlist) Add(deviceID string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.devices[deviceID] = struct{}{}
}

func (l *Allowlist) Remove(deviceID string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	delete(l.devices, deviceID)
}

func (l *Allowlist) IsConnectionAllowed(deviceID string) bool {
	l.lock.Lock()
	defer l.lock.Unlock()
	_, ok := l.devices[deviceID]
	return ok
}

// Devices returns the current allowlist contents in lexical order.
func (l *Allowlist) Devices() []string {
	l.lock.Lock()
	defer l.lock.Unlock()
	out := make([]string, 0, len(l.devices))
	for id := range l.devices {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
