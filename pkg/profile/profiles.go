package profile

import "time"

// DefaultTimeout guards the Connecting and Disconnecting states: if the transport does not
// resolve the transient state within this window, the controller falls back to Disconnected.
const DefaultTimeout = 30 * time.Second

// Profile identifies a connection-managed Bluetooth profile. ServiceUUID is the primary service
// (GATT profiles) or profile (classic profiles) UUID the transport should target.
type Profile struct {
	Name        string
	ServiceUUID string
	Timeout     time.Duration
}

var (
	// Battery is the LE Battery Service (BAS) client.
	Battery = Profile{
		Name:        "bas",
		ServiceUUID: "0000180f-0000-1000-8000-00805f9b34fb",
		Timeout:     DefaultTimeout,
	}

	// VolumeControl is the LE Volume Control Service (VCS) client.
	VolumeControl = Profile{
		Name:        "vcs",
		ServiceUUID: "00001844-0000-1000-8000-00805f9b34fb",
		Timeout:     DefaultTimeout,
	}

	// HearingAccess is the Hearing Access Service (HAS) client.
	HearingAccess = Profile{
		Name:        "has",
		ServiceUUID: "00001854-0000-1000-8000-00805f9b34fb",
		Timeout:     DefaultTimeout,
	}

	// PhonebookClient is the Phone Book Access Profile client (PSE-side UUID). Phonebook pulls
	// complete quickly or not at all, so it uses a shorter guard than the GATT profiles.
	PhonebookClient = Profile{
		Name:        "pbap",
		ServiceUUID: "0000112f-0000-1000-8000-00805f9b34fb",
		Timeout:     12 * time.Second,
	}
)
