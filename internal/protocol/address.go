package protocol

import "fmt"

// Address identifies one device of one recipient. Name is either an
// account UUID string or an E.164 phone number.
type Address struct {
	name     string
	deviceID uint32
}

// NewAddress creates a new protocol address.
func NewAddress(name string, deviceID uint32) *Address {
	return &Address{name: name, deviceID: deviceID}
}

// Name returns the address name (e.g. phone number or UUID).
func (a *Address) Name() string { return a.name }

// DeviceID returns the device ID component of the address.
func (a *Address) DeviceID() uint32 { return a.deviceID }

func (a *Address) String() string {
	return fmt.Sprintf("%s.%d", a.name, a.deviceID)
}
