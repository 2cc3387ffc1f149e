package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidAddress = errors.New("invalid device address")

// DeviceAddress identifies a device on the link. The protocol treats it as
// an opaque handle; transports map it onto their own addressing.
type DeviceAddress uint64

// ParseDeviceAddress parses a 0x-prefixed hex or decimal address
func ParseDeviceAddress(s string) (DeviceAddress, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return DeviceAddress(v), nil
}

// String formats the address like an nRF24 pipe address
func (a DeviceAddress) String() string {
	return fmt.Sprintf("0x%010X", uint64(a))
}

// IsZero reports whether the address is unset
func (a DeviceAddress) IsZero() bool {
	return a == 0
}

// MarshalText implements encoding.TextMarshaler
func (a DeviceAddress) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (a *DeviceAddress) UnmarshalText(text []byte) error {
	v, err := ParseDeviceAddress(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}
