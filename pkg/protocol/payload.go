package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

var ErrPayloadTooLarge = errors.New("payload too large")

// PayloadFromBytes copies b into a payload, zero padding the remainder
func PayloadFromBytes(b []byte) (Payload, error) {
	var p Payload
	if len(b) > PayloadSize {
		return p, fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(b), PayloadSize)
	}
	copy(p[:], b)
	return p, nil
}

// Trimmed returns the payload without its trailing zero padding
func (p Payload) Trimmed() []byte {
	return bytes.TrimRight(p[:], "\x00")
}
