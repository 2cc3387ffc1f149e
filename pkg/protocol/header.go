package protocol

import (
	"encoding/binary"
	"errors"
)

var (
	ErrNotHeader      = errors.New("frame is not a header")
	ErrHeaderChecksum = errors.New("header checksum mismatch")
)

// Header carries the routing and crypto metadata of one exchange
type Header struct {
	CorrelationID uint32 // Ties the header to the following message frame
	Type          uint8  // Message type
	Length        uint8  // Message length in bytes
	IV            IV     // IV the following message frame is encrypted with
}

// IsHeader reports whether the frame starts with the header marker
func IsHeader(f *Frame) bool {
	for i := 0; i < MarkerSize; i++ {
		if f[i] != MarkerByte {
			return false
		}
	}
	return true
}

// EncodeHeader encodes the header into a frame and seals it with a checksum
func (c *Codec) EncodeHeader(h *Header) Frame {
	var f Frame

	copy(f[0:MarkerSize], headerMarker[:])
	binary.BigEndian.PutUint32(f[offsetCorrelationID:offsetType], h.CorrelationID)
	f[offsetType] = h.Type
	f[offsetLength] = h.Length
	copy(f[offsetIV:offsetChecksum], h.IV[:])

	// Checksum bytes are zero while the checksum is computed
	f[offsetChecksum] = 0
	f[offsetChecksum+1] = 0
	c.checksum.Append(f[:], offsetChecksum)

	return f
}

// DecodeHeader decodes a header frame.
//
// A frame without the marker returns ErrNotHeader and a zero header. When the
// marker matches but the checksum does not, the extracted fields are returned
// together with ErrHeaderChecksum; they must not be trusted.
func (c *Codec) DecodeHeader(f *Frame) (Header, error) {
	var h Header
	if !IsHeader(f) {
		return h, ErrNotHeader
	}

	h.CorrelationID = binary.BigEndian.Uint32(f[offsetCorrelationID:offsetType])
	h.Type = f[offsetType]
	h.Length = f[offsetLength]
	copy(h.IV[:], f[offsetIV:offsetChecksum])

	if !c.checksum.Verify(f[:], offsetChecksum) {
		return h, ErrHeaderChecksum
	}

	return h, nil
}
