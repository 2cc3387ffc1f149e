package protocol

// Protocol constants
const (
	// Every frame on the link is exactly this long
	FrameSize = 32

	// Header marker length (bytes 0..8 of a header frame)
	MarkerSize = 8

	// Marker byte repeated MarkerSize times at the start of a header
	MarkerByte = 0xFF

	// Caller payload carried in one message frame
	PayloadSize = 30

	// Trailing checksum size in both frame shapes
	ChecksumSize = 2

	// AES-128 key and CBC IV sizes
	KeySize = 16
	IVSize  = 16
)

// Header field offsets
const (
	offsetCorrelationID = 8
	offsetType          = 12
	offsetLength        = 13
	offsetIV            = 14
	offsetChecksum      = 30
)

// MsgTypeRequest is the only message type a sender emits
const MsgTypeRequest uint8 = 0x01

// Frame is a fixed-size unit exchanged over the transport
type Frame [FrameSize]byte

// Payload is the caller data carried by one exchange
type Payload [PayloadSize]byte

// Key is a pre-shared AES-128 key
type Key [KeySize]byte

// IV is a CBC initialization vector. It travels in the clear in the header.
type IV [IVSize]byte

// CryptoParams is a key and IV pair. The local instance decrypts incoming
// messages, the destination instance encrypts outgoing ones.
type CryptoParams struct {
	Key Key
	IV  IV
}

// headerMarker is the fixed prefix of every header frame
var headerMarker = [MarkerSize]byte{
	MarkerByte, MarkerByte, MarkerByte, MarkerByte,
	MarkerByte, MarkerByte, MarkerByte, MarkerByte,
}
