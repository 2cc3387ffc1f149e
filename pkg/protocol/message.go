package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrMessageChecksum = errors.New("message checksum mismatch")
	ErrCipher          = errors.New("block cipher failure")
)

// EncodeMessage appends a checksum to the payload and encrypts the resulting
// 32-byte block under params.Key and params.IV.
func (c *Codec) EncodeMessage(payload *Payload, params *CryptoParams) (Frame, error) {
	var plain, f Frame

	copy(plain[:PayloadSize], payload[:])
	c.checksum.Append(plain[:], PayloadSize)

	if err := c.cipher.EncryptCBC(f[:], plain[:], params.Key[:], params.IV[:]); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrCipher, err)
	}

	return f, nil
}

// DecodeMessage decrypts a message frame under params.Key and params.IV and
// verifies the payload checksum. params.IV must be the IV carried by the
// header that opened the exchange. On any error the payload is zero.
func (c *Codec) DecodeMessage(f *Frame, params *CryptoParams) (Payload, error) {
	var plain Frame
	var payload Payload

	if err := c.cipher.DecryptCBC(plain[:], f[:], params.Key[:], params.IV[:]); err != nil {
		return payload, fmt.Errorf("%w: %v", ErrCipher, err)
	}

	if !c.checksum.Verify(plain[:], PayloadSize) {
		return payload, ErrMessageChecksum
	}

	copy(payload[:], plain[:PayloadSize])
	return payload, nil
}
