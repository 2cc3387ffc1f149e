package protocol

import "github.com/ZentaChain/zentalk-link/pkg/crypto"

// BlockCipher encrypts and decrypts whole 16-byte blocks in CBC mode
type BlockCipher interface {
	EncryptCBC(dst, src, key, iv []byte) error
	DecryptCBC(dst, src, key, iv []byte) error
}

// Checksum appends and verifies a 2-byte trailer covering buf[:dataLen]
type Checksum interface {
	Append(buf []byte, dataLen int)
	Verify(buf []byte, dataLen int) bool
}

// Codec encodes and decodes header and message frames
type Codec struct {
	cipher   BlockCipher
	checksum Checksum
}

// NewCodec creates a codec from a block cipher and a checksum
func NewCodec(cipher BlockCipher, checksum Checksum) *Codec {
	return &Codec{
		cipher:   cipher,
		checksum: checksum,
	}
}

// DefaultCodec returns the AES-128-CBC / CRC-16 codec used on the wire
func DefaultCodec() *Codec {
	return NewCodec(crypto.AESCBC{}, crypto.CRC16{})
}
