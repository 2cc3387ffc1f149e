package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

var (
	ErrInvalidIV       = errors.New("invalid iv")
	ErrNotBlockAligned = errors.New("input is not a whole number of blocks")
	ErrShortBuffer     = errors.New("destination buffer too short")
)

// BlockSize is the AES block size in bytes
const BlockSize = aes.BlockSize

// AESCBC is an AES block cipher in CBC mode. It only handles whole blocks,
// no padding is added or removed.
type AESCBC struct{}

// EncryptCBC encrypts src into dst under key and iv
func (AESCBC) EncryptCBC(dst, src, key, iv []byte) error {
	block, err := newBlock(dst, src, key, iv)
	if err != nil {
		return err
	}

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(dst, src)
	return nil
}

// DecryptCBC decrypts src into dst under key and iv
func (AESCBC) DecryptCBC(dst, src, key, iv []byte) error {
	block, err := newBlock(dst, src, key, iv)
	if err != nil {
		return err
	}

	cipher.NewCBCDecrypter(block, iv).CryptBlocks(dst, src)
	return nil
}

func newBlock(dst, src, key, iv []byte) (cipher.Block, error) {
	if len(iv) != BlockSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidIV, len(iv))
	}
	if len(src)%BlockSize != 0 {
		return nil, ErrNotBlockAligned
	}
	if len(dst) < len(src) {
		return nil, ErrShortBuffer
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return block, nil
}
