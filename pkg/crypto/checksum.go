package crypto

import "encoding/binary"

// CRC-16/CCITT-FALSE parameters
const (
	CRC16Polynomial = 0x1021
	CRC16Initial    = 0xFFFF

	// ChecksumSize is the number of bytes a checksum occupies on the wire
	ChecksumSize = 2
)

var crc16Table = makeCRC16Table(CRC16Polynomial)

func makeCRC16Table(poly uint16) *[256]uint16 {
	var table [256]uint16
	for i := range table {
		crc := uint16(i) << 8
		for bit := 0; bit < 8; bit++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		table[i] = crc
	}
	return &table
}

// CRC16CCITT computes the CRC-16/CCITT-FALSE of data
func CRC16CCITT(data []byte) uint16 {
	crc := uint16(CRC16Initial)
	for _, b := range data {
		crc = crc<<8 ^ crc16Table[byte(crc>>8)^b]
	}
	return crc
}

// CRC16 appends and verifies a big-endian CRC-16/CCITT-FALSE trailer.
// The checksum covers buf[:dataLen] and lives in buf[dataLen:dataLen+2],
// so buf must hold at least dataLen+2 bytes.
type CRC16 struct{}

// Append computes the checksum of buf[:dataLen] and writes it after the data
func (CRC16) Append(buf []byte, dataLen int) {
	binary.BigEndian.PutUint16(buf[dataLen:dataLen+ChecksumSize], CRC16CCITT(buf[:dataLen]))
}

// Verify reports whether the trailer after buf[:dataLen] matches the data
func (CRC16) Verify(buf []byte, dataLen int) bool {
	if dataLen < 0 || len(buf) < dataLen+ChecksumSize {
		return false
	}
	return binary.BigEndian.Uint16(buf[dataLen:]) == CRC16CCITT(buf[:dataLen])
}
