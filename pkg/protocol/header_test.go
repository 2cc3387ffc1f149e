package protocol

import (
	"encoding/hex"
	"errors"
	"testing"
)

func testIV() IV {
	var iv IV
	for i := range iv {
		iv[i] = byte(0xA0 + i)
	}
	return iv
}

func TestHeaderEncodeDecode(t *testing.T) {
	codec := DefaultCodec()

	tests := []struct {
		name   string
		header Header
	}{
		{
			name:   "request header",
			header: Header{
				CorrelationID: 0xF0F1F2F4,
				Type:          MsgTypeRequest,
				Length:        FrameSize,
				IV:            testIV(),
			},
		},
		{
			name:   "zero fields",
			header: Header{},
		},
		{
			name:   "max fields",
			header: Header{
				CorrelationID: 0xFFFFFFFF,
				Type:          0xFF,
				Length:        0xFF,
				IV:            IV{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
			},
		},
		{
			name:   "unassigned type",
			header: Header{
				CorrelationID: 1,
				Type:          0x02,
				Length:        PayloadSize,
				IV:            IV{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := codec.EncodeHeader(&tt.header)

			if !IsHeader(&encoded) {
				t.Fatal("encoded header does not carry the marker")
			}

			decoded, err := codec.DecodeHeader(&encoded)
			if err != nil {
				t.Fatalf("DecodeHeader() error = %v", err)
			}

			if decoded.CorrelationID != tt.header.CorrelationID {
				t.Errorf("CorrelationID = %x, want %x", decoded.CorrelationID, tt.header.CorrelationID)
			}
			if decoded.Type != tt.header.Type {
				t.Errorf("Type = %x, want %x", decoded.Type, tt.header.Type)
			}
			if decoded.Length != tt.header.Length {
				t.Errorf("Length = %d, want %d", decoded.Length, tt.header.Length)
			}
			if decoded.IV != tt.header.IV {
				t.Errorf("IV = %x, want %x", decoded.IV, tt.header.IV)
			}
		})
	}
}

func TestHeaderWireFormat(t *testing.T) {
	codec := DefaultCodec()

	encoded := codec.EncodeHeader(&Header{
		CorrelationID: 0xF0F1F2F4,
		Type:          MsgTypeRequest,
		Length:        FrameSize,
		IV:            testIV(),
	})

	want := "fffffffffffffffff0f1f2f40120a0a1a2a3a4a5a6a7a8a9aaabacadaeafe743"
	if got := hex.EncodeToString(encoded[:]); got != want {
		t.Errorf("EncodeHeader() = %s, want %s", got, want)
	}
}

func TestHeaderTamperSensitivity(t *testing.T) {
	codec := DefaultCodec()
	encoded := codec.EncodeHeader(&Header{
		CorrelationID: 0x01020304,
		Type:          MsgTypeRequest,
		Length:        FrameSize,
		IV:            testIV(),
	})

	for bit := 0; bit < offsetChecksum*8; bit++ {
		tampered := encoded
		tampered[bit/8] ^= 1 << (bit % 8)

		_, err := codec.DecodeHeader(&tampered)
		if err == nil {
			t.Fatalf("bit %d flipped: DecodeHeader() accepted tampered header", bit)
		}

		// Flips inside the marker fail the marker gate, the rest fail the checksum
		wantErr := ErrHeaderChecksum
		if bit < MarkerSize*8 {
			wantErr = ErrNotHeader
		}
		if !errors.Is(err, wantErr) {
			t.Errorf("bit %d flipped: error = %v, want %v", bit, err, wantErr)
		}
	}
}

func TestHeaderChecksumFailureExposesFields(t *testing.T) {
	codec := DefaultCodec()
	encoded := codec.EncodeHeader(&Header{CorrelationID: 0xCAFEBABE, IV: testIV()})
	encoded[offsetChecksum] ^= 0xFF

	decoded, err := codec.DecodeHeader(&encoded)
	if !errors.Is(err, ErrHeaderChecksum) {
		t.Fatalf("DecodeHeader() error = %v, want %v", err, ErrHeaderChecksum)
	}
	if decoded.CorrelationID != 0xCAFEBABE || decoded.IV != testIV() {
		t.Error("fields must still be extracted when only the checksum fails")
	}
}

func TestHeaderMarkerGate(t *testing.T) {
	codec := DefaultCodec()

	tests := []struct {
		name  string
		frame Frame
	}{
		{"all zero", Frame{}},
		{"seven marker bytes", Frame{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x00}},
		{"marker at wrong offset", Frame{0x00, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"single low byte", Frame{0xFE, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if IsHeader(&tt.frame) {
				t.Error("IsHeader() = true, want false")
			}

			decoded, err := codec.DecodeHeader(&tt.frame)
			if !errors.Is(err, ErrNotHeader) {
				t.Errorf("DecodeHeader() error = %v, want %v", err, ErrNotHeader)
			}
			if decoded != (Header{}) {
				t.Error("no field may be extracted from a non-header frame")
			}
		})
	}
}
