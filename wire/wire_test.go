package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeAttributesRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		attrs map[string][]byte
	}{
		{"empty", map[string][]byte{}},
		{"single empty value", map[string][]byte{"bar": {}}},
		{"two attributes", map[string][]byte{
			"foo": {0x01, 0x02, 0x03},
			"bar": {},
		}},
		{"ascii key with binary value", map[string][]byte{
			"hello": []byte("world"),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, err := EncodeAttributes(tt.attrs)
			if err != nil {
				t.Fatalf("EncodeAttributes: %v", err)
			}

			decoded, err := DecodeAttributes(buf)
			if err != nil {
				t.Fatalf("DecodeAttributes: %v", err)
			}

			if len(decoded) != len(tt.attrs) {
				t.Fatalf("got %d attributes, want %d", len(decoded), len(tt.attrs))
			}
			for k, v := range tt.attrs {
				got, ok := decoded[k]
				if !ok {
					t.Fatalf("missing key %q after round-trip", k)
				}
				if !bytes.Equal(got, v) {
					t.Fatalf("key %q: got %v, want %v", k, got, v)
				}
			}
		})
	}
}

func TestDecodeAttributesRejectsNegativeValueLength(t *testing.T) {
	// key "k" (len 1) followed by a value length of -1.
	buf := []byte{1, 0, 0, 0, 'k', 0xFF, 0xFF, 0xFF, 0xFF}
	_, err := DecodeAttributes(buf)
	if err == nil {
		t.Fatal("expected protocol error, got nil")
	}
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("got %v, want ErrProtocol", err)
	}
}

func TestDecodeAttributesRejectsTruncatedRecord(t *testing.T) {
	buf := []byte{5, 0, 0, 0, 'a', 'b'} // key length 5 but only 2 bytes follow
	_, err := DecodeAttributes(buf)
	if err == nil {
		t.Fatal("expected protocol error, got nil")
	}
}

func TestDecodeAttributesRejectsDuplicateKeys(t *testing.T) {
	rec := func(key string, val []byte) []byte {
		out, err := EncodeAttributes(map[string][]byte{key: val})
		if err != nil {
			t.Fatalf("EncodeAttributes: %v", err)
		}
		return out
	}
	buf := append(rec("a", []byte("1")), rec("a", []byte("2"))...)
	_, err := DecodeAttributes(buf)
	if err == nil {
		t.Fatal("expected protocol error for duplicate key, got nil")
	}
}

func TestEncodeMessageZeroAttributes(t *testing.T) {
	msg := &Message{Context: 1, ResponseContext: UnknownContext, TypeCode: 100, Attributes: map[string][]byte{}}
	buf, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	if len(buf) != HeaderLen {
		t.Fatalf("got length %d, want %d", len(buf), HeaderLen)
	}

	hdr, err := DecodeHeader(buf[:HeaderLen])
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if int(hdr.TotalLength) != HeaderLen {
		t.Errorf("TotalLength = %d, want %d", hdr.TotalLength, HeaderLen)
	}
	if hdr.Context != 1 || hdr.ResponseContext != UnknownContext || hdr.TypeCode != 100 {
		t.Errorf("got header %+v", hdr)
	}
}

func TestEncodeMessageTwoAttributesWireSize(t *testing.T) {
	msg := &Message{
		Context:         7,
		ResponseContext: UnknownContext,
		TypeCode:        7,
		Attributes: map[string][]byte{
			"foo": {0x01, 0x02, 0x03},
			"bar": {},
		},
	}
	buf, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	// 29 + (4+3+4+3) + (4+3+4+0) = 29 + 14 + 11 = 54
	if len(buf) != 54 {
		t.Fatalf("got total wire length %d, want 54", len(buf))
	}
}

func TestDecodeHeaderRejectsBadStartByte(t *testing.T) {
	buf := make([]byte, HeaderLen)
	buf[0] = 0x00
	_, err := DecodeHeader(buf)
	if err == nil {
		t.Fatal("expected protocol error, got nil")
	}
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("got %v, want ErrProtocol", err)
	}
}

