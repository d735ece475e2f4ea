// Package wire implements the binary framing used by securechan: the fixed
// 29-byte message header and the key-length/key/value-length/value attribute
// encoding carried in every message payload.
//
// All integers are little-endian. See spec §3 for the wire layout.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// StartByte marks the beginning of every frame. A message framed with a
// different start byte is a protocol error.
const StartByte byte = 0x47

// HeaderLen is the fixed size, in bytes, of a message header.
const HeaderLen = 1 + 4 + 8 + 8 + 8 // start-byte, total-length, context, response-context, type-code

// UnknownContext is the sentinel "no context" value. It is legal only as a
// response-context; no endpoint may issue it as a message-context.
const UnknownContext uint64 = math.MaxUint64

// Errors returned by the framing layer. Protocol errors are wrapped with
// additional detail via fmt.Errorf("%w: ...", ErrProtocol).
var (
	ErrProtocol         = errors.New("wire: protocol error")
	ErrAttributeTooLong = errors.New("wire: attribute value exceeds maximum length")
	ErrMessageTooLong   = errors.New("wire: encoded message exceeds maximum frame length")
)

// Message is the decoded form of one frame.
type Message struct {
	Context         uint64
	ResponseContext uint64
	TypeCode        uint64
	Attributes      map[string][]byte
}

// EncodeAttributes serializes an attribute map into the key-length/key/
// value-length/value sequence used both inside a framed message payload and,
// without any outer header, as the plaintext blob a Secure Channel encrypts.
func EncodeAttributes(attrs map[string][]byte) ([]byte, error) {
	size := 0
	for k, v := range attrs {
		if len(v) > math.MaxInt32 {
			return nil, fmt.Errorf("%w: key %q has value length %d", ErrAttributeTooLong, k, len(v))
		}
		size += 4 + len(k) + 4 + len(v)
	}

	buf := make([]byte, size)
	offset := 0
	for k, v := range attrs {
		binary.LittleEndian.PutUint32(buf[offset:], uint32(len(k)))
		offset += 4
		copy(buf[offset:], k)
		offset += len(k)
		binary.LittleEndian.PutUint32(buf[offset:], uint32(len(v)))
		offset += 4
		copy(buf[offset:], v)
		offset += len(v)
	}
	return buf, nil
}

// DecodeAttributes parses a payload buffer into its attribute map. Any
// malformed record — a truncated length, a negative value-length, a record
// that runs past the end of buf, or a duplicate key — is a protocol error.
func DecodeAttributes(buf []byte) (map[string][]byte, error) {
	attrs := make(map[string][]byte)
	offset := 0
	for offset < len(buf) {
		keyLen, err := readLength(buf, offset, "key")
		if err != nil {
			return nil, err
		}
		offset += 4
		if offset+keyLen > len(buf) {
			return nil, fmt.Errorf("%w: key runs past end of payload", ErrProtocol)
		}
		key := string(buf[offset : offset+keyLen])
		offset += keyLen

		valLen, err := readLength(buf, offset, "value")
		if err != nil {
			return nil, err
		}
		offset += 4
		if offset+valLen > len(buf) {
			return nil, fmt.Errorf("%w: value runs past end of payload", ErrProtocol)
		}
		val := make([]byte, valLen)
		copy(val, buf[offset:offset+valLen])
		offset += valLen

		if _, exists := attrs[key]; exists {
			return nil, fmt.Errorf("%w: duplicate attribute key %q", ErrProtocol, key)
		}
		attrs[key] = val
	}
	return attrs, nil
}

// readLength reads a 4-byte little-endian length field at offset and rejects
// negative values (per spec, a negative declared length is a protocol error,
// not merely a truncation).
func readLength(buf []byte, offset int, what string) (int, error) {
	if offset+4 > len(buf) {
		return 0, fmt.Errorf("%w: truncated %s length", ErrProtocol, what)
	}
	n := int32(binary.LittleEndian.Uint32(buf[offset : offset+4]))
	if n < 0 {
		return 0, fmt.Errorf("%w: negative %s length %d", ErrProtocol, what, n)
	}
	return int(n), nil
}

// EncodeMessage serializes a full frame: the 29-byte header followed by the
// encoded attribute payload.
func EncodeMessage(msg *Message) ([]byte, error) {
	payload, err := EncodeAttributes(msg.Attributes)
	if err != nil {
		return nil, err
	}

	total := HeaderLen + len(payload)
	if total > math.MaxInt32 {
		return nil, fmt.Errorf("%w: total length %d", ErrMessageTooLong, total)
	}

	buf := make([]byte, total)
	buf[0] = StartByte
	binary.LittleEndian.PutUint32(buf[1:5], uint32(total))
	binary.LittleEndian.PutUint64(buf[5:13], msg.Context)
	binary.LittleEndian.PutUint64(buf[13:21], msg.ResponseContext)
	binary.LittleEndian.PutUint64(buf[21:29], msg.TypeCode)
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

// DecodedHeader is the parsed form of a message's fixed 29-byte header.
type DecodedHeader struct {
	TotalLength     int32
	Context         uint64
	ResponseContext uint64
	TypeCode        uint64
}

// DecodeHeader parses a HeaderLen-byte buffer. It validates the start byte
// but does not validate total length against the payload — the caller
// derives the payload length from TotalLength and checks it after reading
// the payload.
func DecodeHeader(buf []byte) (DecodedHeader, error) {
	if len(buf) != HeaderLen {
		return DecodedHeader{}, fmt.Errorf("%w: header is %d bytes, want %d", ErrProtocol, len(buf), HeaderLen)
	}
	if buf[0] != StartByte {
		return DecodedHeader{}, fmt.Errorf("%w: bad start byte 0x%02x", ErrProtocol, buf[0])
	}
	return DecodedHeader{
		TotalLength:     int32(binary.LittleEndian.Uint32(buf[1:5])),
		Context:         binary.LittleEndian.Uint64(buf[5:13]),
		ResponseContext: binary.LittleEndian.Uint64(buf[13:21]),
		TypeCode:        binary.LittleEndian.Uint64(buf[21:29]),
	}, nil
}
