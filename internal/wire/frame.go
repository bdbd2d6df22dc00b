// Package wire implements the ATS-Mini RPC wire envelope: a 4-byte big-endian
// length prefix followed by an opaque payload. It also carries the handshake
// sentinel and the error taxonomy shared by transports and the RPC engine.
package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderSize is the length of the big-endian length prefix.
	HeaderSize = 4

	// MaxPayload is the largest payload a stream transport accepts before it
	// treats the header as stream corruption. A full screen capture chunk fits
	// comfortably below it.
	MaxPayload = 1_000_000

	// SwitchByte moves the device from its text diagnostic mode into binary
	// RPC mode. Sent once, before any RPC traffic, on serial and BLE links.
	SwitchByte byte = 0x1E
)

// EncodeFrame prepends the 4-byte big-endian length of payload.
func EncodeFrame(payload []byte) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[:HeaderSize], uint32(len(payload)))
	copy(frame[HeaderSize:], payload)
	return frame
}

// DecodeFrame validates a complete frame and returns its payload.
// The returned slice aliases frame.
func DecodeFrame(frame []byte) ([]byte, error) {
	if len(frame) < HeaderSize {
		return nil, fmt.Errorf("%w: frame too short (%d bytes)", ErrFrame, len(frame))
	}
	length := binary.BigEndian.Uint32(frame[:HeaderSize])
	payload := frame[HeaderSize:]
	if uint64(length) != uint64(len(payload)) {
		return nil, fmt.Errorf("%w: length mismatch (header %d, payload %d bytes)",
			ErrFrame, length, len(payload))
	}
	return payload, nil
}

// PayloadLength parses a length header. hdr must hold at least HeaderSize bytes.
func PayloadLength(hdr []byte) uint32 {
	return binary.BigEndian.Uint32(hdr[:HeaderSize])
}

// ValidLength reports whether a declared payload length is plausible for a
// stream transport. Zero and anything above MaxPayload mean the reader lost
// frame alignment.
func ValidLength(n uint32) bool {
	return n != 0 && n <= MaxPayload
}

// LooksLikeCBOR reports whether a header's first byte is a CBOR map or array
// marker, which usually means the peer sent a bare payload without a length
// prefix.
func LooksLikeCBOR(hdr []byte) bool {
	return len(hdr) > 0 && hdr[0] >= 0x80 && hdr[0] <= 0xbf
}

// InvalidLength builds the ErrFrame for a header that failed ValidLength.
func InvalidLength(hdr []byte) error {
	n := PayloadLength(hdr)
	if LooksLikeCBOR(hdr) {
		return fmt.Errorf("%w: invalid frame length %d (header %x looks like a bare CBOR payload)", ErrFrame, n, hdr[:HeaderSize])
	}
	return fmt.Errorf("%w: invalid frame length %d (header %x), stream out of sync", ErrFrame, n, hdr[:HeaderSize])
}
