// Package protocol implements the length-prefixed frame format spoken between
// the browser host and the controlling application.
//
// TCP is a byte stream with no message boundaries. Every message is therefore
// prefixed with its length so the receiver knows where one JSON document ends
// and the next begins.
//
// Frame format:
//
//	0         4
//	┌─────────┬──────────────────────┐
//	│ length  │   payload ...        │
//	│ uint32  │   length UTF-8 bytes │
//	└─────────┴──────────────────────┘
//
// The length is little-endian. The host side has always written it with a raw
// memcpy of a native uint32 on x86, so existing peers expect that byte order.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the size of the length prefix in bytes.
const HeaderSize = 4

// ByteOrder is the byte order of the length prefix. Both ends must agree.
var ByteOrder = binary.LittleEndian

// ErrFrameTooLarge is returned when a length prefix exceeds the configured limit.
var ErrFrameTooLarge = errors.New("frame exceeds size limit")

// Encode writes a complete frame (prefix + payload) to w.
//
// The frame is assembled into one contiguous buffer and written with a single
// Write call. The caller must serialize writers sharing the same w, otherwise
// frames from different goroutines interleave and corrupt the stream.
func Encode(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > uint64(MaxFrameHardLimit) {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	_, err := w.Write(AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload))
	return err
}

// AppendFrame appends the framed form of payload to dst and returns the result.
func AppendFrame(dst, payload []byte) []byte {
	var prefix [HeaderSize]byte
	ByteOrder.PutUint32(prefix[:], uint32(len(payload)))
	dst = append(dst, prefix[:]...)
	return append(dst, payload...)
}

// Decode reads exactly one frame from r using the default limits.
func Decode(r io.Reader) ([]byte, error) {
	return DecodeWithLimits(r, DefaultLimits())
}

// DecodeWithLimits reads exactly one frame from r.
// io.ReadFull guarantees the prefix and payload are read completely even when
// the stream delivers them in pieces.
func DecodeWithLimits(r io.Reader, limits Limits) ([]byte, error) {
	var prefix [HeaderSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}

	length := ByteOrder.Uint32(prefix[:])
	if err := limits.check(length); err != nil {
		return nil, err
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
