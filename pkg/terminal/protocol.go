// Package terminal streams interactive shell sessions between a client
// connection and a workspace container. The wire format is framed binary:
// data frames carry opaque terminal bytes in both directions, and a
// reserved resize frame carries new PTY dimensions from the client.
package terminal

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame type bytes.
const (
	// FrameTypeData carries raw terminal bytes. Bidirectional: keystrokes
	// flow client to container, output flows container to client.
	FrameTypeData byte = 'd'

	// FrameTypeResize carries new PTY dimensions. Client to container only.
	// Payload is 4 bytes: rows (uint16 big-endian) then cols (uint16
	// big-endian).
	FrameTypeResize byte = 'r'
)

// frameHeaderLength is the fixed header size: 1 byte type + 4 bytes
// big-endian payload length.
const frameHeaderLength = 5

// maxPayloadLength bounds a single frame. Terminal traffic is small; a
// frame larger than this indicates a corrupt or hostile stream.
const maxPayloadLength = 1 << 20

// Frame is a single protocol frame.
type Frame struct {
	Type    byte
	Payload []byte
}

// WriteFrame writes one framed message to w:
// [1 byte type] [4 bytes payload length, big-endian uint32] [payload].
func WriteFrame(w io.Writer, frame Frame) error {
	var header [frameHeaderLength]byte
	header[0] = frame.Type
	binary.BigEndian.PutUint32(header[1:5], uint32(len(frame.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(frame.Payload) > 0 {
		if _, err := w.Write(frame.Payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one framed message from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [frameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}

	frameType := header[0]
	payloadLength := binary.BigEndian.Uint32(header[1:5])
	if payloadLength > maxPayloadLength {
		return Frame{}, fmt.Errorf("frame payload %d exceeds maximum %d", payloadLength, maxPayloadLength)
	}

	payload := make([]byte, payloadLength)
	if payloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return Frame{Type: frameType, Payload: payload}, nil
}

// NewDataFrame creates a data frame carrying raw terminal bytes.
func NewDataFrame(data []byte) Frame {
	return Frame{Type: FrameTypeData, Payload: data}
}

// NewResizeFrame creates a resize frame for the given PTY dimensions.
func NewResizeFrame(rows, cols uint16) Frame {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], rows)
	binary.BigEndian.PutUint16(payload[2:4], cols)
	return Frame{Type: FrameTypeResize, Payload: payload}
}

// ParseResize extracts rows and cols from a resize frame payload.
func ParseResize(payload []byte) (rows, cols uint16, err error) {
	if len(payload) != 4 {
		return 0, 0, fmt.Errorf("resize payload must be 4 bytes, got %d", len(payload))
	}
	rows = binary.BigEndian.Uint16(payload[0:2])
	cols = binary.BigEndian.Uint16(payload[2:4])
	return rows, cols, nil
}
