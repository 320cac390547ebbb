package terminal

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []Frame{
		NewDataFrame([]byte("ls -la\n")),
		NewDataFrame(nil),
		NewResizeFrame(50, 120),
		NewDataFrame(bytes.Repeat([]byte{0x1b}, 4096)),
	}

	for _, want := range cases {
		var buf bytes.Buffer
		if err := WriteFrame(&buf, want); err != nil {
			t.Fatalf("failed to write frame: %v", err)
		}

		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("failed to read frame: %v", err)
		}
		if got.Type != want.Type {
			t.Errorf("type mismatch: wrote %c, read %c", want.Type, got.Type)
		}
		if !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("payload mismatch: wrote %d bytes, read %d bytes", len(want.Payload), len(got.Payload))
		}
	}
}

func TestFrameWireLayout(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, NewDataFrame([]byte("hi"))); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}

	raw := buf.Bytes()
	if len(raw) != 7 {
		t.Fatalf("expected 7 wire bytes, got %d", len(raw))
	}
	if raw[0] != 'd' {
		t.Errorf("expected type byte 'd', got %c", raw[0])
	}
	if length := binary.BigEndian.Uint32(raw[1:5]); length != 2 {
		t.Errorf("expected payload length 2, got %d", length)
	}
	if string(raw[5:]) != "hi" {
		t.Errorf("expected payload 'hi', got %q", raw[5:])
	}
}

func TestResizePayloadOrder(t *testing.T) {
	// Rows precede cols on the wire, both big-endian.
	frame := NewResizeFrame(24, 80)
	if frame.Payload[0] != 0 || frame.Payload[1] != 24 {
		t.Errorf("expected rows=24 in bytes 0:2, got %v", frame.Payload[0:2])
	}
	if frame.Payload[2] != 0 || frame.Payload[3] != 80 {
		t.Errorf("expected cols=80 in bytes 2:4, got %v", frame.Payload[2:4])
	}

	rows, cols, err := ParseResize(frame.Payload)
	if err != nil {
		t.Fatalf("failed to parse resize: %v", err)
	}
	if rows != 24 || cols != 80 {
		t.Errorf("expected 24x80, got %dx%d", rows, cols)
	}
}

func TestParseResizeRejectsBadLength(t *testing.T) {
	for _, payload := range [][]byte{nil, {1}, {1, 2, 3}, {1, 2, 3, 4, 5}} {
		if _, _, err := ParseResize(payload); err == nil {
			t.Errorf("expected error for %d-byte resize payload", len(payload))
		}
	}
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	var header [frameHeaderLength]byte
	header[0] = FrameTypeData
	binary.BigEndian.PutUint32(header[1:5], maxPayloadLength+1)

	_, err := ReadFrame(bytes.NewReader(header[:]))
	if err == nil {
		t.Fatal("expected oversized frame to be rejected")
	}
}

func TestReadFrameTruncatedStream(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, NewDataFrame([]byte("full payload"))); err != nil {
		t.Fatalf("failed to write frame: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-3]

	if _, err := ReadFrame(bytes.NewReader(truncated)); err == nil {
		t.Fatal("expected error reading truncated frame")
	}
}

func TestReadFrameEOF(t *testing.T) {
	if _, err := ReadFrame(bytes.NewReader(nil)); err != io.EOF {
		t.Errorf("expected io.EOF on empty stream, got %v", err)
	}
}
