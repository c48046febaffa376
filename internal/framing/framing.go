// Package framing implements the length-prefixed JSON codec shared by
// every control-plane transport: the unix-domain socket between the
// daemon and its CLI client, and the stdio/pipe channel between the
// daemon and each worker child process (§6).
package framing

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize bounds a single frame to guard against a misbehaving
// peer claiming an unbounded length prefix.
const maxFrameSize = 16 * 1024 * 1024

// WriteJSON writes v as a 4-byte big-endian length prefix followed by
// its JSON encoding.
func WriteJSON(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("framing: marshal payload: %w", err)
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("framing: payload of %d bytes exceeds max frame size", len(payload))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("framing: write length header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("framing: write payload: %w", err)
	}
	return nil
}

// ReadJSON reads one length-prefixed frame and unmarshals it into v.
func ReadJSON(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return fmt.Errorf("framing: frame of %d bytes exceeds max frame size", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("framing: read payload: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("framing: unmarshal payload: %w", err)
	}
	return nil
}

// Reader wraps a buffered reader so repeated ReadJSON calls on the same
// connection don't re-allocate a bufio.Reader each time.
type Reader struct {
	br *bufio.Reader
}

// NewReader constructs a framed Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// ReadJSON reads the next frame from the underlying stream.
func (fr *Reader) ReadJSON(v any) error {
	return ReadJSON(fr.br, v)
}
