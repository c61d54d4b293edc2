package tcp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// headerSize is the length of the big-endian uint32 length prefix.
const headerSize = 4

// ErrFrameTooLarge is returned when a frame exceeds the configured maximum.
var ErrFrameTooLarge = errors.New("frame too large")

// ReadFrame reads one length-prefixed frame.
//
// Precondition: max > 0.
// Postcondition: Returns the payload, io.EOF on a clean close before a
// header, or an error.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if uint64(n) > uint64(max) {
		return nil, fmt.Errorf("reading %d byte frame (max %d): %w", n, max, ErrFrameTooLarge)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return payload, nil
}

// WriteFrame writes payload with its length prefix in a single write.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[headerSize:], payload)
	_, err := w.Write(buf)
	return err
}
