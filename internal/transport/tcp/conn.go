package tcp

import (
	"bufio"
	"net"
	"sync"
	"time"
)

// Conn frames a TCP connection. Reads happen on one goroutine; writes are
// serialized so that responses and pushes never interleave.
type Conn struct {
	raw    net.Conn
	reader *bufio.Reader
	mu     sync.Mutex

	readTimeout  time.Duration
	writeTimeout time.Duration
	maxFrame     int
}

// NewConn wraps raw.
//
// Precondition: raw must be open; maxFrame > 0.
func NewConn(raw net.Conn, readTimeout, writeTimeout time.Duration, maxFrame int) *Conn {
	return &Conn{
		raw:          raw,
		reader:       bufio.NewReaderSize(raw, 4096),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
		maxFrame:     maxFrame,
	}
}

// ReadFrame reads the next frame, applying the read timeout.
func (c *Conn) ReadFrame() ([]byte, error) {
	if c.readTimeout > 0 {
		_ = c.raw.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	return ReadFrame(c.reader, c.maxFrame)
}

// WriteFrame writes one frame, applying the write timeout.
func (c *Conn) WriteFrame(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return WriteFrame(c.raw, payload)
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.raw.Close()
}
