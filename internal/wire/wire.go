// Package wire implements the big-endian framing primitives shared by the
// handshake and the framebuffer-update wire format: fixed-size big-endian
// reads/writes with a 5-second read deadline, and the length-prefixed
// "variant array message" used only during the auth handshake.
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// ReadTimeout bounds how long a single blocking read waits for more bytes
// before returning a partial read. Callers must treat a short read as fatal.
const ReadTimeout = 5 * time.Second

// ErrShortRead is returned by ReadExact when the deadline elapses before the
// requested number of bytes arrived.
var ErrShortRead = errors.New("wire: short read (timeout)")

// Conn wraps a net.Conn with buffered big-endian I/O and a failure helper:
// any protocol violation or I/O error panics with a *Fail that the
// session's own recover turns into a log line, never propagating past
// that one session.
type Conn struct {
	NetConn net.Conn
	br      *bufio.Reader
	bw      *bufio.Writer
}

// NewConn wraps c for buffered, big-endian framed I/O.
func NewConn(c net.Conn) *Conn {
	return &Conn{
		NetConn: c,
		br:      bufio.NewReader(c),
		bw:      bufio.NewWriter(c),
	}
}

// Fail is a sentinel error type carried by panic to unwind a session's run
// loop on any protocol violation or I/O failure. The session's top-level
// recover turns it back into a plain error for logging.
type Fail struct{ Err error }

func (f *Fail) Error() string { return f.Err.Error() }

// Failf panics with a *Fail wrapping a formatted error. It never returns.
// MustReadExact, the ReadByte/ReadUint*/ReadPadding helpers, Flush and the
// variant-message reader call it on failure; ReadExact and ReadCommandByte
// report failure to their caller instead, and the Write* helpers leave
// write errors to be reported by Flush.
func Failf(format string, args ...interface{}) {
	panic(&Fail{Err: fmt.Errorf(format, args...)})
}

// ReadExact reads exactly len(buf) bytes, waiting up to ReadTimeout for the
// whole read. It returns the number of bytes actually read; a return value
// less than len(buf) means the deadline elapsed (ErrShortRead) or the
// connection failed, and the caller must treat the read as fatal.
func (c *Conn) ReadExact(buf []byte) (int, error) {
	if err := c.NetConn.SetReadDeadline(time.Now().Add(ReadTimeout)); err != nil {
		return 0, err
	}
	defer c.NetConn.SetReadDeadline(time.Time{})

	n, err := io.ReadFull(c.br, buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return n, ErrShortRead
		}
		return n, err
	}
	return n, nil
}

// MustReadExact reads exactly len(buf) bytes or calls Failf.
func (c *Conn) MustReadExact(buf []byte, what string) {
	n, err := c.ReadExact(buf)
	if err != nil {
		Failf("reading %s: got %d of %d bytes: %v", what, n, len(buf), err)
	}
}

// ReadByte reads a single byte or calls Failf.
func (c *Conn) ReadByte(what string) byte {
	var b [1]byte
	c.MustReadExact(b[:], what)
	return b[0]
}

// ReadCommandByte reads the single leading byte of the next Running-state
// client message with no read deadline: a viewer that has finished the
// handshake is allowed to sit idle indefinitely between messages, and only
// the body of a message that has already started arriving is bounded by
// ReadTimeout. ok is false whenever the socket is gone (disconnect or any
// other read error), which the caller treats as ordinary session teardown
// rather than a protocol violation.
func (c *Conn) ReadCommandByte() (b byte, ok bool) {
	_ = c.NetConn.SetReadDeadline(time.Time{})
	var buf [1]byte
	_, err := io.ReadFull(c.br, buf[:])
	if err != nil {
		return 0, false
	}
	return buf[0], true
}

// ReadPadding discards size bytes of handshake padding.
func (c *Conn) ReadPadding(what string, size int) {
	if size <= 0 {
		return
	}
	buf := make([]byte, size)
	c.MustReadExact(buf, what)
}

// ReadUint16 reads a big-endian uint16 or calls Failf.
func (c *Conn) ReadUint16(what string) uint16 {
	var buf [2]byte
	c.MustReadExact(buf[:], what)
	return binary.BigEndian.Uint16(buf[:])
}

// ReadUint32 reads a big-endian uint32 or calls Failf.
func (c *Conn) ReadUint32(what string) uint32 {
	var buf [4]byte
	c.MustReadExact(buf[:], what)
	return binary.BigEndian.Uint32(buf[:])
}

// WriteUint8 buffers a single byte.
func (c *Conn) WriteUint8(v uint8) { c.bw.WriteByte(v) }

// WriteUint16 buffers a big-endian uint16.
func (c *Conn) WriteUint16(v uint16) {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	c.bw.Write(buf[:])
}

// WriteUint32 buffers a big-endian uint32.
func (c *Conn) WriteUint32(v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	c.bw.Write(buf[:])
}

// WriteBytes buffers raw bytes verbatim.
func (c *Conn) WriteBytes(b []byte) { c.bw.Write(b) }

// WriteString buffers a raw string verbatim (no length prefix).
func (c *Conn) WriteString(s string) { c.bw.WriteString(s) }

// Flush flushes buffered writes to the underlying socket. A flush failure
// is fatal to the session: there is no partial-write recovery.
func (c *Conn) Flush() {
	if err := c.bw.Flush(); err != nil {
		Failf("flushing socket: %v", err)
	}
}
