package xfer

import (
	"context"
	"io"
	"net"
	"time"
)

// connIO is the per-connection I/O layer used by Sender and Receiver.
//
// It checks the connection context before every socket operation and, when
// an idle timeout is configured, pushes the socket deadline forward before
// each read or write. With no idle timeout a stalled peer blocks the caller
// indefinitely; the protocol itself carries no timeout.
type connIO struct {
	conn        net.Conn
	rw          io.ReadWriter
	idleTimeout time.Duration
	ctx         context.Context
}

// newConnIO creates the I/O layer for conn.
//
// Parameters:
//   - ctx: cancels the connection between socket operations
//   - conn: the connection, used for deadlines
//   - rw: the stream actually read and written (conn, or a tracing wrapper around it)
//   - idleTimeout: per-operation deadline, 0 disables it
func newConnIO(ctx context.Context, conn net.Conn, rw io.ReadWriter, idleTimeout time.Duration) *connIO {
	if ctx == nil {
		ctx = context.Background()
	}
	return &connIO{
		conn:        conn,
		rw:          rw,
		idleTimeout: idleTimeout,
		ctx:         ctx,
	}
}

// Read reads from the connection, honoring the context and idle timeout.
func (c *connIO) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	if c.idleTimeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			return 0, err
		}
	}
	return c.rw.Read(p)
}

// Write writes to the connection, honoring the context and idle timeout.
func (c *connIO) Write(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	if c.idleTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.idleTimeout)); err != nil {
			return 0, err
		}
	}
	return c.rw.Write(p)
}
