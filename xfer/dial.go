package xfer

import (
	"context"
	"net"
	"time"
)

// Compile-time interface checks.
var (
	_ Dialer = (*TCPDialer)(nil)
	_ Dialer = (*SSHDialer)(nil)
)

// Dialer opens the connection a client session runs over.
type Dialer interface {
	// DialContext opens a stream connection to address (host:port).
	DialContext(ctx context.Context, address string) (net.Conn, error)
}

// TCPDialer opens direct TCP connections.
type TCPDialer struct {
	// Timeout is the maximum time to wait for the connection to be
	// established. Zero means only the context deadline applies.
	Timeout time.Duration
}

// DialContext opens a TCP connection to address.
func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
}
