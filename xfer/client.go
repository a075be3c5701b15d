package xfer

import (
	"context"
	"time"

	"github.com/drunlade/go-batchxfer/observe"
)

// Client sends batches of files to a server, one connection per batch.
type Client struct {
	address  string
	settings *settings
	opts     []Option
}

// NewClient creates a client for the server at address (host:port).
func NewClient(address string, opts ...Option) *Client {
	if address == "" {
		address = DefaultAddress
	}
	return &Client{
		address:  address,
		settings: newSettings(opts),
		opts:     opts,
	}
}

// Address returns the server address.
func (c *Client) Address() string {
	return c.address
}

// SendFiles connects, sends paths as one session and closes the
// connection. A failed connect is returned as a TransportError and is not
// retried. It returns the number of files fully sent.
func (c *Client) SendFiles(ctx context.Context, paths []string) (int, error) {
	start := time.Now()
	logger := c.settings.logger
	observer := observe.With(c.settings.observer,
		observe.String(observe.AttrPeer, c.address),
		observe.String(observe.AttrDirection, "send"))

	summary := SessionSummary{Peer: c.address, Declared: uint64(len(paths))}
	defer func() {
		summary.Duration = time.Since(start)
		c.settings.callbacks.OnSessionClosed(summary)
	}()

	conn, err := c.settings.dialer.DialContext(ctx, c.address)
	if err != nil {
		summary.Err = WrapError(ErrTransport, "connecting to "+c.address, err)
		observer.Event(observe.EventSessionError, observe.String(observe.AttrError, summary.Err.Error()))
		logger.Error("Unable to connect to %s: %v", c.address, err)
		c.settings.callbacks.OnError(summary.Err, "connect")
		return 0, summary.Err
	}
	defer conn.Close()

	observer.Event(observe.EventSessionStart, observe.Int(observe.AttrFileCount, int64(len(paths))))
	logger.Info("Connected to %s", c.address)

	// The sender shares the client's options and reports with the peer
	// attribute attached.
	opts := append(append([]Option{}, c.opts...), WithObserver(observer))
	sent, err := NewSender(conn, opts...).Send(ctx, paths)
	summary.Files = sent
	if err != nil {
		summary.Err = err
		observer.Event(observe.EventSessionError, observe.String(observe.AttrError, err.Error()))
		return sent, err
	}

	observer.Event(observe.EventSessionComplete, observe.Int(observe.AttrFileCount, int64(sent)))
	logger.Info("Sent %d files to %s", sent, c.address)
	return sent, nil
}

// SendDir sends every regular file in dir, sorted by name. A directory
// that cannot be listed is logged and sent as an empty batch.
func (c *Client) SendDir(ctx context.Context, dir string) (int, error) {
	return c.SendFiles(ctx, ListFiles(dir, c.settings.logger))
}
