package xfer

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/drunlade/go-batchxfer/observe"
)

// Store persists received files. Put must not overwrite an existing name
// and must be safe for concurrent use: every server worker writes through
// the same Store.
type Store interface {
	Put(ctx context.Context, name string, data []byte) error
}

// Receiver runs the server side of one session over an accepted
// connection: read the file count, then exactly that many frames, each
// decoded and persisted under a generated name.
type Receiver struct {
	conn     net.Conn
	store    Store
	connID   string
	namer    *fileNamer
	settings *settings
	logger   Logger
	progress *ProgressTracker
	declared uint64
}

// NewReceiver creates a receiver reading from conn and writing to store.
// The caller owns conn. Each receiver draws a fresh connection id.
func NewReceiver(conn net.Conn, store Store, opts ...Option) *Receiver {
	return newReceiver(conn, store, newConnID(), newSettings(opts))
}

func newReceiver(conn net.Conn, store Store, connID string, s *settings) *Receiver {
	peer := ""
	if addr := conn.RemoteAddr(); addr != nil {
		peer = addr.String()
	}
	return &Receiver{
		conn:     conn,
		store:    store,
		connID:   connID,
		namer:    newFileNamer(connID),
		settings: s,
		logger:   withConn(s.logger, connID, peer),
		progress: NewProgressTracker(s.callbacks.OnProgress, s.config.ProgressInterval),
	}
}

// ConnID returns the connection id used in file names and log attributes.
func (r *Receiver) ConnID() string {
	return r.connID
}

// Declared returns the file count announced by the peer, or 0 before it
// has been read.
func (r *Receiver) Declared() uint64 {
	return r.declared
}

// Receive reads one session and returns the number of files persisted.
// Any failure aborts the session; files already persisted stay on disk.
// The connection is not used after Receive returns.
func (r *Receiver) Receive(ctx context.Context) (int, error) {
	var rw io.ReadWriter = r.conn
	if r.settings.config.TraceIO {
		rw = NewLoggingConn(r.conn, r.logger, "recv "+r.connID)
	}
	in := newConnIO(ctx, r.conn, rw, r.settings.config.IdleTimeout)

	count, err := ReadLength(in)
	if err != nil {
		return 0, r.fail(ctx, err, "reading file count")
	}
	r.declared = count
	r.settings.observer.Event(observe.EventReceiveStart, observe.Int(observe.AttrFileCount, int64(count)))
	r.logger.Info("Expecting %d files", count)

	var received int
	for index := uint64(0); index < count; index++ {
		if err := r.receiveFile(ctx, in, int(index)); err != nil {
			return received, r.fail(ctx, err, fmt.Sprintf("receiving file %d of %d", index+1, count))
		}
		received++
	}
	return received, nil
}

func (r *Receiver) receiveFile(ctx context.Context, in io.Reader, index int) error {
	name := r.namer.Next()
	observer := observe.With(r.settings.observer,
		observe.String(observe.AttrFile, name),
		observe.Int(observe.AttrIndex, int64(index)))

	length, err := ReadLength(in)
	if err != nil {
		return err
	}
	r.settings.callbacks.OnFileStart(name, index, int64(length))

	r.progress.Start(name, int64(length))
	wire, err := ReadFrame(&progressReader{reader: in, tracker: r.progress}, length)
	if err != nil {
		return err
	}
	duration := r.progress.Complete()

	observer.Event(observe.EventTransformStart)
	data, stats, err := r.settings.pipeline.Decode(wire)
	if err != nil {
		return WrapError(ErrDecode, fmt.Sprintf("decoding %d byte payload with %s", length, r.settings.pipeline), err)
	}
	observer.Event(observe.EventTransformEnd)
	reportStats(observer, stats)

	if err := r.store.Put(ctx, name, data); err != nil {
		return WrapError(ErrFilesystem, "storing "+name, err)
	}

	observer.Event(observe.EventFileComplete)
	r.logger.Info("File %d received", index+1)
	r.logger.Debug("Stored %s: %d bytes, %d on the wire in %v", name, len(data), length, duration)
	r.settings.callbacks.OnFileComplete(name, int64(length), duration)
	return nil
}

// fail reports err and returns it. Errors caused by cancellation are
// returned as the context error.
func (r *Receiver) fail(ctx context.Context, err error, where string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	r.logger.Error("%s: %v", where, err)
	r.settings.callbacks.OnError(err, where)
	return err
}
