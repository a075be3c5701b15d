package xfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/drunlade/go-batchxfer/observe"
	"github.com/drunlade/go-batchxfer/transform"
)

// Sender runs the client side of one session over an established
// connection: the file count, then one frame per file, in order.
type Sender struct {
	conn     net.Conn
	settings *settings
	progress *ProgressTracker
}

// NewSender creates a sender writing to conn. The caller owns conn.
func NewSender(conn net.Conn, opts ...Option) *Sender {
	s := newSettings(opts)
	return &Sender{
		conn:     conn,
		settings: s,
		progress: NewProgressTracker(s.callbacks.OnProgress, s.config.ProgressInterval),
	}
}

// Send transmits paths as one session and returns the number of files
// fully written. The first failure aborts the session; files already sent
// stay sent. Cancelling ctx stops the session at the next socket operation.
func (s *Sender) Send(ctx context.Context, paths []string) (int, error) {
	var rw io.ReadWriter = s.conn
	if s.settings.config.TraceIO {
		rw = NewLoggingConn(s.conn, s.settings.logger, "send")
	}
	w := newConnIO(ctx, s.conn, rw, s.settings.config.IdleTimeout)
	logger := s.settings.logger
	observer := s.settings.observer

	observer.Event(observe.EventSendStart, observe.Int(observe.AttrFileCount, int64(len(paths))))
	logger.Info("Sending %d files using %s", len(paths), s.settings.pipeline)

	if err := WriteLength(w, uint64(len(paths))); err != nil {
		return 0, s.fail(ctx, err, "writing file count")
	}

	for i, path := range paths {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if err := s.sendFile(w, i, path); err != nil {
			return i, s.fail(ctx, err, "sending "+path)
		}
	}
	return len(paths), nil
}

func (s *Sender) sendFile(w io.Writer, index int, path string) error {
	logger := s.settings.logger
	observer := observe.With(s.settings.observer,
		observe.String(observe.AttrFile, path),
		observe.Int(observe.AttrIndex, int64(index)))

	raw, err := os.ReadFile(path)
	if err != nil {
		return WrapError(ErrFilesystem, "reading "+path, err)
	}
	logger.Info("Sending file %s", path)
	s.settings.callbacks.OnFileStart(path, index, int64(len(raw)))

	observer.Event(observe.EventTransformStart)
	wire, stats, err := s.settings.pipeline.Encode(raw)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	observer.Event(observe.EventTransformEnd)
	reportStats(observer, stats)

	s.progress.Start(path, int64(len(wire)))
	if err := WriteLength(w, uint64(len(wire))); err != nil {
		return err
	}
	if err := writePayload(&progressWriter{writer: w, tracker: s.progress}, wire); err != nil {
		return err
	}
	duration := s.progress.Complete()

	observer.Event(observe.EventFileComplete)
	logger.Debug("File %s sent: %d bytes on the wire in %v", path, len(wire), duration)
	s.settings.callbacks.OnFileComplete(path, int64(len(wire)), duration)
	return nil
}

// fail reports err and returns it. Cancellation is returned as the context
// error so callers can tell a shutdown from a broken peer.
func (s *Sender) fail(ctx context.Context, err error, where string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	s.settings.logger.Error("%s: %v", where, err)
	s.settings.callbacks.OnError(err, where)
	return err
}

// reportStats emits the transform measurements of one file.
func reportStats(observer observe.Observer, stats transform.Stats) {
	observer.Measure(observe.MeasureOriginalSize, float64(stats.OriginalSize))
	if stats.Compressed {
		observer.Measure(observe.MeasureCompressedSize, float64(stats.CompressedSize))
	}
	if stats.Encrypted {
		observer.Measure(observe.MeasureEncryptedSize, float64(stats.EncryptedSize))
	}
	if ratio, ok := stats.CompressionRatio(); ok {
		observer.Measure(observe.MeasureCompressionRatio, ratio)
	}
	observer.Measure(observe.MeasureWireSize, float64(stats.WireSize()))
}
