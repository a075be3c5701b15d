package xfer

import (
	"context"
	"fmt"
	"log/slog"
	"net"
)

// Logger interface for transfer logging
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// SlogLogger adapts a *slog.Logger to Logger. Messages are formatted with
// fmt before being handed to slog, so structured attributes come from
// SlogLogger.With rather than the format arguments.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger creates a Logger writing through logger.
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger}
}

// With returns a logger that adds the given key/value pairs to every record.
func (l *SlogLogger) With(args ...any) *SlogLogger {
	return &SlogLogger{logger: l.logger.With(args...)}
}

func (l *SlogLogger) log(level slog.Level, format string, args ...interface{}) {
	if !l.logger.Enabled(context.Background(), level) {
		return
	}
	l.logger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l *SlogLogger) Debug(format string, args ...interface{}) {
	l.log(slog.LevelDebug, format, args...)
}

func (l *SlogLogger) Info(format string, args ...interface{}) {
	l.log(slog.LevelInfo, format, args...)
}

func (l *SlogLogger) Error(format string, args ...interface{}) {
	l.log(slog.LevelError, format, args...)
}

// NoopLogger does nothing
type NoopLogger struct{}

func (NoopLogger) Debug(format string, args ...interface{}) {}
func (NoopLogger) Info(format string, args ...interface{})  {}
func (NoopLogger) Error(format string, args ...interface{}) {}

// withConn returns a logger scoped to one connection when the logger
// supports it.
func withConn(logger Logger, connID string, peer string) Logger {
	if sl, ok := logger.(*SlogLogger); ok {
		return sl.With("conn_id", connID, "peer", peer)
	}
	return logger
}

// LoggingConn wraps a connection and logs every read and write at debug
// level. Payload bytes are truncated to 64 bytes in the log.
type LoggingConn struct {
	net.Conn
	logger Logger
	name   string
}

// NewLoggingConn wraps conn; name prefixes every log line.
func NewLoggingConn(conn net.Conn, logger Logger, name string) *LoggingConn {
	return &LoggingConn{
		Conn:   conn,
		logger: logger,
		name:   name,
	}
}

func (lc *LoggingConn) Read(p []byte) (int, error) {
	n, err := lc.Conn.Read(p)
	lc.logger.Debug("%s: read %d bytes: %s", lc.name, n, truncateBytes(p[:n]))
	if err != nil {
		lc.logger.Debug("%s: read error: %v", lc.name, err)
	}
	return n, err
}

func (lc *LoggingConn) Write(p []byte) (int, error) {
	n, err := lc.Conn.Write(p)
	lc.logger.Debug("%s: wrote %d bytes: %s", lc.name, n, truncateBytes(p[:n]))
	if err != nil {
		lc.logger.Error("%s: write error: %v", lc.name, err)
	}
	return n, err
}

func truncateBytes(data []byte) string {
	if len(data) > 64 {
		return fmt.Sprintf("%x...[truncated]", data[:64])
	}
	return fmt.Sprintf("%x", data)
}
