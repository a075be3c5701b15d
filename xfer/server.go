package xfer

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/drunlade/go-batchxfer/observe"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Server accepts sessions and hands each connection to a bounded pool of
// workers. One slow or failing connection never affects another.
type Server struct {
	store    Store
	settings *settings

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer creates a server persisting received files to store.
func NewServer(store Store, opts ...Option) *Server {
	return &Server{
		store:    store,
		settings: newSettings(opts),
		conns:    make(map[net.Conn]struct{}),
	}
}

// ListenAndServe listens on the TCP address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	if address == "" {
		address = DefaultAddress
	}
	listener, err := (&net.ListenConfig{}).Listen(ctx, "tcp", address)
	if err != nil {
		return WrapError(ErrTransport, "listening on "+address, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is cancelled, then
// closes the listener and every in-flight connection, waits for the
// workers and returns nil. Serve closes listener in every case.
//
// Accept errors other than a closed listener are logged and retried with
// backoff. If the listener is closed from outside, Serve stops accepting,
// lets in-flight sessions finish and returns a TransportError.
//
// While every worker is busy the accept loop blocks, so further clients
// wait in the listener's backlog.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	logger := s.settings.logger
	defer listener.Close()

	stop := context.AfterFunc(ctx, func() {
		listener.Close()
		s.closeConns()
	})
	defer stop()

	pool := NewWorkerPool(s.settings.config.Workers, func(conn net.Conn) {
		s.handle(ctx, conn)
	})
	defer pool.Close()

	logger.Info("Listening on %s with %d workers using %s",
		listener.Addr(), pool.Size(), s.settings.pipeline)

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("Shutting down, waiting for %d busy workers", pool.Busy())
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				logger.Error("Listener closed, waiting for %d busy workers", pool.Busy())
				return WrapError(ErrTransport, "accepting connections", err)
			}
			backoff = nextBackoff(backoff)
			logger.Error("Accept error: %v; retrying in %v", err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			continue
		}
		backoff = 0

		if !s.track(ctx, conn) {
			conn.Close()
			continue
		}
		if err := pool.Submit(ctx, conn); err != nil {
			s.untrack(conn)
			conn.Close()
		}
	}
}

func nextBackoff(current time.Duration) time.Duration {
	if current == 0 {
		return minAcceptBackoff
	}
	return min(current*2, maxAcceptBackoff)
}

// handle runs one session on a worker goroutine and closes conn.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	start := time.Now()
	connID := newConnID()
	peer := conn.RemoteAddr().String()
	logger := withConn(s.settings.logger, connID, peer)

	scoped := *s.settings
	scoped.observer = observe.With(s.settings.observer,
		observe.String(observe.AttrPeer, peer),
		observe.String(observe.AttrConnID, connID),
		observe.String(observe.AttrDirection, "receive"))
	observer := scoped.observer

	observer.Event(observe.EventSessionStart)
	logger.Info("Accepted connection from %s", peer)

	receiver := newReceiver(conn, s.store, connID, &scoped)
	received, err := receiver.Receive(ctx)

	summary := SessionSummary{
		ConnID:   connID,
		Peer:     peer,
		Declared: receiver.Declared(),
		Files:    received,
		Duration: time.Since(start),
		Err:      err,
	}
	switch {
	case err == nil:
		observer.Event(observe.EventSessionComplete, observe.Int(observe.AttrFileCount, int64(received)))
		logger.Info("Connection from %s complete: %d files", peer, received)
	case ctx.Err() != nil:
		observer.Event(observe.EventSessionError, observe.String(observe.AttrError, err.Error()))
		logger.Info("Connection from %s closed by shutdown after %d files", peer, received)
	default:
		observer.Event(observe.EventSessionError, observe.String(observe.AttrError, err.Error()))
	}
	s.settings.callbacks.OnSessionClosed(summary)
}

// track registers conn for closing on shutdown. It reports false when the
// server is already shutting down.
func (s *Server) track(ctx context.Context, conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

// closeConns closes every tracked connection, unblocking workers stuck in
// socket reads.
func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}
