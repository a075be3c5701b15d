// Package xfer implements a batch file transfer protocol over a single
// persistent TCP connection.
//
// A client announces how many files it is about to send, then sends each
// file as one length-prefixed frame. Before framing, every file passes
// through a transform pipeline (compress, then encrypt); the server
// reverses it (decrypt, then decompress) and persists the reconstructed
// bytes through a Store.
//
// Wire format:
//
//	uint64 LE   file count N
//	N times:
//	  uint64 LE length L
//	  L bytes   payload, written and read in operations of at most ChunkSize
//
// The server accepts connections on a single goroutine and hands each one
// to a bounded worker pool, so several clients are served at once without
// unbounded growth.
package xfer

import "time"

// Protocol constants. These are fixed per deployment and never negotiated.
const (
	// LengthSize is the width of every length prefix on the wire, including
	// the file count that opens a session.
	LengthSize = 8

	// ChunkSize is the largest single socket read or write issued while
	// moving a frame payload.
	ChunkSize = 1024
)

// Defaults used by the binaries and by zero-valued options.
const (
	// DefaultAddress is where the server listens and the client connects.
	DefaultAddress = "localhost:3000"

	// DefaultWorkers is the number of connections served concurrently.
	DefaultWorkers = 5

	// DefaultProgressInterval is the minimum time between progress callbacks.
	DefaultProgressInterval = 100 * time.Millisecond
)
