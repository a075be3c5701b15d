package xfer

import (
	"time"
)

// Callbacks provides hooks for transfer events, meant for user-facing
// output such as progress lines. Instrumentation goes to the Observer.
// All callbacks are optional - nil callbacks do nothing.
//
// Server callbacks are invoked from worker goroutines and must be safe for
// concurrent use.
type Callbacks struct {
	// OnFileStart is called before a file is transformed and sent, or once
	// its frame length has been read on the receiving side.
	// name: source path (sender) or generated name (receiver)
	// index: position of the file within the session, starting at 0
	// size: original size (sender) or wire size (receiver) in bytes
	OnFileStart func(name string, index int, size int64)

	// OnProgress is called periodically while a frame is on the wire.
	// transferred: payload bytes moved so far
	// total: payload bytes in the frame
	// rate: transfer rate in bytes per second
	OnProgress func(name string, transferred, total int64, rate float64)

	// OnFileComplete is called once a file has been sent or persisted.
	// wireBytes: payload bytes that crossed the connection
	// duration: time taken for the file
	OnFileComplete func(name string, wireBytes int64, duration time.Duration)

	// OnError is called when an error aborts a session.
	// context: description of where the error occurred
	OnError func(err error, context string)

	// OnSessionClosed is called when a session ends, successfully or not.
	OnSessionClosed func(summary SessionSummary)
}

// SessionSummary describes a finished session.
type SessionSummary struct {
	// ConnID identifies the connection; empty on the client side.
	ConnID string

	// Peer is the remote address.
	Peer string

	// Declared is the file count announced at the start of the session.
	Declared uint64

	// Files is the number of files fully sent or persisted.
	Files int

	// Duration is the time from connection to close.
	Duration time.Duration

	// Err is the error that aborted the session, nil on success.
	Err error
}

// defaultCallbacks returns a set of callbacks with no-op implementations.
func defaultCallbacks() *Callbacks {
	return &Callbacks{
		OnFileStart:     func(string, int, int64) {},
		OnProgress:      func(string, int64, int64, float64) {},
		OnFileComplete:  func(string, int64, time.Duration) {},
		OnError:         func(error, string) {},
		OnSessionClosed: func(SessionSummary) {},
	}
}

// mergeCallbacks merges user callbacks with defaults.
// User callbacks override defaults, nil callbacks use defaults.
func mergeCallbacks(user *Callbacks) *Callbacks {
	result := defaultCallbacks()
	if user == nil {
		return result
	}

	if user.OnFileStart != nil {
		result.OnFileStart = user.OnFileStart
	}
	if user.OnProgress != nil {
		result.OnProgress = user.OnProgress
	}
	if user.OnFileComplete != nil {
		result.OnFileComplete = user.OnFileComplete
	}
	if user.OnError != nil {
		result.OnError = user.OnError
	}
	if user.OnSessionClosed != nil {
		result.OnSessionClosed = user.OnSessionClosed
	}

	return result
}
