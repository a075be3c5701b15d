// Package observe is the instrumentation boundary of the transfer core.
//
// The core never talks to a tracing or metrics backend directly. It emits
// named events and named numeric measurements to an Observer that is passed
// in explicitly; when none is supplied it uses Nop, so the presence or
// absence of a sink never changes transfer behavior.
//
// Implementations in this package:
//
//   - [Nop] discards everything.
//   - [Recorder] aggregates counts and measurement summaries in memory and
//     backs the HTTP status endpoint ([StatusHandler]).
//   - [EventLog] appends every event and measurement as a CBOR record to a
//     stream for offline inspection.
//   - [Multi] fans out to several observers; [With] scopes attributes.
package observe

import "fmt"

// Event names emitted by the transfer core.
const (
	EventSessionStart    = "session.start"
	EventSendStart       = "send.start"
	EventReceiveStart    = "receive.start"
	EventTransformStart  = "transform.start"
	EventTransformEnd    = "transform.end"
	EventFileComplete    = "file.complete"
	EventSessionComplete = "session.complete"
	EventSessionError    = "session.error"
)

// Measurement names emitted by the transfer core. Sizes are in bytes.
const (
	MeasureOriginalSize     = "file.original_size"
	MeasureCompressedSize   = "file.compressed_size"
	MeasureEncryptedSize    = "file.encrypted_size"
	MeasureCompressionRatio = "file.compression_ratio"
	MeasureWireSize         = "file.wire_size"
)

// Attribute keys attached by the transfer core.
const (
	AttrPeer      = "peer"
	AttrConnID    = "conn_id"
	AttrFileCount = "file_count"
	AttrFile      = "file"
	AttrIndex     = "index"
	AttrDirection = "direction"
	AttrError     = "error"
)

// Attr is a key/value pair attached to an event or measurement.
type Attr struct {
	Key   string `cbor:"k"`
	Value string `cbor:"v"`
}

// String returns a string attribute.
func String(key, value string) Attr {
	return Attr{Key: key, Value: value}
}

// Int returns an integer attribute.
func Int(key string, value int64) Attr {
	return Attr{Key: key, Value: fmt.Sprintf("%d", value)}
}

// Observer receives instrumentation from the transfer core. Implementations
// must be safe for concurrent use: every server worker reports to the same
// Observer.
type Observer interface {
	// Event records that something happened.
	Event(name string, attrs ...Attr)

	// Measure records a numeric observation.
	Measure(name string, value float64, attrs ...Attr)
}

// Nop is an Observer that discards everything.
type Nop struct{}

func (Nop) Event(string, ...Attr)            {}
func (Nop) Measure(string, float64, ...Attr) {}

// OrNop returns observer, or Nop when observer is nil.
func OrNop(observer Observer) Observer {
	if observer == nil {
		return Nop{}
	}
	return observer
}

// Multi fans out every call to each observer in order.
type Multi []Observer

func (m Multi) Event(name string, attrs ...Attr) {
	for _, observer := range m {
		observer.Event(name, attrs...)
	}
}

func (m Multi) Measure(name string, value float64, attrs ...Attr) {
	for _, observer := range m {
		observer.Measure(name, value, attrs...)
	}
}

// With returns an Observer that appends attrs to every call forwarded to
// observer. Used to attach per-connection attributes once.
func With(observer Observer, attrs ...Attr) Observer {
	return &scoped{parent: OrNop(observer), attrs: attrs}
}

type scoped struct {
	parent Observer
	attrs  []Attr
}

func (s *scoped) merge(attrs []Attr) []Attr {
	merged := make([]Attr, 0, len(s.attrs)+len(attrs))
	merged = append(merged, s.attrs...)
	return append(merged, attrs...)
}

func (s *scoped) Event(name string, attrs ...Attr) {
	s.parent.Event(name, s.merge(attrs)...)
}

func (s *scoped) Measure(name string, value float64, attrs ...Attr) {
	s.parent.Measure(name, value, s.merge(attrs)...)
}
