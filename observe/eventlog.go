package observe

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so identical records always
// produce identical bytes.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("observe: CBOR encoder initialization failed: " + err.Error())
	}
}

// EventLog is an Observer that appends one CBOR-encoded Record per event or
// measurement to a stream. The stream is a CBOR sequence (RFC 8742) and can
// be read back with ReadEventLog.
//
// Write failures are counted, not returned: instrumentation must never
// change the outcome of a transfer.
type EventLog struct {
	mu       sync.Mutex
	writer   io.Writer
	encoder  *cbor.Encoder
	failures int64
}

// NewEventLog creates an EventLog writing to w. If w is an io.Closer, Close
// closes it.
func NewEventLog(w io.Writer) *EventLog {
	return &EventLog{
		writer:  w,
		encoder: encMode.NewEncoder(w),
	}
}

func (l *EventLog) Event(name string, attrs ...Attr) {
	l.write(Record{Time: time.Now().UTC(), Kind: KindEvent, Name: name, Attrs: attrs})
}

func (l *EventLog) Measure(name string, value float64, attrs ...Attr) {
	l.write(Record{Time: time.Now().UTC(), Kind: KindMeasure, Name: name, Value: value, Attrs: attrs})
}

func (l *EventLog) write(record Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.encoder.Encode(record); err != nil {
		l.failures++
	}
}

// Failures returns the number of records that could not be written.
func (l *EventLog) Failures() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures
}

// Close closes the underlying writer if it is closable.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if closer, ok := l.writer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// ReadEventLog decodes every record from a stream written by EventLog.
func ReadEventLog(r io.Reader) ([]Record, error) {
	decoder := cbor.NewDecoder(r)
	var records []Record
	for {
		var record Record
		if err := decoder.Decode(&record); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return records, fmt.Errorf("decoding event log record %d: %w", len(records), err)
		}
		records = append(records, record)
	}
}
