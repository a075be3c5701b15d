package observe

import (
	"sync"
	"time"
)

// DefaultRecentCapacity is the number of recent records a Recorder keeps
// when created with a non-positive capacity.
const DefaultRecentCapacity = 1024

// Summary aggregates every observation of one measurement.
type Summary struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Mean returns Sum/Count, or 0 when nothing was observed.
func (s Summary) Mean() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

func (s *Summary) add(value float64) {
	if s.Count == 0 || value < s.Min {
		s.Min = value
	}
	if s.Count == 0 || value > s.Max {
		s.Max = value
	}
	s.Count++
	s.Sum += value
}

// Record is one event or measurement as seen by a Recorder or EventLog.
type Record struct {
	Time  time.Time `cbor:"t" json:"time"`
	Kind  string    `cbor:"kind" json:"kind"`
	Name  string    `cbor:"name" json:"name"`
	Value float64   `cbor:"value,omitempty" json:"value,omitempty"`
	Attrs []Attr    `cbor:"attrs,omitempty" json:"attrs,omitempty"`
}

// Record kinds.
const (
	KindEvent   = "event"
	KindMeasure = "measure"
)

// Attr returns the value of the first attribute named key.
func (r Record) Attr(key string) (string, bool) {
	for _, attr := range r.Attrs {
		if attr.Key == key {
			return attr.Value, true
		}
	}
	return "", false
}

// Snapshot is a point-in-time copy of a Recorder's aggregates.
type Snapshot struct {
	Since    time.Time          `json:"since"`
	Events   map[string]int64   `json:"events"`
	Measures map[string]Summary `json:"measures"`
}

// Recorder is an in-memory Observer. It counts events by name, summarizes
// measurements by name, and keeps a bounded window of the most recent
// records.
type Recorder struct {
	mu       sync.Mutex
	since    time.Time
	events   map[string]int64
	measures map[string]*Summary

	recent     []Record
	recentNext int
	recentFull bool
}

// NewRecorder creates a Recorder keeping up to capacity recent records.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultRecentCapacity
	}
	return &Recorder{
		since:    time.Now(),
		events:   make(map[string]int64),
		measures: make(map[string]*Summary),
		recent:   make([]Record, capacity),
	}
}

func (r *Recorder) Event(name string, attrs ...Attr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[name]++
	r.pushLocked(Record{Time: time.Now(), Kind: KindEvent, Name: name, Attrs: attrs})
}

func (r *Recorder) Measure(name string, value float64, attrs ...Attr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	summary, ok := r.measures[name]
	if !ok {
		summary = &Summary{}
		r.measures[name] = summary
	}
	summary.add(value)
	r.pushLocked(Record{Time: time.Now(), Kind: KindMeasure, Name: name, Value: value, Attrs: attrs})
}

func (r *Recorder) pushLocked(record Record) {
	r.recent[r.recentNext] = record
	r.recentNext++
	if r.recentNext == len(r.recent) {
		r.recentNext = 0
		r.recentFull = true
	}
}

// Count returns how many times the named event was recorded.
func (r *Recorder) Count(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[name]
}

// Snapshot returns a copy of the aggregates.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := Snapshot{
		Since:    r.since,
		Events:   make(map[string]int64, len(r.events)),
		Measures: make(map[string]Summary, len(r.measures)),
	}
	for name, count := range r.events {
		snapshot.Events[name] = count
	}
	for name, summary := range r.measures {
		snapshot.Measures[name] = *summary
	}
	return snapshot
}

// Recent returns the retained records, oldest first.
func (r *Recorder) Recent() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recentFull {
		return append([]Record(nil), r.recent[:r.recentNext]...)
	}
	result := make([]Record, 0, len(r.recent))
	result = append(result, r.recent[r.recentNext:]...)
	return append(result, r.recent[:r.recentNext]...)
}
