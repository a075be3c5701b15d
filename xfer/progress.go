package xfer

import (
	"io"
	"sync"
	"time"
)

// ProgressTracker tracks frame progress and invokes progress callbacks.
type ProgressTracker struct {
	mu sync.Mutex

	name             string
	bytesTransferred int64
	bytesTotal       int64
	startTime        time.Time
	lastUpdate       time.Time
	lastBytes        int64

	callback       func(string, int64, int64, float64)
	updateInterval time.Duration
}

// NewProgressTracker creates a new progress tracker.
func NewProgressTracker(callback func(string, int64, int64, float64), interval time.Duration) *ProgressTracker {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}

	return &ProgressTracker{
		callback:       callback,
		updateInterval: interval,
	}
}

// Start begins tracking a new frame.
func (pt *ProgressTracker) Start(name string, bytesTotal int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.name = name
	pt.bytesTotal = bytesTotal
	pt.bytesTransferred = 0
	pt.startTime = time.Now()
	pt.lastUpdate = pt.startTime
	pt.lastBytes = 0
}

// Add records n more bytes and invokes the callback if enough time has
// passed since the last one.
func (pt *ProgressTracker) Add(n int64) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	pt.bytesTransferred += n

	now := time.Now()
	if now.Sub(pt.lastUpdate) < pt.updateInterval {
		return
	}

	elapsed := now.Sub(pt.lastUpdate).Seconds()
	var rate float64
	if elapsed > 0 {
		rate = float64(pt.bytesTransferred-pt.lastBytes) / elapsed
	}

	if pt.callback != nil {
		pt.callback(pt.name, pt.bytesTransferred, pt.bytesTotal, rate)
	}

	pt.lastUpdate = now
	pt.lastBytes = pt.bytesTransferred
}

// Complete marks the frame as complete and returns the duration.
func (pt *ProgressTracker) Complete() time.Duration {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	duration := time.Since(pt.startTime)

	if pt.callback != nil {
		pt.callback(pt.name, pt.bytesTransferred, pt.bytesTotal, 0)
	}

	return duration
}

// Stats returns current progress statistics.
func (pt *ProgressTracker) Stats() (name string, transferred, total int64, rate float64, duration time.Duration) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	name = pt.name
	transferred = pt.bytesTransferred
	total = pt.bytesTotal
	duration = time.Since(pt.startTime)

	if duration.Seconds() > 0 {
		rate = float64(transferred) / duration.Seconds()
	}

	return
}

// progressWriter counts bytes written through it.
type progressWriter struct {
	writer  io.Writer
	tracker *ProgressTracker
}

func (w *progressWriter) Write(p []byte) (int, error) {
	n, err := w.writer.Write(p)
	w.tracker.Add(int64(n))
	return n, err
}

// progressReader counts bytes read through it.
type progressReader struct {
	reader  io.Reader
	tracker *ProgressTracker
}

func (r *progressReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.tracker.Add(int64(n))
	return n, err
}
