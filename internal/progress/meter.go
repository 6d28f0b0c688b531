package progress

import (
	"sync"
	"time"
)

// smoothing is the weight of the newest rate sample.
const smoothing = 0.2

// Stats is what a view renders for one tick.
type Stats struct {
	BytesDone int64
	Total     int64
	RateBps   float64
	ETA       time.Duration
	Percent   float64
}

// Meter accumulates delivered or accepted bytes and keeps an exponentially
// weighted transfer rate. It is safe for concurrent use.
type Meter struct {
	mu    sync.Mutex
	now   func() time.Time
	total int64
	done  int64
	rate  float64

	// sample marks the point the next rate sample is measured from.
	sampleAt   time.Time
	sampleDone int64
}

// NewMeter returns a meter on the wall clock.
func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter reading time from now.
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	return &Meter{now: now}
}

// Start clears all counters and sets the expected total.
func (m *Meter) Start(total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = total
	m.done = 0
	m.rate = 0
	m.sampleAt = m.now()
	m.sampleDone = 0
}

// Add counts n more bytes. The sender calls it per emitted datagram.
func (m *Meter) Add(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(m.done + int64(n))
}

// Observe moves the count to an absolute value polled from the engine.
// Values at or below the current count are ignored.
func (m *Meter) Observe(done int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if done <= m.done {
		return
	}
	m.record(done)
}

// SetTotal replaces the expected total, e.g. once a size key arrives.
func (m *Meter) SetTotal(total int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = total
}

func (m *Meter) record(done int64) {
	m.done = done
	at := m.now()
	elapsed := at.Sub(m.sampleAt).Seconds()
	if elapsed <= 0 {
		// Same instant: fold these bytes into the next sample.
		return
	}
	sample := float64(m.done-m.sampleDone) / elapsed
	if m.rate == 0 {
		m.rate = sample
	} else {
		m.rate += smoothing * (sample - m.rate)
	}
	m.sampleAt = at
	m.sampleDone = m.done
}

// Snapshot returns the current counters with derived percent and ETA.
func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{BytesDone: m.done, Total: m.total, RateBps: m.rate}
	if m.total <= 0 {
		return s
	}
	s.Percent = float64(m.done) / float64(m.total) * 100
	if left := m.total - m.done; left > 0 && m.rate > 0 {
		s.ETA = time.Duration(float64(left) / m.rate * float64(time.Second))
	}
	return s
}
