package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// speedWindow is the span CurrentSpeed is averaged over.
const speedWindow = 5 * time.Second

// Result is how a key settled in the current run.
type Result int

const (
	Transferred Result = iota + 1
	Skipped
	Failed
)

// Status is a snapshot of run progress. Each key counts once under its
// latest result, however many attempts it took.
type Status struct {
	TotalObjects int64
	TotalBytes   int64

	Transferred int64
	Skipped     int64
	Failed      int64
	// Retries counts failed attempts that were put back in the queue.
	Retries  int64
	InFlight int64

	// SettledBytes covers every settled key; CopiedBytes only the keys that
	// were actually streamed, so skips do not inflate the speed.
	SettledBytes int64
	CopiedBytes  int64

	StartTime    time.Time
	CurrentSpeed float64
	AverageSpeed float64
	ETA          time.Duration
}

// Settled is the number of keys with a result.
func (s Status) Settled() int64 {
	return s.Transferred + s.Skipped + s.Failed
}

type settlement struct {
	result Result
	bytes  int64
}

type sample struct {
	at    time.Time
	bytes int64
}

// Tracker follows one run's progress key by key.
type Tracker struct {
	mu      sync.Mutex
	status  Status
	settled map[string]settlement
	samples []sample
	now     func() time.Time
}

// NewTracker creates a tracker whose clock starts now
func NewTracker() *Tracker {
	return newTracker(time.Now)
}

func newTracker(now func() time.Time) *Tracker {
	return &Tracker{
		status:  Status{StartTime: now()},
		settled: make(map[string]settlement),
		now:     now,
	}
}

// SetTotal sets the size of the listing being migrated
func (t *Tracker) SetTotal(objects, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.status.TotalObjects = objects
	t.status.TotalBytes = bytes
	t.refresh()
}

// Settle records the result of key, replacing any earlier result for it.
func (t *Tracker) Settle(key string, result Result, bytes int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.settled[key]; ok {
		t.count(prev.result, -1)
		t.status.SettledBytes -= prev.bytes
	}
	t.settled[key] = settlement{result: result, bytes: bytes}
	t.count(result, 1)
	t.status.SettledBytes += bytes

	if result == Transferred {
		t.status.CopiedBytes += bytes
		t.samples = append(t.samples, sample{at: t.now(), bytes: bytes})
	}
	t.refresh()
}

// Retry counts a failed attempt that will be tried again.
func (t *Tracker) Retry() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.Retries++
}

// Started and Finished bracket one transfer attempt.
func (t *Tracker) Started() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.InFlight++
}

func (t *Tracker) Finished() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status.InFlight--
}

func (t *Tracker) count(result Result, delta int64) {
	switch result {
	case Transferred:
		t.status.Transferred += delta
	case Skipped:
		t.status.Skipped += delta
	case Failed:
		t.status.Failed += delta
	}
}

// refresh recomputes speeds and the ETA; t.mu must be held.
func (t *Tracker) refresh() {
	now := t.now()

	cutoff := now.Add(-speedWindow)
	i := 0
	for i < len(t.samples) && t.samples[i].at.Before(cutoff) {
		i++
	}
	t.samples = t.samples[i:]

	t.status.CurrentSpeed = 0
	if len(t.samples) > 1 {
		var recent int64
		for _, s := range t.samples {
			recent += s.bytes
		}
		if span := now.Sub(t.samples[0].at); span > 0 {
			t.status.CurrentSpeed = float64(recent) / span.Seconds()
		}
	}

	t.status.AverageSpeed = 0
	if elapsed := now.Sub(t.status.StartTime); elapsed > 0 {
		t.status.AverageSpeed = float64(t.status.CopiedBytes) / elapsed.Seconds()
	}

	t.status.ETA = 0
	remaining := t.status.TotalBytes - t.status.SettledBytes
	speed := t.status.CurrentSpeed
	if speed == 0 {
		speed = t.status.AverageSpeed
	}
	if remaining > 0 && speed > 0 {
		t.status.ETA = time.Duration(float64(remaining) / speed * float64(time.Second))
	}
}

// GetStatus returns a snapshot of the current status
func (t *Tracker) GetStatus() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// FormatSpeed formats speed in human readable format
func FormatSpeed(bytesPerSecond float64) string {
	if bytesPerSecond < 0 {
		bytesPerSecond = 0
	}
	return humanize.IBytes(uint64(bytesPerSecond)) + "/s"
}

// FormatBytes formats bytes in human readable format
func FormatBytes(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}

// FormatDuration formats duration in human readable format
func FormatDuration(d time.Duration) string {
	if d == 0 {
		return "calculating..."
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
